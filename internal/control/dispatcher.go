package control

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"credwrap/internal/answer"
	"credwrap/internal/logging"
	"credwrap/internal/metrics"
)

// Dispatcher turns control-channel lines into Answerer calls.
type Dispatcher struct {
	answerer answer.Answerer
	logger   *logging.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRateLimit allows perSecond requests on average with bursts of burst.
// A runaway script then cannot flood the human with prompts. perSecond <= 0
// means no limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewDispatcher returns a Dispatcher. logger and m may be nil.
func NewDispatcher(a answer.Answerer, logger *logging.Logger, m *metrics.Metrics, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Dispatcher{answerer: a, logger: logger, metrics: m}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle answers one line, writing the reply to w. Nothing is written for
// save, for malformed lines, or when the answerer fails; the error says why.
func (d *Dispatcher) Handle(ctx context.Context, w io.Writer, line []byte) error {
	msg, err := ParseMessage(line)
	if err != nil {
		d.metrics.ObserveRequest("invalid", metrics.OutcomeMalformed)
		return err
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.metrics.ObserveRequest(string(msg.Action), metrics.OutcomeError)
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	reply, err := d.call(ctx, msg)
	if err != nil {
		d.metrics.ObserveRequest(string(msg.Action), metrics.OutcomeError)
		return fmt.Errorf("failed to %s: %w", msg.Action, err)
	}
	d.metrics.ObserveRequest(string(msg.Action), metrics.OutcomeOK)

	if !msg.Action.Replies() {
		return nil
	}
	b, err := encodeReply(reply)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("failed to write reply: %w", err)
	}
	return nil
}

func (d *Dispatcher) call(ctx context.Context, msg *Message) (*string, error) {
	switch msg.Action {
	case ActionPrompt:
		d.logger.Debug(ctx, "prompt requested", zap.String("key", *msg.Key),
			zap.Bool("ask_human", msg.ShouldAskHuman()))
		return d.answerer.Prompt(ctx, *msg.Key, msg.Prompt, msg.ShouldAskHuman())
	case ActionSave:
		d.logger.Debug(ctx, "save requested", zap.String("key", *msg.Key))
		return nil, d.answerer.Save(ctx, *msg.Key, *msg.Value)
	case ActionAlias:
		d.logger.Debug(ctx, "alias requested")
		alias, err := d.answerer.Alias(ctx, msg.AccountID)
		if err != nil {
			return nil, err
		}
		return &alias, nil
	}
	return nil, fmt.Errorf("%w: %q is not a valid action", ErrMalformedMessage, string(msg.Action))
}

// LineHandler adapts Handle for a reader loop: failures are logged and the
// session goes on.
func (d *Dispatcher) LineHandler(ctx context.Context) func(w io.Writer, line []byte) {
	return func(w io.Writer, line []byte) {
		err := d.Handle(ctx, w, line)
		switch {
		case err == nil:
		case errors.Is(err, ErrMalformedMessage):
			d.logger.Warn(ctx, "dropped control message", zap.Error(err))
		default:
			d.logger.Error(ctx, "control request failed", zap.Error(err))
		}
	}
}
