package childproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"credwrap/internal/logging"
	"credwrap/internal/metrics"
)

const readSize = 32 * 1024

// Runner spawns child scripts with the control channel on fd 3.
type Runner struct {
	handler   LineHandler
	scriptDir string
	stdout    io.Writer
	stderr    io.Writer
	env       []string
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// Option configures a Runner.
type Option func(*Runner)

// WithScriptDir resolves bare script names inside dir.
func WithScriptDir(dir string) Option {
	return func(r *Runner) { r.scriptDir = dir }
}

// WithOutput sets where the child's stdout and stderr are copied.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) { r.stdout, r.stderr = stdout, stderr }
}

// WithEnv replaces the inherited environment.
func WithEnv(env []string) Option {
	return func(r *Runner) { r.env = env }
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner returns a Runner handing control lines to handler.
func NewRunner(handler LineHandler, opts ...Option) *Runner {
	r := &Runner{
		handler: handler,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ScriptPath resolves arg0. Names containing a path separator are used as
// given; bare names are looked up in the script directory when one is set.
func (r *Runner) ScriptPath(arg0 string) string {
	if r.scriptDir == "" || strings.ContainsRune(arg0, filepath.Separator) {
		return arg0
	}
	return filepath.Join(r.scriptDir, arg0)
}

// Run executes args[0] with args[1:] and waits for it. A nonzero exit
// returns an *ExitError carrying the code.
func (r *Runner) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("no script given")
	}
	path := r.ScriptPath(args[0])

	ctrlR, ctrlW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create control pipe: %w", err)
	}
	defer ctrlR.Close()

	cmd := exec.CommandContext(ctx, path, args[1:]...)
	cmd.Env = r.env
	cmd.ExtraFiles = []*os.File{ctrlW}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		ctrlW.Close()
		return fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		ctrlW.Close()
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		ctrlW.Close()
		return fmt.Errorf("failed to open stderr: %w", err)
	}

	proto := New(r.handler, r.stdout, r.stderr)
	proto.Attach(stdin)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		ctrlW.Close()
		return fmt.Errorf("failed to start %s: %w", path, err)
	}
	// The child holds its own copy; ours must go so the reader sees EOF.
	ctrlW.Close()
	r.logger.Info(ctx, "child started", zap.String("script", path), zap.Int("pid", cmd.Process.Pid))

	var g errgroup.Group
	g.Go(func() error { return r.pump(ctx, proto, FDStdout, stdout) })
	g.Go(func() error { return r.pump(ctx, proto, FDStderr, stderr) })
	g.Go(func() error { return r.pump(ctx, proto, FDControl, ctrlR) })
	pumpErr := g.Wait()

	code, err := exitCode(cmd.Wait())
	if err != nil {
		return fmt.Errorf("failed to wait for %s: %w", path, err)
	}
	if pending := proto.Pending(); len(pending) > 0 {
		r.logger.Warn(ctx, "control channel closed mid-line", zap.Int("bytes", len(pending)))
	}
	if pumpErr != nil {
		r.logger.Warn(ctx, "child stream error", zap.Error(pumpErr))
	}

	proto.ProcessEnded(code)
	r.metrics.ObserveExit(code)
	r.logger.Info(ctx, "child exited", zap.Int("code", code), zap.Duration("elapsed", time.Since(start)))
	return proto.Err()
}

// pump copies one child stream into proto until EOF. Sink errors are
// reported once and reading goes on so the child never blocks on a full
// pipe.
func (r *Runner) pump(ctx context.Context, proto *Protocol, fd int, src io.Reader) error {
	buf := make([]byte, readSize)
	var sinkErr error
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := proto.DataReceived(fd, buf[:n]); werr != nil && sinkErr == nil {
				sinkErr = werr
				r.logger.Warn(ctx, "failed to forward child output", zap.Int("fd", fd), zap.Error(werr))
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read fd %d: %w", fd, err)
		}
	}
}

// exitCode extracts the child's exit code. A child killed by a signal
// reports 128 plus the signal number, as shells do.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, err
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}
