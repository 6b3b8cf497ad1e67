// Package answer supplies the data a child script asks for. An Answerer is
// either backed only by a human (HumanAnswerer) or by an encrypted store with
// a human fallback (StoreAnswerer).
package answer

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// LoginKey is the key whose answer identifies the user for the rest of the
// session. It is always asked of the human and never stored under itself.
const LoginKey = "_login"

// Answerer is the capability set a child may call over the control channel.
// A nil *string answer is sent to the child as JSON null.
type Answerer interface {
	// Prompt returns the value for key. prompt, if non-empty, is shown to the
	// human instead of key. A human is never asked when askHuman is false.
	Prompt(ctx context.Context, key, prompt string, askHuman bool) (*string, error)

	// Save asks the answerer to retain value under key. It may do nothing.
	Save(ctx context.Context, key, value string) error

	// Alias returns a pseudonym for accountID.
	Alias(ctx context.Context, accountID string) (string, error)
}

// AskFunc presents prompt to a human and returns their answer.
type AskFunc func(ctx context.Context, prompt string) (string, error)

// HumanAnswerer gets all answers from a human and keeps nothing.
type HumanAnswerer struct {
	ask AskFunc
}

// NewHumanAnswerer returns an answerer that asks via ask.
func NewHumanAnswerer(ask AskFunc) *HumanAnswerer {
	return &HumanAnswerer{ask: ask}
}

func (h *HumanAnswerer) Prompt(ctx context.Context, key, prompt string, askHuman bool) (*string, error) {
	if !askHuman {
		return nil, nil
	}
	answer, err := h.ask(ctx, promptText(key, prompt))
	if err != nil {
		return nil, err
	}
	return &answer, nil
}

// Save ignores the request: a human is not expected to write down long
// byte strings.
func (h *HumanAnswerer) Save(ctx context.Context, key, value string) error {
	return nil
}

// Alias returns a new random alias on every call. Without a store there is
// nowhere to remember one, and a random value reveals nothing about the
// account id.
func (h *HumanAnswerer) Alias(ctx context.Context, accountID string) (string, error) {
	return "TRANSIENT-" + hexToken(), nil
}

func promptText(key, prompt string) string {
	if prompt != "" {
		return prompt
	}
	return key
}

// hexToken returns the 32 hex digits of a random UUID.
func hexToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
