// Package control implements both ends of the control channel between
// credwrap and a child script: newline-delimited JSON requests from the child
// on fd 3, and one JSON reply per answered request on the child's stdin.
package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// FD is the child's file descriptor for requests.
const FD = 3

// ErrMalformedMessage is returned for lines that are not a JSON object, name
// an action outside the allow-list, or lack a field the action requires.
var ErrMalformedMessage = errors.New("malformed control message")

// Action names an Answerer capability.
type Action string

const (
	ActionPrompt Action = "prompt"
	ActionSave   Action = "save"
	ActionAlias  Action = "alias"
)

// Valid reports whether a is one of the three capabilities.
func (a Action) Valid() bool {
	switch a {
	case ActionPrompt, ActionSave, ActionAlias:
		return true
	}
	return false
}

// Replies reports whether the action gets a reply line.
func (a Action) Replies() bool {
	return a != ActionSave
}

// Message is one request on the control channel. Fields that do not belong
// to Action are ignored. Key may be empty but not absent.
type Message struct {
	Action    Action  `json:"action,omitempty"`
	Key       *string `json:"key,omitempty"`
	Prompt    string  `json:"prompt,omitempty"`
	AskHuman  *bool   `json:"ask_human,omitempty"`
	Value     *string `json:"value,omitempty"`
	AccountID string  `json:"account_id,omitempty"`
}

// ShouldAskHuman returns ask_human, which defaults to true.
func (m *Message) ShouldAskHuman() bool {
	return m.AskHuman == nil || *m.AskHuman
}

// ParseMessage decodes and validates one line. A missing action means
// prompt.
func ParseMessage(line []byte) (*Message, error) {
	line = bytes.TrimSpace(line)
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Action == "" {
		msg.Action = ActionPrompt
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *Message) validate() error {
	switch m.Action {
	case ActionPrompt:
		if m.Key == nil {
			return fmt.Errorf("%w: prompt requires key", ErrMalformedMessage)
		}
	case ActionSave:
		if m.Key == nil || m.Value == nil {
			return fmt.Errorf("%w: save requires key and value", ErrMalformedMessage)
		}
	case ActionAlias:
		if m.AccountID == "" {
			return fmt.Errorf("%w: alias requires account_id", ErrMalformedMessage)
		}
	default:
		return fmt.Errorf("%w: %q is not a valid action", ErrMalformedMessage, string(m.Action))
	}
	return nil
}

// encodeReply renders an answer as one JSON line. nil becomes null.
func encodeReply(answer *string) ([]byte, error) {
	b, err := json.Marshal(answer)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
