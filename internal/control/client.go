package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Client is the child's end of the channel. Requests are serialized so each
// reply is read by the request that caused it.
type Client struct {
	mu sync.Mutex
	w  io.Writer
	r  *bufio.Reader
}

// NewClient sends requests to w and reads replies from r.
func NewClient(w io.Writer, r io.Reader) *Client {
	return &Client{w: w, r: bufio.NewReader(r)}
}

// NewClientFromEnv binds the channel a credwrap parent set up: requests on
// fd 3, replies on stdin.
func NewClientFromEnv() (*Client, error) {
	f := os.NewFile(FD, "control")
	if f == nil {
		return nil, errors.New("control channel unavailable")
	}
	if _, err := f.Stat(); err != nil {
		return nil, fmt.Errorf("control channel not open on fd %d: %w", FD, err)
	}
	return NewClient(f, os.Stdin), nil
}

// Prompt asks for key. A nil answer means none was available.
func (c *Client) Prompt(key, prompt string, askHuman bool) (*string, error) {
	msg := Message{Action: ActionPrompt, Key: &key, Prompt: prompt}
	if !askHuman {
		msg.AskHuman = &askHuman
	}
	return c.roundTrip(&msg)
}

// Save asks the parent to keep value under key. No reply is sent.
func (c *Client) Save(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(&Message{Action: ActionSave, Key: &key, Value: &value})
}

// Alias returns the parent's pseudonym for accountID.
func (c *Client) Alias(accountID string) (string, error) {
	answer, err := c.roundTrip(&Message{Action: ActionAlias, AccountID: accountID})
	if err != nil {
		return "", err
	}
	if answer == nil {
		return "", errors.New("no alias returned")
	}
	return *answer, nil
}

func (c *Client) roundTrip(msg *Message) (*string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(msg); err != nil {
		return nil, err
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}
	var answer *string
	if err := json.Unmarshal(line, &answer); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	return answer, nil
}

func (c *Client) send(msg *Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := c.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("failed to send %s request: %w", msg.Action, err)
	}
	return nil
}
