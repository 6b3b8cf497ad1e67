package answer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"credwrap/internal/logging"
	"credwrap/internal/vault"
)

const (
	// aliasID holds account aliases. It is the same for every login and
	// lacks loginPrefix, so no login id can equal it.
	aliasID = "__alias"

	loginPrefix = "login:"
)

// LoginID returns the store id that values for login are filed under.
func LoginID(login string) []byte {
	return []byte(loginPrefix + login)
}

// SecretStore is the part of vault.EncryptedStore the StoreAnswerer needs.
type SecretStore interface {
	Get(ctx context.Context, id, key []byte) ([]byte, error)
	Put(ctx context.Context, id, key, value []byte) error
}

var (
	_ Answerer    = (*StoreAnswerer)(nil)
	_ Answerer    = (*HumanAnswerer)(nil)
	_ SecretStore = (*vault.EncryptedStore)(nil)
)

// StoreAnswerer answers from a SecretStore, falling back to a human and
// remembering what the human says. Stored values are filed under the login
// given in answer to LoginKey.
type StoreAnswerer struct {
	store  SecretStore
	ask    AskFunc
	logger *logging.Logger

	mu       sync.Mutex
	login    string
	loggedIn bool
}

// NewStoreAnswerer returns an answerer for one session.
func NewStoreAnswerer(store SecretStore, ask AskFunc, logger *logging.Logger) *StoreAnswerer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StoreAnswerer{store: store, ask: ask, logger: logger}
}

// Login returns the session login and whether it has been set.
func (s *StoreAnswerer) Login() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.login, s.loggedIn
}

func (s *StoreAnswerer) Prompt(ctx context.Context, key, prompt string, askHuman bool) (*string, error) {
	if key == LoginKey {
		return s.promptLogin(ctx, key, prompt)
	}

	login, _ := s.Login()
	value, err := s.store.Get(ctx, LoginID(login), []byte(key))
	if err == nil {
		answer := string(value)
		s.logger.Debug(ctx, "answered from store", zap.String("key", key))
		return &answer, nil
	}
	if !errors.Is(err, vault.ErrNotFound) {
		return nil, err
	}
	if !askHuman {
		s.logger.Debug(ctx, "not in store and human not allowed", zap.String("key", key))
		return nil, nil
	}

	answer, err := s.ask(ctx, promptText(key, prompt))
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, LoginID(login), []byte(key), []byte(answer)); err != nil {
		return nil, err
	}
	s.logger.Debug(ctx, "stored human answer", zap.String("key", key),
		logging.RedactedString("answer", answer))
	return &answer, nil
}

// promptLogin asks the human for the login once per session. The store is
// not consulted: the login is what selects the stored values.
func (s *StoreAnswerer) promptLogin(ctx context.Context, key, prompt string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedIn {
		login := s.login
		return &login, nil
	}
	login, err := s.ask(ctx, promptText(key, prompt))
	if err != nil {
		return nil, err
	}
	s.login, s.loggedIn = login, true
	s.logger.Debug(ctx, "login set", logging.RedactedString("login", login))
	return &login, nil
}

func (s *StoreAnswerer) Save(ctx context.Context, key, value string) error {
	login, _ := s.Login()
	return s.store.Put(ctx, LoginID(login), []byte(key), []byte(value))
}

// Alias returns the stored alias for accountID, creating one the first time.
// Aliases do not depend on the login.
func (s *StoreAnswerer) Alias(ctx context.Context, accountID string) (string, error) {
	value, err := s.store.Get(ctx, []byte(aliasID), []byte(accountID))
	if err == nil {
		return string(value), nil
	}
	if !errors.Is(err, vault.ErrNotFound) {
		return "", err
	}
	alias := hexToken() + hexToken()
	if err := s.store.Put(ctx, []byte(aliasID), []byte(accountID), []byte(alias)); err != nil {
		return "", err
	}
	return alias, nil
}
