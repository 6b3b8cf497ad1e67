package answer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credwrap/internal/datastore"
	"credwrap/internal/logging"
	"credwrap/internal/vault"
)

// human returns an AskFunc answering from answers and recording prompts.
func human(answers map[string]string) (AskFunc, *[]string) {
	var mu sync.Mutex
	prompts := []string{}
	return func(ctx context.Context, prompt string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		prompts = append(prompts, prompt)
		answer, ok := answers[prompt]
		if !ok {
			return "", errors.New("unexpected prompt " + prompt)
		}
		return answer, nil
	}, &prompts
}

func newVault(t *testing.T) *vault.EncryptedStore {
	t.Helper()
	s, err := vault.New(datastore.NewMemory(), []byte("pw"),
		vault.WithKDFParams(vault.KDFParams{Time: 1, Memory: 64, Threads: 1}))
	require.NoError(t, err)
	return s
}

// spyStore records the keys it is asked about.
type spyStore struct {
	SecretStore
	mu   sync.Mutex
	keys []string
}

func (s *spyStore) Get(ctx context.Context, id, key []byte) ([]byte, error) {
	s.mu.Lock()
	s.keys = append(s.keys, "get:"+string(key))
	s.mu.Unlock()
	return s.SecretStore.Get(ctx, id, key)
}

func (s *spyStore) Put(ctx context.Context, id, key, value []byte) error {
	s.mu.Lock()
	s.keys = append(s.keys, "put:"+string(key))
	s.mu.Unlock()
	return s.SecretStore.Put(ctx, id, key, value)
}

// failingStore fails every call with err.
type failingStore struct{ err error }

func (f failingStore) Get(context.Context, []byte, []byte) ([]byte, error) { return nil, f.err }
func (f failingStore) Put(context.Context, []byte, []byte, []byte) error  { return f.err }

func TestHumanAnswerer_Prompt(t *testing.T) {
	ctx := context.Background()
	ask, prompts := human(map[string]string{"name": "joe", "Your name, please": "jim"})
	h := NewHumanAnswerer(ask)

	got, err := h.Prompt(ctx, "name", "", true)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "joe", *got)

	got, err = h.Prompt(ctx, "name", "Your name, please", true)
	require.NoError(t, err)
	assert.Equal(t, "jim", *got)

	got, err = h.Prompt(ctx, "name", "", false)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, []string{"name", "Your name, please"}, *prompts)
}

func TestHumanAnswerer_SaveIsNoop(t *testing.T) {
	ask, prompts := human(nil)
	h := NewHumanAnswerer(ask)
	assert.NoError(t, h.Save(context.Background(), "key", "value"))
	assert.Empty(t, *prompts)
}

func TestHumanAnswerer_AliasIsRandom(t *testing.T) {
	ctx := context.Background()
	h := NewHumanAnswerer(nil)

	a, err := h.Alias(ctx, "acct-1")
	require.NoError(t, err)
	b, err := h.Alias(ctx, "acct-1")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^TRANSIENT-[0-9a-f]{32}$`, a)
}

func TestStoreAnswerer_Login(t *testing.T) {
	ctx := context.Background()
	store := &spyStore{SecretStore: newVault(t)}
	ask, _ := human(map[string]string{"_login": "the login"})
	s := NewStoreAnswerer(store, ask, nil)

	_, ok := s.Login()
	assert.False(t, ok)

	got, err := s.Prompt(ctx, LoginKey, "", true)
	require.NoError(t, err)
	assert.Equal(t, "the login", *got)

	login, ok := s.Login()
	assert.True(t, ok)
	assert.Equal(t, "the login", login)
	assert.Empty(t, store.keys, "the login must not touch the store")

	_, err = store.Get(ctx, LoginID("the login"), []byte(LoginKey))
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestStoreAnswerer_LoginPrompt(t *testing.T) {
	ask, _ := human(map[string]string{"Account number": "123"})
	s := NewStoreAnswerer(newVault(t), ask, nil)

	got, err := s.Prompt(context.Background(), LoginKey, "Account number", true)
	require.NoError(t, err)
	assert.Equal(t, "123", *got)
}

func TestStoreAnswerer_LoginSetOnce(t *testing.T) {
	ctx := context.Background()
	ask, prompts := human(map[string]string{"_login": "foo"})
	s := NewStoreAnswerer(newVault(t), ask, nil)

	_, err := s.Prompt(ctx, LoginKey, "", true)
	require.NoError(t, err)
	got, err := s.Prompt(ctx, LoginKey, "", true)
	require.NoError(t, err)
	assert.Equal(t, "foo", *got)
	assert.Len(t, *prompts, 1)
}

func TestStoreAnswerer_FromHumanThenStore(t *testing.T) {
	ctx := context.Background()
	v := newVault(t)
	ask, prompts := human(map[string]string{
		"_login":   "foo",
		"password": "the password",
	})
	s := NewStoreAnswerer(v, ask, nil)

	_, err := s.Prompt(ctx, LoginKey, "", true)
	require.NoError(t, err)
	got, err := s.Prompt(ctx, "password", "", true)
	require.NoError(t, err)
	assert.Equal(t, "the password", *got)

	stored, err := v.Get(ctx, LoginID("foo"), []byte("password"))
	require.NoError(t, err)
	assert.Equal(t, "the password", string(stored))

	// Second time comes from the store.
	got, err = s.Prompt(ctx, "password", "", true)
	require.NoError(t, err)
	assert.Equal(t, "the password", *got)
	assert.Equal(t, []string{"_login", "password"}, *prompts)

	login, _ := s.Login()
	assert.Equal(t, "foo", login)
}

func TestStoreAnswerer_StoreHitSkipsHuman(t *testing.T) {
	ctx := context.Background()
	v := newVault(t)
	require.NoError(t, v.Put(ctx, LoginID("foo"), []byte("somekey"), []byte("real value")))

	ask, prompts := human(map[string]string{"_login": "foo", "somekey": "fake value"})
	s := NewStoreAnswerer(v, ask, nil)
	_, err := s.Prompt(ctx, LoginKey, "", true)
	require.NoError(t, err)

	got, err := s.Prompt(ctx, "somekey", "", true)
	require.NoError(t, err)
	assert.Equal(t, "real value", *got)
	assert.Equal(t, []string{"_login"}, *prompts)
}

func TestStoreAnswerer_CustomPrompt(t *testing.T) {
	ctx := context.Background()
	ask, _ := human(map[string]string{"_login": "foo", "The password, please": "pw"})
	s := NewStoreAnswerer(newVault(t), ask, nil)
	_, err := s.Prompt(ctx, LoginKey, "", true)
	require.NoError(t, err)

	got, err := s.Prompt(ctx, "password", "The password, please", true)
	require.NoError(t, err)
	assert.Equal(t, "pw", *got)
}

func TestStoreAnswerer_DontAskHuman(t *testing.T) {
	ctx := context.Background()
	ask, prompts := human(map[string]string{})
	s := NewStoreAnswerer(newVault(t), ask, nil)

	got, err := s.Prompt(ctx, "some key", "", false)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, *prompts)
}

func TestStoreAnswerer_Save(t *testing.T) {
	ctx := context.Background()
	v := newVault(t)
	ask, _ := human(map[string]string{"_login": "foo"})
	s := NewStoreAnswerer(v, ask, nil)
	_, err := s.Prompt(ctx, LoginKey, "", true)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, "token", "abc"))
	got, err := v.Get(ctx, LoginID("foo"), []byte("token"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	answer, err := s.Prompt(ctx, "token", "", false)
	require.NoError(t, err)
	assert.Equal(t, "abc", *answer)
}

func TestStoreAnswerer_Alias(t *testing.T) {
	ctx := context.Background()
	v := newVault(t)

	askFoo, _ := human(map[string]string{"_login": "foo"})
	askBar, _ := human(map[string]string{"_login": "bar"})
	first := NewStoreAnswerer(v, askFoo, nil)
	second := NewStoreAnswerer(v, askBar, nil)
	_, err := first.Prompt(ctx, LoginKey, "", true)
	require.NoError(t, err)
	_, err = second.Prompt(ctx, LoginKey, "", true)
	require.NoError(t, err)

	a1, err := first.Alias(ctx, "acct-1")
	require.NoError(t, err)
	again, err := first.Alias(ctx, "acct-1")
	require.NoError(t, err)
	a2, err := first.Alias(ctx, "acct-2")
	require.NoError(t, err)
	other, err := second.Alias(ctx, "acct-1")
	require.NoError(t, err)

	assert.Equal(t, a1, again)
	assert.NotEqual(t, a1, a2)
	assert.Equal(t, a1, other)
	assert.Regexp(t, `^[0-9a-f]{64}$`, a1)
	assert.NotContains(t, a1, "acct")
}

func TestStoreAnswerer_LoginCannotReachAliases(t *testing.T) {
	ctx := context.Background()
	v := newVault(t)

	askOwner, _ := human(map[string]string{"_login": "owner"})
	owner := NewStoreAnswerer(v, askOwner, nil)
	_, err := owner.Prompt(ctx, LoginKey, "", true)
	require.NoError(t, err)
	alias, err := owner.Alias(ctx, "acct-1")
	require.NoError(t, err)

	for _, login := range []string{aliasID, "", loginPrefix + aliasID} {
		ask, _ := human(map[string]string{"_login": login})
		s := NewStoreAnswerer(v, ask, nil)
		_, err := s.Prompt(ctx, LoginKey, "", true)
		require.NoError(t, err)

		got, err := s.Prompt(ctx, "acct-1", "", false)
		require.NoError(t, err)
		assert.Nil(t, got, "login %q read an alias", login)

		require.NoError(t, s.Save(ctx, "acct-1", "overwritten"))
		again, err := owner.Alias(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, alias, again, "login %q changed an alias", login)
	}
	assert.NotEqual(t, []byte(aliasID), LoginID(aliasID))
}

func TestStoreAnswerer_StoreErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk on fire")
	ask, prompts := human(map[string]string{"password": "pw"})
	s := NewStoreAnswerer(failingStore{err: boom}, ask, nil)

	_, err := s.Prompt(ctx, "password", "", true)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, *prompts, "a broken store is not a miss")

	_, err = s.Alias(ctx, "acct-1")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Save(ctx, "k", "v"), boom)
}

func TestStoreAnswerer_HumanErrorPropagates(t *testing.T) {
	ctx := context.Background()
	ask, _ := human(map[string]string{})
	s := NewStoreAnswerer(newVault(t), ask, nil)

	_, err := s.Prompt(ctx, LoginKey, "", true)
	assert.Error(t, err)
	_, ok := s.Login()
	assert.False(t, ok)
}

func TestStoreAnswerer_NeverLogsSecrets(t *testing.T) {
	ctx := context.Background()
	tl := logging.NewTestLogger()
	ask, _ := human(map[string]string{"_login": "joe-login", "password": "hunter2"})
	s := NewStoreAnswerer(newVault(t), ask, tl.Logger)

	_, err := s.Prompt(ctx, LoginKey, "", true)
	require.NoError(t, err)
	_, err = s.Prompt(ctx, "password", "", true)
	require.NoError(t, err)
	_, err = s.Prompt(ctx, "password", "", true)
	require.NoError(t, err)

	assert.NotEmpty(t, tl.All())
	tl.AssertNotContains(t, "hunter2")
	tl.AssertNotContains(t, "joe-login")
}
