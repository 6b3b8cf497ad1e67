// Package vault wraps a datastore.Store so that ids and keys are stored as
// keyed hashes and values are stored encrypted. The backing store never sees
// plaintext.
//
// Every operation on one EncryptedStore runs in the order it was issued, even
// when callers issue several before waiting on any. Two EncryptedStores over
// the same backing store do not coordinate with each other.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/prf"
	"github.com/tink-crypto/tink-go/v2/tink"
	"golang.org/x/sync/errgroup"

	"credwrap/internal/datastore"
	"credwrap/internal/metrics"
)

var (
	// ErrNotFound is returned by Get for a row that was never written or has
	// been deleted.
	ErrNotFound = datastore.ErrNotFound

	// ErrDecrypt is returned when a stored value cannot be authenticated or
	// decoded: corrupt data, or a row sealed under a different secret.
	ErrDecrypt = errors.New("failed to decrypt value")
)

// EncryptedStore hashes, encrypts and serializes access to a backing store.
type EncryptedStore struct {
	store   datastore.Store
	aead    tink.AEAD
	prf     *prf.Set
	params  KDFParams
	metrics *metrics.Metrics

	mu   sync.Mutex
	tail chan struct{}
}

// Option configures an EncryptedStore.
type Option func(*EncryptedStore)

// WithKDFParams overrides DefaultKDFParams.
func WithKDFParams(p KDFParams) Option {
	return func(s *EncryptedStore) { s.params = p }
}

// WithMetrics records operation counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *EncryptedStore) { s.metrics = m }
}

// New derives the hashing and encryption keys from secret and returns a
// store over backing. It does no I/O; see Open for stores that persist their
// parameters.
func New(backing datastore.Store, secret []byte, opts ...Option) (*EncryptedStore, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret cannot be empty")
	}
	s := &EncryptedStore{
		store:  backing,
		params: DefaultKDFParams(),
		tail:   make(chan struct{}),
	}
	close(s.tail)
	for _, opt := range opts {
		opt(s)
	}
	if s.params.Algorithm == "" {
		s.params.Algorithm = KDFAlgorithm
	}
	if err := s.params.Validate(); err != nil {
		return nil, err
	}

	master := deriveKey(secret, s.params)
	defer zeroBytes(master)

	aeadKey, err := expandKey(master, "credwrap aead")
	if err != nil {
		return nil, err
	}
	defer zeroBytes(aeadKey)
	prfKey, err := expandKey(master, "credwrap prf")
	if err != nil {
		return nil, err
	}
	defer zeroBytes(prfKey)

	aeadHandle, err := createAEADKeyset(aeadKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create aead keyset: %w", err)
	}
	if s.aead, err = aead.New(aeadHandle); err != nil {
		return nil, fmt.Errorf("failed to create aead: %w", err)
	}

	prfHandle, err := createPRFKeyset(prfKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create prf keyset: %w", err)
	}
	if s.prf, err = prf.NewPRFSet(prfHandle); err != nil {
		return nil, fmt.Errorf("failed to create prf: %w", err)
	}
	return s, nil
}

// Op is an issued operation. Its result is available once Done is closed.
type Op struct {
	done  chan struct{}
	value []byte
	err   error
}

// Done is closed when the operation has finished.
func (o *Op) Done() <-chan struct{} { return o.done }

// Wait blocks until the operation finishes and returns its result.
func (o *Op) Wait() ([]byte, error) {
	<-o.done
	return o.value, o.err
}

// PutAsync issues a put of value under (id, key).
func (s *EncryptedStore) PutAsync(ctx context.Context, id, key, value []byte) *Op {
	return s.submit(ctx, "put", func(ctx context.Context) ([]byte, error) {
		hid, hkey, err := s.hashPair(id, key)
		if err != nil {
			return nil, err
		}
		sealed, err := s.seal(value, hid, hkey)
		if err != nil {
			return nil, err
		}
		return nil, s.store.Put(ctx, hid, hkey, sealed)
	})
}

// GetAsync issues a get of the value under (id, key).
func (s *EncryptedStore) GetAsync(ctx context.Context, id, key []byte) *Op {
	return s.submit(ctx, "get", func(ctx context.Context) ([]byte, error) {
		hid, hkey, err := s.hashPair(id, key)
		if err != nil {
			return nil, err
		}
		sealed, err := s.store.Get(ctx, hid, hkey)
		if err != nil {
			return nil, err
		}
		return s.open(sealed, hid, hkey)
	})
}

// DeleteAsync issues a delete of (id, key), or of every key under id when
// key is nil.
func (s *EncryptedStore) DeleteAsync(ctx context.Context, id, key []byte) *Op {
	return s.submit(ctx, "delete", func(ctx context.Context) ([]byte, error) {
		hid, err := s.hash(id)
		if err != nil {
			return nil, err
		}
		var hkey []byte
		if key != nil {
			if hkey, err = s.hash(key); err != nil {
				return nil, err
			}
		}
		return nil, s.store.Delete(ctx, hid, hkey)
	})
}

// Put stores value under (id, key).
func (s *EncryptedStore) Put(ctx context.Context, id, key, value []byte) error {
	_, err := s.PutAsync(ctx, id, key, value).Wait()
	return err
}

// Get returns the plaintext stored under (id, key), or ErrNotFound.
func (s *EncryptedStore) Get(ctx context.Context, id, key []byte) ([]byte, error) {
	return s.GetAsync(ctx, id, key).Wait()
}

// Delete removes (id, key), or every key under id when key is nil.
func (s *EncryptedStore) Delete(ctx context.Context, id, key []byte) error {
	_, err := s.DeleteAsync(ctx, id, key).Wait()
	return err
}

// submit queues fn behind every previously issued operation. The slot in the
// queue is taken before submit returns, so issuance order is execution order.
func (s *EncryptedStore) submit(ctx context.Context, name string, fn func(context.Context) ([]byte, error)) *Op {
	s.mu.Lock()
	prev := s.tail
	next := make(chan struct{})
	s.tail = next
	s.mu.Unlock()

	op := &Op{done: make(chan struct{})}
	go func() {
		defer close(next)
		<-prev

		start := time.Now()
		if err := ctx.Err(); err != nil {
			op.err = err
		} else {
			op.value, op.err = fn(ctx)
		}
		s.metrics.ObserveStoreOp(name, start, op.err)
		close(op.done)
	}()
	return op
}

func (s *EncryptedStore) hash(data []byte) ([]byte, error) {
	out, err := s.prf.ComputePrimaryPRF(data, HashLen)
	if err != nil {
		return nil, fmt.Errorf("failed to hash: %w", err)
	}
	return out, nil
}

func (s *EncryptedStore) hashPair(id, key []byte) (hid, hkey []byte, err error) {
	g := new(errgroup.Group)
	g.Go(func() (err error) { hid, err = s.hash(id); return })
	g.Go(func() (err error) { hkey, err = s.hash(key); return })
	err = g.Wait()
	return hid, hkey, err
}

// seal encrypts a padded value. The hashed id and key are bound as
// associated data so a row cannot be replayed under another address.
func (s *EncryptedStore) seal(value, hid, hkey []byte) ([]byte, error) {
	ciphertext, err := s.aead.Encrypt(pad(value), associatedData(hid, hkey))
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	return append([]byte{envelopeVersion}, ciphertext...), nil
}

func (s *EncryptedStore) open(sealed, hid, hkey []byte) ([]byte, error) {
	if len(sealed) < 1 || sealed[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version", ErrDecrypt)
	}
	frame, err := s.aead.Decrypt(sealed[1:], associatedData(hid, hkey))
	if err != nil {
		return nil, fmt.Errorf("%w (wrong secret or corrupted data?): %v", ErrDecrypt, err)
	}
	value, err := unpad(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return value, nil
}

func associatedData(hid, hkey []byte) []byte {
	ad := make([]byte, 0, len(hid)+len(hkey))
	ad = append(ad, hid...)
	return append(ad, hkey...)
}
