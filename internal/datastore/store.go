// Package datastore holds the plain key-value layer that sits beneath the
// encrypting vault. Rows are addressed by an (id, key) pair of opaque byte
// strings; implementations never interpret either.
package datastore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no row exists for the (id, key) pair.
var ErrNotFound = errors.New("record not found")

// Store is the backing key-value contract.
//
// Put creates or overwrites a row. Get returns ErrNotFound for a missing row.
// Delete with a nil key removes every row under id; deleting a missing row is
// not an error.
type Store interface {
	Put(ctx context.Context, id, key, value []byte) error
	Get(ctx context.Context, id, key []byte) ([]byte, error)
	Delete(ctx context.Context, id, key []byte) error
}
