package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"credwrap/internal/datastore"
)

// ErrWrongSecret is returned by Open when the secret does not match the one
// the store was created with.
var ErrWrongSecret = errors.New("wrong secret for this store")

// The header id is shorter than HashLen, so no hashed row can collide with it.
var (
	headerID  = []byte("credwrap")
	headerKey = []byte("header")
)

const checkValue = "credwrap store check"

// Open returns an EncryptedStore over backing, reusing the KDF parameters and
// verifying the secret recorded in the store header. A store without a
// header is initialized with params.
func Open(ctx context.Context, backing datastore.Store, secret []byte, params KDFParams, opts ...Option) (*EncryptedStore, error) {
	raw, err := backing.Get(ctx, headerID, headerKey)
	if errors.Is(err, datastore.ErrNotFound) {
		return initialize(ctx, backing, secret, params, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store header: %w", err)
	}

	var header Header
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("failed to parse store header (is it a credwrap store?): %w", err)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported store version: %q", header.Version)
	}
	if header.Algorithm != Algorithm {
		return nil, fmt.Errorf("unsupported algorithm: %s", header.Algorithm)
	}
	if header.KDF.Algorithm != KDFAlgorithm {
		return nil, fmt.Errorf("unsupported KDF: %s", header.KDF.Algorithm)
	}
	check, err := base64.StdEncoding.DecodeString(header.Check)
	if err != nil {
		return nil, fmt.Errorf("invalid check encoding: %w", err)
	}

	s, err := New(backing, secret, append(opts, WithKDFParams(header.KDF))...)
	if err != nil {
		return nil, err
	}
	plain, err := s.aead.Decrypt(check, headerID)
	if err != nil || string(plain) != checkValue {
		return nil, ErrWrongSecret
	}
	return s, nil
}

func initialize(ctx context.Context, backing datastore.Store, secret []byte, params KDFParams, opts []Option) (*EncryptedStore, error) {
	s, err := New(backing, secret, append(opts, WithKDFParams(params))...)
	if err != nil {
		return nil, err
	}
	check, err := s.aead.Encrypt([]byte(checkValue), headerID)
	if err != nil {
		return nil, fmt.Errorf("failed to seal check value: %w", err)
	}
	header := Header{
		Version:   FormatVersion,
		Algorithm: Algorithm,
		KDF:       s.params,
		Check:     base64.StdEncoding.EncodeToString(check),
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := backing.Put(ctx, headerID, headerKey, headerBytes); err != nil {
		return nil, fmt.Errorf("failed to write store header: %w", err)
	}
	return s, nil
}

// Initialized reports whether backing already holds a store header.
func Initialized(ctx context.Context, backing datastore.Store) (bool, error) {
	_, err := backing.Get(ctx, headerID, headerKey)
	if errors.Is(err, datastore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read store header: %w", err)
	}
	return true, nil
}
