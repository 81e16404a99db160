package persistence

import (
	"context"
	"fmt"

	"github.com/star64ccs/CardStrategy-sub006/internal/encryption"
)

// EncryptedStore encrypts values before they reach the wrapped Store.
// Keys are stored in the clear so prefix listing keeps working.
type EncryptedStore struct {
	inner   Store
	gateway encryption.Gateway
}

// NewEncryptedStore wraps inner with gateway.
func NewEncryptedStore(inner Store, gateway encryption.Gateway) *EncryptedStore {
	return &EncryptedStore{inner: inner, gateway: gateway}
}

func (e *EncryptedStore) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := e.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	value, err := e.gateway.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s: %w", key, err)
	}
	return value, nil
}

func (e *EncryptedStore) Set(ctx context.Context, key string, value []byte) error {
	blob, err := e.gateway.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", key, err)
	}
	return e.inner.Set(ctx, key, blob)
}

func (e *EncryptedStore) Remove(ctx context.Context, key string) error {
	return e.inner.Remove(ctx, key)
}

func (e *EncryptedStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return e.inner.ListKeys(ctx, prefix)
}

func (e *EncryptedStore) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	blobs, err := e.inner.MultiGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(blobs))
	for k, blob := range blobs {
		value, err := e.gateway.Decrypt(blob)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s: %w", k, err)
		}
		out[k] = value
	}
	return out, nil
}

func (e *EncryptedStore) MultiSet(ctx context.Context, entries map[string][]byte) error {
	blobs := make(map[string][]byte, len(entries))
	for k, v := range entries {
		blob, err := e.gateway.Encrypt(v)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s: %w", k, err)
		}
		blobs[k] = blob
	}
	return e.inner.MultiSet(ctx, blobs)
}

func (e *EncryptedStore) MultiRemove(ctx context.Context, keys []string) error {
	return e.inner.MultiRemove(ctx, keys)
}

// Close closes the wrapped store.
func (e *EncryptedStore) Close() error {
	return e.inner.Close()
}
