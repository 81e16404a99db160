package persistence

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeviceID returns this store's device identifier, creating one on first use.
func DeviceID(ctx context.Context, s Store) (string, error) {
	data, err := s.Get(ctx, DeviceIDKey)
	if err == nil && len(data) > 0 {
		return string(data), nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id := uuid.NewString()
	if err := s.Set(ctx, DeviceIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("failed to save device id: %w", err)
	}
	return id, nil
}

// LastSync returns the timestamp of the last successful sync, or the zero time.
func LastSync(ctx context.Context, s Store) (time.Time, error) {
	data, err := s.Get(ctx, LastSyncKey)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync: %w", err)
	}
	var t time.Time
	if err := t.UnmarshalText(data); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode last sync: %w", err)
	}
	return t, nil
}

// SetLastSync records the timestamp of a successful sync.
func SetLastSync(ctx context.Context, s Store, t time.Time) error {
	data, err := t.UTC().MarshalText()
	if err != nil {
		return err
	}
	return s.Set(ctx, LastSyncKey, data)
}

// EncryptionSalt returns the passphrase salt kept in the clear in s,
// generating 16 random bytes on first use.
func EncryptionSalt(ctx context.Context, s Store) ([]byte, error) {
	salt, err := s.Get(ctx, SaltKey)
	if err == nil && len(salt) > 0 {
		return salt, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := s.Set(ctx, SaltKey, salt); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}
