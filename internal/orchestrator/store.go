package orchestrator

import (
	"context"
	"errors"

	"github.com/star64ccs/CardStrategy-sub006/internal/config"
	"github.com/star64ccs/CardStrategy-sub006/internal/encryption"
	"github.com/star64ccs/CardStrategy-sub006/internal/persistence"
)

// MemoryPath selects an in-memory SQLite store.
const MemoryPath = ":memory:"

// OpenStore opens the durable store described by cfg, wrapping it with
// encryption when enabled.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (persistence.Store, error) {
	var (
		inner *persistence.SQLiteStore
		err   error
	)
	if cfg.Path == MemoryPath {
		inner, err = persistence.NewMemorySQLiteStore(ctx)
	} else {
		inner, err = persistence.NewSQLiteStore(ctx, cfg.Path)
	}
	if err != nil {
		return nil, err
	}
	if !cfg.Encrypt {
		return inner, nil
	}

	gateway, err := openGateway(ctx, cfg, inner)
	if err != nil {
		inner.Close()
		return nil, err
	}
	return persistence.NewEncryptedStore(inner, gateway), nil
}

func openGateway(ctx context.Context, cfg config.StorageConfig, inner persistence.Store) (encryption.Gateway, error) {
	if cfg.Passphrase != "" {
		salt, err := persistence.EncryptionSalt(ctx, inner)
		if err != nil {
			return nil, err
		}
		return encryption.FromPassphrase(cfg.Passphrase, salt)
	}
	if cfg.KeyFile == "" {
		return nil, errors.New("encrypted storage needs a key file or passphrase")
	}
	key, err := encryption.LoadOrGenerateKeyFile(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return encryption.New(key)
}
