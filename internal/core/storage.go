package core

import (
	"context"
	"fmt"
	"io"
	"strings"

	"orderledger/internal/config"
	"orderledger/internal/infra/persistence/memory"
	"orderledger/internal/infra/persistence/postgres"
	"orderledger/internal/infra/persistence/sqlite"
	"orderledger/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenStore selects a backend from configuration. A nil engine gets the
// default rule set.
func OpenStore(ctx context.Context, cfg config.Storage, engine *domain.RulesEngine) (domain.Store, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	switch StorageDriver(strings.ToLower(cfg.Driver)) {
	case StorageMemory, "":
		return memory.NewStore(engine), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath, engine)
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

// CloseStore releases backend resources when the store holds any.
func CloseStore(store domain.Store) error {
	if c, ok := store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
