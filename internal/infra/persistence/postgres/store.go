// Package postgres provides a Postgres-backed store that mirrors the in-memory
// semantics while writing every committed change set to an entities table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"orderledger/internal/infra/persistence/memory"
	"orderledger/internal/infra/persistence/schema"
	"orderledger/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.Store = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/orderledger?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It ensures the entities table exists and hydrates the in-memory engine from it.
func NewStore(ctx context.Context, dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &Store{db: db}
	if err := s.hydrate(ctx, engine); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) hydrate(ctx context.Context, engine *domain.RulesEngine) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if err := applySchema(ctx, s.db); err != nil {
		return err
	}
	snapshot, err := loadSnapshot(ctx, s.db)
	if err != nil {
		return err
	}
	s.Store = memory.NewStore(engine, memory.WithCommitHook(s.persist))
	return s.ImportState(snapshot)
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func applySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema.Postgres() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT kind, key, payload FROM entities`)
	if err != nil {
		return nil, fmt.Errorf("select entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := memory.Snapshot{}
	for rows.Next() {
		var kind, key string
		var payload []byte
		if err := rows.Scan(&kind, &key, &payload); err != nil {
			return nil, fmt.Errorf("scan entities: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		e, err := domain.DecodeEntity(domain.EntityType(kind), payload)
		if err != nil {
			return nil, fmt.Errorf("row %s/%s: %w", kind, key, err)
		}
		snapshot[e.Kind()] = append(snapshot[e.Kind()], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return snapshot, nil
}

func (s *Store) persist(ctx context.Context, changes []domain.Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, change := range changes {
		if change.Action == domain.ActionDelete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE kind=$1 AND key=$2`, string(change.Entity), change.Key); err != nil {
				return fmt.Errorf("delete %s %s: %w", change.Entity, change.Key, err)
			}
			continue
		}
		data, err := domain.EncodeEntity(change.After)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO entities (kind, key, payload) VALUES ($1,$2,$3) ON CONFLICT (kind, key) DO UPDATE SET payload=EXCLUDED.payload`, string(change.Entity), change.Key, data); err != nil {
			return fmt.Errorf("upsert %s %s: %w", change.Entity, change.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
