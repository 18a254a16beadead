// Package sqlite provides a SQLite-backed store. Transactions run against the
// in-memory engine; every committed change set is written to SQLite inside the
// commit critical section so the file always mirrors the latest version.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"orderledger/internal/infra/persistence/memory"
	"orderledger/internal/infra/persistence/schema"
	"orderledger/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.Store = (*Store)(nil)

// Store persists committed entities to a single SQLite table, one row per entity.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the database at path and hydrates the engine from it.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = "orderledger.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serialises writers per connection; one connection keeps commits ordered.
	db.SetMaxOpenConns(1)
	for _, stmt := range schema.SQLite() {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	s := &Store{db: db, path: path}
	s.Store = memory.NewStore(engine, memory.WithCommitHook(s.persist))
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT kind, key, payload FROM entities`)
	if err != nil {
		return fmt.Errorf("select entities: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{}
	for rows.Next() {
		var kind, key string
		var payload []byte
		if err := rows.Scan(&kind, &key, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		e, err := domain.DecodeEntity(domain.EntityType(kind), payload)
		if err != nil {
			return fmt.Errorf("row %s/%s: %w", kind, key, err)
		}
		snapshot[e.Kind()] = append(snapshot[e.Kind()], e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate entities: %w", err)
	}
	if len(snapshot) == 0 {
		return nil
	}
	return s.ImportState(snapshot)
}

func (s *Store) persist(ctx context.Context, changes []domain.Change) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, change := range changes {
		if change.Action == domain.ActionDelete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE kind = ? AND key = ?`, string(change.Entity), change.Key); err != nil {
				return fmt.Errorf("delete %s %s: %w", change.Entity, change.Key, err)
			}
			continue
		}
		data, err := domain.EncodeEntity(change.After)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO entities(kind,key,payload) VALUES(?,?,?) ON CONFLICT(kind,key) DO UPDATE SET payload=excluded.payload`, string(change.Entity), change.Key, data); err != nil {
			return fmt.Errorf("upsert %s %s: %w", change.Entity, change.Key, err)
		}
	}
	return tx.Commit()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
