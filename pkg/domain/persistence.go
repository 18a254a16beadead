package domain

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// Reader provides read access to entities within a scope or a committed snapshot.
type Reader interface {
	// Get returns the entity or a NotFoundError.
	Get(kind EntityType, key string) (Entity, error)
	// ScanByIndex lazily yields entities whose named index equals value, ordered by key.
	ScanByIndex(kind EntityType, index, value string) (iter.Seq[Entity], error)
	// List lazily yields every entity of a type, ordered by key.
	List(kind EntityType) (iter.Seq[Entity], error)
}

// CheckpointID identifies a rollback marker inside a scope.
type CheckpointID int

// Tx is an open transaction scope. Writes are buffered until Commit; every
// method fails with ErrNoActiveTransaction once the scope is closed.
type Tx interface {
	Reader
	Put(e Entity) error
	Delete(kind EntityType, key string) error
	Checkpoint() (CheckpointID, error)
	RollbackTo(id CheckpointID) error
	Commit(ctx context.Context) error
	Abort() error
}

// Store is the transactional persistence contract consumed by the engine.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	View(ctx context.Context, fn func(Reader) error) error
	// NativeIsolation reports whether scopes are snapshot isolated with
	// write-write conflict detection. When false callers serialize
	// read-modify-write sequences themselves.
	NativeIsolation() bool
}

// RunInTransaction executes fn inside a fresh scope, committing when fn
// succeeds and aborting otherwise.
func RunInTransaction(ctx context.Context, store Store, fn func(Tx) error) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if abortErr := tx.Abort(); abortErr != nil && !errors.Is(abortErr, ErrNoActiveTransaction) {
			return errors.Join(err, abortErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// GetAs fetches an entity and asserts its concrete type.
func GetAs[T Entity](r Reader, kind EntityType, key string) (T, error) {
	var zero T
	e, err := r.Get(kind, key)
	if err != nil {
		return zero, err
	}
	v, ok := e.(T)
	if !ok {
		return zero, fmt.Errorf("%s %s: unexpected payload %T", kind, key, e)
	}
	return v, nil
}

// Collect drains a sequence into a typed slice, skipping foreign payloads.
func Collect[T Entity](seq iter.Seq[Entity]) []T {
	var out []T
	for e := range seq {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// ScanAs runs ScanByIndex and collects the typed results.
func ScanAs[T Entity](r Reader, kind EntityType, index, value string) ([]T, error) {
	seq, err := r.ScanByIndex(kind, index, value)
	if err != nil {
		return nil, err
	}
	return Collect[T](seq), nil
}

// ListAs runs List and collects the typed results.
func ListAs[T Entity](r Reader, kind EntityType) ([]T, error) {
	seq, err := r.List(kind)
	if err != nil {
		return nil, err
	}
	return Collect[T](seq), nil
}

// Exists reports whether an entity is present, surfacing only unexpected errors.
func Exists(r Reader, kind EntityType, key string) (bool, error) {
	_, err := r.Get(kind, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
