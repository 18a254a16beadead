// Package memory provides the in-memory reference implementation of the
// transactional entity store. Scopes are snapshot isolated: each scope reads
// the committed version published when it began, buffers its writes, and at
// commit the store rejects write-write conflicts, duplicate unique index
// values and blocking rule violations before publishing a new version.
package memory

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"

	"orderledger/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var (
	_ domain.Store = (*Store)(nil)
	_ domain.Tx    = (*transaction)(nil)
)

type (
	// Entity aliases domain.Entity.
	Entity = domain.Entity
	// EntityType aliases domain.EntityType.
	EntityType = domain.EntityType
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// RulesEngine aliases domain.RulesEngine used to evaluate rules at commit.
	RulesEngine = domain.RulesEngine
)

// CommitHook runs inside the commit critical section after all checks pass
// and before the new version is published. A hook error fails the commit.
type CommitHook func(ctx context.Context, changes []Change) error

type record struct {
	entity  Entity
	version uint64
}

// version is an immutable committed state. It is never mutated after being
// published; commits build the next version copy-on-write per entity type.
type version struct {
	seq        uint64
	tables     map[EntityType]map[string]record
	tombstones map[EntityType]map[string]uint64
}

func emptyVersion() *version {
	v := &version{
		tables:     make(map[EntityType]map[string]record),
		tombstones: make(map[EntityType]map[string]uint64),
	}
	for _, kind := range domain.EntityTypes() {
		v.tables[kind] = map[string]record{}
		v.tombstones[kind] = map[string]uint64{}
	}
	return v
}

// Store provides an in-memory transactional store for the commerce domain.
type Store struct {
	mu      sync.RWMutex
	current *version
	active  map[*transaction]uint64
	gate    chan struct{}
	engine  *RulesEngine
	hooks   []CommitHook
}

// Option customises a Store.
type Option func(*Store)

// WithCommitHook registers a hook executed for every successful commit.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) {
		if hook != nil {
			s.hooks = append(s.hooks, hook)
		}
	}
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		current: emptyVersion(),
		active:  make(map[*transaction]uint64),
		gate:    make(chan struct{}, 1),
		engine:  engine,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RulesEngine exposes the configured engine so callers can register rules.
func (s *Store) RulesEngine() *RulesEngine {
	return s.engine
}

// NativeIsolation reports that scopes are snapshot isolated with conflict detection.
func (s *Store) NativeIsolation() bool { return true }

// Begin opens a scope reading the latest committed version.
func (s *Store) Begin(ctx context.Context) (domain.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &transaction{
		store:  s,
		base:   s.current,
		writes: make(map[EntityType]map[string]pending),
	}
	s.active[tx] = s.current.seq
	return tx, nil
}

// View executes fn against a read-only snapshot of the latest committed version.
func (s *Store) View(_ context.Context, fn func(domain.Reader) error) error {
	s.mu.RLock()
	snapshot := s.current
	s.mu.RUnlock()
	return fn(&view{base: snapshot})
}

// Seq returns the sequence number of the latest committed version.
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.seq
}

func (s *Store) release(tx *transaction) {
	s.mu.Lock()
	delete(s.active, tx)
	s.mu.Unlock()
}

// commit validates and publishes a transaction. Commits are serialised by the
// gate; waiting for it honours ctx so a stalled commit surfaces ErrTimeout.
func (s *Store) commit(ctx context.Context, tx *transaction) error {
	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for commit: %w", domain.ErrTimeout, ctx.Err())
	}
	defer func() { <-s.gate }()

	s.mu.RLock()
	latest := s.current
	s.mu.RUnlock()

	for _, kind := range sortedKinds(tx.writes) {
		for _, key := range slices.Sorted(maps.Keys(tx.writes[kind])) {
			if rec, ok := latest.tables[kind][key]; ok && rec.version > tx.base.seq {
				return domain.ConflictError{Entity: kind, Key: key}
			}
			if seq, ok := latest.tombstones[kind][key]; ok && seq > tx.base.seq {
				return domain.ConflictError{Entity: kind, Key: key}
			}
		}
	}

	merged := &view{base: latest, overlay: tx.writes}
	changes := tx.changesAgainst(latest)
	if len(changes) == 0 {
		return nil
	}
	if err := checkUnique(merged, changes); err != nil {
		return err
	}
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, merged, changes)
		if err != nil {
			return fmt.Errorf("evaluate rules: %w", err)
		}
		if res.HasBlocking() {
			return domain.RuleViolationError{Result: res}
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	for _, hook := range s.hooks {
		if err := hook(ctx, changes); err != nil {
			return fmt.Errorf("commit hook: %w", err)
		}
	}

	s.mu.Lock()
	s.current = latest.next(tx.writes, s.oldestActiveLocked(tx))
	s.mu.Unlock()
	return nil
}

// oldestActiveLocked returns the smallest base sequence among other open scopes.
func (s *Store) oldestActiveLocked(self *transaction) uint64 {
	oldest := s.current.seq
	for tx, seq := range s.active {
		if tx != self && seq < oldest {
			oldest = seq
		}
	}
	return oldest
}

// next builds the successor version applying writes. Tombstones no open scope
// can conflict with any more are dropped from the touched tables.
func (v *version) next(writes map[EntityType]map[string]pending, oldestActive uint64) *version {
	seq := v.seq + 1
	out := &version{
		seq:        seq,
		tables:     make(map[EntityType]map[string]record, len(v.tables)),
		tombstones: make(map[EntityType]map[string]uint64, len(v.tombstones)),
	}
	maps.Copy(out.tables, v.tables)
	maps.Copy(out.tombstones, v.tombstones)
	for kind, overlay := range writes {
		if len(overlay) == 0 {
			continue
		}
		table := maps.Clone(v.tables[kind])
		if table == nil {
			table = map[string]record{}
		}
		tombs := make(map[string]uint64, len(v.tombstones[kind]))
		for key, at := range v.tombstones[kind] {
			if at > oldestActive {
				tombs[key] = at
			}
		}
		for key, p := range overlay {
			if p.deleted {
				if _, existed := table[key]; existed {
					delete(table, key)
					tombs[key] = seq
				}
				continue
			}
			table[key] = record{entity: p.entity, version: seq}
			delete(tombs, key)
		}
		out.tables[kind] = table
		out.tombstones[kind] = tombs
	}
	return out
}

func checkUnique(merged *view, changes []Change) error {
	built := make(map[string]map[string][]string)
	for _, change := range changes {
		if change.After == nil {
			continue
		}
		for _, idx := range domain.Indexes(change.Entity) {
			if !idx.Unique {
				continue
			}
			value, ok := idx.Value(change.After)
			if !ok {
				continue
			}
			cacheKey := string(change.Entity) + "." + idx.Name
			owners, ok := built[cacheKey]
			if !ok {
				owners = make(map[string][]string)
				for _, key := range merged.keys(change.Entity) {
					e, _ := merged.lookup(change.Entity, key)
					if v, indexed := idx.Value(e); indexed {
						owners[v] = append(owners[v], key)
					}
				}
				built[cacheKey] = owners
			}
			// Any holder other than the written key is a duplicate.
			if slices.ContainsFunc(owners[value], func(k string) bool { return k != change.Key }) {
				return fmt.Errorf("%w: %w", domain.ErrConstraintViolation,
					domain.NewViolation(domain.ViolationDuplicateKey, change.Entity, idx.Name, value))
			}
		}
	}
	return nil
}

func sortedKinds[V any](m map[EntityType]V) []EntityType {
	return slices.Sorted(maps.Keys(m))
}

// ExportState returns every committed entity grouped by type and ordered by key.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	current := s.current
	s.mu.RUnlock()
	out := make(Snapshot, len(current.tables))
	for kind, table := range current.tables {
		entities := make([]Entity, 0, len(table))
		for _, key := range slices.Sorted(maps.Keys(table)) {
			entities = append(entities, domain.Clone(table[key].entity))
		}
		out[kind] = entities
	}
	return out
}

// ImportState replaces the committed state with the provided snapshot. It is
// intended for hydration before the store is shared.
func (s *Store) ImportState(snapshot Snapshot) error {
	next := emptyVersion()
	s.mu.Lock()
	defer s.mu.Unlock()
	next.seq = s.current.seq + 1
	for kind, entities := range snapshot {
		table, ok := next.tables[kind]
		if !ok {
			return fmt.Errorf("import: unknown entity type %q", kind)
		}
		for _, e := range entities {
			if e.Kind() != kind {
				return fmt.Errorf("import: %s payload filed under %s", e.Kind(), kind)
			}
			table[e.Key()] = record{entity: domain.Clone(e), version: next.seq}
		}
	}
	s.current = next
	return nil
}

// Snapshot is a point-in-time copy of committed state.
type Snapshot map[EntityType][]Entity

type pending struct {
	entity  Entity
	deleted bool
}

type undo struct {
	kind    EntityType
	key     string
	prev    pending
	hadPrev bool
}

// transaction is a snapshot isolated scope. It is not safe for concurrent use.
type transaction struct {
	store       *Store
	base        *version
	writes      map[EntityType]map[string]pending
	log         []undo
	checkpoints []int
	closed      bool
}

func (tx *transaction) reader() *view {
	return &view{base: tx.base, overlay: tx.writes}
}

// Get returns the entity visible to this scope.
func (tx *transaction) Get(kind EntityType, key string) (Entity, error) {
	if tx.closed {
		return nil, domain.ErrNoActiveTransaction
	}
	return tx.reader().Get(kind, key)
}

// ScanByIndex yields the entities visible to this scope matching an index value.
func (tx *transaction) ScanByIndex(kind EntityType, index, value string) (iter.Seq[Entity], error) {
	if tx.closed {
		return nil, domain.ErrNoActiveTransaction
	}
	seq, err := tx.reader().ScanByIndex(kind, index, value)
	if err != nil {
		return nil, err
	}
	return tx.whileOpen(seq), nil
}

// List yields every entity of a type visible to this scope.
func (tx *transaction) List(kind EntityType) (iter.Seq[Entity], error) {
	if tx.closed {
		return nil, domain.ErrNoActiveTransaction
	}
	seq, err := tx.reader().List(kind)
	if err != nil {
		return nil, err
	}
	return tx.whileOpen(seq), nil
}

func (tx *transaction) whileOpen(seq iter.Seq[Entity]) iter.Seq[Entity] {
	return func(yield func(Entity) bool) {
		for e := range seq {
			if tx.closed || !yield(e) {
				return
			}
		}
	}
}

// Put buffers an insert or replacement of the entity under its own key.
func (tx *transaction) Put(e Entity) error {
	if tx.closed {
		return domain.ErrNoActiveTransaction
	}
	if e == nil {
		return fmt.Errorf("%w: nil entity", domain.ErrInvalidArgument)
	}
	kind, key := e.Kind(), e.Key()
	if _, ok := tx.base.tables[kind]; !ok {
		return fmt.Errorf("%w: unknown entity type %q", domain.ErrInvalidArgument, kind)
	}
	if key == "" {
		return fmt.Errorf("%w: %s requires a key", domain.ErrInvalidArgument, kind)
	}
	tx.record(kind, key)
	tx.overlay(kind)[key] = pending{entity: domain.Clone(e)}
	return nil
}

// Delete buffers removal of an existing entity.
func (tx *transaction) Delete(kind EntityType, key string) error {
	if tx.closed {
		return domain.ErrNoActiveTransaction
	}
	if _, err := tx.reader().Get(kind, key); err != nil {
		return err
	}
	tx.record(kind, key)
	tx.overlay(kind)[key] = pending{deleted: true}
	return nil
}

func (tx *transaction) overlay(kind EntityType) map[string]pending {
	m, ok := tx.writes[kind]
	if !ok {
		m = make(map[string]pending)
		tx.writes[kind] = m
	}
	return m
}

func (tx *transaction) record(kind EntityType, key string) {
	prev, had := tx.writes[kind][key]
	tx.log = append(tx.log, undo{kind: kind, key: key, prev: prev, hadPrev: had})
}

// Checkpoint marks the current write position.
func (tx *transaction) Checkpoint() (domain.CheckpointID, error) {
	if tx.closed {
		return 0, domain.ErrNoActiveTransaction
	}
	tx.checkpoints = append(tx.checkpoints, len(tx.log))
	return domain.CheckpointID(len(tx.checkpoints) - 1), nil
}

// RollbackTo discards every write buffered after the checkpoint. The
// checkpoint itself survives; checkpoints taken after it are released.
func (tx *transaction) RollbackTo(id domain.CheckpointID) error {
	if tx.closed {
		return domain.ErrNoActiveTransaction
	}
	if int(id) < 0 || int(id) >= len(tx.checkpoints) {
		return fmt.Errorf("%w: unknown checkpoint %d", domain.ErrInvalidArgument, id)
	}
	mark := tx.checkpoints[id]
	for i := len(tx.log) - 1; i >= mark; i-- {
		u := tx.log[i]
		if u.hadPrev {
			tx.writes[u.kind][u.key] = u.prev
		} else {
			delete(tx.writes[u.kind], u.key)
		}
	}
	tx.log = tx.log[:mark]
	tx.checkpoints = tx.checkpoints[:id+1]
	return nil
}

// Commit publishes the buffered writes. The scope is closed whether or not the commit succeeds.
func (tx *transaction) Commit(ctx context.Context) error {
	if tx.closed {
		return domain.ErrNoActiveTransaction
	}
	tx.closed = true
	defer tx.store.release(tx)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	return tx.store.commit(ctx, tx)
}

// Abort discards the scope.
func (tx *transaction) Abort() error {
	if tx.closed {
		return domain.ErrNoActiveTransaction
	}
	tx.closed = true
	tx.writes = nil
	tx.log = nil
	tx.store.release(tx)
	return nil
}

// changesAgainst derives the effective change set relative to a committed version.
func (tx *transaction) changesAgainst(v *version) []Change {
	var changes []Change
	for _, kind := range sortedKinds(tx.writes) {
		for _, key := range slices.Sorted(maps.Keys(tx.writes[kind])) {
			p := tx.writes[kind][key]
			prev, existed := v.tables[kind][key]
			switch {
			case p.deleted && existed:
				changes = append(changes, Change{Entity: kind, Action: domain.ActionDelete, Key: key, Before: domain.Clone(prev.entity)})
			case p.deleted:
				// created and removed inside the same scope
			case existed:
				changes = append(changes, Change{Entity: kind, Action: domain.ActionUpdate, Key: key, Before: domain.Clone(prev.entity), After: domain.Clone(p.entity)})
			default:
				changes = append(changes, Change{Entity: kind, Action: domain.ActionCreate, Key: key, After: domain.Clone(p.entity)})
			}
		}
	}
	return changes
}

// view resolves reads against a committed version with an optional write overlay.
type view struct {
	base    *version
	overlay map[EntityType]map[string]pending
}

func (v *view) lookup(kind EntityType, key string) (Entity, bool) {
	if p, ok := v.overlay[kind][key]; ok {
		if p.deleted {
			return nil, false
		}
		return p.entity, true
	}
	rec, ok := v.base.tables[kind][key]
	if !ok {
		return nil, false
	}
	return rec.entity, true
}

func (v *view) keys(kind EntityType) []string {
	keys := make([]string, 0, len(v.base.tables[kind])+len(v.overlay[kind]))
	for key := range v.base.tables[kind] {
		keys = append(keys, key)
	}
	for key := range v.overlay[kind] {
		if _, dup := v.base.tables[kind][key]; !dup {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

func (v *view) known(kind EntityType) error {
	if _, ok := v.base.tables[kind]; !ok {
		return fmt.Errorf("%w: unknown entity type %q", domain.ErrInvalidArgument, kind)
	}
	return nil
}

func (v *view) Get(kind EntityType, key string) (Entity, error) {
	if err := v.known(kind); err != nil {
		return nil, err
	}
	e, ok := v.lookup(kind, key)
	if !ok {
		return nil, domain.NotFoundError{Entity: kind, ID: key}
	}
	return domain.Clone(e), nil
}

func (v *view) List(kind EntityType) (iter.Seq[Entity], error) {
	return v.scan(kind, nil)
}

func (v *view) ScanByIndex(kind EntityType, index, value string) (iter.Seq[Entity], error) {
	idx, ok := domain.LookupIndex(kind, index)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no index %q", domain.ErrInvalidArgument, kind, index)
	}
	return v.scan(kind, func(e Entity) bool {
		got, indexed := idx.Value(e)
		return indexed && got == value
	})
}

func (v *view) scan(kind EntityType, match func(Entity) bool) (iter.Seq[Entity], error) {
	if err := v.known(kind); err != nil {
		return nil, err
	}
	return func(yield func(Entity) bool) {
		for _, key := range v.keys(kind) {
			e, ok := v.lookup(kind, key)
			if !ok || (match != nil && !match(e)) {
				continue
			}
			if !yield(domain.Clone(e)) {
				return
			}
		}
	}, nil
}
