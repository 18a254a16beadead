package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"orderledger/pkg/domain"

	"github.com/shopspring/decimal"
)

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func begin(t *testing.T, s *Store) domain.Tx {
	t.Helper()
	tx, err := s.Begin(context.Background())
	must(t, err)
	return tx
}

func product(id, sku string) domain.Product {
	return domain.Product{ID: id, CategoryID: "c1", SKU: sku, Name: id, UnitPrice: decimal.NewFromInt(10), IsActive: true}
}

func TestStoreCommitAndView(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	must(t, domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		if _, err := tx.Get(domain.EntityProduct, "p1"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found before put, got %v", err)
		}
		if err := tx.Put(product("p1", "SKU-1")); err != nil {
			return err
		}
		got, err := domain.GetAs[domain.Product](tx, domain.EntityProduct, "p1")
		if err != nil {
			return err
		}
		if got.SKU != "SKU-1" {
			t.Fatalf("scope should read its own write, got %+v", got)
		}
		return nil
	}))
	if store.Seq() != 1 {
		t.Fatalf("expected seq 1, got %d", store.Seq())
	}
	must(t, store.View(ctx, func(r domain.Reader) error {
		ok, err := domain.Exists(r, domain.EntityProduct, "p1")
		if err != nil || !ok {
			t.Fatalf("expected committed product, ok=%v err=%v", ok, err)
		}
		return nil
	}))
	if !store.NativeIsolation() {
		t.Fatalf("memory store is snapshot isolated")
	}
	if store.RulesEngine() == nil {
		t.Fatalf("expected rules engine")
	}
}

func TestStoreAbortDiscardsWrites(t *testing.T) {
	store := NewStore(nil)
	tx := begin(t, store)
	must(t, tx.Put(product("p1", "SKU-1")))
	must(t, tx.Abort())
	must(t, store.View(context.Background(), func(r domain.Reader) error {
		if ok, _ := domain.Exists(r, domain.EntityProduct, "p1"); ok {
			t.Fatalf("aborted write must not be visible")
		}
		return nil
	}))
}

func TestClosedScopeRejectsOperations(t *testing.T) {
	store := NewStore(nil)
	tx := begin(t, store)
	must(t, tx.Commit(context.Background()))

	checks := map[string]error{}
	_, checks["get"] = tx.Get(domain.EntityProduct, "p1")
	checks["put"] = tx.Put(product("p1", "SKU-1"))
	checks["delete"] = tx.Delete(domain.EntityProduct, "p1")
	_, checks["checkpoint"] = tx.Checkpoint()
	checks["rollback"] = tx.RollbackTo(0)
	_, checks["scan"] = tx.ScanByIndex(domain.EntityProduct, domain.IndexProductSKU, "x")
	_, checks["list"] = tx.List(domain.EntityProduct)
	checks["commit"] = tx.Commit(context.Background())
	checks["abort"] = tx.Abort()
	for op, err := range checks {
		if !errors.Is(err, domain.ErrNoActiveTransaction) {
			t.Fatalf("%s: expected ErrNoActiveTransaction, got %v", op, err)
		}
	}
}

func TestSnapshotIsolationHidesLaterCommits(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	reader := begin(t, store)
	must(t, domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		return tx.Put(product("p1", "SKU-1"))
	}))
	if _, err := reader.Get(domain.EntityProduct, "p1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("scope must keep reading its starting snapshot, got %v", err)
	}
	must(t, reader.Abort())
}

func TestWriteWriteConflict(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	must(t, domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		return tx.Put(domain.InventoryRecord{ProductID: "p1", OnHand: 10})
	}))

	first := begin(t, store)
	second := begin(t, store)
	must(t, first.Put(domain.InventoryRecord{ProductID: "p1", OnHand: 7}))
	must(t, second.Put(domain.InventoryRecord{ProductID: "p1", OnHand: 8}))
	must(t, first.Commit(ctx))
	err := second.Commit(ctx)
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Key != "p1" {
		t.Fatalf("expected conflict on p1, got %v", err)
	}
	if !domain.IsRetryable(err) {
		t.Fatalf("conflicts are retryable")
	}
	must(t, store.View(ctx, func(r domain.Reader) error {
		rec, err := domain.GetAs[domain.InventoryRecord](r, domain.EntityInventoryRecord, "p1")
		if err != nil {
			return err
		}
		if rec.OnHand != 7 {
			t.Fatalf("first committer wins, got %d", rec.OnHand)
		}
		return nil
	}))
}

func TestDeleteConflictsWithConcurrentUpdate(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	must(t, domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		return tx.Put(product("p1", "SKU-1"))
	}))
	updater := begin(t, store)
	deleter := begin(t, store)
	must(t, deleter.Delete(domain.EntityProduct, "p1"))
	must(t, deleter.Commit(ctx))
	must(t, updater.Put(product("p1", "SKU-2")))
	if err := updater.Commit(ctx); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("update of a concurrently deleted entity must conflict, got %v", err)
	}
}

func TestUniqueIndexViolation(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	must(t, domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		return tx.Put(product("p1", "SKU-1"))
	}))
	err := domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		return tx.Put(product("p2", "SKU-1"))
	})
	var verr *domain.ValidationError
	if !errors.Is(err, domain.ErrConstraintViolation) || !errors.As(err, &verr) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if verr.Kind != domain.ViolationDuplicateKey || verr.Field != domain.IndexProductSKU {
		t.Fatalf("unexpected violation %+v", verr)
	}

	// Swapping values inside one scope is allowed because uniqueness is
	// checked against the merged view.
	must(t, domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		if err := tx.Put(product("p2", "SKU-2")); err != nil {
			return err
		}
		if err := tx.Put(product("p1", "SKU-3")); err != nil {
			return err
		}
		return tx.Put(product("p2", "SKU-1"))
	}))
}

func TestConcurrentUniqueInsertsDetected(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	a := begin(t, store)
	b := begin(t, store)
	must(t, a.Put(domain.Payment{ID: "pay-a", OrderID: "o1", Status: domain.PaymentStatusPending}))
	must(t, b.Put(domain.Payment{ID: "pay-b", OrderID: "o1", Status: domain.PaymentStatusPending}))
	must(t, a.Commit(ctx))
	if err := b.Commit(ctx); !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("second payment for the same order must be rejected, got %v", err)
	}
}

func TestUniqueViolationWhenNewKeySortsFirst(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	must(t, domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		return tx.Put(product("p9", "SKU-1"))
	}))
	err := domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		return tx.Put(product("p1", "SKU-1"))
	})
	if !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("sku held by a later key must still be rejected, got %v", err)
	}

	a := begin(t, store)
	b := begin(t, store)
	must(t, a.Put(domain.Payment{ID: "pay-z", OrderID: "o1", Status: domain.PaymentStatusPending}))
	must(t, b.Put(domain.Payment{ID: "pay-a", OrderID: "o1", Status: domain.PaymentStatusPending}))
	must(t, a.Commit(ctx))
	if err := b.Commit(ctx); !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("second payment for the same order must be rejected, got %v", err)
	}
	must(t, store.View(ctx, func(r domain.Reader) error {
		payments, err := domain.ScanAs[domain.Payment](r, domain.EntityPayment, domain.IndexPaymentOrder, "o1")
		if len(payments) != 1 {
			t.Fatalf("expected one payment for o1, got %d", len(payments))
		}
		return err
	}))
}

func TestSparseUniqueIndexIgnoresNil(t *testing.T) {
	store := NewStore(nil)
	must(t, domain.RunInTransaction(context.Background(), store, func(tx domain.Tx) error {
		if err := tx.Put(domain.Order{ID: "o1", UserID: "u1", Status: domain.OrderStatusCart}); err != nil {
			return err
		}
		return tx.Put(domain.Order{ID: "o2", UserID: "u1", Status: domain.OrderStatusCart})
	}))
}

func TestCheckpointRollback(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	tx := begin(t, store)
	must(t, tx.Put(product("p1", "SKU-1")))
	cp, err := tx.Checkpoint()
	must(t, err)
	must(t, tx.Put(product("p2", "SKU-2")))
	must(t, tx.Put(product("p1", "SKU-9")))
	inner, err := tx.Checkpoint()
	must(t, err)
	must(t, tx.Put(product("p3", "SKU-3")))

	must(t, tx.RollbackTo(cp))
	if _, err := tx.Get(domain.EntityProduct, "p2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("rolled back write still visible: %v", err)
	}
	p1, err := domain.GetAs[domain.Product](tx, domain.EntityProduct, "p1")
	must(t, err)
	if p1.SKU != "SKU-1" {
		t.Fatalf("expected pre-checkpoint value, got %s", p1.SKU)
	}
	if err := tx.RollbackTo(inner); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("later checkpoints are released by rollback, got %v", err)
	}
	// The checkpoint survives and can be reused.
	must(t, tx.Put(product("p4", "SKU-4")))
	must(t, tx.RollbackTo(cp))
	must(t, tx.Commit(ctx))

	must(t, store.View(ctx, func(r domain.Reader) error {
		products, err := domain.ListAs[domain.Product](r, domain.EntityProduct)
		if err != nil {
			return err
		}
		if len(products) != 1 || products[0].ID != "p1" {
			t.Fatalf("expected only p1 committed, got %+v", products)
		}
		return nil
	}))
}

func TestScanByIndexOrderedAndOverlayAware(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	must(t, domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		for _, id := range []string{"m3", "m1", "m2"} {
			oid := "o1"
			if err := tx.Put(domain.InventoryMovement{ID: id, ProductID: "p1", OrderID: &oid, Delta: -1, Reason: domain.ReasonSale}); err != nil {
				return err
			}
		}
		return tx.Put(domain.InventoryMovement{ID: "m4", ProductID: "p2", Delta: 5, Reason: domain.ReasonPurchase})
	}))

	tx := begin(t, store)
	defer func() { _ = tx.Abort() }()
	must(t, tx.Delete(domain.EntityInventoryMovement, "m2"))
	must(t, tx.Put(domain.InventoryMovement{ID: "m0", ProductID: "p1", Delta: 2, Reason: domain.ReasonAdjustment}))

	moves, err := domain.ScanAs[domain.InventoryMovement](tx, domain.EntityInventoryMovement, domain.IndexMovementProduct, "p1")
	must(t, err)
	var ids []string
	for _, m := range moves {
		ids = append(ids, m.ID)
	}
	if len(ids) != 3 || ids[0] != "m0" || ids[1] != "m1" || ids[2] != "m3" {
		t.Fatalf("unexpected scan result %v", ids)
	}
	byOrder, err := domain.ScanAs[domain.InventoryMovement](tx, domain.EntityInventoryMovement, domain.IndexMovementOrder, "o1")
	must(t, err)
	if len(byOrder) != 2 {
		t.Fatalf("expected sparse order index to skip nil order ids, got %d", len(byOrder))
	}
	if _, err := tx.ScanByIndex(domain.EntityInventoryMovement, "nope", "x"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected unknown index error, got %v", err)
	}
}

func TestScanStopsEarly(t *testing.T) {
	store := NewStore(nil)
	must(t, domain.RunInTransaction(context.Background(), store, func(tx domain.Tx) error {
		for _, id := range []string{"a", "b", "c"} {
			if err := tx.Put(domain.User{ID: id, Email: id + "@example.com"}); err != nil {
				return err
			}
		}
		return nil
	}))
	must(t, store.View(context.Background(), func(r domain.Reader) error {
		seq, err := r.List(domain.EntityUser)
		if err != nil {
			return err
		}
		seen := 0
		for range seq {
			seen++
			break
		}
		if seen != 1 {
			t.Fatalf("iteration should stop on break")
		}
		return nil
	}))
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	store := NewStore(nil)
	tx := begin(t, store)
	defer func() { _ = tx.Abort() }()
	if err := tx.Delete(domain.EntityProduct, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := tx.Put(nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for nil entity, got %v", err)
	}
}

func TestCreateThenDeleteInScopeProducesNoChange(t *testing.T) {
	var seen []domain.Change
	store := NewStore(nil, WithCommitHook(func(_ context.Context, changes []domain.Change) error {
		seen = append(seen, changes...)
		return nil
	}))
	must(t, domain.RunInTransaction(context.Background(), store, func(tx domain.Tx) error {
		if err := tx.Put(product("p1", "SKU-1")); err != nil {
			return err
		}
		return tx.Delete(domain.EntityProduct, "p1")
	}))
	if len(seen) != 0 {
		t.Fatalf("expected no changes, got %+v", seen)
	}
	if store.Seq() != 0 {
		t.Fatalf("empty commit must not publish a version")
	}
}

func TestCommitHookReceivesChangesAndCanFail(t *testing.T) {
	var seen []domain.Change
	fail := false
	store := NewStore(nil, WithCommitHook(func(_ context.Context, changes []domain.Change) error {
		if fail {
			return errors.New("disk full")
		}
		seen = append(seen, changes...)
		return nil
	}))
	ctx := context.Background()
	must(t, domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		return tx.Put(product("p1", "SKU-1"))
	}))
	if len(seen) != 1 || seen[0].Action != domain.ActionCreate || seen[0].Before != nil {
		t.Fatalf("unexpected hook changes %+v", seen)
	}
	fail = true
	err := domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		return tx.Put(product("p1", "SKU-2"))
	})
	if err == nil {
		t.Fatalf("expected hook failure")
	}
	must(t, store.View(ctx, func(r domain.Reader) error {
		p, err := domain.GetAs[domain.Product](r, domain.EntityProduct, "p1")
		if err != nil {
			return err
		}
		if p.SKU != "SKU-1" {
			t.Fatalf("failed hook must leave state untouched, got %s", p.SKU)
		}
		return nil
	}))
}

func TestRuleViolationBlocksCommit(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	err := domain.RunInTransaction(context.Background(), store, func(tx domain.Tx) error {
		return tx.Put(product("p1", "SKU-1"))
	})
	var rv domain.RuleViolationError
	if !errors.As(err, &rv) || !errors.Is(err, domain.ErrStillReferenced) {
		t.Fatalf("expected rule violation carrying its cause, got %v", err)
	}
	if store.Seq() != 0 {
		t.Fatalf("blocked commit must not publish")
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(_ context.Context, _ domain.Reader, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, c := range changes {
		res.Merge(domain.Result{Violations: []domain.Violation{{
			Rule:     "block",
			Severity: domain.SeverityBlock,
			Entity:   c.Entity,
			EntityID: c.Key,
			Cause:    domain.NewViolation(domain.ViolationStillReferenced, c.Entity, "id", c.Key),
		}}})
	}
	return res, nil
}

func TestCommitTimesOutWaitingForGate(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	store := NewStore(nil, WithCommitHook(func(_ context.Context, changes []domain.Change) error {
		if changes[0].Key == "slow" {
			close(entered)
			<-release
		}
		return nil
	}))
	done := make(chan error, 1)
	go func() {
		done <- domain.RunInTransaction(context.Background(), store, func(tx domain.Tx) error {
			return tx.Put(product("slow", "SKU-S"))
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		return tx.Put(product("fast", "SKU-F"))
	})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	close(release)
	must(t, <-done)
}

func TestBeginWithCancelledContext(t *testing.T) {
	store := NewStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Begin(ctx); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	must(t, domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		if err := tx.Put(product("p1", "SKU-1")); err != nil {
			return err
		}
		return tx.Put(domain.InventoryRecord{ProductID: "p1", OnHand: 3})
	}))
	snapshot := store.ExportState()
	if len(snapshot[domain.EntityProduct]) != 1 || len(snapshot[domain.EntityInventoryRecord]) != 1 {
		t.Fatalf("unexpected export %+v", snapshot)
	}

	restored := NewStore(nil)
	must(t, restored.ImportState(snapshot))
	must(t, restored.View(ctx, func(r domain.Reader) error {
		rec, err := domain.GetAs[domain.InventoryRecord](r, domain.EntityInventoryRecord, "p1")
		if err != nil {
			return err
		}
		if rec.OnHand != 3 {
			t.Fatalf("expected restored on hand 3, got %d", rec.OnHand)
		}
		return nil
	}))
	if err := restored.ImportState(Snapshot{"bogus": nil}); err == nil {
		t.Fatalf("expected unknown type error")
	}
	if err := restored.ImportState(Snapshot{domain.EntityUser: {product("p1", "x")}}); err == nil {
		t.Fatalf("expected misfiled payload error")
	}
}

func TestTombstonesPrunedWhenNoScopeNeedsThem(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	must(t, domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		return tx.Put(product("p1", "SKU-1"))
	}))
	must(t, domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		return tx.Delete(domain.EntityProduct, "p1")
	}))
	must(t, domain.RunInTransaction(ctx, store, func(tx domain.Tx) error {
		return tx.Put(product("p2", "SKU-2"))
	}))
	store.mu.RLock()
	tombs := len(store.current.tombstones[domain.EntityProduct])
	store.mu.RUnlock()
	if tombs != 0 {
		t.Fatalf("expected tombstone pruned, have %d", tombs)
	}
}
