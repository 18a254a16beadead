package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"orderledger/internal/events"
	"orderledger/internal/infra/persistence/memory"
	"orderledger/pkg/domain"
)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *memory.Store
	coord    *Coordinator
	recorder *events.Recorder
	category string
	seq      int
}

// newFixture builds a coordinator over a fresh memory store with the
// default rules and a stepping clock.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memory.NewStore(NewDefaultRulesEngine())
	return newFixtureWithStore(t, store, store, opts...)
}

func newFixtureWithStore(t *testing.T, mem *memory.Store, store domain.Store, opts ...Option) *fixture {
	t.Helper()
	recorder := &events.Recorder{}
	base := []Option{
		WithPublisher(recorder),
		WithClock(steppingClock(time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC))),
	}
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    mem,
		coord:    NewCoordinator(store, append(base, opts...)...),
		recorder: recorder,
	}
	var err error
	f.category, err = f.coord.CreateCategory(f.ctx, "general")
	require.NoError(t, err)
	return f
}

func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func (f *fixture) user() string {
	f.t.Helper()
	f.seq++
	id, err := f.coord.RegisterUser(f.ctx, fmt.Sprintf("buyer%d@example.com", f.seq), "Test Buyer")
	require.NoError(f.t, err)
	return id
}

func (f *fixture) product(price string, stock int64) string {
	f.t.Helper()
	f.seq++
	id, err := f.coord.CreateProduct(f.ctx, ProductSpec{
		CategoryID:   f.category,
		SKU:          fmt.Sprintf("SKU-%03d", f.seq),
		Name:         fmt.Sprintf("Product %d", f.seq),
		UnitPrice:    decimal.RequireFromString(price),
		InitialStock: stock,
	})
	require.NoError(f.t, err)
	return id
}

func (f *fixture) onHand(productID string) int64 {
	f.t.Helper()
	qty, err := f.coord.StockLevel(f.ctx, productID)
	require.NoError(f.t, err)
	return qty
}

func (f *fixture) order(id string) OrderDetails {
	f.t.Helper()
	details, err := f.coord.GetOrder(f.ctx, id)
	require.NoError(f.t, err)
	return details
}

// paidOrder places an order for qty of productID and captures its payment.
func (f *fixture) paidOrder(productID string, qty int64) (orderID, paymentID string) {
	f.t.Helper()
	orderID, err := f.coord.PlaceOrder(f.ctx, f.user(), []OrderLine{{ProductID: productID, Quantity: qty}}, "")
	require.NoError(f.t, err)
	details := f.order(orderID)
	paymentID, err = f.coord.RecordPayment(f.ctx, PaymentRequest{OrderID: orderID, Amount: details.Total, Provider: "card"})
	require.NoError(f.t, err)
	require.NoError(f.t, f.coord.CapturePayment(f.ctx, paymentID))
	return orderID, paymentID
}

// requireUnchanged fails with a spew diff when the committed state moved.
func (f *fixture) requireUnchanged(before memory.Snapshot) {
	f.t.Helper()
	after := f.store.ExportState()
	require.Equal(f.t, before, after, "state changed:\nbefore: %s\nafter: %s", spew.Sdump(before), spew.Sdump(after))
}

func (f *fixture) requireBalanced() {
	f.t.Helper()
	err := f.store.View(f.ctx, func(r domain.Reader) error {
		d, err := Reconcile(r)
		require.NoError(f.t, err)
		require.Empty(f.t, d, spew.Sdump(d))
		return nil
	})
	require.NoError(f.t, err)
}

func movementsByReason(ms []domain.InventoryMovement, reason domain.MovementReason) []domain.InventoryMovement {
	var out []domain.InventoryMovement
	for _, m := range ms {
		if m.Reason == reason {
			out = append(out, m)
		}
	}
	return out
}

// isolationOff reports no native isolation so the coordinator falls back to
// keyed locks.
type isolationOff struct{ *memory.Store }

func (isolationOff) NativeIsolation() bool { return false }

// barrierStore, once armed, holds the next parties scopes after Begin until
// all of them have their snapshot. Other scopes pass straight through.
type barrierStore struct {
	*memory.Store
	mu      sync.Mutex
	parties int
	arrived int
	release chan struct{}
}

func (s *barrierStore) arm(parties int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parties, s.arrived = parties, 0
	s.release = make(chan struct{})
}

func (s *barrierStore) Begin(ctx context.Context) (domain.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	s.mu.Lock()
	if s.arrived >= s.parties {
		s.mu.Unlock()
		return tx, err
	}
	s.arrived++
	release := s.release
	if s.arrived == s.parties {
		close(release)
	}
	s.mu.Unlock()
	select {
	case <-release:
	case <-ctx.Done():
	}
	return tx, err
}

// flakyStore fails the first n commits with a conflict.
type flakyStore struct {
	*memory.Store
	mu        sync.Mutex
	conflicts int
}

func (s *flakyStore) Begin(ctx context.Context) (domain.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyTx{Tx: tx, store: s}, nil
}

type flakyTx struct {
	domain.Tx
	store *flakyStore
}

func (tx *flakyTx) Commit(ctx context.Context) error {
	tx.store.mu.Lock()
	fail := tx.store.conflicts > 0
	if fail {
		tx.store.conflicts--
	}
	tx.store.mu.Unlock()
	if fail {
		_ = tx.Tx.Abort()
		return domain.ConflictError{Entity: domain.EntityInventoryRecord, Key: "injected"}
	}
	return tx.Tx.Commit(ctx)
}
