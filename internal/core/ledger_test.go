package core

import (
	"bufio"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderledger/internal/blob"
	"orderledger/internal/config"
	blobmemory "orderledger/internal/infra/blob/memory"
	"orderledger/internal/infra/persistence/memory"
	"orderledger/pkg/domain"
)

func TestApplyMovementGuards(t *testing.T) {
	f := newFixture(t)
	product := f.product("1.00", 2)

	tx, err := f.store.Begin(f.ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Abort() }()

	_, err = ApplyMovement(tx, domain.InventoryMovement{ID: "m-0", ProductID: product, Delta: 0, Reason: domain.ReasonAdjustment})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = ApplyMovement(tx, domain.InventoryMovement{ID: "m-1", ProductID: "ghost", Delta: 1, Reason: domain.ReasonPurchase})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = ApplyMovement(tx, domain.InventoryMovement{ID: "m-2", ProductID: product, Delta: -3, Reason: domain.ReasonAdjustment})
	var stockErr domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(2), stockErr.OnHand)
	assert.Equal(t, int64(-3), stockErr.Delta)

	record, err := ApplyMovement(tx, domain.InventoryMovement{ID: "m-3", ProductID: product, Delta: -2, Reason: domain.ReasonAdjustment})
	require.NoError(t, err)
	assert.Equal(t, int64(0), record.OnHand)
	_, err = tx.Get(domain.EntityInventoryMovement, "m-3")
	assert.NoError(t, err)
}

func TestReconcileFindsImbalance(t *testing.T) {
	store := memory.NewStore(nil)
	require.NoError(t, store.ImportState(memory.Snapshot{
		domain.EntityCategory: {domain.Category{ID: "c", Name: "c"}},
		domain.EntityProduct: {
			domain.Product{ID: "p-ok", CategoryID: "c", SKU: "A", Name: "A"},
			domain.Product{ID: "p-off", CategoryID: "c", SKU: "B", Name: "B"},
			domain.Product{ID: "p-none", CategoryID: "c", SKU: "C", Name: "C"},
		},
		domain.EntityInventoryRecord: {
			domain.InventoryRecord{ProductID: "p-ok", OnHand: 3},
			domain.InventoryRecord{ProductID: "p-off", OnHand: 9},
			domain.InventoryRecord{ProductID: "p-orphan", OnHand: 0},
		},
		domain.EntityInventoryMovement: {
			domain.InventoryMovement{ID: "m1", ProductID: "p-ok", Delta: 3, Reason: domain.ReasonPurchase},
			domain.InventoryMovement{ID: "m2", ProductID: "p-off", Delta: 4, Reason: domain.ReasonPurchase},
		},
	}))

	var got []Discrepancy
	require.NoError(t, store.View(context.Background(), func(r domain.Reader) error {
		var err error
		got, err = Reconcile(r)
		return err
	}))
	assert.Equal(t, []Discrepancy{
		{ProductID: "p-none", MissingRecord: true},
		{ProductID: "p-off", OnHand: 9, MovementSum: 4},
		{ProductID: "p-orphan", OrphanRecord: true},
	}, got)
	assert.Contains(t, got[1].String(), "on hand 9")
}

func TestAuditAndExport(t *testing.T) {
	f := newFixture(t)
	a := f.product("1.00", 4)
	b := f.product("2.00", 1)
	_, err := f.coord.PlaceOrder(f.ctx, f.user(), []OrderLine{{ProductID: a, Quantity: 1}}, "")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	archive := blobmemory.New()
	auditor := NewAuditor(f.store, archive, nil, metrics)
	auditor.now = func() time.Time { return time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC) }

	report, err := auditor.Audit(f.ctx)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
	assert.Equal(t, 2, report.Products)
	assert.Equal(t, map[string]int64{a: 3, b: 1}, report.OnHand)
	assert.Equal(t, 3.0, promtest.ToFloat64(metrics.onHand.WithLabelValues(a)))
	assert.Equal(t, 0.0, promtest.ToFloat64(metrics.imbalanced))

	info, err := auditor.Export(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, ExportKey(auditor.now()), info.Key)
	assert.True(t, strings.HasPrefix(info.Key, "ledger/2026-03-02/"))
	assert.Equal(t, LedgerContentType, info.ContentType)
	assert.Equal(t, "3", info.Metadata["movements"])

	_, rc, err := archive.Get(f.ctx, info.Key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	var lines []string
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], `"reason":"sale"`)
	m, err := domain.DecodeEntity(domain.EntityInventoryMovement, []byte(lines[2]))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), m.(domain.InventoryMovement).Delta)
}

func TestExportWithoutArchive(t *testing.T) {
	f := newFixture(t)
	_, err := NewAuditor(f.store, nil, nil, nil).Export(f.ctx)
	assert.Error(t, err)
}

func TestKeyedLockerTimesOut(t *testing.T) {
	l := NewKeyedLocker()
	release, err := l.Lock(context.Background(), "b", "a", "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "c", "a")
	require.ErrorIs(t, err, domain.ErrTimeout)

	release()
	again, err := l.Lock(context.Background(), "a", "c")
	require.NoError(t, err)
	again()
	assert.Empty(t, l.slots)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(ctx, config.Storage{Driver: "memory"}, nil)
	require.NoError(t, err)
	assert.True(t, store.NativeIsolation())
	assert.NoError(t, CloseStore(store))

	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err = OpenStore(ctx, config.Storage{Driver: "sqlite", SQLitePath: path}, nil)
	require.NoError(t, err)
	coord := NewCoordinator(store)
	_, err = coord.CreateCategory(ctx, "durable")
	require.NoError(t, err)
	require.NoError(t, CloseStore(store))

	reopened, err := OpenStore(ctx, config.Storage{Driver: "sqlite", SQLitePath: path}, nil)
	require.NoError(t, err)
	defer func() { _ = CloseStore(reopened) }()
	_, err = NewCoordinator(reopened).CreateCategory(ctx, "durable")
	assert.ErrorIs(t, err, domain.ErrDuplicateKey)

	_, err = OpenStore(ctx, config.Storage{Driver: "mysql"}, nil)
	assert.Error(t, err)
}

func TestValidateUniqueIgnoresSelf(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.View(f.ctx, func(r domain.Reader) error {
		categories, err := domain.ListAs[domain.Category](r, domain.EntityCategory)
		require.NoError(t, err)
		require.Len(t, categories, 1)
		assert.NoError(t, Validate(r, categories[0]))

		clash := domain.Category{ID: "other", Name: categories[0].Name}
		err = Validate(r, clash)
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, domain.ViolationDuplicateKey, verr.Kind)
		assert.Equal(t, domain.IndexCategoryName, verr.Field)
		return nil
	}))
}

func TestPruneExportsHonoursRetention(t *testing.T) {
	f := newFixture(t)
	f.product("1.00", 1)
	archive := blobmemory.New()
	auditor := NewAuditor(f.store, archive, nil, nil)

	day := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, 36 * time.Hour, 60 * time.Hour} {
		at := day.Add(offset)
		auditor.now = func() time.Time { return at }
		_, err := auditor.Export(f.ctx)
		require.NoError(t, err)
	}
	_, err := archive.Put(f.ctx, "ledger/notes.txt", strings.NewReader("keep"), blob.PutOptions{})
	require.NoError(t, err)

	auditor.now = func() time.Time { return day.Add(72 * time.Hour) }
	removed, err := auditor.PruneExports(f.ctx, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	infos, err := auditor.Exports(f.ctx)
	require.NoError(t, err)
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.Key)
	}
	assert.Equal(t, []string{
		ExportKey(day.Add(36 * time.Hour)),
		ExportKey(day.Add(60 * time.Hour)),
		"ledger/notes.txt",
	}, keys)

	_, err = NewAuditor(f.store, nil, nil, nil).PruneExports(f.ctx, time.Hour)
	assert.Error(t, err)
}

func TestAuditDropsDeletedProductGauge(t *testing.T) {
	f := newFixture(t)
	kept := f.product("1.00", 2)
	gone := f.product("1.00", 3)
	metrics := NewMetrics(prometheus.NewRegistry())
	auditor := NewAuditor(f.store, nil, nil, metrics)

	_, err := auditor.Audit(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, promtest.CollectAndCount(metrics.onHand))

	require.NoError(t, f.coord.DeleteProduct(f.ctx, gone))
	_, err = auditor.Audit(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promtest.CollectAndCount(metrics.onHand))
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.onHand.WithLabelValues(kept)))
}
