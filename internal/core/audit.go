package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"orderledger/internal/blob"
	"orderledger/pkg/domain"
)

// LedgerContentType is the media type of ledger exports.
const LedgerContentType = "application/x-ndjson"

// AuditReport is the outcome of one reconciliation pass.
type AuditReport struct {
	CheckedAt     time.Time        `json:"checked_at"`
	Products      int              `json:"products"`
	Balanced      bool             `json:"balanced"`
	Discrepancies []Discrepancy    `json:"discrepancies"`
	OnHand        map[string]int64 `json:"on_hand"`
}

// Auditor reconciles the inventory ledger and archives the movement log.
type Auditor struct {
	store   domain.Store
	archive blob.Store
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewAuditor builds an auditor. archive may be nil when exports are not needed.
func NewAuditor(store domain.Store, archive blob.Store, logger *zap.Logger, metrics *Metrics) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{
		store:   store,
		archive: archive,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Audit compares on-hand quantities with movement sums for every product.
func (a *Auditor) Audit(ctx context.Context) (AuditReport, error) {
	report := AuditReport{CheckedAt: a.now()}
	err := a.store.View(ctx, func(r domain.Reader) error {
		var err error
		if report.Discrepancies, err = Reconcile(r); err != nil {
			return err
		}
		report.OnHand, err = OnHandLevels(r)
		return err
	})
	if err != nil {
		return AuditReport{}, err
	}
	report.Products = len(report.OnHand)
	report.Balanced = len(report.Discrepancies) == 0
	a.metrics.RecordAudit(report.OnHand, len(report.Discrepancies))
	if !report.Balanced {
		for _, d := range report.Discrepancies {
			a.logger.Error("ledger discrepancy",
				zap.String("product_id", d.ProductID),
				zap.Int64("on_hand", d.OnHand),
				zap.Int64("movement_sum", d.MovementSum),
				zap.Bool("missing_record", d.MissingRecord),
				zap.Bool("orphan_record", d.OrphanRecord))
		}
	}
	return report, nil
}

// Export writes every committed movement as one JSON line to
// ledger/<date>/<unix-nanos>.jsonl in the archive.
func (a *Auditor) Export(ctx context.Context) (blob.Info, error) {
	if a.archive == nil {
		return blob.Info{}, errNoArchive
	}
	var movements []domain.InventoryMovement
	err := a.store.View(ctx, func(r domain.Reader) error {
		var err error
		movements, err = domain.ListAs[domain.InventoryMovement](r, domain.EntityInventoryMovement)
		return err
	})
	if err != nil {
		return blob.Info{}, err
	}
	sortMovements(movements)

	var buf bytes.Buffer
	for _, m := range movements {
		line, err := domain.EncodeEntity(m)
		if err != nil {
			return blob.Info{}, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	now := a.now()
	key := ExportKey(now)
	info, err := a.archive.Put(ctx, key, bytes.NewReader(buf.Bytes()), blob.PutOptions{
		ContentType: LedgerContentType,
		Metadata: map[string]string{
			"movements": fmt.Sprint(len(movements)),
		},
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("ledger export %s: %w", key, err)
	}
	a.logger.Info("ledger exported",
		zap.String("key", info.Key),
		zap.Int("movements", len(movements)),
		zap.Int64("bytes", info.Size))
	return info, nil
}

// ExportPrefix is the key prefix shared by every ledger export.
const ExportPrefix = "ledger/"

var errNoArchive = errors.New("ledger export: no archive configured")

// Exports lists archived ledger exports ordered by key, oldest first.
func (a *Auditor) Exports(ctx context.Context) ([]blob.Info, error) {
	if a.archive == nil {
		return nil, errNoArchive
	}
	return a.archive.List(ctx, ExportPrefix)
}

// PruneExports deletes exports written more than retention ago and returns
// how many were removed. Keys that do not follow ExportKey are left alone.
func (a *Auditor) PruneExports(ctx context.Context, retention time.Duration) (int, error) {
	infos, err := a.Exports(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := a.now().Add(-retention)
	removed := 0
	for _, info := range infos {
		written, ok := exportTime(info.Key)
		if !ok || !written.Before(cutoff) {
			continue
		}
		deleted, err := a.archive.Delete(ctx, info.Key)
		if err != nil {
			return removed, fmt.Errorf("prune %s: %w", info.Key, err)
		}
		if deleted {
			removed++
		}
	}
	if removed > 0 {
		a.logger.Info("ledger exports pruned", zap.Int("removed", removed), zap.Time("cutoff", cutoff))
	}
	return removed, nil
}

// exportTime recovers the write time encoded by ExportKey.
func exportTime(key string) (time.Time, bool) {
	base := path.Base(key)
	if !strings.HasPrefix(key, ExportPrefix) || !strings.HasSuffix(base, ".jsonl") {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(strings.TrimSuffix(base, ".jsonl"), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos).UTC(), true
}

// ExportKey names the export blob written at t.
func ExportKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%s/%d.jsonl", ExportPrefix, t.Format("2006-01-02"), t.UnixNano())
}
