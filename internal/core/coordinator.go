package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderledger/internal/config"
	"orderledger/internal/events"
	"orderledger/pkg/domain"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 10 * time.Millisecond
	defaultScopeTimeout = 5 * time.Second
)

// Coordinator executes multi-entity business operations as atomic scopes
// over a domain.Store.
type Coordinator struct {
	store        domain.Store
	publisher    events.Publisher
	logger       *zap.Logger
	metrics      *Metrics
	locker       *KeyedLocker
	now          func() time.Time
	newID        func() string
	maxAttempts  int
	retryBackoff time.Duration
	scopeTimeout time.Duration
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPublisher sets where committed events are sent.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides entity and event id generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithEngineConfig applies retry and timeout settings.
func WithEngineConfig(cfg config.Engine) Option {
	return func(c *Coordinator) {
		if cfg.MaxAttempts > 0 {
			c.maxAttempts = cfg.MaxAttempts
		}
		if cfg.RetryBackoff >= 0 {
			c.retryBackoff = cfg.RetryBackoff
		}
		if cfg.ScopeTimeout > 0 {
			c.scopeTimeout = cfg.ScopeTimeout
		}
	}
}

// NewCoordinator wires a coordinator to store.
func NewCoordinator(store domain.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		publisher:    events.Nop{},
		logger:       zap.NewNop(),
		locker:       NewKeyedLocker(),
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: defaultRetryBackoff,
		scopeTimeout: defaultScopeTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the underlying store.
func (c *Coordinator) Store() domain.Store { return c.store }

// scopeFunc is the body of one attempt. It returns the events to publish
// once the scope commits.
type scopeFunc func(tx domain.Tx) ([]events.Event, error)

// lockFunc resolves the lock keys an operation needs from committed state.
type lockFunc func(r domain.Reader) ([]string, error)

// run executes fn in a fresh scope, re-running it from scratch on conflict or
// timeout until maxAttempts is reached.
func (c *Coordinator) run(ctx context.Context, op string, locks lockFunc, fn scopeFunc) error {
	started := time.Now()
	var (
		evs []events.Event
		err error
	)
	attempt := 1
	for ; ; attempt++ {
		evs, err = c.attempt(ctx, locks, fn)
		if err == nil || !domain.IsRetryable(err) || attempt >= c.maxAttempts || ctx.Err() != nil {
			break
		}
		c.metrics.retried(op)
		c.logger.Warn("retrying operation",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
			break
		}
	}
	c.metrics.observe(op, started, err)
	if err != nil {
		c.logFailure(op, attempt, err)
		return err
	}
	c.logger.Info("operation committed", append(eventFields(evs),
		zap.String("operation", op),
		zap.Int("attempts", attempt))...)
	c.publish(ctx, op, evs)
	return nil
}

func (c *Coordinator) attempt(ctx context.Context, locks lockFunc, fn scopeFunc) ([]events.Event, error) {
	scopeCtx, cancel := context.WithTimeout(ctx, c.scopeTimeout)
	defer cancel()

	if locks != nil && !c.store.NativeIsolation() {
		var keys []string
		if err := c.store.View(scopeCtx, func(r domain.Reader) error {
			var err error
			keys, err = locks(r)
			return err
		}); err != nil {
			return nil, err
		}
		unlock, err := c.locker.Lock(scopeCtx, keys...)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	tx, err := c.store.Begin(scopeCtx)
	if err != nil {
		return nil, err
	}
	evs, err := fn(tx)
	if err == nil && scopeCtx.Err() != nil {
		err = fmt.Errorf("%w: %w", domain.ErrTimeout, scopeCtx.Err())
	}
	if err != nil {
		if abortErr := tx.Abort(); abortErr != nil && !errors.Is(abortErr, domain.ErrNoActiveTransaction) {
			return nil, errors.Join(err, abortErr)
		}
		return nil, err
	}
	if err := tx.Commit(scopeCtx); err != nil {
		return nil, err
	}
	return evs, nil
}

func (c *Coordinator) sleep(ctx context.Context, attempt int) error {
	delay := c.retryBackoff << (attempt - 1)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Coordinator) publish(ctx context.Context, op string, evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	now := c.now()
	for i := range evs {
		if evs[i].ID == "" {
			evs[i].ID = c.newID()
		}
		if evs[i].OccurredAt.IsZero() {
			evs[i].OccurredAt = now
		}
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.scopeTimeout)
	defer cancel()
	if err := c.publisher.Publish(pubCtx, evs...); err != nil {
		c.logger.Warn("publish events failed",
			zap.String("operation", op),
			zap.Int("events", len(evs)),
			zap.Error(err))
	}
}

func (c *Coordinator) logFailure(op string, attempts int, err error) {
	fields := []zap.Field{zap.String("operation", op), zap.Int("attempts", attempts), zap.Error(err)}
	if domain.IsRetryable(err) {
		c.logger.Warn("operation gave up", fields...)
		return
	}
	c.logger.Debug("operation rejected", fields...)
}

func eventFields(evs []events.Event) []zap.Field {
	if len(evs) == 0 {
		return nil
	}
	e := evs[0]
	var fields []zap.Field
	for _, kv := range [][2]string{
		{"order_id", e.OrderID},
		{"product_id", e.ProductID},
		{"payment_id", e.PaymentID},
		{"shipment_id", e.ShipmentID},
	} {
		if kv[1] != "" {
			fields = append(fields, zap.String(kv[0], kv[1]))
		}
	}
	return fields
}

// view runs fn against a committed snapshot.
func (c *Coordinator) view(ctx context.Context, fn func(domain.Reader) error) error {
	return c.store.View(ctx, fn)
}

func productLocks(ids ...string) lockFunc {
	return func(domain.Reader) ([]string, error) {
		keys := make([]string, 0, len(ids))
		for _, id := range ids {
			keys = append(keys, productLockKey(id))
		}
		return keys, nil
	}
}

// orderLocks locks the order plus every product on it.
func orderLocks(orderID string) lockFunc {
	return func(r domain.Reader) ([]string, error) {
		return orderLockKeys(r, orderID)
	}
}

func paymentLocks(paymentID string) lockFunc {
	return func(r domain.Reader) ([]string, error) {
		p, err := domain.GetAs[domain.Payment](r, domain.EntityPayment, paymentID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return orderLockKeys(r, p.OrderID)
	}
}

func shipmentLocks(shipmentID string) lockFunc {
	return func(r domain.Reader) ([]string, error) {
		s, err := domain.GetAs[domain.Shipment](r, domain.EntityShipment, shipmentID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return orderLockKeys(r, s.OrderID)
	}
}

func orderLockKeys(r domain.Reader, orderID string) ([]string, error) {
	items, err := domain.ScanAs[domain.OrderItem](r, domain.EntityOrderItem, domain.IndexOrderItemOrder, orderID)
	if err != nil {
		return nil, err
	}
	keys := []string{orderLockKey(orderID)}
	for _, item := range items {
		keys = append(keys, productLockKey(item.ProductID))
	}
	return keys, nil
}
