package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"replenishment-service/config"
	"replenishment-service/internal/broker"
	"replenishment-service/internal/models"
	"replenishment-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const reconcileLockKey = "reconcile"

// RoleSystem identifies passes started by the service itself
const RoleSystem = "system"

// Replenishment order text
const (
	ReplenishItemObservation  = "auto-replenish"
	ReplenishOrderObservation = "Automatic stock replenishment order."
)

// Skip reasons
const (
	SkipInProcess = "in_process"
	SkipSuspended = "suspended"
	SkipNoGap     = "no_gap"
)

// Trigger describes who started a reconciliation pass
type Trigger struct {
	UserID int64
	Role   string
	Reason string
}

// PassResult summarizes a completed reconciliation pass
type PassResult struct {
	PassID     string             `json:"pass_id"`
	Scope      string             `json:"scope"`
	Candidates []models.OrderItem `json:"candidates"`
	Deleted    int                `json:"deleted"`
	Inserted   int                `json:"inserted"`
	Skipped    map[string]int     `json:"skipped"`
	Duration   time.Duration      `json:"duration"`
}

// OrderSynthesizer reconciles pending replenishment orders with current stock
type OrderSynthesizer struct {
	orders      OrderStore
	stock       StockReader
	levels      *DesiredLevelResolver
	suspensions *SuspensionRegistry
	locker      Locker
	publisher   EventPublisher
	cfg         config.ReplenishConfig
	now         func() time.Time
	logger      *zap.Logger

	// stale deletion spans every scope, so passes never overlap
	running sync.Mutex
}

// NewOrderSynthesizer creates a new synthesizer. locker may be nil for a
// single-instance deployment.
func NewOrderSynthesizer(
	orders OrderStore,
	stock StockReader,
	levels *DesiredLevelResolver,
	suspensions *SuspensionRegistry,
	locker Locker,
	publisher EventPublisher,
	cfg config.ReplenishConfig,
) *OrderSynthesizer {
	return &OrderSynthesizer{
		orders:      orders,
		stock:       stock,
		levels:      levels,
		suspensions: suspensions,
		locker:      locker,
		publisher:   publisher,
		cfg:         cfg,
		now:         time.Now,
		logger:      util.Component("synthesizer"),
	}
}

// CanTrigger reports whether role may start a pass
func (s *OrderSynthesizer) CanTrigger(role string) bool {
	if role == RoleSystem {
		return true
	}
	for _, r := range s.cfg.ReconcileRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Reconcile runs one reconciliation pass. Passes never overlap, whatever their
// scope; a second caller gets ErrPassInProgress.
func (s *OrderSynthesizer) Reconcile(ctx context.Context, trigger Trigger) (*PassResult, error) {
	if !s.CanTrigger(trigger.Role) {
		return nil, ErrForbidden
	}

	scope := s.levels.ScopeKey(trigger.UserID)

	if !s.running.TryLock() {
		util.ReconcilePassesTotal.WithLabelValues("skipped").Inc()
		return nil, ErrPassInProgress
	}
	defer s.running.Unlock()

	release, err := s.acquireLock(ctx)
	if err != nil {
		util.ReconcilePassesTotal.WithLabelValues("skipped").Inc()
		return nil, err
	}
	defer release()

	ctx, span := util.StartSpan(ctx, "OrderSynthesizer.Reconcile",
		attribute.String("scope", scope),
		attribute.String("reason", trigger.Reason))
	defer span.End()

	start := time.Now()
	result := &PassResult{
		PassID:  uuid.New().String(),
		Scope:   scope,
		Skipped: make(map[string]int),
	}
	logger := s.logger.With(zap.String("pass_id", result.PassID), zap.String("scope", scope))

	err = s.run(ctx, trigger, result, logger)
	result.Duration = time.Since(start)
	util.ReconcilePassDuration.Observe(result.Duration.Seconds())

	if err != nil {
		util.ReconcilePassesTotal.WithLabelValues("error").Inc()
		util.RecordError(span, err)
		logger.Error("Reconciliation pass failed", zap.Error(err), zap.Int("inserted", result.Inserted))
		return result, err
	}

	util.ReconcilePassesTotal.WithLabelValues("ok").Inc()
	logger.Info("Reconciliation pass completed",
		zap.Int("candidates", len(result.Candidates)),
		zap.Int("deleted", result.Deleted),
		zap.Int("inserted", result.Inserted),
		zap.Any("skipped", result.Skipped),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (s *OrderSynthesizer) run(ctx context.Context, trigger Trigger, result *PassResult, logger *zap.Logger) error {
	timeout := s.cfg.StoreCallTimeout

	desired, err := s.levels.Resolve(ctx, trigger.UserID)
	if err != nil {
		return &PassError{Stage: StageReadSettings, Err: err}
	}

	suspended, err := s.suspensions.ActiveSet(ctx)
	if err != nil {
		return &PassError{Stage: StageReadSuspensions, Err: err}
	}

	var levels []models.StockLevel
	err = storeCall(ctx, timeout, "get_stock_snapshot", func(ctx context.Context) error {
		var err error
		levels, err = s.stock.GetStockSnapshot(ctx)
		return err
	})
	if err != nil {
		return &PassError{Stage: StageReadStock, Err: err}
	}

	var existing []models.Order
	err = storeCall(ctx, timeout, "list_system_orders", func(ctx context.Context) error {
		var err error
		existing, err = s.orders.ListSystemOrders(ctx, []string{models.OrderStatusPending, models.OrderStatusInProcess})
		return err
	})
	if err != nil {
		return &PassError{Stage: StageReadOrders, Err: err}
	}

	claimed := make(map[string]struct{})
	var stale []int64
	for i := range existing {
		order := &existing[i]
		if !order.DenormalizedConsistent() {
			logger.Warn("Order reference/color columns disagree with its items",
				zap.Int64("order_id", order.ID),
				zap.Int("items", len(order.Items)))
		}
		switch order.Status {
		case models.OrderStatusInProcess:
			for _, key := range order.Pairs() {
				claimed[key] = struct{}{}
			}
		case models.OrderStatusPending:
			stale = append(stale, order.ID)
		}
	}

	for _, pair := range groupStock(levels) {
		key := models.PairKey(pair.reference, pair.color)
		if _, ok := claimed[key]; ok {
			result.Skipped[SkipInProcess]++
			continue
		}
		if _, ok := suspended[key]; ok {
			result.Skipped[SkipSuspended]++
			continue
		}

		needed := Needed(pair.sizes, desired)
		if len(needed) == 0 {
			result.Skipped[SkipNoGap]++
			continue
		}
		result.Candidates = append(result.Candidates, models.OrderItem{
			Reference:   pair.reference,
			Color:       pair.color,
			Sizes:       needed,
			Observation: ReplenishItemObservation,
		})
	}

	util.ReplenishmentCandidates.Set(float64(len(result.Candidates)))
	for reason, n := range result.Skipped {
		util.ReplenishmentPairsSkipped.WithLabelValues(reason).Add(float64(n))
	}

	// Stale orders go first: old and new pending orders must never coexist
	if len(stale) > 0 {
		err = storeCall(ctx, timeout, "delete_orders", func(ctx context.Context) error {
			return s.orders.DeleteOrders(ctx, stale)
		})
		if err != nil {
			return &PassError{Stage: StageDeleteStale, Err: err}
		}
		result.Deleted = len(stale)
		util.ReplenishmentOrdersDeleted.Add(float64(len(stale)))
	}

	orders := s.buildOrders(result.Candidates)
	for start := 0; start < len(orders); start += s.batchSize() {
		end := start + s.batchSize()
		if end > len(orders) {
			end = len(orders)
		}
		chunk := orders[start:end]

		err = storeCall(ctx, timeout, "insert_orders", func(ctx context.Context) error {
			return s.orders.InsertOrders(ctx, chunk)
		})
		if err != nil {
			return &PassError{Stage: StageInsertBatch, Inserted: result.Inserted, Err: err}
		}
		result.Inserted += len(chunk)
		util.ReplenishmentOrdersInserted.Add(float64(len(chunk)))
		logger.Debug("Inserted replenishment chunk", zap.Int("size", len(chunk)), zap.Int("inserted", result.Inserted))
	}

	if result.Deleted > 0 || result.Inserted > 0 {
		event := broker.NewChangeEvent(models.StreamOrders, models.SourceSynthesizer)
		if err := s.publisher.PublishChange(ctx, event); err != nil {
			logger.Error("Failed to publish change event", zap.Error(err))
		}
	}
	return nil
}

func (s *OrderSynthesizer) buildOrders(candidates []models.OrderItem) []models.Order {
	now := s.now()
	deadline := now.Add(s.cfg.LeadTime)

	orders := make([]models.Order, 0, len(candidates))
	for _, item := range candidates {
		order := models.Order{
			ClientName:   models.SystemClientName,
			Status:       models.OrderStatusPending,
			Items:        models.Items{item},
			Observations: ReplenishOrderObservation,
			CreatedAt:    now,
			Deadline:     deadline,
			UpdatedAt:    now,
		}
		order.SyncDenormalized()
		orders = append(orders, order)
	}
	return orders
}

func (s *OrderSynthesizer) batchSize() int {
	if s.cfg.BatchSize <= 0 {
		return 50
	}
	return s.cfg.BatchSize
}

// acquireLock takes the cross-instance pass lock. An unreachable lock backend
// degrades to the in-process guard.
func (s *OrderSynthesizer) acquireLock(ctx context.Context) (func(), error) {
	noop := func() {}
	if s.locker == nil {
		return noop, nil
	}

	key := reconcileLockKey
	token, ok, err := s.locker.AcquireLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		s.logger.Warn("Reconcile lock unavailable, continuing with local guard", zap.String("key", key), zap.Error(err))
		return noop, nil
	}
	if !ok {
		return nil, ErrPassInProgress
	}

	return func() {
		// The pass context may already be done; release with a fresh one
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locker.ReleaseLock(releaseCtx, key, token); err != nil {
			s.logger.Warn("Failed to release reconcile lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

type pairStock struct {
	reference string
	color     string
	sizes     models.Sizes
}

// groupStock folds the snapshot into one entry per reference/color, sorted by
// reference then color
func groupStock(levels []models.StockLevel) []*pairStock {
	byKey := make(map[string]*pairStock)
	for _, lvl := range levels {
		key := models.PairKey(lvl.Reference, lvl.Color)
		p, ok := byKey[key]
		if !ok {
			p = &pairStock{reference: lvl.Reference, color: lvl.Color, sizes: make(models.Sizes)}
			byKey[key] = p
		}
		p.sizes[lvl.Size] += lvl.Stock
	}

	pairs := make([]*pairStock, 0, len(byKey))
	for _, p := range byKey {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].reference != pairs[j].reference {
			return pairs[i].reference < pairs[j].reference
		}
		return pairs[i].color < pairs[j].color
	})
	return pairs
}
