// Package monitor re-parses monitored wishlist items on a schedule, records
// price changes and announces price drops.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wishlist-parser/internal/config"
	"wishlist-parser/internal/models"
	"wishlist-parser/internal/telemetry"
)

// priceEpsilon is the smallest difference treated as a price change.
const priceEpsilon = 0.01

// ItemStore loads and persists monitored items. *store.Store satisfies it.
type ItemStore interface {
	LoadMonitoredItems(ctx context.Context, enabledOnly bool) ([]models.MonitoredItem, error)
	SaveItem(ctx context.Context, item models.MonitoredItem) error
}

// Parser parses a URL synchronously. *gateway.Waiter satisfies it.
type Parser interface {
	WaitFor(ctx context.Context, rawURL, userID string, timeout time.Duration) (models.JobResult, error)
}

// Publisher receives price drop events. Delivery is its concern.
type Publisher interface {
	Publish(ctx context.Context, ev models.PriceChangeEvent) error
}

// Outcome describes what one check did to an item.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeDropped   Outcome = "dropped"
	OutcomeIncreased Outcome = "increased"
	OutcomeFailed    Outcome = "failed"
	OutcomeDisabled  Outcome = "disabled"
)

// ErrNoPrice is recorded as a failed check when the page parsed but had no price.
var ErrNoPrice = errors.New("price not found")

type Options struct {
	BatchSize         int
	BatchDelay        time.Duration
	CheckTimeout      time.Duration
	MaxFailedAttempts int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		BatchSize:         cfg.PriceCheckBatchSize,
		BatchDelay:        cfg.PriceCheckBatchDelay,
		CheckTimeout:      cfg.PriceCheckTimeout,
		MaxFailedAttempts: cfg.MaxFailedAttempts,
	}
}

// PriceMonitor holds no per-item state between calls; items are loaded and
// saved through ItemStore. Two concurrent sweeps over the same items are not
// serialized here.
type PriceMonitor struct {
	store     ItemStore
	parser    Parser
	publisher Publisher
	opts      Options
	log       *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPriceMonitor(store ItemStore, parser Parser, publisher Publisher, opts Options, log *zap.Logger) *PriceMonitor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 30 * time.Second
	}
	if opts.MaxFailedAttempts <= 0 {
		opts.MaxFailedAttempts = 5
	}
	return &PriceMonitor{
		store:     store,
		parser:    parser,
		publisher: publisher,
		opts:      opts,
		log:       log.Named("monitor"),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Check re-parses one item and persists the result. The returned error is
// the parse or persistence failure, if any; the failure has already been
// counted against the item when Check returns.
func (m *PriceMonitor) Check(ctx context.Context, item models.MonitoredItem) (Outcome, error) {
	if !item.ParsingEnabled || item.ProductURL == "" || item.CurrentPrice == nil {
		telemetry.PriceChecks.WithLabelValues(string(OutcomeSkipped)).Inc()
		return OutcomeSkipped, nil
	}

	log := m.log.With(zap.String("item_id", item.ID), zap.String("url", item.ProductURL))
	checkedAt := m.now().UTC()
	item.LastCheckedAt = &checkedAt

	res, err := m.parser.WaitFor(ctx, item.ProductURL, item.OwnerID, m.opts.CheckTimeout)
	if err == nil && (res.Data == nil || !res.Data.HasPrice()) {
		err = ErrNoPrice
	}
	if err != nil {
		return m.recordFailure(ctx, item, err, log)
	}

	oldPrice := *item.CurrentPrice
	newPrice := *res.Data.Price
	item.ConsecutiveFailureCount = 0

	if math.Abs(newPrice-oldPrice) <= priceEpsilon {
		if err := m.store.SaveItem(ctx, item); err != nil {
			return OutcomeUnchanged, fmt.Errorf("save item %s: %w", item.ID, err)
		}
		telemetry.PriceChecks.WithLabelValues(string(OutcomeUnchanged)).Inc()
		return OutcomeUnchanged, nil
	}

	item.CurrentPrice = models.Float64(newPrice)
	if res.Data.Currency != "" {
		item.CurrentCurrency = res.Data.Currency
	}
	if err := m.store.SaveItem(ctx, item); err != nil {
		return OutcomeFailed, fmt.Errorf("save item %s: %w", item.ID, err)
	}

	if newPrice > oldPrice {
		log.Debug("price increased", zap.Float64("old", oldPrice), zap.Float64("new", newPrice))
		telemetry.PriceChecks.WithLabelValues(string(OutcomeIncreased)).Inc()
		return OutcomeIncreased, nil
	}

	ev := models.PriceChangeEvent{
		ItemID:          item.ID,
		ItemOwnerID:     item.OwnerID,
		ItemName:        item.Name,
		OldPrice:        oldPrice,
		NewPrice:        newPrice,
		Currency:        item.CurrentCurrency,
		DiscountPercent: discountPercent(oldPrice, newPrice),
	}
	log.Info("price dropped",
		zap.Float64("old", oldPrice), zap.Float64("new", newPrice), zap.Int("discount_percent", ev.DiscountPercent))
	telemetry.PriceChecks.WithLabelValues(string(OutcomeDropped)).Inc()
	telemetry.PriceDrops.Inc()
	if m.publisher != nil {
		if err := m.publisher.Publish(ctx, ev); err != nil {
			log.Warn("price drop event not published", zap.Error(err))
		}
	}
	return OutcomeDropped, nil
}

func (m *PriceMonitor) recordFailure(ctx context.Context, item models.MonitoredItem, cause error, log *zap.Logger) (Outcome, error) {
	item.ConsecutiveFailureCount++
	outcome := OutcomeFailed
	if item.ConsecutiveFailureCount >= m.opts.MaxFailedAttempts {
		item.ParsingEnabled = false
		outcome = OutcomeDisabled
	}
	log.Warn("price check failed",
		zap.Int("failures", item.ConsecutiveFailureCount),
		zap.Bool("disabled", !item.ParsingEnabled),
		zap.Error(cause))
	telemetry.PriceChecks.WithLabelValues(string(outcome)).Inc()

	if err := m.store.SaveItem(ctx, item); err != nil {
		return outcome, errors.Join(cause, fmt.Errorf("save item %s: %w", item.ID, err))
	}
	return outcome, cause
}

func discountPercent(oldPrice, newPrice float64) int {
	if oldPrice <= 0 {
		return 0
	}
	return int(math.Round((oldPrice - newPrice) / oldPrice * 100))
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Total    int
	Outcomes map[Outcome]int
	Errors   int
	Duration time.Duration
}

// Sweep checks every monitoring-enabled item in batches. Items of a batch run
// concurrently and all settle before the next batch starts; a failing or
// panicking item never stops the others. batchSize <= 0 uses the configured
// size.
func (m *PriceMonitor) Sweep(ctx context.Context, batchSize int) (SweepReport, error) {
	if batchSize <= 0 {
		batchSize = m.opts.BatchSize
	}
	start := m.now()
	report := SweepReport{Outcomes: make(map[Outcome]int)}

	items, err := m.store.LoadMonitoredItems(ctx, true)
	if err != nil {
		return report, fmt.Errorf("load monitored items: %w", err)
	}
	report.Total = len(items)
	m.log.Info("price sweep started", zap.Int("items", len(items)), zap.Int("batch_size", batchSize))

	var mu sync.Mutex
	for offset := 0; offset < len(items); offset += batchSize {
		end := min(offset+batchSize, len(items))
		batch := items[offset:end]

		var g errgroup.Group
		g.SetLimit(len(batch))
		for _, item := range batch {
			g.Go(func() error {
				outcome, err := m.safeCheck(ctx, item)
				mu.Lock()
				report.Outcomes[outcome]++
				if err != nil {
					report.Errors++
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		m.log.Info("price sweep batch done", zap.Int("from", offset), zap.Int("to", end), zap.Int("total", len(items)))
		if end < len(items) && m.opts.BatchDelay > 0 {
			if err := m.sleep(ctx, m.opts.BatchDelay); err != nil {
				report.Duration = m.now().Sub(start)
				return report, err
			}
		}
	}

	report.Duration = m.now().Sub(start)
	m.log.Info("price sweep finished",
		zap.Int("items", report.Total),
		zap.Int("dropped", report.Outcomes[OutcomeDropped]),
		zap.Int("failed", report.Outcomes[OutcomeFailed]+report.Outcomes[OutcomeDisabled]),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (m *PriceMonitor) safeCheck(ctx context.Context, item models.MonitoredItem) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("price check panicked", zap.String("item_id", item.ID), zap.Any("panic", r))
			outcome, err = OutcomeFailed, fmt.Errorf("panic: %v", r)
		}
	}()
	return m.Check(ctx, item)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
