// Package notify fans price drop events out to the followers of an item's
// owner. Delivery beyond recording a notification is handled elsewhere.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wishlist-parser/internal/models"
)

const drainTimeout = 10 * time.Second

// ErrClosed is returned by Publish after the dispatcher stopped.
var ErrClosed = errors.New("notification dispatcher stopped")

// FollowGraph resolves followers. *store.Store satisfies it.
type FollowGraph interface {
	GetFollowerIDs(ctx context.Context, userID string) ([]string, error)
}

// Notifier records a price drop for a set of followers.
type Notifier interface {
	NotifyPriceDrop(ctx context.Context, followerIDs []string, ev models.PriceChangeEvent) error
}

// Dispatcher consumes events from a buffered channel on a single goroutine.
type Dispatcher struct {
	events   chan models.PriceChangeEvent
	done     chan struct{}
	follows  FollowGraph
	notifier Notifier
	log      *zap.Logger
}

func NewDispatcher(follows FollowGraph, notifier Notifier, buffer int, log *zap.Logger) *Dispatcher {
	if buffer < 0 {
		buffer = 0
	}
	return &Dispatcher{
		events:   make(chan models.PriceChangeEvent, buffer),
		done:     make(chan struct{}),
		follows:  follows,
		notifier: notifier,
		log:      log.Named("notify"),
	}
}

// Publish queues ev for fan-out. It blocks while the buffer is full.
func (d *Dispatcher) Publish(ctx context.Context, ev models.PriceChangeEvent) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}
	select {
	case d.events <- ev:
		return nil
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run delivers events until ctx is cancelled, then drains what is already
// buffered and returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	for {
		select {
		case ev := <-d.events:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-d.events:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev models.PriceChangeEvent) {
	log := d.log.With(zap.String("item_id", ev.ItemID), zap.String("owner_id", ev.ItemOwnerID))
	if err := d.fanOut(ctx, ev); err != nil {
		log.Error("price drop fan-out failed", zap.Error(err))
	}
}

func (d *Dispatcher) fanOut(ctx context.Context, ev models.PriceChangeEvent) error {
	followers, err := d.follows.GetFollowerIDs(ctx, ev.ItemOwnerID)
	if err != nil {
		return fmt.Errorf("load followers: %w", err)
	}
	if len(followers) == 0 {
		return nil
	}
	return d.notifier.NotifyPriceDrop(ctx, followers, ev)
}
