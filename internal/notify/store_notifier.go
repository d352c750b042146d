package notify

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"wishlist-parser/internal/models"
	"wishlist-parser/internal/telemetry"
)

// NotificationStore persists notifications and resolves display names.
type NotificationStore interface {
	GetUserDisplayName(ctx context.Context, userID string) (string, error)
	InsertNotifications(ctx context.Context, ns []models.Notification) error
}

// StoreNotifier writes one price_drop notification per follower.
type StoreNotifier struct {
	store NotificationStore
	log   *zap.Logger
}

func NewStoreNotifier(store NotificationStore, log *zap.Logger) *StoreNotifier {
	return &StoreNotifier{store: store, log: log.Named("notifier")}
}

func (n *StoreNotifier) NotifyPriceDrop(ctx context.Context, followerIDs []string, ev models.PriceChangeEvent) error {
	owner, err := n.store.GetUserDisplayName(ctx, ev.ItemOwnerID)
	if err != nil {
		return fmt.Errorf("owner display name: %w", err)
	}

	ns := PriceDropNotifications(followerIDs, owner, ev)
	if err := n.store.InsertNotifications(ctx, ns); err != nil {
		return fmt.Errorf("insert notifications: %w", err)
	}
	telemetry.NotificationsOut.Add(float64(len(ns)))
	n.log.Debug("price drop notifications recorded", zap.String("item_id", ev.ItemID), zap.Int("followers", len(ns)))
	return nil
}

// PriceDropNotifications builds the notification rows for one event.
func PriceDropNotifications(followerIDs []string, ownerName string, ev models.PriceChangeEvent) []models.Notification {
	body := fmt.Sprintf("%s from %s's wishlist is now %d%% cheaper! %s%s → %s%s",
		ev.ItemName, ownerName, ev.DiscountPercent,
		ev.Currency, formatPrice(ev.OldPrice), ev.Currency, formatPrice(ev.NewPrice))
	out := make([]models.Notification, 0, len(followerIDs))
	for _, id := range followerIDs {
		out = append(out, models.Notification{
			UserID: id,
			Type:   models.NotificationTypePriceDrop,
			Title:  "Price Drop Alert!",
			Body:   body,
			Data: map[string]any{
				"itemId":          ev.ItemID,
				"itemName":        ev.ItemName,
				"oldPrice":        ev.OldPrice,
				"newPrice":        ev.NewPrice,
				"currency":        ev.Currency,
				"discountPercent": ev.DiscountPercent,
			},
		})
	}
	return out
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
