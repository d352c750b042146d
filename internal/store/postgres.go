package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wishlist-parser/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const monitoredColumns = `id, owner_id, name, product_url, price::float8, currency, parsing_enabled, parsing_failed_count, last_parsed_at`

// LoadMonitoredItems returns items with a product URL. With enabledOnly set,
// items whose monitoring was disabled are left out.
func (s *Store) LoadMonitoredItems(ctx context.Context, enabledOnly bool) ([]models.MonitoredItem, error) {
	query := `SELECT ` + monitoredColumns + ` FROM wishlist_items WHERE product_url <> ''`
	if enabledOnly {
		query += ` AND parsing_enabled`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query monitored items: %w", err)
	}
	defer rows.Close()

	var items []models.MonitoredItem
	for rows.Next() {
		var it models.MonitoredItem
		if err := rows.Scan(&it.ID, &it.OwnerID, &it.Name, &it.ProductURL, &it.CurrentPrice, &it.CurrentCurrency,
			&it.ParsingEnabled, &it.ConsecutiveFailureCount, &it.LastCheckedAt); err != nil {
			return nil, fmt.Errorf("scan monitored item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SaveItem writes the monitoring columns of an item. Concurrent writers are
// last-write-wins.
func (s *Store) SaveItem(ctx context.Context, it models.MonitoredItem) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE wishlist_items
		SET price = $2, currency = $3, parsing_enabled = $4, parsing_failed_count = $5,
		    last_parsed_at = $6, updated_at = now()
		WHERE id = $1
	`, it.ID, it.CurrentPrice, it.CurrentCurrency, it.ParsingEnabled, it.ConsecutiveFailureCount, it.LastCheckedAt)
	if err != nil {
		return fmt.Errorf("save item %s: %w", it.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateItem inserts a wishlist item and returns it with id and timestamps set.
func (s *Store) CreateItem(ctx context.Context, it models.Item) (models.Item, error) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CurrentCurrency == "" {
		it.CurrentCurrency = "USD"
	}
	now := time.Now().UTC()
	it.CreatedAt, it.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO wishlist_items (id, owner_id, name, description, product_url, image_url, category, price, currency,
			is_public, parsing_enabled, parsing_failed_count, last_parsed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`, it.ID, it.OwnerID, it.Name, it.Description, it.ProductURL, it.ImageURL, it.Category, it.CurrentPrice, it.CurrentCurrency,
		it.IsPublic, it.ParsingEnabled, it.ConsecutiveFailureCount, it.LastCheckedAt, now)
	if err != nil {
		return models.Item{}, fmt.Errorf("insert item: %w", err)
	}
	return it, nil
}

// UpdateItem overwrites every mutable column of an item.
func (s *Store) UpdateItem(ctx context.Context, it models.Item) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE wishlist_items
		SET name = $2, description = $3, product_url = $4, image_url = $5, category = $6, price = $7, currency = $8,
		    is_public = $9, parsing_enabled = $10, parsing_failed_count = $11, last_parsed_at = $12, updated_at = now()
		WHERE id = $1
	`, it.ID, it.Name, it.Description, it.ProductURL, it.ImageURL, it.Category, it.CurrentPrice, it.CurrentCurrency,
		it.IsPublic, it.ParsingEnabled, it.ConsecutiveFailureCount, it.LastCheckedAt)
	if err != nil {
		return fmt.Errorf("update item %s: %w", it.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetItem loads a full item row.
func (s *Store) GetItem(ctx context.Context, id string) (models.Item, error) {
	var it models.Item
	err := s.pool.QueryRow(ctx, `
		SELECT `+monitoredColumns+`, description, image_url, category, is_public, created_at, updated_at
		FROM wishlist_items WHERE id = $1
	`, id).Scan(&it.ID, &it.OwnerID, &it.Name, &it.ProductURL, &it.CurrentPrice, &it.CurrentCurrency,
		&it.ParsingEnabled, &it.ConsecutiveFailureCount, &it.LastCheckedAt,
		&it.Description, &it.ImageURL, &it.Category, &it.IsPublic, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Item{}, ErrNotFound
	}
	if err != nil {
		return models.Item{}, fmt.Errorf("get item %s: %w", id, err)
	}
	return it, nil
}

// GetFollowerIDs returns the users following userID.
func (s *Store) GetFollowerIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT follower_id FROM follows WHERE followee_id = $1 ORDER BY follower_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query followers: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan followers: %w", err)
	}
	return ids, nil
}

// GetUserDisplayName returns the display name shown in notification text.
func (s *Store) GetUserDisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, `SELECT display_name FROM users WHERE id = $1`, userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get user %s: %w", userID, err)
	}
	return name, nil
}

// InsertNotifications writes notifications in one batch.
func (s *Store) InsertNotifications(ctx context.Context, ns []models.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, n := range ns {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(n.Data)
		if err != nil {
			return fmt.Errorf("marshal notification data: %w", err)
		}
		batch.Queue(`
			INSERT INTO notifications (id, user_id, type, title, body, data, read, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		`, n.ID, n.UserID, n.Type, n.Title, n.Body, data, n.CreatedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range ns {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	return nil
}
