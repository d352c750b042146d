// Package wishlist holds the item-creation-from-URL flow.
package wishlist

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"wishlist-parser/internal/models"
)

// ErrInvalidURL is returned for URLs that are not absolute http(s) links.
var ErrInvalidURL = errors.New("invalid product url")

// ItemRepository persists wishlist items. *store.Store satisfies it.
type ItemRepository interface {
	CreateItem(ctx context.Context, it models.Item) (models.Item, error)
	UpdateItem(ctx context.Context, it models.Item) error
}

// Parser parses a URL synchronously. *gateway.Waiter satisfies it.
type Parser interface {
	WaitFor(ctx context.Context, rawURL, userID string, timeout time.Duration) (models.JobResult, error)
}

type CreateFromURLInput struct {
	OwnerID  string
	URL      string
	IsPublic *bool
}

// CreateFromURLResult is returned even when parsing failed. In that case
// ParseError holds the typed cause and Message asks the user to fill the
// item in by hand.
type CreateFromURLResult struct {
	Item       models.Item
	Warnings   []string
	ParseError error
	Message    string
}

type Service struct {
	items        ItemRepository
	parser       Parser
	parseTimeout time.Duration
	log          *zap.Logger
	now          func() time.Time
}

func NewService(items ItemRepository, parser Parser, parseTimeout time.Duration, log *zap.Logger) *Service {
	if parseTimeout <= 0 {
		parseTimeout = 30 * time.Second
	}
	return &Service{
		items:        items,
		parser:       parser,
		parseTimeout: parseTimeout,
		log:          log.Named("wishlist"),
		now:          time.Now,
	}
}

// CreateFromURL stores a new item for the URL first, then parses the page
// inline and fills the item from the result. Monitoring is only enabled when
// a price was found. A parse failure keeps the item for manual entry.
func (s *Service) CreateFromURL(ctx context.Context, in CreateFromURLInput) (CreateFromURLResult, error) {
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return CreateFromURLResult{}, fmt.Errorf("%w: %q", ErrInvalidURL, in.URL)
	}

	isPublic := true
	if in.IsPublic != nil {
		isPublic = *in.IsPublic
	}
	item, err := s.items.CreateItem(ctx, models.Item{
		MonitoredItem: models.MonitoredItem{
			OwnerID:         in.OwnerID,
			Name:            u.Hostname(),
			ProductURL:      in.URL,
			CurrentCurrency: "USD",
		},
		IsPublic: isPublic,
	})
	if err != nil {
		return CreateFromURLResult{}, fmt.Errorf("create item: %w", err)
	}
	log := s.log.With(zap.String("item_id", item.ID), zap.String("url", in.URL))

	res, err := s.parser.WaitFor(ctx, in.URL, in.OwnerID, s.parseTimeout)
	if err == nil && (!res.Success || res.Data == nil) {
		err = errors.New("parsing was not successful")
	}
	if err != nil {
		log.Warn("parse on create failed, keeping item for manual entry", zap.Error(err))
		item.ConsecutiveFailureCount = 1
		item.ParsingEnabled = false
		if uerr := s.items.UpdateItem(ctx, item); uerr != nil {
			return CreateFromURLResult{}, fmt.Errorf("update item %s: %w", item.ID, uerr)
		}
		return CreateFromURLResult{
			Item:       item,
			ParseError: err,
			Message:    fmt.Sprintf("Failed to parse URL: %s. Please fill in item details manually.", err),
		}, nil
	}

	applyParsed(&item, *res.Data)
	parsedAt := s.now().UTC()
	item.LastCheckedAt = &parsedAt
	item.ConsecutiveFailureCount = 0
	item.ParsingEnabled = res.Data.HasPrice()
	if err := s.items.UpdateItem(ctx, item); err != nil {
		return CreateFromURLResult{}, fmt.Errorf("update item %s: %w", item.ID, err)
	}
	log.Info("item filled from url", zap.Bool("monitoring", item.ParsingEnabled))
	return CreateFromURLResult{Item: item, Warnings: res.Warnings}, nil
}

func applyParsed(item *models.Item, p models.ParsedProduct) {
	if p.Title != "" {
		item.Name = p.Title
	}
	if p.Description != "" {
		item.Description = p.Description
	}
	if p.Price != nil {
		item.CurrentPrice = models.Float64(*p.Price)
		item.CurrentCurrency = p.Currency
		if item.CurrentCurrency == "" {
			item.CurrentCurrency = "USD"
		}
	}
	switch {
	case p.ThumbnailURL != "":
		item.ImageURL = p.ThumbnailURL
	case p.ImageURL != "":
		item.ImageURL = p.ImageURL
	}
	if p.Category != "" {
		item.Category = p.Category
	}
}
