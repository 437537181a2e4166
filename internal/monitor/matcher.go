// Package monitor resolves a task's product locator against a storefront's
// product listings.
package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
	"github.com/veranemoloko/drop-runner/internal/race"
)

// Matcher resolves locators to products.
type Matcher struct {
	feeds   []Feed
	catalog Feed
	pick    PickFunc
	logger  *slog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithFeeds replaces the strategies raced in keyword mode.
func WithFeeds(feeds ...Feed) Option {
	return func(m *Matcher) { m.feeds = feeds }
}

// WithPick replaces the most-recently-updated heuristic used when several
// products match.
func WithPick(pick PickFunc) Option {
	return func(m *Matcher) { m.pick = pick }
}

// NewMatcher creates a Matcher racing DefaultFeeds.
func NewMatcher(logger *slog.Logger, opts ...Option) *Matcher {
	m := &Matcher{
		feeds:   DefaultFeeds(),
		catalog: CatalogFeed{},
		pick:    PickLatest,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Find resolves locator to a product with at least one variant.
func (m *Matcher) Find(ctx context.Context, f Fetcher, locator domain.Locator) (domain.Product, error) {
	mode := ModeOf(locator)
	switch mode {
	case ModeVariant:
		return m.findVariant(ctx, f, locator.VariantID)
	case ModeURL:
		return FetchDetails(ctx, f, locator.URL)
	case ModeKeywords:
		return m.findKeywords(ctx, f, locator)
	default:
		return domain.Product{}, errpkg.Fatal("match", errpkg.ErrInvalidLocator)
	}
}

func (m *Matcher) findVariant(ctx context.Context, f Fetcher, variantID string) (domain.Product, error) {
	products, err := m.catalog.Fetch(ctx, f)
	if err != nil {
		return domain.Product{}, err
	}

	product, ok := MatchVariant(products, variantID)
	if !ok {
		return domain.Product{}, errpkg.NoMatch("match.variant", fmt.Errorf("variant %s: %w", variantID, errpkg.ErrProductNotFound))
	}
	return product, nil
}

type feedHit struct {
	feed     string
	detailed bool
	product  domain.Product
}

func (m *Matcher) findKeywords(ctx context.Context, f Fetcher, locator domain.Locator) (domain.Product, error) {
	ops := make([]race.Op[feedHit], 0, len(m.feeds))
	for _, feed := range m.feeds {
		ops = append(ops, func(ctx context.Context) (feedHit, error) {
			products, err := feed.Fetch(ctx, f)
			if err != nil {
				return feedHit{}, err
			}
			matched := MatchKeywords(products, locator.Positive, locator.Negative)
			if len(matched) == 0 {
				return feedHit{}, errpkg.NoMatch("match."+feed.Name(), errpkg.ErrProductNotFound)
			}
			return feedHit{feed: feed.Name(), detailed: feed.Detailed(), product: m.pick(matched)}, nil
		})
	}

	hit, err := race.First(ctx, ops...)
	if err != nil {
		return domain.Product{}, fmt.Errorf("keyword search: %w", errpkg.Strongest(race.Errors(err)))
	}

	m.logger.Debug("keyword match", "feed", hit.feed, "product", hit.product.Title, "handle", hit.product.Handle)

	if hit.detailed {
		return hit.product, nil
	}

	detail, err := FetchDetails(ctx, f, hit.product.URL)
	if err != nil {
		return domain.Product{}, err
	}
	return mergeDetails(hit.product, detail), nil
}
