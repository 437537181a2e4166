package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
	"github.com/veranemoloko/drop-runner/internal/race"
)

// FetchDetails resolves the authoritative variant list of the product at
// productURL by racing its JSON and OEmbed representations.
func FetchDetails(ctx context.Context, f Fetcher, productURL string) (domain.Product, error) {
	base, err := canonicalProductURL(productURL)
	if err != nil {
		return domain.Product{}, errpkg.Fatal("details", err)
	}

	product, err := race.First(ctx,
		func(ctx context.Context) (domain.Product, error) { return fetchJSONDetail(ctx, f, base) },
		func(ctx context.Context) (domain.Product, error) { return fetchOEmbedDetail(ctx, f, base) },
	)
	if err != nil {
		return domain.Product{}, fmt.Errorf("product details: %w", errpkg.Strongest(race.Errors(err)))
	}
	return product, nil
}

func canonicalProductURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse product url %q: %w", raw, err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.Path = strings.TrimSuffix(u.Path, ".json")
	u.Path = strings.TrimSuffix(u.Path, ".oembed")
	return u.String(), nil
}

func fetchJSONDetail(ctx context.Context, f Fetcher, base string) (domain.Product, error) {
	const op = "details.json"
	resp, err := f.Get(ctx, op, base+".json")
	if err != nil {
		return domain.Product{}, err
	}

	var payload struct {
		Product catalogProduct `json:"product"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return domain.Product{}, errpkg.Transient(op, fmt.Errorf("decode product: %w", err))
	}
	if len(payload.Product.Variants) == 0 {
		return domain.Product{}, errpkg.NoMatch(op, errpkg.ErrNoMatchingVariant)
	}

	product := payload.Product.toDomain(f.BaseURL())
	product.URL = base
	return product, nil
}

type oembedPayload struct {
	ProductID string `json:"product_id"`
	Title     string `json:"title"`
	Offers    []struct {
		OfferID json.Number     `json:"offer_id"`
		Title   string          `json:"title"`
		Price   json.RawMessage `json:"price"`
		InStock bool            `json:"in_stock"`
	} `json:"offers"`
}

func fetchOEmbedDetail(ctx context.Context, f Fetcher, base string) (domain.Product, error) {
	const op = "details.oembed"
	resp, err := f.Get(ctx, op, base+".oembed")
	if err != nil {
		return domain.Product{}, err
	}

	var payload oembedPayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return domain.Product{}, errpkg.Transient(op, fmt.Errorf("decode oembed: %w", err))
	}
	if len(payload.Offers) == 0 {
		return domain.Product{}, errpkg.NoMatch(op, errpkg.ErrNoMatchingVariant)
	}

	product := domain.Product{
		Title:  payload.Title,
		Handle: handleFromURL(base),
		URL:    base,
	}
	for _, offer := range payload.Offers {
		if _, err := strconv.ParseInt(offer.OfferID.String(), 10, 64); err != nil {
			continue
		}
		v := domain.Variant{
			ID:        offer.OfferID.String(),
			Title:     offer.Title,
			Available: offer.InStock,
			Price:     strings.Trim(string(offer.Price), `"`),
		}
		// OEmbed only carries the joined title ("9 / Black"); split it back
		// into option slots.
		opts := strings.Split(offer.Title, " / ")
		for i, o := range opts {
			switch i {
			case 0:
				v.Option1 = strings.TrimSpace(o)
			case 1:
				v.Option2 = strings.TrimSpace(o)
			case 2:
				v.Option3 = strings.TrimSpace(o)
			}
		}
		product.Variants = append(product.Variants, v)
	}
	if len(product.Variants) == 0 {
		return domain.Product{}, errpkg.NoMatch(op, errpkg.ErrNoMatchingVariant)
	}
	return product, nil
}

// mergeDetails keeps the feed's identity fields and takes variants from detail.
func mergeDetails(found, detail domain.Product) domain.Product {
	found.Variants = detail.Variants
	if found.ID == "" {
		found.ID = detail.ID
	}
	if found.Title == "" {
		found.Title = detail.Title
	}
	if found.Handle == "" {
		found.Handle = detail.Handle
	}
	return found
}
