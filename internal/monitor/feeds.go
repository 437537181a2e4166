package monitor

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
	"github.com/veranemoloko/drop-runner/internal/storefront"
)

// Fetcher is the part of the storefront client the matcher needs.
type Fetcher interface {
	Get(ctx context.Context, op, ref string) (*storefront.Response, error)
	BaseURL() *url.URL
}

// Feed is one way of listing a storefront's products. Products returned by a
// feed that is not Detailed carry no variants.
type Feed interface {
	Name() string
	Detailed() bool
	Fetch(ctx context.Context, f Fetcher) ([]domain.Product, error)
}

// DefaultFeeds returns the structured feed, catalog JSON and sitemap strategies.
func DefaultFeeds() []Feed {
	return []Feed{AtomFeed{}, CatalogFeed{}, SitemapFeed{}}
}

// CatalogFeed reads /products.json, which includes variants.
type CatalogFeed struct{}

func (CatalogFeed) Name() string   { return "catalog" }
func (CatalogFeed) Detailed() bool { return true }

type catalogProduct struct {
	ID        int64            `json:"id"`
	Title     string           `json:"title"`
	Handle    string           `json:"handle"`
	UpdatedAt string           `json:"updated_at"`
	Variants  []catalogVariant `json:"variants"`
}

type catalogVariant struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Option1   string `json:"option1"`
	Option2   string `json:"option2"`
	Option3   string `json:"option3"`
	Available bool   `json:"available"`
	Price     string `json:"price"`
}

func (p catalogProduct) toDomain(base *url.URL) domain.Product {
	out := domain.Product{
		ID:        strconv.FormatInt(p.ID, 10),
		Title:     p.Title,
		Handle:    p.Handle,
		URL:       productURL(base, p.Handle),
		UpdatedAt: parseTime(p.UpdatedAt),
		Variants:  make([]domain.Variant, 0, len(p.Variants)),
	}
	for _, v := range p.Variants {
		out.Variants = append(out.Variants, domain.Variant{
			ID:        strconv.FormatInt(v.ID, 10),
			Title:     v.Title,
			Option1:   v.Option1,
			Option2:   v.Option2,
			Option3:   v.Option3,
			Available: v.Available,
			Price:     v.Price,
		})
	}
	return out
}

func (CatalogFeed) Fetch(ctx context.Context, f Fetcher) ([]domain.Product, error) {
	const op = "feed.catalog"
	resp, err := f.Get(ctx, op, "/products.json?limit=250")
	if err != nil {
		return nil, err
	}

	var payload struct {
		Products []catalogProduct `json:"products"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, errpkg.Transient(op, fmt.Errorf("decode catalog: %w", err))
	}

	base := f.BaseURL()
	products := make([]domain.Product, 0, len(payload.Products))
	for _, p := range payload.Products {
		products = append(products, p.toDomain(base))
	}
	return products, nil
}

// AtomFeed reads the structured /collections/all.atom feed.
type AtomFeed struct{}

func (AtomFeed) Name() string   { return "atom" }
func (AtomFeed) Detailed() bool { return false }

type atomDocument struct {
	Entries []struct {
		ID      string `xml:"id"`
		Title   string `xml:"title"`
		Updated string `xml:"updated"`
		Links   []struct {
			Rel  string `xml:"rel,attr"`
			Href string `xml:"href,attr"`
		} `xml:"link"`
	} `xml:"entry"`
}

func (AtomFeed) Fetch(ctx context.Context, f Fetcher) ([]domain.Product, error) {
	const op = "feed.atom"
	resp, err := f.Get(ctx, op, "/collections/all.atom")
	if err != nil {
		return nil, err
	}

	var doc atomDocument
	if err := xml.Unmarshal(resp.Body, &doc); err != nil {
		return nil, errpkg.Transient(op, fmt.Errorf("decode atom: %w", err))
	}

	products := make([]domain.Product, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		var link string
		for _, l := range e.Links {
			if l.Rel == "" || l.Rel == "alternate" {
				link = l.Href
				break
			}
		}
		handle := handleFromURL(link)
		if handle == "" {
			continue
		}
		products = append(products, domain.Product{
			ID:        path.Base(strings.TrimSpace(e.ID)),
			Title:     strings.TrimSpace(e.Title),
			Handle:    handle,
			URL:       productURL(f.BaseURL(), handle),
			UpdatedAt: parseTime(e.Updated),
		})
	}
	return products, nil
}

// SitemapFeed reads /sitemap_products_1.xml.
type SitemapFeed struct{}

func (SitemapFeed) Name() string   { return "sitemap" }
func (SitemapFeed) Detailed() bool { return false }

type sitemapDocument struct {
	URLs []struct {
		Loc     string `xml:"loc"`
		LastMod string `xml:"lastmod"`
		Image   struct {
			Title string `xml:"title"`
		} `xml:"image"`
	} `xml:"url"`
}

func (SitemapFeed) Fetch(ctx context.Context, f Fetcher) ([]domain.Product, error) {
	const op = "feed.sitemap"
	resp, err := f.Get(ctx, op, "/sitemap_products_1.xml")
	if err != nil {
		return nil, err
	}

	var doc sitemapDocument
	if err := xml.Unmarshal(resp.Body, &doc); err != nil {
		return nil, errpkg.Transient(op, fmt.Errorf("decode sitemap: %w", err))
	}

	products := make([]domain.Product, 0, len(doc.URLs))
	for _, u := range doc.URLs {
		handle := handleFromURL(u.Loc)
		if handle == "" {
			continue
		}
		title := strings.TrimSpace(u.Image.Title)
		if title == "" {
			title = strings.ReplaceAll(handle, "-", " ")
		}
		products = append(products, domain.Product{
			Title:     title,
			Handle:    handle,
			URL:       productURL(f.BaseURL(), handle),
			UpdatedAt: parseTime(u.LastMod),
		})
	}
	return products, nil
}

func productURL(base *url.URL, handle string) string {
	u := *base
	u.Path = strings.TrimRight(u.Path, "/") + "/products/" + handle
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// handleFromURL extracts the handle of a /products/<handle> URL.
func handleFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	_, rest, found := strings.Cut(u.Path, "/products/")
	if !found {
		return ""
	}
	handle, _, _ := strings.Cut(rest, "/")
	handle = strings.TrimSuffix(handle, ".json")
	handle = strings.TrimSuffix(handle, ".oembed")
	return handle
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
