package monitor

import (
	"strings"

	"github.com/veranemoloko/drop-runner/internal/domain"
)

// PickFunc chooses one product among several keyword matches.
type PickFunc func(candidates []domain.Product) domain.Product

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		kw = strings.ToUpper(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// MatchKeywords returns, in feed order, the products whose title, or else
// whose handle, contains every positive keyword, and where neither contains
// a negative one. Comparison is case-insensitive and hyphens in handles
// count as spaces.
func MatchKeywords(products []domain.Product, positive, negative []string) []domain.Product {
	pos := normalizeKeywords(positive)
	neg := normalizeKeywords(negative)
	if len(pos) == 0 {
		return nil
	}

	var matched []domain.Product
	for _, p := range products {
		if keywordsMatch(p, pos, neg) {
			matched = append(matched, p)
		}
	}
	return matched
}

func keywordsMatch(p domain.Product, pos, neg []string) bool {
	title := strings.ToUpper(p.Title)
	handle := strings.ToUpper(strings.ReplaceAll(p.Handle, "-", " "))

	if !containsAll(title, pos) && !containsAll(handle, pos) {
		return false
	}
	for _, kw := range neg {
		if strings.Contains(title, kw) || strings.Contains(handle, kw) {
			return false
		}
	}
	return true
}

func containsAll(s string, keywords []string) bool {
	if s == "" {
		return false
	}
	for _, kw := range keywords {
		if !strings.Contains(s, kw) {
			return false
		}
	}
	return true
}

// PickLatest returns the most recently updated product. Ties keep feed order.
func PickLatest(candidates []domain.Product) domain.Product {
	best := candidates[0]
	for _, p := range candidates[1:] {
		if p.UpdatedAt.After(best.UpdatedAt) {
			best = p
		}
	}
	return best
}

// MatchVariant finds the product owning the variant with the given id.
func MatchVariant(products []domain.Product, variantID string) (domain.Product, bool) {
	variantID = strings.TrimSpace(variantID)
	for _, p := range products {
		for _, v := range p.Variants {
			if v.ID == variantID {
				return p, true
			}
		}
	}
	return domain.Product{}, false
}
