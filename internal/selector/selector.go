// Package selector maps a product's variants onto the sizes a task asks for.
package selector

import (
	"fmt"
	"strings"

	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
)

// Select returns the product's variants whose size is one of sizes, ordered
// by the task's size preference rather than by feed order. Variants sharing
// a size keep their feed order within the group.
func Select(product domain.Product, sizes []string, src domain.SizeSource) ([]domain.Variant, error) {
	groups := make(map[string][]domain.Variant)
	for _, v := range product.Variants {
		key := normalize(v.Size(src))
		if key == "" {
			continue
		}
		groups[key] = append(groups[key], v)
	}

	var out []domain.Variant
	seen := make(map[string]bool, len(sizes))
	for _, size := range sizes {
		key := normalize(size)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, groups[key]...)
	}

	if len(out) == 0 {
		return nil, errpkg.NoMatch("select", fmt.Errorf("%s sizes %v: %w", product.Handle, sizes, errpkg.ErrNoMatchingVariant))
	}
	return out, nil
}

func normalize(size string) string {
	return strings.ToUpper(strings.Join(strings.Fields(size), " "))
}
