package domain

import (
	"strings"
	"time"
)

// Product is a storefront product as resolved from a feed.
type Product struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Handle    string    `json:"handle"`
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updated_at"`
	Variants  []Variant `json:"variants,omitempty"`
}

// Variant is one purchasable option of a product.
type Variant struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Option1   string `json:"option1,omitempty"`
	Option2   string `json:"option2,omitempty"`
	Option3   string `json:"option3,omitempty"`
	Available bool   `json:"available"`
	Price     string `json:"price,omitempty"`
}

// Size returns the size string of the variant under the given site layout.
func (v Variant) Size(src SizeSource) string {
	switch src {
	case SizeFromOption2:
		return v.Option2
	case SizeFromOption3:
		return v.Option3
	case SizeFromTitle:
		before, _, _ := strings.Cut(v.Title, "/")
		return strings.TrimSpace(before)
	default:
		return v.Option1
	}
}
