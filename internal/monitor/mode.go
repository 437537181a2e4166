package monitor

import (
	"strings"

	"github.com/veranemoloko/drop-runner/internal/domain"
)

// Mode is how a task's locator is resolved to a product.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeVariant
	ModeURL
	ModeKeywords
)

func (m Mode) String() string {
	switch m {
	case ModeVariant:
		return "variant"
	case ModeURL:
		return "url"
	case ModeKeywords:
		return "keywords"
	default:
		return "unknown"
	}
}

// ModeOf picks the parse mode from the locator shape. An explicit variant id
// wins over a URL, a URL wins over keywords.
func ModeOf(l domain.Locator) Mode {
	switch {
	case strings.TrimSpace(l.VariantID) != "":
		return ModeVariant
	case strings.TrimSpace(l.URL) != "":
		return ModeURL
	case len(normalizeKeywords(l.Positive)) > 0:
		return ModeKeywords
	default:
		return ModeUnknown
	}
}
