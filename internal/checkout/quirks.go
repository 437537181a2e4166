package checkout

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// DefaultSessionEndpoint creates payment sessions when a site lists none.
const DefaultSessionEndpoint = "https://deposit.us.shopifycs.com/sessions"

// SiteQuirk holds the extra form fields and endpoints one storefront needs.
// The table is data: entries come from the quirks file, not from code.
type SiteQuirk struct {
	CartFields       map[string]string `json:"cart_fields,omitempty"`
	CheckoutFields   map[string]string `json:"checkout_fields,omitempty"`
	SessionEndpoints []string          `json:"session_endpoints,omitempty"`
}

// Quirks maps a site name (case-insensitive) to its quirks.
type Quirks map[string]SiteQuirk

// LoadQuirks reads the quirks table from a JSON object keyed by site name.
// A missing file yields an empty table.
func LoadQuirks(path string) (Quirks, error) {
	if path == "" {
		return Quirks{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Quirks{}, nil
		}
		return nil, fmt.Errorf("read quirks file: %w", err)
	}

	var raw map[string]SiteQuirk
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode quirks file: %w", err)
	}

	out := make(Quirks, len(raw))
	for name, q := range raw {
		out[strings.ToLower(strings.TrimSpace(name))] = q
	}
	return out, nil
}

// For returns the quirks of the named site, or the zero value.
func (q Quirks) For(site string) SiteQuirk {
	return q[strings.ToLower(strings.TrimSpace(site))]
}
