package checkout

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/veranemoloko/drop-runner/internal/storefront"
)

// page is a parsed checkout HTML page.
type page struct {
	url *url.URL
	doc *goquery.Document
}

func parsePage(resp *storefront.Response) (*page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &page{url: resp.URL, doc: doc}, nil
}

func (p *page) firstValue(selector string) string {
	var out string
	p.doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if v, ok := s.Attr("value"); ok && strings.TrimSpace(v) != "" {
			out = strings.TrimSpace(v)
			return false
		}
		return true
	})
	return out
}

func (p *page) firstAttr(selector, attr string) (string, bool) {
	s := p.doc.Find(selector).First()
	if s.Length() == 0 {
		return "", false
	}
	v, ok := s.Attr(attr)
	return strings.TrimSpace(v), ok
}

func (p *page) text(selector string) string {
	return strings.TrimSpace(p.doc.Find(selector).First().Text())
}

func (p *page) authenticityToken() string {
	return p.firstValue(`input[name="authenticity_token"]`)
}

// price returns the amount due in cents as the storefront renders it.
func (p *page) price() string {
	if v, ok := p.firstAttr("[data-checkout-payment-due-target]", "data-checkout-payment-due-target"); ok && v != "" {
		return v
	}
	return p.firstValue(`input[name="checkout[total_price]"]`)
}

func (p *page) captchaSiteKey() string {
	v, _ := p.firstAttr(".g-recaptcha[data-sitekey]", "data-sitekey")
	return v
}

func (p *page) shippingRate() string {
	if v := p.firstValue(`input[name="checkout[shipping_rate][id]"]`); v != "" {
		return v
	}
	v, _ := p.firstAttr("[data-shipping-method]", "data-shipping-method")
	return v
}

func (p *page) paymentGateway() string {
	if v := p.firstValue(`input[name="checkout[payment_gateway]"]`); v != "" {
		return v
	}
	v, _ := p.firstAttr("[data-select-gateway]", "data-select-gateway")
	return v
}

// poll reports whether shipping rates are still being computed, where to poll
// and how long the storefront asks to wait first (milliseconds).
func (p *page) poll() (target string, delayMS int, pending bool) {
	s := p.doc.Find("[data-poll-refresh]").First()
	if s.Length() == 0 {
		return "", 0, false
	}
	target, _ = s.Attr("data-poll-target")
	raw, _ := s.Attr("data-poll-refresh")
	delayMS, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		delayMS = 0
	}
	return strings.TrimSpace(target), delayMS, true
}

func (p *page) fieldErrors() string {
	var msgs []string
	p.doc.Find(".field__message--error").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			msgs = append(msgs, t)
		}
	})
	return strings.Join(msgs, "; ")
}

func (p *page) declineNotice() string {
	if t := p.text(".notice--error .notice__text"); t != "" {
		return t
	}
	return p.text("p.notice__text")
}

func (p *page) isProcessing() bool {
	path := p.url.Path
	if strings.Contains(path, "/processing") || strings.Contains(path, "/thank_you") {
		return true
	}
	step, _ := p.firstAttr("[data-step]", "data-step")
	return step == "processing" || step == "thank_you"
}
