// Package checkout drives a storefront checkout from cart to billing.
//
// Stages run strictly in order and each stage reads the authenticity token
// and checkout URL the previous stage discovered. A Session carries that
// scratch state so a failed run can resume at a stage boundary.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/veranemoloko/drop-runner/internal/captcha"
	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
	"github.com/veranemoloko/drop-runner/internal/metrics"
	"github.com/veranemoloko/drop-runner/internal/race"
	"github.com/veranemoloko/drop-runner/internal/storefront"
)

const maxRatePolls = 10

var checkoutPath = regexp.MustCompile(`^/(\d+)/checkouts/([0-9A-Za-z]+)`)

// Client is the part of storefront.Client the pipeline needs.
type Client interface {
	Get(ctx context.Context, op, ref string) (*storefront.Response, error)
	PostForm(ctx context.Context, op, ref string, form url.Values) (*storefront.Response, error)
	PostJSON(ctx context.Context, op, ref string, body any) (*storefront.Response, error)
	BaseURL() *url.URL
}

// Step is one pipeline stage.
type Step int

const (
	StepLogin Step = iota
	StepCart
	StepBootstrap
	StepShipping
	StepPayment
	StepBilling
	stepDone
)

func (s Step) String() string {
	switch s {
	case StepLogin:
		return "login"
	case StepCart:
		return "cart"
	case StepBootstrap:
		return "bootstrap"
	case StepShipping:
		return "shipping"
	case StepPayment:
		return "payment"
	case StepBilling:
		return "billing"
	default:
		return "done"
	}
}

// Session is the scratch state of one checkout attempt. It is bound to the
// storefront client (and so the proxy) it was started with.
type Session struct {
	Product  domain.Product
	Variants []domain.Variant
	Variant  *domain.Variant

	LoggedIn       bool
	CheckoutURL    string
	StoreID        string
	CheckoutID     string
	Token          string
	Price          string
	CaptchaSiteKey string
	CaptchaToken   string
	ShippingRate   string
	Gateway        string
	PaymentSession string

	FinalURL  string
	FinalPage []byte

	next Step
}

// NewSession starts a checkout for product, trying variants in order.
func NewSession(product domain.Product, variants []domain.Variant) *Session {
	return &Session{Product: product, Variants: variants}
}

// Next returns the stage the next Run starts at.
func (s *Session) Next() Step { return s.next }

// Config binds a pipeline to one task.
type Config struct {
	Site     domain.Site
	Account  *domain.Account
	Profile  *domain.Profile
	Quirk    SiteQuirk
	Captcha  captcha.Source
	Logger   *slog.Logger
	Progress func(step Step)
	// Aborted reports a stop request. It is checked before each stage and
	// between the requests of a stage.
	Aborted  func() bool
}

// Pipeline runs checkout stages for one task.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, logger: logger.With("site", cfg.Site.Name)}
}

// Run executes the remaining stages of s. A nil error means the storefront
// accepted the order for processing. Errors are classified; a transient
// billing failure rewinds s to the payment stage because payment sessions
// are single use.
func (p *Pipeline) Run(ctx context.Context, c Client, s *Session) error {
	if p.cfg.Profile == nil {
		return errpkg.Fatal("checkout", errpkg.ErrProfileNotFound)
	}

	for s.next < stepDone {
		step := s.next
		if step == StepLogin && (p.cfg.Account == nil || s.LoggedIn) {
			s.next++
			continue
		}
		if err := p.checkAbort(step.String()); err != nil {
			return err
		}
		if p.cfg.Progress != nil {
			p.cfg.Progress(step)
		}

		start := time.Now()
		err := p.runStep(ctx, c, s, step)
		metrics.CheckoutStageDuration.WithLabelValues(step.String()).Observe(time.Since(start).Seconds())

		if err != nil {
			if step == StepBilling && errpkg.KindOf(err) == errpkg.KindTransient {
				s.next = StepPayment
				s.PaymentSession = ""
			}
			p.logger.Debug("checkout stage failed", "stage", step.String(), "error", err)
			return err
		}
		s.next++
	}
	return nil
}

func (p *Pipeline) checkAbort(op string) error {
	if p.cfg.Aborted != nil && p.cfg.Aborted() {
		return fmt.Errorf("%s: %w", op, errpkg.ErrAborted)
	}
	return nil
}

func (p *Pipeline) runStep(ctx context.Context, c Client, s *Session, step Step) error {
	switch step {
	case StepLogin:
		return p.login(ctx, c, s)
	case StepCart:
		return p.cart(ctx, c, s)
	case StepBootstrap:
		return p.bootstrap(ctx, c, s)
	case StepShipping:
		return p.shipping(ctx, c, s)
	case StepPayment:
		return p.payment(ctx, c, s)
	case StepBilling:
		return p.billing(ctx, c, s)
	}
	return nil
}

func (p *Pipeline) login(ctx context.Context, c Client, s *Session) error {
	const op = "login"
	resp, err := c.PostForm(ctx, op, "/account/login", loginForm(p.cfg.Account))
	if err != nil {
		return err
	}
	switch path := resp.URL.Path; {
	case strings.Contains(path, "/challenge"):
		return errpkg.Transient(op, errpkg.ErrCaptchaRequired)
	case strings.HasPrefix(path, "/account/login"):
		return errpkg.Fatal(op, errors.New("storefront rejected the account credentials"))
	}
	s.LoggedIn = true
	return nil
}

func (p *Pipeline) cart(ctx context.Context, c Client, s *Session) error {
	const op = "cart"
	if len(s.Variants) == 0 {
		return errpkg.NoMatch(op, errpkg.ErrNoMatchingVariant)
	}

	var lastErr error
	soldOut := 0
	for i := range s.Variants {
		if i > 0 {
			if err := p.checkAbort(op); err != nil {
				return err
			}
		}
		v := s.Variants[i]
		_, err := c.PostForm(ctx, op, "/cart/add.js", cartForm(v, p.cfg.Quirk))
		if err == nil {
			s.Variant = &v
			p.logger.Info("added to cart", "variant_id", v.ID, "size", v.Size(p.cfg.Site.SizeSource))
			return nil
		}
		if errpkg.IsBan(err) || errpkg.IsCanceled(err) {
			return err
		}
		p.logger.Debug("variant rejected at cart", "variant_id", v.ID, "error", err)
		if errpkg.StatusOf(err) == http.StatusUnprocessableEntity {
			soldOut++
		}
		lastErr = err
	}
	if soldOut == len(s.Variants) {
		return errpkg.NoMatch(op, fmt.Errorf("every selected variant is sold out: %w", errpkg.ErrNoMatchingVariant))
	}
	return fmt.Errorf("no variant could be carted: %w", lastErr)
}

func (p *Pipeline) bootstrap(ctx context.Context, c Client, s *Session) error {
	const op = "bootstrap"
	resp, err := c.PostForm(ctx, op, "/cart", url.Values{"checkout": {""}})
	if err != nil {
		return err
	}

	m := checkoutPath.FindStringSubmatch(resp.URL.Path)
	if m == nil {
		if strings.Contains(resp.URL.Path, "/throttle") {
			return errpkg.Transient(op, errors.New("checkout queue is active"))
		}
		return errpkg.Transient(op, fmt.Errorf("no checkout at %s", resp.URL.Path))
	}

	pg, err := parsePage(resp)
	if err != nil {
		return errpkg.Transient(op, err)
	}

	checkoutURL := *resp.URL
	checkoutURL.RawQuery = ""
	checkoutURL.Fragment = ""

	s.CheckoutURL = checkoutURL.String()
	s.StoreID, s.CheckoutID = m[1], m[2]
	s.Token = pg.authenticityToken()
	s.Price = pg.price()
	s.CaptchaSiteKey = pg.captchaSiteKey()
	if s.Token == "" {
		return errpkg.Transient(op, errors.New("checkout page carries no authenticity token"))
	}
	return nil
}

func (p *Pipeline) shipping(ctx context.Context, c Client, s *Session) error {
	const op = "shipping"
	if s.CaptchaSiteKey != "" && s.CaptchaToken == "" {
		if p.cfg.Captcha == nil {
			return errpkg.Transient(op, errpkg.ErrCaptchaRequired)
		}
		token, err := p.cfg.Captcha.Token(ctx, s.CaptchaSiteKey, s.CheckoutURL)
		if err != nil {
			return errpkg.Transient(op, fmt.Errorf("captcha token: %w", err))
		}
		s.CaptchaToken = token
	}

	resp, err := c.PostForm(ctx, op, s.CheckoutURL, contactForm(s, p.cfg.Profile, p.cfg.Quirk))
	if err != nil {
		return err
	}
	pg, err := parsePage(resp)
	if err != nil {
		return errpkg.Transient(op, err)
	}
	if msg := pg.fieldErrors(); msg != "" {
		return errpkg.Fatal(op, fmt.Errorf("storefront rejected shipping address: %s", msg))
	}
	s.Token = pg.authenticityToken()

	pg, err = p.awaitRates(ctx, c, s, pg)
	if err != nil {
		return err
	}

	s.ShippingRate = pg.shippingRate()
	if s.ShippingRate == "" {
		return errpkg.Transient(op, errors.New("no shipping rate offered"))
	}
	if s.Token == "" {
		return errpkg.Transient(op, errors.New("shipping page carries no authenticity token"))
	}
	if err := p.checkAbort(op); err != nil {
		return err
	}

	resp, err = c.PostForm(ctx, op, s.CheckoutURL, shippingMethodForm(s))
	if err != nil {
		return err
	}
	pg, err = parsePage(resp)
	if err != nil {
		return errpkg.Transient(op, err)
	}

	s.Token = pg.authenticityToken()
	if price := pg.price(); price != "" {
		s.Price = price
	}
	s.Gateway = pg.paymentGateway()
	if s.Token == "" || s.Gateway == "" {
		return errpkg.Transient(op, errors.New("payment page is missing token or gateway"))
	}
	return nil
}

// awaitRates follows the storefront's deferred shipping-rate polling until
// the page stops asking to be refreshed.
func (p *Pipeline) awaitRates(ctx context.Context, c Client, s *Session, pg *page) (*page, error) {
	const op = "shipping_rates"
	for i := 0; i < maxRatePolls; i++ {
		target, delayMS, pending := pg.poll()
		if !pending {
			return pg, nil
		}
		if target == "" {
			target = s.CheckoutURL + "/shipping_rates?step=shipping_method"
		}
		if err := sleep(ctx, time.Duration(delayMS)*time.Millisecond); err != nil {
			return nil, errpkg.Transient(op, err)
		}
		if err := p.checkAbort(op); err != nil {
			return nil, err
		}

		ref, err := url.Parse(target)
		if err != nil {
			return nil, errpkg.Transient(op, fmt.Errorf("poll target: %w", err))
		}
		resp, err := c.Get(ctx, op, pg.url.ResolveReference(ref).String())
		if err != nil {
			return nil, err
		}
		if pg, err = parsePage(resp); err != nil {
			return nil, errpkg.Transient(op, err)
		}
		if token := pg.authenticityToken(); token != "" {
			s.Token = token
		}
	}
	return nil, errpkg.Transient(op, errors.New("shipping rates still pending"))
}

type sessionResponse struct {
	ID    string          `json:"id"`
	Error json.RawMessage `json:"error,omitempty"`
}

func (p *Pipeline) payment(ctx context.Context, c Client, s *Session) error {
	const op = "payment"
	endpoints := p.cfg.Quirk.SessionEndpoints
	if len(endpoints) == 0 {
		endpoints = []string{DefaultSessionEndpoint}
	}

	body := paymentBody(p.cfg.Profile.Card)
	ops := make([]race.Op[string], len(endpoints))
	for i, endpoint := range endpoints {
		ops[i] = func(ctx context.Context) (string, error) {
			return createSession(ctx, c, endpoint, body)
		}
	}

	id, err := race.First(ctx, ops...)
	if err != nil {
		errs := race.Errors(err)
		for _, e := range errs {
			if errpkg.KindOf(e) == errpkg.KindDeclined {
				return e
			}
		}
		return errpkg.Strongest(errs)
	}
	s.PaymentSession = id
	return nil
}

func createSession(ctx context.Context, c Client, endpoint string, body paymentSessionRequest) (string, error) {
	const op = "payment"
	resp, err := c.PostJSON(ctx, op, endpoint, body)
	if err != nil {
		if resp != nil && resp.Status == http.StatusUnprocessableEntity {
			if msg := sessionError(resp.Body); msg != "" {
				return "", errpkg.Declined(op, msg)
			}
		}
		return "", err
	}

	var out sessionResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", errpkg.Transient(op, fmt.Errorf("decode session: %w", err))
	}
	if out.ID == "" {
		return "", errpkg.Transient(op, errors.New("session response has no id"))
	}
	return out.ID, nil
}

// sessionError extracts the message of a rejected payment session. The
// storefront sends either {"error":"..."} or {"error":{"message":"..."}}.
func sessionError(data []byte) string {
	var out sessionResponse
	if err := json.Unmarshal(data, &out); err != nil || len(out.Error) == 0 {
		return ""
	}
	var msg string
	if err := json.Unmarshal(out.Error, &msg); err == nil {
		return strings.TrimSpace(msg)
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(out.Error, &obj); err == nil {
		return strings.TrimSpace(obj.Message)
	}
	return ""
}

func (p *Pipeline) billing(ctx context.Context, c Client, s *Session) error {
	const op = "billing"
	resp, err := c.PostForm(ctx, op, s.CheckoutURL, billingForm(s, p.cfg.Profile))
	if resp != nil {
		s.FinalURL = resp.URL.String()
		s.FinalPage = resp.Body
	}
	if err != nil {
		return err
	}

	pg, err := parsePage(resp)
	if err != nil {
		return errpkg.Transient(op, err)
	}
	switch {
	case pg.isProcessing():
		return nil
	case pg.declineNotice() != "":
		return errpkg.Declined(op, pg.declineNotice())
	default:
		return errpkg.UnknownCheckout(op, "unrecognized page at "+resp.URL.Path)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
