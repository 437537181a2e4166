// Package runner drives one task through monitoring and checkout.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veranemoloko/drop-runner/internal/captcha"
	"github.com/veranemoloko/drop-runner/internal/checkout"
	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
	"github.com/veranemoloko/drop-runner/internal/metrics"
	"github.com/veranemoloko/drop-runner/internal/monitor"
	"github.com/veranemoloko/drop-runner/internal/selector"
	"github.com/veranemoloko/drop-runner/internal/storefront"
)

const (
	eventBuffer  = 32
	defaultDelay = 3 * time.Second
)

// Client is one storefront session bound to at most one proxy.
type Client interface {
	checkout.Client
	TakeBanSignal() bool
}

// ClientFactory opens a fresh storefront session. proxy is nil in direct mode.
type ClientFactory func(site domain.Site, proxy *domain.Proxy) (Client, error)

// ProxyPool is the part of proxy.Pool a runner uses.
type ProxyPool interface {
	Size() int
	Reserve(ctx context.Context, runnerID string, wait bool) (domain.Proxy, error)
	Swap(ctx context.Context, runnerID, proxyID string, shouldBan, wait bool) (domain.Proxy, error)
	Release(runnerID, proxyID string)
}

// Matcher resolves a locator to a product.
type Matcher interface {
	Find(ctx context.Context, f monitor.Fetcher, locator domain.Locator) (domain.Product, error)
}

// ReceiptStore keeps final checkout pages for manual follow-up.
type ReceiptStore interface {
	SaveReceipt(taskID, runnerID string, page []byte) (string, error)
}

// Deps are shared by every runner.
type Deps struct {
	Pool      ProxyPool
	NewClient ClientFactory
	Matcher   Matcher
	Quirks    checkout.Quirks
	Captcha   captcha.Source
	Receipts  ReceiptStore
	Logger    *slog.Logger

	MonitorDelay time.Duration
	ErrorDelay   time.Duration
	// ProxyWait bounds a proxy reservation; zero waits until aborted.
	ProxyWait time.Duration
}

// StorefrontClients builds storefront.Client sessions.
func StorefrontClients(timeout time.Duration, rps float64, userAgent string, logger *slog.Logger) ClientFactory {
	return func(site domain.Site, proxy *domain.Proxy) (Client, error) {
		return storefront.New(storefront.Options{
			BaseURL:           site.BaseURL,
			Proxy:             proxy,
			Timeout:           timeout,
			RequestsPerSecond: rps,
			UserAgent:         userAgent,
			Logger:            logger,
		})
	}
}

// Runner owns one task while it is active. Stop is cooperative: an
// in-flight request completes and the runner aborts before the next one.
type Runner struct {
	id      string
	task    domain.Task
	profile *domain.Profile
	deps    Deps
	logger  *slog.Logger

	events    chan domain.StatusEvent
	abort     chan struct{}
	abortOnce sync.Once

	mu    sync.Mutex
	proxy *domain.Proxy
	stage domain.Stage

	// filled in as the run progresses, reported in the outcome
	product string
	variant string
	price   string
	receipt string
}

// New creates a runner for task. proxy is a reservation the caller already
// made for id, or nil to let the runner reserve one itself.
func New(id string, task domain.Task, profile *domain.Profile, deps Deps, proxy *domain.Proxy) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.MonitorDelay <= 0 {
		deps.MonitorDelay = defaultDelay
	}
	if deps.ErrorDelay <= 0 {
		deps.ErrorDelay = defaultDelay
	}
	return &Runner{
		id:      id,
		task:    task,
		profile: profile,
		deps:    deps,
		logger:  logger.With("task_id", task.ID, "runner_id", id),
		events:  make(chan domain.StatusEvent, eventBuffer),
		abort:   make(chan struct{}),
		proxy:   proxy,
		stage:   domain.StageIdle,
	}
}

// ID returns the runner id.
func (r *Runner) ID() string { return r.id }

// TaskID returns the id of the task the runner works on.
func (r *Runner) TaskID() string { return r.task.ID }

// Events delivers status events in emission order. It is closed after the
// terminal event.
func (r *Runner) Events() <-chan domain.StatusEvent { return r.events }

// Stop signals abort and returns immediately.
func (r *Runner) Stop() {
	r.abortOnce.Do(func() { close(r.abort) })
}

// Proxy returns the proxy the runner currently holds.
func (r *Runner) Proxy() *domain.Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proxy
}

// Stage returns the current state.
func (r *Runner) Stage() domain.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// Run executes the state machine until a terminal stage is reached. ctx
// bounds network calls; cancelling it is treated like Stop.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.events)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.abort:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("runner panicked", "panic", rec)
			r.finish(domain.StageErrored, fmt.Sprintf("Internal error: %v", rec))
		}
	}()

	stage, msg := r.loop(ctx, waitCtx)
	r.finish(stage, msg)
}

type machine struct {
	client  Client
	session *checkout.Session
	pipe    *checkout.Pipeline
}

const stoppedMessage = "Stopped"

func (r *Runner) loop(ctx, waitCtx context.Context) (domain.Stage, string) {
	if r.aborted(ctx) {
		return domain.StageAborted, stoppedMessage
	}
	if err := r.acquireProxy(waitCtx); err != nil {
		if r.aborted(ctx) {
			return domain.StageAborted, stoppedMessage
		}
		r.logger.Warn("proxy reservation failed", "error", err)
		return domain.StageErrored, "No proxy available"
	}

	m := &machine{pipe: r.pipeline()}
	if err := r.connect(m); err != nil {
		return domain.StageErrored, err.Error()
	}

	next := domain.StageMonitoring
	var msg string
	for {
		if r.aborted(ctx) {
			return domain.StageAborted, stoppedMessage
		}

		switch next {
		case domain.StageMonitoring:
			if m.client.TakeBanSignal() {
				next = domain.StageSwappingProxy
				continue
			}
			next, msg = r.monitor(ctx, waitCtx, m)
		case domain.StageCheckout:
			next, msg = r.checkout(ctx, waitCtx, m)
		case domain.StageSwappingProxy:
			next, msg = r.swap(waitCtx, m)
		default:
			return domain.StageErrored, fmt.Sprintf("unexpected stage %q", next)
		}

		if next.Terminal() {
			return next, msg
		}
	}
}

func (r *Runner) monitor(ctx, waitCtx context.Context, m *machine) (domain.Stage, string) {
	r.transition(domain.StageMonitoring, "Monitoring")

	product, err := r.deps.Matcher.Find(ctx, m.client, r.task.Locator)
	if err == nil {
		var variants []domain.Variant
		variants, err = selector.Select(product, r.task.Sizes, r.task.Site.SizeSource)
		if err == nil {
			r.product = product.Title
			m.session = checkout.NewSession(product, variants)
			r.transition(domain.StageMonitoring, fmt.Sprintf("Found %s (%d variants)", product.Title, len(variants)))
			return domain.StageCheckout, ""
		}
	}
	return r.backoff(ctx, waitCtx, err, domain.StageMonitoring)
}

func (r *Runner) checkout(ctx, waitCtx context.Context, m *machine) (domain.Stage, string) {
	r.transition(domain.StageCheckout, "Checking out "+m.session.Product.Title)

	err := m.pipe.Run(ctx, m.client, m.session)
	if v := m.session.Variant; v != nil {
		r.variant = v.ID
	}
	r.price = m.session.Price

	if err != nil && errpkg.IsCanceled(err) && r.aborted(ctx) {
		return domain.StageAborted, stoppedMessage
	}

	if err == nil {
		r.saveReceipt(m.session)
		return domain.StageSuccess, "Checkout successful"
	}

	switch errpkg.KindOf(err) {
	case errpkg.KindDeclined:
		return domain.StageDeclined, "Payment declined: " + errpkg.UserMessage(err)
	case errpkg.KindUnknownCheckout:
		msg := "Unknown checkout result: " + errpkg.UserMessage(err)
		if path := r.saveReceipt(m.session); path != "" {
			msg += " (receipt " + path + ")"
		}
		return domain.StageUnknownError, msg
	case errpkg.KindNoMatch:
		m.session = nil
		return r.backoff(ctx, waitCtx, err, domain.StageMonitoring)
	case errpkg.KindBan:
		m.session = nil
		return domain.StageSwappingProxy, ""
	default:
		return r.backoff(ctx, waitCtx, err, domain.StageCheckout)
	}
}

// backoff maps a non-terminal failure to the next stage, sleeping when the
// failure calls for it. resume is where a transient failure retries.
func (r *Runner) backoff(ctx, waitCtx context.Context, err error, resume domain.Stage) (domain.Stage, string) {
	switch kind := errpkg.KindOf(err); {
	case r.aborted(ctx):
		return domain.StageAborted, stoppedMessage
	case kind == errpkg.KindBan:
		return domain.StageSwappingProxy, ""
	case kind == errpkg.KindFatal:
		return domain.StageErrored, err.Error()
	case kind == errpkg.KindNoMatch:
		r.delay(waitCtx, r.task.MonitorInterval(r.deps.MonitorDelay), "Waiting for product")
		return domain.StageMonitoring, ""
	default:
		r.logger.Info("transient failure", "stage", resume, "error", err)
		d := r.task.ErrorInterval(r.deps.ErrorDelay)
		r.delay(waitCtx, d, fmt.Sprintf("Error: %s, retrying in %s", errpkg.UserMessage(err), d))
		return resume, ""
	}
}

func (r *Runner) swap(waitCtx context.Context, m *machine) (domain.Stage, string) {
	current := r.Proxy()
	if current == nil {
		// Drop the ban latched by the failure that brought us here.
		m.client.TakeBanSignal()
		d := r.task.ErrorInterval(r.deps.ErrorDelay)
		r.delay(waitCtx, d, fmt.Sprintf("Rate limited, retrying in %s", d))
		return domain.StageMonitoring, ""
	}

	r.transition(domain.StageSwappingProxy, "Rate limited, swapping proxy")

	ctx, cancel := r.proxyWaitContext(waitCtx)
	defer cancel()

	next, err := r.deps.Pool.Swap(ctx, r.id, current.ID, true, true)
	if err != nil {
		r.setProxy(nil)
		if errpkg.IsCanceled(err) && waitCtx.Err() != nil {
			return domain.StageAborted, stoppedMessage
		}
		r.logger.Warn("proxy swap failed", "error", err)
		return domain.StageErrored, "No proxy available"
	}
	r.setProxy(&next)
	m.session = nil
	if err := r.connect(m); err != nil {
		return domain.StageErrored, err.Error()
	}
	r.logger.Info("proxy swapped", "from", current.ID, "to", next.ID)
	return domain.StageMonitoring, ""
}

func (r *Runner) acquireProxy(waitCtx context.Context) error {
	if r.Proxy() != nil || r.deps.Pool == nil || r.deps.Pool.Size() == 0 {
		return nil
	}

	r.transition(domain.StageWaitingProxy, "Waiting for proxy")
	ctx, cancel := r.proxyWaitContext(waitCtx)
	defer cancel()

	p, err := r.deps.Pool.Reserve(ctx, r.id, true)
	if err != nil {
		return err
	}
	r.setProxy(&p)
	return nil
}

func (r *Runner) proxyWaitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.deps.ProxyWait > 0 {
		return context.WithTimeout(ctx, r.deps.ProxyWait)
	}
	return context.WithCancel(ctx)
}

func (r *Runner) connect(m *machine) error {
	client, err := r.deps.NewClient(r.task.Site, r.Proxy())
	if err != nil {
		return fmt.Errorf("open storefront session: %w", err)
	}
	m.client = client
	return nil
}

func (r *Runner) pipeline() *checkout.Pipeline {
	return checkout.New(checkout.Config{
		Site:    r.task.Site,
		Account: r.task.Account,
		Profile: r.profile,
		Quirk:   r.deps.Quirks.For(r.task.Site.Name),
		Captcha: r.deps.Captcha,
		Logger:  r.logger,
		Aborted: r.stopRequested,
		Progress: func(step checkout.Step) {
			r.transition(domain.StageCheckout, "Checkout: "+step.String())
		},
	})
}

func (r *Runner) saveReceipt(s *checkout.Session) string {
	if r.deps.Receipts == nil || len(s.FinalPage) == 0 {
		return ""
	}
	path, err := r.deps.Receipts.SaveReceipt(r.task.ID, r.id, s.FinalPage)
	if err != nil {
		r.logger.Error("failed to save receipt", "error", err)
		return ""
	}
	r.receipt = path
	return path
}

// delay sleeps for d unless the runner is stopped first.
func (r *Runner) delay(waitCtx context.Context, d time.Duration, msg string) {
	r.transition(domain.StageDelaying, msg)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-waitCtx.Done():
	case <-t.C:
	}
}

func (r *Runner) stopRequested() bool {
	select {
	case <-r.abort:
		return true
	default:
		return false
	}
}

func (r *Runner) aborted(ctx context.Context) bool {
	select {
	case <-r.abort:
		return true
	default:
		return ctx.Err() != nil
	}
}

func (r *Runner) setProxy(p *domain.Proxy) {
	r.mu.Lock()
	r.proxy = p
	r.mu.Unlock()
}

func (r *Runner) transition(stage domain.Stage, msg string) {
	r.mu.Lock()
	r.stage = stage
	r.mu.Unlock()

	metrics.StageTransitions.WithLabelValues(string(stage)).Inc()
	r.emit(stage, msg, nil)
}

func (r *Runner) finish(stage domain.Stage, msg string) {
	r.mu.Lock()
	if r.stage.Terminal() {
		r.mu.Unlock()
		return
	}
	r.stage = stage
	var proxyID string
	if r.proxy != nil {
		proxyID = r.proxy.ID
	}
	r.mu.Unlock()

	outcome := &domain.Outcome{
		TaskID:    r.task.ID,
		RunnerID:  r.id,
		Stage:     stage,
		Message:   msg,
		Product:   r.product,
		VariantID: r.variant,
		Price:     r.price,
		ProxyID:   proxyID,
		Receipt:   r.receipt,
		CreatedAt: time.Now().UTC(),
	}

	metrics.StageTransitions.WithLabelValues(string(stage)).Inc()
	metrics.RunnerOutcomes.WithLabelValues(string(stage)).Inc()
	r.logger.Info("runner finished", "stage", stage, "message", msg)
	r.emit(stage, msg, outcome)
}

func (r *Runner) emit(stage domain.Stage, msg string, outcome *domain.Outcome) {
	r.events <- domain.StatusEvent{
		TaskID:    r.task.ID,
		RunnerID:  r.id,
		Message:   msg,
		Stage:     stage,
		Timestamp: time.Now().UTC(),
		Outcome:   outcome,
	}
}
