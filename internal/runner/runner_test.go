package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/drop-runner/internal/checkout"
	"github.com/veranemoloko/drop-runner/internal/domain"
	"github.com/veranemoloko/drop-runner/internal/monitor"
	"github.com/veranemoloko/drop-runner/internal/proxy"
	"github.com/veranemoloko/drop-runner/internal/storefront"
)

const catalogJSON = `{"products":[
 {"id":1,"title":"Air Max 90 White","handle":"air-max-90-white","updated_at":"2024-03-01T10:00:00Z",
  "variants":[{"id":11,"title":"9","option1":"9","available":true}]},
 {"id":2,"title":"Running Shoe","handle":"running-shoe","updated_at":"2024-03-02T10:00:00Z",
  "variants":[{"id":21,"title":"9","option1":"9","available":true},{"id":123,"title":"10","option1":"10","available":true}]}
]}`

const sitemapXML = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://shop.test/products/canvas-tote</loc><lastmod>2024-03-04T10:00:00Z</lastmod></url>
</urlset>`

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProfile() *domain.Profile {
	return &domain.Profile{
		ID:    "p1",
		Email: "ada@example.com",
		Shipping: domain.Address{
			FirstName: "Ada", LastName: "Lovelace", Address1: "1 Main St",
			City: "Austin", Country: "United States", Zip: "73301",
		},
		BillingMatchesShipping: true,
		Card:                   domain.Card{Number: "4242424242424242", Name: "Ada Lovelace", Month: 1, Year: 2030, CVV: "123"},
	}
}

// recordingClients opens direct sessions and remembers which proxy each
// session was meant to use.
type recordingClients struct {
	mu      sync.Mutex
	proxies []string
}

func (c *recordingClients) factory(site domain.Site, p *domain.Proxy) (Client, error) {
	c.mu.Lock()
	id := ""
	if p != nil {
		id = p.ID
	}
	c.proxies = append(c.proxies, id)
	c.mu.Unlock()
	return storefront.New(storefront.Options{BaseURL: site.BaseURL, Logger: newTestLogger()})
}

func (c *recordingClients) used() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.proxies...)
}

func newPool(t *testing.T, n int) (*proxy.Pool, []domain.Proxy) {
	t.Helper()
	pool := proxy.NewPool(newTestLogger(), proxy.WithPollInterval(10*time.Millisecond))
	out := make([]domain.Proxy, n)
	for i := range out {
		p, err := domain.NewProxy(fmt.Sprintf("10.1.0.%d:3128", i+1))
		require.NoError(t, err)
		pool.Register(p)
		out[i] = p
	}
	return pool, out
}

func newTask(baseURL string, locator domain.Locator) domain.Task {
	return domain.Task{
		ID:           "t1",
		Locator:      locator,
		Site:         domain.Site{Name: "test", BaseURL: baseURL},
		Sizes:        []string{"10"},
		ProfileID:    "p1",
		MonitorDelay: 20,
		ErrorDelay:   20,
	}
}

// next returns the next event or fails after timeout.
func next(t *testing.T, r *Runner) (domain.StatusEvent, bool) {
	t.Helper()
	select {
	case ev, ok := <-r.Events():
		return ev, ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for runner event")
		return domain.StatusEvent{}, false
	}
}

func drain(t *testing.T, r *Runner) []domain.StatusEvent {
	t.Helper()
	var out []domain.StatusEvent
	for {
		ev, ok := next(t, r)
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestRunner_StopWhileDelayingIssuesNoFurtherRequest(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = io.WriteString(w, catalogJSON)
	}))
	defer server.Close()

	pool, _ := newPool(t, 0)
	clients := &recordingClients{}
	task := newTask(server.URL, domain.Locator{VariantID: "999"})
	task.MonitorDelay = 60_000

	r := New("r1", task, testProfile(), Deps{
		Pool:      pool,
		NewClient: clients.factory,
		Matcher:   monitor.NewMatcher(newTestLogger()),
		Logger:    newTestLogger(),
	}, nil)
	go r.Run(context.Background())

	for {
		ev, ok := next(t, r)
		require.True(t, ok)
		if ev.Stage == domain.StageDelaying {
			break
		}
	}
	before := requests.Load()

	r.Stop()
	events := drain(t, r)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, domain.StageAborted, last.Stage)
	require.NotNil(t, last.Outcome)
	assert.Equal(t, domain.StageAborted, last.Outcome.Stage)
	assert.Equal(t, before, requests.Load())
	assert.Equal(t, []string{""}, clients.used(), "empty pool runs without a proxy")
}

func TestRunner_BanFromLosingFeedSwapsBeforeNextMonitorCycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/all.atom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("/sitemap_products_1.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, sitemapXML)
	})
	mux.HandleFunc("/products.json", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
		_, _ = io.WriteString(w, catalogJSON)
	})
	var carted atomic.Value
	mux.HandleFunc("/cart/add.js", func(w http.ResponseWriter, r *http.Request) {
		carted.Store(r.FormValue("id"))
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	pool, proxies := newPool(t, 2)
	clients := &recordingClients{}
	task := newTask(server.URL, domain.Locator{Positive: []string{"shoe"}})

	r := New("r1", task, testProfile(), Deps{
		Pool:      pool,
		NewClient: clients.factory,
		Matcher:   monitor.NewMatcher(newTestLogger()),
		Logger:    newTestLogger(),
	}, nil)
	go r.Run(context.Background())

	var stages []domain.Stage
	for {
		ev, ok := next(t, r)
		require.True(t, ok)
		stages = append(stages, ev.Stage)
		if ev.Stage == domain.StageSwappingProxy {
			break
		}
	}
	r.Stop()
	events := drain(t, r)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.StageAborted, events[len(events)-1].Stage)

	checkoutAt := indexOf(stages, domain.StageCheckout)
	require.GreaterOrEqual(t, checkoutAt, 0, "the match from a healthy feed goes to checkout")
	assert.NotContains(t, stages[:checkoutAt], domain.StageDelaying, "checkout follows the first monitor cycle")
	assert.Equal(t, 1, count(stages, domain.StageSwappingProxy))
	assert.Equal(t, domain.StageSwappingProxy, stages[len(stages)-1])
	assert.Equal(t, domain.StageDelaying, stages[len(stages)-2], "swap happens right after the backoff, before monitoring again")

	assert.Equal(t, "123", carted.Load())

	used := clients.used()
	require.GreaterOrEqual(t, len(used), 2)
	assert.Equal(t, proxies[0].ID, used[0])
	assert.Equal(t, proxies[1].ID, used[1])
	assert.Equal(t, domain.ProxyBanned, pool.List()[0].State)
}

func TestRunner_InvalidLocatorErrors(t *testing.T) {
	pool, _ := newPool(t, 0)
	clients := &recordingClients{}
	r := New("r1", newTask("http://shop.test", domain.Locator{}), testProfile(), Deps{
		Pool:      pool,
		NewClient: clients.factory,
		Matcher:   monitor.NewMatcher(newTestLogger()),
		Logger:    newTestLogger(),
	}, nil)
	go r.Run(context.Background())

	events := drain(t, r)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, domain.StageErrored, last.Stage)
	assert.Contains(t, last.Message, "no usable product locator")
}

func TestRunner_ProxyWaitTimeout(t *testing.T) {
	pool, _ := newPool(t, 1)
	_, err := pool.Reserve(context.Background(), "other", false)
	require.NoError(t, err)

	r := New("r1", newTask("http://shop.test", domain.Locator{VariantID: "1"}), testProfile(), Deps{
		Pool:      pool,
		NewClient: (&recordingClients{}).factory,
		Matcher:   monitor.NewMatcher(newTestLogger()),
		Logger:    newTestLogger(),
		ProxyWait: 30 * time.Millisecond,
	}, nil)
	go r.Run(context.Background())

	events := drain(t, r)
	require.Len(t, events, 2)
	assert.Equal(t, domain.StageWaitingProxy, events[0].Stage)
	assert.Equal(t, domain.StageErrored, events[1].Stage)
	assert.Equal(t, "No proxy available", events[1].Message)
}

func TestRunner_StopBeforeRun(t *testing.T) {
	pool, _ := newPool(t, 0)
	r := New("r1", newTask("http://shop.test", domain.Locator{VariantID: "1"}), testProfile(), Deps{
		Pool:      pool,
		NewClient: (&recordingClients{}).factory,
		Matcher:   monitor.NewMatcher(newTestLogger()),
	}, nil)
	r.Stop()
	r.Stop()
	go r.Run(context.Background())

	events := drain(t, r)
	require.Len(t, events, 1)
	assert.Equal(t, domain.StageAborted, events[0].Stage)
}

const checkoutRoot = "/100/checkouts/abc123"

// shop is a storefront that completes checkout unless a test overrides a
// step. Every request is recorded as "METHOD /path".
type shop struct {
	mu       sync.Mutex
	requests []string
	sessions int

	catalogBans   int
	bootstrapFail []int
	cartHook      func()
	billingReply  func(w http.ResponseWriter, r *http.Request)
}

func writePage(w http.ResponseWriter, html string) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = io.WriteString(w, "<html><body>"+html+"</body></html>")
}

func (s *shop) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /products.json", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		ban := s.catalogBans > 0
		if ban {
			s.catalogBans--
		}
		s.mu.Unlock()
		if ban {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, catalogJSON)
	})
	mux.HandleFunc("POST /cart/add.js", func(w http.ResponseWriter, r *http.Request) {
		if s.cartHook != nil {
			s.cartHook()
		}
		_, _ = io.WriteString(w, `{"id":`+r.FormValue("id")+`}`)
	})
	mux.HandleFunc("POST /cart", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		var status int
		if len(s.bootstrapFail) > 0 {
			status, s.bootstrapFail = s.bootstrapFail[0], s.bootstrapFail[1:]
		}
		s.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		http.Redirect(w, r, checkoutRoot+"?previous_step=cart", http.StatusFound)
	})
	mux.HandleFunc("GET "+checkoutRoot, func(w http.ResponseWriter, r *http.Request) {
		writePage(w, `<input name="authenticity_token" value="tok1"><span data-checkout-payment-due-target="12000"></span>`)
	})
	mux.HandleFunc("POST "+checkoutRoot, func(w http.ResponseWriter, r *http.Request) {
		switch r.FormValue("previous_step") {
		case "contact_information":
			writePage(w, `<input name="authenticity_token" value="tok2">
<input type="radio" name="checkout[shipping_rate][id]" value="shopify-Standard-5.00">`)
		case "shipping_method":
			writePage(w, `<input name="authenticity_token" value="tok3">
<span data-checkout-payment-due-target="13000"></span>
<input name="checkout[payment_gateway]" value="gw-1">`)
		case "payment_method":
			if s.billingReply != nil {
				s.billingReply(w, r)
				return
			}
			http.Redirect(w, r, checkoutRoot+"/processing", http.StatusFound)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("GET "+checkoutRoot+"/processing", func(w http.ResponseWriter, r *http.Request) {
		writePage(w, `<h2>Processing order</h2>`)
	})
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.sessions++
		n := s.sessions
		s.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"id":"sess-%d"}`, n)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	})
}

func (s *shop) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *shop) hits(req string) int {
	n := 0
	for _, r := range s.seen() {
		if r == req {
			n++
		}
	}
	return n
}

type memReceipts struct {
	mu    sync.Mutex
	pages map[string][]byte
}

func (m *memReceipts) SaveReceipt(taskID, runnerID string, page []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pages == nil {
		m.pages = make(map[string][]byte)
	}
	path := fmt.Sprintf("receipts/%s-%s.html", taskID, runnerID)
	m.pages[path] = page
	return path, nil
}

func (m *memReceipts) page(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.pages[path])
}

func shopDeps(serverURL string, pool ProxyPool, receipts ReceiptStore) Deps {
	return Deps{
		Pool:      pool,
		NewClient: (&recordingClients{}).factory,
		Matcher:   monitor.NewMatcher(newTestLogger()),
		Quirks:    checkout.Quirks{"test": {SessionEndpoints: []string{serverURL + "/sessions"}}},
		Receipts:  receipts,
		Logger:    newTestLogger(),
	}
}

// collapse drops consecutive repeats, leaving the order of states visited.
func collapse(events []domain.StatusEvent) []domain.Stage {
	var out []domain.Stage
	for _, ev := range events {
		if len(out) > 0 && out[len(out)-1] == ev.Stage {
			continue
		}
		out = append(out, ev.Stage)
	}
	return out
}

func TestRunner_Checkout(t *testing.T) {
	const receiptPath = "receipts/t1-r1.html"

	tests := []struct {
		name     string
		shop     *shop
		proxies  int
		stages   []domain.Stage
		message  func(t *testing.T, msg string)
		receipt  string
		cartHits int
		banned   bool
	}{
		{
			name:    "success",
			shop:    &shop{},
			stages:  []domain.Stage{domain.StageMonitoring, domain.StageCheckout, domain.StageSuccess},
			message: func(t *testing.T, msg string) { assert.Equal(t, "Checkout successful", msg) },
			receipt: receiptPath, cartHits: 1,
		},
		{
			name: "declined",
			shop: &shop{billingReply: func(w http.ResponseWriter, r *http.Request) {
				writePage(w, `<div class="notice notice--error"><p class="notice__text">Your card was declined.</p></div>`)
			}},
			stages: []domain.Stage{domain.StageMonitoring, domain.StageCheckout, domain.StageDeclined},
			message: func(t *testing.T, msg string) {
				assert.Equal(t, "Payment declined: Your card was declined.", msg)
			},
			cartHits: 1,
		},
		{
			name: "unknown page keeps a receipt",
			shop: &shop{billingReply: func(w http.ResponseWriter, r *http.Request) {
				writePage(w, `<h1>Something else</h1>`)
			}},
			stages: []domain.Stage{domain.StageMonitoring, domain.StageCheckout, domain.StageUnknownError},
			message: func(t *testing.T, msg string) {
				assert.True(t, strings.HasPrefix(msg, "Unknown checkout result: "), msg)
				assert.Contains(t, msg, "(receipt "+receiptPath+")")
			},
			receipt: receiptPath, cartHits: 1,
		},
		{
			name: "transient error retries from checkout",
			shop: &shop{bootstrapFail: []int{http.StatusInternalServerError}},
			stages: []domain.Stage{
				domain.StageMonitoring, domain.StageCheckout, domain.StageDelaying,
				domain.StageCheckout, domain.StageSuccess,
			},
			message: func(t *testing.T, msg string) { assert.Equal(t, "Checkout successful", msg) },
			receipt: receiptPath, cartHits: 1,
		},
		{
			name:    "ban during checkout swaps and starts over",
			shop:    &shop{bootstrapFail: []int{http.StatusTooManyRequests}},
			proxies: 2,
			stages: []domain.Stage{
				domain.StageWaitingProxy, domain.StageMonitoring, domain.StageCheckout,
				domain.StageSwappingProxy, domain.StageMonitoring, domain.StageCheckout, domain.StageSuccess,
			},
			message: func(t *testing.T, msg string) { assert.Equal(t, "Checkout successful", msg) },
			receipt: receiptPath, cartHits: 2, banned: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.shop.handler())
			defer server.Close()

			pool, proxies := newPool(t, tt.proxies)
			receipts := &memReceipts{}
			r := New("r1", newTask(server.URL, domain.Locator{VariantID: "123"}), testProfile(),
				shopDeps(server.URL, pool, receipts), nil)
			go r.Run(context.Background())

			events := drain(t, r)
			require.NotEmpty(t, events)
			assert.Equal(t, tt.stages, collapse(events))

			last := events[len(events)-1]
			require.NotNil(t, last.Outcome)
			out := last.Outcome
			assert.Equal(t, tt.stages[len(tt.stages)-1], out.Stage)
			tt.message(t, out.Message)
			assert.Equal(t, last.Message, out.Message)
			assert.Equal(t, "Running Shoe", out.Product)
			assert.Equal(t, "123", out.VariantID)
			assert.Equal(t, "13000", out.Price)
			assert.Equal(t, tt.receipt, out.Receipt)
			if tt.receipt != "" {
				assert.NotEmpty(t, receipts.page(tt.receipt))
			}
			assert.Equal(t, tt.cartHits, tt.shop.hits("POST /cart/add.js"))

			if tt.banned {
				assert.Equal(t, proxies[1].ID, out.ProxyID)
				assert.Equal(t, domain.ProxyBanned, pool.List()[0].State)
			}
		})
	}
}

func TestRunner_StopDuringCartIssuesNoFurtherRequest(t *testing.T) {
	var r *Runner
	s := &shop{cartHook: func() { r.Stop() }}
	server := httptest.NewServer(s.handler())
	defer server.Close()

	pool, _ := newPool(t, 0)
	r = New("r1", newTask(server.URL, domain.Locator{VariantID: "123"}), testProfile(),
		shopDeps(server.URL, pool, &memReceipts{}), nil)
	go r.Run(context.Background())

	events := drain(t, r)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, domain.StageAborted, last.Stage)
	require.NotNil(t, last.Outcome)
	assert.Equal(t, "123", last.Outcome.VariantID, "the in-flight cart request completes")

	seen := s.seen()
	require.NotEmpty(t, seen)
	assert.Equal(t, "POST /cart/add.js", seen[len(seen)-1], "nothing is sent after the stop")
	assert.Equal(t, 1, s.hits("POST /cart/add.js"))
	assert.NotContains(t, collapse(events), domain.StageDelaying)
}

func TestRunner_DirectModeBanBacksOffOnce(t *testing.T) {
	s := &shop{catalogBans: 1}
	server := httptest.NewServer(s.handler())
	defer server.Close()

	pool, _ := newPool(t, 0)
	r := New("r1", newTask(server.URL, domain.Locator{VariantID: "123"}), testProfile(),
		shopDeps(server.URL, pool, nil), nil)
	go r.Run(context.Background())

	events := drain(t, r)
	assert.Equal(t, []domain.Stage{
		domain.StageMonitoring, domain.StageDelaying, domain.StageMonitoring,
		domain.StageCheckout, domain.StageSuccess,
	}, collapse(events))
	assert.Equal(t, 2, s.hits("GET /products.json"))
	assert.Empty(t, events[len(events)-1].Outcome.ProxyID)
}

func indexOf(stages []domain.Stage, s domain.Stage) int {
	for i, st := range stages {
		if st == s {
			return i
		}
	}
	return -1
}

func count(stages []domain.Stage, s domain.Stage) int {
	n := 0
	for _, st := range stages {
		if st == s {
			n++
		}
	}
	return n
}
