// Package telemetry keeps in-process HTTP and stock-ledger metrics and
// serves them in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// durationBuckets are request latency bucket boundaries in seconds.
var durationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// labelKey joins label values; "|" never appears in routes, clinics or
// adjustment types.
func labelKey(values ...string) string {
	return strings.Join(values, "|")
}

func splitKey(key string, n int) []string {
	parts := strings.SplitN(key, "|", n)
	if len(parts) != n {
		return nil
	}
	return parts
}

// PoolSample is a point-in-time view of the database pool.
type PoolSample struct {
	Acquired int64
	Idle     int64
	Total    int64
}

// Provider holds every metric. The zero value is not usable; call
// NewProvider.
type Provider struct {
	mu        sync.RWMutex
	durations map[string]*histogram // method|route|status
	postings  map[string]int64      // clinic|type
	units     map[string]int64      // clinic|type, signed

	active int64
	pool   func() PoolSample
}

func NewProvider() *Provider {
	return &Provider{
		durations: make(map[string]*histogram),
		postings:  make(map[string]int64),
		units:     make(map[string]int64),
	}
}

// SetPoolSampler registers the source of database pool gauges, read at
// scrape time.
func (p *Provider) SetPoolSampler(fn func() PoolSample) {
	p.mu.Lock()
	p.pool = fn
	p.mu.Unlock()
}

// LedgerPosted counts one committed ledger entry and its signed unit delta.
func (p *Provider) LedgerPosted(clinic, adjustmentType string, delta int) {
	key := labelKey(clinic, adjustmentType)
	p.mu.Lock()
	p.postings[key]++
	p.units[key] += int64(delta)
	p.mu.Unlock()
}

// Postings returns the number of ledger entries counted for clinic and type.
func (p *Provider) Postings(clinic, adjustmentType string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.postings[labelKey(clinic, adjustmentType)]
}

// RequestCount returns how many requests matched method, route and status.
func (p *Provider) RequestCount(method, route string, status int) int64 {
	p.mu.RLock()
	h := p.durations[labelKey(method, route, strconv.Itoa(status))]
	p.mu.RUnlock()
	if h == nil {
		return 0
	}
	return h.Count()
}

func (p *Provider) durationFor(key string) *histogram {
	p.mu.RLock()
	h, ok := p.durations[key]
	p.mu.RUnlock()
	if ok {
		return h
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok = p.durations[key]; !ok {
		h = newHistogram(durationBuckets)
		p.durations[key] = h
	}
	return h
}

// Middleware records request latency by route pattern and the number of
// requests in flight.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.active, 1)
			defer atomic.AddInt64(&p.active, -1)

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			key := labelKey(c.Request().Method, route, strconv.Itoa(status))
			p.durationFor(key).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves all metrics in Prometheus text format.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		p.mu.RLock()
		durations := make(map[string]*histogram, len(p.durations))
		for k, h := range p.durations {
			durations[k] = h
		}
		postings := copyCounts(p.postings)
		units := copyCounts(p.units)
		sampler := p.pool
		p.mu.RUnlock()

		b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
		for _, key := range sortedKeys(durations) {
			parts := splitKey(key, 3)
			if parts == nil {
				continue
			}
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, "http_server_request_duration_seconds", labels, durations[key])
		}
		b.WriteByte('\n')

		writeGauge(&b, "http_server_active_requests", "Number of HTTP requests in flight.", atomic.LoadInt64(&p.active))

		writeLedgerCounter(&b, "inventory_ledger_postings_total", "Committed stock ledger entries.", postings)
		writeLedgerCounter(&b, "inventory_ledger_units_total", "Signed stock units moved by committed ledger entries.", units)

		if sampler != nil {
			s := sampler()
			writeGauge(&b, "db_pool_acquired_connections", "Database pool connections in use.", s.Acquired)
			writeGauge(&b, "db_pool_idle_connections", "Idle database pool connections.", s.Idle)
			writeGauge(&b, "db_pool_total_connections", "Open database pool connections.", s.Total)
		}

		return c.String(http.StatusOK, b.String())
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeGauge(b *strings.Builder, name, help string, v int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %d\n\n", name, v)
}

func writeLedgerCounter(b *strings.Builder, name, help string, counts map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, key := range sortedKeys(counts) {
		parts := splitKey(key, 2)
		if parts == nil {
			continue
		}
		fmt.Fprintf(b, "%s{clinic=%q,type=%q} %d\n", name, parts[0], parts[1], counts[key])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
