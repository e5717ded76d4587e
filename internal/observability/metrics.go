package observability

import (
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/efebarandurmaz/imagesearch/internal/vector"
)

// MetricsRegistry holds all registered metrics. Series are keyed by name and
// label set, so one name may carry several labelled series.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	histos   map[string]*Histogram
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name   string
	help   string
	labels map[string]string
	value  float64
	mu     sync.Mutex
}

// Gauge is a metric that can go up or down.
type Gauge struct {
	name   string
	help   string
	labels map[string]string
	value  float64
	mu     sync.Mutex
}

// Histogram tracks distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
	mu      sync.Mutex
}

// NewMetricsRegistry creates a new metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		histos:   make(map[string]*Histogram),
	}
}

func seriesKey(name string, labels map[string]string) string {
	return name + formatLabels(labels)
}

// NewCounter creates and registers a counter. Registering the same name and
// labels twice returns the existing counter.
func (r *MetricsRegistry) NewCounter(name, help string, labels map[string]string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := seriesKey(name, labels)
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := &Counter{name: name, help: help, labels: labels}
	r.counters[key] = c
	return c
}

// NewGauge creates and registers a gauge.
func (r *MetricsRegistry) NewGauge(name, help string, labels map[string]string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := seriesKey(name, labels)
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := &Gauge{name: name, help: help, labels: labels}
	r.gauges[key] = g
	return g
}

// NewHistogram creates and registers a histogram.
func (r *MetricsRegistry) NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := seriesKey(name, labels)
	if h, ok := r.histos[key]; ok {
		return h
	}
	if buckets == nil {
		buckets = DefaultBuckets()
	}
	h := &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
	r.histos[key] = h
	return h
}

// DefaultBuckets returns latency buckets in seconds sized for model calls.
func DefaultBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.Add(1) }

// Add adds v to the counter. Negative values are ignored.
func (c *Counter) Add(v float64) {
	if v < 0 {
		return
	}
	c.mu.Lock()
	c.value += v
	c.mu.Unlock()
}

// Value returns the current count.
func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set sets the gauge to v.
func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

// Add adds v (possibly negative) to the gauge.
func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

// Inc and Dec move the gauge by one.
func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
			break
		}
	}
}

// ObserveDuration records the seconds elapsed since start.
func (h *Histogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Handler returns an HTTP handler for Prometheus metrics.
func (r *MetricsRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WritePrometheus(w)
	})
}

// WritePrometheus writes every series in Prometheus text format, sorted by
// series key. HELP and TYPE are emitted once per metric name.
func (r *MetricsRegistry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	header := func(name, help, typ string) {
		if seen[name] {
			return
		}
		seen[name] = true
		io.WriteString(w, "# HELP "+name+" "+help+"\n")
		io.WriteString(w, "# TYPE "+name+" "+typ+"\n")
	}

	for _, key := range sortedKeys(r.counters) {
		c := r.counters[key]
		c.mu.Lock()
		header(c.name, c.help, "counter")
		io.WriteString(w, c.name+formatLabels(c.labels)+" "+formatFloat(c.value)+"\n")
		c.mu.Unlock()
	}

	for _, key := range sortedKeys(r.gauges) {
		g := r.gauges[key]
		g.mu.Lock()
		header(g.name, g.help, "gauge")
		io.WriteString(w, g.name+formatLabels(g.labels)+" "+formatFloat(g.value)+"\n")
		g.mu.Unlock()
	}

	for _, key := range sortedKeys(r.histos) {
		h := r.histos[key]
		h.mu.Lock()
		header(h.name, h.help, "histogram")
		writeHistogram(w, h)
		h.mu.Unlock()
	}
}

func writeHistogram(w io.Writer, h *Histogram) {
	var cumulative uint64
	for i, bound := range h.buckets {
		cumulative += h.counts[i]
		labels := copyLabels(h.labels)
		labels["le"] = formatFloat(bound)
		io.WriteString(w, h.name+"_bucket"+formatLabels(labels)+" "+strconv.FormatUint(cumulative, 10)+"\n")
	}

	labels := copyLabels(h.labels)
	labels["le"] = "+Inf"
	io.WriteString(w, h.name+"_bucket"+formatLabels(labels)+" "+strconv.FormatUint(h.count, 10)+"\n")
	io.WriteString(w, h.name+"_sum"+formatLabels(h.labels)+" "+formatFloat(h.sum)+"\n")
	io.WriteString(w, h.name+"_count"+formatLabels(h.labels)+" "+strconv.FormatUint(h.count, 10)+"\n")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatLabels renders labels sorted by name so output is stable.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	names := sortedKeys(labels)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k + "=" + strconv.Quote(labels[k]))
	}
	b.WriteByte('}')
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	result := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		result[k] = v
	}
	return result
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// SearchMetrics is the imagesearch metric set.
type SearchMetrics struct {
	Registry *MetricsRegistry

	// Model calls
	ModelRequestsTotal   *Counter
	ModelErrorsTotal     *Counter
	ModelRequestDuration *Histogram

	// Ingest
	ImagesStoredTotal    *Counter
	ImagesNotStoredTotal *Counter
	IngestDuration       *Histogram

	// Query path
	SearchesTotal    *Counter
	SearchDuration   *Histogram
	SearchHits       *Histogram
	SearchTopScore   *Gauge
	StoreErrorsTotal map[vector.Kind]*Counter
}

// NewSearchMetrics registers the imagesearch metrics on a fresh registry.
func NewSearchMetrics() *SearchMetrics {
	r := NewMetricsRegistry()

	m := &SearchMetrics{
		Registry: r,

		ModelRequestsTotal:   r.NewCounter("imagesearch_model_requests_total", "Total caption and embedding requests", nil),
		ModelErrorsTotal:     r.NewCounter("imagesearch_model_errors_total", "Total failed caption and embedding requests", nil),
		ModelRequestDuration: r.NewHistogram("imagesearch_model_request_duration_seconds", "Caption and embedding request duration", nil, nil),

		ImagesStoredTotal:    r.NewCounter("imagesearch_images_stored_total", "Images captioned, embedded and stored", nil),
		ImagesNotStoredTotal: r.NewCounter("imagesearch_images_not_stored_total", "Images the store rejected", nil),
		IngestDuration:       r.NewHistogram("imagesearch_ingest_duration_seconds", "Per-image ingest duration", nil, nil),

		SearchesTotal:  r.NewCounter("imagesearch_searches_total", "Total text searches", nil),
		SearchDuration: r.NewHistogram("imagesearch_search_duration_seconds", "Text search duration", nil, nil),
		SearchHits:     r.NewHistogram("imagesearch_search_hits", "Hits returned per search", nil, []float64{0, 1, 5, 10, 20, 30}),
		SearchTopScore: r.NewGauge("imagesearch_search_top_score", "Best score of the latest search", nil),

		StoreErrorsTotal: make(map[vector.Kind]*Counter),
	}
	for _, k := range []vector.Kind{vector.KindEngine, vector.KindConnectionUnavailable, vector.KindSchemaMismatch, vector.KindInvalidDocument} {
		m.StoreErrorsTotal[k] = r.NewCounter("imagesearch_store_errors_total", "Store and ranker failures by kind",
			map[string]string{"kind": k.String()})
	}
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *SearchMetrics) Handler() http.Handler {
	return m.Registry.Handler()
}

// RecordModelRequest records one caption or embedding call.
func (m *SearchMetrics) RecordModelRequest(duration time.Duration, err error) {
	m.ModelRequestsTotal.Inc()
	m.ModelRequestDuration.Observe(duration.Seconds())
	if err != nil {
		m.ModelErrorsTotal.Inc()
	}
}

// RecordIngest records the outcome of one StoreImage call.
func (m *SearchMetrics) RecordIngest(duration time.Duration, stored bool) {
	m.IngestDuration.Observe(duration.Seconds())
	if stored {
		m.ImagesStoredTotal.Inc()
	} else {
		m.ImagesNotStoredTotal.Inc()
	}
}

// RecordSearch records one search and its hits.
func (m *SearchMetrics) RecordSearch(duration time.Duration, hits []vector.Hit) {
	m.SearchesTotal.Inc()
	m.SearchDuration.Observe(duration.Seconds())
	m.SearchHits.Observe(float64(len(hits)))
	if len(hits) > 0 {
		m.SearchTopScore.Set(hits[0].Score)
	}
}

// RecordStoreError counts err under its kind. Non-store errors are ignored.
func (m *SearchMetrics) RecordStoreError(err error) {
	if kind, ok := vector.KindOf(err); ok {
		m.StoreErrorsTotal[kind].Inc()
	}
}

var globalMetrics *SearchMetrics
var metricsOnce sync.Once

// Metrics returns the global metrics instance.
func Metrics() *SearchMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewSearchMetrics()
	})
	return globalMetrics
}
