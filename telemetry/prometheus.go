package telemetry

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaults
const (
	DefaultCollectionAddress = ":8080"
	defaultCollectionPath    = "/metrics"
)

type Metric interface {
	collector() prometheus.Collector
}

// Telemetry owns the prometheus registry and the http server exposing it.
type Telemetry struct {
	sync.Mutex
	registry *prometheus.Registry
	server   *http.Server
}

func NewTelemetry() *Telemetry {
	return &Telemetry{registry: prometheus.NewRegistry()}
}

// Register adds to the metrics collected.
func (m *Telemetry) Register(metrics ...Metric) error {
	for _, metric := range metrics {
		err := m.registry.Register(metric.collector())
		if err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the registry in the prometheus exposition format.
func (m *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve blocks exposing the metrics on addr until Shutdown is called.
func (m *Telemetry) Serve(addr string) error {
	if addr == "" {
		addr = DefaultCollectionAddress
	}
	mux := http.NewServeMux()
	mux.Handle(defaultCollectionPath, m.Handler())
	m.Lock()
	m.server = &http.Server{Addr: addr, Handler: mux}
	server := m.server
	m.Unlock()
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (m *Telemetry) Shutdown(ctx context.Context) error {
	m.Lock()
	server := m.server
	m.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

var telemetryInstance *Telemetry
var once sync.Once

func getTelemetry() *Telemetry {
	once.Do(func() {
		telemetryInstance = NewTelemetry()
	})
	return telemetryInstance
}

// Counter is a cumulative metric that only increases, or resets to zero on restart.
type Counter struct {
	name        string
	promCounter prometheus.Counter
}

func NewCounter(name, help string) *Counter {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: name,
		Help: help,
	})
	return &Counter{
		name:        name,
		promCounter: counter,
	}
}

// Inc adds one to a given Counter.
func (c *Counter) Inc() {
	c.promCounter.Inc()
}

func (c *Counter) collector() prometheus.Collector {
	return c.promCounter
}

// Gauge is a metric that represents a single numerical value that can go up and down,
// like the number of rounds currently in flight.
type Gauge struct {
	name      string
	promGauge prometheus.Gauge
}

func NewGauge(name, help string) *Gauge {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	})
	return &Gauge{
		name:      name,
		promGauge: gauge,
	}
}

func (g *Gauge) Inc() {
	g.promGauge.Inc()
}

func (g *Gauge) Dec() {
	g.promGauge.Dec()
}

func (g *Gauge) collector() prometheus.Collector {
	return g.promGauge
}

// Histogram samples observations, here round durations in seconds.
type Histogram struct {
	name          string
	promHistogram prometheus.Histogram
}

func NewHistogram(name, help string) *Histogram {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
	return &Histogram{
		name:          name,
		promHistogram: histogram,
	}
}

func (h *Histogram) Observe(val float64) {
	h.promHistogram.Observe(val)
}

func (h *Histogram) collector() prometheus.Collector {
	return h.promHistogram
}

// Serve starts an http server exposing the "/metrics" endpoint for the default telemetry.
func Serve(addr string) error {
	return getTelemetry().Serve(addr)
}

// Shutdown stops the default telemetry server.
func Shutdown(ctx context.Context) error {
	return getTelemetry().Shutdown(ctx)
}

// Register registers the metrics to be collected for the default telemetry.
func Register(metrics ...Metric) error {
	return getTelemetry().Register(metrics...)
}
