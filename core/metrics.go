package core

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// MetricsSnapshot is the external shape returned by snapshot_metrics.
type MetricsSnapshot struct {
	TotalSpawned        uint64    `json:"total_spawned"`
	ActiveAgents        uint64    `json:"active_agents"`
	AvgSpawnMS          float64   `json:"avg_spawn_ms"`
	AvgInferenceMS      float64   `json:"avg_inference_ms"`
	MemoryUsageBytes    uint64    `json:"memory_usage"`
	ActiveLearningTasks int64     `json:"active_learning_tasks"`
	HealthScore         float64   `json:"health_score"`
	Timestamp           time.Time `json:"timestamp"`
}

// HealthSnapshot is the external shape returned by snapshot_health,
// combining agent-manager, topology, and consensus health contributions.
type HealthSnapshot struct {
	HealthScore    float64 `json:"health_score"`
	MeshDensity    float64 `json:"mesh_density"`
	NetworkHealth  float64 `json:"network_health"`
	PartitionCount int     `json:"partition_count"`
	ConsensusHeight uint64 `json:"consensus_height"`
}

// HealthLogger exposes Agent Manager and mesh-wide metrics over a
// Prometheus registry and a chi-routed HTTP surface, grounded on the
// teacher's system-health-logging component: one registry, one set of
// gauges updated on a ticker, one /metrics endpoint.
type HealthLogger struct {
	registry *prometheus.Registry
	log      *logrus.Entry

	activeAgentsGauge   prometheus.Gauge
	avgInferenceGauge   prometheus.Gauge
	memoryUsageGauge    prometheus.Gauge
	healthScoreGauge    prometheus.Gauge
	meshDensityGauge    prometheus.Gauge
	goroutinesGauge     prometheus.Gauge

	source func() MetricsSnapshot
	healthSource func() HealthSnapshot
}

// NewHealthLogger constructs a HealthLogger backed by snapshot/health
// providers supplied by the Coordinator.
func NewHealthLogger(snapshot func() MetricsSnapshot, health func() HealthSnapshot) *HealthLogger {
	reg := prometheus.NewRegistry()
	h := &HealthLogger{
		registry:     reg,
		log:          logrus.WithField("component", "metrics"),
		source:       snapshot,
		healthSource: health,
	}
	h.activeAgentsGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mesh_agents_active", Help: "Number of currently active agents"})
	h.avgInferenceGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mesh_inference_ms_avg", Help: "Running mean inference latency in milliseconds"})
	h.memoryUsageGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mesh_memory_usage_bytes", Help: "Total memory in use across all agents"})
	h.healthScoreGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mesh_health_score", Help: "Composite health score in [0,100]"})
	h.meshDensityGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mesh_density", Help: "Ratio of active connections to the maximum possible"})
	h.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mesh_goroutines", Help: "Number of running goroutines"})
	reg.MustRegister(h.activeAgentsGauge, h.avgInferenceGauge, h.memoryUsageGauge, h.healthScoreGauge, h.meshDensityGauge, h.goroutinesGauge)
	return h
}

// Record pulls one snapshot from each source and updates the gauges.
func (h *HealthLogger) Record() {
	m := h.source()
	h.activeAgentsGauge.Set(float64(m.ActiveAgents))
	h.avgInferenceGauge.Set(m.AvgInferenceMS)
	h.memoryUsageGauge.Set(float64(m.MemoryUsageBytes))
	h.healthScoreGauge.Set(m.HealthScore)
	h.goroutinesGauge.Set(float64(runtime.NumGoroutine()))
	if h.healthSource != nil {
		hs := h.healthSource()
		h.meshDensityGauge.Set(hs.MeshDensity)
	}
}

// Run records metrics on interval until ctx is canceled.
func (h *HealthLogger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Record()
		case <-ctx.Done():
			return
		}
	}
}

// Router builds the /metrics and /healthz chi surface, mirroring the
// teacher's explorer-server chi usage.
func (h *HealthLogger) Router() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		hs := HealthSnapshot{}
		if h.healthSource != nil {
			hs = h.healthSource()
		}
		w.Header().Set("Content-Type", "application/json")
		if hs.HealthScore < 50 {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_, _ = w.Write([]byte(`{"health_score":` + strconv.FormatFloat(hs.HealthScore, 'f', 2, 64) + `}`))
	})
	return r
}
