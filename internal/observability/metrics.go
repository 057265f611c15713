package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	fallbackTotal     *prometheus.CounterVec
	modelCooldown     *prometheus.GaugeVec
	profileCooldown   *prometheus.GaugeVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	turnTotal    *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec

	subagentsRunning   prometheus.Gauge
	subagentRunTotal   *prometheus.CounterVec
	consolidationTotal *prometheus.CounterVec

	activeSessions      prometheus.Gauge
	sessionSaveDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_call_total",
					Help: "Total model calls by model and status.",
				},
				[]string{"model", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_call_duration_seconds",
					Help:    "Model call duration in seconds by model.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"model"},
			),
			fallbackTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fallback_total",
					Help: "Total fallback transitions by failure reason.",
				},
				[]string{"reason"},
			),
			modelCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "model_cooldown_active",
					Help: "Model cooldown active state (1 active, 0 inactive).",
				},
				[]string{"model"},
			),
			profileCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "profile_cooldown_active",
					Help: "Credential profile cooldown active state (1 active, 0 inactive).",
				},
				[]string{"profile"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_turn_total",
					Help: "Total agent turns by channel and status.",
				},
				[]string{"channel", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_turn_duration_seconds",
					Help:    "Agent turn duration in seconds by channel.",
					Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
				[]string{"channel"},
			),
			subagentsRunning: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "subagents_running",
					Help: "Currently running background subagent tasks.",
				},
			),
			subagentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "subagent_run_total",
					Help: "Total subagent runs by status.",
				},
				[]string{"status"},
			),
			consolidationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_consolidation_total",
					Help: "Total memory consolidation runs by status.",
				},
				[]string{"status"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current cached session count.",
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Session save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.modelCallTotal,
			m.modelCallDuration,
			m.fallbackTotal,
			m.modelCooldown,
			m.profileCooldown,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.turnTotal,
			m.turnDuration,
			m.subagentsRunning,
			m.subagentRunTotal,
			m.consolidationTotal,
			m.activeSessions,
			m.sessionSaveDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordModelCall(model string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallTotal.WithLabelValues(model, status).Inc()
	m.modelCallDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func RecordFallback(reason string) {
	m := getMetrics()
	m.fallbackTotal.WithLabelValues(reason).Inc()
}

func SetModelCooldown(model string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.modelCooldown.WithLabelValues(model).Set(value)
}

func SetProfileCooldown(profile string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.profileCooldown.WithLabelValues(profile).Set(value)
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordTurn(channel string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.turnTotal.WithLabelValues(channel, status).Inc()
	m.turnDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func SetSubagentsRunning(count int) {
	m := getMetrics()
	m.subagentsRunning.Set(float64(count))
}

func RecordSubagentRun(status string) {
	m := getMetrics()
	m.subagentRunTotal.WithLabelValues(status).Inc()
}

func RecordConsolidation(success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.consolidationTotal.WithLabelValues(status).Inc()
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func RecordSessionSave(duration time.Duration) {
	m := getMetrics()
	m.sessionSaveDuration.Observe(duration.Seconds())
}
