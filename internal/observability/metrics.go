package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentErrorsTotal *prometheus.CounterVec
	providerCooldown *prometheus.GaugeVec

	kernelExecutionTotal    *prometheus.CounterVec
	kernelExecutionDuration *prometheus.HistogramVec

	hmiRequestTotal    *prometheus.CounterVec
	hmiRequestDuration *prometheus.HistogramVec

	templateRenderTotal    *prometheus.CounterVec
	templateRenderDuration *prometheus.HistogramVec

	activeContexts  *prometheus.GaugeVec
	gatewayClients  prometheus.Gauge
	fewshotExamples prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "askem_tool_execution_total",
					Help: "Total agent tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "askem_tool_execution_duration_seconds",
					Help:    "Agent tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "askem_tool_errors_total",
					Help: "Total agent tool errors by tool.",
				},
				[]string{"tool"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "askem_agent_run_total",
					Help: "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "askem_agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			agentErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "askem_agent_errors_total",
					Help: "Total agent errors by provider.",
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "askem_provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			kernelExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "askem_kernel_execution_total",
					Help: "Total kernel code executions by kernel and status (ok, error, timeout, closed).",
				},
				[]string{"kernel", "status"},
			),
			kernelExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "askem_kernel_execution_duration_seconds",
					Help:    "Kernel code execution duration in seconds by kernel.",
					Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
				},
				[]string{"kernel"},
			),
			hmiRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "askem_hmi_request_total",
					Help: "Total HMI requests by method, endpoint and status class.",
				},
				[]string{"method", "endpoint", "status"},
			),
			hmiRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "askem_hmi_request_duration_seconds",
					Help:    "HMI request duration in seconds by method and endpoint.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "endpoint"},
			),
			templateRenderTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "askem_template_render_total",
					Help: "Total procedure template renders by toolset, template and status.",
				},
				[]string{"toolset", "template", "status"},
			),
			templateRenderDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "askem_template_render_duration_seconds",
					Help:    "Procedure template render duration in seconds by toolset.",
					Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
				},
				[]string{"toolset"},
			),
			activeContexts: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "askem_active_contexts",
					Help: "Notebook contexts currently set up, by context slug.",
				},
				[]string{"context"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "askem_gateway_clients",
					Help: "Currently connected gateway websocket clients.",
				},
			),
			fewshotExamples: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "askem_fewshot_examples_total",
					Help: "Stored few-shot request/code examples.",
				},
			),
		}

		prometheus.MustRegister(
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentErrorsTotal,
			m.providerCooldown,
			m.kernelExecutionTotal,
			m.kernelExecutionDuration,
			m.hmiRequestTotal,
			m.hmiRequestDuration,
			m.templateRenderTotal,
			m.templateRenderDuration,
			m.activeContexts,
			m.gatewayClients,
			m.fewshotExamples,
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

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if !success {
		m.agentErrorsTotal.WithLabelValues(provider).Inc()
	}
}

func SetProviderCooldown(provider string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.providerCooldown.WithLabelValues(provider).Set(value)
}

// RecordKernelExecution records one code execution. status is one of ok,
// error, timeout or closed.
func RecordKernelExecution(kernel, status string, duration time.Duration) {
	m := getMetrics()
	m.kernelExecutionTotal.WithLabelValues(kernel, status).Inc()
	m.kernelExecutionDuration.WithLabelValues(kernel).Observe(duration.Seconds())
}

// RecordHMIRequest records one HMI call. A zero statusCode means the request
// never got a response.
func RecordHMIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m := getMetrics()
	m.hmiRequestTotal.WithLabelValues(method, endpoint, statusClass(statusCode)).Inc()
	m.hmiRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func statusClass(code int) string {
	if code <= 0 {
		return "transport_error"
	}
	return strconv.Itoa(code/100) + "xx"
}

func RecordTemplateRender(toolset, template string, duration time.Duration, success bool) {
	m := getMetrics()
	m.templateRenderTotal.WithLabelValues(toolset, template, statusLabel(success)).Inc()
	m.templateRenderDuration.WithLabelValues(toolset).Observe(duration.Seconds())
}

func SetContextActive(slug string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.activeContexts.WithLabelValues(slug).Set(value)
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}

func SetFewshotExamples(total int) {
	getMetrics().fewshotExamples.Set(float64(total))
}
