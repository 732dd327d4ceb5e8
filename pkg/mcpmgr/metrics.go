package mcpmgr

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the orchestrator's collectors. A nil *metrics records nothing.
type metrics struct {
	serverLoads      *prometheus.CounterVec
	toolsLoaded      prometheus.Gauge
	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &metrics{
		serverLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_orchestrator_server_loads_total",
			Help: "Server pipelines settled, by outcome",
		}, []string{"status"}),
		toolsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_orchestrator_tools_loaded",
			Help: "Tools in the unified tool set after the last load",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_orchestrator_tool_calls_total",
			Help: "Tool calls routed through the orchestrator",
		}, []string{"server", "status"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_orchestrator_tool_call_duration_seconds",
			Help:    "Tool call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"server"}),
	}
	for _, c := range []prometheus.Collector{m.serverLoads, m.toolsLoaded, m.toolCalls, m.toolCallDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) serverSettled(status string) {
	if m == nil {
		return
	}
	m.serverLoads.With(prometheus.Labels{"status": status}).Inc()
}

func (m *metrics) setToolsLoaded(n int) {
	if m == nil {
		return
	}
	m.toolsLoaded.Set(float64(n))
}

func (m *metrics) toolCalled(server string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.toolCallDuration.With(prometheus.Labels{"server": server}).Observe(time.Since(started).Seconds())
	m.toolCalls.With(prometheus.Labels{"server": server, "status": callStatus(err)}).Inc()
}

func callStatus(err error) string {
	var (
		timeoutErr *CallTimeoutError
		execErr    *ToolExecutionError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &execErr):
		return "error"
	case errors.Is(err, ErrToolNotApproved):
		return "rejected"
	case errors.Is(err, ErrInvalidArguments):
		return "invalid"
	default:
		return "failed"
	}
}
