package infra

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the process collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	limiterRate     *prometheus.GaugeVec
	breakerState    *prometheus.GaugeVec
	restRequests    *prometheus.CounterVec
	streamReconnect *prometheus.CounterVec
	streamMessages  *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	openOrders      prometheus.Gauge
	fills           *prometheus.CounterVec
	equity          prometheus.Gauge
	drawdown        prometheus.Gauge
	halted          prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		limiterRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradecore_limiter_rate",
			Help: "Current adaptive refill rate per limiter (tokens/s)",
		}, []string{"limiter"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradecore_breaker_state",
			Help: "Circuit breaker state (0=closed,1=open,2=half_open)",
		}, []string{"breaker"}),
		restRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_rest_requests_total",
			Help: "REST attempts by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		streamReconnect: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_stream_reconnects_total",
			Help: "Stream reconnection attempts per channel",
		}, []string{"channel"}),
		streamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_stream_messages_total",
			Help: "Stream messages received per channel",
		}, []string{"channel"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradecore_command_latency_seconds",
			Help:    "Round trip of correlated stream commands",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"op"}),
		openOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradecore_ledger_open_orders",
			Help: "Open orders held by the ledger",
		}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_fills_total",
			Help: "Fill deltas forwarded to risk",
		}, []string{"symbol", "side"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradecore_equity",
			Help: "Current equity (initial + realized + unrealized)",
		}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradecore_drawdown_ratio",
			Help: "Drawdown from peak equity",
		}),
		halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradecore_trading_halted",
			Help: "1 when the kill switch has halted trading",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.limiterRate, m.breakerState, m.restRequests, m.streamReconnect,
			m.streamMessages, m.commandLatency, m.openOrders, m.fills,
			m.equity, m.drawdown, m.halted,
		)
	}
	return m
}

func (m *Metrics) SetLimiterRate(limiter string, rate float64) {
	if m == nil {
		return
	}
	m.limiterRate.WithLabelValues(limiter).Set(rate)
}

func (m *Metrics) SetBreakerState(breaker string, s State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(breaker).Set(float64(s))
}

func (m *Metrics) ObserveRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) IncReconnect(channel string) {
	if m == nil {
		return
	}
	m.streamReconnect.WithLabelValues(channel).Inc()
}

func (m *Metrics) IncMessage(channel string) {
	if m == nil {
		return
	}
	m.streamMessages.WithLabelValues(channel).Inc()
}

func (m *Metrics) ObserveCommand(op string, seconds float64) {
	if m == nil {
		return
	}
	m.commandLatency.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) SetOpenOrders(n int) {
	if m == nil {
		return
	}
	m.openOrders.Set(float64(n))
}

func (m *Metrics) IncFill(symbol, side string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) SetRisk(equity, drawdownPct float64, halted bool) {
	if m == nil {
		return
	}
	m.equity.Set(equity)
	m.drawdown.Set(drawdownPct)
	if halted {
		m.halted.Set(1)
	} else {
		m.halted.Set(0)
	}
}
