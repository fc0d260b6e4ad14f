// Package metrics provides Prometheus metrics for the agentlink client.
// Counters and gauges cover pairing outcomes, connection attempts, the
// background reconnect sweep, and live connection count. Exposed on the
// local status API's /metrics endpoint when the connect daemon runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PairingExchanges tracks pairing attempts by outcome.
// Outcomes: "ok", "invalid_code", "rate_limited", "mismatch", "error".
var PairingExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentlink",
	Name:      "pairing_exchanges_total",
	Help:      "Total pairing code exchanges by outcome.",
}, []string{"outcome"})

// ConnectAttempts counts individual connection attempts, including retries.
var ConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "agentlink",
	Name:      "connect_attempts_total",
	Help:      "Total connection attempts, including retries.",
})

// ConnectSuccesses counts Connect calls that established a session.
var ConnectSuccesses = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "agentlink",
	Name:      "connect_successes_total",
	Help:      "Total successful connects.",
})

// ConnectFailures counts Connect calls that exhausted their retries.
var ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "agentlink",
	Name:      "connect_failures_total",
	Help:      "Total connects that exhausted retries.",
})

// ActiveConnections tracks currently established agent connections.
var ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "agentlink",
	Name:      "active_connections",
	Help:      "Number of currently connected agents.",
})

// SweepRuns counts background reconnect sweep ticks.
var SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "agentlink",
	Name:      "sweep_runs_total",
	Help:      "Total background reconnect sweep ticks.",
})

// SweepReconnects counts agents the sweep brought back to connected.
var SweepReconnects = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "agentlink",
	Name:      "sweep_reconnects_total",
	Help:      "Total agents reconnected by the background sweep.",
})

// EndpointFallbacks counts connects that succeeded only after at least one
// higher-priority endpoint failed.
var EndpointFallbacks = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "agentlink",
	Name:      "endpoint_fallbacks_total",
	Help:      "Total connects that fell back past a failed endpoint.",
})
