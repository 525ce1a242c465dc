// Package metrics registers prometheus instruments and serves the scrape endpoint.
package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_calls_total", Help: "Outbound exchange REST calls"},
		[]string{"op", "outcome"},
	)
	RateLimitWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ratelimit_waits_total", Help: "Admissions that had to wait for a window slot"},
		[]string{"channel"},
	)
	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ws_reconnects_total", Help: "Websocket reconnect attempts"},
		[]string{"client"},
	)
	OpinionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "strategy_opinions_total", Help: "Opinions produced by strategy adapters"},
		[]string{"source", "signal"},
	)
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "consensus_decisions_total", Help: "Merged consensus decisions"},
		[]string{"signal"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted"},
		[]string{"symbol", "side"},
	)
)

func init() {
	prometheus.MustRegister(
		APICallsTotal,
		RateLimitWaitsTotal,
		ReconnectsTotal,
		OpinionsTotal,
		DecisionsTotal,
		OrdersTotal,
	)
}

// HealthFunc reports component liveness for the /healthz payload.
type HealthFunc func() map[string]bool

// Serve exposes /metrics and /healthz on the given address.
func Serve(addr string, health HealthFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]bool{}
		if health != nil {
			status = health()
		}
		ok := true
		for _, v := range status {
			ok = ok && v
		}
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": ok, "components": status})
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
