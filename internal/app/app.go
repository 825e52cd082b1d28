// Package app wires the relay's HTTP surface: the WebSocket endpoint, the
// health check, and the metrics handler.
package app

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cliprelay/internal/config"
	"cliprelay/internal/hub"
	"cliprelay/internal/logx"
	"cliprelay/internal/ws"
)

type App struct {
	Mux http.Handler
	WSS *ws.Server
	Hub *hub.Registry
}

// New builds the relay application from its configuration.
func New(cfg *config.Config, logs *logx.Backend) *App {
	h := hub.New(cfg.QueueDepth)
	wss := &ws.Server{
		Hub:            h,
		Log:            logs.GetLogger("ws"),
		MaxConnections: cfg.MaxConnections,
		RatePerSecond:  cfg.RateLimitPerSecond,
		RateBurst:      cfg.RateLimitBurst,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wss)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &App{
		Mux: WithHTTPLogging(mux, logs.GetLogger("http")),
		WSS: wss,
		Hub: h,
	}
}
