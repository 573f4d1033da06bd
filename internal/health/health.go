package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/korolkovko/unifi-proxy/internal/stats"
)

// Config describes the sidecar and the static proxy facts it reports.
type Config struct {
	Addr           string
	Service        string
	Version        string
	ProxyPort      int
	AllowedDomains []string
	FilterRules    []string
}

// Server is the HTTP observability sidecar. Its failures are logged and never
// bring down the proxy.
type Server struct {
	cfg     Config
	tracker *stats.Tracker
	srv     *http.Server
	log     zerolog.Logger
}

func New(cfg Config, tracker *stats.Tracker, log zerolog.Logger) *Server {
	s := &Server{cfg: cfg, tracker: tracker, log: log}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("health endpoints listening")
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

var availableEndpoints = []string{"/health", "/ready", "/stats", "/metrics"}

// Handler returns the sidecar's HTTP handler.
func (s *Server) Handler() http.Handler {
	metrics := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/health":
			s.writeJSON(w, http.StatusOK, map[string]any{
				"status":    "ok",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
				"service":   s.cfg.Service,
				"version":   s.cfg.Version,
			})
		case "/ready":
			s.writeJSON(w, http.StatusOK, map[string]any{
				"ready":     true,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		case "/stats":
			s.writeJSON(w, http.StatusOK, s.statsPayload())
		case "/metrics":
			metrics.ServeHTTP(w, r)
		default:
			s.writeJSON(w, http.StatusNotFound, map[string]any{
				"error":              "Not found",
				"availableEndpoints": availableEndpoints,
			})
		}
	})
}

func (s *Server) statsPayload() map[string]any {
	snap := s.tracker.Snapshot()
	uptime := s.tracker.Uptime()

	top := s.tracker.TopSources(5)
	topIPs := make([]map[string]any, 0, len(top))
	for _, sc := range top {
		topIPs = append(topIPs, map[string]any{"ip": sc.Addr, "count": sc.Count})
	}

	return map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"stats": map[string]any{
			"uptime": map[string]any{
				"ms":    uptime.Milliseconds(),
				"human": uptime.Truncate(time.Second).String(),
			},
			"connections": map[string]any{
				"total":      snap.Total,
				"active":     snap.Active,
				"successful": snap.Successful,
				"failed":     snap.Failed,
			},
			"domains": snap.Domains,
			"topIPs":  topIPs,
		},
		"config": map[string]any{
			"allowedDomains": s.cfg.AllowedDomains,
			"ipFilterRules":  s.cfg.FilterRules,
			"port":           s.cfg.ProxyPort,
		},
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}
