package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is a dependency whose reachability the health check reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	mode    string
	brokers []string
	deps    map[string]Pinger
	stats   func() any
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler. deps are pinged on every check;
// stats, when set, is included verbatim as "stream".
func NewHealthHandler(mode string, brokers []string, deps map[string]Pinger, stats func() any, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		mode:    mode,
		brokers: brokers,
		deps:    deps,
		stats:   stats,
		logger:  logger,
	}
}

// HealthCheck reports liveness plus the state of each dependency. A failing
// dependency turns the response into a 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.deps))
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "handler: health dependency down",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			checks[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{
		"status":    "ok",
		"mode":      h.mode,
		"brokers":   h.brokers,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if h.stats != nil {
		body["stream"] = h.stats()
	}
	writeJSON(w, status, body)
}
