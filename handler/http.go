package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"advora-intake/internal/integrations/whatsapp"
	"advora-intake/internal/middleware"
	"advora-intake/pkg/logger"
)

// maxBodyBytes caps a webhook delivery. Meta batches stay far below it.
const maxBodyBytes = 1 << 20

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// RouterConfig configures Routes.
type RouterConfig struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Checks            []Check
	CheckTimeout      time.Duration
}

// Routes builds the HTTP surface of the service.
func Routes(wh *Webhook, cfg RouterConfig, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", readyHandler(cfg.Checks, cfg.CheckTimeout, log))
	r.Handle("/metrics", promhttp.Handler())

	// Only the handshake is throttled. Deliveries always get a 2xx.
	r.Group(func(r chi.Router) {
		if cfg.RateLimitRequests > 0 && cfg.RateLimitWindow > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}
		r.Get("/webhook", verifyHandler(wh))
	})
	r.Post("/webhook", receiveHandler(wh, log))
	return r
}

func verifyHandler(wh *Webhook) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		challenge, ok := wh.Verify(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
	}
}

func receiveHandler(wh *Webhook, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			log.Warn("read webhook body failed", zap.Error(err))
			w.WriteHeader(http.StatusOK)
			return
		}
		status := wh.Receive(r.Context(), body, r.Header.Get(whatsapp.SignatureHeader))
		w.WriteHeader(status)
	}
}

func readyHandler(checks []Check, timeout time.Duration, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		failed := map[string]string{}
		for _, c := range checks {
			if err := c.Fn(ctx); err != nil {
				log.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
				failed[c.Name] = err.Error()
			}
		}
		if len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "failed": failed})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
