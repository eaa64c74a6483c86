package main

import (
	"context"
	"net/http"
	"time"
)

func (cfg *apiConfig) rootHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "ApplePark IPTV payment gateway",
	})
}

// healthHandler reports 503 when the order database is unreachable.
// Redis only backs rate limiting, so its state is reported but not fatal.
func (cfg *apiConfig) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]interface{}{
		"status":    "ok",
		"database":  "connected",
		"timestamp": time.Now().UTC(),
	}

	if err := cfg.store.Ping(ctx); err != nil {
		cfg.logger.WarnContext(ctx, "health check: database unreachable", "error", err)
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = "unavailable"
	}

	if cfg.redisClient != nil {
		if err := cfg.redisClient.Ping(ctx).Err(); err != nil {
			body["rate_limiter"] = "unavailable"
		} else {
			body["rate_limiter"] = "connected"
		}
	}

	respondWithJSON(w, status, body)
}
