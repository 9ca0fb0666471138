package httpserver

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/botfleet/botfleet-back/internal/http/handlers"
	"github.com/botfleet/botfleet-back/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *zap.Logger
	AuthToken      string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter assembles the operator API. Everything under /v1/ requires
// the bearer token when one is configured; /healthz stays open for
// probes.
func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/v1/processing", deps.API.ProcessingList)
	mux.HandleFunc("/v1/processing/", deps.API.ProcessingItem)
	mux.HandleFunc("/v1/bots/", deps.API.BotItem)
	mux.HandleFunc("/v1/recovery/sweep", deps.API.RecoverySweep)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
