package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/botfleet/botfleet-back/internal/effects"
	"github.com/botfleet/botfleet-back/internal/http/middleware"
	"github.com/botfleet/botfleet-back/internal/repository"
)

// Sweeper is the recovery loop's manual trigger.
type Sweeper interface {
	SweepOnce(ctx context.Context) error
}

// API exposes the operator surface: inspecting processing records,
// nudging stuck ones back through the pipeline, and reconciling bot
// channel wiring.
type API struct {
	processing repository.ProcessingRepository
	bots       repository.BotsRepository
	runner     *effects.Runner
	sweeper    Sweeper
	started    time.Time
}

func NewAPI(
	processing repository.ProcessingRepository,
	bots repository.BotsRepository,
	runner *effects.Runner,
	sweeper Sweeper,
) *API {
	return &API{
		processing: processing,
		bots:       bots,
		runner:     runner,
		sweeper:    sweeper,
		started:    time.Now(),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}
