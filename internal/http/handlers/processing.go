package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/botfleet/botfleet-back/internal/domain"
	"github.com/botfleet/botfleet-back/internal/effects"
	"github.com/botfleet/botfleet-back/internal/repository"
)

var knownStatuses = map[domain.ProcessingStatus]bool{
	domain.ProcessingReceived:   true,
	domain.ProcessingInProgress: true,
	domain.ProcessingFailed:     true,
	domain.ProcessingTerminal:   true,
	domain.ProcessingCompleted:  true,
}

// ProcessingList handles GET /v1/processing with optional status,
// page and page_size query parameters.
func (api *API) ProcessingList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_status", err.Error())
		return
	}
	page := parsePositiveInt(r.URL.Query().Get("page"), 1)
	pageSize := parsePositiveInt(r.URL.Query().Get("page_size"), 50)
	if pageSize > 200 {
		pageSize = 200
	}

	items, total, err := api.processing.ListByStatus(r.Context(), statuses, page, pageSize)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed listing processing records")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":     items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ProcessingItem handles /v1/processing/{id} and
// /v1/processing/{id}/retry.
func (api *API) ProcessingItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/processing/")
	id, action, _ := strings.Cut(strings.Trim(rest, "/"), "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "missing processing id")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		api.processingGet(w, r, id)
	case action == "retry" && r.Method == http.MethodPost:
		api.processingRetry(w, r, id)
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (api *API) processingGet(w http.ResponseWriter, r *http.Request, id string) {
	state, err := api.processing.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "processing record not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed loading processing record")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// processingRetry republishes a processing trigger for one record.
// Completed records are refused; they have nothing left to do.
func (api *API) processingRetry(w http.ResponseWriter, r *http.Request, id string) {
	state, err := api.processing.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "processing record not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed loading processing record")
		return
	}
	if state.Status == domain.ProcessingCompleted {
		writeError(w, r, http.StatusConflict, "already_completed", "record already completed")
		return
	}

	plan := []effects.Effect{effects.PublishJob{Message: domain.QueueMessage{
		Kind:          domain.JobKindProcessingTrigger,
		UserMessageID: id,
		RequestedAt:   time.Now().UTC(),
	}}}
	if err := api.runner.Run(r.Context(), plan); err != nil {
		writeError(w, r, http.StatusInternalServerError, "publish_failed", "failed publishing retry job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":          "queued",
		"user_message_id": id,
	})
}

// RecoverySweep handles POST /v1/recovery/sweep: one immediate pass of
// the failed-state recovery loop.
func (api *API) RecoverySweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if api.sweeper == nil {
		writeError(w, r, http.StatusServiceUnavailable, "sweep_disabled", "recovery sweep is not configured")
		return
	}
	if err := api.sweeper.SweepOnce(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, "sweep_failed", "recovery sweep failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok"})
}

func parseStatuses(raw string) ([]domain.ProcessingStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return []domain.ProcessingStatus{
			domain.ProcessingReceived,
			domain.ProcessingInProgress,
			domain.ProcessingFailed,
			domain.ProcessingTerminal,
			domain.ProcessingCompleted,
		}, nil
	}

	parts := strings.Split(raw, ",")
	statuses := make([]domain.ProcessingStatus, 0, len(parts))
	for _, part := range parts {
		status := domain.ProcessingStatus(strings.TrimSpace(strings.ToLower(part)))
		if !knownStatuses[status] {
			return nil, errors.New("unknown status: " + string(status))
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func parsePositiveInt(raw string, fallback int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
