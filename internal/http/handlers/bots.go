package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/botfleet/botfleet-back/internal/effects"
	"github.com/botfleet/botfleet-back/internal/repository"
)

// BotItem handles /v1/bots/{id}/reconcile.
func (api *API) BotItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/bots/")
	id, action, _ := strings.Cut(strings.Trim(rest, "/"), "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "missing bot id")
		return
	}
	if action != "reconcile" || r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	api.botReconcile(w, r, id)
}

// botReconcile re-applies the bot's delivery wiring: webhook bots get
// their webhook re-registered, disabled bots get torn down. Useful
// after a token rotation or a manual registration change on the
// channel side.
func (api *API) botReconcile(w http.ResponseWriter, r *http.Request, id string) {
	bot, err := api.bots.GetBot(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "bot not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed loading bot")
		return
	}

	plan := effects.ForBotUpdate(*bot)
	if err := api.runner.Run(r.Context(), plan); err != nil {
		writeError(w, r, http.StatusBadGateway, "reconcile_failed", "failed applying delivery effects")
		return
	}

	applied := make([]string, len(plan))
	for i, effect := range plan {
		applied[i] = effect.Describe()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bot_id":  id,
		"applied": applied,
	})
}
