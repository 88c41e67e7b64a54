package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kremstream/overlayd/db"
)

const defaultMMR = 4600

// HandleHealthz is the liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// HandleStatus reports the startup phase, per-integration activity, token
// states, and the connected client count.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"startup":      h.seq.GetState(),
		"integrations": h.integrations.Status(),
		"tokens":       h.tokenMgr.AllStates(),
		"clients":      h.bcast.Count(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// HandleMMR returns the stored MMR value, defaulting when none was saved yet.
func (h *Handlers) HandleMMR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	mmr := h.loadMMR(r)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]int{"mmr": mmr}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

func (h *Handlers) loadMMR(r *http.Request) int {
	raw, err := db.GetKV(r.Context(), h.db, "mmr", strconv.Itoa(defaultMMR))
	if err != nil {
		slog.Warn("mmr load failed", slog.Any("err", err))
		return defaultMMR
	}
	mmr, err := strconv.Atoi(raw)
	if err != nil {
		return defaultMMR
	}
	return mmr
}
