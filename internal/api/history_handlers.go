package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/immergo/server/internal/history"
	"github.com/immergo/server/pkg/logger"
)

// ListHistory returns completed sessions, newest first, with optional
// language/mode/date filters.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "History storage not available", http.StatusServiceUnavailable)
		return
	}

	filter := history.Filter{
		Language:     r.URL.Query().Get("language"),
		FromLanguage: r.URL.Query().Get("from_language"),
		Mode:         r.URL.Query().Get("mode"),
		Limit:        100,
	}
	if v := r.URL.Query().Get("from_date"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.FromDate = ts
		}
	}
	if v := r.URL.Query().Get("to_date"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.ToDate = ts
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err := strconv.Atoi(v); err == nil && offset > 0 {
			filter.Offset = offset
		}
	}

	entries, err := h.history.List(filter)
	if err != nil {
		h.logger.Error("Failed to list history", logger.Error(err))
		http.Error(w, "Failed to list history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*history.Entry{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

// SaveHistory stores one completed session. The id is generated server-side
// when the client omits it, so the same payload posted twice creates two
// entries unless the client supplies its own id.
func (h *Handler) SaveHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "History storage not available", http.StatusServiceUnavailable)
		return
	}

	var entry history.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if entry.Language == "" || entry.Mode == "" || len(entry.Result) == 0 {
		http.Error(w, "language, mode and result are required", http.StatusBadRequest)
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CompletedAt == 0 {
		entry.CompletedAt = time.Now().Unix()
	}

	if err := h.history.Save(&entry); err != nil {
		h.logger.Error("Failed to save history entry",
			logger.String("id", entry.ID),
			logger.Error(err))
		http.Error(w, "Failed to save entry", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Saved history entry",
		logger.String("id", entry.ID),
		logger.String("language", entry.Language),
		logger.String("mode", entry.Mode))

	WriteJSON(w, http.StatusCreated, entry)
}

// GetHistoryEntry returns one entry by id.
func (h *Handler) GetHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "History storage not available", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "id")
	entry, err := h.history.Get(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "Entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to get history entry", logger.String("id", id), logger.Error(err))
		http.Error(w, "Failed to get entry", http.StatusInternalServerError)
		return
	}
	if entry.Deleted {
		http.Error(w, "Entry not found", http.StatusNotFound)
		return
	}

	WriteJSON(w, http.StatusOK, entry)
}

// DeleteHistoryEntry tombstones an entry so the deletion propagates through
// sync before the row disappears.
func (h *Handler) DeleteHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "History storage not available", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "id")
	err := h.history.SoftDelete(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "Entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to delete history entry", logger.String("id", id), logger.Error(err))
		http.Error(w, "Failed to delete entry", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Deleted history entry", logger.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}

// TriggerSync runs one sync round against the remote server.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.syncEngine == nil || !h.syncEngine.Configured() {
		http.Error(w, "Sync not configured", http.StatusServiceUnavailable)
		return
	}

	result, err := h.syncEngine.SyncNow(r.Context())
	if err != nil {
		h.logger.Error("Sync failed", logger.Error(err))
		http.Error(w, "Sync failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// GetSyncStatus reports sync configuration and backlog.
func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	if h.syncEngine == nil {
		WriteJSON(w, http.StatusOK, &history.SyncStatus{Configured: false})
		return
	}

	status, err := h.syncEngine.Status()
	if err != nil {
		h.logger.Error("Failed to get sync status", logger.Error(err))
		http.Error(w, "Failed to get sync status", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, status)
}
