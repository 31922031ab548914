package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/activitylog"
	"github.com/hima/hima-service/internal/domain"
)

// LogSource is the slice of the activity bus the log endpoints read from.
type LogSource interface {
	Subscribe() *activitylog.Subscription
	Recent(n int) []domain.ActivityLogEntry
	History(ctx context.Context, filter domain.ActivityFilter) ([]domain.ActivityLogEntry, error)
}

// LogHandler serves the live activity stream and the persisted history.
type LogHandler struct {
	source LogSource
	logger *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func NewLogHandler(source LogSource, logger *zap.Logger) *LogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogHandler{source: source, logger: logger.Named("logs"), done: make(chan struct{})}
}

// Close ends every open stream so the server can drain.
func (h *LogHandler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// handleStream writes one JSON entry per line until the client goes away or the bus closes.
// ?replay=N first sends up to N of the most recent ring entries.
func (h *LogHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	replay := 0
	if raw := r.URL.Query().Get("replay"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "replay must be a non-negative integer", http.StatusBadRequest)
			return
		}
		replay = n
	}

	// Subscribe before reading the ring so nothing published in between is lost.
	sub := h.source.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	replayed := make(map[string]struct{})
	for _, entry := range h.source.Recent(replay) {
		if err := enc.Encode(entry); err != nil {
			return
		}
		replayed[entry.ID.String()] = struct{}{}
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case entry, open := <-sub.C():
			if !open {
				return
			}
			if len(replayed) > 0 {
				if _, dup := replayed[entry.ID.String()]; dup {
					delete(replayed, entry.ID.String())
					continue
				}
			}
			if err := enc.Encode(entry); err != nil {
				h.logger.Debug("log stream client went away", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// HistoryResponse is the body of GET /logs.
type HistoryResponse struct {
	Entries []domain.ActivityLogEntry `json:"entries"`
	Count   int                       `json:"count"`
}

func (h *LogHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ActivityFilter{
		Category: domain.ActivityCategory(strings.ToUpper(strings.TrimSpace(q.Get("category")))),
		UserID:   strings.TrimSpace(q.Get("user_id")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	filter.Limit = activitylog.ClampLimit(filter.Limit)

	entries, err := h.source.History(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to load activity history", zap.Error(err))
		http.Error(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []domain.ActivityLogEntry{}
	}
	respondWithJSON(w, http.StatusOK, HistoryResponse{Entries: entries, Count: len(entries)})
}
