package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/dispatch"
	"github.com/BTreeMap/ReelPipe/internal/models"
)

// maxHistoryLimit caps the limit query parameter of the history endpoint.
const maxHistoryLimit = 50

var errInvalidLimit = errors.New("limit must be an integer between 1 and " + strconv.Itoa(maxHistoryLimit))

// HealthStatus is the result of GET /health.
type HealthStatus struct {
	Backend           string         `json:"backend"`
	Uptime            string         `json:"uptime"`
	Dispatcher        dispatch.Stats `json:"dispatcher"`
	MediaCacheEntries int            `json:"media_cache_entries"`
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Welcome to the ReelPipe text-to-video API!", nil))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Backend:           s.backend,
		Dispatcher:        s.dispatcher.Stats(),
		MediaCacheEntries: s.media.Len(),
	}
	if !s.started.IsZero() {
		status.Uptime = time.Since(s.started).Round(time.Second).String()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// historyHandler serves GET /api/v1/history?user=<phone>&limit=<n>, newest first.
func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.msgService.ValidateAndCanonicalizeRecipient(r.URL.Query().Get("user"))
	if err != nil {
		slog.Warn("Server.historyHandler: invalid user", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing or invalid query parameter: user"))
		return
	}
	limit, err := parseLimit(r.URL.Query())
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	records, err := s.st.RecentHistory(r.Context(), user, limit)
	if err != nil {
		slog.Error("Server.historyHandler: history query failed", "error", err, "user", user)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch history"))
		return
	}
	if records == nil {
		records = []models.HistoryRecord{}
	}
	slog.Debug("Server.historyHandler: history fetched", "user", user, "count", len(records))
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func parseLimit(q url.Values) (int, error) {
	raw := q.Get("limit")
	if raw == "" {
		return models.HistoryPageSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxHistoryLimit {
		return 0, errInvalidLimit
	}
	return n, nil
}
