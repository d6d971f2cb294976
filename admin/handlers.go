// Package admin exposes the relay's runtime state over HTTP: publisher
// lifecycle, queue depth, sink counters, the capture catalog, and the
// engine-owned offset and history files. Everything is read-only; the
// endpoints observe the relay, they never steer it.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/sluiceio/sluice/catalog"
	"github.com/sluiceio/sluice/relay"
	"github.com/sluiceio/sluice/state"
)

// Components are the relay parts the admin endpoints report on. Any nil
// component turns its endpoints into 404s rather than panics.
type Components struct {
	Publisher  *relay.Publisher
	Queue      *relay.Queue
	Dispatcher *relay.Dispatcher
	Catalog    *catalog.Catalog
	History    *state.SchemaHistory
	OffsetPath string
}

// Handlers serves the admin API over the wired relay components.
type Handlers struct {
	components Components
}

// NewHandlers creates a Handlers instance over the given components.
func NewHandlers(components Components) *Handlers {
	return &Handlers{components: components}
}

// handleIndex lists the available endpoints.
func (h *Handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, []string{
		"/admin/status",
		"/admin/queue",
		"/admin/sinks",
		"/admin/destinations",
		"/admin/catalog",
		"/admin/offsets",
		"/admin/history",
	}, false, "")
}

// handleStatus returns the publisher lifecycle and a queue summary.
func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	pub := h.components.Publisher
	if pub == nil {
		writeErrorResponse(w, http.StatusNotFound, "publisher not running")
		return
	}

	response := map[string]interface{}{
		"state":           publisherState(pub),
		"engine_finished": pub.Finished(),
	}
	if q := h.components.Queue; q != nil {
		response["queue_depth"] = q.Len()
		response["queue_capacity"] = q.Cap()
	}
	if d := h.components.Dispatcher; d != nil {
		response["sinks"] = d.Stats()
	}

	writeJSONResponse(w, response, false, "")
}

// handleQueue returns the handoff queue's occupancy.
func (h *Handlers) handleQueue(w http.ResponseWriter, r *http.Request) {
	q := h.components.Queue
	if q == nil {
		writeErrorResponse(w, http.StatusNotFound, "queue not running")
		return
	}

	depth := q.Len()
	capacity := q.Cap()
	writeJSONResponse(w, map[string]interface{}{
		"depth":       depth,
		"capacity":    capacity,
		"utilization": float64(depth) / float64(capacity),
	}, false, "")
}

// handleSinks returns per-sink delivery counters.
func (h *Handlers) handleSinks(w http.ResponseWriter, r *http.Request) {
	d := h.components.Dispatcher
	if d == nil {
		writeErrorResponse(w, http.StatusNotFound, "dispatcher not running")
		return
	}

	writeJSONResponse(w, d.Stats(), false, "")
}

// handleDestinations returns delivered-event counts per destination.
func (h *Handlers) handleDestinations(w http.ResponseWriter, r *http.Request) {
	d := h.components.Dispatcher
	if d == nil {
		writeErrorResponse(w, http.StatusNotFound, "dispatcher not running")
		return
	}

	writeJSONResponse(w, d.DestinationCounts(), false, "")
}

// handleCatalog returns the capture selection.
func (h *Handlers) handleCatalog(w http.ResponseWriter, r *http.Request) {
	cat := h.components.Catalog
	if cat == nil {
		writeErrorResponse(w, http.StatusNotFound, "no catalog configured")
		return
	}

	streams := make([]map[string]interface{}, 0, len(cat.Streams))
	for _, s := range cat.Streams {
		streams = append(streams, map[string]interface{}{
			"name":        s.Name,
			"mode":        s.Mode,
			"primary_key": s.PrimaryKey,
		})
	}

	writeJSONResponse(w, map[string]interface{}{
		"database":     cat.Database,
		"include_list": cat.IncludeList(),
		"streams":      streams,
	}, false, "")
}

// handleOffsets reads the offset file as the engine last flushed it.
func (h *Handlers) handleOffsets(w http.ResponseWriter, r *http.Request) {
	if h.components.OffsetPath == "" {
		writeErrorResponse(w, http.StatusNotFound, "no offset file configured")
		return
	}

	offsets, err := state.ReadOffsetFile(h.components.OffsetPath)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Offset values are JSON documents; pass them through undecorated
	// so the response shows them as objects rather than quoted strings
	out := make(map[string]interface{}, len(offsets))
	for k, v := range offsets {
		if json.Valid([]byte(v)) {
			out[k] = json.RawMessage(v)
		} else {
			out[k] = v
		}
	}

	writeJSONResponse(w, out, false, "")
}

// handleHistory returns the tail of the schema history.
func (h *Handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	hist := h.components.History
	if hist == nil {
		writeErrorResponse(w, http.StatusNotFound, "no schema history configured")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := hist.Records()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	hasMore := false
	if len(records) > limit {
		records = records[len(records)-limit:]
		hasMore = true
	}

	writeJSONResponse(w, records, hasMore, "")
}

func publisherState(pub *relay.Publisher) string {
	switch {
	case pub.IsClosed():
		return "closed"
	case pub.Closing():
		return "closing"
	default:
		return "running"
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses the limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}
