// Package api serves the condition management and monitoring HTTP surface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"yield-alerts/internal/monitor"
)

const maxBodyBytes = 1 << 20

// Server routes HTTP requests onto one engine.
type Server struct {
	engine *monitor.Engine
	sse    http.Handler
	ws     http.Handler
	cors   []string
	now    func() time.Time
	logger zerolog.Logger
}

// Options wires optional pieces of the HTTP surface.
type Options struct {
	// SSE and WebSocket serve the live stream. Nil leaves the route unmounted.
	SSE         http.Handler
	WebSocket   http.Handler
	CORSOrigins []string
	Now         func() time.Time
}

// NewServer builds the router.
func NewServer(engine *monitor.Engine, opts Options, logger zerolog.Logger) *Server {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Server{
		engine: engine,
		sse:    opts.SSE,
		ws:     opts.WebSocket,
		cors:   opts.CORSOrigins,
		now:    opts.Now,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Handler returns the full middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/alerts/conditions", s.handleListConditions)
	mux.HandleFunc("POST /api/alerts/conditions", s.handleCreateCondition)
	mux.HandleFunc("GET /api/alerts/conditions/{id}", s.handleGetCondition)
	mux.HandleFunc("PATCH /api/alerts/conditions/{id}", s.handleUpdateCondition)
	mux.HandleFunc("DELETE /api/alerts/conditions/{id}", s.handleDeleteCondition)

	mux.HandleFunc("POST /api/alerts/acknowledge-all", s.handleAcknowledgeAll)
	mux.HandleFunc("POST /api/alerts/{id}/{action}", s.handleAlertAction)
	mux.HandleFunc("GET /api/alerts/history", s.handleHistory)
	mux.HandleFunc("GET /api/alerts/stats", s.handleStats)
	mux.HandleFunc("GET /api/alerts/presets", s.handleListPresets)
	mux.HandleFunc("POST /api/alerts/presets/{name}", s.handleApplyPreset)

	mux.HandleFunc("GET /api/health/protocols", s.handleProtocolHealth)

	if s.sse != nil {
		mux.Handle("GET /api/stream", s.sse)
	}
	if s.ws != nil {
		mux.Handle("GET /api/ws", s.ws)
	}

	return Chain(mux, Recovery(s.logger), Logging(s.logger), CORS(s.cors))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"time":       s.now(),
		"passes":     stats.Passes,
		"lastPass":   stats.LastPass,
		"conditions": stats.Conditions,
	})
}

func (s *Server) handleListConditions(w http.ResponseWriter, r *http.Request) {
	conditions := s.engine.ListConditions()
	writeJSON(w, http.StatusOK, map[string]any{"conditions": conditions, "count": len(conditions)})
}

func (s *Server) handleCreateCondition(w http.ResponseWriter, r *http.Request) {
	var params monitor.ConditionParams
	if err := decodeBody(r, &params); err != nil {
		s.fail(w, r, err)
		return
	}
	cond, err := s.engine.CreateCondition(params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cond)
}

func (s *Server) handleGetCondition(w http.ResponseWriter, r *http.Request) {
	cond, ok := s.engine.GetCondition(r.PathValue("id"))
	if !ok {
		s.fail(w, r, monitor.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cond)
}

func (s *Server) handleUpdateCondition(w http.ResponseWriter, r *http.Request) {
	var patch monitor.ConditionPatch
	if err := decodeBody(r, &patch); err != nil {
		s.fail(w, r, err)
		return
	}
	cond, err := s.engine.UpdateCondition(r.PathValue("id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cond)
}

func (s *Server) handleDeleteCondition(w http.ResponseWriter, r *http.Request) {
	if !s.engine.DeleteCondition(r.PathValue("id")) {
		s.fail(w, r, monitor.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAlertAction serves POST /api/alerts/{id}/acknowledge. The action is a
// wildcard so the presets route stays the more specific pattern.
func (s *Server) handleAlertAction(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("action") != "acknowledge" {
		s.fail(w, r, monitor.ErrNotFound)
		return
	}
	alert, err := s.engine.Acknowledge(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAcknowledgeAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"acknowledged": s.engine.AcknowledgeAll()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseHistoryFilter(r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	alerts := s.engine.History(filter)
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"presets": monitor.Presets()})
}

func (s *Server) handleApplyPreset(w http.ResponseWriter, r *http.Request) {
	created, err := s.engine.ApplyPreset(r.PathValue("name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"preset": r.PathValue("name"), "conditions": created})
}

func (s *Server) handleProtocolHealth(w http.ResponseWriter, r *http.Request) {
	health := s.engine.Health()
	writeJSON(w, http.StatusOK, map[string]any{"protocols": health, "count": len(health)})
}

// ParseHistoryFilter reads history query parameters. since accepts RFC 3339
// or unix milliseconds.
func ParseHistoryFilter(q url.Values) (monitor.HistoryFilter, error) {
	f := monitor.HistoryFilter{
		Protocol: strings.TrimSpace(q.Get("protocol")),
		Asset:    strings.TrimSpace(q.Get("asset")),
		Limit:    100,
	}

	if v := q.Get("type"); v != "" {
		if !slices.Contains(monitor.ValidTypes(), v) {
			return f, &monitor.ValidationError{Field: "type", Message: fmt.Sprintf("unknown condition type %q", v), Valid: monitor.ValidTypes()}
		}
		f.Type = monitor.ConditionType(v)
	}

	if v := q.Get("severity"); v != "" {
		switch sev := monitor.Severity(v); sev {
		case monitor.SeverityInfo, monitor.SeverityWarning, monitor.SeverityCritical:
			f.Severity = sev
		default:
			return f, &monitor.ValidationError{
				Field:   "severity",
				Message: fmt.Sprintf("unknown severity %q", v),
				Valid:   []string{string(monitor.SeverityInfo), string(monitor.SeverityWarning), string(monitor.SeverityCritical)},
			}
		}
	}

	if v := q.Get("since"); v != "" {
		since, err := parseSince(v)
		if err != nil {
			return f, &monitor.ValidationError{Field: "since", Message: "must be RFC 3339 or unix milliseconds"}
		}
		f.Since = since
	}

	if v := q.Get("unacknowledged"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, &monitor.ValidationError{Field: "unacknowledged", Message: "must be a boolean"}
		}
		f.Unacknowledged = b
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > monitor.DefaultAlertLimit {
			return f, &monitor.ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", monitor.DefaultAlertLimit)}
		}
		f.Limit = n
	}
	return f, nil
}

func parseSince(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}

type errorBody struct {
	Error string   `json:"error"`
	Field string   `json:"field,omitempty"`
	Valid []string `json:"valid,omitempty"`
}

// fail maps engine errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *monitor.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, errorBody{Error: verr.Error(), Field: verr.Field, Valid: verr.Valid})
	case errors.Is(err, monitor.ErrNotFound):
		writeError(w, http.StatusNotFound, errorBody{Error: "not found"})
	default:
		s.logger.Error().Err(err).Str("request_id", r.Header.Get(RequestIDHeader)).Msg("request failed")
		writeError(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &monitor.ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
