// Package web serves the console views and actions as JSON over HTTP.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"metricsconsole/internal/access"
	"metricsconsole/internal/alarms"
	"metricsconsole/internal/dashboard"
	"metricsconsole/internal/failure"
	"metricsconsole/internal/models"
	"metricsconsole/internal/session"
)

// Check is a readiness probe for one dependency.
type Check func(ctx context.Context) error

type Server struct {
	auth       *session.Controller
	dashboards map[access.View]*dashboard.Dashboard
	hub        *Hub
	limiter    *RateLimiter
	checks     map[string]Check
	log        *slog.Logger
}

func NewServer(auth *session.Controller, admin, operator *dashboard.Dashboard, hub *Hub, limiter *RateLimiter, checks map[string]Check, logger *slog.Logger) *Server {
	return &Server{
		auth: auth,
		dashboards: map[access.View]*dashboard.Dashboard{
			access.ViewAdmin:    admin,
			access.ViewOperator: operator,
		},
		hub:     hub,
		limiter: limiter,
		checks:  checks,
		log:     logger,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /views/{view}", s.handleView)
	mux.Handle("POST /api/session/login", s.limiter.Middleware(http.HandlerFunc(s.handleLogin)))
	mux.HandleFunc("POST /api/session/logout", s.handleLogout)
	mux.HandleFunc("GET /api/session", s.handleSession)
	mux.HandleFunc("POST /api/{view}/range", s.handleRange)
	mux.HandleFunc("POST /api/{view}/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/operator/alarms/{id}/acknowledge", s.handleAcknowledge)
	mux.HandleFunc("GET /api/admin/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/admin/settings", s.handleUpdateSettings)
	mux.HandleFunc("GET /api/{view}/export", s.handleExport)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	return logMiddleware(mux, s.log)
}

func viewPath(v access.View) string {
	if v == access.ViewRoot {
		return "/"
	}
	return "/views/" + string(v)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	d := access.Resolve(s.auth.Session(), access.ViewRoot)
	http.Redirect(w, r, viewPath(d.Target), http.StatusSeeOther)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	view := access.ParseView(r.PathValue("view"))
	sess := s.auth.Session()
	d := access.Resolve(sess, view)
	if !d.Allow {
		http.Redirect(w, r, viewPath(d.Target), http.StatusSeeOther)
		return
	}
	if view == access.ViewLogin {
		writeJSON(w, map[string]any{"view": view, "status": s.auth.Status(), "session": sess})
		return
	}
	key, dir, ok := sortParams(w, r)
	if !ok {
		return
	}
	dash := s.dashboards[view]
	snap := dash.Snapshot(key, dir)
	if snap.LoadedAt == nil && snap.Error == "" {
		_ = dash.Refresh(r.Context())
		snap = dash.Snapshot(key, dir)
	}
	writeJSON(w, map[string]any{"session": sess, "dashboard": snap})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeFailure(w, failure.Validation(map[string]string{"form": "Malformed login request"}), true)
		return
	}
	role, err := s.auth.AttemptLogin(r.Context(), req.Username, req.Password)
	if err != nil {
		writeFailure(w, err, true)
		return
	}
	home := access.Home(role)
	s.hub.Broadcast(Event{Type: "session", Data: map[string]any{"state": "logged_in", "role": role}})
	writeJSON(w, map[string]any{"role": role, "redirect": viewPath(home)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context()); err != nil {
		s.log.Error("logout", "err", err)
		http.Error(w, "logout failed", http.StatusInternalServerError)
		return
	}
	s.hub.Broadcast(Event{Type: "session", Data: map[string]any{"state": "logged_out"}})
	writeJSON(w, map[string]any{"redirect": viewPath(access.ViewLogin)})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"session": s.auth.Session(), "status": s.auth.Status()})
}

type rangeRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	view, dash, _, ok := s.dashboardFor(w, r)
	if !ok {
		return
	}
	var req rangeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeFailure(w, failure.Validation(map[string]string{"range": "Malformed date range"}), false)
		return
	}
	err := dash.SetRange(r.Context(), models.DateRange{Start: req.Start, End: req.End})
	s.respondSnapshot(w, r, view, dash, err)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	view, dash, _, ok := s.dashboardFor(w, r)
	if !ok {
		return
	}
	s.respondSnapshot(w, r, view, dash, dash.Refresh(r.Context()))
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.gate(w, access.ViewOperator)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeFailure(w, failure.Validation(map[string]string{"id": "Invalid alarm id"}), false)
		return
	}
	dash := s.dashboards[access.ViewOperator]
	err = dash.Acknowledge(r.Context(), id, *sess)
	if err == nil {
		s.hub.Broadcast(Event{Type: "alarm_acknowledged", View: string(access.ViewOperator), Data: map[string]any{"id": id, "by": sess.Username}})
	}
	s.respondSnapshot(w, r, access.ViewOperator, dash, err)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.gate(w, access.ViewAdmin); !ok {
		return
	}
	cfg, err := s.dashboards[access.ViewAdmin].Settings(r.Context())
	if err != nil {
		writeFailure(w, err, false)
		return
	}
	writeJSON(w, cfg)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.gate(w, access.ViewAdmin); !ok {
		return
	}
	var patch models.ThresholdPatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&patch); err != nil {
		writeFailure(w, failure.Validation(map[string]string{"settings": "Malformed settings"}), false)
		return
	}
	dash := s.dashboards[access.ViewAdmin]
	if err := dash.UpdateSettings(r.Context(), patch); err != nil {
		writeFailure(w, err, false)
		return
	}
	cfg, err := dash.Settings(r.Context())
	if err != nil {
		writeFailure(w, err, false)
		return
	}
	s.hub.Broadcast(Event{Type: "settings_updated", View: string(access.ViewAdmin)})
	writeJSON(w, cfg)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	_, dash, _, ok := s.dashboardFor(w, r)
	if !ok {
		return
	}
	lw := &lazyWriter{w: w}
	n, err := dash.Export(r.Context(), lw)
	if err != nil {
		if n == 0 && !lw.started {
			writeFailure(w, err, false)
			return
		}
		s.log.Warn("export interrupted", "bytes", n, "err", err)
	}
}

// lazyWriter sets the download headers on the first write so a failure
// before any byte arrives can still be answered as an error.
type lazyWriter struct {
	w       http.ResponseWriter
	started bool
}

func (l *lazyWriter) Write(p []byte) (int, error) {
	if !l.started {
		l.started = true
		l.w.Header().Set("Content-Type", "text/csv")
		l.w.Header().Set("Content-Disposition", `attachment; filename="metrics.csv"`)
		l.w.WriteHeader(http.StatusOK)
	}
	return l.w.Write(p)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.auth.Session() == nil {
		writeStatusJSON(w, http.StatusUnauthorized, errorBody{Kind: "unauthenticated", Message: "Login required", Redirect: viewPath(access.ViewLogin)})
		return
	}
	s.hub.ServeWS(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// gate applies the access policy to an API call. Refusals carry the view
// the caller should navigate to.
func (s *Server) gate(w http.ResponseWriter, view access.View) (*models.Session, bool) {
	sess := s.auth.Session()
	d := access.Resolve(sess, view)
	if d.Allow {
		return sess, true
	}
	status, kind, msg := http.StatusForbidden, "forbidden", "Not allowed for this role"
	if sess == nil {
		status, kind, msg = http.StatusUnauthorized, "unauthenticated", "Login required"
	}
	writeStatusJSON(w, status, errorBody{Kind: failure.Kind(kind), Message: msg, Redirect: viewPath(d.Target)})
	return nil, false
}

func (s *Server) dashboardFor(w http.ResponseWriter, r *http.Request) (access.View, *dashboard.Dashboard, *models.Session, bool) {
	view := access.ParseView(r.PathValue("view"))
	dash, ok := s.dashboards[view]
	if !ok {
		http.NotFound(w, r)
		return "", nil, nil, false
	}
	sess, ok := s.gate(w, view)
	if !ok {
		return "", nil, nil, false
	}
	return view, dash, sess, true
}

func (s *Server) respondSnapshot(w http.ResponseWriter, r *http.Request, view access.View, dash *dashboard.Dashboard, err error) {
	if errors.Is(err, alarms.ErrSuperseded) {
		writeStatusJSON(w, http.StatusConflict, errorBody{Kind: "superseded", Message: "A newer request replaced this one"})
		return
	}
	if err != nil {
		writeFailure(w, err, false)
		return
	}
	key, dir, ok := sortParams(w, r)
	if !ok {
		return
	}
	s.hub.Broadcast(Event{Type: "view_updated", View: string(view)})
	writeJSON(w, dash.Snapshot(key, dir))
}

func sortParams(w http.ResponseWriter, r *http.Request) (alarms.SortKey, alarms.Direction, bool) {
	key, ok := alarms.ParseSortKey(r.URL.Query().Get("sort"))
	if !ok {
		writeFailure(w, failure.Validation(map[string]string{"sort": "Unknown sort key"}), false)
		return "", "", false
	}
	dir, ok := alarms.ParseDirection(r.URL.Query().Get("dir"))
	if !ok {
		writeFailure(w, failure.Validation(map[string]string{"dir": "Unknown sort direction"}), false)
		return "", "", false
	}
	return key, dir, true
}

type errorBody struct {
	Kind              failure.Kind      `json:"kind"`
	Message           string            `json:"message"`
	Fields            map[string]string `json:"fields,omitempty"`
	UnlockAt          *time.Time        `json:"unlock_at,omitempty"`
	RemainingAttempts *int              `json:"remaining_attempts,omitempty"`
	Redirect          string            `json:"redirect,omitempty"`
}

// writeFailure renders err. Login replies also report the attempts left.
func writeFailure(w http.ResponseWriter, err error, login bool) {
	if errors.Is(err, dashboard.ErrNotPermitted) {
		writeStatusJSON(w, http.StatusForbidden, errorBody{Kind: "forbidden", Message: "Not available in this view"})
		return
	}
	fe, ok := failure.As(err)
	if !ok {
		fe = failure.Network(err)
	}
	body := errorBody{Kind: fe.Kind, Message: fe.Message, Fields: fe.Fields}
	if !fe.UnlockAt.IsZero() {
		t := fe.UnlockAt
		body.UnlockAt = &t
	}
	if login && fe.Kind != failure.KindValidation {
		n := fe.RemainingAttempts
		body.RemainingAttempts = &n
	}
	writeStatusJSON(w, fe.HTTPStatus(), body)
}

func writeJSON(w http.ResponseWriter, v any) {
	writeStatusJSON(w, http.StatusOK, v)
}

func writeStatusJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
