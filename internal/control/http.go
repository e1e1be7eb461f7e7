// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// HTTP binds the Control/Inspection API one-to-one onto an HTTP surface:
// every route below is a thin transport wrapper around a Controller
// method, following the teacher's require()/writeAuthError() shape but
// routed through gorilla/mux instead of the stdlib ServeMux, since most
// routes here take a path parameter (session id, MAC) gorilla/mux
// extracts without hand-rolled prefix trimming.
package control

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aced.dev/ace/internal/auth"
	"aced.dev/ace/internal/logging"
)

// Metrics are a small set of operational counters exposed at /metrics
// alongside the control routes, so an operator doesn't need a second
// listener just to scrape grant/revoke/anomaly volume.
type Metrics struct {
	Grants    prometheus.Counter
	Revokes   prometheus.Counter
	Denials   prometheus.Counter
	Anomalies prometheus.Counter
}

// NewMetrics registers the control API's counters against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Grants:    prometheus.NewCounter(prometheus.CounterOpts{Name: "ace_grants_total", Help: "Total grantAccess calls that reached ACTIVE."}),
		Revokes:   prometheus.NewCounter(prometheus.CounterOpts{Name: "ace_revokes_total", Help: "Total revokeAccess/forceDisconnect calls."}),
		Denials:   prometheus.NewCounter(prometheus.CounterOpts{Name: "ace_denials_total", Help: "Total grantAccess calls denied by policy."}),
		Anomalies: prometheus.NewCounter(prometheus.CounterOpts{Name: "ace_anomalies_total", Help: "Total binding anomalies surfaced via manual operations."}),
	}
	reg.MustRegister(m.Grants, m.Revokes, m.Denials, m.Anomalies)
	return m
}

// Server is the HTTP adapter over a Controller.
type Server struct {
	ctl       *Controller
	authStore *auth.Store
	metrics   *Metrics
	registry  *prometheus.Registry
	log       *logging.Logger
	router    *mux.Router
}

// ServerOptions configures the HTTP adapter. AuthStore may be nil, in
// which case every route is open — intended only for a SIMULATION
// deployment behind a trusted reverse proxy, never a default.
type ServerOptions struct {
	AuthStore *auth.Store
	Metrics   *Metrics
	Registry  *prometheus.Registry
	Logger    *logging.Logger
}

// NewServer builds the router and binds every control operation to its
// route. Routes map one-to-one onto §4.7's abstract operation list.
func NewServer(ctl *Controller, opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.Default().WithComponent("control-http")
	}
	s := &Server{ctl: ctl, authStore: opts.AuthStore, metrics: opts.Metrics, registry: opts.Registry, log: log}
	s.router = mux.NewRouter()
	s.initRoutes()
	return s
}

// Handler returns the composed http.Handler, ready to be passed to an
// http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) initRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.Handle("/sessions", s.require("modify", http.HandlerFunc(s.handleGrant))).Methods(http.MethodPost)
	api.Handle("/sessions", s.require("view", http.HandlerFunc(s.handleListActive))).Methods(http.MethodGet)
	api.Handle("/sessions/{id}/revoke", s.require("modify", http.HandlerFunc(s.handleRevoke))).Methods(http.MethodPost)
	api.Handle("/sessions/{id}/disconnect", s.require("admin", http.HandlerFunc(s.handleForceDisconnect))).Methods(http.MethodPost)
	api.Handle("/sessions/{id}/extend", s.require("modify", http.HandlerFunc(s.handleExtend))).Methods(http.MethodPost)
	api.Handle("/sessions/active/{mac}", s.require("view", http.HandlerFunc(s.handleHasActiveSession))).Methods(http.MethodGet)

	api.Handle("/bindings", s.require("view", http.HandlerFunc(s.handleListBindings))).Methods(http.MethodGet)
	api.Handle("/bindings/validate", s.require("view", http.HandlerFunc(s.handleValidate))).Methods(http.MethodGet)
	api.Handle("/bindings/{mac}", s.require("admin", http.HandlerFunc(s.handleManualBind))).Methods(http.MethodPut)
	api.Handle("/bindings/{mac}", s.require("admin", http.HandlerFunc(s.handleManualUnbind))).Methods(http.MethodDelete)

	api.Handle("/rules", s.require("view", http.HandlerFunc(s.handleSnapshotRules))).Methods(http.MethodGet)
	api.Handle("/cleanup", s.require("admin", http.HandlerFunc(s.handleTriggerCleanup))).Methods(http.MethodPost)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// require wraps next so it only runs for a caller holding at least the
// given capability (view < modify < admin), following the teacher's
// Bearer-token-then-session-cookie precedence.
func (s *Server) require(capability string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authStore == nil {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			if cookie, err := r.Cookie("session"); err == nil {
				token = cookie.Value
			}
		}
		if token == "" {
			writeAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		user, err := s.authStore.ValidateSession(token)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}
		if !user.Role.CanAccess(capability) {
			writeAuthError(w, http.StatusForbidden, "role "+string(user.Role)+" lacks "+capability+" capability")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

type grantRequest struct {
	MAC         string `json:"mac"`
	IP          string `json:"ip"`
	DurationSec int64  `json:"durationSec"`
	AuthMethod  string `json:"authMethod"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Category: CategoryInvalidInput, Detail: err.Error()})
		return
	}
	sess, err := s.ctl.Grant(r.Context(), req.MAC, req.IP, time.Duration(req.DurationSec)*time.Second, req.AuthMethod)
	if err != nil {
		body, status := NewAPIError(err, "")
		if s.metrics != nil && body.Category == CategoryBlockedDevice {
			s.metrics.Denials.Inc()
		}
		writeJSON(w, status, body)
		return
	}
	if s.metrics != nil {
		s.metrics.Grants.Inc()
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.ctl.ListActiveSessions()
	if err != nil {
		body, status := NewAPIError(err, "")
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req reasonRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	res, err := s.ctl.Revoke(r.Context(), id, req.Reason)
	if err != nil {
		body, status := NewAPIError(err, id)
		writeJSON(w, status, body)
		return
	}
	if s.metrics != nil {
		s.metrics.Revokes.Inc()
	}
	writeJSON(w, http.StatusOK, res)
}

type disconnectRequest struct {
	OperatorID string `json:"operatorId"`
	Reason     string `json:"reason"`
}

func (s *Server) handleForceDisconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Category: CategoryInvalidInput, Detail: err.Error()})
		return
	}
	res, err := s.ctl.ForceDisconnect(r.Context(), id, req.OperatorID, req.Reason)
	if err != nil {
		body, status := NewAPIError(err, id)
		writeJSON(w, status, body)
		return
	}
	if s.metrics != nil {
		s.metrics.Revokes.Inc()
	}
	writeJSON(w, http.StatusOK, res)
}

type extendRequest struct {
	AdditionalSec int64 `json:"additionalSec"`
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Category: CategoryInvalidInput, Detail: err.Error()})
		return
	}
	newExpiry, err := s.ctl.Extend(id, time.Duration(req.AdditionalSec)*time.Second)
	if err != nil {
		body, status := NewAPIError(err, id)
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]time.Time{"newExpiresAt": newExpiry})
}

func (s *Server) handleHasActiveSession(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	has, err := s.ctl.HasActiveSession(mac)
	if err != nil {
		body, status := NewAPIError(err, "")
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"hasActiveSession": has})
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	bindings, err := s.ctl.ListBindings()
	if err != nil {
		body, status := NewAPIError(err, "")
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, bindings)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	mac := r.URL.Query().Get("mac")
	ip := r.URL.Query().Get("ip")
	res, err := s.ctl.Validate(mac, ip)
	if err != nil {
		body, status := NewAPIError(err, "")
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type manualBindRequest struct {
	IP            string `json:"ip"`
	OperatorID    string `json:"operatorId"`
	DurationSec   int64  `json:"durationSec"`
}

func (s *Server) handleManualBind(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	var req manualBindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Category: CategoryInvalidInput, Detail: err.Error()})
		return
	}
	res, err := s.ctl.ManualBind(mac, req.IP, req.OperatorID, time.Duration(req.DurationSec)*time.Second)
	if err != nil {
		body, status := NewAPIError(err, "")
		writeJSON(w, status, body)
		return
	}
	if s.metrics != nil && len(res.Conflicts) > 0 {
		s.metrics.Anomalies.Add(float64(len(res.Conflicts)))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleManualUnbind(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	operatorID := r.URL.Query().Get("operatorId")
	if err := s.ctl.ManualUnbind(mac, operatorID); err != nil {
		body, status := NewAPIError(err, "")
		writeJSON(w, status, body)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshotRules(w http.ResponseWriter, r *http.Request) {
	backend := r.URL.Query().Get("backend")
	rules, err := s.ctl.SnapshotRules(r.Context(), backend)
	if err != nil {
		body, status := NewAPIError(err, "")
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleTriggerCleanup(w http.ResponseWriter, r *http.Request) {
	ran, lastErr := s.ctl.TriggerCleanup()
	writeJSON(w, http.StatusOK, map[string]any{"ran": ran, "lastError": lastErr})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAuthError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, APIError{Category: "UNAUTHORIZED", Detail: detail})
}
