package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/workweave/draftgate/pkg/gateway"
	"github.com/workweave/draftgate/pkg/identity"
)

// DecisionRecorder counts protocol decisions by mode and result code.
// *observability.Provider satisfies it.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, mode, code string)
}

// Server wires the gateway behind HTTP.
type Server struct {
	gw                *gateway.Gateway
	provider          identity.Provider
	maintenanceSecret string
	logger            *slog.Logger
	decisions         DecisionRecorder
}

func NewServer(gw *gateway.Gateway, provider identity.Provider, maintenanceSecret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{gw: gw, provider: provider, maintenanceSecret: maintenanceSecret, logger: logger}
}

// WithDecisionRecorder attaches the decision counter to the draft and
// proposal handlers.
func (s *Server) WithDecisionRecorder(rec DecisionRecorder) *Server {
	s.decisions = rec
	return s
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	authed := AuthMiddleware(s.provider)
	mux.Handle("POST /api/v1/drafts", authed(http.HandlerFunc(s.handleDrafts)))
	mux.Handle("POST /api/v1/proposals", authed(http.HandlerFunc(s.handleProposals)))
	mux.HandleFunc("POST /internal/maintenance", s.handleMaintenance)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return RequestIDMiddleware(RecoverMiddleware(s.logger)(mux))
}

func (s *Server) handleDrafts(w http.ResponseWriter, r *http.Request) {
	principal := CallerPrincipal(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "EXECUTION_DENIED",
			"authentication required", RequestID(r.Context()))
		return
	}

	var req gateway.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR",
			"request body is not valid JSON", RequestID(r.Context()))
		return
	}
	// Only a caller-sent id becomes the dedupe key; a generated one can
	// never be replayed and would just fill the cache.
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("X-Request-ID")
	}

	out := s.gw.Handle(r.Context(), principal.ID, req)
	s.recordDecision(r.Context(), req.Mode, out)
	writeOutcome(w, out)
}

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	principal := CallerPrincipal(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "EXECUTION_DENIED",
			"authentication required", RequestID(r.Context()))
		return
	}

	var req gateway.LegacyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR",
			"request body is not valid JSON", RequestID(r.Context()))
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("X-Request-ID")
	}

	out := s.gw.HandleLegacy(r.Context(), principal.ID, req)
	s.recordDecision(r.Context(), req.Action, out)
	writeOutcome(w, out)
}

func (s *Server) recordDecision(ctx context.Context, mode string, out gateway.Outcome) {
	if s.decisions == nil {
		return
	}
	code, _ := out.Body["code"].(string)
	if code == "" {
		code = "OK"
	}
	s.decisions.RecordDecision(ctx, mode, code)
}

// handleMaintenance is guarded by a shared secret, not by user identity:
// it is called by schedulers, not people.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if s.maintenanceSecret == "" {
		writeError(w, http.StatusForbidden, "EXECUTION_DENIED",
			"maintenance endpoint is not configured", RequestID(r.Context()))
		return
	}
	provided := r.Header.Get("X-Maintenance-Secret")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.maintenanceSecret)) != 1 {
		writeError(w, http.StatusForbidden, "EXECUTION_DENIED",
			"maintenance secret does not match", RequestID(r.Context()))
		return
	}

	writeOutcome(w, s.gw.Maintain(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
