// Package api exposes the gap-fill dispatch engine over HTTP. Handlers are
// thin: decode, call the engine, map domain faults to status codes.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/panelworks/fieldops/internal/config"
	"github.com/panelworks/fieldops/internal/dispatch"
	"github.com/panelworks/fieldops/internal/fault"
	"github.com/panelworks/fieldops/internal/model"
)

// Server wires the dispatch engine to HTTP routes.
type Server struct {
	engine *dispatch.Engine
}

// NewServer creates a Server around an engine.
func NewServer(engine *dispatch.Engine) *Server {
	return &Server{engine: engine}
}

// Router builds the chi router with middleware and all routes mounted.
func (s *Server) Router(cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(rateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))

	r.Get("/health", s.handleHealth)

	r.Route("/gapfill", func(r chi.Router) {
		r.Post("/sessions", s.handleStart)
		r.Get("/sessions/active", s.handleActive)
		r.Get("/sessions/{sessionID}", s.handleSession)
		r.Post("/sessions/{sessionID}/expand", s.handleExpand)
		r.Post("/sessions/{sessionID}/close", s.handleClose)
		r.Post("/sessions/{sessionID}/tech-moved-on", s.handleTechMovedOn)
		r.Post("/sessions/{sessionID}/candidates/{candidateID}/outreach", s.handleOutreach)
		r.Post("/sessions/{sessionID}/candidates/{candidateID}/confirm", s.handleConfirm)
		r.Get("/candidates/{candidateID}/message", s.handleMessage)
		r.Get("/messages/{tier}", s.handleTierMessage)
		r.Get("/routes/{routeID}/status", s.handleRouteStatus)
		r.Get("/stats", s.handleStats)
	})

	r.Route("/customers", func(r chi.Router) {
		r.Post("/{customerID}/anytime-access", s.handleAnytimeAccess)
		r.Post("/{customerID}/reset-contact-timer", s.handleResetContactTimer)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var in dispatch.StartInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fault.Validationf("invalid request body"))
		return
	}
	view, err := s.engine.Start(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Active(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if view == nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Expand(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Close(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTechMovedOn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.engine.MarkTechMovedOn(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "tech_moved_on": true})
}

func (s *Server) handleOutreach(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status        string  `json:"status"`
		Note          *string `json:"note"`
		ContactMethod *string `json:"contact_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fault.Validationf("invalid request body"))
		return
	}
	cand, err := s.engine.RecordOutreach(r.Context(), dispatch.OutreachInput{
		SessionID:     chi.URLParam(r, "sessionID"),
		CandidateID:   chi.URLParam(r, "candidateID"),
		Status:        model.OutreachStatus(body.Status),
		Note:          body.Note,
		ContactMethod: body.ContactMethod,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cand)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AddToRoute bool `json:"add_to_route"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, fault.Validationf("invalid request body"))
			return
		}
	}
	view, err := s.engine.Confirm(r.Context(),
		chi.URLParam(r, "sessionID"), chi.URLParam(r, "candidateID"), body.AddToRoute)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	candidateID := chi.URLParam(r, "candidateID")
	msg, err := s.engine.Message(r.Context(), candidateID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"candidate_id": candidateID, "message": msg})
}

func (s *Server) handleTierMessage(w http.ResponseWriter, r *http.Request) {
	tier, err := strconv.Atoi(chi.URLParam(r, "tier"))
	if err != nil {
		writeError(w, fault.Validationf("tier must be an integer"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tier": tier, "message": s.engine.TierMessage(tier)})
}

func (s *Server) handleRouteStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.RouteStatus(r.Context(), chi.URLParam(r, "routeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if view == nil {
		writeJSON(w, http.StatusOK, map[string]any{"has_session": false})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAnytimeAccess(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fault.Validationf("invalid request body"))
		return
	}
	customerID := chi.URLParam(r, "customerID")
	if err := s.engine.SetAnytimeAccess(r.Context(), customerID, body.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer_id": customerID, "anytime_access": body.Enabled})
}

func (s *Server) handleResetContactTimer(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")
	removed, err := s.engine.ResetContactTimer(r.Context(), customerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer_id": customerID, "removed": removed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("encode response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
