package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apperrors "github.com/zeusync/horde/internal/core/errors"
	"github.com/zeusync/horde/internal/core/events/bus"
	"github.com/zeusync/horde/internal/core/models"
	"github.com/zeusync/horde/internal/core/observability/log"
	"github.com/zeusync/horde/internal/core/registry"
)

// ErrorBody is the error payload shared by HTTP responses and websocket replies.
type ErrorBody struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

func errorBody(err error) *ErrorBody {
	body := &ErrorBody{Code: apperrors.GetCode(err), Message: err.Error()}
	var e *apperrors.Error
	if errors.As(err, &e) && e.Message != "" {
		body.Message = e.Message
	}
	return body
}

type ownerResponse struct {
	ZombieID models.ZombieID `json:"zombieId"`
	Owner    models.Identity `json:"owner"`
}

type approvedResponse struct {
	ZombieID models.ZombieID `json:"zombieId"`
	Approved models.Identity `json:"approved"`
}

type cooldownResponse struct {
	ZombieID  models.ZombieID `json:"zombieId"`
	State     string          `json:"state"`
	Remaining time.Duration   `json:"remaining"`
}

type ownerZombiesResponse struct {
	Owner   models.Identity   `json:"owner"`
	Balance int               `json:"balance"`
	Zombies []models.ZombieID `json:"zombies"`
}

type statsResponse struct {
	Registry registry.Stats      `json:"registry"`
	Bus      bus.EventBusMetrics `json:"bus"`
	Server   Stats               `json:"server"`
}

// requestLogger logs every request with the chi request id.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := log.ContextWithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		s.logger.WithContext(ctx).Debug("Request served",
			log.String("method", r.Method),
			log.String("path", r.URL.Path),
			log.Int("status", ww.Status()),
			log.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, statsResponse{
		Registry: s.registry.Stats(),
		Bus:      s.registry.Bus().GetMetrics(),
		Server:   s.GetStats(),
	})
}

// handleEvents handles GET /events?from=N&limit=M
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondJSONError(w, http.StatusNotFound, ErrorBody{Code: apperrors.CodeNotFound, Message: ErrJournalDisabled.Error()})
		return
	}
	q := r.URL.Query()
	from, err := queryUint(q.Get("from"), 0)
	if err != nil {
		respondError(w, apperrors.New(apperrors.CodeInvalidArgument, "list_events", "from must be an unsigned integer"))
		return
	}
	limit, err := queryUint(q.Get("limit"), 100)
	if err != nil || limit == 0 || limit > 1000 {
		respondError(w, apperrors.New(apperrors.CodeInvalidArgument, "list_events", "limit must be within [1, 1000]"))
		return
	}

	records, err := s.journal.List(r.Context(), from, int(limit))
	if err != nil {
		s.logger.WithContext(r.Context()).Error("Failed to list events", log.Error(err))
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// handleZombie handles GET /zombies/{id}
func (s *Server) handleZombie(w http.ResponseWriter, r *http.Request) {
	id, ok := zombieIDParam(w, r)
	if !ok {
		return
	}
	z, err := s.registry.Zombie(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, z)
}

// handleOwner handles GET /zombies/{id}/owner
func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := zombieIDParam(w, r)
	if !ok {
		return
	}
	owner, err := s.registry.OwnerOf(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ownerResponse{ZombieID: id, Owner: owner})
}

// handleApproved handles GET /zombies/{id}/approved
func (s *Server) handleApproved(w http.ResponseWriter, r *http.Request) {
	id, ok := zombieIDParam(w, r)
	if !ok {
		return
	}
	spender, err := s.registry.GetApproved(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, approvedResponse{ZombieID: id, Approved: spender})
}

// handleCooldown handles GET /zombies/{id}/cooldown
func (s *Server) handleCooldown(w http.ResponseWriter, r *http.Request) {
	id, ok := zombieIDParam(w, r)
	if !ok {
		return
	}
	state, remaining, err := s.registry.CooldownState(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cooldownResponse{ZombieID: id, State: state.String(), Remaining: remaining})
}

// handleOwnerZombies handles GET /owners/{owner}/zombies
func (s *Server) handleOwnerZombies(w http.ResponseWriter, r *http.Request) {
	owner := models.Identity(chi.URLParam(r, "owner"))
	ids, err := s.registry.ZombiesByOwner(r.Context(), owner)
	if err != nil {
		respondError(w, err)
		return
	}
	if ids == nil {
		ids = []models.ZombieID{}
	}
	respondJSON(w, http.StatusOK, ownerZombiesResponse{Owner: owner, Balance: len(ids), Zombies: ids})
}

func zombieIDParam(w http.ResponseWriter, r *http.Request) (models.ZombieID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		respondError(w, apperrors.New(apperrors.CodeInvalidArgument, "parse_id", "zombie id %q is not an unsigned integer", raw))
		return 0, false
	}
	return models.ZombieID(id), true
}

func queryUint(raw string, def uint64) (uint64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, err error) {
	body := errorBody(err)
	respondJSONError(w, body.Code.HTTPStatus(), *body)
}

func respondJSONError(w http.ResponseWriter, status int, body ErrorBody) {
	respondJSON(w, status, map[string]ErrorBody{"error": body})
}
