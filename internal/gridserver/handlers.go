package gridserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/vgrid/pkg/model"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handlePutResource(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	hash := chi.URLParam(r, "hash")

	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxResourceSize))
	if err != nil {
		respondError(w, reqID, http.StatusRequestEntityTooLarge, model.NewValidationError("resource too large: "+err.Error()))
		return
	}
	if got := model.HashContent(content); got != hash {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("content hash mismatch",
			model.FieldError{Field: "hash", Message: "content hashes to " + got}))
		return
	}
	created := s.grid.putResource(hash, content)
	data := map[string]any{"hash": hash, "size": len(content)}
	if created {
		respondCreated(w, reqID, data)
		return
	}
	respondOK(w, reqID, data)
}

func (s *Server) handleCreateRender(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid JSON: "+err.Error()))
		return
	}
	if req.URL == "" || req.Snapshot.Hash == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("render request is incomplete",
			model.FieldError{Field: "url", Message: "url and snapshot are required"}))
		return
	}
	if missing := s.grid.missingResources(&req); len(missing) > 0 {
		details := make([]model.FieldError, len(missing))
		for i, h := range missing {
			details[i] = model.FieldError{Field: "resources", Message: "not uploaded: " + h}
		}
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("render refers to resources that were not uploaded", details...))
		return
	}

	id := s.grid.createRender(req)
	s.logger.Debug("render queued", "render_id", id, "test_id", req.TestID, "step", req.StepName)
	respondCreated(w, reqID, model.RenderAccepted{RenderID: id, Status: model.RenderStatusWorkInProgress})
}

func (s *Server) handleGetRender(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	status, ok := s.grid.pollRender(id)
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("render", id))
		return
	}
	respondOK(w, reqID, status)
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid JSON: "+err.Error()))
		return
	}
	var details []model.FieldError
	if req.AppName == "" {
		details = append(details, model.FieldError{Field: "appName", Message: "is required"})
	}
	if req.TestName == "" {
		details = append(details, model.FieldError{Field: "testName", Message: "is required"})
	}
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid open request", details...))
		return
	}

	session := s.grid.openSession(req)
	s.logger.Info("session opened", "session_id", session.ID, "app", req.AppName, "test", req.TestName, "target", req.Target.Key(), "is_new", session.IsNew)
	respondCreated(w, reqID, session)
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req model.MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid JSON: "+err.Error()))
		return
	}
	result, err := s.grid.match(id, req)
	if err != nil {
		s.respondGridError(w, reqID, err)
		return
	}
	respondOK(w, reqID, result)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	aborted := false
	if v := r.URL.Query().Get("aborted"); v != "" {
		var err error
		if aborted, err = strconv.ParseBool(v); err != nil {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid aborted flag",
				model.FieldError{Field: "aborted", Message: err.Error()}))
			return
		}
	}
	results, err := s.grid.closeSession(id, aborted)
	if err != nil {
		s.respondGridError(w, reqID, err)
		return
	}
	s.logger.Info("session closed", "session_id", id, "status", results.Status, "aborted", aborted,
		"steps", results.Steps, "mismatches", results.Mismatches, "missing", results.Missing)
	respondOK(w, reqID, results)
}

func (s *Server) respondGridError(w http.ResponseWriter, reqID string, err error) {
	var ge *gridError
	if errors.As(err, &ge) {
		respondError(w, reqID, ge.status, ge.err)
		return
	}
	s.logger.Error("grid error", "error", err)
	respondError(w, reqID, http.StatusInternalServerError, &model.APIError{Code: model.ErrInternal, Message: err.Error()})
}
