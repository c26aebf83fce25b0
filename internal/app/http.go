package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tramando/api/internal/editing"
	"tramando/api/internal/logging"
	"tramando/api/internal/rbac"
	"tramando/api/internal/search"
)

const maxBodyBytes = 32 << 20

type HTTPServer struct {
	editor     *editing.Service
	search     *search.Service
	logger     *logging.Logger
	jwtSecret  []byte
	corsOrigin string
}

func NewHTTPServer(editor *editing.Service, searchSvc *search.Service, logger *logging.Logger, jwtSecret, corsOrigin string) *HTTPServer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &HTTPServer{
		editor:     editor,
		search:     searchSvc,
		logger:     logger,
		jwtSecret:  []byte(jwtSecret),
		corsOrigin: corsOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)

	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Get("/api/search", s.handleSearch)

		r.Route("/api/projects/{projectID}", func(r chi.Router) {
			r.Get("/", s.handleLoad)
			r.Post("/", s.handleCreate)
			r.Put("/", s.handleSave)
			r.Delete("/", s.handleDelete)
			r.Post("/undo", s.handleUndo)
			r.Post("/redo", s.handleRedo)
			r.Get("/history", s.handleHistory)
			r.Delete("/session", s.handleClose)
			r.Get("/versions", s.handleListVersions)
			r.Post("/versions", s.handleCreateVersion)
			r.Get("/versions/{ref}", s.handleVersionContent)
			r.Post("/versions/{ref}/restore", s.handleRestore)
		})
	})
	return r
}

// EditGate lets only roles holding the write action change content. The
// session is read from the request context set by requireSession.
func EditGate(ctx context.Context, _ string, _ string) error {
	session, ok := sessionFromContext(ctx)
	if !ok || !rbac.Can(session.Role, rbac.ActionWrite) {
		return editing.ErrForbidden
	}
	return nil
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"content": map[string]any{"status": "ok"},
	}
	if err := s.editor.Ready(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["content"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLoad(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, rbac.ActionRead) {
		return
	}
	doc, err := s.editor.Load(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, rbac.ActionWrite) {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session := mustSession(r)
	doc, err := s.editor.CreateProject(r.Context(), chi.URLParam(r, "projectID"), body.Content, session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"contentHash": doc.Hash})
}

// handleSave, handleStep and handleRestore rely on the editing service's gate
// for write access.
func (s *HTTPServer) handleSave(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content  *string `json:"content"`
		BaseHash string  `json:"baseHash"`
		Force    bool    `json:"force"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Content == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
		return
	}
	if !body.Force && strings.TrimSpace(body.BaseHash) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "baseHash is required unless force is set", nil)
		return
	}

	session := mustSession(r)
	projectID := chi.URLParam(r, "projectID")
	var (
		result editing.SaveResult
		err    error
	)
	if body.Force {
		result, err = s.editor.ForceSave(r.Context(), projectID, *body.Content, session.UserID)
	} else {
		result, err = s.editor.Save(r.Context(), projectID, *body.Content, body.BaseHash, session.UserID)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, rbac.ActionAdmin) {
		return
	}
	session := mustSession(r)
	if err := s.editor.DeleteProject(r.Context(), chi.URLParam(r, "projectID"), session.UserID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleUndo(w http.ResponseWriter, r *http.Request) {
	s.handleStep(w, r, s.editor.Undo)
}

func (s *HTTPServer) handleRedo(w http.ResponseWriter, r *http.Request) {
	s.handleStep(w, r, s.editor.Redo)
}

func (s *HTTPServer) handleStep(w http.ResponseWriter, r *http.Request, step func(context.Context, string, string) (editing.Document, bool, error)) {
	session := mustSession(r)
	doc, ok, err := step(r.Context(), chi.URLParam(r, "projectID"), session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, rbac.ActionRead) {
		return
	}
	state, err := s.editor.History(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleClose(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, rbac.ActionWrite) {
		return
	}
	if err := s.editor.CloseProject(r.Context(), chi.URLParam(r, "projectID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, rbac.ActionRead) {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	items, err := s.editor.ListVersions(r.Context(), chi.URLParam(r, "projectID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, rbac.ActionVersion) {
		return
	}
	var body struct {
		TagName string `json:"tagName"`
		Message string `json:"message"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session := mustSession(r)
	version, err := s.editor.CreateTaggedVersion(r.Context(), chi.URLParam(r, "projectID"), strings.TrimSpace(body.TagName), body.Message, session.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *HTTPServer) handleVersionContent(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, rbac.ActionRead) {
		return
	}
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	content, err := s.editor.VersionContent(r.Context(), chi.URLParam(r, "projectID"), ref)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content})
}

func (s *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, rbac.ActionVersion) {
		return
	}
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	session := mustSession(r)
	doc, err := s.editor.RestoreVersion(r.Context(), chi.URLParam(r, "projectID"), ref, session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, rbac.ActionRead) {
		return
	}
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	writeJSON(w, http.StatusOK, s.search.Search(search.Query{
		Text:     strings.TrimSpace(query.Get("q")),
		Language: query.Get("lang"),
		Limit:    limit,
		Offset:   offset,
	}))
}

// allow writes 403 and returns false when the session role lacks action.
func (s *HTTPServer) allow(w http.ResponseWriter, r *http.Request, action rbac.Action) bool {
	session := mustSession(r)
	if rbac.Can(session.Role, action) {
		return true
	}
	s.logger.WithRequestID(r.Context()).Info("forbidden",
		zap.String("user_id", session.UserID),
		zap.String("action", string(action)),
		zap.String("path", r.URL.Path),
	)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	return false
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithRequestID(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		r = r.WithContext(logging.ContextWithRequestID(r.Context(), requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.WithRequestID(r.Context()).Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// refParam decodes the version ref, which may be an escaped tag such as
// drafts%2Fchapter-3.
func refParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	ref, err := url.PathUnescape(chi.URLParam(r, "ref"))
	if err != nil || strings.TrimSpace(ref) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REF", "Invalid version reference", nil)
		return "", false
	}
	return ref, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
