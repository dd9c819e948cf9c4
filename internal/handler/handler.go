// Package handler exposes the grading session over a JSON HTTP API.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	appI18n "github.com/pavelanni/photograder/internal/i18n"
	"github.com/pavelanni/photograder/internal/model"
	"github.com/pavelanni/photograder/internal/session"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	sess     *session.Session
	config   model.GradingConfig
	validate *validator.Validate
}

// DefaultMaxImageBytes bounds a single uploaded file when the config sets no limit.
const DefaultMaxImageBytes = 20 << 20

// New creates a new Handler.
func New(s *session.Session, cfg model.GradingConfig) *Handler {
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = DefaultMaxImageBytes
	}
	return &Handler{
		sess:     s,
		config:   cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/config", h.handleConfig)
	r.Get("/api/session", h.handleSession)

	r.Post("/api/reference/images", h.handleAddImages(h.sess.AddReferenceImages))
	r.Delete("/api/reference/images", h.handleClearImages(h.sess.ClearReferenceImages))
	r.Delete("/api/reference/images/{index}", h.handleRemoveImage(h.sess.RemoveReferenceImage))
	r.Post("/api/submission/images", h.handleAddImages(h.sess.AddSubmissionImages))
	r.Delete("/api/submission/images", h.handleClearImages(h.sess.ClearSubmissionImages))
	r.Delete("/api/submission/images/{index}", h.handleRemoveImage(h.sess.RemoveSubmissionImage))
	r.Get("/api/previews/{previewID}", h.handlePreview)

	r.Post("/api/advance", h.handleTransition(h.sess.AdvanceToSubmission))
	r.Post("/api/back", h.handleTransition(h.sess.BackToReference))
	r.Post("/api/grade-another", h.handleTransition(h.sess.GradeAnotherSubmission))
	r.Post("/api/new-exam", h.handleTransition(h.sess.GradeNewExam))

	r.Post("/api/grading", h.handleStartGrading)
	r.Get("/api/grading", h.handleGradingStatus)

	r.Put("/api/exercises/{exerciseID}/points", h.handleSetPoints)
	r.Put("/api/exercises/{exerciseID}/problems/{problemID}", h.handleCorrectProblem)
}

// sessionView is the JSON form of a session snapshot, with error and
// notification text localized for the request.
type sessionView struct {
	State            model.State          `json:"state"`
	ReferenceImages  []model.ImageInfo    `json:"reference_images"`
	SubmissionImages []model.ImageInfo    `json:"submission_images"`
	Result           *model.GradingResult `json:"result,omitempty"`
	Grading          string               `json:"grading,omitempty"`
	Error            *errorView           `json:"error,omitempty"`
	Notification     *messageView         `json:"notification,omitempty"`
	RememberedScales map[string]float64   `json:"remembered_scales"`
}

type messageView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) view(ctx context.Context) sessionView {
	snap := h.sess.Snapshot()
	v := sessionView{
		State:            snap.State,
		ReferenceImages:  snap.ReferenceImages,
		SubmissionImages: snap.SubmissionImages,
		Result:           snap.Result,
		RememberedScales: snap.RememberedScales,
	}
	if p := h.sess.Pending(); p != nil {
		v.Grading = string(p.Status())
	}
	if snap.Err != nil {
		_, ev := describeError(ctx, snap.Err)
		v.Error = &ev
	}
	if snap.Notification != "" {
		v.Notification = &messageView{
			Code:    string(snap.Notification),
			Message: appI18n.T(ctx, string(snap.Notification)),
		}
	}
	return v
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"title":          appI18n.T(r.Context(), "AppTitle"),
		"provider":       h.config.Provider,
		"model":          h.config.Model,
		"prompt_variant": h.config.PromptVariant,
		"lang":           h.config.Lang,
		"languages":      appI18n.Languages(),
		"default_points": h.config.DefaultPoints,
		"max_image_mb":   h.config.MaxImageBytes >> 20,
	})
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.view(r.Context()))
}

func (h *Handler) handleTransition(op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, h.view(r.Context()))
	}
}

func (h *Handler) handleRemoveImage(remove func(int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			writeError(w, r, session.ErrImageIndex)
			return
		}
		if err := remove(index); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, h.view(r.Context()))
	}
}

func (h *Handler) handleClearImages(clearAll func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := clearAll(); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, h.view(r.Context()))
	}
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	img, ok := h.sess.Preview(chi.URLParam(r, "previewID"))
	if !ok {
		writeMessage(w, r, http.StatusNotFound, codePreviewNotFound)
		return
	}
	w.Header().Set("Content-Type", img.MIMEType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := w.Write(img.Data); err != nil {
		slog.Debug("write preview", "error", err)
	}
}

// handleStartGrading starts a grading run. By default it answers 202 at once
// and the client polls GET /api/grading or /api/session; with ?wait=true it
// blocks until the run finishes.
func (h *Handler) handleStartGrading(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "true" {
		ctx, cancel := h.gradingContext(r.Context())
		defer cancel()
		if _, err := h.sess.Grade(ctx); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, h.view(r.Context()))
		return
	}

	ctx, cancel := h.gradingContext(context.WithoutCancel(r.Context()))
	p, err := h.sess.StartGrading(ctx)
	if err != nil {
		cancel()
		writeError(w, r, err)
		return
	}
	go func() {
		<-p.Done()
		cancel()
	}()
	writeJSON(w, http.StatusAccepted, h.view(r.Context()))
}

func (h *Handler) gradingContext(parent context.Context) (context.Context, context.CancelFunc) {
	if h.config.GradingTimeout > 0 {
		return context.WithTimeout(parent, h.config.GradingTimeout)
	}
	return context.WithCancel(parent)
}

func (h *Handler) handleGradingStatus(w http.ResponseWriter, r *http.Request) {
	p := h.sess.Pending()
	if p == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(p.Status())})
}

type pointsRequest struct {
	Points *float64 `json:"points" validate:"required"`
}

func (h *Handler) handleSetPoints(w http.ResponseWriter, r *http.Request) {
	exerciseID, err := strconv.Atoi(chi.URLParam(r, "exerciseID"))
	if err != nil {
		writeError(w, r, session.ErrUnknownExercise)
		return
	}
	var req pointsRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, session.ErrInvalidPoints)
		return
	}
	if err := h.sess.SetExercisePoints(exerciseID, *req.Points); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(r.Context()))
}

type scoreRequest struct {
	Score *int `json:"score" validate:"required"`
}

func (h *Handler) handleCorrectProblem(w http.ResponseWriter, r *http.Request) {
	exerciseID, err := strconv.Atoi(chi.URLParam(r, "exerciseID"))
	if err != nil {
		writeError(w, r, session.ErrUnknownExercise)
		return
	}
	problemID, err := strconv.Atoi(chi.URLParam(r, "problemID"))
	if err != nil {
		writeError(w, r, session.ErrUnknownProblem)
		return
	}
	var req scoreRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, session.ErrInvalidScore)
		return
	}
	if err := h.sess.CorrectProblem(exerciseID, problemID, *req.Score); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(r.Context()))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return h.validate.Struct(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
