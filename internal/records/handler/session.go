package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/civirec/civirec-backend/internal/records/domain"
	"github.com/civirec/civirec-backend/internal/records/ocr"
	"github.com/civirec/civirec-backend/internal/records/service"
	"github.com/civirec/civirec-backend/internal/records/session"
	"github.com/civirec/civirec-backend/pkg/config"
	"github.com/civirec/civirec-backend/pkg/errors"
	"github.com/civirec/civirec-backend/pkg/httputil"
	"github.com/civirec/civirec-backend/pkg/logger"
)

const maxUploadSize = 20 << 20 // 20MB

// SessionHandler drives reconciliation sessions over HTTP. Each session
// is the server-side form state for one operator working on one record.
type SessionHandler struct {
	service *service.RecordService
	gateway ocr.Gateway
	store   *SessionStore
	cfg     config.SessionConfig
	logger  *logger.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(svc *service.RecordService, gateway ocr.Gateway, store *SessionStore, cfg config.SessionConfig, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		service: svc,
		gateway: gateway,
		store:   store,
		cfg:     cfg,
		logger:  log,
	}
}

// Routes mounts the session endpoints
func (h *SessionHandler) Routes(r chi.Router) {
	r.Post("/", h.Open)
	r.Get("/{id}", h.GetState)
	r.Delete("/{id}", h.Cancel)
	r.Post("/{id}/images/{side}", h.UploadImage)
	r.Post("/{id}/extract/{side}", h.Extract)
	r.Post("/{id}/step", h.Step)
	r.Put("/{id}/fields", h.UpdateFields)
	r.Post("/{id}/save", h.Save)
	r.Delete("/{id}/save", h.CancelSave)
	r.Post("/{id}/confirm", h.Confirm)
}

// OpenSessionRequest opens a reconciliation session. A record ID makes
// it an edit session pre-populated from the stored record. Overwrite
// overrides the configured merge policy for this session only.
type OpenSessionRequest struct {
	RecordID  *int64 `json:"record_id"`
	Manual    bool   `json:"manual"`
	Overwrite *bool  `json:"overwrite"`
}

// Open opens a new session
func (h *SessionHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if r.ContentLength > 0 {
		if err := httputil.DecodeJSONLocalized(r, &req); err != nil {
			httputil.ErrorLocalized(w, r, err)
			return
		}
	}

	policy := session.FillEmptyOnly
	if h.cfg.Overwrite {
		policy = session.Overwrite
	}
	if req.Overwrite != nil {
		policy = session.FillEmptyOnly
		if *req.Overwrite {
			policy = session.Overwrite
		}
	}

	cfg := session.Config{
		Manual: req.Manual,
		Policy: policy,
	}

	if req.RecordID != nil {
		rec, err := h.service.GetByID(r.Context(), *req.RecordID)
		if err != nil {
			httputil.ErrorLocalized(w, r, err)
			return
		}
		cfg.Value = rec.Draft(time.Now())
		cfg.IsEdit = true
	} else {
		existing, err := h.service.ExistingIDSet(r.Context())
		if err != nil {
			httputil.ErrorLocalized(w, r, err)
			return
		}
		cfg.ExistingIDs = existing
	}

	entry := &SessionEntry{RecordID: req.RecordID}
	cfg.OnSave = func(ctx context.Context, payload *domain.SavePayload) error {
		rec, err := h.service.Save(ctx, entry.RecordID, payload)
		if err != nil {
			return err
		}
		entry.LastSaved = rec
		return nil
	}

	entry.Session = session.New(cfg, h.gateway, h.logger)
	h.store.Put(entry)

	h.logger.Info().Str("session_id", entry.Session.ID().String()).Bool("edit", cfg.IsEdit).Msg("reconciliation session opened")
	httputil.Created(w, entry.Session.State())
}

// GetState returns the current session state, including loading flags
// and pending side errors.
func (h *SessionHandler) GetState(w http.ResponseWriter, r *http.Request) {
	entry, err := h.entry(r)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, entry.Session.State())
}

// UploadImage accepts a multipart card image for one side and starts
// extraction. The response state shows the side loading.
func (h *SessionHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	entry, err := h.entry(r)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	side, err := sideParam(r)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		httputil.ErrorLocalized(w, r, errors.BadRequest("file too large or invalid multipart form"))
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		httputil.ErrorLocalized(w, r, errors.BadRequest("missing image in request"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		httputil.ErrorLocalized(w, r, errors.Internal("failed to read uploaded file"))
		return
	}

	mime := header.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}

	img := &domain.ImageFile{Name: header.Filename, MIME: mime, Data: data}
	if side == ocr.SideFront {
		err = entry.Session.SelectFrontImage(r.Context(), img)
	} else {
		err = entry.Session.SelectBackImage(r.Context(), img)
	}
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusAccepted, entry.Session.State())
}

// Extract re-runs extraction for the stored image of one side.
func (h *SessionHandler) Extract(w http.ResponseWriter, r *http.Request) {
	entry, err := h.entry(r)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	side, err := sideParam(r)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	if side == ocr.SideFront {
		err = entry.Session.ExtractFront(r.Context())
	} else {
		err = entry.Session.ExtractBack(r.Context())
	}
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusAccepted, entry.Session.State())
}

// StepRequest moves the wizard
type StepRequest struct {
	Step session.Step `json:"step"`
}

// Step moves the session between the front and back steps
func (h *SessionHandler) Step(w http.ResponseWriter, r *http.Request) {
	entry, err := h.entry(r)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	var req StepRequest
	if err := httputil.DecodeJSONLocalized(r, &req); err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	if err := entry.Session.Go(req.Step); err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, entry.Session.State())
}

// UpdateFields applies manual edits. The identifier field re-derives
// birth date and age as it would on a keystroke.
func (h *SessionHandler) UpdateFields(w http.ResponseWriter, r *http.Request) {
	entry, err := h.entry(r)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	var fields map[string]string
	if err := httputil.DecodeJSONLocalized(r, &fields); err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	for name, value := range fields {
		if err := entry.Session.SetField(name, value); err != nil {
			httputil.ErrorLocalized(w, r, err)
			return
		}
	}

	httputil.JSON(w, http.StatusOK, entry.Session.State())
}

// Save opens the confirmation step
func (h *SessionHandler) Save(w http.ResponseWriter, r *http.Request) {
	entry, err := h.entry(r)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	if err := entry.Session.SaveNow(); err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, entry.Session.State())
}

// CancelSave backs out of the confirmation step
func (h *SessionHandler) CancelSave(w http.ResponseWriter, r *http.Request) {
	entry, err := h.entry(r)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	entry.Session.CancelSave()
	httputil.JSON(w, http.StatusOK, entry.Session.State())
}

// Confirm commits the save. On success the session is torn down and the
// persisted record returned; on failure the session stays open for retry.
func (h *SessionHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	entry, err := h.entry(r)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	if _, err := entry.Session.ConfirmSave(r.Context()); err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	id := entry.Session.ID().String()
	h.store.Delete(id)
	entry.Session.Close()

	h.logger.Info().Str("session_id", id).Int64("record_id", entry.LastSaved.ID).Msg("reconciliation session saved")
	httputil.JSON(w, http.StatusOK, entry.LastSaved)
}

// Cancel discards the session without persisting
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	entry, err := h.entry(r)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	id := entry.Session.ID().String()
	h.store.Delete(id)
	entry.Session.Cancel()

	h.logger.Info().Str("session_id", id).Msg("reconciliation session cancelled")
	httputil.NoContent(w)
}

func (h *SessionHandler) entry(r *http.Request) (*SessionEntry, error) {
	entry := h.store.Get(chi.URLParam(r, "id"))
	if entry == nil {
		return nil, errors.NotFound("session")
	}
	return entry, nil
}

func sideParam(r *http.Request) (ocr.Side, error) {
	switch chi.URLParam(r, "side") {
	case "front":
		return ocr.SideFront, nil
	case "back":
		return ocr.SideBack, nil
	default:
		return "", errors.BadRequest("side must be front or back")
	}
}
