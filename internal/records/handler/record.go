package handler

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/civirec/civirec-backend/internal/records/domain"
	"github.com/civirec/civirec-backend/internal/records/service"
	"github.com/civirec/civirec-backend/pkg/errors"
	"github.com/civirec/civirec-backend/pkg/httputil"
	"github.com/civirec/civirec-backend/pkg/logger"
)

// RecordHandler handles record CRUD endpoints
type RecordHandler struct {
	service *service.RecordService
	logger  *logger.Logger
}

// NewRecordHandler creates a new record handler
func NewRecordHandler(svc *service.RecordService, log *logger.Logger) *RecordHandler {
	return &RecordHandler{
		service: svc,
		logger:  log,
	}
}

// Routes mounts the record endpoints
func (h *RecordHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/search", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
}

// List lists records, filtered by name substring and identifier prefix
// when the query carries them.
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := pagination(r)
	name := r.URL.Query().Get("name")
	idNumber := r.URL.Query().Get("idNumber")

	var result *domain.PagedResult
	var err error
	if name != "" || idNumber != "" {
		result, err = h.service.Search(r.Context(), name, idNumber, page, perPage)
	} else {
		result, err = h.service.List(r.Context(), page, perPage)
	}
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, result.Items, &httputil.Meta{
		PageNumber: result.PageNumber,
		PageSize:   result.PageSize,
		TotalCount: result.TotalCount,
		TotalPages: result.TotalPages,
	})
}

// Get gets a record by ID
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	rec, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, rec)
}

// Create creates a new record
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	var dto domain.CreateUpdateRecordDTO
	if err := httputil.DecodeJSONLocalized(r, &dto); err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}
	if err := httputil.Validate(&dto); err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	rec, err := h.service.Create(r.Context(), &dto)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.Created(w, rec)
}

// Update updates an existing record
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	var dto domain.CreateUpdateRecordDTO
	if err := httputil.DecodeJSONLocalized(r, &dto); err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}
	if err := httputil.Validate(&dto); err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	rec, err := h.service.Update(r.Context(), id, &dto)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, rec)
}

// Delete soft deletes a record
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.NoContent(w)
}

func recordID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, errors.BadRequest("invalid record id")
	}
	return id, nil
}

func pagination(r *http.Request) (page, perPage int) {
	q := r.URL.Query()

	page, _ = strconv.Atoi(queryFirst(q, "pageNumber", "page"))
	if page < 1 {
		page = 1
	}

	perPage, _ = strconv.Atoi(queryFirst(q, "pageSize", "per_page"))
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	return page, perPage
}

func queryFirst(q url.Values, keys ...string) string {
	for _, key := range keys {
		if v := q.Get(key); v != "" {
			return v
		}
	}
	return ""
}
