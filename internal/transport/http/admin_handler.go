package http

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/xuri/excelize/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"rogkeys/internal/domain"
	"rogkeys/internal/license"
	"rogkeys/internal/store"
)

// AdminHandler exposes the key lifecycle API consumed by the dashboard.
// Every route here sits behind the AdminAuth middleware.
type AdminHandler struct {
	manager  *license.Manager
	logger   *slog.Logger
	validate *validator.Validate
}

// NewAdminHandler creates the lifecycle handler.
func NewAdminHandler(m *license.Manager, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		manager:  m,
		logger:   logger.With(slog.String("handler", "admin")),
		validate: validator.New(),
	}
}

// Routes returns the chi router for /v1/keys.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/export", h.Export)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}/status", h.SetStatus)
	r.Post("/{id}/reset", h.ResetBinding)
	r.Delete("/{id}", h.Delete)
	return r
}

type createKeyRequest struct {
	Prefix        string `json:"prefix" validate:"max=16"`
	DurationValue int64  `json:"duration_value" validate:"min=0"`
	DurationType  string `json:"duration_type" validate:"omitempty,oneof=MINUTES HOURS DAYS YEARS"`
	Note          string `json:"note" validate:"max=512"`
	HWID          string `json:"hwid"`
}

type setStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=ACTIVE PAUSED BANNED ARCHIVED"`
}

// Create handles POST /v1/keys.
func (h *AdminHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("rogkeys/admin").Start(r.Context(), "admin.create_key",
		trace.WithAttributes(attribute.String("http.route", "/v1/keys")))
	defer span.End()

	var req createKeyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequest("request body must be JSON", r.URL.Path))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, BadRequest(err.Error(), r.URL.Path))
		return
	}
	if req.DurationValue > 0 && req.DurationType == "" {
		render.Render(w, r, BadRequest("duration_type is required with duration_value", r.URL.Path))
		return
	}

	params := license.CreateParams{
		Prefix:        req.Prefix,
		DurationValue: req.DurationValue,
		DurationUnit:  domain.DurationUnit(req.DurationType),
		Note:          req.Note,
		HWID:          req.HWID,
	}
	if id := IdentityFromContext(ctx); id != nil {
		params.OwnerID = id.UID
	}

	rec, err := h.manager.Create(ctx, params)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, MapAdminError(err, r.URL.Path))
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, rec)
}

// List handles GET /v1/keys with status, q, sort, order and owner params.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, problem := listOptions(r)
	if problem != nil {
		render.Render(w, r, problem)
		return
	}
	keys, err := h.manager.List(r.Context(), opts)
	if err != nil {
		render.Render(w, r, MapAdminError(err, r.URL.Path))
		return
	}
	if keys == nil {
		keys = []domain.LicenseKey{}
	}
	render.JSON(w, r, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

// Get handles GET /v1/keys/{id}.
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Render(w, r, MapAdminError(err, r.URL.Path))
		return
	}
	render.JSON(w, r, rec)
}

// SetStatus handles PATCH /v1/keys/{id}/status.
func (h *AdminHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequest("request body must be JSON", r.URL.Path))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, BadRequest(err.Error(), r.URL.Path))
		return
	}
	rec, err := h.manager.SetStatus(r.Context(), chi.URLParam(r, "id"), domain.KeyStatus(req.Status))
	if err != nil {
		render.Render(w, r, MapAdminError(err, r.URL.Path))
		return
	}
	render.JSON(w, r, rec)
}

// ResetBinding handles POST /v1/keys/{id}/reset.
func (h *AdminHandler) ResetBinding(w http.ResponseWriter, r *http.Request) {
	rec, err := h.manager.ResetBinding(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Render(w, r, MapAdminError(err, r.URL.Path))
		return
	}
	render.JSON(w, r, rec)
}

// Delete handles DELETE /v1/keys/{id}.
func (h *AdminHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		render.Render(w, r, MapAdminError(err, r.URL.Path))
		return
	}
	render.NoContent(w, r)
}

// Export handles GET /v1/keys/export?format=csv|xlsx.
func (h *AdminHandler) Export(w http.ResponseWriter, r *http.Request) {
	opts, problem := listOptions(r)
	if problem != nil {
		render.Render(w, r, problem)
		return
	}
	keys, err := h.manager.List(r.Context(), opts)
	if err != nil {
		render.Render(w, r, MapAdminError(err, r.URL.Path))
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "csv":
		h.exportCSV(w, keys)
	case "xlsx":
		h.exportXLSX(w, r, keys)
	default:
		render.Render(w, r, BadRequest("format must be csv or xlsx", r.URL.Path))
	}
}

var exportHeader = []string{
	"key", "status", "note", "created_at", "expires_at",
	"bound_device_id", "device_name", "last_used", "ip", "usage_count",
}

func exportRow(k *domain.LicenseKey) []string {
	return []string{
		k.Key,
		string(k.Status),
		k.Note,
		millisToRFC3339(&k.CreatedAt),
		millisToRFC3339(k.ExpiresAt),
		strOrEmpty(k.BoundDeviceID),
		strOrEmpty(k.DeviceName),
		millisToRFC3339(k.LastUsed),
		strOrEmpty(k.IP),
		strconv.FormatInt(k.UsageCount, 10),
	}
}

func (h *AdminHandler) exportCSV(w http.ResponseWriter, keys []domain.LicenseKey) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="license-keys.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write(exportHeader)
	for i := range keys {
		_ = cw.Write(exportRow(&keys[i]))
	}
	cw.Flush()
}

func (h *AdminHandler) exportXLSX(w http.ResponseWriter, r *http.Request, keys []domain.LicenseKey) {
	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Sheet1"
	for col, name := range exportHeader {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = f.SetCellValue(sheet, cell, name)
	}
	for row, k := range keys {
		for col, v := range exportRow(&k) {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="license-keys.xlsx"`)
	if err := f.Write(w); err != nil {
		h.logger.ErrorContext(r.Context(), "xlsx export failed", slog.String("error", err.Error()))
	}
}

func listOptions(r *http.Request) (license.ListOptions, render.Renderer) {
	q := r.URL.Query()
	opts := license.ListOptions{
		Filter: store.ListFilter{
			Query: q.Get("q"),
		},
		Sort:  q.Get("sort"),
		Order: q.Get("order"),
	}
	if s := q.Get("status"); s != "" {
		status := domain.KeyStatus(s)
		if !status.Valid() {
			return opts, BadRequest(fmt.Sprintf("unknown status %q", s), r.URL.Path)
		}
		opts.Filter.Status = status
	}
	// owner=me scopes the listing to the calling admin's keys; the store
	// is otherwise shared across admins.
	if q.Get("owner") == "me" {
		if id := IdentityFromContext(r.Context()); id != nil {
			opts.Filter.OwnerID = id.UID
		}
	}
	return opts, nil
}

func millisToRFC3339(p *int64) string {
	if p == nil || *p == 0 {
		return ""
	}
	return time.UnixMilli(*p).UTC().Format(time.RFC3339)
}

func strOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
