package http

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"rogkeys/internal/license"
)

// ValidateHandler serves the public validation endpoint. Its wire contract
// is shared with the client loaders: every response is JSON, whatever
// happens, because clients parse each body to tell "endpoint missing"
// (malformed JSON) apart from "key rejected" (well-formed JSON rejection).
type ValidateHandler struct {
	validator *license.Validator
	apiSecret string
	logger    *slog.Logger
}

// NewValidateHandler creates the handler. apiSecret may be empty to
// disable the pre-shared secret handshake.
func NewValidateHandler(v *license.Validator, apiSecret string, logger *slog.Logger) *ValidateHandler {
	return &ValidateHandler{
		validator: v,
		apiSecret: apiSecret,
		logger:    logger.With(slog.String("handler", "validate")),
	}
}

// validateRequest is the request body. Query-string equivalents are
// accepted for clients that cannot send a body.
type validateRequest struct {
	Key        string `json:"key"`
	HWID       string `json:"hwid"`
	DeviceName string `json:"device_name"`
	Ping       bool   `json:"ping"`
}

// validateResponse is the success shape the loaders expect.
type validateResponse struct {
	Valid     bool   `json:"valid"`
	ExpiresAt string `json:"expires_at"`
	OwnerNote string `json:"owner_note"`
	DeviceID  string `json:"device_id"`
	Message   string `json:"message"`
}

type rejectResponse struct {
	Valid   bool   `json:"valid"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Handle processes POST (and query-string GET) validation calls.
func (h *ValidateHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	// Body parsing is deliberately forgiving: some client frameworks send
	// the JSON as a string body, some send nothing and use the query.
	_ = render.DecodeJSON(r.Body, &req)
	if req.Key == "" {
		req.Key = r.URL.Query().Get("key")
	}
	if req.HWID == "" {
		req.HWID = r.URL.Query().Get("hwid")
	}

	// Health handshake for the dashboard's "Checking..." indicator.
	if req.Ping || r.URL.Query().Get("ping") != "" {
		render.Status(r, http.StatusOK)
		render.JSON(w, r, map[string]string{"status": "online", "message": "ROG server active"})
		return
	}

	// Pre-shared secret handshake before any store access.
	if h.apiSecret != "" {
		secret := r.Header.Get("x-api-secret")
		if secret == "" {
			secret = r.URL.Query().Get("secret")
		}
		if subtle.ConstantTimeCompare([]byte(secret), []byte(h.apiSecret)) != 1 {
			h.reject(w, r, http.StatusUnauthorized, license.ReasonUnauthorized,
				"Invalid API secret. Check your client configuration.")
			return
		}
	}

	if req.Key == "" {
		h.reject(w, r, http.StatusBadRequest, license.ReasonMissingKey, "Protocol error: missing key")
		return
	}
	if req.HWID == "" {
		h.reject(w, r, http.StatusBadRequest, license.ReasonMissingFingerprint, "Protocol error: missing HWID")
		return
	}

	session, err := h.validator.Validate(r.Context(), req.Key, req.HWID, license.ClientMeta{
		IP:         clientIP(r),
		DeviceName: req.DeviceName,
	})
	if err != nil {
		h.rejectFor(w, r, err)
		return
	}

	expires := "LIFETIME"
	if session.ExpiresAt != nil {
		expires = time.UnixMilli(*session.ExpiresAt).UTC().Format(time.RFC3339)
	}
	note := session.Note
	if note == "" {
		note = "No reference"
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, validateResponse{
		Valid:     true,
		ExpiresAt: expires,
		OwnerNote: note,
		DeviceID:  session.DeviceID,
		Message:   "Authenticated",
	})
}

// rejectFor maps validation errors onto the protocol's status codes:
// 400 malformed input, 404 unknown key, 403 policy rejections, 503
// transient store failures, 500 everything else.
func (h *ValidateHandler) rejectFor(w http.ResponseWriter, r *http.Request, err error) {
	var notActive *license.NotActiveError
	switch {
	case errors.Is(err, license.ErrMissingKey):
		h.reject(w, r, http.StatusBadRequest, license.ReasonMissingKey, "Protocol error: missing key")
	case errors.Is(err, license.ErrMissingFingerprint):
		h.reject(w, r, http.StatusBadRequest, license.ReasonMissingFingerprint, "Protocol error: missing HWID")
	case errors.Is(err, license.ErrKeyNotFound):
		h.reject(w, r, http.StatusNotFound, license.ReasonKeyNotFound, "License key invalid")
	case errors.As(err, &notActive):
		h.reject(w, r, http.StatusForbidden, license.ReasonKeyNotActive,
			"Login denied: key is "+string(notActive.Status))
	case errors.Is(err, license.ErrExpired):
		h.reject(w, r, http.StatusForbidden, license.ReasonExpired, "License key expired")
	case errors.Is(err, license.ErrDeviceMismatch):
		h.reject(w, r, http.StatusForbidden, license.ReasonDeviceMismatch,
			"Security alert: key is bound to a different device.")
	case errors.Is(err, license.ErrUnavailable):
		h.reject(w, r, http.StatusServiceUnavailable, license.ReasonUnavailable,
			"License service temporarily unavailable. Retry shortly.")
	default:
		h.logger.ErrorContext(r.Context(), "validation internal error",
			slog.String("error", err.Error()))
		h.reject(w, r, http.StatusInternalServerError, license.ReasonInternal, "Internal Server Error")
	}
}

func (h *ValidateHandler) reject(w http.ResponseWriter, r *http.Request, status int, code license.Reason, msg string) {
	render.Status(r, status)
	render.JSON(w, r, rejectResponse{Valid: false, Code: string(code), Message: msg})
}
