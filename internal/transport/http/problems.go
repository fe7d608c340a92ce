package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"rogkeys/internal/license"
	"rogkeys/internal/store"
)

// ProblemDetails implements RFC 7807 problem documents for the admin API.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface.
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the document.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := map[string]interface{}{
		"type":   pd.Type,
		"title":  pd.Title,
		"status": pd.Status,
	}
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblem creates an RFC 7807 document.
func NewProblem(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension member.
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapAdminError converts lifecycle errors into problem documents.
func MapAdminError(err error, instance string) render.Renderer {
	code := func(c string, pd *ProblemDetails) render.Renderer {
		return pd.WithExtension("error_code", c)
	}
	switch {
	case errors.Is(err, license.ErrUnauthorized):
		return code("UNAUTHORIZED", NewProblem(http.StatusUnauthorized,
			"/errors/unauthorized", "Unauthorized",
			"A valid admin credential is required.", instance))
	case errors.Is(err, license.ErrKeyNotFound):
		return code("KEY_NOT_FOUND", NewProblem(http.StatusNotFound,
			"/errors/key-not-found", "Key Not Found",
			"No license key matches the requested id.", instance))
	case errors.Is(err, license.ErrStatusTerminal):
		return code("STATUS_TERMINAL", NewProblem(http.StatusConflict,
			"/errors/status-terminal", "Status Is Terminal",
			"A BANNED key cannot transition to another status.", instance))
	case errors.Is(err, store.ErrConflict):
		return code("KEY_CONFLICT", NewProblem(http.StatusConflict,
			"/errors/key-conflict", "Key Conflict",
			"A key with this value already exists.", instance))
	case errors.Is(err, license.ErrUnavailable):
		return code("UNAVAILABLE", NewProblem(http.StatusServiceUnavailable,
			"/errors/store-unavailable", "Store Unavailable",
			"The key store is unreachable. Retry with backoff.", instance))
	default:
		return code("INTERNAL_ERROR", NewProblem(http.StatusInternalServerError,
			"/errors/internal-error", "Internal Server Error",
			"An unexpected error occurred while processing the request.", instance))
	}
}

// BadRequest builds a 400 problem for malformed admin requests.
func BadRequest(detail, instance string) render.Renderer {
	return NewProblem(http.StatusBadRequest,
		"/errors/invalid-request", "Invalid Request", detail, instance).
		WithExtension("error_code", "INVALID_REQUEST")
}
