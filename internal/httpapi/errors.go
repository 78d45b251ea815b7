package httpapi

import (
	"errors"
	"net/http"

	"github.com/vaultline/entitystore/internal/entity"
)

// errorBody is the wire envelope for failures.
type errorBody struct {
	Name       string         `json:"name"`
	Message    string         `json:"message"`
	Properties map[string]any `json:"properties,omitempty"`
	Inner      *errorBody     `json:"inner,omitempty"`
}

// writeError renders a plain message under the given status.
func writeError(w http.ResponseWriter, _ *http.Request, code int, message string) {
	writeJSON(w, code, errorBody{Name: "error", Message: message})
}

// writeStoreError maps a store error kind onto a status code and renders the
// full envelope, preserving the wrapped cause as inner.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var se *entity.StoreError
	if !errors.As(err, &se) {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	code := http.StatusInternalServerError
	switch se.Kind {
	case entity.KindGuardFailure, entity.KindUnsupportedComparison, entity.KindSortNotIndexed, entity.KindUndefinedProperty:
		code = http.StatusBadRequest
	case entity.KindSignatureInvalid:
		code = http.StatusForbidden
	case entity.KindBackendUnavailable:
		code = http.StatusServiceUnavailable
	}

	body := errorBody{Name: se.Kind, Message: se.Error()}
	if se.Op != "" || se.ID != "" || se.Container != "" {
		body.Properties = map[string]any{}
		if se.Op != "" {
			body.Properties["operation"] = se.Op
		}
		if se.Container != "" {
			body.Properties["container"] = se.Container
		}
		if se.ID != "" {
			body.Properties["id"] = se.ID
		}
	}
	if se.Inner != nil {
		body.Inner = &errorBody{Name: "cause", Message: se.Inner.Error()}
	}
	writeJSON(w, code, body)
}
