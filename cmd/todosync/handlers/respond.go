// Package handlers provides the local REST API over the todo service.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/todosync/internal/errors"
	"github.com/kimhsiao/todosync/internal/logging"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err, nil)
	}
}

// statusFor maps an application error code to an HTTP status.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrValidation, errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrNotAuthenticated:
		return http.StatusUnauthorized
	case errors.ErrSyncInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)

	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = err.Error()
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err,
			map[string]interface{}{"method": r.Method, "path": r.URL.Path})
		if appErr, ok := err.(*errors.AppError); ok {
			body.Error.Message = appErr.Message
		}
	}
	writeJSON(w, status, body)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid request body", err)
	}
	return nil
}
