// Package httputil provides JSON response helpers and the standardized
// error body shape shared by every handler.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wikibothq/wikibot/pkg/members"
)

// ErrorResponse is the standardized error body:
// { "error": <kind>, "message": <string>, "statusCode": <int>, "details": <any> }.
type ErrorResponse struct {
	Error      string      `json:"error"`
	Message    string      `json:"message"`
	StatusCode int         `json:"statusCode"`
	Details    interface{} `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standardized error response.
func WriteError(w http.ResponseWriter, status int, kind, message string) {
	WriteJSON(w, status, ErrorResponse{ //nolint:errcheck
		Error:      kind,
		Message:    message,
		StatusCode: status,
	})
}

// WriteErrorDetails writes a standardized error response with a details
// payload.
func WriteErrorDetails(w http.ResponseWriter, status int, kind, message string, details interface{}) {
	WriteJSON(w, status, ErrorResponse{ //nolint:errcheck
		Error:      kind,
		Message:    message,
		StatusCode: status,
		Details:    details,
	})
}

// WriteBadRequest writes a 400 response.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, string(members.KindBadRequest), message)
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, string(members.KindUnauthenticated), message)
}

// WriteForbidden writes a 403 response.
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, string(members.KindForbidden), message)
}

// WriteNotFound writes a 404 response.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, string(members.KindNotFound), message)
}

// WriteTooManyRequests writes a 429 response.
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, "rate_limited", message)
}

// WriteInternalError writes a 500 response without leaking internal detail.
func WriteInternalError(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, string(members.KindInternal), "internal server error")
}

// StatusForKind maps a service error kind to its HTTP status code.
func StatusForKind(kind members.Kind) int {
	switch kind {
	case members.KindUnauthenticated:
		return http.StatusUnauthorized
	case members.KindForbidden:
		return http.StatusForbidden
	case members.KindNotFound:
		return http.StatusNotFound
	case members.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteServiceError maps a service-layer error to the standardized body.
// Authorization failures keep their kind and message; internal failures and
// untyped errors collapse to an opaque 500 so storage detail never reaches
// the client, and a Forbidden is never fabricated from an internal fault.
func WriteServiceError(w http.ResponseWriter, err error) {
	var svcErr *members.Error
	if errors.As(err, &svcErr) && svcErr.Kind != members.KindInternal {
		WriteError(w, StatusForKind(svcErr.Kind), string(svcErr.Kind), svcErr.Message)
		return
	}
	WriteInternalError(w)
}
