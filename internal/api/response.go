// Package api implements the HTTP REST layer of the control plane. It uses
// Chi as the router and exposes all resources under /api. Authentication is
// enforced via JWT middleware on all routes except the public auth
// endpoints; role-based access (viewer < operator < admin) is applied at
// the route level via the RequireRole middleware.
//
// The layer is deliberately thin: request parsing, pagination defaults, and
// error-to-status mapping. All business rules live in the controller.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/aviary-run/aviary/internal/controller"
)

// envelope is the wrapper for every API response.
//
// Success:  {"success": true, "data": <payload>}
// Error:    {"success": false, "error": "human-readable message"}
// Listing:  adds {"pagination": {...}}
type envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Message    string      `json:"message,omitempty"`
	Error      string      `json:"error,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// Pagination describes the page window of a list response.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 success envelope.
func Ok(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// OkMessage writes a 200 success envelope carrying a message and no data.
func OkMessage(w http.ResponseWriter, message string) {
	JSON(w, http.StatusOK, envelope{Success: true, Message: message})
}

// Created writes a 201 success envelope.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, envelope{Success: true, Data: data})
}

// Page writes a 200 success envelope with pagination metadata.
func Page(w http.ResponseWriter, data any, page, limit int, total int64) {
	totalPages := 0
	if limit > 0 {
		totalPages = int((total + int64(limit) - 1) / int64(limit))
	}
	JSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    data,
		Pagination: &Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
	})
}

// Fail writes an error envelope with the given status.
func Fail(w http.ResponseWriter, status int, message string) {
	JSON(w, status, envelope{Success: false, Error: message})
}

// ErrUnauthorized writes a 401 error envelope.
func ErrUnauthorized(w http.ResponseWriter) {
	Fail(w, http.StatusUnauthorized, "authentication required")
}

// ErrForbidden writes a 403 error envelope.
func ErrForbidden(w http.ResponseWriter) {
	Fail(w, http.StatusForbidden, "insufficient permissions")
}

// FailErr maps a controller error to its HTTP status and writes the error
// envelope. Internal errors are not exposed to the client.
func FailErr(w http.ResponseWriter, err error) {
	kind := controller.KindOf(err)
	status := statusForKind(kind)
	if kind == controller.KindInternal {
		Fail(w, status, "an internal error occurred")
		return
	}
	Fail(w, status, err.Error())
}

func statusForKind(kind controller.Kind) int {
	switch kind {
	case controller.KindValidation:
		return http.StatusBadRequest
	case controller.KindForbidden:
		return http.StatusForbidden
	case controller.KindNotFound:
		return http.StatusNotFound
	case controller.KindConflict:
		return http.StatusConflict
	case controller.KindExhausted, controller.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes the request body into dst. Writes a 400 and returns
// false on failure so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		Fail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
