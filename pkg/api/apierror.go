// Package api writes RFC 7807 Problem Detail error responses and throttles
// requests for the helm-assets HTTP surface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/proposal"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses must use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the distributed trace for this request.
	TraceID string `json:"trace_id,omitempty"`
	// MissingChunk names the first absent chunk index of a batch.
	MissingChunk *uint32 `json:"missing_chunk,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int) string {
	return fmt.Sprintf("https://helm.peycheff.com/errors/%d", status)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   problemType(status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemType(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

type errorStatus struct {
	err    error
	status int
	title  string
}

// statusTable maps domain sentinels to HTTP statuses. Order matters only
// for errors that wrap more than one sentinel.
var statusTable = []errorStatus{
	{assets.ErrPermissionDenied, http.StatusForbidden, "Forbidden"},
	{assets.ErrNotFound, http.StatusNotFound, "Not Found"},
	{assets.ErrInvalidStatus, http.StatusConflict, "Invalid Status"},
	{assets.ErrHashMismatch, http.StatusConflict, "Hash Mismatch"},
	{assets.ErrInvalidPath, http.StatusBadRequest, "Invalid Path"},
	{assets.ErrCapacityExceeded, http.StatusRequestEntityTooLarge, "Capacity Exceeded"},
	{assets.ErrExpired, http.StatusGone, "Expired"},
	{assets.ErrMissingChunk, http.StatusBadRequest, "Missing Chunk"},
	{assets.ErrInUse, http.StatusConflict, "In Use"},
	{assets.ErrStaleContinuation, http.StatusConflict, "Stale Continuation"},
	{proposal.ErrVersionConflict, http.StatusConflict, "Conflict"},
	{assets.ErrInvalidEncoding, http.StatusBadRequest, "Invalid Encoding"},
	{assets.ErrInvalidArgument, http.StatusBadRequest, "Bad Request"},
}

// StatusFor returns the HTTP status and title for a domain error. Unknown
// errors, including counter overflow, are internal.
func StatusFor(err error) (int, string) {
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.status, e.title
		}
	}
	return http.StatusInternalServerError, "Internal Server Error"
}

// WriteDomainError maps err onto its Problem Detail response.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := StatusFor(err)
	if status == http.StatusInternalServerError {
		WriteInternal(w, err)
		return
	}
	problem := &ProblemDetail{
		Type:     problemType(status),
		Title:    title,
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}
	var missing *assets.MissingChunkError
	if errors.As(err, &missing) {
		idx := missing.Index
		problem.MissingChunk = &idx
	}
	writeProblem(w, problem)
}
