package proxy

import (
	"encoding/json"
	"net/http"
)

// APIErrorResponse represents an OpenAI-compatible error response.
type APIErrorResponse struct {
	Error APIError `json:"error"`
	// Reasons carries the per-provider deny breakdown on 503 responses.
	Reasons map[string]string `json:"reasons,omitempty"`
}

// APIError is the error object inside an OpenAI-compatible error response.
type APIError struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// Error type strings surfaced to callers.
const (
	errTypeInvalidRequest      = "invalid_request_error"
	errTypeNotFound            = "not_found_error"
	errTypeNoProviderAvailable = "no_provider_available"
	errTypeUpstream            = "api_error"
	errTypeInternal            = "server_error"
)

// writeJSONError writes an OpenAI-compatible JSON error response.
func writeJSONError(w http.ResponseWriter, statusCode int, message, errorType string, reasons map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := APIErrorResponse{
		Error: APIError{
			Message: message,
			Type:    errorType,
		},
		Reasons: reasons,
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteErrorBadRequest writes a 400 Bad Request JSON error.
func WriteErrorBadRequest(w http.ResponseWriter, message string) {
	writeJSONError(w, http.StatusBadRequest, message, errTypeInvalidRequest, nil)
}

// WriteErrorNotFound writes a 404 Not Found JSON error.
func WriteErrorNotFound(w http.ResponseWriter, message string) {
	writeJSONError(w, http.StatusNotFound, message, errTypeNotFound, nil)
}

// WriteErrorTooLarge writes a 413 Request Entity Too Large JSON error.
func WriteErrorTooLarge(w http.ResponseWriter, message string) {
	writeJSONError(w, http.StatusRequestEntityTooLarge, message, errTypeInvalidRequest, nil)
}

// WriteErrorNoProvider writes the 503 Service Unavailable response carrying
// the per-provider deny breakdown.
func WriteErrorNoProvider(w http.ResponseWriter, message string, reasons map[string]string) {
	writeJSONError(w, http.StatusServiceUnavailable, message, errTypeNoProviderAvailable, reasons)
}

// WriteErrorBadGateway writes a 502 Bad Gateway JSON error.
func WriteErrorBadGateway(w http.ResponseWriter, message string) {
	writeJSONError(w, http.StatusBadGateway, message, errTypeUpstream, nil)
}

// WriteErrorInternal writes a 500 Internal Server Error JSON error.
func WriteErrorInternal(w http.ResponseWriter, message string) {
	writeJSONError(w, http.StatusInternalServerError, message, errTypeInternal, nil)
}
