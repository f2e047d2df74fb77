package http

import (
	"encoding/json"
	"net/http"
)

// Error codes carried in the response envelope.
const (
	codeUnauthorized     = "UNAUTHORIZED"
	codeInvalidSessionID = "INVALID_SESSION_ID"
	codeNotFound         = "NOT_FOUND"
	codeSessionAttached  = "SESSION_ATTACHED"
	codeSessionConflict  = "SESSION_CONFLICT"
	codeMaxSessions      = "MAX_SESSIONS"
	codeRateLimited      = "RATE_LIMITED"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	codeInternal         = "INTERNAL"
)

// errorEnvelope is the body of every non-2xx response. Clients render
// message and action verbatim.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

func writeError(w http.ResponseWriter, status int, code, message, action string) {
	writeJSON(w, status, errorEnvelope{Error: code, Message: message, Action: action})
}

func writeMethodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed,
		"Method not allowed", "Use "+allow)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
