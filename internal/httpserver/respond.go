package httpserver

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
)

// Respond writes data as JSON. The body is encoded before the status line
// is sent, so an unencodable value becomes a 500 instead of a truncated 2xx.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	if data == nil {
		w.WriteHeader(status)
		return
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		slog.Error("encoding response", "status", status, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal_error","message":"failed to encode response"}` + "\n"))
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// ErrorResponse is the JSON body of every non-step error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes an ErrorResponse with the given code and message.
func RespondError(w http.ResponseWriter, status int, code, message string) {
	Respond(w, status, ErrorResponse{Error: code, Message: message})
}
