package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/xenophobed/isa-mcp/internal/fault"
)

// errorResponse is the JSON error envelope for the admin surface.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Respond writes v as JSON with the given status code.
func Respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// RespondError writes a JSON error envelope.
func RespondError(w http.ResponseWriter, status int, code, message string) {
	Respond(w, status, errorResponse{Error: code, Message: message})
}

// RespondFault translates a classified error into the admin surface's HTTP
// status and envelope without leaking internals.
func RespondFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	if kind == fault.Overloaded {
		w.Header().Set("Retry-After", "1")
	}
	RespondError(w, fault.HTTPStatus(kind), string(kind), fault.Message(err))
}
