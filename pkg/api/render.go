package api

import (
	"encoding/json"
	"net/http"

	"github.com/arbiterhq/arbiter/pkg/errdefs"
)

// maxErrorMessage bounds client-visible error messages; plugin stack traces
// and the like are truncated rather than leaked verbatim.
const maxErrorMessage = 200

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError renders any error as {"error": {code, message, details}} with
// the status derived from the error kind. Untyped errors become 500s with a
// generic code.
func writeError(w http.ResponseWriter, err error) {
	e := errdefs.AsError(err)
	if e == nil {
		e = errdefs.New("", "INTERNAL", "%s", err.Error())
	}

	body := e.AsDetails()
	if msg, ok := body["message"].(string); ok && len(msg) > maxErrorMessage {
		body["message"] = msg[:maxErrorMessage] + "..."
	}
	writeJSON(w, e.HTTPCode(), map[string]any{"error": body})
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errdefs.BadRequest("invalid JSON body: %v", err)
	}
	return nil
}
