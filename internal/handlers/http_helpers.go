package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// writeJSON encodes v as JSON with the provided status code and a JSON content-type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError returns plain-text HTTP errors.
func writeError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

// pathVar returns the mux path var value (or empty string if missing).
func pathVar(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}

// decodeJSON decodes JSON request bodies with default decoder settings.
func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}
