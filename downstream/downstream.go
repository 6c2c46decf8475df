// Package downstream serves in-process versions of the catalog, payment and
// user services the order saga calls. The demo and the tests run against
// them; each one can be scripted to fail.
package downstream

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const APIKeyHeader = "X-API-Key"

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type response struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, response{Error: &apiError{Code: code, Message: message}})
}

// RequireAPIKey rejects requests whose X-API-Key does not match key. An empty
// key disables the check.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key != "" && r.Header.Get(APIKeyHeader) != key {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRouter mounts all three services on one router, the way the demo runs
// them. Any of them may be nil.
func NewRouter(apiKey string, catalog *Catalog, payments *Payments, users *Users) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequireAPIKey(apiKey))
	if catalog != nil {
		catalog.Mount(r)
	}
	if payments != nil {
		payments.Mount(r)
	}
	if users != nil {
		users.Mount(r)
	}
	return r
}
