// Package httpapi is the synchronous request/response surface under /api/v1:
// user key registration, conversation management, and message history pages.
// Realtime traffic never passes through here.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"veil/internal/auth"
	"veil/internal/store"
)

const (
	basePath = "/api/v1"

	// maxBodyBytes bounds request bodies; key envelopes are small.
	maxBodyBytes = 1 << 20
)

// API carries the handler dependencies.
type API struct {
	log      *slog.Logger
	st       store.Store
	verifier *auth.Verifier
}

// New wires the API surface.
func New(log *slog.Logger, st store.Store, verifier *auth.Verifier) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{log: log, st: st, verifier: verifier}
}

// Register mounts every route on mux. User creation is the only
// unauthenticated endpoint.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("PUT "+basePath+"/user/add", a.handleUserAdd)
	mux.HandleFunc("GET "+basePath+"/user/retrieve", a.withAuth(a.handleUserRetrieve))
	mux.HandleFunc("PATCH "+basePath+"/user/edit/{field}", a.withAuth(a.handleUserEdit))
	mux.HandleFunc("DELETE "+basePath+"/user/remove", a.withAuth(a.handleUserRemove))

	mux.HandleFunc("PUT "+basePath+"/conversation/add", a.withAuth(a.handleConversationAdd))
	mux.HandleFunc("POST "+basePath+"/conversation/one", a.withAuth(a.handleConversationOne))
	mux.HandleFunc("PATCH "+basePath+"/conversation/{hex}/{action}", a.withAuth(a.handleConversationAction))
	mux.HandleFunc("GET "+basePath+"/conversation/{hex}/messages", a.withAuth(a.handleMessagesPage))

	mux.HandleFunc("GET "+basePath+"/conversations/stats", a.withAuth(a.handleConversationStats))
	mux.HandleFunc("GET "+basePath+"/conversations/{filter}", a.withAuth(a.handleConversationList))
}

// authedHandler is a handler that has already passed cookie verification.
type authedHandler func(w http.ResponseWriter, r *http.Request, principal auth.Principal)

// withAuth verifies the token cookie and hands the principal to next.
func (a *API) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.verifier.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r, principal)
	}
}

// decodeBody reads a bounded JSON object body into the loose map the
// validator consumes.
func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return nil, false
	}
	return raw, true
}
