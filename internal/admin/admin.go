// Package admin serves the read-only status API: traffic counters, live
// sessions, registered vehicles, open tunnels and mission records.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/gigglesninja/senior-design/internal/mission"
	"github.com/gigglesninja/senior-design/internal/registry"
	"github.com/gigglesninja/senior-design/internal/util"
)

const contentTypeCBOR = "application/cbor"

// Options guards the API.
type Options struct {
	APIKey string  // required in the Authorization header; empty disables the API
	Rate   float64 // requests per second over all clients
	Burst  int
}

// API is the /api route set.
type API struct {
	reg      *registry.Registry
	missions mission.Store
	key      string
	limiter  *rate.Limiter
	cbor     cbor.EncMode
}

// StatsResponse is returned by /api/stats.
type StatsResponse struct {
	Traffic  util.StatsSnapshot `json:"traffic" cbor:"traffic"`
	Sessions int                `json:"sessions" cbor:"sessions"`
	Vehicles int                `json:"vehicles" cbor:"vehicles"`
	Tunnels  int                `json:"tunnels" cbor:"tunnels"`
}

type errorResponse struct {
	Error string `json:"error" cbor:"error"`
}

// New creates the API.
func New(reg *registry.Registry, missions mission.Store, opts Options) (*API, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &API{
		reg:      reg,
		missions: missions,
		key:      opts.APIKey,
		limiter:  rate.NewLimiter(limit, burst),
		cbor:     em,
	}, nil
}

// Enabled reports whether an API key is configured.
func (a *API) Enabled() bool { return a.key != "" }

// Mount registers the routes under /api on r. Nothing is mounted when the
// API is disabled.
func (a *API) Mount(r *mux.Router) {
	if !a.Enabled() {
		util.LogInfo("admin api disabled (no admin.api_key)")
		return
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(a.rateLimit, a.authorize)

	api.HandleFunc("/stats", a.getStats).Methods("GET")
	api.HandleFunc("/sessions", a.getSessions).Methods("GET")
	api.HandleFunc("/vehicles", a.getVehicles).Methods("GET")
	api.HandleFunc("/tunnels", a.getTunnels).Methods("GET")
	api.HandleFunc("/missions/{uuid}", a.getMission).Methods("GET")
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			a.writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorize accepts the key as is or as a bearer token.
func (a *API) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.key)) != 1 {
			a.writeError(w, r, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	a.write(w, r, http.StatusOK, StatsResponse{
		Traffic:  util.Stats.Snapshot(),
		Sessions: a.reg.Arena().Len(),
		Vehicles: a.reg.Len(),
		Tunnels:  a.reg.TunnelCount(),
	})
}

func (a *API) getSessions(w http.ResponseWriter, r *http.Request) {
	a.write(w, r, http.StatusOK, a.reg.Arena().Snapshot())
}

func (a *API) getVehicles(w http.ResponseWriter, r *http.Request) {
	a.write(w, r, http.StatusOK, a.reg.Entries())
}

func (a *API) getTunnels(w http.ResponseWriter, r *http.Request) {
	a.write(w, r, http.StatusOK, a.reg.TunnelInfos())
}

func (a *API) getMission(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	m, err := a.missions.Get(r.Context(), id)
	switch {
	case errors.Is(err, mission.ErrNotFound):
		a.writeError(w, r, http.StatusNotFound, "mission not found")
		return
	case err != nil:
		util.LogError("admin: get mission %s: %v", id, err)
		a.writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	a.write(w, r, http.StatusOK, m)
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

func wantsCBOR(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), contentTypeCBOR)
}

// write encodes v as CBOR when the client asks for it, JSON otherwise.
func (a *API) write(w http.ResponseWriter, r *http.Request, status int, v any) {
	if wantsCBOR(r) {
		data, err := a.cbor.Marshal(v)
		if err != nil {
			util.LogError("admin: cbor encode: %v", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentTypeCBOR)
		w.WriteHeader(status)
		w.Write(data)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.LogDebug("admin: json encode: %v", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	a.write(w, r, status, errorResponse{Error: msg})
}
