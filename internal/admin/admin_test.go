package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/mux"

	"github.com/gigglesninja/senior-design/internal/mission"
	"github.com/gigglesninja/senior-design/internal/protocol"
	"github.com/gigglesninja/senior-design/internal/registry"
)

const testKey = "master-key"

type fakeSession struct {
	id   uint64
	done chan struct{}
}

func (f *fakeSession) ConnID() uint64        { return f.id }
func (f *fakeSession) Done() <-chan struct{} { return f.done }

func (f *fakeSession) Send(ctx context.Context, p protocol.Payload) error {
	return nil
}

func (f *fakeSession) Info() registry.SessionInfo {
	return registry.SessionInfo{ID: f.id, Transport: "tcp", State: "AUTHENTICATED", User: "alice"}
}

type env struct {
	reg      *registry.Registry
	missions *mission.Memory
	router   *mux.Router
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	arena := registry.NewArena()
	e := &env{
		reg:      registry.New(arena, 8),
		missions: mission.NewMemory(),
		router:   mux.NewRouter(),
	}
	api, err := New(e.reg, e.missions, opts)
	if err != nil {
		t.Fatal(err)
	}
	api.Mount(e.router)
	return e
}

func (e *env) get(path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func authed(extra ...string) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + testKey}
	for i := 0; i+1 < len(extra); i += 2 {
		h[extra[i]] = extra[i+1]
	}
	return h
}

func TestDisabledWithoutKey(t *testing.T) {
	e := newEnv(t, Options{})
	if rec := e.get("/api/stats", authed()); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAuthorization(t *testing.T) {
	e := newEnv(t, Options{APIKey: testKey})

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", map[string]string{"Authorization": "nope"}, http.StatusUnauthorized},
		{"bearer", authed(), http.StatusOK},
		{"bare", map[string]string{"Authorization": testKey}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := e.get("/api/stats", tt.header); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, Options{APIKey: testKey, Rate: 0.001, Burst: 2})

	for i := 0; i < 2; i++ {
		if rec := e.get("/api/stats", authed()); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := e.get("/api/stats", authed())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestSessionsAndVehicles(t *testing.T) {
	e := newEnv(t, Options{APIKey: testKey})
	arena := e.reg.Arena()
	s := &fakeSession{id: arena.NextID(), done: make(chan struct{})}
	arena.Add(s)
	defer close(s.done)

	if _, err := e.reg.Register(context.Background(), s.id, "alice", registry.Identity{SysID: 1, VehicleUUID: "V"}); err != nil {
		t.Fatal(err)
	}

	rec := e.get("/api/sessions", authed())
	var sessions []registry.SessionInfo
	if err := json.NewDecoder(rec.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].ID != s.id || sessions[0].User != "alice" {
		t.Fatalf("sessions = %+v", sessions)
	}

	rec = e.get("/api/vehicles", authed())
	var vehicles []registry.EntryInfo
	if err := json.NewDecoder(rec.Body).Decode(&vehicles); err != nil {
		t.Fatal(err)
	}
	if len(vehicles) != 1 || vehicles[0].Vehicle != "V" || vehicles[0].Conn != s.id {
		t.Fatalf("vehicles = %+v", vehicles)
	}

	rec = e.get("/api/stats", authed())
	var stats StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Sessions != 1 || stats.Vehicles != 1 || stats.Tunnels != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestMission(t *testing.T) {
	e := newEnv(t, Options{APIKey: testKey})
	m, _, _ := e.missions.Start(context.Background(), "alice", mission.StartRequest{Keep: true, Notes: "first flight"})

	if rec := e.get("/api/missions/unknown", authed()); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown mission status = %d", rec.Code)
	}

	rec := e.get("/api/missions/"+m.UUID, authed("Accept", contentTypeCBOR))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != contentTypeCBOR {
		t.Fatalf("content type = %q", ct)
	}
	var got mission.Mission
	if err := cbor.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.UUID != m.UUID || got.User != "alice" || !got.Keep || got.Notes != "first flight" {
		t.Fatalf("mission = %+v", got)
	}
}
