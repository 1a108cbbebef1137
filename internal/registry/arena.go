// Package registry tracks live sessions by connection id and the vehicles
// they expose, and creates tunnels between connections sharing a vehicle.
package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gigglesninja/senior-design/internal/protocol"
)

// Endpoint is a live session as seen by the registry and by tunnels.
type Endpoint interface {
	ConnID() uint64
	Send(ctx context.Context, p protocol.Payload) error
	Done() <-chan struct{}
	Info() SessionInfo
}

// SenderInfo describes one sender identity of a session.
type SenderInfo struct {
	GCSInterface      uint32 `json:"gcs_interface" cbor:"gcs_interface"`
	SysID             uint8  `json:"sysid" cbor:"sysid"`
	VehicleUUID       string `json:"vehicle_uuid" cbor:"vehicle_uuid"`
	CanAcceptCommands bool   `json:"can_accept_commands" cbor:"can_accept_commands"`
	Piped             bool   `json:"piped" cbor:"piped"`
}

// SessionInfo is a status snapshot of one session.
type SessionInfo struct {
	ID        uint64        `json:"id" cbor:"id"`
	Transport string        `json:"transport" cbor:"transport"`
	Remote    string        `json:"remote" cbor:"remote"`
	State     string        `json:"state" cbor:"state"`
	User      string        `json:"user,omitempty" cbor:"user,omitempty"`
	Opened    time.Time     `json:"opened" cbor:"opened"`
	Mission   string        `json:"mission,omitempty" cbor:"mission,omitempty"`
	RTT       time.Duration `json:"rtt_ns,omitempty" cbor:"rtt_ns,omitempty"`
	Senders   []SenderInfo  `json:"senders" cbor:"senders"`
}

// Arena holds every live session indexed by connection id. Other structures
// keep ids, never sessions, and resolve them here; an id that is no longer in
// the arena belongs to a closed connection.
type Arena struct {
	next atomic.Uint64

	mu   sync.RWMutex
	live map[uint64]Endpoint
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{live: make(map[uint64]Endpoint)}
}

// NextID allocates a connection id. Ids start at 1 and are never reused.
func (a *Arena) NextID() uint64 {
	return a.next.Add(1)
}

// Add makes ep resolvable and starts an auto-cleanup goroutine that removes
// it once ep is done.
func (a *Arena) Add(ep Endpoint) {
	id := ep.ConnID()
	a.mu.Lock()
	a.live[id] = ep
	a.mu.Unlock()

	go func() {
		<-ep.Done()
		a.Remove(id)
	}()
}

// Remove invalidates id. It is idempotent.
func (a *Arena) Remove(id uint64) {
	a.mu.Lock()
	delete(a.live, id)
	a.mu.Unlock()
}

// Get resolves a live connection id.
func (a *Arena) Get(id uint64) (Endpoint, bool) {
	a.mu.RLock()
	ep, ok := a.live[id]
	a.mu.RUnlock()
	return ep, ok
}

// Alive reports whether id belongs to a live session.
func (a *Arena) Alive(id uint64) bool {
	_, ok := a.Get(id)
	return ok
}

// Len returns the number of live sessions.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.live)
}

// Snapshot returns the info of every live session ordered by id.
func (a *Arena) Snapshot() []SessionInfo {
	a.mu.RLock()
	eps := make([]Endpoint, 0, len(a.live))
	for _, ep := range a.live {
		eps = append(eps, ep)
	}
	a.mu.RUnlock()

	out := make([]SessionInfo, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
