package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gigglesninja/senior-design/internal/tunnel"
	"github.com/gigglesninja/senior-design/internal/util"
)

var (
	// ErrConflict is returned when a live connection already owns the
	// vehicle and the new identity did not ask for a pipe.
	ErrConflict = errors.New("vehicle already registered by another connection")
	// ErrNotLive is returned when the registering connection is not in the
	// arena, i.e. it is closing or closed.
	ErrNotLive = errors.New("connection is not live")
)

// Result is the outcome of a registration.
type Result int

const (
	Accepted      Result = iota // new entry, or the owner re-registered
	ReplacedStale               // previous owner was gone and was evicted
	PipePending                 // owner is live; a tunnel to it was created
	Rejected                    // owner is live and no pipe was requested
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "ACCEPTED"
	case ReplacedStale:
		return "REPLACED_STALE"
	case PipePending:
		return "PIPE_PENDING"
	case Rejected:
		return "REJECTED"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Key identifies a logical vehicle.
type Key struct {
	User    string
	Vehicle string
}

// Identity is a sender identity as registered by a connection.
type Identity struct {
	GCSInterface      uint32
	SysID             uint8
	VehicleUUID       string
	CanAcceptCommands bool
	WantPipe          bool
}

// EntryInfo is a status snapshot of a registry entry.
type EntryInfo struct {
	User              string    `json:"user" cbor:"user"`
	Vehicle           string    `json:"vehicle" cbor:"vehicle"`
	Conn              uint64    `json:"conn" cbor:"conn"`
	GCSInterface      uint32    `json:"gcs_interface" cbor:"gcs_interface"`
	SysID             uint8     `json:"sysid" cbor:"sysid"`
	CanAcceptCommands bool      `json:"can_accept_commands" cbor:"can_accept_commands"`
	Since             time.Time `json:"since" cbor:"since"`
	Pipes             []uint64  `json:"pipes,omitempty" cbor:"pipes,omitempty"`
}

// entry is the primary registration of a vehicle plus the connections piped
// to it. It stores connection ids only; endpoints are resolved in the arena.
type entry struct {
	conn  uint64
	ident Identity
	since time.Time
	pipes map[uint64]*pipe
}

type pipe struct {
	ident Identity
	tun   *tunnel.Tunnel
}

// Registry maps (user, vehicle) to the owning connection. Mutations of one
// key are serialized by a per-key lock; different keys proceed
// independently. mu only guards the maps for the short time they are read
// or written.
type Registry struct {
	arena     *Arena
	locks     *keyLocks
	queueSize int
	tunnelSeq atomic.Uint64

	mu      sync.Mutex
	entries map[Key]*entry
	byConn  map[uint64]map[Key]struct{} // keys a connection owns or is piped to
}

// New creates an empty registry resolving connections in arena. queueSize
// bounds each tunnel direction.
func New(arena *Arena, queueSize int) *Registry {
	return &Registry{
		arena:     arena,
		locks:     newKeyLocks(),
		queueSize: queueSize,
		entries:   make(map[Key]*entry),
		byConn:    make(map[uint64]map[Key]struct{}),
	}
}

// Arena returns the arena the registry resolves connections in.
func (r *Registry) Arena() *Arena { return r.arena }

// Register records that conn exposes id for user.
//
// With no entry the identity becomes the owner (Accepted). When the owner is
// conn itself its identity is updated and its tunnels rebuilt (Accepted).
// When the owner's connection is gone it is evicted (ReplacedStale). When the
// owner is live a pipe request creates a tunnel (PipePending); otherwise the
// registration is refused with ErrConflict and any pipe conn held for the
// vehicle is torn down.
func (r *Registry) Register(ctx context.Context, conn uint64, user string, id Identity) (Result, error) {
	key := Key{User: user, Vehicle: id.VehicleUUID}
	unlock, err := r.locks.Lock(ctx, key)
	if err != nil {
		return Rejected, err
	}
	defer unlock()

	self, ok := r.arena.Get(conn)
	if !ok {
		return Rejected, ErrNotLive
	}

	r.mu.Lock()
	e := r.entries[key]
	r.mu.Unlock()

	switch {
	case e == nil:
		r.install(key, conn, id)
		return Accepted, nil

	case e.conn == conn:
		r.updateOwner(key, e, self, id)
		return Accepted, nil
	}

	owner, live := r.arena.Get(e.conn)
	if !live {
		util.LogInfo("%s evicting stale owner c%d of %s/%s", util.ConnPrefix(conn), e.conn, user, id.VehicleUUID)
		r.evict(key, e)
		r.install(key, conn, id)
		return ReplacedStale, nil
	}

	if id.WantPipe {
		r.addPipe(key, e, owner, self, id)
		return PipePending, nil
	}

	r.removePipe(key, e, conn)
	return Rejected, ErrConflict
}

// Unregister removes whatever conn registered for (user, vehicle): the
// primary entry together with its tunnels, or conn's pipe. Removing
// something that is not registered is a no-op.
func (r *Registry) Unregister(ctx context.Context, conn uint64, user, vehicle string) error {
	key := Key{User: user, Vehicle: vehicle}
	unlock, err := r.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	r.mu.Lock()
	e := r.entries[key]
	r.mu.Unlock()
	switch {
	case e == nil:
	case e.conn == conn:
		r.evict(key, e)
	default:
		r.removePipe(key, e, conn)
	}
	return nil
}

// UnregisterSession removes every registration of conn. In-flight operations
// on the same keys finish first.
func (r *Registry) UnregisterSession(conn uint64) {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.byConn[conn]))
	for k := range r.byConn[conn] {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	for _, k := range keys {
		// background context: teardown must not be abandoned half way
		_ = r.Unregister(context.Background(), conn, k.User, k.Vehicle)
	}
}

// Tunnels returns the tunnels conn takes part in.
func (r *Registry) Tunnels(conn uint64) []*tunnel.Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*tunnel.Tunnel
	for k := range r.byConn[conn] {
		e := r.entries[k]
		if e == nil {
			continue
		}
		if e.conn == conn {
			for _, p := range e.pipes {
				out = append(out, p.tun)
			}
		} else if p, ok := e.pipes[conn]; ok {
			out = append(out, p.tun)
		}
	}
	return out
}

// Owner returns the connection owning (user, vehicle).
func (r *Registry) Owner(user, vehicle string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[Key{User: user, Vehicle: vehicle}]
	if !ok {
		return 0, false
	}
	return e.conn, true
}

// Len returns the number of registered vehicles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// TunnelCount returns the number of open tunnels.
func (r *Registry) TunnelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		n += len(e.pipes)
	}
	return n
}

// Entries snapshots the registry ordered by user and vehicle.
func (r *Registry) Entries() []EntryInfo {
	r.mu.Lock()
	out := make([]EntryInfo, 0, len(r.entries))
	for k, e := range r.entries {
		info := EntryInfo{
			User:              k.User,
			Vehicle:           k.Vehicle,
			Conn:              e.conn,
			GCSInterface:      e.ident.GCSInterface,
			SysID:             e.ident.SysID,
			CanAcceptCommands: e.ident.CanAcceptCommands,
			Since:             e.since,
		}
		for c := range e.pipes {
			info.Pipes = append(info.Pipes, c)
		}
		sort.Slice(info.Pipes, func(i, j int) bool { return info.Pipes[i] < info.Pipes[j] })
		out = append(out, info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].User != out[j].User {
			return out[i].User < out[j].User
		}
		return out[i].Vehicle < out[j].Vehicle
	})
	return out
}

// TunnelInfos snapshots every open tunnel ordered by id.
func (r *Registry) TunnelInfos() []tunnel.Info {
	r.mu.Lock()
	var out []tunnel.Info
	for _, e := range r.entries {
		for _, p := range e.pipes {
			out = append(out, p.tun.Info())
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---------------------------------------------------------------------------
// Mutations. Callers hold the key lock.
// ---------------------------------------------------------------------------

func (r *Registry) install(key Key, conn uint64, id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = &entry{
		conn:  conn,
		ident: id,
		since: time.Now(),
		pipes: make(map[uint64]*pipe),
	}
	r.indexLocked(conn, key)
}

// updateOwner replaces the owner identity and rebuilds every tunnel so the
// new sysid and interface take effect. Pipes whose connection is gone are
// dropped.
func (r *Registry) updateOwner(key Key, e *entry, self Endpoint, id Identity) {
	type rebuild struct {
		conn uint64
		p    *pipe
		ep   Endpoint
	}
	r.mu.Lock()
	pipes := make([]rebuild, 0, len(e.pipes))
	for c, p := range e.pipes {
		pipes = append(pipes, rebuild{conn: c, p: p})
	}
	r.mu.Unlock()

	for i := range pipes {
		pipes[i].p.tun.Close()
		pipes[i].ep, _ = r.arena.Get(pipes[i].conn)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e.ident = id
	for _, rb := range pipes {
		if rb.ep == nil {
			delete(e.pipes, rb.conn)
			r.unindexLocked(rb.conn, key)
			continue
		}
		rb.p.tun = r.newTunnel(key, e.conn, e.ident, self, rb.conn, rb.p.ident, rb.ep)
	}
}

func (r *Registry) addPipe(key Key, e *entry, owner, self Endpoint, id Identity) {
	conn := self.ConnID()
	tun := r.newTunnel(key, e.conn, e.ident, owner, conn, id, self)

	r.mu.Lock()
	old := e.pipes[conn]
	e.pipes[conn] = &pipe{ident: id, tun: tun}
	r.indexLocked(conn, key)
	r.mu.Unlock()

	if old != nil {
		old.tun.Close()
	}
}

func (r *Registry) removePipe(key Key, e *entry, conn uint64) {
	r.mu.Lock()
	p, ok := e.pipes[conn]
	if ok {
		delete(e.pipes, conn)
		r.unindexLocked(conn, key)
	}
	r.mu.Unlock()

	if ok {
		p.tun.Close()
	}
}

func (r *Registry) evict(key Key, e *entry) {
	r.mu.Lock()
	if r.entries[key] == e {
		delete(r.entries, key)
	}
	r.unindexLocked(e.conn, key)
	tuns := make([]*tunnel.Tunnel, 0, len(e.pipes))
	for c, p := range e.pipes {
		r.unindexLocked(c, key)
		tuns = append(tuns, p.tun)
	}
	e.pipes = make(map[uint64]*pipe)
	r.mu.Unlock()

	for _, t := range tuns {
		t.Close()
	}
}

func (r *Registry) newTunnel(key Key, ownerConn uint64, ownerID Identity, owner Endpoint, pipedConn uint64, pipedID Identity, piped Endpoint) *tunnel.Tunnel {
	return tunnel.New(r.tunnelSeq.Add(1), key.User, key.Vehicle,
		tunnel.Side{
			Conn:              ownerConn,
			GCSInterface:      ownerID.GCSInterface,
			SysID:             ownerID.SysID,
			CanAcceptCommands: ownerID.CanAcceptCommands,
			Out:               owner,
		},
		tunnel.Side{
			Conn:              pipedConn,
			GCSInterface:      pipedID.GCSInterface,
			SysID:             pipedID.SysID,
			CanAcceptCommands: pipedID.CanAcceptCommands,
			Out:               piped,
		},
		r.queueSize)
}

func (r *Registry) indexLocked(conn uint64, key Key) {
	keys, ok := r.byConn[conn]
	if !ok {
		keys = make(map[Key]struct{})
		r.byConn[conn] = keys
	}
	keys[key] = struct{}{}
}

func (r *Registry) unindexLocked(conn uint64, key Key) {
	keys, ok := r.byConn[conn]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(r.byConn, conn)
	}
}
