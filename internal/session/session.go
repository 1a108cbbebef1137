// Package session implements the per-connection state machine: the login
// gate, sender identities, mission lifecycle and mavlink hand-off to tunnels.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/gigglesninja/senior-design/internal/auth"
	"github.com/gigglesninja/senior-design/internal/mission"
	"github.com/gigglesninja/senior-design/internal/protocol"
	"github.com/gigglesninja/senior-design/internal/registry"
	"github.com/gigglesninja/senior-design/internal/util"
)

// GCSVehicle is the reserved vehicle uuid of the ground station itself.
// Such identities stay local to the connection and never enter the registry.
const GCSVehicle = "GCS"

// finalizeTimeout bounds the mission write performed while closing.
const finalizeTimeout = 5 * time.Second

// ErrClosed is returned once the session has reached CLOSED. The dispatcher
// closes the connection without a fault indication.
var ErrClosed = errors.New("session closed")

// State is the login state of a session.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Outbox is the single writer of the connection.
type Outbox interface {
	Send(ctx context.Context, p protocol.Payload) error
	TrySend(p protocol.Payload) bool
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Auth     auth.Authenticator
	Missions mission.Store
	Registry *registry.Registry

	ProtocolVersion uint32
	LoginRate       float64 // attempts per second, 0 for unlimited
	LoginBurst      int
	ViewerURL       string
	NotifyConflicts bool

	Now func() time.Time
}

// sender is a registered identity. Vehicle identities are also held by the
// registry; GCS identities only live here.
type sender struct {
	ident registry.Identity
	local bool
	piped bool
}

// activeMission is the mission open on this session and what was counted
// for it so far.
type activeMission struct {
	uuid    string
	keep    bool
	packets int64
	deltaT  uint64
	hasDT   bool
}

// Session is the state of one connection. Handle is called from the
// connection's read loop only; Send, Info and Close may be called from
// other goroutines.
type Session struct {
	id     uint64
	prefix string
	kind   string
	remote string
	opened time.Time

	deps    Deps
	out     Outbox
	limiter *rate.Limiter
	pings   *pinger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	state     atomic.Int32

	mu        sync.Mutex
	user      string
	startTime time.Time
	mission   *activeMission
	senders   []sender
}

// New creates an unauthenticated session. The caller adds it to the
// registry's arena once it is ready to be resolved by other connections.
func New(ctx context.Context, id uint64, kind, remote string, out Outbox, deps Deps) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	limit := rate.Inf
	if deps.LoginRate > 0 {
		limit = rate.Limit(deps.LoginRate)
	}
	burst := deps.LoginBurst
	if burst <= 0 {
		burst = 1
	}

	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		id:      id,
		prefix:  util.ConnPrefix(id),
		kind:    kind,
		remote:  remote,
		opened:  deps.Now(),
		deps:    deps,
		out:     out,
		limiter: rate.NewLimiter(limit, burst),
		pings:   newPinger(),
		ctx:     sctx,
		cancel:  cancel,
	}
}

// ConnID returns the connection id.
func (s *Session) ConnID() uint64 { return s.id }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// User returns the logged-in user, empty before login.
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// StartTime returns the anchor of the connection's deltaT values.
func (s *Session) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// MissionUUID returns the uuid of the open mission, if any.
func (s *Session) MissionUUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mission == nil {
		return ""
	}
	return s.mission.uuid
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Send queues p for this connection. Tunnel pumps deliver through it.
func (s *Session) Send(ctx context.Context, p protocol.Payload) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	return s.out.Send(ctx, p)
}

// Keepalive queues a PingMsg with a fresh nonce. It reports false when the
// outbound queue is full or closed.
func (s *Session) Keepalive() bool {
	return s.out.TrySend(&protocol.PingMsg{Nonce: s.pings.next(s.deps.Now())})
}

// Info snapshots the session for the status API.
func (s *Session) Info() registry.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := registry.SessionInfo{
		ID:        s.id,
		Transport: s.kind,
		Remote:    s.remote,
		State:     s.State().String(),
		User:      s.user,
		Opened:    s.opened,
		RTT:       s.pings.lastRTT(),
		Senders:   make([]registry.SenderInfo, 0, len(s.senders)),
	}
	if s.mission != nil {
		info.Mission = s.mission.uuid
	}
	for _, snd := range s.senders {
		info.Senders = append(info.Senders, registry.SenderInfo{
			GCSInterface:      snd.ident.GCSInterface,
			SysID:             snd.ident.SysID,
			VehicleUUID:       snd.ident.VehicleUUID,
			CanAcceptCommands: snd.ident.CanAcceptCommands,
			Piped:             snd.piped,
		})
	}
	return info
}

// Close moves the session to CLOSED, removes it from the arena, unregisters
// every sender identity with its tunnels and finalizes an open mission with
// the keep flag given at its start. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		if reg := s.deps.Registry; reg != nil {
			reg.Arena().Remove(s.id)
			reg.UnregisterSession(s.id)
		}

		s.mu.Lock()
		m := s.mission
		s.mu.Unlock()
		if m != nil {
			ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
			if _, err := s.finalizeMission(ctx, m.keep); err != nil {
				util.LogError("%s finalizing mission %s on close: %v", s.prefix, m.uuid, err)
			} else {
				util.LogInfo("%s mission %s finalized on disconnect (keep=%t)", s.prefix, m.uuid, m.keep)
			}
			cancel()
		}

		s.cancel()
	})
}

// reply queues a response on the connection.
func (s *Session) reply(ctx context.Context, p protocol.Payload) error {
	if err := s.out.Send(ctx, p); err != nil {
		return fmt.Errorf("send %s: %w", p.Tag(), err)
	}
	return nil
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", protocol.ErrProtocolViolation, fmt.Sprintf(format, args...))
}
