// Package tunnel relays mavlink traffic between two connections that expose
// the same vehicle, rewriting the sysid for the receiving side.
package tunnel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gigglesninja/senior-design/internal/mavlink"
	"github.com/gigglesninja/senior-design/internal/protocol"
	"github.com/gigglesninja/senior-design/internal/util"
)

// flushTimeout bounds the best-effort delivery of queued packets after Close.
const flushTimeout = time.Second

// Endpoint is the outbound side of a connection. Send must be safe for
// concurrent use.
type Endpoint interface {
	Send(ctx context.Context, p protocol.Payload) error
}

// Side is one end of a tunnel: the sender identity a connection registered,
// and the endpoint relayed packets are written to.
type Side struct {
	Conn              uint64
	GCSInterface      uint32
	SysID             uint8
	CanAcceptCommands bool
	Out               Endpoint
}

// Info is a snapshot of a tunnel for status reporting.
type Info struct {
	ID         uint64 `json:"id" cbor:"id"`
	User       string `json:"user" cbor:"user"`
	Vehicle    string `json:"vehicle" cbor:"vehicle"`
	OwnerConn  uint64 `json:"owner_conn" cbor:"owner_conn"`
	OwnerSysID uint8  `json:"owner_sysid" cbor:"owner_sysid"`
	PipedConn  uint64 `json:"piped_conn" cbor:"piped_conn"`
	PipedSysID uint8  `json:"piped_sysid" cbor:"piped_sysid"`
	Relayed    int64  `json:"relayed" cbor:"relayed"`
	Dropped    int64  `json:"dropped" cbor:"dropped"`
}

// Tunnel bridges an owner identity (the vehicle's primary registration) and a
// piped identity on another connection. Each direction has its own bounded
// queue and pump goroutine, so each direction is FIFO and neither blocks the
// other.
//
// Packets from the piped side towards the owner are commands and are dropped
// when the owner cannot accept commands.
type Tunnel struct {
	id      uint64
	user    string
	vehicle string
	owner   Side
	piped   Side

	toOwner chan *protocol.MavlinkMsg
	toPiped chan *protocol.MavlinkMsg

	ctx       context.Context
	cancel    context.CancelFunc
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	relayed atomic.Int64
	dropped atomic.Int64
}

// New creates a tunnel and starts both pumps.
func New(id uint64, user, vehicle string, owner, piped Side, queueSize int) *Tunnel {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		id:      id,
		user:    user,
		vehicle: vehicle,
		owner:   owner,
		piped:   piped,
		toOwner: make(chan *protocol.MavlinkMsg, queueSize),
		toPiped: make(chan *protocol.MavlinkMsg, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}

	t.wg.Add(2)
	go t.pump(t.toPiped, piped)
	go t.pump(t.toOwner, owner)
	go func() {
		t.wg.Wait()
		cancel()
	}()

	util.LogDebug("[t%04d] tunnel up: %s/%s c%d sys%d <-> c%d sys%d",
		id, user, vehicle, owner.Conn, owner.SysID, piped.Conn, piped.SysID)
	return t
}

func (t *Tunnel) ID() uint64            { return t.id }
func (t *Tunnel) Owner() Side           { return t.owner }
func (t *Tunnel) Piped() Side           { return t.piped }
func (t *Tunnel) Vehicle() string       { return t.vehicle }
func (t *Tunnel) Done() <-chan struct{} { return t.ctx.Done() }

// Involves reports whether conn is one of the two sides.
func (t *Tunnel) Involves(conn uint64) bool {
	return t.owner.Conn == conn || t.piped.Conn == conn
}

// Forward enqueues the part of m that this tunnel relays if it arrived on
// conn from this tunnel's interface. Only frames carrying the sending side's
// sysid are relayed, so other vehicles sharing the interface stay out of the
// pipe. It never blocks: a full queue drops the payload. The boolean reports
// whether m belonged to the tunnel.
func (t *Tunnel) Forward(conn uint64, m *protocol.MavlinkMsg) bool {
	var (
		queue    chan *protocol.MavlinkMsg
		src, dst Side
	)
	switch {
	case conn == t.owner.Conn && m.SrcInterface == t.owner.GCSInterface:
		queue, src, dst = t.toPiped, t.owner, t.piped
	case conn == t.piped.Conn && m.SrcInterface == t.piped.GCSInterface:
		queue, src, dst = t.toOwner, t.piped, t.owner
	default:
		return false
	}

	sel, err := Select(m, src.SysID)
	if err != nil {
		util.LogDebug("[t%04d] unrelayable mavlink from c%d: %v", t.id, conn, err)
		t.drop()
		return true
	}
	if sel == nil {
		return false
	}
	if queue == t.toOwner && !t.owner.CanAcceptCommands {
		t.drop()
		return true
	}

	select {
	case <-t.quit:
		t.drop()
		return true
	default:
	}

	select {
	case queue <- sel:
	default:
		util.LogDebug("[t%04d] queue to c%d full, dropping payload", t.id, dst.Conn)
		t.drop()
	}
	return true
}

// Select returns the frames of m sent by sysID. Packets are cut down to the
// matching frames and packets left empty are omitted. It returns nil when no
// frame in m carries sysID.
func Select(m *protocol.MavlinkMsg, sysID uint8) (*protocol.MavlinkMsg, error) {
	out := &protocol.MavlinkMsg{
		SrcInterface: m.SrcInterface,
		DeltaT:       m.DeltaT,
		HasDeltaT:    m.HasDeltaT,
	}
	for _, pkt := range m.Packets {
		var kept []byte
		whole := len(pkt) > 0
		err := mavlink.Walk(pkt, func(f mavlink.Frame) error {
			if f.SysID() == sysID {
				kept = append(kept, f.Raw...)
			} else {
				whole = false
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		switch {
		case whole:
			out.Packets = append(out.Packets, pkt)
		case len(kept) > 0:
			out.Packets = append(out.Packets, kept)
		}
	}
	if len(out.Packets) == 0 {
		return nil, nil
	}
	return out, nil
}

func (t *Tunnel) drop() {
	t.dropped.Add(1)
	util.Stats.AddDropped()
}

// pump rewrites and delivers queued payloads to dst. After Close it flushes
// what is already queued; Close cancels the context after flushTimeout, which
// ends a flush stuck on a slow side.
func (t *Tunnel) pump(queue <-chan *protocol.MavlinkMsg, dst Side) {
	defer t.wg.Done()

	for {
		select {
		case m := <-queue:
			t.deliver(m, dst)
		case <-t.quit:
			for {
				select {
				case m := <-queue:
					t.deliver(m, dst)
				default:
					return
				}
			}
		}
	}
}

func (t *Tunnel) deliver(m *protocol.MavlinkMsg, dst Side) {
	if t.ctx.Err() != nil {
		t.drop()
		return
	}
	out, err := Rewrite(m, dst)
	if err != nil {
		util.LogDebug("[t%04d] unrelayable mavlink for c%d: %v", t.id, dst.Conn, err)
		t.drop()
		return
	}
	if err := dst.Out.Send(t.ctx, out); err != nil {
		t.drop()
		return
	}
	t.relayed.Add(1)
	util.Stats.AddRelayed()
}

// Rewrite returns the payload as dst expects to receive it: every frame
// carries dst's sysid with a matching checksum and the source interface is
// dst's interface. deltaT is passed through.
func Rewrite(m *protocol.MavlinkMsg, dst Side) (*protocol.MavlinkMsg, error) {
	out := &protocol.MavlinkMsg{
		SrcInterface: dst.GCSInterface,
		DeltaT:       m.DeltaT,
		HasDeltaT:    m.HasDeltaT,
		Packets:      make([][]byte, 0, len(m.Packets)),
	}
	for _, pkt := range m.Packets {
		b, err := mavlink.RewriteSysID(pkt, dst.SysID)
		if err != nil {
			return nil, err
		}
		out.Packets = append(out.Packets, b)
	}
	return out, nil
}

// Close tears the tunnel down without waiting. Payloads already queued get a
// bounded chance to reach their side; later ones are dropped.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		close(t.quit)
		time.AfterFunc(flushTimeout, t.cancel)
		util.LogDebug("[t%04d] tunnel down: %s/%s", t.id, t.user, t.vehicle)
	})
}

// Info snapshots the tunnel.
func (t *Tunnel) Info() Info {
	return Info{
		ID:         t.id,
		User:       t.user,
		Vehicle:    t.vehicle,
		OwnerConn:  t.owner.Conn,
		OwnerSysID: t.owner.SysID,
		PipedConn:  t.piped.Conn,
		PipedSysID: t.piped.SysID,
		Relayed:    t.relayed.Load(),
		Dropped:    t.dropped.Load(),
	}
}
