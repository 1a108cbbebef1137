package session

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gigglesninja/senior-design/internal/auth"
	"github.com/gigglesninja/senior-design/internal/mavlink"
	"github.com/gigglesninja/senior-design/internal/mission"
	"github.com/gigglesninja/senior-design/internal/protocol"
	"github.com/gigglesninja/senior-design/internal/registry"
)

// outbox captures what a session queues for its connection.
type outbox struct {
	ch chan protocol.Payload
}

func newOutbox() *outbox { return &outbox{ch: make(chan protocol.Payload, 64)} }

func (o *outbox) Send(ctx context.Context, p protocol.Payload) error {
	select {
	case o.ch <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *outbox) TrySend(p protocol.Payload) bool {
	select {
	case o.ch <- p:
		return true
	default:
		return false
	}
}

func (o *outbox) next(t *testing.T) protocol.Payload {
	t.Helper()
	select {
	case p := <-o.ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound payload")
		return nil
	}
}

func (o *outbox) empty(t *testing.T) {
	t.Helper()
	select {
	case p := <-o.ch:
		t.Fatalf("unexpected outbound %s: %+v", p.Tag(), p)
	case <-time.After(50 * time.Millisecond):
	}
}

type env struct {
	deps     Deps
	missions *mission.Memory
	registry *registry.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	a := auth.NewMemory(bcrypt.MinCost)
	for _, u := range []string{"alice", "bob"} {
		if err := a.AddUser(u, u+"-pw"); err != nil {
			t.Fatal(err)
		}
	}
	missions := mission.NewMemory()
	reg := registry.New(registry.NewArena(), 16)
	return &env{
		deps: Deps{
			Auth:            a,
			Missions:        missions,
			Registry:        reg,
			ProtocolVersion: 3,
			LoginRate:       100,
			LoginBurst:      100,
			ViewerURL:       "https://view.example/m/%s",
		},
		missions: missions,
		registry: reg,
	}
}

func (e *env) open(t *testing.T) (*Session, *outbox) {
	t.Helper()
	out := newOutbox()
	arena := e.registry.Arena()
	s := New(context.Background(), arena.NextID(), "tcp", "test", out, e.deps)
	arena.Add(s)
	t.Cleanup(s.Close)
	return s, out
}

func handle(t *testing.T, s *Session, p protocol.Payload) {
	t.Helper()
	if err := s.Handle(context.Background(), p); err != nil {
		t.Fatalf("Handle(%s): %v", p.Tag(), err)
	}
}

func expectLogin(t *testing.T, out *outbox, want protocol.AccessCode) {
	t.Helper()
	resp, ok := out.next(t).(*protocol.LoginResponseMsg)
	if !ok {
		t.Fatal("expected a LoginResponseMsg")
	}
	if resp.Code != want {
		t.Fatalf("login code = %s, want %s", resp.Code, want)
	}
}

func login(t *testing.T, s *Session, out *outbox, user string) {
	t.Helper()
	handle(t, s, &protocol.LoginMsg{Code: protocol.LoginLogin, Username: user, Password: user + "-pw"})
	expectLogin(t, out, protocol.AccessOK)
}

func heartbeat(t *testing.T, sysID byte) []byte {
	t.Helper()
	raw := []byte{mavlink.MagicV1, 9, 0, sysID, 1, 0, 0, 0, 0, 0, 2, 3, 0x51, 4, 3, 0, 0}
	f, _, err := mavlink.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	binary.LittleEndian.PutUint16(raw[len(raw)-2:], mavlink.Checksum(f, 50))
	return raw
}

func TestNothingButLoginAndPingBeforeLogin(t *testing.T) {
	e := newEnv(t)

	testCases := []protocol.Payload{
		&protocol.MavlinkMsg{Packets: [][]byte{heartbeat(t, 1)}},
		&protocol.SenderIDMsg{SysID: 1, VehicleUUID: "V"},
		&protocol.NoteMsg{Note: "n"},
		&protocol.StartMissionMsg{Keep: true},
		&protocol.StopMissionMsg{},
	}
	for _, p := range testCases {
		t.Run(p.Tag().String(), func(t *testing.T) {
			s, out := e.open(t)
			err := s.Handle(context.Background(), p)
			if !errors.Is(err, protocol.ErrProtocolViolation) {
				t.Fatalf("err = %v, want protocol violation", err)
			}
			if s.State() != StateUnauthenticated || s.User() != "" {
				t.Fatalf("state mutated: %s %q", s.State(), s.User())
			}
			out.empty(t)
		})
	}
	if e.registry.Len() != 0 || e.missions.Len() != 0 {
		t.Fatal("pre-login payload changed shared state")
	}
}

func TestPingBeforeLogin(t *testing.T) {
	e := newEnv(t)
	s, out := e.open(t)

	handle(t, s, &protocol.PingMsg{Nonce: 42})
	resp, ok := out.next(t).(*protocol.PingResponseMsg)
	if !ok || resp.Nonce != 42 {
		t.Fatalf("got %+v, want PingResponse{42}", resp)
	}
	if s.State() != StateUnauthenticated {
		t.Fatalf("state = %s, want UNAUTHENTICATED", s.State())
	}
}

func TestLoginModes(t *testing.T) {
	e := newEnv(t)
	s, out := e.open(t)

	steps := []struct {
		msg   *protocol.LoginMsg
		want  protocol.AccessCode
		state State
	}{
		{&protocol.LoginMsg{Code: protocol.LoginCheckUsername, Username: "alice"}, protocol.AccessNameUnavailable, StateUnauthenticated},
		{&protocol.LoginMsg{Code: protocol.LoginCheckUsername, Username: "zed"}, protocol.AccessOK, StateUnauthenticated},
		{&protocol.LoginMsg{Code: protocol.LoginCreate, Username: "alice", Password: "alice-pw"}, protocol.AccessNameUnavailable, StateUnauthenticated},
		{&protocol.LoginMsg{Code: protocol.LoginLogin, Username: "alice", Password: "wrong"}, protocol.AccessBadPassword, StateUnauthenticated},
		{&protocol.LoginMsg{Code: protocol.LoginRequestCode(9), Username: "alice"}, protocol.AccessServerFault, StateUnauthenticated},
		{&protocol.LoginMsg{Code: protocol.LoginLogin, Username: "alice", Password: "alice-pw", StartTime: 1_700_000_000_000_000, ProtocolVersion: 3}, protocol.AccessOK, StateAuthenticated},
		{&protocol.LoginMsg{Code: protocol.LoginLogin, Username: "alice", Password: "alice-pw"}, protocol.AccessOK, StateAuthenticated},
	}
	for i, st := range steps {
		handle(t, s, st.msg)
		expectLogin(t, out, st.want)
		if s.State() != st.state {
			t.Fatalf("step %d: state = %s, want %s", i, s.State(), st.state)
		}
	}
	if s.User() != "alice" {
		t.Fatalf("user = %q", s.User())
	}
	if got := s.StartTime().UnixMicro(); got != 1_700_000_000_000_000 {
		t.Fatalf("start time = %d", got)
	}

	err := s.Handle(context.Background(), &protocol.LoginMsg{Code: protocol.LoginLogin, Username: "bob", Password: "bob-pw"})
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("switching user: err = %v, want violation", err)
	}
}

func TestCreateLogsIn(t *testing.T) {
	e := newEnv(t)
	s, out := e.open(t)

	before := time.Now()
	handle(t, s, &protocol.LoginMsg{Code: protocol.LoginCreate, Username: "carol", Password: "pw"})
	expectLogin(t, out, protocol.AccessOK)
	if s.State() != StateAuthenticated || s.User() != "carol" {
		t.Fatalf("state=%s user=%q", s.State(), s.User())
	}
	if s.StartTime().Before(before) {
		t.Fatal("start time should default to the receive time")
	}
}

func TestProtocolMismatchCloses(t *testing.T) {
	e := newEnv(t)
	s, out := e.open(t)

	err := s.Handle(context.Background(), &protocol.LoginMsg{Code: protocol.LoginLogin, Username: "alice", Password: "alice-pw", ProtocolVersion: 7})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	expectLogin(t, out, protocol.AccessProtocolIncompatible)
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", s.State())
	}
	if err := s.Handle(context.Background(), &protocol.PingMsg{Nonce: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("after close: err = %v", err)
	}
}

func TestLoginThrottle(t *testing.T) {
	e := newEnv(t)
	e.deps.LoginRate = 0.001
	e.deps.LoginBurst = 1
	s, out := e.open(t)

	handle(t, s, &protocol.LoginMsg{Code: protocol.LoginLogin, Username: "alice", Password: "wrong"})
	expectLogin(t, out, protocol.AccessBadPassword)
	handle(t, s, &protocol.LoginMsg{Code: protocol.LoginLogin, Username: "alice", Password: "alice-pw"})
	expectLogin(t, out, protocol.AccessCallLater)
	if s.State() != StateUnauthenticated {
		t.Fatal("throttled login changed state")
	}
}

func TestUsernameCheckIsNotThrottled(t *testing.T) {
	e := newEnv(t)
	e.deps.LoginRate = 0.001
	e.deps.LoginBurst = 1
	s, out := e.open(t)

	for i := 0; i < 3; i++ {
		handle(t, s, &protocol.LoginMsg{Code: protocol.LoginCheckUsername, Username: "carol"})
		expectLogin(t, out, protocol.AccessOK)
	}
	handle(t, s, &protocol.LoginMsg{Code: protocol.LoginCheckUsername, Username: "alice"})
	expectLogin(t, out, protocol.AccessNameUnavailable)

	// Checks do not use up the login burst.
	handle(t, s, &protocol.LoginMsg{Code: protocol.LoginLogin, Username: "alice", Password: "alice-pw"})
	expectLogin(t, out, protocol.AccessOK)
}

func TestServerToClientPayloadsAreViolations(t *testing.T) {
	e := newEnv(t)
	s, out := e.open(t)
	login(t, s, out, "alice")

	for _, p := range []protocol.Payload{
		&protocol.LoginResponseMsg{},
		&protocol.ShowMsg{},
		&protocol.MissionResponse{},
	} {
		if err := s.Handle(context.Background(), p); !errors.Is(err, protocol.ErrProtocolViolation) {
			t.Errorf("%s: err = %v, want violation", p.Tag(), err)
		}
	}
}

func TestSenderValidation(t *testing.T) {
	e := newEnv(t)
	s, out := e.open(t)
	login(t, s, out, "alice")

	if err := s.Handle(context.Background(), &protocol.SenderIDMsg{SysID: 256, VehicleUUID: "V"}); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("sysid 256: err = %v", err)
	}
	if err := s.Handle(context.Background(), &protocol.SenderIDMsg{SysID: 1}); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("empty uuid: err = %v", err)
	}

	handle(t, s, &protocol.SenderIDMsg{GCSInterface: 1, SysID: 255, VehicleUUID: GCSVehicle})
	if e.registry.Len() != 0 {
		t.Fatal("GCS identity entered the registry")
	}
	if got := s.Info().Senders; len(got) != 1 || got[0].VehicleUUID != GCSVehicle {
		t.Fatalf("senders = %+v", got)
	}
}

func TestMissionResumeKeepsOneRecord(t *testing.T) {
	e := newEnv(t)
	s, out := e.open(t)
	login(t, s, out, "alice")

	handle(t, s, &protocol.StartMissionMsg{MissionUUID: "X", Keep: false})
	show := out.next(t).(*protocol.ShowMsg)
	if show.URL != "https://view.example/m/X" {
		t.Fatalf("start show = %+v", show)
	}
	handle(t, s, &protocol.StartMissionMsg{MissionUUID: "X", Keep: true})
	out.next(t)

	if e.missions.Len() != 1 {
		t.Fatalf("missions = %d, want 1", e.missions.Len())
	}
	m, err := e.missions.Get(context.Background(), "X")
	if err != nil {
		t.Fatal(err)
	}
	if m.Starts != 2 || !m.Open() {
		t.Fatalf("mission = %+v", m)
	}
}

func TestDisconnectFinalizesWithStartKeep(t *testing.T) {
	e := newEnv(t)
	s, out := e.open(t)
	login(t, s, out, "alice")

	handle(t, s, &protocol.StartMissionMsg{Keep: true})
	uuid := s.MissionUUID()
	out.next(t)
	handle(t, s, &protocol.NoteMsg{Note: "wind 5kt"})
	handle(t, s, &protocol.MavlinkMsg{DeltaT: 77, HasDeltaT: true, Packets: [][]byte{heartbeat(t, 1), heartbeat(t, 1)}})

	s.Close()

	m, err := e.missions.Get(context.Background(), uuid)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Keep || m.Open() {
		t.Fatalf("mission after disconnect = %+v, want kept and closed", m)
	}
	if m.Packets != 2 || m.LastDeltaT != 77 || m.Notes != "wind 5kt" {
		t.Fatalf("telemetry = %d/%d notes=%q", m.Packets, m.LastDeltaT, m.Notes)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s", s.State())
	}
}

func TestStopOverridesStartKeep(t *testing.T) {
	e := newEnv(t)
	s, out := e.open(t)
	login(t, s, out, "alice")

	handle(t, s, &protocol.StartMissionMsg{MissionUUID: "M1", Keep: false})
	out.next(t)
	handle(t, s, &protocol.StopMissionMsg{Keep: true})

	resp, ok := out.next(t).(*protocol.MissionResponse)
	if !ok || resp.Message == nil || resp.Message.URL != "https://view.example/m/M1" {
		t.Fatalf("response = %+v", resp)
	}
	m, _ := e.missions.Get(context.Background(), "M1")
	if !m.Keep || m.Open() {
		t.Fatalf("mission = %+v", m)
	}

	// Nothing open any more: an empty response, no second finalize on close.
	handle(t, s, &protocol.StopMissionMsg{Keep: false})
	if resp := out.next(t).(*protocol.MissionResponse); resp.Message != nil {
		t.Fatalf("response without mission = %+v", resp)
	}
	s.Close()
	if m, _ := e.missions.Get(context.Background(), "M1"); !m.Keep {
		t.Fatal("close re-finalized a stopped mission")
	}
}

func TestDuplicateVehicleAndPipe(t *testing.T) {
	e := newEnv(t)
	e.deps.NotifyConflicts = true
	veh, vehOut := e.open(t)
	gcs, gcsOut := e.open(t)
	login(t, veh, vehOut, "alice")
	login(t, gcs, gcsOut, "alice")

	handle(t, veh, &protocol.SenderIDMsg{GCSInterface: 0, SysID: 1, VehicleUUID: "V", CanAcceptCommands: true})
	handle(t, gcs, &protocol.SenderIDMsg{GCSInterface: 2, SysID: 9, VehicleUUID: "V"})

	if e.registry.Len() != 1 || e.registry.TunnelCount() != 0 {
		t.Fatalf("after conflict: len=%d tunnels=%d", e.registry.Len(), e.registry.TunnelCount())
	}
	if show, ok := gcsOut.next(t).(*protocol.ShowMsg); !ok || show.Priority != protocol.PriorityWarn {
		t.Fatalf("expected a WARN notice, got %+v", show)
	}

	handle(t, gcs, &protocol.SenderIDMsg{GCSInterface: 2, SysID: 9, VehicleUUID: "V", WantPipe: true})
	if e.registry.Len() != 1 || e.registry.TunnelCount() != 1 {
		t.Fatalf("after pipe: len=%d tunnels=%d", e.registry.Len(), e.registry.TunnelCount())
	}

	handle(t, veh, &protocol.MavlinkMsg{SrcInterface: 0, Packets: [][]byte{heartbeat(t, 1)}})
	relayed, ok := gcsOut.next(t).(*protocol.MavlinkMsg)
	if !ok {
		t.Fatal("expected a relayed MavlinkMsg")
	}
	f, _, err := mavlink.Parse(relayed.Packets[0])
	if err != nil || f.SysID() != 9 || relayed.SrcInterface != 2 {
		t.Fatalf("relayed sys=%d iface=%d err=%v", f.SysID(), relayed.SrcInterface, err)
	}
	if f.Checksum() != mavlink.Checksum(f, 50) {
		t.Fatal("relayed checksum does not verify")
	}

	veh.Close()
	if e.registry.Len() != 0 || e.registry.TunnelCount() != 0 {
		t.Fatalf("after owner close: len=%d tunnels=%d", e.registry.Len(), e.registry.TunnelCount())
	}
}

// relayedFrom reads one relayed payload and returns its interface and the
// sysid of its single frame.
func relayedFrom(t *testing.T, out *outbox) (uint32, uint8) {
	t.Helper()
	m, ok := out.next(t).(*protocol.MavlinkMsg)
	if !ok || len(m.Packets) != 1 {
		t.Fatalf("expected one relayed packet, got %+v", m)
	}
	f, n, err := mavlink.Parse(m.Packets[0])
	if err != nil || n != len(m.Packets[0]) {
		t.Fatalf("relayed packet: n=%d err=%v", n, err)
	}
	return m.SrcInterface, f.SysID()
}

func TestTwoVehiclesOnOneInterface(t *testing.T) {
	e := newEnv(t)
	gcs, gcsOut := e.open(t)
	viewer, viewerOut := e.open(t)
	login(t, gcs, gcsOut, "alice")
	login(t, viewer, viewerOut, "alice")

	handle(t, gcs, &protocol.SenderIDMsg{GCSInterface: 0, SysID: 1, VehicleUUID: "V1", CanAcceptCommands: true})
	handle(t, gcs, &protocol.SenderIDMsg{GCSInterface: 0, SysID: 2, VehicleUUID: "V2", CanAcceptCommands: true})
	handle(t, viewer, &protocol.SenderIDMsg{GCSInterface: 5, SysID: 9, VehicleUUID: "V1", WantPipe: true})
	if e.registry.Len() != 2 || e.registry.TunnelCount() != 1 {
		t.Fatalf("len=%d tunnels=%d", e.registry.Len(), e.registry.TunnelCount())
	}

	handle(t, gcs, &protocol.MavlinkMsg{SrcInterface: 0, Packets: [][]byte{heartbeat(t, 2)}})
	viewerOut.empty(t)

	handle(t, gcs, &protocol.MavlinkMsg{SrcInterface: 0, Packets: [][]byte{heartbeat(t, 1)}})
	if iface, sys := relayedFrom(t, viewerOut); iface != 5 || sys != 9 {
		t.Fatalf("V1 relayed as if%d sys%d, want if5 sys9", iface, sys)
	}

	// With both vehicles piped, each frame reaches only its own pipe.
	handle(t, viewer, &protocol.SenderIDMsg{GCSInterface: 5, SysID: 10, VehicleUUID: "V2", WantPipe: true})
	if e.registry.TunnelCount() != 2 {
		t.Fatalf("tunnels=%d, want 2", e.registry.TunnelCount())
	}
	handle(t, gcs, &protocol.MavlinkMsg{SrcInterface: 0, Packets: [][]byte{heartbeat(t, 2)}})
	if iface, sys := relayedFrom(t, viewerOut); iface != 5 || sys != 10 {
		t.Fatalf("V2 relayed as if%d sys%d, want if5 sys10", iface, sys)
	}
	viewerOut.empty(t)

	handle(t, viewer, &protocol.MavlinkMsg{SrcInterface: 5, Packets: [][]byte{heartbeat(t, 9)}})
	if iface, sys := relayedFrom(t, gcsOut); iface != 0 || sys != 1 {
		t.Fatalf("command relayed as if%d sys%d, want if0 sys1", iface, sys)
	}
	gcsOut.empty(t)
}

func TestKeepaliveRoundTrip(t *testing.T) {
	e := newEnv(t)
	now := time.Unix(100, 0)
	e.deps.Now = func() time.Time { return now }
	s, out := e.open(t)

	if !s.Keepalive() {
		t.Fatal("keepalive not queued")
	}
	ping := out.next(t).(*protocol.PingMsg)
	now = now.Add(30 * time.Millisecond)
	handle(t, s, &protocol.PingResponseMsg{Nonce: ping.Nonce})

	if rtt := s.Info().RTT; rtt != 30*time.Millisecond {
		t.Fatalf("rtt = %v, want 30ms", rtt)
	}
}
