package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gigglesninja/senior-design/internal/auth"
	"github.com/gigglesninja/senior-design/internal/mission"
	"github.com/gigglesninja/senior-design/internal/protocol"
	"github.com/gigglesninja/senior-design/internal/registry"
	"github.com/gigglesninja/senior-design/internal/util"
)

// Handle processes one payload received on the connection. An error wrapping
// protocol.ErrProtocolViolation faults the connection; ErrClosed and any
// other error close it without a fault.
func (s *Session) Handle(ctx context.Context, p protocol.Payload) error {
	switch s.State() {
	case StateClosed:
		return ErrClosed
	case StateUnauthenticated:
		if !protocol.PreLogin(p) {
			return violation("%s before login", p.Tag())
		}
	}

	switch m := p.(type) {
	case *protocol.LoginMsg:
		return s.handleLogin(ctx, m)
	case *protocol.PingMsg:
		return s.reply(ctx, &protocol.PingResponseMsg{Nonce: m.Nonce})
	case *protocol.PingResponseMsg:
		if !s.pings.ack(m.Nonce, s.deps.Now()) {
			util.LogDebug("%s unsolicited ping response %d", s.prefix, m.Nonce)
		}
		return nil
	case *protocol.SenderIDMsg:
		return s.handleSenderID(ctx, m)
	case *protocol.MavlinkMsg:
		s.handleMavlink(m)
		return nil
	case *protocol.NoteMsg:
		s.handleNote(ctx, m)
		return nil
	case *protocol.StartMissionMsg:
		return s.handleStartMission(ctx, m)
	case *protocol.StopMissionMsg:
		return s.handleStopMission(ctx, m)
	case *protocol.LoginResponseMsg, *protocol.ShowMsg, *protocol.MissionResponse:
		return violation("%s is server-to-client only", p.Tag())
	default:
		return violation("unhandled payload %T", p)
	}
}

// ---------------------------------------------------------------------------
// Login
// ---------------------------------------------------------------------------

func (s *Session) loginResponse(ctx context.Context, code protocol.AccessCode, msg string) error {
	return s.reply(ctx, &protocol.LoginResponseMsg{Code: code, Message: msg})
}

func (s *Session) handleLogin(ctx context.Context, m *protocol.LoginMsg) error {
	if m.ProtocolVersion != 0 && m.ProtocolVersion != s.deps.ProtocolVersion {
		util.LogWarning("%s protocol %d requested, server speaks %d", s.prefix, m.ProtocolVersion, s.deps.ProtocolVersion)
		util.Stats.AddLoginReject()
		err := s.loginResponse(ctx, protocol.AccessProtocolIncompatible,
			fmt.Sprintf("server speaks protocol version %d", s.deps.ProtocolVersion))
		s.state.Store(int32(StateClosed))
		return errors.Join(ErrClosed, err)
	}

	switch m.Code {
	case protocol.LoginLogin, protocol.LoginCreate, protocol.LoginCheckUsername:
	default:
		util.LogWarning("%s unknown login code %s", s.prefix, m.Code)
		return s.loginResponse(ctx, protocol.AccessServerFault, "unknown login code")
	}

	authenticated := s.State() == StateAuthenticated
	current := s.User()
	if authenticated && m.Code != protocol.LoginCheckUsername && m.Username != "" && m.Username != current {
		return violation("login as %q while logged in as %q", m.Username, current)
	}

	if m.Code != protocol.LoginCheckUsername && !s.limiter.Allow() {
		util.Stats.AddLoginReject()
		return s.loginResponse(ctx, protocol.AccessCallLater, "too many login attempts")
	}

	res, err := s.deps.Auth.Authenticate(ctx, auth.Request{
		Mode:     m.Code,
		Username: m.Username,
		Password: m.Password,
		APIKey:   m.APIKey,
		Email:    m.Email,
	})
	if err != nil {
		util.LogError("%s authenticator failed for %q: %v", s.prefix, m.Username, err)
		return s.loginResponse(ctx, protocol.AccessServerFault, "authentication unavailable")
	}

	if m.Code == protocol.LoginCheckUsername {
		return s.loginResponse(ctx, res.Code, res.Message)
	}
	if res.Code != protocol.AccessOK {
		util.Stats.AddLoginReject()
		util.LogInfo("%s %s for %q: %s", s.prefix, m.Code, m.Username, res.Code)
		return s.loginResponse(ctx, res.Code, res.Message)
	}

	if authenticated {
		if res.User != current {
			return violation("login as %q while logged in as %q", res.User, current)
		}
		return s.loginResponse(ctx, protocol.AccessOK, "")
	}

	start := s.deps.Now()
	if m.StartTime != 0 {
		start = time.UnixMicro(int64(m.StartTime)).UTC()
	}
	s.mu.Lock()
	s.user = res.User
	s.startTime = start
	s.mu.Unlock()
	s.state.Store(int32(StateAuthenticated))

	util.Stats.AddLogin()
	util.LogSuccess("%s %s logged in (%s)", s.prefix, res.User, m.Code)
	return s.loginResponse(ctx, protocol.AccessOK, "")
}

// ---------------------------------------------------------------------------
// Sender identities
// ---------------------------------------------------------------------------

func (s *Session) handleSenderID(ctx context.Context, m *protocol.SenderIDMsg) error {
	if m.SysID > 255 {
		return violation("sysid %d out of range", m.SysID)
	}
	if m.VehicleUUID == "" {
		return violation("sender without vehicle uuid")
	}

	ident := registry.Identity{
		GCSInterface:      m.GCSInterface,
		SysID:             uint8(m.SysID),
		VehicleUUID:       m.VehicleUUID,
		CanAcceptCommands: m.CanAcceptCommands,
		WantPipe:          m.WantPipe,
	}
	user := s.User()

	if ident.VehicleUUID == GCSVehicle {
		s.replaceSenders(ctx, user, sender{ident: ident, local: true})
		util.LogDebug("%s GCS identity if%d sys%d", s.prefix, ident.GCSInterface, ident.SysID)
		return nil
	}

	res, err := s.deps.Registry.Register(ctx, s.id, user, ident)
	switch {
	case errors.Is(err, registry.ErrConflict):
		s.forgetSender(ident.VehicleUUID)
		util.LogWarning("%s vehicle %s/%s is owned by another connection, registration ignored",
			s.prefix, user, ident.VehicleUUID)
		if s.deps.NotifyConflicts {
			s.out.TrySend(&protocol.ShowMsg{
				Priority: protocol.PriorityWarn,
				Text:     fmt.Sprintf("vehicle %s is already connected elsewhere; request a pipe to share it", ident.VehicleUUID),
			})
		}
		return nil
	case err != nil:
		return fmt.Errorf("register %s: %w", ident.VehicleUUID, err)
	}

	s.replaceSenders(ctx, user, sender{ident: ident, piped: res == registry.PipePending})
	util.LogInfo("%s vehicle %s/%s if%d sys%d: %s", s.prefix, user, ident.VehicleUUID,
		ident.GCSInterface, ident.SysID, res)
	return nil
}

// replaceSenders records snd. An earlier identity using the same interface
// and sysid, or the same vehicle, is replaced; vehicles that are no longer
// exposed are unregistered.
func (s *Session) replaceSenders(ctx context.Context, user string, snd sender) {
	var gone []string

	s.mu.Lock()
	kept := s.senders[:0]
	for _, old := range s.senders {
		sameSlot := old.ident.GCSInterface == snd.ident.GCSInterface && old.ident.SysID == snd.ident.SysID
		sameVehicle := old.ident.VehicleUUID == snd.ident.VehicleUUID
		if !sameSlot && !sameVehicle {
			kept = append(kept, old)
			continue
		}
		if !sameVehicle && !old.local {
			gone = append(gone, old.ident.VehicleUUID)
		}
	}
	s.senders = append(kept, snd)
	s.mu.Unlock()

	for _, v := range gone {
		if err := s.deps.Registry.Unregister(ctx, s.id, user, v); err != nil {
			util.LogWarning("%s unregister %s: %v", s.prefix, v, err)
		}
	}
}

func (s *Session) forgetSender(vehicle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.senders[:0]
	for _, old := range s.senders {
		if old.ident.VehicleUUID != vehicle {
			kept = append(kept, old)
		}
	}
	s.senders = kept
}

// ---------------------------------------------------------------------------
// Telemetry
// ---------------------------------------------------------------------------

func (s *Session) handleMavlink(m *protocol.MavlinkMsg) {
	s.mu.Lock()
	if am := s.mission; am != nil {
		am.packets += int64(len(m.Packets))
		if m.HasDeltaT {
			am.deltaT, am.hasDT = m.DeltaT, true
		}
	}
	s.mu.Unlock()

	for _, t := range s.deps.Registry.Tunnels(s.id) {
		t.Forward(s.id, m)
	}
}

// ---------------------------------------------------------------------------
// Missions
// ---------------------------------------------------------------------------

func (s *Session) handleNote(ctx context.Context, m *protocol.NoteMsg) {
	uuid := s.MissionUUID()
	if uuid == "" {
		util.LogDebug("%s note without an open mission dropped", s.prefix)
		return
	}
	if err := s.deps.Missions.AppendNote(ctx, uuid, m.Note); err != nil {
		util.LogWarning("%s note for mission %s: %v", s.prefix, uuid, err)
	}
}

func (s *Session) handleStartMission(ctx context.Context, m *protocol.StartMissionMsg) error {
	s.mu.Lock()
	prev := s.mission
	s.mu.Unlock()
	if prev != nil {
		if _, err := s.finalizeMission(ctx, prev.keep); err != nil {
			return fmt.Errorf("finalize mission %s: %w", prev.uuid, err)
		}
	}

	mi, resumed, err := s.deps.Missions.Start(ctx, s.User(), mission.StartRequest{
		UUID:           m.MissionUUID,
		Keep:           m.Keep,
		ViewPrivacy:    m.ViewPrivacy,
		ControlPrivacy: m.ControlPrivacy,
		Notes:          m.Notes,
	})
	if err != nil {
		return fmt.Errorf("start mission: %w", err)
	}

	s.mu.Lock()
	s.mission = &activeMission{uuid: mi.UUID, keep: m.Keep}
	s.mu.Unlock()

	verb := "started"
	if resumed {
		verb = "resumed"
	}
	util.LogInfo("%s mission %s %s (keep=%t)", s.prefix, mi.UUID, verb, m.Keep)
	return s.reply(ctx, &protocol.ShowMsg{
		Priority: protocol.PriorityInfo,
		Text:     fmt.Sprintf("mission %s %s", mi.UUID, verb),
		URL:      mission.ViewerLink(s.deps.ViewerURL, mi.UUID),
	})
}

func (s *Session) handleStopMission(ctx context.Context, m *protocol.StopMissionMsg) error {
	mi, err := s.finalizeMission(ctx, m.Keep)
	if err != nil {
		return fmt.Errorf("stop mission: %w", err)
	}

	resp := &protocol.MissionResponse{}
	if mi == nil {
		util.LogDebug("%s stop without an open mission", s.prefix)
		return s.reply(ctx, resp)
	}

	util.LogInfo("%s mission %s stopped (keep=%t, %d packets)", s.prefix, mi.UUID, mi.Keep, mi.Packets)
	if link := mission.ViewerLink(s.deps.ViewerURL, mi.UUID); m.Keep && link != "" {
		resp.Message = &protocol.ShowMsg{
			Priority: protocol.PriorityInfo,
			Text:     "mission saved",
			URL:      link,
		}
	}
	return s.reply(ctx, resp)
}

// finalizeMission closes the open mission with keep and its counters. It
// returns nil without error when no mission is open.
func (s *Session) finalizeMission(ctx context.Context, keep bool) (*mission.Mission, error) {
	s.mu.Lock()
	am := s.mission
	s.mission = nil
	s.mu.Unlock()
	if am == nil {
		return nil, nil
	}

	return s.deps.Missions.Finalize(ctx, am.uuid, keep, mission.Telemetry{
		Packets:    am.packets,
		LastDeltaT: am.deltaT,
		HasDeltaT:  am.hasDT,
	})
}
