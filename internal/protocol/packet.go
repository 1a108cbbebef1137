// Package protocol defines the envelope payloads exchanged between the relay
// and flight-control clients, and their wire encoding.
package protocol

import "errors"

// Tag identifies a payload kind. Its value is the envelope field number that
// carries the payload on the wire.
type Tag uint32

// Payload tags.
const (
	TagMavlink         Tag = 2
	TagLogin           Tag = 32
	TagSenderID        Tag = 33
	TagNote            Tag = 34
	TagStartMission    Tag = 35
	TagStopMission     Tag = 36
	TagPing            Tag = 37
	TagLoginResponse   Tag = 64
	TagShow            Tag = 65
	TagMissionResponse Tag = 66
	TagPingResponse    Tag = 67
)

// inspectOrder is the order in which envelope fields are inspected when no
// usable type hint is present: mavlink first, then the login family, then
// the response family.
var inspectOrder = []Tag{
	TagMavlink,
	TagLogin, TagSenderID, TagNote, TagStartMission, TagStopMission, TagPing,
	TagLoginResponse, TagShow, TagMissionResponse, TagPingResponse,
}

var tagNames = map[Tag]string{
	TagMavlink:         "MavlinkMsg",
	TagLogin:           "LoginMsg",
	TagSenderID:        "SenderIdMsg",
	TagNote:            "NoteMsg",
	TagStartMission:    "StartMissionMsg",
	TagStopMission:     "StopMissionMsg",
	TagPing:            "PingMsg",
	TagLoginResponse:   "LoginResponseMsg",
	TagShow:            "ShowMsg",
	TagMissionResponse: "MissionResponse",
	TagPingResponse:    "PingResponseMsg",
}

func (t Tag) String() string {
	if n, ok := tagNames[t]; ok {
		return n
	}
	return "Unknown"
}

// ErrProtocolViolation marks input that breaks the envelope contract. The
// connection that produced it is faulted and closed.
var ErrProtocolViolation = errors.New("protocol violation")

// Payload is the closed set of envelope variants. Exactly one payload travels
// in each envelope; the unexported marker keeps the set closed.
type Payload interface {
	Tag() Tag
	isPayload()
}

// MavlinkMsg carries raw mavlink frames (CRC included) from one interface.
type MavlinkMsg struct {
	SrcInterface uint32
	DeltaT       uint64 // microseconds since the session start time
	HasDeltaT    bool
	Packets      [][]byte
}

// LoginMsg requests a login, an account creation or a username check.
type LoginMsg struct {
	Code            LoginRequestCode
	Username        string
	Password        string
	Email           string
	StartTime       uint64 // UTC epoch microseconds, 0 when absent
	APIKey          string
	ProtocolVersion uint32 // 0 when absent
}

// SenderIDMsg registers a mavlink-speaking identity on the connection.
type SenderIDMsg struct {
	GCSInterface      uint32
	SysID             uint32
	VehicleUUID       string
	CanAcceptCommands bool
	WantPipe          bool
}

// NoteMsg attaches free text to the active mission.
type NoteMsg struct {
	Note string
}

// StartMissionMsg opens or resumes a mission.
type StartMissionMsg struct {
	Keep           bool
	ViewPrivacy    Privacy
	ControlPrivacy Privacy
	MissionUUID    string
	Notes          string
}

// StopMissionMsg closes the active mission.
type StopMissionMsg struct {
	Keep bool
}

// PingMsg is legal before login.
type PingMsg struct {
	Nonce uint32
}

// PingResponseMsg echoes a PingMsg nonce.
type PingResponseMsg struct {
	Nonce uint32
}

// LoginResponseMsg answers a LoginMsg and carries fault indications.
type LoginResponseMsg struct {
	Code    AccessCode
	Message string
}

// ShowMsg is a user-visible notice.
type ShowMsg struct {
	Priority Priority
	Text     string
	URL      string
}

// MissionResponse answers a StopMissionMsg.
type MissionResponse struct {
	Message *ShowMsg
}

func (*MavlinkMsg) Tag() Tag       { return TagMavlink }
func (*LoginMsg) Tag() Tag         { return TagLogin }
func (*SenderIDMsg) Tag() Tag      { return TagSenderID }
func (*NoteMsg) Tag() Tag          { return TagNote }
func (*StartMissionMsg) Tag() Tag  { return TagStartMission }
func (*StopMissionMsg) Tag() Tag   { return TagStopMission }
func (*PingMsg) Tag() Tag          { return TagPing }
func (*PingResponseMsg) Tag() Tag  { return TagPingResponse }
func (*LoginResponseMsg) Tag() Tag { return TagLoginResponse }
func (*ShowMsg) Tag() Tag          { return TagShow }
func (*MissionResponse) Tag() Tag  { return TagMissionResponse }

func (*MavlinkMsg) isPayload()       {}
func (*LoginMsg) isPayload()         {}
func (*SenderIDMsg) isPayload()      {}
func (*NoteMsg) isPayload()          {}
func (*StartMissionMsg) isPayload()  {}
func (*StopMissionMsg) isPayload()   {}
func (*PingMsg) isPayload()          {}
func (*PingResponseMsg) isPayload()  {}
func (*LoginResponseMsg) isPayload() {}
func (*ShowMsg) isPayload()          {}
func (*MissionResponse) isPayload()  {}

// PreLogin reports whether p may be processed before the session has logged in.
func PreLogin(p Payload) bool {
	switch p.(type) {
	case *LoginMsg, *PingMsg, *PingResponseMsg:
		return true
	}
	return false
}
