// Package mission stores mission records: their privacy settings, notes,
// telemetry counters and whether the recording is kept.
package mission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gigglesninja/senior-design/internal/protocol"
)

// ErrNotFound is returned when no mission has the requested uuid.
var ErrNotFound = errors.New("mission not found")

// Mission is one mission record.
type Mission struct {
	UUID           string           `json:"uuid" cbor:"uuid"`
	User           string           `json:"user" cbor:"user"`
	ViewPrivacy    protocol.Privacy `json:"view_privacy" cbor:"view_privacy"`
	ControlPrivacy protocol.Privacy `json:"control_privacy" cbor:"control_privacy"`
	Keep           bool             `json:"keep" cbor:"keep"`
	Notes          string           `json:"notes" cbor:"notes"`
	Packets        int64            `json:"packets" cbor:"packets"`
	LastDeltaT     uint64           `json:"last_delta_t" cbor:"last_delta_t"`
	Starts         int              `json:"starts" cbor:"starts"`
	StartedAt      time.Time        `json:"started_at" cbor:"started_at"`
	EndedAt        *time.Time       `json:"ended_at,omitempty" cbor:"ended_at,omitempty"`
}

// Open reports whether the mission has not been finalized.
func (m *Mission) Open() bool { return m.EndedAt == nil }

// StartRequest carries the fields of a StartMissionMsg.
type StartRequest struct {
	UUID           string // empty: allocate a new one
	Keep           bool
	ViewPrivacy    protocol.Privacy
	ControlPrivacy protocol.Privacy
	Notes          string
}

// Telemetry is what a session counted while the mission was open.
type Telemetry struct {
	Packets    int64
	LastDeltaT uint64
	HasDeltaT  bool
}

// Store persists missions.
//
// Start creates a mission or, when req.UUID names a mission of the same user,
// reopens it; it never creates a second record for a uuid. A uuid owned by a
// different user is not reused and a fresh one is allocated instead. The
// boolean reports whether an existing record was resumed.
//
// Finalize closes the mission with the given keep flag and adds the
// session's telemetry counters.
type Store interface {
	Start(ctx context.Context, user string, req StartRequest) (*Mission, bool, error)
	AppendNote(ctx context.Context, uuid, note string) error
	Finalize(ctx context.Context, uuid string, keep bool, tm Telemetry) (*Mission, error)
	Get(ctx context.Context, uuid string) (*Mission, error)
}

func newUUID() string { return uuid.NewString() }

func joinNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}

// ViewerLink renders the viewer URL for a mission. tmpl is either a printf
// template containing %s or a base URL the uuid is appended to. An empty
// template yields an empty link.
func ViewerLink(tmpl, missionUUID string) string {
	switch {
	case tmpl == "":
		return ""
	case strings.Contains(tmpl, "%s"):
		return fmt.Sprintf(tmpl, missionUUID)
	default:
		return strings.TrimSuffix(tmpl, "/") + "/" + missionUUID
	}
}
