package mission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gigglesninja/senior-design/internal/protocol"
)

func TestMemoryResumeKeepsOneRecord(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	m, resumed, err := s.Start(ctx, "alice", StartRequest{Keep: false, Notes: "takeoff"})
	if err != nil || resumed {
		t.Fatalf("Start = %v, resumed=%t", err, resumed)
	}
	if m.UUID == "" || m.Starts != 1 || !m.Open() {
		t.Fatalf("new mission = %+v", m)
	}
	if _, err := s.Finalize(ctx, m.UUID, false, Telemetry{Packets: 3}); err != nil {
		t.Fatal(err)
	}

	again, resumed, err := s.Start(ctx, "alice", StartRequest{
		UUID:        m.UUID,
		Keep:        true,
		ViewPrivacy: protocol.PrivacyPublic,
		Notes:       "second leg",
	})
	if err != nil || !resumed {
		t.Fatalf("resume = %v, resumed=%t", err, resumed)
	}
	if again.UUID != m.UUID || again.Starts != 2 || !again.Open() || !again.Keep {
		t.Fatalf("resumed mission = %+v", again)
	}
	if again.Notes != "takeoff\nsecond leg" {
		t.Fatalf("notes = %q", again.Notes)
	}
	if again.Packets != 3 {
		t.Fatalf("packets = %d, want 3 carried over", again.Packets)
	}
	if s.Len() != 1 {
		t.Fatalf("records = %d, want 1", s.Len())
	}
}

func TestMemoryForeignUUIDIsNotReused(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	m, _, _ := s.Start(ctx, "alice", StartRequest{UUID: "shared"})
	if m.UUID != "shared" {
		t.Fatalf("client-chosen uuid not kept: %q", m.UUID)
	}

	other, resumed, err := s.Start(ctx, "bob", StartRequest{UUID: "shared"})
	if err != nil || resumed {
		t.Fatalf("Start = %v, resumed=%t", err, resumed)
	}
	if other.UUID == "shared" || other.User != "bob" {
		t.Fatalf("bob got %+v", other)
	}
	if got, _ := s.Get(ctx, "shared"); got.User != "alice" || got.Starts != 1 {
		t.Fatalf("alice's mission changed: %+v", got)
	}
}

func TestMemoryFinalize(t *testing.T) {
	s := NewMemory()
	end := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return end }
	ctx := context.Background()

	m, _, _ := s.Start(ctx, "alice", StartRequest{Keep: true})
	if err := s.AppendNote(ctx, m.UUID, "gusty"); err != nil {
		t.Fatal(err)
	}
	s.Finalize(ctx, m.UUID, true, Telemetry{Packets: 10, LastDeltaT: 500, HasDeltaT: true})

	got, err := s.Finalize(ctx, m.UUID, false, Telemetry{Packets: 2})
	if err != nil {
		t.Fatal(err)
	}
	if got.Keep || got.Packets != 12 || got.LastDeltaT != 500 {
		t.Fatalf("finalized = %+v", got)
	}
	if got.Open() || !got.EndedAt.Equal(end) {
		t.Fatalf("ended at %v, want %v", got.EndedAt, end)
	}
	if got.Notes != "gusty" {
		t.Fatalf("notes = %q", got.Notes)
	}
}

func TestMemoryNotFound(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.AppendNote(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AppendNote err = %v", err)
	}
	if _, err := s.Finalize(ctx, "nope", true, Telemetry{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Finalize err = %v", err)
	}
	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get err = %v", err)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	m, _, _ := s.Start(ctx, "alice", StartRequest{})
	m.User = "mallory"
	if got, _ := s.Get(ctx, m.UUID); got.User != "alice" {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestViewerLink(t *testing.T) {
	cases := []struct {
		tmpl, want string
	}{
		{"", ""},
		{"https://view.example/m/%s", "https://view.example/m/abc"},
		{"https://view.example/m/%s?live=1", "https://view.example/m/abc?live=1"},
		{"https://view.example/m", "https://view.example/m/abc"},
		{"https://view.example/m/", "https://view.example/m/abc"},
	}
	for _, c := range cases {
		if got := ViewerLink(c.tmpl, "abc"); got != c.want {
			t.Errorf("ViewerLink(%q) = %q, want %q", c.tmpl, got, c.want)
		}
	}
}
