package mission

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store.
type Memory struct {
	mu       sync.Mutex
	missions map[string]*Mission
	now      func() time.Time
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{missions: make(map[string]*Mission), now: time.Now}
}

func (s *Memory) Start(ctx context.Context, user string, req StartRequest) (*Mission, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.UUID != "" {
		if m, ok := s.missions[req.UUID]; ok && m.User == user {
			m.Keep = req.Keep
			m.ViewPrivacy = req.ViewPrivacy
			m.ControlPrivacy = req.ControlPrivacy
			if req.Notes != "" {
				m.Notes = joinNote(m.Notes, req.Notes)
			}
			m.Starts++
			m.EndedAt = nil
			cp := *m
			return &cp, true, nil
		}
	}

	id := req.UUID
	if _, taken := s.missions[id]; id == "" || taken {
		id = newUUID()
	}
	m := &Mission{
		UUID:           id,
		User:           user,
		ViewPrivacy:    req.ViewPrivacy,
		ControlPrivacy: req.ControlPrivacy,
		Keep:           req.Keep,
		Notes:          req.Notes,
		Starts:         1,
		StartedAt:      s.now(),
	}
	s.missions[id] = m
	cp := *m
	return &cp, false, nil
}

func (s *Memory) AppendNote(ctx context.Context, uuid, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[uuid]
	if !ok {
		return ErrNotFound
	}
	m.Notes = joinNote(m.Notes, note)
	return nil
}

func (s *Memory) Finalize(ctx context.Context, uuid string, keep bool, tm Telemetry) (*Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	now := s.now()
	m.Keep = keep
	m.EndedAt = &now
	m.Packets += tm.Packets
	if tm.HasDeltaT {
		m.LastDeltaT = tm.LastDeltaT
	}
	cp := *m
	return &cp, nil
}

func (s *Memory) Get(ctx context.Context, uuid string) (*Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// Len returns the number of mission records.
func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.missions)
}
