package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/gigglesninja/senior-design/internal/protocol"
)

// Memory keeps accounts in process memory. It is used when no database is
// configured and by tests.
type Memory struct {
	cost int

	mu      sync.RWMutex
	users   map[string]string // username -> bcrypt hash
	apiKeys map[string]string // key -> username
}

// NewMemory creates an empty in-memory authenticator.
func NewMemory(bcryptCost int) *Memory {
	return &Memory{
		cost:    bcryptCost,
		users:   make(map[string]string),
		apiKeys: make(map[string]string),
	}
}

// AddUser creates or replaces an account.
func (m *Memory) AddUser(username, password string) error {
	hash, err := HashPassword(password, m.cost)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.users[username] = hash
	m.mu.Unlock()
	return nil
}

// AddAPIKey binds key to an existing account.
func (m *Memory) AddAPIKey(key, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; !ok {
		return fmt.Errorf("api key for unknown user %q", username)
	}
	m.apiKeys[key] = username
	return nil
}

func (m *Memory) Authenticate(ctx context.Context, req Request) (Result, error) {
	switch req.Mode {
	case protocol.LoginCheckUsername:
		m.mu.RLock()
		_, taken := m.users[req.Username]
		m.mu.RUnlock()
		if taken || req.Username == "" {
			return nameUnavailable(req.Username), nil
		}
		return Result{Code: protocol.AccessOK}, nil

	case protocol.LoginLogin:
		if req.APIKey != "" {
			m.mu.RLock()
			owner, ok := m.apiKeys[req.APIKey]
			m.mu.RUnlock()
			if !ok || (req.Username != "" && req.Username != owner) {
				return badPassword(), nil
			}
			return Result{Code: protocol.AccessOK, User: owner}, nil
		}

		m.mu.RLock()
		hash, ok := m.users[req.Username]
		m.mu.RUnlock()
		if !ok || !passwordMatches(hash, req.Password) {
			return badPassword(), nil
		}
		return Result{Code: protocol.AccessOK, User: req.Username}, nil

	case protocol.LoginCreate:
		if res, ok := validateCreate(req); !ok {
			return res, nil
		}
		hash, err := HashPassword(req.Password, m.cost)
		if err != nil {
			return Result{}, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if _, taken := m.users[req.Username]; taken {
			return nameUnavailable(req.Username), nil
		}
		m.users[req.Username] = hash
		return Result{Code: protocol.AccessOK, User: req.Username}, nil

	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownMode, req.Mode)
	}
}
