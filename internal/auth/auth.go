// Package auth verifies login requests. Session code depends only on the
// Authenticator interface; memory and postgres implementations live here.
package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/gigglesninja/senior-design/internal/protocol"
)

// Request is one login attempt.
type Request struct {
	Mode     protocol.LoginRequestCode
	Username string
	Password string
	APIKey   string // LOGIN only; replaces the password
	Email    string // CREATE only
}

// Result is the outcome of a request. User is the canonical account name
// and is only set when Code is OK for LOGIN or CREATE.
type Result struct {
	Code    protocol.AccessCode
	User    string
	Message string
}

// Authenticator checks credentials. An error means the backend failed and
// is reported to the client as SERVER_FAULT; credential problems are
// reported through Result.Code.
type Authenticator interface {
	Authenticate(ctx context.Context, req Request) (Result, error)
}

// ErrUnknownMode is returned for login codes outside the known set.
var ErrUnknownMode = errors.New("unknown login mode")

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func passwordMatches(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func badPassword() Result {
	return Result{Code: protocol.AccessBadPassword, Message: "invalid credentials"}
}

func nameUnavailable(name string) Result {
	return Result{Code: protocol.AccessNameUnavailable, Message: fmt.Sprintf("username %q is taken", name)}
}

// validateCreate rejects CREATE requests that could never succeed.
func validateCreate(req Request) (Result, bool) {
	if req.Username == "" {
		return Result{Code: protocol.AccessNameUnavailable, Message: "username required"}, false
	}
	if req.Password == "" {
		return Result{Code: protocol.AccessBadPassword, Message: "password required"}, false
	}
	return Result{}, true
}
