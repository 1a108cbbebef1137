package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gigglesninja/senior-design/internal/protocol"
)

// Postgres authenticates against the users and api_keys tables.
type Postgres struct {
	db   *sql.DB
	cost int
}

// NewPostgres wraps an open database. The schema is created by db.Open.
func NewPostgres(db *sql.DB, bcryptCost int) *Postgres {
	return &Postgres{db: db, cost: bcryptCost}
}

func (p *Postgres) Authenticate(ctx context.Context, req Request) (Result, error) {
	switch req.Mode {
	case protocol.LoginCheckUsername:
		if req.Username == "" {
			return nameUnavailable(req.Username), nil
		}
		var exists bool
		err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)`, req.Username).Scan(&exists)
		if err != nil {
			return Result{}, fmt.Errorf("check username: %w", err)
		}
		if exists {
			return nameUnavailable(req.Username), nil
		}
		return Result{Code: protocol.AccessOK}, nil

	case protocol.LoginLogin:
		if req.APIKey != "" {
			return p.loginAPIKey(ctx, req)
		}
		var hash string
		err := p.db.QueryRowContext(ctx,
			`SELECT password_hash FROM users WHERE username = $1`, req.Username).Scan(&hash)
		if errors.Is(err, sql.ErrNoRows) {
			return badPassword(), nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("load user: %w", err)
		}
		if !passwordMatches(hash, req.Password) {
			return badPassword(), nil
		}
		return Result{Code: protocol.AccessOK, User: req.Username}, nil

	case protocol.LoginCreate:
		if res, ok := validateCreate(req); !ok {
			return res, nil
		}
		hash, err := HashPassword(req.Password, p.cost)
		if err != nil {
			return Result{}, err
		}
		res, err := p.db.ExecContext(ctx, `
			INSERT INTO users (username, password_hash, email)
			VALUES ($1, $2, $3)
			ON CONFLICT (username) DO NOTHING
		`, req.Username, hash, req.Email)
		if err != nil {
			return Result{}, fmt.Errorf("create user: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return Result{}, fmt.Errorf("create user: %w", err)
		} else if n == 0 {
			return nameUnavailable(req.Username), nil
		}
		return Result{Code: protocol.AccessOK, User: req.Username}, nil

	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownMode, req.Mode)
	}
}

// loginAPIKey resolves an active key to its owner and stamps last_used_at.
func (p *Postgres) loginAPIKey(ctx context.Context, req Request) (Result, error) {
	var owner string
	err := p.db.QueryRowContext(ctx, `
		UPDATE api_keys
		SET last_used_at = NOW()
		WHERE key = $1 AND is_active = true
		RETURNING username
	`, req.APIKey).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return badPassword(), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("validate api key: %w", err)
	}
	if req.Username != "" && req.Username != owner {
		return badPassword(), nil
	}
	return Result{Code: protocol.AccessOK, User: owner}, nil
}

// AddUser inserts or updates an account; used to seed users from config.
func (p *Postgres) AddUser(ctx context.Context, username, password string) error {
	hash, err := HashPassword(password, p.cost)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash)
		VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash
	`, username, hash)
	if err != nil {
		return fmt.Errorf("seed user %q: %w", username, err)
	}
	return nil
}

// AddAPIKey binds key to an existing account and reactivates it if it was
// revoked.
func (p *Postgres) AddAPIKey(ctx context.Context, key, username string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (key, username, description)
		VALUES ($1, $2, 'seeded from config')
		ON CONFLICT (key) DO UPDATE SET username = EXCLUDED.username, is_active = true
	`, key, username)
	if err != nil {
		return fmt.Errorf("seed api key for %q: %w", username, err)
	}
	return nil
}
