package mission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Postgres stores missions in the missions table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database. The schema is created by db.Open.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const missionColumns = `uuid, username, view_privacy, control_privacy, keep, notes,
	packets, last_delta_t, starts, started_at, ended_at`

func scanMission(row interface{ Scan(...any) error }) (*Mission, error) {
	var (
		m     Mission
		ended sql.NullTime
		delta int64
	)
	err := row.Scan(&m.UUID, &m.User, &m.ViewPrivacy, &m.ControlPrivacy, &m.Keep, &m.Notes,
		&m.Packets, &delta, &m.Starts, &m.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.LastDeltaT = uint64(delta)
	if ended.Valid {
		t := ended.Time
		m.EndedAt = &t
	}
	return &m, nil
}

func (s *Postgres) Start(ctx context.Context, user string, req StartRequest) (*Mission, bool, error) {
	if req.UUID != "" {
		row := s.db.QueryRowContext(ctx, `
			UPDATE missions SET
				keep = $3,
				view_privacy = $4,
				control_privacy = $5,
				notes = CASE WHEN $6 = '' THEN notes
				             WHEN notes = '' THEN $6
				             ELSE notes || E'\n' || $6 END,
				starts = starts + 1,
				ended_at = NULL
			WHERE uuid = $1 AND username = $2
			RETURNING `+missionColumns,
			req.UUID, user, req.Keep, req.ViewPrivacy, req.ControlPrivacy, req.Notes)
		m, err := scanMission(row)
		if err == nil {
			return m, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, fmt.Errorf("resume mission: %w", err)
		}
	}

	id := req.UUID
	if id == "" {
		id = newUUID()
	}
	for attempt := 0; attempt < 2; attempt++ {
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO missions (uuid, username, view_privacy, control_privacy, keep, notes, started_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (uuid) DO NOTHING
			RETURNING `+missionColumns,
			id, user, req.ViewPrivacy, req.ControlPrivacy, req.Keep, req.Notes, time.Now())
		m, err := scanMission(row)
		if err == nil {
			return m, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, fmt.Errorf("create mission: %w", err)
		}
		// uuid belongs to another user
		id = newUUID()
	}
	return nil, false, fmt.Errorf("create mission: could not allocate uuid")
}

func (s *Postgres) AppendNote(ctx context.Context, uuid, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE missions
		SET notes = CASE WHEN notes = '' THEN $2 ELSE notes || E'\n' || $2 END
		WHERE uuid = $1
	`, uuid, note)
	if err != nil {
		return fmt.Errorf("append note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Finalize(ctx context.Context, uuid string, keep bool, tm Telemetry) (*Mission, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE missions SET
			keep = $2,
			ended_at = NOW(),
			packets = packets + $3,
			last_delta_t = CASE WHEN $4 THEN $5 ELSE last_delta_t END
		WHERE uuid = $1
		RETURNING `+missionColumns,
		uuid, keep, tm.Packets, tm.HasDeltaT, int64(tm.LastDeltaT))
	m, err := scanMission(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("finalize mission: %w", err)
	}
	return m, err
}

func (s *Postgres) Get(ctx context.Context, uuid string) (*Mission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE uuid = $1`, uuid)
	m, err := scanMission(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get mission: %w", err)
	}
	return m, err
}
