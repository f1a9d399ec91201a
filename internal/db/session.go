package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a session ID has no row.
var ErrSessionNotFound = errors.New("session not found")

// Session is one continuous recording from a device.
type Session struct {
	ID           string     `json:"id"`
	Device       string     `json:"device"`
	SampleRateHz float64    `json:"sample_rate_hz"`
	Bands        []string   `json:"bands"`
	Notes        string     `json:"notes,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// StartSession inserts a new open session and returns it.
func (db *DB) StartSession(device string, sampleRateHz float64, bands []string, notes string) (*Session, error) {
	if bands == nil {
		bands = []string{}
	}
	bandsJSON, err := json.Marshal(bands)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:           uuid.NewString(),
		Device:       device,
		SampleRateHz: sampleRateHz,
		Bands:        bands,
		Notes:        notes,
		StartedAt:    time.Now().UTC(),
	}
	_, err = db.Exec(
		`INSERT INTO sessions (session_id, device, sample_rate_hz, bands, notes, started_unix)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Device, s.SampleRateHz, string(bandsJSON), s.Notes, unixSeconds(s.StartedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return s, nil
}

// EndSession stamps the end time on an open session.
func (db *DB) EndSession(id string) error {
	res, err := db.Exec(
		`UPDATE sessions SET ended_unix = ? WHERE session_id = ? AND ended_unix IS NULL`,
		unixSeconds(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := db.Session(id); err != nil {
			return err
		}
	}
	return nil
}

const sessionColumns = `session_id, device, sample_rate_hz, bands, notes, started_unix, ended_unix`

// Session returns the session with the given ID.
func (db *DB) Session(id string) (*Session, error) {
	row := db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, err
}

// Sessions returns up to limit sessions, most recently started first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+sessionColumns+` FROM sessions ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// LatestSession returns the most recently started session.
func (db *DB) LatestSession() (*Session, error) {
	sessions, err := db.Sessions(1)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrSessionNotFound
	}
	return &sessions[0], nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s         Session
		bandsJSON string
		started   float64
		ended     sql.NullFloat64
	)
	if err := row.Scan(&s.ID, &s.Device, &s.SampleRateHz, &bandsJSON, &s.Notes, &started, &ended); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(bandsJSON), &s.Bands); err != nil {
		return nil, fmt.Errorf("session %s: bad bands column: %w", s.ID, err)
	}
	s.StartedAt = fromUnixSeconds(started)
	if ended.Valid {
		t := fromUnixSeconds(ended.Float64)
		s.EndedAt = &t
	}
	return &s, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}
