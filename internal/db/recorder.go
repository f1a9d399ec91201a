package db

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/banshee-data/eeg.report/internal/dsp"
	"github.com/banshee-data/eeg.report/internal/pipeline"
)

// DefaultBatchSize is how many records a Recorder buffers before writing
// them in one transaction. One second of samples at 512 Hz.
const DefaultBatchSize = 512

// Recorder is a pipeline.Sink that stores every sample of a session and
// every spectrum computed for it. A batch whose transaction fails is
// dropped and counted, so a broken database never grows the buffer.
type Recorder struct {
	db        *DB
	sessionID string
	batchSize int

	mu      sync.Mutex
	pending []pipeline.Record
	written int
	dropped int
}

// NewRecorder returns a Recorder writing into session sessionID.
// batchSize <= 0 uses DefaultBatchSize.
func (db *DB) NewRecorder(sessionID string, batchSize int) *Recorder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Recorder{
		db:        db,
		sessionID: sessionID,
		batchSize: batchSize,
		pending:   make([]pipeline.Record, 0, batchSize),
	}
}

// SessionID returns the session the recorder writes into.
func (r *Recorder) SessionID() string { return r.sessionID }

// Write buffers rec and flushes when the batch is full.
func (r *Recorder) Write(rec pipeline.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, rec)
	if len(r.pending) < r.batchSize {
		return nil
	}
	return r.flushLocked()
}

// Flush writes any buffered records.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

// Written returns the number of records committed so far.
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Dropped returns the number of records lost to failed transactions.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Pending returns the number of buffered records not yet written.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Recorder) flushLocked() error {
	if len(r.pending) == 0 {
		return nil
	}

	n := len(r.pending)
	err := r.insert(r.pending)
	r.pending = r.pending[:0]
	if err != nil {
		r.dropped += n
		return fmt.Errorf("dropped %d records: %w", n, err)
	}
	r.written += n
	return nil
}

func (r *Recorder) insert(batch []pipeline.Record) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sampleStmt, err := tx.Prepare(`INSERT INTO samples (session_id, t_seconds, raw_value) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer sampleStmt.Close()
	spectrumStmt, err := tx.Prepare(`INSERT INTO spectra (session_id, t_seconds, raw_value, band_powers) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer spectrumStmt.Close()

	for _, rec := range batch {
		if _, err := sampleStmt.Exec(r.sessionID, rec.Sample.Timestamp, rec.Sample.Value); err != nil {
			return fmt.Errorf("failed to insert sample: %w", err)
		}
		if rec.Spectrum == nil {
			continue
		}
		powers, err := json.Marshal(rec.Spectrum)
		if err != nil {
			return err
		}
		if _, err := spectrumStmt.Exec(r.sessionID, rec.Sample.Timestamp, rec.Sample.Value, string(powers)); err != nil {
			return fmt.Errorf("failed to insert spectrum: %w", err)
		}
	}
	return tx.Commit()
}

// Spectra returns the last limit spectra of a session in time order.
func (db *DB) Spectra(sessionID string, limit int) ([]pipeline.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT t_seconds, raw_value, band_powers FROM (
			SELECT t_seconds, raw_value, band_powers FROM spectra
			WHERE session_id = ? ORDER BY t_seconds DESC LIMIT ?
		) ORDER BY t_seconds ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.Record
	for rows.Next() {
		var (
			rec    pipeline.Record
			powers string
		)
		if err := rows.Scan(&rec.Sample.Timestamp, &rec.Sample.Value, &powers); err != nil {
			return nil, err
		}
		var spectrum dsp.PowerSpectrum
		if err := json.Unmarshal([]byte(powers), &spectrum); err != nil {
			return nil, fmt.Errorf("bad band_powers at t=%f: %w", rec.Sample.Timestamp, err)
		}
		rec.Spectrum = spectrum
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Samples returns the raw samples of a session between from and to seconds,
// inclusive, in time order.
func (db *DB) Samples(sessionID string, from, to float64) ([]pipeline.TimedSample, error) {
	rows, err := db.Query(
		`SELECT t_seconds, raw_value FROM samples
		WHERE session_id = ? AND t_seconds >= ? AND t_seconds <= ?
		ORDER BY t_seconds ASC`,
		sessionID, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.TimedSample
	for rows.Next() {
		var s pipeline.TimedSample
		if err := rows.Scan(&s.Timestamp, &s.Value); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionCounts holds row counts for a session.
type SessionCounts struct {
	Samples int64 `json:"samples"`
	Spectra int64 `json:"spectra"`
}

// Counts returns how many samples and spectra a session holds.
func (db *DB) Counts(sessionID string) (SessionCounts, error) {
	var c SessionCounts
	err := db.QueryRow(
		`SELECT
			(SELECT COUNT(*) FROM samples WHERE session_id = ?),
			(SELECT COUNT(*) FROM spectra WHERE session_id = ?)`,
		sessionID, sessionID,
	).Scan(&c.Samples, &c.Spectra)
	return c, err
}
