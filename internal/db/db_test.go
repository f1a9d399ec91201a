package db

import (
	"compress/gzip"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/eeg.report/internal/dsp"
	"github.com/banshee-data/eeg.report/internal/monitoring"
	"github.com/banshee-data/eeg.report/internal/pipeline"
)

func init() {
	monitoring.SetLogger(nil)
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "eeg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestPragmasApplied verifies that essential PRAGMAs are set on open.
func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout, synchronous, tempStore, foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	require.NoError(t, db.QueryRow("PRAGMA temp_store").Scan(&tempStore))
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 5000, busyTimeout)
	assert.Equal(t, 1, synchronous, "NORMAL")
	assert.Equal(t, 2, tempStore, "MEMORY")
	assert.Equal(t, 1, foreignKeys)
}

func TestEmbeddedMigrationsFS(t *testing.T) {
	migFS, err := getMigrationsFS()
	require.NoError(t, err)
	entries, err := fs.ReadDir(migFS, ".")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "000001_init.up.sql")
	assert.Contains(t, names, "000001_init.down.sql")
}

func TestMigrations_UpDownUp(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, version)
	_, err = db.Exec(`SELECT COUNT(*) FROM sessions`)
	assert.Error(t, err, "sessions table dropped")

	require.NoError(t, db.MigrateUp())
	require.NoError(t, db.MigrateUp(), "no change is not an error")
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eeg.db")
	db1, err := NewDB(path)
	require.NoError(t, err)
	s, err := db1.StartSession("/dev/rfcomm0", 512, []string{"Alpha"}, "")
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := NewDB(path)
	require.NoError(t, err)
	defer db2.Close()
	got, err := db2.Session(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "/dev/rfcomm0", got.Device)
}

func TestSessions_Lifecycle(t *testing.T) {
	db := newTestDB(t)

	s, err := db.StartSession("synthetic", 512, dsp.BandNames(dsp.DefaultBands()), "eyes closed")
	require.NoError(t, err)
	assert.Len(t, s.ID, 36)

	got, err := db.Session(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Bands, got.Bands)
	assert.Equal(t, "eyes closed", got.Notes)
	assert.Nil(t, got.EndedAt)
	assert.WithinDuration(t, s.StartedAt, got.StartedAt, 1e6)

	require.NoError(t, db.EndSession(s.ID))
	got, err = db.Session(s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.False(t, got.EndedAt.Before(got.StartedAt))

	// Ending twice keeps the first end time.
	first := *got.EndedAt
	require.NoError(t, db.EndSession(s.ID))
	got, err = db.Session(s.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *got.EndedAt)

	_, err = db.Session("missing")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.ErrorIs(t, db.EndSession("missing"), ErrSessionNotFound)
}

func TestSessions_Ordering(t *testing.T) {
	db := newTestDB(t)

	_, err := db.LatestSession()
	assert.ErrorIs(t, err, ErrSessionNotFound)

	a, err := db.StartSession("a", 512, nil, "")
	require.NoError(t, err)
	b, err := db.StartSession("b", 512, nil, "")
	require.NoError(t, err)
	// Force distinct start times.
	_, err = db.Exec(`UPDATE sessions SET started_unix = started_unix - 10 WHERE session_id = ?`, a.ID)
	require.NoError(t, err)

	sessions, err := db.Sessions(0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, b.ID, sessions[0].ID)
	assert.Equal(t, []string{}, sessions[1].Bands)

	latest, err := db.LatestSession()
	require.NoError(t, err)
	assert.Equal(t, b.ID, latest.ID)
}

func spectrumRecord(t float64, raw int16, alpha float64) pipeline.Record {
	return pipeline.Record{
		Sample: pipeline.TimedSample{Timestamp: t, Value: raw},
		Spectrum: dsp.PowerSpectrum{
			{Name: "Alpha", Power: alpha},
			{Name: "Beta", Power: alpha / 2},
		},
	}
}

func TestRecorder_BatchesAndQueries(t *testing.T) {
	db := newTestDB(t)
	s, err := db.StartSession("synthetic", 512, []string{"Alpha", "Beta"}, "")
	require.NoError(t, err)

	rec := db.NewRecorder(s.ID, 4)
	assert.Equal(t, s.ID, rec.SessionID())

	// Three raw records stay buffered.
	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Write(pipeline.Record{Sample: pipeline.TimedSample{Timestamp: float64(i), Value: int16(i)}}))
	}
	assert.Zero(t, rec.Written())
	counts, err := db.Counts(s.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionCounts{}, counts)

	// The fourth fills the batch.
	require.NoError(t, rec.Write(spectrumRecord(3, -3, 30)))
	assert.Equal(t, 4, rec.Written())

	require.NoError(t, rec.Write(spectrumRecord(4, -4, 40)))
	require.NoError(t, rec.Write(spectrumRecord(5, -5, 50)))
	require.NoError(t, rec.Flush())
	require.NoError(t, rec.Flush(), "empty flush")
	assert.Equal(t, 6, rec.Written())

	counts, err = db.Counts(s.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionCounts{Samples: 6, Spectra: 3}, counts)

	spectra, err := db.Spectra(s.ID, 2)
	require.NoError(t, err)
	want := []pipeline.Record{spectrumRecord(4, -4, 40), spectrumRecord(5, -5, 50)}
	if diff := cmp.Diff(want, spectra); diff != "" {
		t.Errorf("Spectra mismatch (-want +got):\n%s", diff)
	}

	samples, err := db.Samples(s.ID, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.TimedSample{{Timestamp: 1, Value: 1}, {Timestamp: 2, Value: 2}, {Timestamp: 3, Value: -3}}, samples)
}

func TestRecorder_UnknownSessionFails(t *testing.T) {
	db := newTestDB(t)
	rec := db.NewRecorder("no-such-session", 1)
	assert.Error(t, rec.Write(spectrumRecord(0, 0, 1)), "foreign key enforced")
	assert.Zero(t, rec.Written())
	assert.Equal(t, 1, rec.Dropped())
}

func TestRecorder_FailedBatchIsDropped(t *testing.T) {
	db := newTestDB(t)
	rec := db.NewRecorder("no-such-session", 4)

	var failures int
	for i := 0; i < 100; i++ {
		if err := rec.Write(spectrumRecord(float64(i), int16(i), 1)); err != nil {
			failures++
		}
		require.Less(t, rec.Pending(), 4, "write %d", i)
	}
	assert.Equal(t, 25, failures, "one failure per batch")
	assert.Equal(t, 100, rec.Dropped())
	assert.Zero(t, rec.Written())
	assert.Zero(t, rec.Pending())
	require.NoError(t, rec.Flush(), "nothing left to retry")

	// A healthy session on the same database still records.
	s, err := db.StartSession("synthetic", 512, nil, "")
	require.NoError(t, err)
	ok := db.NewRecorder(s.ID, 4)
	for i := 0; i < 4; i++ {
		require.NoError(t, ok.Write(spectrumRecord(float64(i), 0, 1)))
	}
	assert.Equal(t, 4, ok.Written())
}

func localHostRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestSnapshotTo(t *testing.T) {
	db := newTestDB(t)
	s, err := db.StartSession("synthetic", 512, []string{"Alpha"}, "snap")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "snap.db")
	require.NoError(t, db.SnapshotTo(path))
	assert.Error(t, db.SnapshotTo(path), "existing target")

	copyDB, err := NewDB(path)
	require.NoError(t, err)
	defer copyDB.Close()
	got, err := copyDB.Session(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "snap", got.Notes)
}

func TestAdminRoutes_Backup(t *testing.T) {
	db := newTestDB(t)
	s, err := db.StartSession("synthetic", 512, nil, "")
	require.NoError(t, err)

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/backup"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	backup, err := io.ReadAll(zr)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, os.WriteFile(path, backup, 0o600))
	restored, err := NewDB(path)
	require.NoError(t, err)
	defer restored.Close()
	_, err = restored.Session(s.ID)
	assert.NoError(t, err)
}

func TestAdminRoutes_Index(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tailsql/")
	assert.Contains(t, rec.Body.String(), "backup")
}
