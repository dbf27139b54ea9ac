package jobregistry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/superdev/pkg/job"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	rec := &JobRecord{
		JobID:      "app-1",
		Module:     "app",
		Bindings:   map[string]string{"locale": "en"},
		State:      job.StatusServing,
		CompileDir: "/work/app/compile-3",
		Strategy:   job.StrategyIncremental,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.Write(rec); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := s.Get("app-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.JobID != rec.JobID {
		t.Fatalf("job_id mismatch: got=%q want=%q", got.JobID, rec.JobID)
	}
	if got.State != rec.State {
		t.Fatalf("state mismatch: got=%q want=%q", got.State, rec.State)
	}
	if got.Bindings["locale"] != "en" {
		t.Fatalf("bindings not persisted")
	}
	assert.Equal(t, filepath.Join("/work/app/compile-3", "compile.log"), got.LogPath())
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 19, 13, 0, 0, 0, time.UTC)

	if err := s.Write(&JobRecord{JobID: "app-1", State: job.StatusServing, CreatedAt: t1, UpdatedAt: t1}); err != nil {
		t.Fatalf("Write app-1: %v", err)
	}
	if err := s.Write(&JobRecord{JobID: "app-2", State: job.StatusWaiting, CreatedAt: t2, UpdatedAt: t2}); err != nil {
		t.Fatalf("Write app-2: %v", err)
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unexpected job count: %d", len(got))
	}
	if got[0].JobID != "app-2" {
		t.Fatalf("expected newest first, got[0]=%q", got[0].JobID)
	}
}

func TestStore_WriteRejectsBadIDs(t *testing.T) {
	s := NewStore(t.TempDir())
	assert.Error(t, s.Write(nil))
	assert.Error(t, s.Write(&JobRecord{JobID: " "}))
	assert.Error(t, s.Write(&JobRecord{JobID: "../escape"}))
	assert.Error(t, NewStore("").Write(&JobRecord{JobID: "app-1"}))
}

func TestStore_GetStaysInsideRoot(t *testing.T) {
	base := t.TempDir()
	outside := NewStore(base)
	now := time.Now().UTC()
	require.NoError(t, outside.Write(&JobRecord{JobID: "secret", Module: "app", State: job.StatusServing, CreatedAt: now, UpdatedAt: now}))

	s := NewStore(filepath.Join(base, "jobs"))
	for _, id := range []string{"../secret", `..\secret`, "..", ".", "", "  "} {
		_, err := s.Get(id)
		assert.ErrorIs(t, err, ErrInvalidJobID, "id %q", id)
	}

	_, err := s.Get("app-404")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStore_Prune(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)

	require.NoError(t, s.Write(&JobRecord{JobID: "app-0", State: job.StatusGone, UpdatedAt: old}))
	require.NoError(t, s.Write(&JobRecord{JobID: "app-1", State: job.StatusError, UpdatedAt: old}))
	require.NoError(t, s.Write(&JobRecord{JobID: "app-2", State: job.StatusServing, UpdatedAt: old}))
	require.NoError(t, s.Write(&JobRecord{JobID: "app-3", State: job.StatusGone, UpdatedAt: now}))

	n, err := s.Prune(24*time.Hour, now, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.FileExists(t, s.JobPath("app-0"))

	n, err = s.Prune(24*time.Hour, now, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = os.Stat(s.JobDir("app-0"))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, s.JobPath("app-2"))
	assert.FileExists(t, s.JobPath("app-3"))

	_, err = s.Prune(0, now, false)
	assert.Error(t, err)
}

func TestStore_ListenerKeepsCreatedAt(t *testing.T) {
	s := NewStore(t.TempDir())
	r := New(WithListener("store", s.Listener()))

	j := job.New("app", map[string]string{"locale": "en"}, nil)
	require.NoError(t, j.MarkSubmitted(r))

	first, err := s.Get(j.ID())
	require.NoError(t, err)
	assert.Equal(t, job.StatusWaiting, first.State)

	require.NoError(t, j.OnStarted())
	got, err := s.Get(j.ID())
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompiling, got.State)
	assert.Equal(t, first.CreatedAt, got.CreatedAt)
	assert.Equal(t, "en", got.Bindings["locale"])
}

func TestJobRecord_EventRoundTrip(t *testing.T) {
	ev := job.Event{
		JobID:      "app-4",
		Module:     "app",
		Bindings:   map[string]string{"locale": "fr"},
		Status:     job.StatusCompiling,
		Message:    "Compiling",
		CompileDir: "/work/app/compile-4",
		Progress:   &job.Progress{Done: 3, Total: 9},
		Time:       time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC),
	}

	got := RecordFromEvent(ev, time.Time{}).Event()
	assert.Equal(t, ev, got)

	got.Progress.Done = 9
	assert.Equal(t, 3, ev.Progress.Done)
}

func TestStore_Reset(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "jobs"))

	n, err := s.Reset()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.Write(&JobRecord{JobID: "app-0", State: job.StatusCompiling}))
	require.NoError(t, s.Write(&JobRecord{JobID: "app-1", State: job.StatusGone}))

	n, err = s.Reset()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
