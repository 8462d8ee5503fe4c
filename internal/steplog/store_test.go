package steplog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stepd/internal/protocol"
	"github.com/mattjoyce/stepd/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "stepd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestReportAndGet(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	gid := 2
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	want := &protocol.StepReport{
		ID:          "a1",
		JobID:       12,
		StepID:      3,
		Kind:        "launch",
		NodeID:      1,
		State:       "failed",
		FailureKind: "nonzero_exit",
		Detail:      "task 2 exited 1",
		ExitStatus:  1,
		TaskGID:     &gid,
		EpilogError: "epilog: timeout",
		StartedAt:   started,
		CompletedAt: started.Add(time.Minute),
	}
	require.NoError(t, s.Report(ctx, want))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.Error(t, s.Report(ctx, &protocol.StepReport{}))
}

func TestRecentAndPrune(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.Report(ctx, &protocol.StepReport{
			ID:          id,
			JobID:       uint32(10 + i%2),
			Kind:        "spawn",
			State:       "completed",
			StartedAt:   base.Add(time.Duration(i) * time.Hour),
			CompletedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := s.Recent(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Nil(t, all[0].TaskGID)

	job10, err := s.Recent(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, job10, 2)

	n, err := s.Prune(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := s.Recent(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].ID)
}
