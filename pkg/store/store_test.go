package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func record(session string, id uint64) TaskRecord {
	return TaskRecord{
		SessionID:  session,
		TaskID:     id,
		Kind:       "prompt",
		StartedAt:  t0.Add(time.Duration(id) * time.Second),
		FinishedAt: t0.Add(time.Duration(id)*time.Second + time.Millisecond),
		Response:   "ok",
	}
}

func TestOpenSessionCreatedThenResumed(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess, created, err := s.OpenSession(ctx, "agent-local", "local", t0)
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, "local", sess.Target)

			later := t0.Add(time.Hour)
			sess, created, err = s.OpenSession(ctx, "agent-local", "local", later)
			require.NoError(t, err)
			assert.False(t, created)
			assert.True(t, sess.CreatedAt.Equal(t0))
			assert.True(t, sess.UpdatedAt.Equal(later))
		})
	}
}

func TestSaveListCompact(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := s.OpenSession(ctx, "sess", "local", t0)
			require.NoError(t, err)

			for id := uint64(1); id <= 5; id++ {
				require.NoError(t, s.SaveTask(ctx, record("sess", id)))
			}
			failed := record("sess", 1)
			failed.Response, failed.Error = "", "exit status 2"
			require.NoError(t, s.SaveTask(ctx, failed))

			recs, err := s.ListTasks(ctx, "sess", 2)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "exit status 2", recs[0].Error, "newest first, even when task ids repeat")
			assert.Equal(t, uint64(5), recs[1].TaskID)
			assert.True(t, recs[1].StartedAt.Equal(record("sess", 5).StartedAt))

			dropped, err := s.Compact(ctx, "sess", 3)
			require.NoError(t, err)
			assert.Equal(t, 3, dropped)

			recs, err = s.ListTasks(ctx, "sess", 0)
			require.NoError(t, err)
			require.Len(t, recs, 3)
			assert.Equal(t, uint64(4), recs[2].TaskID)

			dropped, err = s.Compact(ctx, "sess", 3)
			require.NoError(t, err)
			assert.Zero(t, dropped)
		})
	}
}

func TestSaveTaskUnknownSession(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.SaveTask(context.Background(), record("nope", 1))
			require.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, _, err = s.OpenSession(ctx, "sess", "ssh:box", t0)
	require.NoError(t, err)
	require.NoError(t, s.SaveTask(ctx, record("sess", 1)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	_, created, err := s.OpenSession(ctx, "sess", "ssh:box", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, created)
	recs, err := s.ListTasks(ctx, "sess", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
