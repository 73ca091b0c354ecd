package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/livewhisper/internal/protocol"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "data", "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoadSession(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 123000000, time.UTC)

	id, err := s.SaveSession(ctx, Session{
		UID:          "u1",
		Language:     "en",
		Task:         protocol.TaskTranscribe,
		Model:        "base",
		Backend:      "whisper.cpp",
		StartedAt:    started,
		EndedAt:      started.Add(90 * time.Second),
		AudioSeconds: 88.5,
		Segments: []protocol.Segment{
			protocol.FormatSegment(0, 1.5, "hello", true),
			protocol.FormatSegment(1.5, 3, "world", true),
		},
	})
	require.NoError(t, err)
	require.Positive(t, id)

	got, err := s.LoadSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "u1", got.UID)
	require.Equal(t, "whisper.cpp", got.Backend)
	require.True(t, started.Equal(got.StartedAt))
	require.Equal(t, 90*time.Second, got.EndedAt.Sub(got.StartedAt))
	require.InDelta(t, 88.5, got.AudioSeconds, 1e-9)
	require.Len(t, got.Segments, 2)
	require.Equal(t, "hello world", got.Text())
}

func TestListSessionsNewestFirst(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, uid := range []string{"a", "b", "c"} {
		_, err := s.SaveSession(ctx, Session{
			UID:       uid,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			EndedAt:   base.Add(time.Duration(i)*time.Hour + time.Minute),
		})
		require.NoError(t, err)
	}

	all, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "c", all[0].UID)
	require.Equal(t, "a", all[2].UID)
	require.Empty(t, all[0].Segments)

	limited, err := s.ListSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestLoadSessionNotFound(t *testing.T) {
	t.Parallel()

	_, err := openTestStore(t).LoadSession(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(" ")
	require.Error(t, err)
}
