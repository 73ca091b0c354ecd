package transcript

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/livewhisper/internal/protocol"
)

func seg(start, end float64, text string, completed bool) protocol.Segment {
	return protocol.FormatSegment(start, end, text, completed)
}

func TestProcessAppendsCompletedInOrder(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	a.Process([]protocol.Segment{seg(0, 2, "hello", true), seg(2, 3, "wor", false)})
	a.Process([]protocol.Segment{seg(0, 2, "hello", true), seg(2, 4, "world", true), seg(4, 5, "again", false)})

	entries := a.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "hello", entries[0].Text)
	require.Equal(t, "world", entries[1].Text)
	require.InDelta(t, 4.0, entries[1].End, 1e-9)
	require.Equal(t, "hello world", a.Text())
}

func TestProcessSkipsOverlappingCompleted(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	a.Process([]protocol.Segment{seg(0, 3, "first", true)})
	a.Process([]protocol.Segment{seg(2.5, 4, "overlap", true)})

	require.Equal(t, "first", a.Text())
}

func TestProcessReturnsDedupedLines(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	lines := a.Process([]protocol.Segment{
		seg(0, 1, " same ", true),
		seg(1, 2, "same", true),
		seg(2, 3, "", false),
		seg(3, 4, "next", false),
	})

	require.Equal(t, []string{"same", "next"}, lines)
}

func TestProcessIgnoresBlankAudio(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	a.Process([]protocol.Segment{seg(0, 1, "[BLANK_AUDIO]", true), seg(1, 2, "words", true)})

	require.Equal(t, "words", a.Text())
}

func TestFinalizeAppendsTrailingIncomplete(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	a.Process([]protocol.Segment{seg(0, 2, "hello", true), seg(2, 3, "tail", false)})
	a.Finalize()

	require.Equal(t, "hello tail", a.Text())

	a.Finalize()
	require.Len(t, a.Entries(), 2)
}

func TestFinalizeSkipsRepeatedOrEarlySegment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		updates [][]protocol.Segment
		want    string
	}{
		{
			name:    "same text as last entry",
			updates: [][]protocol.Segment{{seg(0, 2, "hello", true), seg(2, 3, "hello", false)}},
			want:    "hello",
		},
		{
			name:    "starts before last end",
			updates: [][]protocol.Segment{{seg(0, 2, "hello", true), seg(1, 3, "late", false)}},
			want:    "hello",
		},
		{
			name:    "blank pending",
			updates: [][]protocol.Segment{{seg(0, 2, "hello", true), seg(2, 3, "  ", false)}},
			want:    "hello",
		},
		{
			name:    "empty transcript",
			updates: [][]protocol.Segment{{seg(5, 6, "only", false)}},
			want:    "only",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := NewAssembler()
			for _, u := range tt.updates {
				a.Process(u)
			}
			a.Finalize()
			require.Equal(t, tt.want, a.Text())
		})
	}
}

func TestIsBlank(t *testing.T) {
	t.Parallel()

	require.True(t, IsBlank(""))
	require.True(t, IsBlank("   \n\t "))
	require.True(t, IsBlank("[BLANK_AUDIO]"))
	require.True(t, IsBlank(" [blank_audio] "))
	require.False(t, IsBlank("Hello world"))
}

func TestFromSegmentsDropsBlank(t *testing.T) {
	t.Parallel()

	entries := FromSegments([]protocol.Segment{
		seg(0, 1.25, " first ", true),
		seg(1.25, 2, "[BLANK_AUDIO]", true),
		seg(2, 3.5, "second", true),
	})
	require.Equal(t, []Entry{
		{Start: 0, End: 1.25, Text: "first"},
		{Start: 2, End: 3.5, Text: "second"},
	}, entries)
	require.Empty(t, FromSegments(nil))
}
