package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	t.Parallel()

	samples := []float32{0, 0.5, -0.25, 1, -1}
	decoded, err := DecodeFrame(EncodeFrame(samples))
	require.NoError(t, err)
	require.Equal(t, samples, decoded)
}

func TestDecodeFrameRejectsPartialSample(t *testing.T) {
	t.Parallel()

	_, err := DecodeFrame([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestIsEndOfAudio(t *testing.T) {
	t.Parallel()

	require.True(t, IsEndOfAudio([]byte("END_OF_AUDIO")))
	require.False(t, IsEndOfAudio([]byte("END_OF_AUDIO ")))
	require.False(t, IsEndOfAudio(EncodeFrame([]float32{0.1, 0.2, 0.3})))
}

func TestOptionsNormalizeAppliesDefaults(t *testing.T) {
	t.Parallel()

	opts := Options{UID: " abc ", Language: "AUTO"}.Normalize()
	require.Equal(t, "abc", opts.UID)
	require.Empty(t, opts.Language)
	require.Equal(t, TaskTranscribe, opts.Task)
	require.Equal(t, DefaultSendLastNSegments, opts.SendLastNSegments)
	require.InDelta(t, DefaultNoSpeechThreshold, opts.NoSpeechThreshold, 1e-9)
	require.Equal(t, DefaultSameOutputThreshold, opts.SameOutputThreshold)
}

func TestOptionsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{name: "ok", opts: Options{UID: "a", Task: TaskTranslate}},
		{name: "missing uid", opts: Options{}, wantErr: "uid is required"},
		{name: "bad task", opts: Options{UID: "a", Task: "summarize"}, wantErr: "unknown task"},
		{name: "bad threshold", opts: Options{UID: "a", NoSpeechThreshold: 2}, wantErr: "no_speech_thresh"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.opts.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestFormatSegmentUsesMillisecondStrings(t *testing.T) {
	t.Parallel()

	seg := FormatSegment(1.23456, 2, "hello", true)
	require.Equal(t, "1.235", seg.Start)
	require.Equal(t, "2.000", seg.End)
	require.InDelta(t, 1.235, seg.StartSeconds(), 1e-9)
	require.InDelta(t, 2.0, seg.EndSeconds(), 1e-9)

	raw, err := json.Marshal(seg)
	require.NoError(t, err)
	require.JSONEq(t, `{"start":"1.235","end":"2.000","text":"hello","completed":true}`, string(raw))
}

func TestWaitMessageCarriesMinutes(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(Wait("u1", 2.5))
	require.NoError(t, err)

	var decoded ServerMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, StatusWait, decoded.Status)
	require.InDelta(t, 2.5, decoded.WaitMinutes(), 1e-9)
	require.Empty(t, decoded.MessageText())
}

func TestReadyMessageShape(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(Ready("u1", "openai"))
	require.NoError(t, err)
	require.JSONEq(t, `{"uid":"u1","message":"SERVER_READY","backend":"openai"}`, string(raw))
}
