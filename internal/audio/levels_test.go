package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsSilentWAVDetectsSilence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "silent.wav")
	require.NoError(t, os.WriteFile(path, makePCM16WAV(make([]int16, 16000), 16000, 1), 0o644))

	silent, levels, err := IsSilentWAV(path, -65)
	require.NoError(t, err)
	require.True(t, silent)
	require.True(t, math.IsInf(levels.RMSdBFS, -1))
	require.True(t, math.IsInf(levels.PeakdBFS, -1))
	require.EqualValues(t, 16000, levels.Samples)
}

func TestIsSilentWAVDetectsSpeechLikeSignal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voice.wav")
	require.NoError(t, os.WriteFile(path, makePCM16WAV(sineInt16(16000, 0.25), 16000, 1), 0o644))

	silent, levels, err := IsSilentWAV(path, -65)
	require.NoError(t, err)
	require.False(t, silent)
	require.Greater(t, levels.PeakdBFS, -20.0)
	require.Greater(t, levels.RMSdBFS, -20.0)
}

func TestIsSilentWAVInvalidFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "not-wav.wav")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	_, _, err := IsSilentWAV(path, -65)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidWAV)
}

func TestIsSilentRejectsLoudPeakInQuietFrame(t *testing.T) {
	t.Parallel()

	samples := make([]float32, 16000)
	samples[100] = 0.9

	silent, levels := IsSilent(samples, -40)
	require.False(t, silent)
	require.Less(t, levels.RMSdBFS, -40.0)
}

func TestIsSilentEmpty(t *testing.T) {
	t.Parallel()

	silent, levels := IsSilent(nil, -65)
	require.True(t, silent)
	require.Zero(t, levels.Samples)
}

func TestAmplitudeToDBFS(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 0, AmplitudeToDBFS(1), 1e-9)
	require.InDelta(t, -6.0206, AmplitudeToDBFS(0.5), 1e-3)
	require.True(t, math.IsInf(AmplitudeToDBFS(0), -1))
}

func sineInt16(n int, amplitude float64) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000.0))
	}
	return samples
}
