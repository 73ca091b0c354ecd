//go:build !onnx

package vad

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSileroUnavailableWithoutOnnxTag(t *testing.T) {
	t.Parallel()

	f, err := NewFactory(KindSilero, "/models/silero_vad.onnx")
	require.NoError(t, err)

	d, err := f()
	require.ErrorIs(t, err, ErrSileroUnavailable)
	require.Nil(t, d)
}
