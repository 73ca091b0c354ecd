//go:build !onnx

package vad

// SileroDetector is only functional in builds with the onnx tag.
type SileroDetector struct{}

func NewSileroDetector(string) (*SileroDetector, error) {
	return nil, ErrSileroUnavailable
}

func (*SileroDetector) Probability([]float32) (float32, error) {
	return 0, ErrSileroUnavailable
}

func (*SileroDetector) Close() error {
	return nil
}
