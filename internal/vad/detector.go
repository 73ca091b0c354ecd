// Package vad decides whether an audio frame carries speech.
package vad

import (
	"errors"
	"fmt"
	"strings"
)

const DefaultThreshold = 0.5

var ErrSileroUnavailable = errors.New("silero vad requires a build with the onnx tag")

// Detector returns the probability that a 16 kHz mono frame contains speech.
type Detector interface {
	Probability(frame []float32) (float32, error)
	Close() error
}

const (
	KindEnergy = "energy"
	KindSilero = "silero"
)

// Silero v5 model, fetched by setup --vad.
const (
	SileroModelFileName = "silero_vad.onnx"
	SileroModelURL      = "https://github.com/snakers4/silero-vad/raw/v5.1.2/src/silero_vad/data/silero_vad.onnx"
)

// Factory creates one detector per session. Recurrent detectors keep state
// between frames, so sessions must not share them.
type Factory func() (Detector, error)

func NewFactory(kind, modelPath string) (Factory, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindEnergy:
		return func() (Detector, error) {
			return NewEnergyDetector(EnergyConfig{}), nil
		}, nil
	case KindSilero:
		if strings.TrimSpace(modelPath) == "" {
			return nil, errors.New("silero vad needs a model path")
		}
		return func() (Detector, error) {
			d, err := NewSileroDetector(modelPath)
			if err != nil {
				return nil, err
			}
			return d, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown vad %q (expected %s or %s)", kind, KindEnergy, KindSilero)
	}
}
