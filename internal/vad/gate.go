package vad

import (
	"fmt"
)

// silentFramesForEOS is how many consecutive silent frames may pass before
// the speaker is considered done.
const silentFramesForEOS = 3

// Gate tracks speech across the frames of one session.
type Gate struct {
	detector  Detector
	threshold float32
	silent    int
	eos       bool
}

func NewGate(detector Detector, threshold float32) *Gate {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Gate{detector: detector, threshold: threshold}
}

// Check reports whether frame contains speech.
func (g *Gate) Check(frame []float32) (bool, error) {
	prob, err := g.detector.Probability(frame)
	if err != nil {
		return false, fmt.Errorf("vad probability: %w", err)
	}
	if prob > g.threshold {
		g.silent = 0
		g.eos = false
		return true, nil
	}

	g.silent++
	if g.silent > silentFramesForEOS {
		g.eos = true
	}
	return false, nil
}

// EndOfSpeech reports whether more than three frames in a row were silent.
func (g *Gate) EndOfSpeech() bool {
	return g.eos
}

func (g *Gate) Close() error {
	return g.detector.Close()
}
