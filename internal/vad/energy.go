package vad

import (
	"github.com/fmueller/livewhisper/internal/audio"
)

const (
	DefaultFloorDBFS   = -55.0
	DefaultCeilingDBFS = -30.0
)

type EnergyConfig struct {
	// FloorDBFS maps to probability 0 and CeilingDBFS to 1.
	FloorDBFS   float64
	CeilingDBFS float64
}

// EnergyDetector maps the RMS level of a frame linearly onto [0, 1].
type EnergyDetector struct {
	floor   float64
	ceiling float64
}

func NewEnergyDetector(cfg EnergyConfig) *EnergyDetector {
	if cfg.FloorDBFS == 0 {
		cfg.FloorDBFS = DefaultFloorDBFS
	}
	if cfg.CeilingDBFS == 0 {
		cfg.CeilingDBFS = DefaultCeilingDBFS
	}
	if cfg.CeilingDBFS <= cfg.FloorDBFS {
		cfg.CeilingDBFS = cfg.FloorDBFS + 1
	}
	return &EnergyDetector{floor: cfg.FloorDBFS, ceiling: cfg.CeilingDBFS}
}

func (d *EnergyDetector) Probability(frame []float32) (float32, error) {
	levels := audio.Analyze(frame)
	switch {
	case levels.RMSdBFS <= d.floor:
		return 0, nil
	case levels.RMSdBFS >= d.ceiling:
		return 1, nil
	default:
		return float32((levels.RMSdBFS - d.floor) / (d.ceiling - d.floor)), nil
	}
}

func (d *EnergyDetector) Close() error {
	return nil
}
