package audio

import (
	"math"
)

type Levels struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int64
}

func Analyze(samples []float32) Levels {
	if len(samples) == 0 {
		return Levels{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1)}
	}

	var peak, sumSquares float64
	for _, s := range samples {
		v := float64(s)
		if abs := math.Abs(v); abs > peak {
			peak = abs
		}
		sumSquares += v * v
	}

	return Levels{
		RMSdBFS:  AmplitudeToDBFS(math.Sqrt(sumSquares / float64(len(samples)))),
		PeakdBFS: AmplitudeToDBFS(peak),
		Samples:  int64(len(samples)),
	}
}

// IsSilent reports whether the RMS level is at or below threshold and the
// peak stays within 6 dB of it.
func IsSilent(samples []float32, thresholdDBFS float64) (bool, Levels) {
	levels := Analyze(samples)
	return levels.silent(thresholdDBFS), levels
}

func IsSilentWAV(path string, thresholdDBFS float64) (bool, Levels, error) {
	wav, err := ReadWAV(path)
	if err != nil {
		return false, Levels{}, err
	}
	silent, levels := IsSilent(wav.Samples, thresholdDBFS)
	return silent, levels, nil
}

func (l Levels) silent(thresholdDBFS float64) bool {
	if l.Samples == 0 {
		return true
	}
	if math.IsInf(l.RMSdBFS, -1) && math.IsInf(l.PeakdBFS, -1) {
		return true
	}
	return l.RMSdBFS <= thresholdDBFS && l.PeakdBFS <= thresholdDBFS+6
}

func AmplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
