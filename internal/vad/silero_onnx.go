//go:build onnx

package vad

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// OnnxLibraryEnv points at the onnxruntime shared library.
const OnnxLibraryEnv = "LIVEWHISPER_ONNXRUNTIME_LIB"

const (
	sileroWindow     = 512
	sileroContext    = 64
	sileroSampleRate = 16000
)

var (
	ortOnce sync.Once
	ortErr  error
)

func initRuntime() error {
	ortOnce.Do(func() {
		if lib := strings.TrimSpace(os.Getenv(OnnxLibraryEnv)); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// SileroDetector runs the Silero v5 model over 512-sample windows. The
// model's recurrent state and the 64-sample context carry across frames.
type SileroDetector struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	state   *ort.Tensor[float32]
	sr      *ort.Tensor[int64]
	output  *ort.Tensor[float32]
	stateN  *ort.Tensor[float32]

	context []float32
	pending []float32
	last    float32
}

func NewSileroDetector(modelPath string) (*SileroDetector, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("silero model: %w", err)
	}
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	d := &SileroDetector{context: make([]float32, sileroContext)}
	var err error
	if d.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, sileroWindow+sileroContext)); err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	if d.state, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128)); err != nil {
		d.destroy()
		return nil, fmt.Errorf("create state tensor: %w", err)
	}
	if d.sr, err = ort.NewTensor(ort.NewShape(1), []int64{sileroSampleRate}); err != nil {
		d.destroy()
		return nil, fmt.Errorf("create sample rate tensor: %w", err)
	}
	if d.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		d.destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	if d.stateN, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128)); err != nil {
		d.destroy()
		return nil, fmt.Errorf("create state output tensor: %w", err)
	}

	d.session, err = ort.NewAdvancedSession(modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{d.input, d.state, d.sr},
		[]ort.Value{d.output, d.stateN},
		nil,
	)
	if err != nil {
		d.destroy()
		return nil, fmt.Errorf("create silero session: %w", err)
	}
	return d, nil
}

// Probability returns the highest speech probability over the complete
// windows in frame. Samples that do not fill a window wait for the next
// frame; a frame that completes no window returns the previous result.
func (d *SileroDetector) Probability(frame []float32) (float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil {
		return 0, errors.New("silero detector is closed")
	}

	d.pending = append(d.pending, frame...)
	best := float32(-1)
	for len(d.pending) >= sileroWindow {
		window := d.pending[:sileroWindow]
		in := d.input.GetData()
		copy(in, d.context)
		copy(in[sileroContext:], window)

		if err := d.session.Run(); err != nil {
			return 0, fmt.Errorf("run silero: %w", err)
		}
		prob := d.output.GetData()[0]
		copy(d.state.GetData(), d.stateN.GetData())
		copy(d.context, window[sileroWindow-sileroContext:])

		if prob > best {
			best = prob
		}
		d.pending = d.pending[sileroWindow:]
	}
	d.pending = append(d.pending[:0:0], d.pending...)

	if best >= 0 {
		d.last = best
	}
	return d.last, nil
}

func (d *SileroDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroy()
	return nil
}

func (d *SileroDetector) destroy() {
	if d.session != nil {
		_ = d.session.Destroy()
		d.session = nil
	}
	for _, t := range []*ort.Tensor[float32]{d.input, d.state, d.output, d.stateN} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	if d.sr != nil {
		_ = d.sr.Destroy()
	}
	d.input, d.state, d.sr, d.output, d.stateN = nil, nil, nil, nil, nil
}
