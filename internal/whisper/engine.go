// Package whisper runs speech recognition over windows of 16 kHz mono
// audio. Engines either shell out to whisper.cpp or call an
// OpenAI-compatible transcription endpoint.
package whisper

import (
	"context"
	"strings"
	"sync"
)

const (
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"
)

type Request struct {
	Samples       []float32
	Language      string
	Task          string
	InitialPrompt string
	Model         string
}

// Segment times are seconds relative to the start of Request.Samples.
type Segment struct {
	Start        float64
	End          float64
	Text         string
	NoSpeechProb float64
}

type Result struct {
	Segments     []Segment
	Language     string
	LanguageProb float64
}

func (r Result) Text() string {
	parts := make([]string, 0, len(r.Segments))
	for _, s := range r.Segments {
		if !isBlankText(s.Text) {
			parts = append(parts, strings.TrimSpace(s.Text))
		}
	}
	return strings.Join(parts, " ")
}

type Engine interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
	Name() string
}

// Shared serializes calls to an engine that cannot run concurrently, such
// as a single loaded model shared by every session.
type Shared struct {
	mu     sync.Mutex
	engine Engine
}

func NewShared(engine Engine) *Shared {
	return &Shared{engine: engine}
}

func (s *Shared) Transcribe(ctx context.Context, req Request) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return s.engine.Transcribe(ctx, req)
}

func (s *Shared) Name() string {
	return s.engine.Name()
}

func normalizeLanguage(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "auto" {
		return ""
	}
	return lang
}
