// Package transcript assembles the segment updates a client receives into a
// final transcript and renders it as captions.
package transcript

import (
	"strings"
	"sync"

	"github.com/fmueller/livewhisper/internal/protocol"
)

const blankAudioToken = "[BLANK_AUDIO]"

// Entry is a committed transcript line with times in seconds.
type Entry struct {
	Start float64
	End   float64
	Text  string
}

// Assembler keeps completed segments in order. The server resends the most
// recent segments with every update, so a completed segment is accepted
// only when it starts at or after the end of the last accepted one.
type Assembler struct {
	mu         sync.Mutex
	entries    []Entry
	incomplete *protocol.Segment
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Process folds one update into the transcript and returns the texts to
// display, without consecutive duplicates.
func (a *Assembler) Process(segments []protocol.Segment) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	lines := make([]string, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text != "" && (len(lines) == 0 || lines[len(lines)-1] != text) {
			lines = append(lines, text)
		}

		if !seg.Completed {
			pending := seg
			a.incomplete = &pending
			continue
		}
		if IsBlank(seg.Text) {
			continue
		}
		if a.acceptsLocked(seg.StartSeconds()) {
			a.entries = append(a.entries, Entry{Start: seg.StartSeconds(), End: seg.EndSeconds(), Text: text})
			a.incomplete = nil
		}
	}

	return lines
}

// Finalize commits the last incomplete segment, if any, when the stream ends.
func (a *Assembler) Finalize() {
	a.mu.Lock()
	defer a.mu.Unlock()

	seg := a.incomplete
	a.incomplete = nil
	if seg == nil || IsBlank(seg.Text) {
		return
	}
	text := strings.TrimSpace(seg.Text)
	if n := len(a.entries); n > 0 && a.entries[n-1].Text == text {
		return
	}
	if !a.acceptsLocked(seg.StartSeconds()) {
		return
	}
	a.entries = append(a.entries, Entry{Start: seg.StartSeconds(), End: seg.EndSeconds(), Text: text})
}

func (a *Assembler) acceptsLocked(start float64) bool {
	n := len(a.entries)
	return n == 0 || start >= a.entries[n-1].End
}

func (a *Assembler) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Text joins all committed entries with single spaces.
func (a *Assembler) Text() string {
	return JoinText(a.Entries())
}

// FromSegments converts archived segments into entries, dropping blank ones.
func FromSegments(segments []protocol.Segment) []Entry {
	entries := make([]Entry, 0, len(segments))
	for _, seg := range segments {
		if IsBlank(seg.Text) {
			continue
		}
		entries = append(entries, Entry{Start: seg.StartSeconds(), End: seg.EndSeconds(), Text: strings.TrimSpace(seg.Text)})
	}
	return entries
}

func JoinText(entries []Entry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		if t := strings.TrimSpace(e.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// IsBlank reports whether text carries no speech. whisper.cpp emits
// [BLANK_AUDIO] for silent windows.
func IsBlank(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}

	return strings.EqualFold(trimmed, blankAudioToken)
}

func NoSpeechHint() string {
	return "No speech detected. Check mic mute and selected input device, then try again."
}
