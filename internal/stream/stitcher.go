package stream

import (
	"strings"
	"sync"
	"time"

	"github.com/fmueller/livewhisper/internal/protocol"
	"github.com/fmueller/livewhisper/internal/whisper"
)

const (
	DefaultShowPrevOutput = 5 * time.Second
	DefaultAddPause       = 3 * time.Second
)

type StitcherConfig struct {
	SendLastN           int
	NoSpeechThreshold   float64
	SameOutputThreshold int
	ShowPrevOutput      time.Duration
	AddPause            time.Duration
}

func (c StitcherConfig) withDefaults() StitcherConfig {
	if c.SendLastN <= 0 {
		c.SendLastN = protocol.DefaultSendLastNSegments
	}
	if c.NoSpeechThreshold <= 0 {
		c.NoSpeechThreshold = protocol.DefaultNoSpeechThreshold
	}
	if c.SameOutputThreshold <= 0 {
		c.SameOutputThreshold = protocol.DefaultSameOutputThreshold
	}
	if c.ShowPrevOutput <= 0 {
		c.ShowPrevOutput = DefaultShowPrevOutput
	}
	if c.AddPause <= 0 {
		c.AddPause = DefaultAddPause
	}
	return c
}

// Stitcher is fed every result for the sliding window. Segments before the
// last speech segment are final. The last one stays pending until the
// window moves past it, it repeats unchanged often enough, or the stream
// ends.
type Stitcher struct {
	cfg StitcherConfig

	mu         sync.Mutex
	transcript []protocol.Segment
	texts      []string
	prevOut    string
	sameCount  int
	sameEnd    float64
	sameSeen   bool
	idleSince  time.Time
	pending    *protocol.Segment
}

func NewStitcher(cfg StitcherConfig) *Stitcher {
	return &Stitcher{cfg: cfg.withDefaults()}
}

// Update folds a result for a window of duration seconds starting at stream
// time offset. Trailing no-speech segments are ignored. It returns the
// segments to send and how far the window may advance.
func (s *Stitcher) Update(segments []whisper.Segment, duration, offset float64) ([]protocol.Segment, float64) {
	segments = TrimNoSpeech(segments, s.cfg.NoSpeechThreshold)
	if len(segments) == 0 {
		return nil, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.idleSince = time.Time{}

	var advance float64

	last := segments[len(segments)-1]
	if len(segments) > 1 {
		for _, seg := range segments[:len(segments)-1] {
			s.texts = append(s.texts, seg.Text)
			start := offset + seg.Start
			end := offset + min(duration, seg.End)
			if start >= end {
				continue
			}
			if seg.NoSpeechProb > s.cfg.NoSpeechThreshold {
				continue
			}
			s.transcript = append(s.transcript, protocol.FormatSegment(start, end, seg.Text, true))
			advance = min(duration, seg.End)
		}
	}

	currentOut := last.Text
	p := protocol.FormatSegment(offset+last.Start, offset+min(duration, last.End), currentOut, false)
	pending := &p

	if currentOut != "" && strings.TrimSpace(currentOut) == strings.TrimSpace(s.prevOut) {
		s.sameCount++
		if !s.sameSeen {
			s.sameEnd = last.End
			s.sameSeen = true
		}
	} else {
		s.sameCount = 0
		s.sameSeen = false
	}

	if s.sameCount > s.cfg.SameOutputThreshold {
		n := len(s.texts)
		if n == 0 || !strings.EqualFold(strings.TrimSpace(s.texts[n-1]), strings.TrimSpace(currentOut)) {
			s.texts = append(s.texts, currentOut)
			s.transcript = append(s.transcript, protocol.FormatSegment(offset, offset+min(duration, s.sameEnd), currentOut, true))
		}
		advance = min(duration, s.sameEnd)
		pending = nil
		s.sameCount = 0
		s.sameSeen = false
	} else {
		s.prevOut = currentOut
	}

	s.pending = pending
	return s.prepareLocked(pending), advance
}

// Idle is called when the window held no speech and is dropped. The pending
// segment is committed, since its audio is gone. Idle re-sends the previous
// output for ShowPrevOutput and records a pause once AddPause has passed, so
// the same words after silence are not merged.
func (s *Stitcher) Idle(now time.Time) []protocol.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commitPendingLocked()

	if s.idleSince.IsZero() {
		s.idleSince = now
	}
	idle := now.Sub(s.idleSince)

	var out []protocol.Segment
	if idle < s.cfg.ShowPrevOutput {
		out = s.prepareLocked(nil)
	}
	if n := len(s.texts); n > 0 && s.texts[n-1] != "" && idle > s.cfg.AddPause {
		s.texts = append(s.texts, "")
	}
	return out
}

// Flush commits the pending segment at the end of the stream. It returns
// the segments to send, or nil when there was nothing to commit.
func (s *Stitcher) Flush() []protocol.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.commitPendingLocked() {
		return nil
	}
	return s.prepareLocked(nil)
}

func (s *Stitcher) commitPendingLocked() bool {
	seg := s.pending
	s.pending = nil
	s.prevOut = ""
	s.sameCount = 0
	s.sameSeen = false
	if seg == nil {
		return false
	}

	text := strings.TrimSpace(seg.Text)
	if text == "" || seg.StartSeconds() >= seg.EndSeconds() {
		return false
	}
	if n := len(s.texts); n > 0 && strings.EqualFold(strings.TrimSpace(s.texts[n-1]), text) {
		return false
	}
	s.texts = append(s.texts, seg.Text)
	committed := *seg
	committed.Completed = true
	s.transcript = append(s.transcript, committed)
	return true
}

// Completed returns the number of completed segments.
func (s *Stitcher) Completed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transcript)
}

// Transcript returns the completed segments so far.
func (s *Stitcher) Transcript() []protocol.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.Segment, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *Stitcher) prepareLocked(pending *protocol.Segment) []protocol.Segment {
	from := max(0, len(s.transcript)-s.cfg.SendLastN)
	out := make([]protocol.Segment, 0, len(s.transcript)-from+1)
	out = append(out, s.transcript[from:]...)
	if pending != nil {
		out = append(out, *pending)
	}
	return out
}

// TrimNoSpeech drops the segments at the end of a result whose no-speech
// probability is above threshold.
func TrimNoSpeech(segments []whisper.Segment, threshold float64) []whisper.Segment {
	n := len(segments)
	for n > 0 && segments[n-1].NoSpeechProb > threshold {
		n--
	}
	return segments[:n]
}
