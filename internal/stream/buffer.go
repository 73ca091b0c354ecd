// Package stream holds the per-connection audio window and turns repeated
// transcriptions of that window into a stable transcript.
package stream

import (
	"sync"
)

const (
	// MaxBuffered is how much audio is kept before the head is trimmed.
	MaxBuffered = 45.0
	// TrimBy is how much audio a trim drops.
	TrimBy = 30.0
	// StaleAfter is how much unprocessed audio triggers ClipIfStale.
	StaleAfter = 25.0
	// KeepOnClip is how much unprocessed audio ClipIfStale keeps.
	KeepOnClip = 5.0
)

// FrameBuffer is the audio a session has received but not yet dropped.
// framesOffset is the stream time of the first buffered sample and
// timestampOffset the stream time up to which audio has been transcribed.
type FrameBuffer struct {
	mu              sync.Mutex
	rate            int
	samples         []float32
	framesOffset    float64
	timestampOffset float64
	received        int64
}

func NewFrameBuffer(rate int) *FrameBuffer {
	return &FrameBuffer{rate: rate}
}

func (b *FrameBuffer) Add(frame []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.samples) > int(MaxBuffered*float64(b.rate)) {
		drop := int(TrimBy * float64(b.rate))
		b.samples = append(b.samples[:0:0], b.samples[drop:]...)
		b.framesOffset += TrimBy
		if b.timestampOffset < b.framesOffset {
			b.timestampOffset = b.framesOffset
		}
	}
	b.samples = append(b.samples, frame...)
	b.received += int64(len(frame))
}

// Chunk returns a copy of the unprocessed audio, its duration in seconds and
// the stream time it starts at.
func (b *FrameBuffer) Chunk() ([]float32, float64, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := b.unprocessedStartLocked()
	out := make([]float32, len(b.samples)-start)
	copy(out, b.samples[start:])
	return out, float64(len(out)) / float64(b.rate), b.timestampOffset
}

// ClipIfStale drops unprocessed audio beyond the last KeepOnClip seconds
// once more than StaleAfter seconds have piled up.
func (b *FrameBuffer) ClipIfStale() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := len(b.samples) - b.unprocessedStartLocked()
	if pending <= int(StaleAfter*float64(b.rate)) {
		return false
	}
	duration := float64(len(b.samples)) / float64(b.rate)
	b.timestampOffset = b.framesOffset + duration - KeepOnClip
	return true
}

// Advance marks seconds of audio as transcribed.
func (b *FrameBuffer) Advance(seconds float64) {
	if seconds <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.timestampOffset += seconds
	end := b.framesOffset + float64(len(b.samples))/float64(b.rate)
	if b.timestampOffset > end {
		b.timestampOffset = end
	}
}

func (b *FrameBuffer) TimestampOffset() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timestampOffset
}

func (b *FrameBuffer) FramesOffset() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.framesOffset
}

// Buffered is the number of samples currently held.
func (b *FrameBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Received is the total audio ever added, in seconds.
func (b *FrameBuffer) Received() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.received) / float64(b.rate)
}

func (b *FrameBuffer) unprocessedStartLocked() int {
	start := int((b.timestampOffset - b.framesOffset) * float64(b.rate))
	if start < 0 {
		return 0
	}
	if start > len(b.samples) {
		return len(b.samples)
	}
	return start
}
