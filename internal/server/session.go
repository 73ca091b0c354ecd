package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fmueller/livewhisper/internal/protocol"
	"github.com/fmueller/livewhisper/internal/stream"
	"github.com/fmueller/livewhisper/internal/vad"
	"github.com/fmueller/livewhisper/internal/whisper"
)

const languageConfidence = 0.5

// session is one connected client: its audio window, its transcriber and
// the writer side of its websocket.
type session struct {
	id      string
	opts    protocol.Options
	conn    *websocket.Conn
	writeMu sync.Mutex

	engine   whisper.Engine
	buffer   *stream.FrameBuffer
	stitcher *stream.Stitcher
	gate     *vad.Gate
	timing   Timing
	metrics  *Metrics
	logger   *zap.Logger

	language  string
	draining  atomic.Bool
	startedAt time.Time
}

func (s *session) send(msg protocol.ServerMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timing.WriteWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (s *session) closeWith(code int, text string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(s.timing.WriteWait)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

// addFrame buffers a frame unless the VAD gate is enabled and the frame is
// silent.
func (s *session) addFrame(frame []float32) {
	s.metrics.AudioReceived.Add(float64(len(frame)) / protocol.SampleRate)

	if s.gate != nil {
		wasEOS := s.gate.EndOfSpeech()
		voice, err := s.gate.Check(frame)
		if err != nil {
			s.logger.Warn("vad failed, keeping frame", zap.Error(err))
			voice = true
		}
		if !voice {
			s.metrics.VADDroppedFrames.Inc()
			if !wasEOS && s.gate.EndOfSpeech() {
				s.logger.Debug("end of speech")
			}
			return
		}
	}
	s.buffer.Add(frame)
}

// run transcribes the growing window until ctx is canceled, or until the
// buffer is drained after end of audio.
func (s *session) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if s.opts.ClipAudio && s.buffer.ClipIfStale() {
			s.logger.Debug("clipped stale audio", zap.Float64("timestamp_offset", s.buffer.TimestampOffset()))
		}

		chunk, duration, offset := s.buffer.Chunk()
		draining := s.draining.Load()
		if duration < s.timing.MinChunk.Seconds() {
			if draining {
				if duration >= s.timing.MinFinalChunk.Seconds() {
					if _, err := s.transcribe(ctx, chunk, duration, offset); err != nil {
						s.logger.Warn("final transcription failed", zap.Error(err))
					}
				}
				return
			}
			if !sleep(ctx, s.timing.Poll) {
				return
			}
			continue
		}

		advance, err := s.transcribe(ctx, chunk, duration, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.metrics.EngineErrors.Inc()
			s.logger.Error("transcription failed", zap.Error(err))
			if draining {
				return
			}
			if !sleep(ctx, s.timing.ErrorBackoff) {
				return
			}
			continue
		}
		if advance <= 0 {
			if draining {
				return
			}
			if !sleep(ctx, s.timing.Poll) {
				return
			}
		}
	}
}

// transcribe runs one window through the engine and sends the update. It
// returns how far the window advanced.
func (s *session) transcribe(ctx context.Context, chunk []float32, duration, offset float64) (float64, error) {
	started := time.Now()
	result, err := s.engine.Transcribe(ctx, whisper.Request{
		Samples:       chunk,
		Language:      s.language,
		Task:          s.opts.Task,
		InitialPrompt: s.opts.InitialPrompt,
		Model:         s.opts.Model,
	})
	s.metrics.InferenceDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return 0, err
	}

	if s.language == "" {
		s.detectLanguage(result)
	}
	if s.language == "" {
		s.buffer.Advance(duration)
		if !s.draining.Load() {
			sleep(ctx, s.timing.Idle)
		}
		return duration, nil
	}

	var (
		out     []protocol.Segment
		advance float64
	)
	before := s.stitcher.Completed()
	if hasSpeech(result.Segments, s.opts.NoSpeechThreshold) {
		out, advance = s.stitcher.Update(result.Segments, duration, offset)
	} else {
		// No speech in the window: drop it.
		advance = duration
		out = s.stitcher.Idle(time.Now())
	}
	s.buffer.Advance(advance)
	s.countCompleted(before)

	s.sendSegments(out)
	return advance, nil
}

// flush commits the pending segment once the stream is over and, when the
// client is still listening, sends the final update.
func (s *session) flush(notify bool) {
	before := s.stitcher.Completed()
	out := s.stitcher.Flush()
	s.countCompleted(before)
	if notify {
		s.sendSegments(out)
	}
}

func (s *session) countCompleted(before int) {
	if added := s.stitcher.Completed() - before; added > 0 {
		s.metrics.SegmentsCompleted.Add(float64(added))
	}
}

func (s *session) sendSegments(out []protocol.Segment) {
	if len(out) == 0 {
		return
	}
	if err := s.send(protocol.Segments(s.opts.UID, out)); err != nil {
		s.logger.Debug("send segments failed", zap.Error(err))
	}
}

func (s *session) detectLanguage(result whisper.Result) {
	if result.Language == "" || result.LanguageProb <= languageConfidence {
		return
	}
	s.language = result.Language
	s.logger.Info("detected language", zap.String("language", result.Language), zap.Float64("probability", result.LanguageProb))
	if err := s.send(protocol.Language(s.opts.UID, result.Language, result.LanguageProb)); err != nil {
		s.logger.Debug("send language failed", zap.Error(err))
	}
}

// hasSpeech is false for an empty result or one where every segment is
// above the no-speech threshold.
func hasSpeech(segments []whisper.Segment, threshold float64) bool {
	for _, seg := range segments {
		if seg.NoSpeechProb <= threshold {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
