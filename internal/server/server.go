// Package server accepts websocket clients that stream 16 kHz audio and
// answers with incremental transcript segments.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fmueller/livewhisper/internal/protocol"
	"github.com/fmueller/livewhisper/internal/store"
	"github.com/fmueller/livewhisper/internal/stream"
	"github.com/fmueller/livewhisper/internal/vad"
	"github.com/fmueller/livewhisper/internal/version"
	"github.com/fmueller/livewhisper/internal/whisper"
)

const DefaultAddr = "0.0.0.0:9090"

// Timing holds the loop intervals of a session.
type Timing struct {
	// MinChunk is the least unprocessed audio worth a backend call.
	MinChunk time.Duration
	// MinFinalChunk is the least leftover audio transcribed after end of audio.
	MinFinalChunk time.Duration
	Poll          time.Duration
	Idle          time.Duration
	ErrorBackoff  time.Duration
	WriteWait     time.Duration
	OptionsWait   time.Duration
	DrainTimeout  time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		MinChunk:      time.Second,
		MinFinalChunk: 100 * time.Millisecond,
		Poll:          100 * time.Millisecond,
		Idle:          250 * time.Millisecond,
		ErrorBackoff:  time.Second,
		WriteWait:     10 * time.Second,
		OptionsWait:   10 * time.Second,
		DrainTimeout:  30 * time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.MinChunk <= 0 {
		t.MinChunk = d.MinChunk
	}
	if t.MinFinalChunk <= 0 {
		t.MinFinalChunk = d.MinFinalChunk
	}
	if t.Poll <= 0 {
		t.Poll = d.Poll
	}
	if t.Idle <= 0 {
		t.Idle = d.Idle
	}
	if t.ErrorBackoff <= 0 {
		t.ErrorBackoff = d.ErrorBackoff
	}
	if t.WriteWait <= 0 {
		t.WriteWait = d.WriteWait
	}
	if t.OptionsWait <= 0 {
		t.OptionsWait = d.OptionsWait
	}
	if t.DrainTimeout <= 0 {
		t.DrainTimeout = d.DrainTimeout
	}
	return t
}

// Archive stores finished sessions.
type Archive interface {
	SaveSession(ctx context.Context, sess store.Session) (int64, error)
}

type Config struct {
	Addr              string
	MaxClients        int
	MaxConnectionTime time.Duration
	// SingleModel serializes all sessions through one engine instance.
	SingleModel  bool
	Engine       whisper.Engine
	VAD          vad.Factory
	VADThreshold float32
	Archive      Archive
	Timing       Timing
	Logger       *zap.Logger
}

type Server struct {
	cfg      Config
	engine   whisper.Engine
	manager  *Manager
	metrics  *Metrics
	upgrader websocket.Upgrader
	sessions sync.WaitGroup
}

func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server needs a transcription engine")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.VAD == nil {
		f, err := vad.NewFactory(vad.KindEnergy, "")
		if err != nil {
			return nil, err
		}
		cfg.VAD = f
	}
	if cfg.VADThreshold <= 0 {
		cfg.VADThreshold = vad.DefaultThreshold
	}
	cfg.Timing = cfg.Timing.withDefaults()

	engine := cfg.Engine
	if cfg.SingleModel {
		engine = whisper.NewShared(engine)
	}

	return &Server{
		cfg:     cfg,
		engine:  engine,
		manager: NewManager(cfg.MaxClients, cfg.MaxConnectionTime),
		metrics: NewMetrics(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) Manager() *Manager { return s.manager }

func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/", s.handleWebsocket)
	return mux
}

// ListenAndServe serves until ctx is canceled, then shuts down and waits
// for open sessions to clean up.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.cfg.Logger.Info("transcription server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("backend", s.engine.Name()),
		zap.Int("max_clients", s.manager.maxClients),
		zap.Duration("max_connection_time", s.manager.maxConnectionTime),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.cfg.Logger.Info("shutting down transcription server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	err := srv.Shutdown(shutdownCtx)
	s.sessions.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"backend": s.engine.Name(),
		"clients": s.manager.Count(),
		"version": version.Version,
	})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "expected a websocket upgrade", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Done()
	defer conn.Close()

	s.serveConn(r.Context(), conn)
}

func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	timing := s.cfg.Timing
	logger := s.cfg.Logger.With(zap.String("remote", conn.RemoteAddr().String()))

	opts, err := s.readOptions(conn)
	if err != nil {
		logger.Warn("rejected client options", zap.Error(err))
		s.metrics.RejectedConnections.WithLabelValues(rejectOptions).Inc()
		rejected := &session{conn: conn, timing: timing}
		_ = rejected.send(protocol.Error(opts.UID, err.Error()))
		rejected.closeWith(websocket.ClosePolicyViolation, "invalid options")
		return
	}
	logger = logger.With(zap.String("uid", opts.UID))

	id := uuid.NewString()
	limit := time.Duration(opts.MaxConnectionTime * float64(time.Second))
	ok, waitMinutes := s.manager.Reserve(id, opts.UID, limit)
	if !ok {
		logger.Info("server full, asking client to wait", zap.Float64("wait_minutes", waitMinutes))
		s.metrics.RejectedConnections.WithLabelValues(rejectFull).Inc()
		full := &session{conn: conn, timing: timing}
		_ = full.send(protocol.Wait(opts.UID, waitMinutes))
		full.closeWith(websocket.CloseTryAgainLater, "server full")
		return
	}
	defer s.manager.Remove(id)

	sess, err := s.newSession(id, opts, conn, logger)
	if err != nil {
		logger.Error("create session", zap.Error(err))
		failed := &session{conn: conn, timing: timing}
		_ = failed.send(protocol.Error(opts.UID, err.Error()))
		failed.closeWith(websocket.CloseInternalServerErr, "session setup failed")
		return
	}
	if sess.gate != nil {
		defer sess.gate.Close()
	}

	s.metrics.SessionsTotal.Inc()
	s.metrics.ActiveClients.Inc()
	defer s.metrics.ActiveClients.Dec()

	if err := sess.send(protocol.Ready(opts.UID, s.engine.Name())); err != nil {
		logger.Debug("send ready failed", zap.Error(err))
		return
	}
	logger.Info("client connected", zap.String("task", opts.Task), zap.String("language", opts.Language), zap.Bool("use_vad", opts.UseVAD))

	stop := context.AfterFunc(ctx, func() {
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
	})
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.run(runCtx)
	}()

	reason := s.receive(sess)
	switch reason {
	case endReasonTimeout:
		logger.Info("connection time limit reached")
		_ = sess.send(protocol.Disconnect(opts.UID))
		cancel()
		<-done
	case endReasonEndOfAudio:
		logger.Debug("end of audio, draining buffer")
		sess.draining.Store(true)
		select {
		case <-done:
		case <-time.After(timing.DrainTimeout):
			logger.Warn("drain timed out")
		}
		cancel()
		<-done
	default:
		cancel()
		<-done
	}

	sess.flush(reason == endReasonEndOfAudio)
	sess.closeWith(websocket.CloseNormalClosure, "")
	s.finish(sess, logger)
}

func (s *Server) readOptions(conn *websocket.Conn) (protocol.Options, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.Timing.OptionsWait)); err != nil {
		return protocol.Options{}, fmt.Errorf("set read deadline: %w", err)
	}
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Options{}, fmt.Errorf("read options: %w", err)
	}
	if mt != websocket.TextMessage {
		return protocol.Options{}, errors.New("first message must be JSON options")
	}

	var opts protocol.Options
	if err := json.Unmarshal(data, &opts); err != nil {
		return protocol.Options{}, fmt.Errorf("decode options: %w", err)
	}
	opts = opts.Normalize()
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return opts, fmt.Errorf("clear read deadline: %w", err)
	}
	return opts, nil
}

func (s *Server) newSession(id string, opts protocol.Options, conn *websocket.Conn, logger *zap.Logger) (*session, error) {
	sess := &session{
		id:     id,
		opts:   opts,
		conn:   conn,
		engine: s.engine,
		buffer: stream.NewFrameBuffer(protocol.SampleRate),
		stitcher: stream.NewStitcher(stream.StitcherConfig{
			SendLastN:           opts.SendLastNSegments,
			NoSpeechThreshold:   opts.NoSpeechThreshold,
			SameOutputThreshold: opts.SameOutputThreshold,
		}),
		timing:    s.cfg.Timing,
		metrics:   s.metrics,
		logger:    logger,
		language:  opts.Language,
		startedAt: time.Now(),
	}

	if opts.UseVAD {
		detector, err := s.cfg.VAD()
		if err != nil {
			return nil, fmt.Errorf("create vad: %w", err)
		}
		sess.gate = vad.NewGate(detector, s.cfg.VADThreshold)
	}
	return sess, nil
}

type endReason int

const (
	endReasonClosed endReason = iota
	endReasonEndOfAudio
	endReasonTimeout
)

// receive reads frames until the client ends the stream, the connection
// fails, or the connection time limit passes.
func (s *Server) receive(sess *session) endReason {
	for {
		remaining := s.manager.Remaining(sess.id)
		if remaining <= 0 {
			return endReasonTimeout
		}
		if err := sess.conn.SetReadDeadline(time.Now().Add(remaining)); err != nil {
			return endReasonClosed
		}

		mt, data, err := sess.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && s.manager.IsTimedOut(sess.id) {
				return endReasonTimeout
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.logger.Debug("read failed", zap.Error(err))
			}
			return endReasonClosed
		}

		if protocol.IsEndOfAudio(data) {
			return endReasonEndOfAudio
		}
		if mt != websocket.BinaryMessage {
			sess.logger.Debug("ignoring text message during stream", zap.Int("bytes", len(data)))
			continue
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			sess.logger.Warn("dropping malformed frame", zap.Error(err))
			_ = sess.send(protocol.Warning(sess.opts.UID, err.Error()))
			continue
		}
		sess.addFrame(frame)
	}
}

func (s *Server) finish(sess *session, logger *zap.Logger) {
	ended := time.Now()
	duration := ended.Sub(sess.startedAt)
	s.metrics.SessionDuration.Observe(duration.Seconds())

	transcript := sess.stitcher.Transcript()
	logger.Info("client disconnected",
		zap.Duration("duration", duration),
		zap.Float64("audio_seconds", sess.buffer.Received()),
		zap.Int("segments", len(transcript)),
	)

	if s.cfg.Archive == nil || len(transcript) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := s.cfg.Archive.SaveSession(ctx, store.Session{
		UID:          sess.opts.UID,
		Language:     sess.language,
		Task:         sess.opts.Task,
		Model:        sess.opts.Model,
		Backend:      s.engine.Name(),
		StartedAt:    sess.startedAt,
		EndedAt:      ended,
		AudioSeconds: sess.buffer.Received(),
		Segments:     transcript,
	})
	if err != nil {
		logger.Error("archive session", zap.Error(err))
		return
	}
	logger.Debug("archived session", zap.Int64("archive_id", id))
}
