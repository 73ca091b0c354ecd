// Package client streams audio to a transcription server and assembles the
// segments it sends back.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fmueller/livewhisper/internal/protocol"
	"github.com/fmueller/livewhisper/internal/transcript"
)

const (
	DefaultReadyTimeout = 30 * time.Second
	writeWait           = 10 * time.Second
)

var (
	ErrServerBusy   = errors.New("server is busy")
	ErrServerError  = errors.New("server error")
	ErrNotConnected = errors.New("client is not connected")
)

// BusyError is returned by Connect when the server has no free slot.
type BusyError struct {
	WaitMinutes float64
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("server is busy, try again in %.1f minutes", e.WaitMinutes)
}

func (e *BusyError) Is(target error) bool {
	return target == ErrServerBusy
}

type Client struct {
	URL     string
	Options protocol.Options
	Logger  *zap.Logger
	// OnSegments receives the display lines after every segment update.
	OnSegments func(lines []string)
	// OnStatus receives status, language and disconnect messages.
	OnStatus     func(msg protocol.ServerMessage)
	ReadyTimeout time.Duration

	conn      *websocket.Conn
	writeMu   sync.Mutex
	assembler *transcript.Assembler
	done      chan struct{}

	mu           sync.Mutex
	backend      string
	language     string
	lastActivity time.Time
	endSent      bool
	disconnected bool
	closing      bool
	readErr      error
	closeOnce    sync.Once
}

// New returns a client for url. A missing uid is generated.
func New(url string, opts protocol.Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.UID == "" {
		opts.UID = uuid.NewString()
	}
	return &Client{
		URL:       url,
		Options:   opts,
		Logger:    logger,
		assembler: transcript.NewAssembler(),
	}
}

// Connect dials the server, sends the options and waits for SERVER_READY.
func (c *Client) Connect(ctx context.Context) error {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.assembler == nil {
		c.assembler = transcript.NewAssembler()
	}
	if c.Options.UID == "" {
		c.Options.UID = uuid.NewString()
	}
	timeout := c.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.URL, err)
	}
	c.conn = conn

	if err := c.writeJSON(c.Options); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send options: %w", err)
	}

	if err := c.awaitReady(time.Now().Add(timeout)); err != nil {
		_ = conn.Close()
		return err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("clear read deadline: %w", err)
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	c.done = make(chan struct{})
	go c.receive()
	return nil
}

func (c *Client) awaitReady(deadline time.Time) error {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}

	for {
		var msg protocol.ServerMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return errors.New("timed out waiting for the server to become ready")
			}
			return fmt.Errorf("wait for server: %w", err)
		}
		if msg.UID != c.Options.UID {
			c.Logger.Debug("ignoring message for another client", zap.String("uid", msg.UID))
			continue
		}

		switch {
		case msg.Status == protocol.StatusWait:
			return &BusyError{WaitMinutes: msg.WaitMinutes()}
		case msg.Status == protocol.StatusError:
			return fmt.Errorf("%w: %s", ErrServerError, msg.MessageText())
		case msg.MessageText() == protocol.MessageServerReady:
			c.mu.Lock()
			c.backend = msg.Backend
			c.mu.Unlock()
			c.Logger.Info("server ready", zap.String("backend", msg.Backend), zap.String("uid", c.Options.UID))
			return nil
		default:
			c.status(msg)
		}
	}
}

func (c *Client) receive() {
	defer close(c.done)

	for {
		var msg protocol.ServerMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			expected := c.closing || c.disconnected
			c.mu.Unlock()
			if !expected && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.mu.Lock()
				c.readErr = fmt.Errorf("read from server: %w", err)
				c.mu.Unlock()
			}
			return
		}
		if msg.UID != c.Options.UID {
			c.Logger.Debug("ignoring message for another client", zap.String("uid", msg.UID))
			continue
		}
		if c.handle(msg) {
			return
		}
	}
}

// handle processes one message and reports whether the server ended the
// session.
func (c *Client) handle(msg protocol.ServerMessage) bool {
	switch {
	case msg.MessageText() == protocol.MessageDisconnect:
		c.Logger.Info("server ended the session")
		c.mu.Lock()
		c.disconnected = true
		c.mu.Unlock()
		c.status(msg)
		return true
	case msg.Status != "":
		c.Logger.Warn("server status", zap.String("status", msg.Status), zap.Any("message", msg.Message))
		c.status(msg)
	case msg.Language != "":
		c.Logger.Info("server detected language", zap.String("language", msg.Language), zap.Float64("probability", msg.LanguageProb))
		c.mu.Lock()
		c.language = msg.Language
		c.mu.Unlock()
		c.status(msg)
	case len(msg.Segments) > 0:
		lines := c.assembler.Process(msg.Segments)
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
		if c.OnSegments != nil {
			c.OnSegments(lines)
		}
	}
	return false
}

func (c *Client) status(msg protocol.ServerMessage) {
	if c.OnStatus != nil {
		c.OnStatus(msg)
	}
}

// Send streams one frame of float32 samples.
func (c *Client) Send(samples []float32) error {
	return c.writeMessage(websocket.BinaryMessage, protocol.EncodeFrame(samples))
}

func (c *Client) SendEndOfAudio() error {
	if err := c.writeMessage(websocket.BinaryMessage, []byte(protocol.EndOfAudio)); err != nil {
		return err
	}
	c.mu.Lock()
	c.endSent = true
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

// Wait blocks until the server ends the session, or until no segment
// arrived for idle after end of audio was sent.
func (c *Client) Wait(ctx context.Context, idle time.Duration) error {
	if c.done == nil {
		return ErrNotConnected
	}

	tick := idle / 4
	if tick <= 0 || tick > 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if idle <= 0 {
				continue
			}
			c.mu.Lock()
			quiet := c.endSent && time.Since(c.lastActivity) >= idle
			c.mu.Unlock()
			if quiet {
				c.Logger.Debug("no updates after end of audio", zap.Duration("idle", idle))
				return nil
			}
		}
	}
}

// Close ends the connection and commits the last pending segment.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.assembler != nil {
			defer c.assembler.Finalize()
		}
		if c.conn == nil {
			return
		}

		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()

		if c.done != nil {
			select {
			case <-c.done:
			case <-time.After(time.Second):
			}
		}
		err = c.conn.Close()
		if c.done != nil {
			<-c.done
		}
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// Disconnected reports whether the server sent DISCONNECT.
func (c *Client) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *Client) Backend() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend
}

func (c *Client) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

func (c *Client) Entries() []transcript.Entry {
	return c.assembler.Entries()
}

func (c *Client) Text() string {
	return c.assembler.Text()
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("write to server: %w", err)
	}
	return nil
}
