// Package protocol defines the websocket wire format shared by the
// transcription server and its clients.
//
// A client opens the connection with a JSON Options message, then streams
// binary frames of little-endian float32 samples at SampleRate. A frame
// carrying EndOfAudio ends the stream. The server answers with JSON
// messages that always carry the client uid.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	SampleRate = 16000

	EndOfAudio = "END_OF_AUDIO"

	MessageServerReady = "SERVER_READY"
	MessageDisconnect  = "DISCONNECT"

	StatusWait    = "WAIT"
	StatusError   = "ERROR"
	StatusWarning = "WARNING"

	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"
)

const (
	DefaultSendLastNSegments   = 10
	DefaultNoSpeechThreshold   = 0.45
	DefaultSameOutputThreshold = 10
)

var ErrInvalidFrame = errors.New("invalid audio frame")

// Options is the first message a client sends after connecting.
type Options struct {
	UID                 string  `json:"uid"`
	Language            string  `json:"language,omitempty"`
	Task                string  `json:"task,omitempty"`
	Model               string  `json:"model,omitempty"`
	UseVAD              bool    `json:"use_vad"`
	SendLastNSegments   int     `json:"send_last_n_segments,omitempty"`
	NoSpeechThreshold   float64 `json:"no_speech_thresh,omitempty"`
	ClipAudio           bool    `json:"clip_audio,omitempty"`
	SameOutputThreshold int     `json:"same_output_threshold,omitempty"`
	InitialPrompt       string  `json:"initial_prompt,omitempty"`
	// MaxConnectionTime is in seconds; the server caps it at its own limit.
	MaxConnectionTime float64 `json:"max_connection_time,omitempty"`
}

// Normalize fills zero values with the server defaults.
func (o Options) Normalize() Options {
	o.UID = strings.TrimSpace(o.UID)
	o.Language = strings.ToLower(strings.TrimSpace(o.Language))
	if o.Language == "auto" {
		o.Language = ""
	}
	if o.Task == "" {
		o.Task = TaskTranscribe
	}
	if o.SendLastNSegments <= 0 {
		o.SendLastNSegments = DefaultSendLastNSegments
	}
	if o.NoSpeechThreshold <= 0 {
		o.NoSpeechThreshold = DefaultNoSpeechThreshold
	}
	if o.SameOutputThreshold <= 0 {
		o.SameOutputThreshold = DefaultSameOutputThreshold
	}
	return o
}

func (o Options) Validate() error {
	if strings.TrimSpace(o.UID) == "" {
		return errors.New("uid is required")
	}
	switch o.Task {
	case "", TaskTranscribe, TaskTranslate:
	default:
		return fmt.Errorf("unknown task %q (expected %s or %s)", o.Task, TaskTranscribe, TaskTranslate)
	}
	if o.NoSpeechThreshold < 0 || o.NoSpeechThreshold > 1 {
		return fmt.Errorf("no_speech_thresh must be between 0 and 1, got %g", o.NoSpeechThreshold)
	}
	if o.MaxConnectionTime < 0 {
		return fmt.Errorf("max_connection_time must not be negative, got %g", o.MaxConnectionTime)
	}
	return nil
}

// Segment is a transcript segment as sent on the wire. Start and End are
// seconds formatted with millisecond precision.
type Segment struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

func FormatSegment(start, end float64, text string, completed bool) Segment {
	return Segment{
		Start:     strconv.FormatFloat(start, 'f', 3, 64),
		End:       strconv.FormatFloat(end, 'f', 3, 64),
		Text:      text,
		Completed: completed,
	}
}

func (s Segment) StartSeconds() float64 { return parseSeconds(s.Start) }

func (s Segment) EndSeconds() float64 { return parseSeconds(s.End) }

func parseSeconds(value string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return v
}

// ServerMessage is the union of every JSON message the server sends.
// Message is a string for SERVER_READY/DISCONNECT and status texts, and a
// number of minutes for WAIT.
type ServerMessage struct {
	UID          string    `json:"uid"`
	Message      any       `json:"message,omitempty"`
	Status       string    `json:"status,omitempty"`
	Backend      string    `json:"backend,omitempty"`
	Language     string    `json:"language,omitempty"`
	LanguageProb float64   `json:"language_prob,omitempty"`
	Segments     []Segment `json:"segments,omitempty"`
}

func Ready(uid, backend string) ServerMessage {
	return ServerMessage{UID: uid, Message: MessageServerReady, Backend: backend}
}

func Disconnect(uid string) ServerMessage {
	return ServerMessage{UID: uid, Message: MessageDisconnect}
}

func Wait(uid string, minutes float64) ServerMessage {
	return ServerMessage{UID: uid, Status: StatusWait, Message: minutes}
}

func Error(uid, text string) ServerMessage {
	return ServerMessage{UID: uid, Status: StatusError, Message: text}
}

func Warning(uid, text string) ServerMessage {
	return ServerMessage{UID: uid, Status: StatusWarning, Message: text}
}

func Language(uid, language string, prob float64) ServerMessage {
	return ServerMessage{UID: uid, Language: language, LanguageProb: prob}
}

func Segments(uid string, segments []Segment) ServerMessage {
	return ServerMessage{UID: uid, Segments: segments}
}

// MessageText returns Message when it is a string.
func (m ServerMessage) MessageText() string {
	s, _ := m.Message.(string)
	return s
}

// WaitMinutes returns Message as a number of minutes for WAIT statuses.
func (m ServerMessage) WaitMinutes() float64 {
	switch v := m.Message.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case string:
		return parseSeconds(v)
	default:
		return 0
	}
}

func IsEndOfAudio(payload []byte) bool {
	return string(payload) == EndOfAudio
}

func EncodeFrame(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

func DecodeFrame(payload []byte) ([]float32, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of 4", ErrInvalidFrame, len(payload))
	}
	samples := make([]float32, len(payload)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return samples, nil
}
