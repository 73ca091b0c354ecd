package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
	wavHeaderSize  = 44
)

// WAV is a decoded file downmixed to mono.
type WAV struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	Samples       []float32
}

func (w WAV) Duration() float64 {
	return Seconds(len(w.Samples), w.SampleRate)
}

func ReadWAV(path string) (WAV, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAV{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	return DecodeWAV(f)
}

func DecodeWAV(r io.ReadSeeker) (WAV, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return WAV{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return WAV{}, fmt.Errorf("read wav header: %w", err)
	}
	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return WAV{}, ErrInvalidWAV
	}

	var (
		format     uint16
		channels   uint16
		sampleRate uint32
		bits       uint16
		data       []byte
		hasFmt     bool
		hasData    bool
	)

	for {
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(r, chunkHeader); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return WAV{}, fmt.Errorf("read wav chunk header: %w", err)
		}

		chunkID := string(chunkHeader[:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])
		padded := int64(chunkSize)
		if chunkSize%2 != 0 {
			padded++
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return WAV{}, ErrInvalidWAV
			}
			buf := make([]byte, padded)
			if _, err := io.ReadFull(r, buf); err != nil {
				return WAV{}, fmt.Errorf("read wav fmt chunk: %w", err)
			}
			format = binary.LittleEndian.Uint16(buf[0:2])
			channels = binary.LittleEndian.Uint16(buf[2:4])
			sampleRate = binary.LittleEndian.Uint32(buf[4:8])
			bits = binary.LittleEndian.Uint16(buf[14:16])
			hasFmt = true
		case "data":
			// Streaming writers leave the size at 0 or 0xFFFFFFFF; read to EOF then.
			if chunkSize == 0 || chunkSize == math.MaxUint32 {
				rest, err := io.ReadAll(r)
				if err != nil {
					return WAV{}, fmt.Errorf("read wav data: %w", err)
				}
				data = rest
			} else {
				// The declared size is untrusted; a truncated file yields what is there.
				rest, err := io.ReadAll(io.LimitReader(r, int64(chunkSize)))
				if err != nil {
					return WAV{}, fmt.Errorf("read wav data: %w", err)
				}
				data = rest
				if chunkSize%2 != 0 && len(data) == int(chunkSize) {
					_, _ = r.Seek(1, io.SeekCurrent)
				}
			}
			hasData = true
		default:
			if _, err := r.Seek(padded, io.SeekCurrent); err != nil {
				return WAV{}, fmt.Errorf("seek wav chunk %s: %w", chunkID, err)
			}
		}
	}

	if !hasFmt || !hasData {
		return WAV{}, ErrInvalidWAV
	}
	if channels == 0 || sampleRate == 0 {
		return WAV{}, ErrInvalidWAV
	}
	if err := validateFormat(format, bits); err != nil {
		return WAV{}, err
	}

	samples, err := decodeSamples(data, format, bits, int(channels))
	if err != nil {
		return WAV{}, err
	}

	return WAV{
		SampleRate:    int(sampleRate),
		Channels:      int(channels),
		BitsPerSample: int(bits),
		Samples:       samples,
	}, nil
}

func validateFormat(format, bits uint16) error {
	switch format {
	case wavFormatPCM:
		switch bits {
		case 8, 16, 24, 32:
			return nil
		}
	case wavFormatFloat:
		switch bits {
		case 32, 64:
			return nil
		}
	}
	return ErrUnsupportedWAV
}

func decodeSamples(data []byte, format, bits uint16, channels int) ([]float32, error) {
	width := int(bits / 8)
	frameWidth := width * channels
	frames := len(data) / frameWidth
	out := make([]float32, frames)

	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			off := i*frameWidth + c*width
			v, err := decodeSample(data[off:off+width], format, bits)
			if err != nil {
				return nil, err
			}
			sum += v
		}
		out[i] = float32(sum / float64(channels))
	}

	return out, nil
}

func decodeSample(sample []byte, format, bits uint16) (float64, error) {
	if format == wavFormatFloat {
		switch bits {
		case 32:
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(sample))), nil
		case 64:
			return math.Float64frombits(binary.LittleEndian.Uint64(sample)), nil
		default:
			return 0, ErrUnsupportedWAV
		}
	}

	switch bits {
	case 8:
		return (float64(sample[0]) - 128.0) / 128.0, nil
	case 16:
		return float64(int16(binary.LittleEndian.Uint16(sample))) / 32768.0, nil
	case 24:
		v := int32(sample[0]) | int32(sample[1])<<8 | int32(sample[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608.0, nil
	case 32:
		return float64(int32(binary.LittleEndian.Uint32(sample))) / 2147483648.0, nil
	default:
		return 0, ErrUnsupportedWAV
	}
}

// WAVWriter streams 16-bit PCM into a WAV container. Sizes in the header
// are patched on Close.
type WAVWriter struct {
	w          io.WriteSeeker
	sampleRate int
	channels   int
	written    int64
	closed     bool
}

func NewWAVWriter(w io.WriteSeeker, sampleRate, channels int) (*WAVWriter, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		channels = 1
	}
	ww := &WAVWriter{w: w, sampleRate: sampleRate, channels: channels}
	if _, err := w.Write(ww.header(0)); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return ww, nil
}

// Write appends raw little-endian 16-bit PCM.
func (ww *WAVWriter) Write(p []byte) (int, error) {
	if ww.closed {
		return 0, errors.New("wav writer is closed")
	}
	n, err := ww.w.Write(p)
	ww.written += int64(n)
	return n, err
}

func (ww *WAVWriter) WriteSamples(samples []float32) error {
	_, err := ww.Write(Float32ToPCM16(samples))
	return err
}

func (ww *WAVWriter) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true

	if ww.written%2 != 0 {
		if _, err := ww.w.Write([]byte{0}); err != nil {
			return fmt.Errorf("write wav padding: %w", err)
		}
	}
	if _, err := ww.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek wav header: %w", err)
	}
	if _, err := ww.w.Write(ww.header(ww.written)); err != nil {
		return fmt.Errorf("rewrite wav header: %w", err)
	}
	_, err := ww.w.Seek(0, io.SeekEnd)
	return err
}

func (ww *WAVWriter) header(dataSize int64) []byte {
	const bits = 16
	blockAlign := ww.channels * bits / 8
	out := make([]byte, wavHeaderSize)

	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+dataSize))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], wavFormatPCM)
	binary.LittleEndian.PutUint16(out[22:], uint16(ww.channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(ww.sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(ww.sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], bits)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))

	return out
}

// EncodeWAV returns a complete mono 16-bit WAV file in memory.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	pcm := Float32ToPCM16(samples)
	ww := &WAVWriter{sampleRate: sampleRate, channels: 1}
	return append(ww.header(int64(len(pcm))), pcm...)
}

// CreateWAVFile creates path (and its directory) and returns a mono writer.
// Closing the writer does not close the file; use the returned close func.
func CreateWAVFile(path string, sampleRate int) (*WAVWriter, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create wav directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create wav: %w", err)
	}
	ww, err := NewWAVWriter(f, sampleRate, 1)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	closeFn := func() error {
		if err := ww.Close(); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}
	return ww, closeFn, nil
}

func WriteWAVFile(path string, samples []float32, sampleRate int) error {
	ww, closeFn, err := CreateWAVFile(path, sampleRate)
	if err != nil {
		return err
	}
	if err := ww.WriteSamples(samples); err != nil {
		_ = closeFn()
		return fmt.Errorf("write wav samples: %w", err)
	}
	return closeFn()
}
