package transcript

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// FormatTimestamp renders seconds as an SRT timestamp (hh:mm:ss,mmm).
func FormatTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

func WriteSRT(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	index := 0
	for _, e := range entries {
		text := collapseLines(e.Text)
		if text == "" {
			continue
		}
		index++
		if _, err := fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n", index, FormatTimestamp(e.Start), FormatTimestamp(e.End), text); err != nil {
			return fmt.Errorf("write srt entry %d: %w", index, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush srt: %w", err)
	}
	return nil
}

func WriteSRTFile(path string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o755); err != nil {
		return fmt.Errorf("create srt directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create srt: %w", err)
	}
	if err := WriteSRT(f, entries); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close srt: %w", err)
	}
	return nil
}

func collapseLines(text string) string {
	text = strings.TrimSpace(text)
	return strings.Join(strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == '\r'
	}), " ")
}
