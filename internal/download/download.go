// Package download fetches model assets with retries and SHA-256
// verification.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fmueller/livewhisper/internal/version"
)

var errChecksumMismatch = errors.New("checksum mismatch")

var checksumPattern = regexp.MustCompile(`(?i)\b([a-f0-9]{64})\b`)

type Options struct {
	URL            string
	Destination    string
	ExpectedSHA256 string
	ChecksumURL    string
	Retries        int
	// RetryDelay grows linearly with the attempt number.
	RetryDelay time.Duration
	// Description labels the progress bar; defaults to the file name.
	Description string
	NoProgress  bool
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

func DownloadFile(ctx context.Context, opts Options) error {
	if opts.URL == "" {
		return errors.New("download URL is required")
	}
	if opts.Destination == "" {
		return errors.New("destination path is required")
	}

	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 300 * time.Millisecond
	}
	if opts.Description == "" {
		opts.Description = filepath.Base(opts.Destination)
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	expected := strings.ToLower(strings.TrimSpace(opts.ExpectedSHA256))
	if expected == "" && opts.ChecksumURL != "" {
		resolved, err := ResolveExpectedChecksum(ctx, opts.ChecksumURL, filepath.Base(opts.Destination), opts.HTTPClient)
		if err != nil {
			return fmt.Errorf("fetch checksum: %w", err)
		}
		expected = resolved
	}

	if err := os.MkdirAll(filepath.Dir(opts.Destination), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if attempt > 1 {
			opts.Logger.Warn("retrying download", zap.Int("attempt", attempt), zap.Int("max", opts.Retries), zap.String("url", opts.URL), zap.Error(lastErr))
			if err := sleepContext(ctx, time.Duration(attempt)*opts.RetryDelay); err != nil {
				return fmt.Errorf("download %s: %w", opts.Description, err)
			}
		}

		lastErr = downloadOnce(ctx, opts, expected)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, errChecksumMismatch) || ctx.Err() != nil {
			return lastErr
		}
	}

	return lastErr
}

func ResolveExpectedChecksum(ctx context.Context, checksumURL, fileName string, client *http.Client) (string, error) {
	if strings.TrimSpace(checksumURL) == "" {
		return "", errors.New("checksum URL is required")
	}

	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}

	resolved, err := fetchExpectedChecksum(ctx, client, checksumURL, fileName)
	if err != nil {
		return "", err
	}

	return strings.ToLower(strings.TrimSpace(resolved)), nil
}

func ParseChecksum(content []byte, fileName string) (string, error) {
	lines := strings.Split(string(content), "\n")

	if fileName != "" {
		for _, line := range lines {
			if !strings.Contains(line, fileName) {
				continue
			}
			if checksum := parseChecksumFromLine(line); checksum != "" {
				return checksum, nil
			}
		}
	}

	for _, line := range lines {
		if checksum := parseChecksumFromLine(line); checksum != "" {
			return checksum, nil
		}
	}

	return "", errors.New("sha256 checksum not found")
}

func VerifyFileChecksum(path, expectedSHA256 string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash file: %w", err)
	}

	actual := hex.EncodeToString(h.Sum(nil))
	expected := strings.ToLower(strings.TrimSpace(expectedSHA256))
	if expected == "" {
		return nil
	}

	if actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", errChecksumMismatch, expected, actual)
	}

	return nil
}

func fetchExpectedChecksum(ctx context.Context, client *http.Client, checksumURL, fileName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checksumURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	return ParseChecksum(content, fileName)
}

func parseChecksumFromLine(line string) string {
	match := checksumPattern.FindStringSubmatch(line)
	if len(match) < 2 {
		return ""
	}
	return strings.ToLower(match[1])
}

func downloadOnce(ctx context.Context, opts Options, expectedChecksum string) error {
	tempPath := opts.Destination + ".part"
	_ = os.Remove(tempPath)

	outFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	success := false
	defer func() {
		_ = outFile.Close()
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, opts.URL)
	}

	hash := sha256.New()
	writer := io.MultiWriter(outFile, hash)

	var bar *progressbar.ProgressBar
	if shouldRenderProgress(opts.NoProgress, resp.ContentLength) {
		bar = progressbar.NewOptions64(
			resp.ContentLength,
			progressbar.OptionSetDescription(opts.Description),
			progressbar.OptionSetWidth(20),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
		writer = io.MultiWriter(outFile, hash, bar)
	}

	if _, err := io.Copy(writer, resp.Body); err != nil {
		return fmt.Errorf("download body: %w", err)
	}

	if bar != nil {
		_ = bar.Finish()
	}

	if err := outFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}

	actualChecksum := hex.EncodeToString(hash.Sum(nil))
	if expectedChecksum != "" && actualChecksum != expectedChecksum {
		return fmt.Errorf("%w: expected %s, got %s", errChecksumMismatch, expectedChecksum, actualChecksum)
	}

	if err := outFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, opts.Destination); err != nil {
		return fmt.Errorf("move temp file into destination: %w", err)
	}

	success = true
	return nil
}

func shouldRenderProgress(noProgress bool, contentLength int64) bool {
	if noProgress {
		return false
	}
	if contentLength <= 0 {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
