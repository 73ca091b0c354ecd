package cli

import (
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

type stopFunc func()

func startSpinner(enabled bool, description string) stopFunc {
	if !enabled {
		return func() {}
	}

	bar := progressbar.NewOptions(
		-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(80*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(120 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				_ = bar.Finish()
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-doneCh
		})
	}
}

func startDurationProgress(enabled bool, description string, duration time.Duration) stopFunc {
	if !enabled || duration <= 0 {
		return func() {}
	}

	total := int64(duration / time.Second)
	if total <= 0 {
		total = 1
	}

	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(20),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				_ = bar.Finish()
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-doneCh
		})
	}
}

// startSecondsProgress shows how much of a known-length stream was sent.
// The returned update func takes the seconds sent so far.
func startSecondsProgress(enabled bool, description string, total time.Duration) (func(float64), stopFunc) {
	if !enabled || total <= 0 {
		return nil, func() {}
	}

	bar := progressbar.NewOptions64(
		total.Milliseconds(),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(20),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	var mu sync.Mutex
	update := func(seconds float64) {
		mu.Lock()
		defer mu.Unlock()
		_ = bar.Set64(min(int64(seconds*1000), total.Milliseconds()))
	}

	var once sync.Once
	return update, func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			_ = bar.Finish()
		})
	}
}
