//go:build !portaudio

package record

func newPortAudioBackend() Backend {
	return nil
}
