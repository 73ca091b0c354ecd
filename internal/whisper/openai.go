package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/fmueller/livewhisper/internal/audio"
)

const DefaultOpenAIModel = openai.Whisper1

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIEngine talks to an OpenAI-compatible /audio/transcriptions endpoint.
// faster-whisper servers expose the same API with per-segment no-speech
// probabilities in verbose_json.
type OpenAIEngine struct {
	client *openai.Client
	model  string
	Logger *zap.Logger
}

func NewOpenAIEngine(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.APIKey) == "" && strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("openai backend needs an API key or a base URL")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultOpenAIModel
	}

	return &OpenAIEngine{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		Logger: logger,
	}, nil
}

func (e *OpenAIEngine) Name() string {
	return "openai"
}

func (e *OpenAIEngine) Transcribe(ctx context.Context, req Request) (Result, error) {
	if len(req.Samples) == 0 {
		return Result{}, errors.New("audio samples are required")
	}

	model := e.model
	if m := strings.TrimSpace(req.Model); m != "" {
		model = m
	}

	audioReq := openai.AudioRequest{
		Model:    model,
		FilePath: "window.wav",
		Reader:   bytes.NewReader(audio.EncodeWAV(req.Samples, sampleRate)),
		Prompt:   req.InitialPrompt,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}

	var (
		resp openai.AudioResponse
		err  error
	)
	if req.Task == TaskTranslate {
		e.Logger.Debug("requesting translation", zap.String("model", model), zap.Int("samples", len(req.Samples)))
		resp, err = e.client.CreateTranslation(ctx, audioReq)
	} else {
		audioReq.Language = normalizeLanguage(req.Language)
		e.Logger.Debug("requesting transcription", zap.String("model", model), zap.Int("samples", len(req.Samples)))
		resp, err = e.client.CreateTranscription(ctx, audioReq)
	}
	if err != nil {
		return Result{}, fmt.Errorf("openai transcription: %w", err)
	}

	return convertAudioResponse(resp, req.Language), nil
}

func convertAudioResponse(resp openai.AudioResponse, requested string) Result {
	result := Result{Language: languageCode(resp.Language)}
	if lang := normalizeLanguage(requested); lang != "" && result.Language == "" {
		result.Language = lang
	}
	if result.Language != "" {
		result.LanguageProb = 1
	}

	for _, s := range resp.Segments {
		result.Segments = append(result.Segments, Segment{
			Start:        s.Start,
			End:          s.End,
			Text:         strings.TrimSpace(s.Text),
			NoSpeechProb: s.NoSpeechProb,
		})
	}
	if len(resp.Segments) == 0 && strings.TrimSpace(resp.Text) != "" {
		result.Segments = append(result.Segments, Segment{
			Start: 0,
			End:   resp.Duration,
			Text:  strings.TrimSpace(resp.Text),
		})
	}
	return result
}

// languageCode maps the full language names OpenAI returns ("english") to
// the codes clients send.
func languageCode(language string) string {
	lang := normalizeLanguage(language)
	if code, ok := languageNames[lang]; ok {
		return code
	}
	return lang
}

var languageNames = map[string]string{
	"english":    "en",
	"german":     "de",
	"french":     "fr",
	"spanish":    "es",
	"italian":    "it",
	"portuguese": "pt",
	"dutch":      "nl",
	"polish":     "pl",
	"russian":    "ru",
	"ukrainian":  "uk",
	"turkish":    "tr",
	"chinese":    "zh",
	"japanese":   "ja",
	"korean":     "ko",
	"arabic":     "ar",
	"hindi":      "hi",
	"swedish":    "sv",
	"norwegian":  "no",
	"danish":     "da",
	"finnish":    "fi",
	"czech":      "cs",
	"greek":      "el",
	"hebrew":     "he",
	"vietnamese": "vi",
	"indonesian": "id",
}
