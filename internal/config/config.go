// Package config loads the transcription server configuration from YAML
// and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fmueller/livewhisper/internal/server"
	"github.com/fmueller/livewhisper/internal/vad"
	"github.com/fmueller/livewhisper/internal/whisper"
)

const (
	BackendWhisperCPP = "whisper.cpp"
	BackendOpenAI     = "openai"

	OpenAIKeyEnv     = "OPENAI_API_KEY"
	OpenAIBaseURLEnv = "LIVEWHISPER_OPENAI_BASE_URL"
	ArchiveEnv       = "LIVEWHISPER_ARCHIVE"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	VAD     VADConfig     `yaml:"vad"`
	Archive ArchiveConfig `yaml:"archive"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	MaxClients        int           `yaml:"max_clients"`
	MaxConnectionTime time.Duration `yaml:"max_connection_time"`
	SingleModel       bool          `yaml:"single_model"`
}

type BackendConfig struct {
	Kind string `yaml:"kind"`
	// Model is a whisper.cpp model name or path, or the remote model id for
	// the openai backend.
	Model    string       `yaml:"model"`
	ModelDir string       `yaml:"model_dir"`
	Threads  int          `yaml:"threads"`
	OpenAI   OpenAIConfig `yaml:"openai"`
}

// OpenAIModel is the model id sent to an OpenAI-compatible endpoint. The
// local default name means the endpoint's default.
func (b BackendConfig) OpenAIModel() string {
	if m := strings.TrimSpace(b.Model); m != "" && m != whisper.DefaultModel {
		return m
	}
	return whisper.DefaultOpenAIModel
}

type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	// APIKey is usually left empty and read from OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
}

type VADConfig struct {
	Kind      string  `yaml:"kind"`
	ModelPath string  `yaml:"model_path"`
	Threshold float32 `yaml:"threshold"`
}

type ArchiveConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              server.DefaultAddr,
			MaxClients:        server.DefaultMaxClients,
			MaxConnectionTime: server.DefaultMaxConnectionTime,
		},
		Backend: BackendConfig{
			Kind:  BackendWhisperCPP,
			Model: whisper.DefaultModel,
		},
		VAD: VADConfig{
			Kind:      vad.KindEnergy,
			Threshold: vad.DefaultThreshold,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse: %w", err)
	}

	cfg.ApplyEnv()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize canonicalizes the spelling of enumerated settings.
func (c *Config) Normalize() {
	c.Backend.Kind = normalizeKind(c.Backend.Kind)
	c.VAD.Kind = normalizeKind(c.VAD.Kind)
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

// ApplyEnv fills settings that were left empty from the environment.
func (c *Config) ApplyEnv() {
	if c.Backend.OpenAI.APIKey == "" {
		c.Backend.OpenAI.APIKey = strings.TrimSpace(os.Getenv(OpenAIKeyEnv))
	}
	if c.Backend.OpenAI.BaseURL == "" {
		c.Backend.OpenAI.BaseURL = strings.TrimSpace(os.Getenv(OpenAIBaseURLEnv))
	}
	if c.Archive.Path == "" {
		c.Archive.Path = strings.TrimSpace(os.Getenv(ArchiveEnv))
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.MaxClients < 1 {
		return fmt.Errorf("server.max_clients must be at least 1, got %d", c.Server.MaxClients)
	}
	if c.Server.MaxConnectionTime <= 0 {
		return fmt.Errorf("server.max_connection_time must be positive, got %s", c.Server.MaxConnectionTime)
	}

	switch normalizeKind(c.Backend.Kind) {
	case BackendWhisperCPP:
		if strings.TrimSpace(c.Backend.Model) == "" {
			return errors.New("backend.model is required for whisper.cpp")
		}
	case BackendOpenAI:
		if c.Backend.OpenAI.APIKey == "" && c.Backend.OpenAI.BaseURL == "" {
			return fmt.Errorf("backend openai needs backend.openai.base_url or %s", OpenAIKeyEnv)
		}
	default:
		return fmt.Errorf("unknown backend.kind %q (expected %s or %s)", c.Backend.Kind, BackendWhisperCPP, BackendOpenAI)
	}
	if c.Backend.Threads < 0 {
		return fmt.Errorf("backend.threads must not be negative, got %d", c.Backend.Threads)
	}

	switch normalizeKind(c.VAD.Kind) {
	case "", vad.KindEnergy:
	case vad.KindSilero:
		if strings.TrimSpace(c.VAD.ModelPath) == "" {
			return errors.New("vad.model_path is required for silero")
		}
	default:
		return fmt.Errorf("unknown vad.kind %q (expected %s or %s)", c.VAD.Kind, vad.KindEnergy, vad.KindSilero)
	}
	if c.VAD.Threshold <= 0 || c.VAD.Threshold >= 1 {
		return fmt.Errorf("vad.threshold must be between 0 and 1, got %g", c.VAD.Threshold)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	return nil
}

// LoadEnv loads the first .env file found in paths, or in the working
// directory when none are given. Missing files are not an error.
func LoadEnv(paths ...string) (string, error) {
	if len(paths) == 0 {
		paths = []string{".env", ".env.local"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return "", fmt.Errorf("load %s: %w", path, err)
		}
		return path, nil
	}
	return "", nil
}
