package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fmueller/livewhisper/internal/config"
	"github.com/fmueller/livewhisper/internal/download"
	"github.com/fmueller/livewhisper/internal/logging"
	"github.com/fmueller/livewhisper/internal/platform"
	"github.com/fmueller/livewhisper/internal/server"
	"github.com/fmueller/livewhisper/internal/store"
	"github.com/fmueller/livewhisper/internal/vad"
	"github.com/fmueller/livewhisper/internal/whisper"
)

// archiveAuto selects the default archive location.
const archiveAuto = "auto"

type serveOptions struct {
	configPath string
	envFile    string

	addr              string
	maxClients        int
	maxConnectionTime time.Duration
	singleModel       bool

	backend       string
	model         string
	modelDir      string
	threads       int
	autoDownload  bool
	openAIBaseURL string

	vad          string
	vadModel     string
	vadThreshold float32

	archive  string
	logLevel string
}

func newServeCmd(app *appState) *cobra.Command {
	defaults := config.Default()
	opts := &serveOptions{
		addr:              defaults.Server.Addr,
		maxClients:        defaults.Server.MaxClients,
		maxConnectionTime: defaults.Server.MaxConnectionTime,
		backend:           defaults.Backend.Kind,
		model:             defaults.Backend.Model,
		autoDownload:      true,
		vad:               defaults.VAD.Kind,
		vadThreshold:      defaults.VAD.Threshold,
		logLevel:          defaults.Logging.Level,
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket transcription server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runServe(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "YAML config file; flags that are set explicitly override it")
	f.StringVar(&opts.envFile, "env-file", "", "Load environment variables from this file (default: .env in the working directory, if present)")
	f.StringVar(&opts.addr, "addr", opts.addr, "Listen address")
	f.IntVar(&opts.maxClients, "max-clients", opts.maxClients, "Maximum concurrent clients")
	f.DurationVar(&opts.maxConnectionTime, "max-connection-time", opts.maxConnectionTime, "Maximum streaming time per client")
	f.BoolVar(&opts.singleModel, "single-model", false, "Share one engine between all clients and serialize inference")
	f.StringVar(&opts.backend, "backend", opts.backend, "Inference backend: whisper.cpp|openai")
	f.StringVar(&opts.model, "model", opts.model, "whisper.cpp model name or file path, or the remote model id for openai")
	f.StringVar(&opts.modelDir, "model-dir", "", "Directory where models are stored")
	f.IntVar(&opts.threads, "threads", 0, "whisper.cpp threads per inference (0 = engine default)")
	f.BoolVar(&opts.autoDownload, "auto-download", opts.autoDownload, "Automatically download a missing named model")
	f.StringVar(&opts.openAIBaseURL, "openai-base-url", "", "Base URL of an OpenAI-compatible transcription API")
	f.StringVar(&opts.vad, "vad", opts.vad, "Voice activity detector: energy|silero")
	f.StringVar(&opts.vadModel, "vad-model", "", "Silero VAD ONNX model path")
	f.Float32Var(&opts.vadThreshold, "vad-threshold", opts.vadThreshold, "Speech probability above which a frame counts as speech")
	f.StringVar(&opts.archive, "archive", "", "Archive finished sessions in this SQLite file (\"auto\" = default data directory)")
	f.StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level: debug|info|warn|error")

	return cmd
}

func (a *appState) runServe(cmd *cobra.Command, opts *serveOptions) error {
	cfg, err := loadServeConfig(cmd, opts)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if a.verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, JSON: a.jsonLogs || cfg.Logging.JSON})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.logger = logger
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := a.buildEngine(ctx, cfg, opts.autoDownload)
	if err != nil {
		return err
	}

	vadFactory, err := vad.NewFactory(cfg.VAD.Kind, cfg.VAD.ModelPath)
	if err != nil {
		return err
	}

	srvCfg := server.Config{
		Addr:              cfg.Server.Addr,
		MaxClients:        cfg.Server.MaxClients,
		MaxConnectionTime: cfg.Server.MaxConnectionTime,
		SingleModel:       cfg.Server.SingleModel,
		Engine:            engine,
		VAD:               vadFactory,
		VADThreshold:      cfg.VAD.Threshold,
		Logger:            logger,
	}

	if cfg.Archive.Path != "" {
		archive, err := openArchive(cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer func() {
			if err := archive.Close(); err != nil {
				logger.Warn("failed to close archive", zap.Error(err))
			}
		}()
		srvCfg.Archive = archive
		logger.Info("archiving sessions", zap.String("path", cfg.Archive.Path))
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}

	serveFn := a.serveFn
	if serveFn == nil {
		serveFn = func(ctx context.Context, _ config.Config, srv *server.Server) error {
			return srv.ListenAndServe(ctx)
		}
	}
	return serveFn(ctx, cfg, srv)
}

// loadServeConfig layers the config file, explicitly set flags and the
// environment over the defaults.
func loadServeConfig(cmd *cobra.Command, opts *serveOptions) (config.Config, error) {
	if opts.envFile != "" {
		if _, err := os.Stat(opts.envFile); err != nil {
			return config.Config{}, fmt.Errorf("env file: %w", err)
		}
		if _, err := config.LoadEnv(opts.envFile); err != nil {
			return config.Config{}, err
		}
	} else if _, err := config.LoadEnv(); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Server.Addr = opts.addr
	}
	if f.Changed("max-clients") {
		cfg.Server.MaxClients = opts.maxClients
	}
	if f.Changed("max-connection-time") {
		cfg.Server.MaxConnectionTime = opts.maxConnectionTime
	}
	if f.Changed("single-model") {
		cfg.Server.SingleModel = opts.singleModel
	}
	if f.Changed("backend") {
		cfg.Backend.Kind = opts.backend
	}
	if f.Changed("model") {
		cfg.Backend.Model = opts.model
	}
	if f.Changed("model-dir") {
		cfg.Backend.ModelDir = opts.modelDir
	}
	if f.Changed("threads") {
		cfg.Backend.Threads = opts.threads
	}
	if f.Changed("openai-base-url") {
		cfg.Backend.OpenAI.BaseURL = opts.openAIBaseURL
	}
	if f.Changed("vad") {
		cfg.VAD.Kind = opts.vad
	}
	if f.Changed("vad-model") {
		cfg.VAD.ModelPath = opts.vadModel
	}
	if f.Changed("vad-threshold") {
		cfg.VAD.Threshold = opts.vadThreshold
	}
	if f.Changed("archive") {
		cfg.Archive.Path = opts.archive
	}
	if f.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}

	cfg.ApplyEnv()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (a *appState) buildEngine(ctx context.Context, cfg config.Config, autoDownload bool) (whisper.Engine, error) {
	switch cfg.Backend.Kind {
	case config.BackendOpenAI:
		engine, err := whisper.NewOpenAIEngine(whisper.OpenAIConfig{
			APIKey:  cfg.Backend.OpenAI.APIKey,
			BaseURL: cfg.Backend.OpenAI.BaseURL,
			Model:   cfg.Backend.OpenAIModel(),
		}, a.log())
		if err != nil {
			return nil, err
		}
		return engine, nil
	default:
		model, err := a.ensureModelAvailable(ctx, cfg.Backend.Model, cfg.Backend.ModelDir, autoDownload)
		if err != nil {
			return nil, err
		}
		engine, err := whisper.NewCLIEngine(model.Path, a.log())
		if err != nil {
			return nil, err
		}
		engine.Threads = cfg.Backend.Threads
		if !model.IsCustomPath {
			engine.ModelDir = filepath.Dir(model.Path)
		}
		return engine, nil
	}
}

func (a *appState) ensureModelAvailable(ctx context.Context, modelRef, modelDir string, autoDownload bool) (whisper.ResolvedModel, error) {
	dir, err := modelStorageDir(modelDir)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	resolved, err := whisper.ResolveModel(modelRef, dir)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	if !resolved.NeedsDownload {
		return resolved, nil
	}

	if !autoDownload {
		return whisper.ResolvedModel{}, fmt.Errorf("model %q is missing at %s; run `livewhisper setup --model %s` or use --auto-download=true", resolved.Name, resolved.Path, resolved.Name)
	}

	a.log().Info("model not found, downloading", zap.String("model", resolved.Name), zap.String("destination", resolved.Path))
	if err := download.DownloadFile(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		ChecksumURL:    resolved.SHA256URL,
		Description:    "model " + resolved.Name,
		NoProgress:     a.noProgress,
		Logger:         a.log(),
	}); err != nil {
		return whisper.ResolvedModel{}, fmt.Errorf("download model %q: %w", resolved.Name, err)
	}

	resolved.NeedsDownload = false
	return resolved, nil
}

func modelStorageDir(override string) (string, error) {
	dir, err := platform.ResolveModelDir(override)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

func openArchive(path string) (*store.SQLiteStore, error) {
	if path == archiveAuto {
		path = ""
	}
	resolved, err := platform.ResolveArchivePath(path)
	if err != nil {
		return nil, err
	}
	return store.Open(resolved)
}
