package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/fmueller/livewhisper/internal/audio"
)

const EnginePathEnv = "LIVEWHISPER_WHISPER_PATH"

const sampleRate = 16000

// CLIEngine runs the whisper.cpp command line tool once per window.
type CLIEngine struct {
	Executable string
	ModelPath  string
	// ModelDir holds further registry models a client may ask for by name.
	ModelDir string
	Threads  int
	Logger   *zap.Logger
}

func NewCLIEngine(modelPath string, logger *zap.Logger) (*CLIEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(modelPath) == "" {
		return nil, errors.New("model path is required")
	}

	if override := strings.TrimSpace(os.Getenv(EnginePathEnv)); override != "" {
		if err := ensureExecutable(override); err != nil {
			return nil, fmt.Errorf("%s is not executable: %w", EnginePathEnv, err)
		}
		return &CLIEngine{Executable: override, ModelPath: modelPath, Logger: logger}, nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve livewhisper executable path: %w", err)
	}

	whisperExe, err := ResolveEnginePath(self)
	if err != nil {
		return nil, err
	}

	return &CLIEngine{Executable: whisperExe, ModelPath: modelPath, Logger: logger}, nil
}

// ResolveEnginePath looks for whisper-cli next to the livewhisper binary and
// then on PATH.
func ResolveEnginePath(selfExecutable string) (string, error) {
	for _, candidate := range EnginePathCandidates(selfExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}
	if found, err := exec.LookPath(engineBinaryName()); err == nil {
		return found, nil
	}

	return "", fmt.Errorf("whisper engine not found near %s or on PATH; install whisper.cpp or set %s (expected at ../libexec/whisper/%s)", selfExecutable, EnginePathEnv, engineBinaryName())
}

func EnginePathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	engineName := engineBinaryName()
	hostTarget := fmt.Sprintf("%s_%s", runtime.GOOS, normalizeArch(runtime.GOARCH))

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", hostTarget, engineName),
		filepath.Join(binDir, engineName),
	}
}

func (e *CLIEngine) Name() string {
	return "whisper.cpp"
}

func (e *CLIEngine) Transcribe(ctx context.Context, req Request) (Result, error) {
	if len(req.Samples) == 0 {
		return Result{}, errors.New("audio samples are required")
	}
	if err := ensureExecutable(e.Executable); err != nil {
		return Result{}, fmt.Errorf("whisper engine missing or not executable: %w", err)
	}

	workDir, err := os.MkdirTemp("", "livewhisper-*")
	if err != nil {
		return Result{}, fmt.Errorf("create whisper work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	wavPath := filepath.Join(workDir, "window.wav")
	if err := audio.WriteWAVFile(wavPath, req.Samples, sampleRate); err != nil {
		return Result{}, fmt.Errorf("write whisper input: %w", err)
	}

	outBase := filepath.Join(workDir, "window")
	args := e.args(req, wavPath, outBase)

	cmd := exec.CommandContext(ctx, e.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	e.log().Debug("running whisper engine", zap.String("engine", e.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		errText := strings.TrimSpace(stderr.String())
		if isMissingSharedLibraryError(errText) {
			return Result{}, fmt.Errorf("whisper engine at %s is missing required shared libraries (%s); rebuild whisper-cli with BUILD_SHARED_LIBS=OFF or set %s", e.Executable, errText, EnginePathEnv)
		}
		if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
			return Result{}, fmt.Errorf("whisper engine crashed with an illegal CPU instruction; " +
				"your CPU may lack required instruction set extensions; " +
				"set " + EnginePathEnv + " to a whisper-cli binary built for your CPU")
		}
		return Result{}, fmt.Errorf("whisper transcribe failed: %w (%s)", err, errText)
	}

	content, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return Result{}, fmt.Errorf("read whisper output: %w", err)
	}

	result, err := parseCLIOutput(content)
	if err != nil {
		return Result{}, err
	}
	if lang := normalizeLanguage(req.Language); lang != "" && result.Language == "" {
		result.Language = lang
		result.LanguageProb = 1
	}
	return result, nil
}

func (e *CLIEngine) args(req Request, wavPath, outBase string) []string {
	args := []string{"-m", e.modelPath(req.Model), "-f", wavPath, "-oj", "-of", outBase, "-np"}

	lang := normalizeLanguage(req.Language)
	if lang == "" {
		lang = "auto"
	}
	args = append(args, "-l", lang)

	if req.Task == TaskTranslate {
		args = append(args, "-tr")
	}
	if prompt := strings.TrimSpace(req.InitialPrompt); prompt != "" {
		args = append(args, "--prompt", prompt)
	}
	if e.Threads > 0 {
		args = append(args, "-t", fmt.Sprint(e.Threads))
	}
	return args
}

// modelPath picks the installed registry model a client asked for, falling
// back to ModelPath. Clients cannot point the engine at arbitrary files.
func (e *CLIEngine) modelPath(requested string) string {
	if strings.TrimSpace(requested) == "" || e.ModelDir == "" || looksLikePath(requested) {
		return e.ModelPath
	}
	model, ok := LookupModel(requested)
	if !ok {
		return e.ModelPath
	}
	path := filepath.Join(e.ModelDir, model.FileName)
	if _, err := os.Stat(path); err != nil {
		e.log().Debug("requested model not installed, using default", zap.String("model", model.Name))
		return e.ModelPath
	}
	return path
}

func (e *CLIEngine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

type cliOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// parseCLIOutput reads the -oj document. whisper.cpp reports neither a
// language probability nor a no-speech probability, so a reported language
// counts as certain and blank-audio markers are dropped.
func parseCLIOutput(content []byte) (Result, error) {
	var out cliOutput
	if err := json.Unmarshal(content, &out); err != nil {
		return Result{}, fmt.Errorf("parse whisper output: %w", err)
	}

	result := Result{Language: normalizeLanguage(out.Result.Language)}
	if result.Language != "" {
		result.LanguageProb = 1
	}

	for _, item := range out.Transcription {
		text := strings.TrimSpace(item.Text)
		if isBlankText(text) {
			continue
		}
		result.Segments = append(result.Segments, Segment{
			Start: float64(item.Offsets.From) / 1000,
			End:   float64(item.Offsets.To) / 1000,
			Text:  text,
		})
	}

	return result, nil
}

func isBlankText(text string) bool {
	switch strings.ToUpper(strings.TrimSpace(text)) {
	case "", "[BLANK_AUDIO]", "[SILENCE]", "(SILENCE)":
		return true
	default:
		return false
	}
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}

func normalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}
