package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fmueller/livewhisper/internal/download"
	"github.com/fmueller/livewhisper/internal/vad"
	"github.com/fmueller/livewhisper/internal/whisper"
)

type setupOptions struct {
	model    string
	modelDir string
	vad      bool
	list     bool
}

func newSetupCmd(app *appState) *cobra.Command {
	opts := &setupOptions{model: whisper.DefaultModel}

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download and verify speech model assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			modelDir, err := modelStorageDir(opts.modelDir)
			if err != nil {
				return err
			}
			if opts.list {
				return listModels(cmd, modelDir)
			}

			if err := app.setupModel(cmd, opts.model, modelDir); err != nil {
				return err
			}
			if opts.vad {
				return app.setupSileroModel(cmd.Context(), cmd, modelDir)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.model, "model", opts.model, "Model name or model file path")
	f.StringVar(&opts.modelDir, "model-dir", "", "Directory where models are stored")
	f.BoolVar(&opts.vad, "vad", false, "Also download the Silero VAD model")
	f.BoolVar(&opts.list, "list", false, "List known models and whether they are installed")

	return cmd
}

func (a *appState) setupModel(cmd *cobra.Command, modelRef, modelDir string) error {
	resolved, err := whisper.ResolveModel(modelRef, modelDir)
	if err != nil {
		return err
	}
	if resolved.IsCustomPath {
		return fmt.Errorf("setup expects a named model; got custom path %s", resolved.Path)
	}

	expectedChecksum := resolved.SHA256
	if expectedChecksum == "" && resolved.SHA256URL != "" {
		checksum, err := download.ResolveExpectedChecksum(cmd.Context(), resolved.SHA256URL, filepath.Base(resolved.Path), nil)
		if err != nil {
			return fmt.Errorf("resolve checksum for model %s: %w", resolved.Name, err)
		}
		expectedChecksum = checksum
	}

	if !resolved.NeedsDownload && expectedChecksum != "" {
		if err := download.VerifyFileChecksum(resolved.Path, expectedChecksum); err != nil {
			a.log().Warn("model checksum verification failed; downloading fresh copy", zap.String("model", resolved.Name), zap.Error(err))
			resolved.NeedsDownload = true
		}
	}

	if !resolved.NeedsDownload {
		a.log().Info("model already present", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
		fmt.Fprintf(cmd.OutOrStdout(), "Model %s already present at %s\n", resolved.Name, resolved.Path)
		return nil
	}

	a.log().Info("downloading model", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
	if err := download.DownloadFile(cmd.Context(), download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: expectedChecksum,
		ChecksumURL:    resolved.SHA256URL,
		Description:    "model " + resolved.Name,
		NoProgress:     a.noProgress,
		Logger:         a.log(),
	}); err != nil {
		return fmt.Errorf("download model %s: %w", resolved.Name, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Model %s installed at %s\n", resolved.Name, resolved.Path)
	return nil
}

func (a *appState) setupSileroModel(ctx context.Context, cmd *cobra.Command, modelDir string) error {
	path := filepath.Join(modelDir, vad.SileroModelFileName)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Silero VAD model already present at %s\n", path)
		return nil
	}

	if err := download.DownloadFile(ctx, download.Options{
		URL:         vad.SileroModelURL,
		Destination: path,
		Description: "silero vad",
		NoProgress:  a.noProgress,
		Logger:      a.log(),
	}); err != nil {
		return fmt.Errorf("download silero vad model: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Silero VAD model installed at %s (use: serve --vad silero --vad-model %s)\n", path, path)
	return nil
}

func listModels(cmd *cobra.Command, modelDir string) error {
	installed, err := whisper.InstalledModels(modelDir)
	if err != nil {
		return err
	}
	have := make(map[string]string, len(installed))
	for _, m := range installed {
		have[m.Name] = m.Path
	}

	for _, name := range whisper.ModelNames() {
		if path, ok := have[name]; ok {
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s installed  %s\n", name, path)
			continue
		}
		model, _ := whisper.LookupModel(name)
		fmt.Fprintf(cmd.OutOrStdout(), "%-10s missing    ~%d MiB\n", name, model.SizeMiB)
	}
	return nil
}
