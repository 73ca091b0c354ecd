package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fmueller/livewhisper/internal/platform"
	"github.com/fmueller/livewhisper/internal/record"
)

func newDevicesCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List recording devices and backend diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt := platform.CurrentRuntime()
			backends := record.DefaultBackends(rt.OS)
			if len(backends) == 0 {
				return fmt.Errorf("unsupported platform: %s/%s", rt.OS, rt.Arch)
			}

			auto := ""
			if selected, err := record.SelectBackend(backends, "auto"); err == nil {
				auto = selected.Name()
			}

			out := cmd.OutOrStdout()
			for _, backend := range backends {
				header := backend.Name()
				if header == auto {
					header += " (auto)"
				}
				fmt.Fprintf(out, "== %s ==\n", header)
				if !backend.Available() {
					fmt.Fprintln(out, "not available on PATH")
					fmt.Fprintln(out)
					continue
				}

				devices, err := backend.ListDevices(cmd.Context())
				if err != nil {
					app.log().Debug("listing devices failed", zap.String("backend", backend.Name()), zap.Error(err))
					fmt.Fprintf(out, "failed to list devices: %v\n\n", err)
					continue
				}

				if devices == "" {
					fmt.Fprintln(out, "no output")
					fmt.Fprintln(out)
					continue
				}

				fmt.Fprintln(out, devices)
				fmt.Fprintln(out)
			}

			return nil
		},
	}
}
