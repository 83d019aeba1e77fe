// Command nexuslive runs a live voice conversation between the local
// microphone and speaker and a hosted speech-to-speech model.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/nexuslive/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nexuslive",
		Short:         "Talk to a speech-to-speech model in real time",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "nexuslive.yaml", "path to the YAML configuration file")

	root.AddCommand(newRunCmd(), newCheckConfigCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a live voice session",
		Long: `Start a live voice session with the configured provider and devices.

While running, type "m" and press Enter to toggle the microphone, or "q" to
end the session. Ctrl+C also ends it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(path)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "nexuslive:", err)
				return err
			}
			err = run(cmd.Context(), path, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "nexuslive:", err)
			}
			return err
		},
	}
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(path)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "nexuslive:", err)
				return err
			}
			printSummary(cmd.OutOrStdout(), path, cfg)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "nexuslive", version)
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found", path)
	}
	return cfg, err
}

func printSummary(w io.Writer, path string, cfg *config.Config) {
	orNone := func(s string) string {
		if s == "" {
			return "(not configured)"
		}
		return s
	}
	provider := orNone(cfg.Provider.Name)
	if cfg.Provider.Model != "" {
		provider += " / " + cfg.Provider.Model
	}
	transcript := "memory"
	if cfg.Transcript.PostgresDSN != "" {
		transcript = "postgres"
	}

	fmt.Fprintf(w, "config      %s: ok\n", path)
	fmt.Fprintf(w, "provider    %s\n", provider)
	fmt.Fprintf(w, "input       %s\n", deviceLabel(cfg.Devices.Input))
	fmt.Fprintf(w, "output      %s\n", deviceLabel(cfg.Devices.Output))
	fmt.Fprintf(w, "history     %d configured turns\n", len(cfg.Session.History))
	fmt.Fprintf(w, "transcript  %s\n", transcript)
	fmt.Fprintf(w, "listen      %s\n", orNone(cfg.Server.ListenAddr))
}

func deviceLabel(d config.DeviceEntry) string {
	name := d.Name
	if name == "" {
		name = defaultDevice
	}
	if d.Path != "" {
		return name + " (" + d.Path + ")"
	}
	return name
}
