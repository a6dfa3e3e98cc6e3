package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/elephant-oracle/workflow-errors/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		// Bypasses the validated pre-run so operators can inspect a
		// half-configured setup: a missing table name renders as "(not set)"
		// instead of failing the command.
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(*cobra.Command, []string) error {
			return showConfig(os.Stdout)
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "path",
		Short:       "Print the config file path in effect",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(*cobra.Command, []string) error {
			fmt.Println(configPathInEffect())

			return nil
		},
	}
}

// configView is the JSON projection of the effective configuration.
type configView struct {
	Table  string `json:"table"`
	Region string `json:"region,omitempty"`
	Output string `json:"output"`
	Level  string `json:"level,omitempty"`
}

func showConfig(w io.Writer) error {
	resolved, err := config.ResolveLayers(config.ReadEnvOverrides(), config.CLIOverrides{
		ConfigPath: flagConfigPath,
		Table:      flagTable,
		Region:     flagRegion,
		JSON:       flagJSON,
	})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if resolved.OutputFormat == config.FormatJSON {
		return printJSON(w, configView{
			Table:  resolved.TableName,
			Region: resolved.Region,
			Output: resolved.OutputFormat,
			Level:  resolved.LogLevel,
		})
	}

	printResolvedText(w, resolved)

	return nil
}

func printResolvedText(w io.Writer, r *config.Resolved) {
	table := r.TableName
	if table == "" {
		table = "(not set)"
	}

	region := r.Region
	if region == "" {
		region = "(SDK default chain)"
	}

	level := r.LogLevel
	if level == "" {
		level = "warn"
	}

	fmt.Fprintf(w, "Table:   %s\n", table)
	fmt.Fprintf(w, "Region:  %s\n", region)
	fmt.Fprintf(w, "Output:  %s\n", r.OutputFormat)
	fmt.Fprintf(w, "Level:   %s\n", level)
}

// configPathInEffect mirrors the path resolution inside the config loader:
// flag beats environment beats the XDG default.
func configPathInEffect() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}

	if env := os.Getenv(config.EnvCLIConfig); env != "" {
		return env
	}

	return config.DefaultConfigPath()
}
