package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/elephant-oracle/workflow-errors/internal/config"
	"github.com/elephant-oracle/workflow-errors/internal/store"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagTable      string
	flagRegion     string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that bypass the validated four-layer
// config resolution because they load configuration themselves. config show
// uses it to render half-configured setups instead of failing on them.
const skipConfigAnnotation = "skipConfig"

// GlobalFlags mirrors the persistent flag values for subcommand use.
type GlobalFlags struct {
	ConfigPath string
	Table      string
	Region     string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries the resolved configuration, logger, and flag values to
// subcommands. The root command's PersistentPreRunE builds one and attaches
// it to the command context.
type CLIContext struct {
	Cfg    *config.Resolved
	Flags  GlobalFlags
	Logger *slog.Logger
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext attached by the root pre-run. It
// panics when called from a command that skipped config loading: that is a
// wiring mistake in the command tree, not an operator error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLI context not initialized: command missing root pre-run")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "elephant-errors",
		Short:   "Operate the workflow error table",
		Long:    "Inspect and resolve errors recorded for county data-processing executions.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		// PersistentPreRunE resolves configuration and builds the logger
		// before every command. Commands carrying skipConfigAnnotation load
		// config themselves and bypass the validated resolution.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return initCLIContext(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagTable, "table", "", "workflow-errors table name")
	cmd.PersistentFlags().StringVar(&flagRegion, "region", "", "AWS region of the table")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	// Register subcommands.
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newUnresolvableCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// initCLIContext resolves the effective configuration from the four-layer
// override chain and attaches a CLIContext to the command's context for use
// by its RunE.
func initCLIContext(cmd *cobra.Command) error {
	flags := collectGlobalFlags()

	resolved, err := config.Resolve(config.ReadEnvOverrides(), config.CLIOverrides{
		ConfigPath: flags.ConfigPath,
		Table:      flags.Table,
		Region:     flags.Region,
		JSON:       flags.JSON,
	})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cc := &CLIContext{
		Cfg:    resolved,
		Flags:  flags,
		Logger: buildLogger(resolved),
	}

	cmd.SetContext(withCLIContext(cmd.Context(), cc))

	return nil
}

// collectGlobalFlags snapshots the persistent flag globals.
func collectGlobalFlags() GlobalFlags {
	return GlobalFlags{
		ConfigPath: flagConfigPath,
		Table:      flagTable,
		Region:     flagRegion,
		JSON:       flagJSON,
		Verbose:    flagVerbose,
		Quiet:      flagQuiet,
	}
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. The config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win. Interactive terminals
// get text output, pipes and cron get JSON.
func buildLogger(resolved *config.Resolved) *slog.Logger {
	level := slog.LevelWarn

	// Config-based log level (lower priority than CLI flags).
	if resolved != nil {
		switch resolved.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	// CLI flags override config (highest priority).
	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// newStoreClient builds the DynamoDB-backed store from the resolved
// configuration. Kept out of the pre-run so commands that never touch the
// table do not pay for AWS credential resolution.
func newStoreClient(ctx context.Context, cc *CLIContext) (*store.Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cc.Cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cc.Cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	return store.New(dynamodb.NewFromConfig(awsCfg), cc.Cfg.TableName, cc.Logger), nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
