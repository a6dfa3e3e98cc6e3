package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Application directory name and config file name for the operator CLI.
const (
	appName        = "elephant-errors"
	configFileName = "config.toml"
)

// Output format values accepted by the CLI.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Environment variable names for CLI overrides.
const (
	EnvCLIConfig = "ELEPHANT_ERRORS_CONFIG"
	EnvCLITable  = "ELEPHANT_ERRORS_TABLE"
	EnvCLIRegion = "ELEPHANT_ERRORS_REGION"
)

// File is the operator CLI configuration parsed from a TOML file.
type File struct {
	Table   TableSection   `toml:"table"`
	Output  OutputSection  `toml:"output"`
	Logging LoggingSection `toml:"logging"`
}

// TableSection names the workflow-errors table and its region.
type TableSection struct {
	Name   string `toml:"name"`
	Region string `toml:"region"`
}

// OutputSection controls CLI rendering.
type OutputSection struct {
	Format string `toml:"format"`
}

// LoggingSection sets the CLI log level baseline; --verbose and --quiet
// override it.
type LoggingSection struct {
	Level string `toml:"level"`
}

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // ELEPHANT_ERRORS_CONFIG: override config file path
	Table      string // ELEPHANT_ERRORS_TABLE: table name override
	Region     string // ELEPHANT_ERRORS_REGION: region override
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. Callers apply the relevant fields during Resolve.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvCLIConfig),
		Table:      os.Getenv(EnvCLITable),
		Region:     os.Getenv(EnvCLIRegion),
	}
}

// CLIOverrides holds values set by command-line flags. Empty strings mean
// "not specified"; every value here wins over file and environment.
type CLIOverrides struct {
	ConfigPath string
	Table      string
	Region     string
	JSON       bool
}

// Resolved is the effective CLI configuration after the override chain.
type Resolved struct {
	TableName    string
	Region       string
	OutputFormat string
	LogLevel     string
}

// DefaultFile returns a File populated with defaults.
func DefaultFile() *File {
	return &File{
		Output: OutputSection{Format: FormatText},
	}
}

// DefaultConfigPath returns the full path of the default config file,
// ~/.config/elephant-errors/config.toml on Linux (XDG-aware).
func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName, configFileName)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", appName, configFileName)
}

// Load reads and parses a TOML config file. Unknown keys are fatal, with
// "did you mean?" suggestions: silently ignoring a typo in a config file
// leads to hard-to-debug behavior.
func Load(path string) (*File, error) {
	cfg := DefaultFile()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// defaults. Operators without a config file drive everything through env
// and flags.
func LoadOrDefault(path string) (*File, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultFile(), nil
	}

	return Load(path)
}

// Resolve applies the four-layer override chain: defaults -> config file
// -> environment variables -> CLI flags. The precedence order ensures
// flags always win, matching operator expectations for one-off overrides.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	resolved, err := ResolveLayers(env, cli)
	if err != nil {
		return nil, err
	}

	if err := validateResolved(resolved); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolved, nil
}

// ResolveLayers applies the override chain without validating the result.
// Commands that display configuration use it so a half-configured setup
// renders instead of erroring out.
func ResolveLayers(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Resolve config path: CLI > env > default.
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}
	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (defaults if no file exists).
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	resolved := &Resolved{
		TableName:    cfg.Table.Name,
		Region:       cfg.Table.Region,
		OutputFormat: cfg.Output.Format,
		LogLevel:     cfg.Logging.Level,
	}

	// 3. Apply env overrides.
	if env.Table != "" {
		resolved.TableName = env.Table
	}
	if env.Region != "" {
		resolved.Region = env.Region
	}

	// 4. Apply CLI overrides.
	if cli.Table != "" {
		resolved.TableName = cli.Table
	}
	if cli.Region != "" {
		resolved.Region = cli.Region
	}
	if cli.JSON {
		resolved.OutputFormat = FormatJSON
	}

	return resolved, nil
}

// validateResolved rejects unusable effective configurations.
func validateResolved(r *Resolved) error {
	if r.TableName == "" {
		return fmt.Errorf("table name not set: use [table] name in the config file, %s, or --table", EnvCLITable)
	}

	switch r.OutputFormat {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("unknown output format %q: use %q or %q", r.OutputFormat, FormatText, FormatJSON)
	}

	return nil
}
