// Package config resolves the runtime configuration of the workflow-errors
// handlers and the operator CLI.
//
// Handler binaries read everything from the environment and fail fast at
// startup, reporting every missing variable in one error instead of dying
// on the first. The CLI layers defaults, a TOML config file, environment
// variables, and flags; see cli.go.
package config

import (
	"log/slog"
	"os"
	"strings"
)

// Environment variable names read by the handler binaries.
const (
	EnvTableName       = "WORKFLOW_ERRORS_TABLE_NAME"
	EnvTransformWorker = "TRANSFORM_WORKER_FUNCTION_NAME"
	EnvSVLWorker       = "SVL_WORKER_FUNCTION_NAME"
	EnvOutputPrefix    = "OUTPUT_S3_PREFIX"
	EnvMetricNamespace = "CLOUDWATCH_METRIC_NAMESPACE"
	EnvLogLevel        = "LOG_LEVEL"
)

// DefaultMetricNamespace is used when CLOUDWATCH_METRIC_NAMESPACE is unset.
const DefaultMetricNamespace = "ExecutionRestart"

// MissingEnvError lists every required environment variable that was unset
// or empty at startup.
type MissingEnvError struct {
	Names []string
}

func (e *MissingEnvError) Error() string {
	return "config: missing required environment variables: " + strings.Join(e.Names, ", ")
}

// EventHandler holds the configuration of the event-handler binary, which
// only writes to the table.
type EventHandler struct {
	TableName string
	LogLevel  slog.Level
}

// EventHandlerFromEnv reads the event handler's configuration.
func EventHandlerFromEnv() (*EventHandler, error) {
	vals, err := requireEnv(EnvTableName)
	if err != nil {
		return nil, err
	}

	return &EventHandler{
		TableName: vals[EnvTableName],
		LogLevel:  LogLevelFromEnv(),
	}, nil
}

// CountHandler holds the configuration of the count-handler binary. Task
// token callbacks need no configuration beyond credentials, so the table
// is its only required value.
type CountHandler struct {
	TableName string
	LogLevel  slog.Level
}

// CountHandlerFromEnv reads the count handler's configuration.
func CountHandlerFromEnv() (*CountHandler, error) {
	vals, err := requireEnv(EnvTableName)
	if err != nil {
		return nil, err
	}

	return &CountHandler{
		TableName: vals[EnvTableName],
		LogLevel:  LogLevelFromEnv(),
	}, nil
}

// Resolver holds the configuration of the error-resolver binary: the table
// plus the two worker functions it restarts validation through, the output
// prefix passed to them, and the metric namespace.
type Resolver struct {
	TableName       string
	TransformWorker string
	SVLWorker       string
	OutputPrefix    string
	MetricNamespace string
	LogLevel        slog.Level
}

// ResolverFromEnv reads the error resolver's configuration.
func ResolverFromEnv() (*Resolver, error) {
	vals, err := requireEnv(EnvTableName, EnvTransformWorker, EnvSVLWorker, EnvOutputPrefix)
	if err != nil {
		return nil, err
	}

	namespace := os.Getenv(EnvMetricNamespace)
	if namespace == "" {
		namespace = DefaultMetricNamespace
	}

	return &Resolver{
		TableName:       vals[EnvTableName],
		TransformWorker: vals[EnvTransformWorker],
		SVLWorker:       vals[EnvSVLWorker],
		OutputPrefix:    vals[EnvOutputPrefix],
		MetricNamespace: namespace,
		LogLevel:        LogLevelFromEnv(),
	}, nil
}

// LogLevelFromEnv maps LOG_LEVEL onto an slog level. Unset or unrecognized
// values fall back to Info.
func LogLevelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv(EnvLogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// requireEnv reads the named variables and collects every missing one into
// a single MissingEnvError so operators see the full list at once.
func requireEnv(names ...string) (map[string]string, error) {
	vals := make(map[string]string, len(names))
	var missing []string

	for _, name := range names {
		v := os.Getenv(name)
		if v == "" {
			missing = append(missing, name)
			continue
		}
		vals[name] = v
	}

	if len(missing) > 0 {
		return nil, &MissingEnvError{Names: missing}
	}

	return vals, nil
}
