package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHandlerFromEnv(t *testing.T) {
	t.Setenv(EnvTableName, "workflow-errors")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := EventHandlerFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "workflow-errors", cfg.TableName)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestEventHandlerFromEnvFailsFast(t *testing.T) {
	t.Setenv(EnvTableName, "")

	_, err := EventHandlerFromEnv()
	require.Error(t, err)

	var missing *MissingEnvError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{EnvTableName}, missing.Names)
}

func TestCountHandlerFromEnv(t *testing.T) {
	t.Setenv(EnvTableName, "workflow-errors")

	cfg, err := CountHandlerFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "workflow-errors", cfg.TableName)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestResolverFromEnv(t *testing.T) {
	t.Setenv(EnvTableName, "workflow-errors")
	t.Setenv(EnvTransformWorker, "elephant-transform")
	t.Setenv(EnvSVLWorker, "elephant-svl")
	t.Setenv(EnvOutputPrefix, "s3://elephant-output/restarts")
	t.Setenv(EnvMetricNamespace, "")

	cfg, err := ResolverFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "workflow-errors", cfg.TableName)
	assert.Equal(t, "elephant-transform", cfg.TransformWorker)
	assert.Equal(t, "elephant-svl", cfg.SVLWorker)
	assert.Equal(t, "s3://elephant-output/restarts", cfg.OutputPrefix)
	assert.Equal(t, DefaultMetricNamespace, cfg.MetricNamespace)
}

func TestResolverFromEnvListsEveryMissingVariable(t *testing.T) {
	t.Setenv(EnvTableName, "workflow-errors")
	t.Setenv(EnvTransformWorker, "")
	t.Setenv(EnvSVLWorker, "")
	t.Setenv(EnvOutputPrefix, "")

	_, err := ResolverFromEnv()
	require.Error(t, err)

	var missing *MissingEnvError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{EnvTransformWorker, EnvSVLWorker, EnvOutputPrefix}, missing.Names)
	assert.Contains(t, err.Error(), EnvSVLWorker)
}

func TestResolverFromEnvKeepsCustomNamespace(t *testing.T) {
	t.Setenv(EnvTableName, "workflow-errors")
	t.Setenv(EnvTransformWorker, "elephant-transform")
	t.Setenv(EnvSVLWorker, "elephant-svl")
	t.Setenv(EnvOutputPrefix, "s3://elephant-output/restarts")
	t.Setenv(EnvMetricNamespace, "ElephantStaging")

	cfg, err := ResolverFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "ElephantStaging", cfg.MetricNamespace)
}

func TestLogLevelFromEnv(t *testing.T) {
	tests := []struct {
		value string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"garbage", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run("level "+tt.value, func(t *testing.T) {
			t.Setenv(EnvLogLevel, tt.value)
			assert.Equal(t, tt.want, LogLevelFromEnv())
		})
	}
}
