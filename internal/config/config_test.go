package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiswarm/swarmd/internal/tracing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, "127.0.0.1:7338", cfg.ListenAddr)
	require.Equal(t, 5*time.Minute, cfg.Agents.HeartbeatTimeout)
	require.Equal(t, 30*time.Second, cfg.Agents.CheckInterval)
	require.Equal(t, 30*time.Second, cfg.Tasks.DefaultWait)
	require.False(t, cfg.Tracing.Enabled)

	require.NoError(t, Validate(cfg), "defaults must validate")
}

func TestValidate_NegativeDurations(t *testing.T) {
	cfg := Defaults()
	cfg.Agents.HeartbeatTimeout = -time.Second
	require.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Agents.CheckInterval = -time.Second
	require.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Tasks.DefaultWait = -time.Second
	require.Error(t, Validate(cfg))
}

func TestValidateTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     tracing.Config
		wantErr bool
	}{
		{
			name: "valid defaults",
			cfg:  tracing.DefaultConfig(),
		},
		{
			name:    "sample rate too high",
			cfg:     tracing.Config{SampleRate: 1.5},
			wantErr: true,
		},
		{
			name:    "sample rate negative",
			cfg:     tracing.Config{SampleRate: -0.1},
			wantErr: true,
		},
		{
			name:    "unknown exporter",
			cfg:     tracing.Config{Exporter: "jaeger", SampleRate: 1.0},
			wantErr: true,
		},
		{
			name:    "file exporter requires path when enabled",
			cfg:     tracing.Config{Enabled: true, Exporter: "file", SampleRate: 1.0},
			wantErr: true,
		},
		{
			name: "file exporter without enabled is fine",
			cfg:  tracing.Config{Exporter: "file", SampleRate: 1.0},
		},
		{
			name:    "otlp exporter requires endpoint when enabled",
			cfg:     tracing.Config{Enabled: true, Exporter: "otlp", SampleRate: 1.0},
			wantErr: true,
		},
		{
			name: "otlp exporter with endpoint",
			cfg:  tracing.Config{Enabled: true, Exporter: "otlp", OTLPEndpoint: "localhost:4317", SampleRate: 1.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTracing(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".aiswarm", "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "listen_addr")
	require.Contains(t, string(data), "heartbeat_timeout")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestDefaultTracesFilePath(t *testing.T) {
	got := DefaultTracesFilePath("/work")
	require.Equal(t, filepath.Join("/work", ".aiswarm", "traces", "traces.jsonl"), got)
}
