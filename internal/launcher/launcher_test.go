package launcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aiswarm/swarmd/internal/mcp"
)

func newDryRunLauncher(t *testing.T, cfg Config) *Launcher {
	t.Helper()
	cfg.DryRun = true
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = t.TempDir()
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://127.0.0.1:7338/mcp"
	}
	return New(cfg, newTestLoader(t, ""), nil)
}

func TestLauncher_DryRunCommand(t *testing.T) {
	l := newDryRunLauncher(t, Config{})

	result, err := l.Launch(context.Background(), mcp.LaunchRequest{
		AgentID:     "agent-1",
		Persona:     "implementer",
		Description: "build the feature",
		Yolo:        true,
	})
	require.NoError(t, err)
	require.Zero(t, result.PID)

	require.True(t, strings.HasPrefix(result.Command, DefaultExecutable+" "))
	require.Contains(t, result.Command, "--mcp-config")
	require.Contains(t, result.Command, "--dangerously-skip-permissions")
	// Model comes from the persona front matter when not overridden.
	require.Contains(t, result.Command, "--model sonnet")
	require.Contains(t, result.Command, "agent-1")
}

func TestLauncher_ModelOverride(t *testing.T) {
	l := newDryRunLauncher(t, Config{})

	result, err := l.Launch(context.Background(), mcp.LaunchRequest{
		AgentID: "agent-1",
		Persona: "implementer",
		Model:   "opus",
	})
	require.NoError(t, err)
	require.Contains(t, result.Command, "--model opus")
}

func TestLauncher_NoYoloOmitsFlag(t *testing.T) {
	l := newDryRunLauncher(t, Config{})

	result, err := l.Launch(context.Background(), mcp.LaunchRequest{
		AgentID: "agent-1",
		Persona: "implementer",
	})
	require.NoError(t, err)
	require.NotContains(t, result.Command, "--dangerously-skip-permissions")
}

func TestLauncher_CustomExecutable(t *testing.T) {
	l := newDryRunLauncher(t, Config{Executable: "my-agent"})

	result, err := l.Launch(context.Background(), mcp.LaunchRequest{
		AgentID: "agent-1",
		Persona: "implementer",
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(result.Command, "my-agent "))
}

func TestLauncher_UnknownPersona(t *testing.T) {
	l := newDryRunLauncher(t, Config{})

	_, err := l.Launch(context.Background(), mcp.LaunchRequest{
		AgentID: "agent-1",
		Persona: "astronaut",
	})
	require.ErrorIs(t, err, ErrPersonaNotFound)
}

func TestLauncher_WorktreeWithoutGit(t *testing.T) {
	l := newDryRunLauncher(t, Config{})

	_, err := l.Launch(context.Background(), mcp.LaunchRequest{
		AgentID:      "agent-1",
		Persona:      "implementer",
		WorktreeName: "feature-x",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "git is unavailable")
}

func TestLauncher_WorkDir(t *testing.T) {
	l := newDryRunLauncher(t, Config{WorkingDir: "/proj"})

	got, err := l.WorkDir(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "/proj", got)

	_, err = l.WorkDir(context.Background(), "feature-x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "git is unavailable")
}
