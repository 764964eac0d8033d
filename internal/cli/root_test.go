package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "xrmsim", cmd.Use)
	assert.Contains(t, cmd.Long, "Postoperation")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"validate", "test", "trace", "exec"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			require.NotNil(t, sub)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "false", verbose.DefValue)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	config := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, config)
	assert.Equal(t, "c", config.Shorthand)
}

func TestExecCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	execCmd, _, err := cmd.Find([]string{"exec"})
	require.NoError(t, err)

	for _, name := range []string{"db", "message", "entity", "id", "attrs", "params", "columns", "step", "metrics"} {
		assert.NotNil(t, execCmd.Flags().Lookup(name), "flag %s", name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := runCommand(t, "validate", "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestConfigFlag(t *testing.T) {
	simDir(t, "")
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: yaml\n"), 0o644))

	out, err := runCommand(t, "--config", path, "exec", "--message", "WhoAmI")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "load config")

	_, err = runCommand(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "exec", "--message", "WhoAmI")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
