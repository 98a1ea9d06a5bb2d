// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/suture/internal/config"
	"github.com/xkilldash9x/suture/internal/observability"
)

// executeCommand runs a fresh command tree and returns its combined output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(observability.ResetForTest)

	rootCmd := NewRootCommand()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// writeFile creates a file under a test temp dir.
func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestVersionCmd(t *testing.T) {
	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "suture "+Version+"\n", out)
}

func TestRootCmd_NoArgs(t *testing.T) {
	out, err := executeCommand(t)
	require.NoError(t, err)
	assert.Contains(t, out, "self-healing element location")
}

func TestRootCmd_InvalidConfigFile(t *testing.T) {
	cfgPath := writeFile(t, "config.yaml", "healing:\n  vision_mode: sometimes\n")
	scenario := writeFile(t, "s.yaml", "steps:\n  - action: click\n    target: Go\n")

	_, err := executeCommand(t, "--config", cfgPath, "run", scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load or validate config")
}

func TestRootCmd_MalformedConfigFile(t *testing.T) {
	cfgPath := writeFile(t, "config.yaml", "healing: [unclosed\n")
	scenario := writeFile(t, "s.yaml", "steps:\n  - action: click\n    target: Go\n")

	_, err := executeCommand(t, "--config", cfgPath, "run", scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, config.Interface(cfg)))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestNormalizeCmd(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		out, err := executeCommand(t, "normalize", "testid=add-to-cart", "Continue Shopping")
		require.NoError(t, err)
		assert.Contains(t, out, "TEST_ID")
		assert.Contains(t, out, "FREE_TEXT")
		assert.Contains(t, out, `"Continue Shopping"`)
	})

	t.Run("json", func(t *testing.T) {
		out, err := executeCommand(t, "normalize", "--json", "testid=add-to-cart")
		require.NoError(t, err)

		var got normalizedOutput
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, "TEST_ID", got.Kind)
		assert.Equal(t, "add-to-cart", got.Value)
		assert.Equal(t, "testid=add-to-cart", got.Raw)
		assert.NotEmpty(t, got.Description)
	})

	t.Run("requires an argument", func(t *testing.T) {
		_, err := executeCommand(t, "normalize")
		assert.Error(t, err)
	})
}
