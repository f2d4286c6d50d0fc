package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/taintmap/internal/bench"
)

// benchArgs keeps the workload small enough for unit tests.
var benchArgs = []string{
	"bench",
	"--goroutines", "2",
	"--ops", "500",
	"--capacity", "64",
	"--gc-interval", "0",
	"--no-color",
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)

	err := root.Execute()

	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)

	assert.Contains(t, out, "taintmap ")
	assert.Contains(t, out, "commit:")
}

func TestBenchCommand_Table(t *testing.T) {
	out, err := execute(t, benchArgs...)
	require.NoError(t, err)

	assert.Contains(t, out, "Taint map workload")
	assert.Contains(t, out, "Operations")
}

func TestBenchCommand_JSON(t *testing.T) {
	out, err := execute(t, append(benchArgs, "--format", bench.FormatJSON)...)
	require.NoError(t, err)

	var res bench.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))

	assert.Equal(t, int64(2*500), res.Ops)
	assert.Equal(t, 64, res.Statistics.Capacity)
	assert.Equal(t, 2, res.Workload.Goroutines)
}

func TestBenchCommand_InlineYAML(t *testing.T) {
	out, err := execute(t, append(benchArgs, "--inline", "--format", bench.FormatYAML)...)
	require.NoError(t, err)

	assert.Contains(t, out, "flat: false")
	assert.Contains(t, out, "statistics:")
}

func TestBenchCommand_Plot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.html")

	_, err := execute(t, append(benchArgs, "--format", bench.FormatJSON, "--plot", path)...)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Taint map chain lengths")
}

func TestBenchCommand_Errors(t *testing.T) {
	_, err := execute(t, append(benchArgs, "--format", "xml")...)
	require.ErrorIs(t, err, bench.ErrUnknownFormat)

	_, err = execute(t, append(benchArgs, "--churn", "2")...)
	require.ErrorIs(t, err, bench.ErrInvalidChurn)

	_, err = execute(t, "bench", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestBenchCommand_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taintmap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("iast:\n  map:\n    capacity: 32\n"), 0o600))

	out, err := execute(t, "bench", "--config", path,
		"--goroutines", "1", "--ops", "100", "--gc-interval", "0", "--format", bench.FormatJSON)
	require.NoError(t, err)

	var res bench.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 32, res.Statistics.Capacity)
}
