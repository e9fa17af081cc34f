package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func writeProject(t *testing.T, extra string) (dir, configPath string) {
	t.Helper()
	dir = t.TempDir()
	csvPath := filepath.Join(dir, "items.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("id,description\n1,a\n2,b\n2,again\n"), 0o644))

	cfg := fmt.Sprintf(`
sources:
  - name: items
    type: csv
    params: {path: %q}
schema:
  primary_key: content_id
  fields:
    - {column: id, target: content_id}
    - {column: description, target: text}
io:
  workspace_dir: %q
  output_format: jsonl
llm:
  text_column: text
  template: "Summarize: {text}"
%s`, csvPath, filepath.Join(dir, "out"), extra)
	configPath = filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o644))
	return dir, configPath
}

func TestRunCommand(t *testing.T) {
	dir, configPath := writeProject(t, "")
	ledger := filepath.Join(dir, "ledger")
	metricsFile := filepath.Join(dir, "datamesh.prom")

	var out bytes.Buffer
	err := newApp(&out).Run([]string{"datamesh", "--log-level", "error", "run",
		"--config", configPath, "--ledger", ledger, "--metrics-file", metricsFile, "--progress", "1"})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "2 records (0 rejected, 1 duplicates)")
	assert.Contains(t, out.String(), filepath.Join(dir, "out", "dataset.jsonl"))
	assert.Contains(t, out.String(), filepath.Join(dir, "out", "dataset.llm.jsonl"))

	data, err := os.ReadFile(filepath.Join(dir, "out", "dataset.llm.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{\"prompt\":\"Summarize: a\"}\n{\"prompt\":\"Summarize: b\"}\n", string(data))

	prom, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `datamesh_records_total{outcome="duplicate",source="items"} 1`)

	out.Reset()
	err = newApp(&out).Run([]string{"datamesh", "runs", "--ledger", ledger})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "RUN ID"))
	runID := strings.Fields(lines[1])[0]

	out.Reset()
	err = newApp(&out).Run([]string{"datamesh", "runs", "--ledger", ledger, "--id", runID})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "run "+runID+": 2 records")
	assert.Contains(t, out.String(), filepath.Join(dir, "out", "dataset.llm.jsonl"))

	err = newApp(&bytes.Buffer{}).Run([]string{"datamesh", "runs", "--ledger", ledger, "--id", "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestSnapshotsCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			w.Write([]byte(`[{"id": 9, "description": "nine"}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	dir, configPath := writeProject(t, "")
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	withAPI := strings.Replace(string(data), "schema:", fmt.Sprintf(`  - name: api
    type: rest
    params: {endpoint: %q}
schema:`, srv.URL), 1)
	require.NoError(t, os.WriteFile(configPath, []byte(withAPI), 0o644))
	ledger := filepath.Join(dir, "ledger")

	err = newApp(&bytes.Buffer{}).Run([]string{"datamesh", "--log-level", "error", "run",
		"--config", configPath, "--ledger", ledger, "--snapshots", "record"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, newApp(&out).Run([]string{"datamesh", "snapshots", "-c", configPath, "--ledger", ledger}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"api", "1-2", "(2)", "stored"}, strings.Fields(lines[1]))

	err = newApp(&bytes.Buffer{}).Run([]string{"datamesh", "snapshots", "-c", configPath, "--ledger", ledger, "--source", "items"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only rest sources")

	err = newApp(&bytes.Buffer{}).Run([]string{"datamesh", "snapshots", "-c", configPath, "--ledger", ledger, "--source", "ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")

	out.Reset()
	require.NoError(t, newApp(&out).Run([]string{"datamesh", "snapshots", "-c", configPath, "--ledger", ledger, "--source", "api", "--clear"}))
	assert.Contains(t, out.String(), "cleared")

	out.Reset()
	require.NoError(t, newApp(&out).Run([]string{"datamesh", "snapshots", "-c", configPath, "--ledger", ledger}))
	assert.Contains(t, out.String(), "none")

	err = newApp(&bytes.Buffer{}).Run([]string{"datamesh", "snapshots", "-c", configPath})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ledger path")
}

func TestRunCommandFailure(t *testing.T) {
	dir, configPath := writeProject(t, "")
	require.NoError(t, os.Remove(filepath.Join(dir, "items.csv")))

	err := newApp(&bytes.Buffer{}).Run([]string{"datamesh", "run", "--config", configPath})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
	_, statErr := os.Stat(filepath.Join(dir, "out", "dataset.jsonl"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunCommandFlags(t *testing.T) {
	_, configPath := writeProject(t, "")

	t.Run("config is required", func(t *testing.T) {
		err := newApp(&bytes.Buffer{}).Run([]string{"datamesh", "run"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config")
	})

	t.Run("invalid policy", func(t *testing.T) {
		err := newApp(&bytes.Buffer{}).Run([]string{"datamesh", "run", "--config", configPath, "--policy", "ignore"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "policy")
	})

	t.Run("snapshots need a ledger", func(t *testing.T) {
		err := newApp(&bytes.Buffer{}).Run([]string{"datamesh", "run", "--config", configPath, "--snapshots", "replay"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ledger")
	})

	t.Run("runs needs a ledger", func(t *testing.T) {
		err := newApp(&bytes.Buffer{}).Run([]string{"datamesh", "runs"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ledger")
	})

	t.Run("runs limit has default value of 20", func(t *testing.T) {
		app := newApp(&bytes.Buffer{})
		var limit *cli.IntFlag
		for _, cmd := range app.Commands {
			if cmd.Name != "runs" {
				continue
			}
			for _, flag := range cmd.Flags {
				if f, ok := flag.(*cli.IntFlag); ok && f.Name == "limit" {
					limit = f
				}
			}
		}
		require.NotNil(t, limit)
		assert.Equal(t, 20, limit.Value)
	})
}

func TestValidateCommand(t *testing.T) {
	_, configPath := writeProject(t, "")
	var out bytes.Buffer
	require.NoError(t, newApp(&out).Run([]string{"datamesh", "validate", "-c", configPath}))
	assert.Contains(t, out.String(), "config ok")
	assert.Contains(t, out.String(), "schema: content_id:string, text:string (primary key content_id)")

	_, badPath := writeProject(t, "policy: sometimes\n")
	err := newApp(&out).Run([]string{"datamesh", "validate", "-c", badPath})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestSetupLogger(t *testing.T) {
	t.Run("valid log levels", func(t *testing.T) {
		testCases := []struct {
			input    string
			expected slog.Level
		}{
			{"debug", slog.LevelDebug},
			{"info", slog.LevelInfo},
			{"warn", slog.LevelWarn},
			{"error", slog.LevelError},
			{"WARN", slog.LevelWarn},
		}

		for _, tc := range testCases {
			t.Run(tc.input, func(t *testing.T) {
				app := &cli.App{
					Name: "test",
					Flags: []cli.Flag{
						&cli.StringFlag{Name: "log-level", Value: tc.input},
					},
					Before: setupLogger,
					Action: func(c *cli.Context) error { return nil },
				}
				require.NoError(t, app.Run([]string{"test", "--log-level", tc.input}))
				assert.True(t, slog.Default().Enabled(t.Context(), tc.expected))
				if tc.expected > slog.LevelDebug {
					assert.False(t, slog.Default().Enabled(t.Context(), tc.expected-4))
				}
			})
		}
	})

	t.Run("invalid log level", func(t *testing.T) {
		err := newApp(&bytes.Buffer{}).Run([]string{"datamesh", "--log-level", "verbose", "runs", "--ledger", t.TempDir()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})
}
