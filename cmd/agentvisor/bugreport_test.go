package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ship-commander/agentvisor/internal/harness"
	"github.com/ship-commander/agentvisor/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReporter(home, cwd string, at time.Time) bugreporter {
	return bugreporter{
		now:     func() time.Time { return at },
		homeDir: func() (string, error) { return home, nil },
		workDir: func() (string, error) { return cwd, nil },
		logger:  testLogger(),
	}
}

func TestBugreportBundlesRedactedArtifacts(t *testing.T) {
	home, cwd := t.TempDir(), t.TempDir()
	base := time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
	writeLog(t, home, "log-1.log", `{"msg":"older","run_id":"stale"}`, base.Add(-4*time.Minute))
	writeLog(t, home, "log-2.log", `{"msg":"middle"}`, base.Add(-3*time.Minute))
	writeLog(t, home, "log-3.log", "{\"msg\":\"run settled\",\"run_id\":\"run-123\",\"trace_id\":\"trace-abc\"}\nnot json\n", base.Add(-2*time.Minute))
	writeLog(t, home, "log-4.log", `{"msg":"newest"}`, base.Add(-time.Minute))
	testutil.WriteFile(t, filepath.Join(home, ".agentvisor", "config.toml"),
		"[providers.claude]\nmodel = \"opus\"\n\n[providers.claude.env]\nANTHROPIC_API_KEY = \"sk-ant-secret\"\nPROXY_PASSWORD = \"hunter2\"\n")

	reporter := testReporter(home, cwd, time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC))
	reporter.probe = func(context.Context) []harness.Availability {
		return []harness.Availability{{Name: "claude", DisplayName: "Claude Code", Available: true, ResolvedPath: "/usr/local/bin/claude"}}
	}

	path, err := reporter.write(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, ".agentvisor-bugreport-20260211-100000.tar.gz"), path)

	contents := readArchive(t, path)
	for _, name := range []string{"README.txt", "config.home.toml", "config.project.toml", "providers.json", "version.txt", "last-run.txt"} {
		assert.Contains(t, contents, name)
	}
	assert.Contains(t, contents, "logs/log-4.log")
	assert.Contains(t, contents, "logs/log-2.log")
	assert.NotContains(t, contents, "logs/log-1.log", "only the newest three logs are bundled")

	homeConfig := contents["config.home.toml"]
	assert.NotContains(t, homeConfig, "sk-ant-secret")
	assert.NotContains(t, homeConfig, "hunter2")
	assert.Equal(t, 2, strings.Count(homeConfig, redactedValue))
	assert.Contains(t, homeConfig, `model = "opus"`)
	assert.Contains(t, contents["config.project.toml"], "config unavailable")

	assert.Equal(t, "run_id: run-123\ntrace_id: trace-abc\n", contents["last-run.txt"])
	assert.Contains(t, contents["README.txt"], "run-123")

	var availability []harness.Availability
	require.NoError(t, json.Unmarshal([]byte(contents["providers.json"]), &availability))
	require.Len(t, availability, 1)
	assert.Equal(t, "claude", availability[0].Name)
	assert.True(t, availability[0].Available)
}

func TestBugreportWarnsAboutMissingArtifacts(t *testing.T) {
	home, cwd := t.TempDir(), t.TempDir()
	testutil.WriteFile(t, filepath.Join(cwd, ".agentvisor", "config.toml"), "default_provider = [unterminated\n")

	path, err := testReporter(home, cwd, time.Date(2026, 2, 11, 11, 0, 0, 0, time.UTC)).write(context.Background())
	require.NoError(t, err)

	contents := readArchive(t, path)
	readme := contents["README.txt"]
	assert.Contains(t, readme, "unable to read logs directory")
	assert.Contains(t, readme, "no run_id/trace_id found")
	assert.Contains(t, readme, "unable to parse")
	assert.Contains(t, contents["config.home.toml"], "config unavailable")
	assert.Contains(t, contents["config.project.toml"], "could not be parsed")
	assert.Equal(t, "null", strings.TrimSpace(contents["providers.json"]))
}

func TestBugreportRejectsUnusableHome(t *testing.T) {
	reporter := testReporter("", t.TempDir(), time.Now())
	_, err := reporter.write(context.Background())
	assert.ErrorContains(t, err, "home directory is not valid")

	reporter.homeDir = func() (string, error) { return "", errors.New("no passwd entry") }
	_, err = reporter.write(context.Background())
	assert.ErrorContains(t, err, "no passwd entry")
}

func TestRedactConfigMasksNestedCredentials(t *testing.T) {
	got, err := redactConfig([]byte("log_level = \"debug\"\n[providers.codex.env]\nOPENAI_API_KEY = \"abc\"\n\"auth_token\" = 'def'\n[providers.codex]\nmodel = \"gpt-5\"\n"))
	require.NoError(t, err)

	assert.NotContains(t, got, "abc")
	assert.NotContains(t, got, "def")
	assert.Equal(t, 2, strings.Count(got, redactedValue))
	assert.Contains(t, got, `model = "gpt-5"`)
	assert.Contains(t, got, `log_level = "debug"`)
}

func TestLastCorrelationPrefersNewestLine(t *testing.T) {
	runID, traceID := lastCorrelation([]byte("{\"run_id\":\"a\",\"trace_id\":\"t-a\"}\n{\"run_id\":\"b\"}\n{\"msg\":\"no ids\"}\n"))
	assert.Equal(t, "b", runID)
	assert.Empty(t, traceID)

	runID, traceID = lastCorrelation([]byte("garbage"))
	assert.Empty(t, runID)
	assert.Empty(t, traceID)
}

func TestNewestFiles(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("log-%d.log", i))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
		mod := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mod, mod))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o750))

	files, err := newestFiles(dir, 2)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "log-4.log", filepath.Base(files[0].path))
	assert.Equal(t, "log-3.log", filepath.Base(files[1].path))
}

func writeLog(t *testing.T, home, name, content string, modTime time.Time) {
	t.Helper()
	path := filepath.Join(home, ".agentvisor", "logs", name)
	testutil.WriteFile(t, path, content)
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()

	// #nosec G304 -- archive lives in a test temp directory.
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	gz, err := gzip.NewReader(file)
	require.NoError(t, err)
	defer gz.Close()

	files := map[string]string{}
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[header.Name] = string(data)
	}
	require.NotEmpty(t, files)
	return files
}
