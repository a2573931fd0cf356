package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slackpush/internal/storage"
	logx "slackpush/pkg/logx"
)

const sampleBuild = `{"buildid": 42, "number": 7, "url": "https://ci.example.org/#builders/1/builds/7",
 "results": 2, "builder": {"name": "linux"},
 "buildset": {"sourcestamps": [{"revision": "abc123", "branch": "main", "repository": "https://git.example.org/r.git"}]}}`

type cliEnv struct {
	dir        string
	configPath string
	storePath  string
}

func setupCLI(t *testing.T, hook string) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "slackpush.yaml"),
		storePath:  filepath.Join(dir, "deliveries"),
	}
	cfg := fmt.Sprintf(`
storage: { driver: file, path: %q }
reporters:
  ops:
    enabled: true
    options: { endpoint: %q, channel: "#ops", colour: red }
  spare:
    enabled: false
    options: { channel: "#spare" }
`, env.storePath, hook)
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0o600))
	return env
}

func runCLI(t *testing.T, env *cliEnv, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRenderPrintsPayload(t *testing.T) {
	env := setupCLI(t, "https://hooks.slack.com/services/T/B/X")
	buildPath := filepath.Join(env.dir, "build.json")
	require.NoError(t, os.WriteFile(buildPath, []byte(sampleBuild), 0o600))

	out, err := runCLI(t, env, "render", buildPath)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, "#ops", payload["channel"])
	assert.NotEmpty(t, payload["text"])
}

func TestRenderRejectsBadInput(t *testing.T) {
	env := setupCLI(t, "https://hooks.slack.com/services/T/B/X")
	buildPath := filepath.Join(env.dir, "build.json")
	require.NoError(t, os.WriteFile(buildPath, []byte(sampleBuild), 0o600))

	_, err := runCLI(t, env, "render", buildPath, "--event", "exploded")
	assert.ErrorContains(t, err, "unknown event")

	_, err = runCLI(t, env, "render", buildPath, "--reporter", "nope")
	assert.ErrorContains(t, err, "unknown reporter")

	_, err = runCLI(t, env, "render", buildPath, "--reporter", "spare")
	assert.ErrorContains(t, err, "endpoint")
}

func TestSendTestPostsThroughReporters(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()
	env := setupCLI(t, srv.URL)

	out, err := runCLI(t, env, "send-test")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Contains(t, out, "ops")
	assert.Contains(t, out, "sent")
}

func TestSendTestReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()
	env := setupCLI(t, srv.URL)

	out, err := runCLI(t, env, "send-test")
	assert.ErrorContains(t, err, "did not deliver")
	assert.Contains(t, out, "rejected")
}

func TestDeliveriesListsRecords(t *testing.T) {
	env := setupCLI(t, "https://hooks.slack.com/services/T/B/X")

	out, err := runCLI(t, env, "deliveries")
	require.NoError(t, err)
	assert.Contains(t, out, "No deliveries recorded")

	st, err := storage.Open(storage.Config{Driver: "file", Path: env.storePath}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AppendDelivery(context.Background(), storage.DeliveryRecord{
		At: time.Now(), Reporter: "ops", Event: "finished", BuildID: 42, Builder: "linux",
		Outcome: storage.OutcomeSent, StatusCode: 200, URL: "https://hooks.slack.com/services/***",
	}))
	// The store stays open, as it would inside a running daemon.
	defer st.Close()

	out, err = runCLI(t, env, "deliveries", "-n", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "linux")
	assert.Contains(t, out, "sent")
	assert.Contains(t, out, "200")
}

func TestReportersListsWarnings(t *testing.T) {
	env := setupCLI(t, "https://hooks.slack.com/services/T/B/X")

	out, err := runCLI(t, env, "reporters")
	require.NoError(t, err)
	assert.Contains(t, out, "colour")
	assert.True(t, strings.Contains(out, "spare") && strings.Contains(out, "error"))
}

func TestMissingConfigFails(t *testing.T) {
	env := &cliEnv{configPath: filepath.Join(t.TempDir(), "absent.yaml")}
	_, err := runCLI(t, env, "reporters")
	assert.ErrorContains(t, err, "load config")
}

func TestRenderTableAlignsColumns(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"x"}, {"yy", "1"}}, []columnAlignment{alignLeft, alignRight})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 6)
	assert.Contains(t, lines[1], "A")
	assert.Contains(t, lines[3], "x")
	assert.Empty(t, renderTable(nil, nil, nil))
}
