package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging: { level: debug, console: true }
delivery: { workers: 4, queue_size: 64 }
buildbot: { api_url: "https://ci.example.org/", token: "${BB_TOKEN}", users_cache_ttl: 5m }
ingest:
  http: { enabled: true, addr: "127.0.0.1:0", path: /hooks/buildbot }
storage: { driver: none }
scheduler: { enabled: true, timezone: UTC, summary: "@every 1h", prune: "@daily", retention: 48h }
reporters:
  slack:
    enabled: true
    options:
      endpoint: "${SLACK_HOOK:-https://hooks.slack.com/services/T/B/X}"
      channel: "#ci"
      attachments: false
  quiet:
    enabled: false
`

func TestDecodeYAMLWithEnv(t *testing.T) {
	t.Setenv("BB_TOKEN", "s3cret")

	cfg, err := Decode("slackpush.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Delivery.Workers)
	assert.Equal(t, float64(5), cfg.Delivery.EffectiveRate())
	assert.Equal(t, "s3cret", cfg.Buildbot.Token)
	assert.Equal(t, 5*time.Minute, DurationOr(cfg.Buildbot.UsersCacheTTL, time.Hour))
	assert.Equal(t, "/hooks/buildbot", cfg.Ingest.HTTP.Path)
	assert.Equal(t, "none", cfg.EffectiveStorage().Driver)
	assert.Equal(t, []string{"slack"}, cfg.EnabledReporters())

	opts, err := cfg.Reporters["slack"].OptionMap()
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.slack.com/services/T/B/X", opts["endpoint"])
	assert.Equal(t, false, opts["attachments"])

	empty, err := cfg.Reporters["quiet"].OptionMap()
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDecodeTOML(t *testing.T) {
	raw := `
[delivery]
workers = 3
rate_per_sec = -1

[reporters.slack]
enabled = true
options = { endpoint = "https://hooks.slack.com/services/T/B/X", verbose = true }
`
	cfg, err := Decode("slackpush.toml", []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Delivery.Workers)
	assert.Equal(t, float64(0), cfg.Delivery.EffectiveRate())

	opts, err := cfg.Reporters["slack"].OptionMap()
	require.NoError(t, err)
	assert.Equal(t, true, opts["verbose"])
	assert.Equal(t, "file", cfg.EffectiveStorage().Driver)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	for name, tc := range map[string]struct{ file, body string }{
		"unknown top-level":    {"c.json", `{"webhooks": {}}`},
		"unknown reporter key": {"c.json", `{"reporters": {"slack": {"enabled": true, "option": {}}}}`},
		"trailing data":        {"c.json", `{"logging": {}} {"logging": {}}`},
		"bad duration":         {"c.yaml", "scheduler: { retention: soon }"},
		"bad timezone":         {"c.yaml", "scheduler: { timezone: Mars/Olympus }"},
		"bad driver":           {"c.yaml", "storage: { driver: mongo }"},
		"amqp without uri":     {"c.yaml", "ingest: { amqp: { enabled: true } }"},
		"broken yaml":          {"c.yml", "logging: ["},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.file, []byte(tc.body))
			assert.Error(t, err)
		})
	}
}

func TestExpandEnvOnlyBraced(t *testing.T) {
	t.Setenv("HOOK", "https://x")
	out := expandEnv(map[string]any{
		"a": "${HOOK}/y",
		"b": "pa$HOOK",
		"c": []any{"${MISSING_VAR_FOR_TEST:-dflt}", 3.0},
	}).(map[string]any)
	assert.Equal(t, "https://x/y", out["a"])
	assert.Equal(t, "pa$HOOK", out["b"])
	assert.Equal(t, []any{"dflt", 3.0}, out["c"])
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SLACKPUSH_TEST_VAR=from-file\n"), 0o600))
	t.Setenv("SLACKPUSH_TEST_VAR", "")
	require.NoError(t, os.Unsetenv("SLACKPUSH_TEST_VAR"))

	require.NoError(t, LoadEnvFile(path, false))
	assert.Equal(t, "from-file", os.Getenv("SLACKPUSH_TEST_VAR"))

	assert.NoError(t, LoadEnvFile(filepath.Join(dir, "nope.env"), true))
	assert.Error(t, LoadEnvFile(filepath.Join(dir, "nope.env"), false))
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Empty(t, SummarizeConfigChange(oldCfg, newCfg).Sections)

	newCfg.Logging.Level = "warn"
	newCfg.Ingest.HTTP.Token = "t0ken"
	newCfg.Reporters["slack"] = ReporterConfigRaw{Enabled: true, Options: []byte(`{"endpoint":"https://other.example/hook"}`)}
	newCfg.Reporters["new"] = ReporterConfigRaw{Enabled: true}

	ch := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "ingest.http", "reporters"}, ch.Sections)
	assert.Equal(t, []string{"new", "slack"}, ch.Reporters)
	assert.True(t, ch.Has("ingest.http"))
	assert.False(t, ch.Has("storage"))
}

func TestReporterOptionsWhitespaceIsNotAChange(t *testing.T) {
	a := map[string]ReporterConfigRaw{"s": {Enabled: true, Options: []byte(`{"a":1,"b":2}`)}}
	b := map[string]ReporterConfigRaw{"s": {Enabled: true, Options: []byte(`{ "b": 2, "a": 1 }`)}}
	assert.Empty(t, changedReporters(a, b))
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slackpush.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: { level: info }\n"), 0o600))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	var rejected atomic.Bool
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "reject" {
			rejected.Store(true)
			return assert.AnError
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logging: { level: debug }\n"), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "debug", m.Get().Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not published")
	}

	require.NoError(t, os.WriteFile(path, []byte("logging: { level: reject }\n"), 0o600))
	require.Eventually(t, func() bool { return rejected.Load() }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "debug", m.Get().Logging.Level)
}
