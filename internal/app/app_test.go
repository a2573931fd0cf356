package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slackpush/internal/buildbot"
	"slackpush/internal/config"
	"slackpush/internal/eventbus"
	"slackpush/internal/storage"
	logx "slackpush/pkg/logx"
)

const finishedBuild = `{"buildid": 42, "number": 7, "url": "https://ci.example.org/#builders/1/builds/7",
 "results": 0, "builder": {"name": "linux"},
 "buildset": {"sourcestamps": [{"revision": "abc123", "branch": "main", "repository": "https://git.example.org/r.git"}]}}`

// hookServer records the bodies posted to it.
type hookServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []map[string]any
}

func newHookServer(t *testing.T) *hookServer {
	t.Helper()
	h := &hookServer{}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		h.mu.Lock()
		h.bodies = append(h.bodies, m)
		h.mu.Unlock()
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *hookServer) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bodies)
}

func decode(t *testing.T, raw string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("slackpush.json", []byte(raw))
	require.NoError(t, err)
	return cfg
}

func reportersJSON(hook string) string {
	return fmt.Sprintf(`{"reporters": {
  "ops":   {"enabled": true,  "options": {"endpoint": %q, "channel": "#ops"}},
  "off":   {"enabled": false, "options": {"endpoint": %q}},
  "empty": {"enabled": true,  "options": {"channel": "#nowhere"}}
}}`, hook, hook)
}

func names(g *registry) []string {
	var out []string
	for _, r := range g.list() {
		out = append(out, r.Name())
	}
	return out
}

func TestRegistryApplyAndRoute(t *testing.T) {
	hook := newHookServer(t)
	bus := eventbus.New()
	g := newRegistry(logx.Nop(), nil, bus, nil, &usersProxy{})

	g.apply(decode(t, reportersJSON(hook.URL)), nil)
	// "empty" has no endpoint and is never added.
	assert.Equal(t, []string{"ops"}, names(g))

	b, err := buildbot.DecodeBuild([]byte(finishedBuild))
	require.NoError(t, err)
	rep := buildbot.NewReport(buildbot.EventFinished, b)
	g.route(eventbus.Event{Type: eventbus.BuildFinished, Data: rep})
	g.route(eventbus.Event{Type: eventbus.BuildFinished, Data: "not a report"})

	require.Eventually(t, func() bool { return hook.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	hook.mu.Lock()
	assert.Equal(t, "#ops", hook.bodies[0]["channel"])
	hook.mu.Unlock()
	require.Eventually(t, func() bool { return g.get("ops").Stats().Sent == 1 }, 2*time.Second, 10*time.Millisecond)

	g.apply(decode(t, `{"reporters": {"ops": {"enabled": false}}}`), []string{"ops"})
	assert.Empty(t, names(g))
}

func TestRegistryApplyOnlyTouchesChanged(t *testing.T) {
	g := newRegistry(logx.Nop(), nil, nil, nil, &usersProxy{})
	g.apply(decode(t, `{"reporters": {"a": {"enabled": true, "options": {"endpoint": "https://a.example/hook"}}}}`), nil)
	before := g.get("a")
	require.NotNil(t, before)

	// Not listed as changed: the new options are not applied.
	g.apply(decode(t, `{"reporters": {"a": {"enabled": true, "options": {"endpoint": "https://a.example/hook", "colour": "red"}}}}`), []string{})
	assert.Empty(t, g.get("a").LastWarnings())

	g.apply(decode(t, `{"reporters": {"a": {"enabled": true, "options": {"endpoint": "https://a.example/hook", "colour": "red"}}}}`), []string{"a"})
	assert.Same(t, before, g.get("a"))
	assert.Len(t, g.get("a").LastWarnings(), 1)
}

func TestUsersProxy(t *testing.T) {
	p := &usersProxy{}
	users, err := p.ResponsibleUsers(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, users)

	p.set(buildbot.UsersFunc(func(context.Context, int64) ([]string, error) { return []string{"ann"}, nil }))
	users, err = p.ResponsibleUsers(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"ann"}, users)

	p.set(nil)
	users, _ = p.ResponsibleUsers(context.Background(), 1)
	assert.Nil(t, users)
}

func TestValidateConfig(t *testing.T) {
	cases := map[string]string{
		"sqlite without path": `{"storage": {"driver": "sqlite"}}`,
		"reporter endpoint":   `{"reporters": {"x": {"enabled": true, "options": {"channel": "#ci"}}}}`,
		"scheduler spec":      `{"scheduler": {"summary": "every now and then"}}`,
		"buildbot url":        `{"buildbot": {"api_url": "::not a url"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, validateConfig(decode(t, raw)))
		})
	}

	ok := decode(t, `{"storage": {"driver": "none"}, "scheduler": {"summary": "1h", "prune": "@daily"},
 "reporters": {"x": {"enabled": false}, "y": {"enabled": true, "options": {"endpoint": "/services/T/B/X", "bogus": 1}}}}`)
	assert.NoError(t, validateConfig(ok))
}

func TestMapStorageConfigDefaults(t *testing.T) {
	sc, err := mapStorageConfig(decode(t, `{}`))
	require.NoError(t, err)
	assert.Equal(t, storage.Config{Driver: "file", Path: "./data/deliveries"}, sc)

	sc, err = mapStorageConfig(decode(t, `{"storage": {"driver": "none"}}`))
	require.NoError(t, err)
	assert.Empty(t, sc.Driver)

	sc, err = mapStorageConfig(decode(t, `{"storage": {"driver": "SQLite", "path": "x.db"}}`))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)
}

func TestAppDeliversIngestedBuild(t *testing.T) {
	hook := newHookServer(t)
	dir := t.TempDir()
	store := filepath.Join(dir, "deliveries")
	cfgPath := filepath.Join(dir, "slackpush.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
logging: { level: error }
delivery: { workers: 1, rate_per_sec: -1 }
ingest:
  http: { enabled: true, addr: "127.0.0.1:0" }
storage: { driver: file, path: %q }
reporters:
  ops:
    enabled: true
    options: { endpoint: %q, channel: "#ops" }
`, store, hook.URL)), 0o600))

	a, err := New(cfgPath)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	url := "http://" + a.httpIn.Addr() + "/buildbot/finished"
	resp, err := http.Post(url, "application/json", strings.NewReader(finishedBuild))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool { return hook.count() == 1 }, 3*time.Second, 20*time.Millisecond)

	health := a.health().(map[string]any)
	assert.Contains(t, health, "tasks")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
	<-a.Done()

	recs, err := storage.ReadRecent(context.Background(), storage.Config{Driver: "file", Path: store}, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, storage.OutcomeSent, recs[0].Outcome)
	assert.Equal(t, "ops", recs[0].Reporter)
	assert.Equal(t, int64(42), recs[0].BuildID)
}
