package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slackpush/internal/buildbot"
	"slackpush/internal/eventbus"
	"slackpush/internal/runtime/supervisor"
	logx "slackpush/pkg/logx"
)

const finishedBuild = `{"buildid": 42, "number": 7, "url": "https://ci.example.org/#builders/1/builds/7",
 "results": 2, "builder": {"name": "linux"},
 "buildset": {"sourcestamps": [{"revision": "abc123", "branch": "main", "repository": "https://git.example.org/r.git"}]}}`

const runningBuild = `{"buildid": 43, "builder": {"name": "linux"}, "results": null}`

func startHTTP(t *testing.T, cfg HTTPConfig) (*HTTPService, eventbus.Bus, string) {
	t.Helper()
	bus := eventbus.New()
	sup := supervisor.New(context.Background())
	cfg.Enabled = true
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	svc := NewHTTPService(cfg, bus, sup, logx.Nop())
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
		_ = sup.Stop(ctx)
	})
	return svc, bus, "http://" + svc.Addr()
}

func post(t *testing.T, url, body string, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func recv(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no bus event")
		return eventbus.Event{}
	}
}

func TestHTTPAcceptsBuildEvents(t *testing.T) {
	_, bus, base := startHTTP(t, HTTPConfig{})
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	resp := post(t, base+"/buildbot/finished", finishedBuild, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "builds.42.finished", out["key"])

	ev := recv(t, ch)
	assert.Equal(t, eventbus.BuildFinished, ev.Type)
	rep, ok := ev.Data.(buildbot.Report)
	require.True(t, ok)
	assert.Equal(t, buildbot.EventFinished, rep.Event)
	assert.Equal(t, "linux", rep.Builds[0].BuilderName)
	assert.Equal(t, "abc123", rep.Builds[0].SourceStamps[0].Revision)

	resp = post(t, base+"/buildbot/new", runningBuild, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	ev = recv(t, ch)
	assert.Equal(t, eventbus.BuildStarted, ev.Type)
	assert.Equal(t, "builds.43.new", ev.Data.(buildbot.Report).Key.String())
}

func TestHTTPInfersEventWithoutSuffix(t *testing.T) {
	_, bus, base := startHTTP(t, HTTPConfig{Path: "hooks/bb/"})
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	assert.Equal(t, http.StatusAccepted, post(t, base+"/hooks/bb", runningBuild, nil).StatusCode)
	assert.Equal(t, eventbus.BuildStarted, recv(t, ch).Type)

	assert.Equal(t, http.StatusAccepted, post(t, base+"/hooks/bb", finishedBuild, nil).StatusCode)
	assert.Equal(t, eventbus.BuildFinished, recv(t, ch).Type)
}

func TestHTTPErrorStatuses(t *testing.T) {
	_, bus, base := startHTTP(t, HTTPConfig{})
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	assert.Equal(t, http.StatusNotFound, post(t, base+"/buildbot/exploded", finishedBuild, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, base+"/buildbot/finished", `{"number": 1}`, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, base+"/buildbot/finished", `not json`, nil).StatusCode)

	resp, err := http.Get(base + "/buildbot/finished")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))

	select {
	case ev := <-ch:
		t.Fatalf("unexpected bus event %q", ev.Type)
	default:
	}
}

func TestHTTPTokenAuth(t *testing.T) {
	_, _, base := startHTTP(t, HTTPConfig{Token: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, post(t, base+"/buildbot/finished", finishedBuild, nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, post(t, base+"/buildbot/finished?token=nope", finishedBuild, nil).StatusCode)
	assert.Equal(t, http.StatusAccepted, post(t, base+"/buildbot/finished?token=s3cret", finishedBuild, nil).StatusCode)
	assert.Equal(t, http.StatusAccepted, post(t, base+"/buildbot/finished", finishedBuild,
		map[string]string{"Authorization": "Bearer s3cret"}).StatusCode)
}

func TestHTTPHealthz(t *testing.T) {
	bus := eventbus.New()
	svc := NewHTTPService(HTTPConfig{Enabled: true, Addr: "127.0.0.1:0"}, bus, nil, logx.Nop())
	svc.SetHealth(func() any { return map[string]int{"reporters": 1} })
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Status  string         `json:"status"`
		Runtime map[string]int `json:"runtime"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, 1, out.Runtime["reporters"])
}

func TestHTTPRefusesPublicAddrWithoutToken(t *testing.T) {
	svc := NewHTTPService(HTTPConfig{Enabled: true, Addr: "0.0.0.0:0"}, eventbus.New(), nil, logx.Nop())
	assert.Error(t, svc.Start(context.Background()))
	assert.Empty(t, svc.Addr())
}

func TestHTTPReconfigure(t *testing.T) {
	svc, _, base := startHTTP(t, HTTPConfig{})
	ctx := context.Background()

	// Same settings keep the listener.
	require.NoError(t, svc.Reconfigure(ctx, HTTPConfig{Enabled: true, Addr: "127.0.0.1:0"}))
	assert.Equal(t, base, "http://"+svc.Addr())

	require.NoError(t, svc.Reconfigure(ctx, HTTPConfig{Enabled: true, Addr: "127.0.0.1:0", Path: "/bb"}))
	next := "http://" + svc.Addr()
	assert.Equal(t, http.StatusAccepted, post(t, next+"/bb/finished", finishedBuild, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, post(t, next+"/buildbot/finished", finishedBuild, nil).StatusCode)

	require.NoError(t, svc.Reconfigure(ctx, HTTPConfig{Enabled: false}))
	assert.Empty(t, svc.Addr())
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/buildbot", normalizePath(""))
	assert.Equal(t, "/buildbot", normalizePath("/"))
	assert.Equal(t, "/hooks/bb", normalizePath("hooks/bb/"))
}

func TestDecodeMessage(t *testing.T) {
	kind, raw, err := decodeMessage("builds.42.finished", []byte(finishedBuild))
	require.NoError(t, err)
	assert.Equal(t, buildbot.EventFinished, kind)
	assert.JSONEq(t, finishedBuild, string(raw))

	kind, raw, err = decodeMessage("anything", []byte(`{"event": "new", "build": `+runningBuild+`}`))
	require.NoError(t, err)
	assert.Equal(t, buildbot.EventStarted, kind)
	assert.JSONEq(t, runningBuild, string(raw))

	// Envelope without an event falls back to the routing key.
	kind, _, err = decodeMessage("builds.9.new", []byte(`{"build": `+runningBuild+`}`))
	require.NoError(t, err)
	assert.Equal(t, buildbot.EventStarted, kind)

	_, _, err = decodeMessage("builds.42.exploded", []byte(finishedBuild))
	assert.ErrorIs(t, err, errBadMessage)
	_, _, err = decodeMessage("builds.42.finished", []byte(`{`))
	assert.ErrorIs(t, err, errBadMessage)
}

type fakeAck struct {
	acks, nacks int
	requeued    bool
}

func (a *fakeAck) Ack(uint64, bool) error { a.acks++; return nil }
func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks++
	a.requeued = a.requeued || requeue
	return nil
}
func (a *fakeAck) Reject(uint64, bool) error { return nil }

func TestAMQPHandleAcksAndNacks(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.SubscribeTypes(4, eventbus.BuildFinished)
	defer unsub()
	c := NewAMQPConsumer(AMQPConfig{URI: "amqp://localhost"}, bus, logx.Nop())

	good := &fakeAck{}
	c.handle(amqp.Delivery{Acknowledger: good, RoutingKey: "builds.42.finished", Body: []byte(finishedBuild)})
	assert.Equal(t, 1, good.acks)
	assert.Zero(t, good.nacks)
	assert.Equal(t, int64(42), recv(t, ch).Data.(buildbot.Report).Builds[0].ID)

	for _, body := range []string{`{"no": "id"}`, `garbage`} {
		bad := &fakeAck{}
		c.handle(amqp.Delivery{Acknowledger: bad, RoutingKey: "builds.1.finished", Body: []byte(body)})
		assert.Zero(t, bad.acks)
		assert.Equal(t, 1, bad.nacks)
		assert.False(t, bad.requeued)
	}
}

func TestAMQPDefaults(t *testing.T) {
	c := NewAMQPConsumer(AMQPConfig{URI: "amqp://localhost"}, eventbus.New(), logx.Nop())
	assert.Equal(t, DefaultAMQPQueue, c.cfg.Queue)
	assert.Equal(t, DefaultAMQPRoutingKey, c.cfg.RoutingKey)
	assert.Equal(t, DefaultAMQPPrefetch, c.cfg.Prefetch)
}
