package app

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"slackpush/internal/buildbot"
	"slackpush/internal/config"
	"slackpush/internal/eventbus"
	"slackpush/internal/reporter"
	"slackpush/internal/storage"
	logx "slackpush/pkg/logx"
)

// usersProxy lets the buildbot section be hot-reloaded without rebuilding
// reporters: they all hold the proxy, the app swaps what it points at.
type usersProxy struct {
	cur atomic.Pointer[buildbot.UsersFetcher]
}

func (p *usersProxy) set(f buildbot.UsersFetcher) {
	if f == nil {
		p.cur.Store(nil)
		return
	}
	p.cur.Store(&f)
}

func (p *usersProxy) ResponsibleUsers(ctx context.Context, buildID int64) ([]string, error) {
	f := p.cur.Load()
	if f == nil {
		return nil, nil
	}
	return (*f).ResponsibleUsers(ctx, buildID)
}

// registry holds the enabled reporter instances by name.
type registry struct {
	mu   sync.RWMutex
	byID map[string]*reporter.Reporter

	log   logx.Logger
	deps  reporter.Deps
	users *usersProxy
}

func newRegistry(log logx.Logger, pool *reporter.Pool, bus eventbus.Bus, store storage.Store, users *usersProxy) *registry {
	return &registry{
		byID:  map[string]*reporter.Reporter{},
		log:   log,
		users: users,
		deps: reporter.Deps{
			Poster: &reporter.HTTPPoster{},
			Users:  users,
			Pool:   pool,
			Bus:    bus,
			Store:  store,
			Log:    log,
		},
	}
}

// apply adds, removes and reconfigures reporters to match cfg. With a
// non-nil changed list only those reporters are reconfigured. A reporter
// whose new options are rejected keeps its previous configuration.
func (g *registry) apply(cfg *config.Config, changed []string) {
	enabled := map[string]bool{}
	for _, name := range cfg.EnabledReporters() {
		enabled[name] = true
	}
	touch := func(string) bool { return true }
	if changed != nil {
		set := map[string]bool{}
		for _, n := range changed {
			set[n] = true
		}
		touch = func(n string) bool { return set[n] }
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for name := range g.byID {
		if !enabled[name] {
			delete(g.byID, name)
			g.log.Info("reporter removed", logx.String("reporter", name))
		}
	}
	for name := range enabled {
		if g.byID[name] != nil && !touch(name) {
			continue
		}
		raw, err := cfg.Reporters[name].OptionMap()
		if err != nil {
			g.log.Warn("reporter options unreadable", logx.String("reporter", name), logx.String("kind", reporter.KindConfigurationWarning), logx.Err(err))
			continue
		}
		r := g.byID[name]
		fresh := r == nil
		if fresh {
			r = reporter.New(name, g.deps)
		}
		if err := r.ConfigureMap(raw); err != nil {
			// Logged by the reporter. A new one without a valid config is not added.
			continue
		}
		if fresh {
			g.byID[name] = r
		}
	}
}

// list returns reporters sorted by name.
func (g *registry) list() []*reporter.Reporter {
	g.mu.RLock()
	out := make([]*reporter.Reporter, 0, len(g.byID))
	for _, r := range g.byID {
		out = append(out, r)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (g *registry) get(name string) *reporter.Reporter {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.byID[name]
}

// stats returns per-reporter counters keyed by name.
func (g *registry) stats() map[string]reporter.Stats {
	out := map[string]reporter.Stats{}
	for _, r := range g.list() {
		out[r.Name()] = r.Stats()
	}
	return out
}

// route hands one bus event to every reporter.
func (g *registry) route(ev eventbus.Event) {
	rep, ok := ev.Data.(buildbot.Report)
	if !ok {
		g.log.Debug("ignoring bus event without report", logx.String("type", ev.Type))
		return
	}
	for _, r := range g.list() {
		switch ev.Type {
		case eventbus.BuildStarted:
			r.OnBuildStarted(rep.Key, rep)
		case eventbus.BuildFinished:
			r.OnBuildFinished(rep.Key, rep)
		}
	}
}
