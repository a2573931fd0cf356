package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "slackpush/pkg/logx"
)

// ConfigChange summarizes what differs between two configs.
type ConfigChange struct {
	// Sections lists changed top-level sections in a fixed order.
	Sections []string
	// Attrs are safe structured log fields; they never carry tokens, URIs
	// or webhook endpoints.
	Attrs []logx.Field
	// Reporters lists reporter names that were added, removed, toggled or
	// had their options changed.
	Reporters []string
}

func (c ConfigChange) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs for hot reload and logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ConfigChange {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch ConfigChange
	mark := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	od, nd := oldCfg.Delivery, newCfg.Delivery
	if od.Workers != nd.Workers || od.QueueSize != nd.QueueSize || od.EffectiveRate() != nd.EffectiveRate() {
		mark("delivery",
			logx.Int("delivery.workers", nd.Workers),
			logx.Int("delivery.queue_size", nd.QueueSize),
			logx.Any("delivery.rate_per_sec", nd.EffectiveRate()),
		)
	}

	// Buildbot (never log token)
	ob, nb := oldCfg.Buildbot, newCfg.Buildbot
	if strings.TrimSpace(ob.APIURL) != strings.TrimSpace(nb.APIURL) ||
		ob.UsersCacheTTL != nb.UsersCacheTTL || ob.Timeout != nb.Timeout || ob.Token != nb.Token {
		mark("buildbot",
			logx.Bool("buildbot.api_set", strings.TrimSpace(nb.APIURL) != ""),
			logx.Bool("buildbot.token_set", nb.Token != ""),
			logx.String("buildbot.users_cache_ttl", nb.UsersCacheTTL),
		)
	}

	// HTTP ingest (never log token)
	oh, nh := oldCfg.Ingest.HTTP, newCfg.Ingest.HTTP
	if !reflect.DeepEqual(oh, nh) {
		mark("ingest.http",
			logx.Bool("ingest.http.enabled", nh.Enabled),
			logx.String("ingest.http.addr", strings.TrimSpace(nh.Addr)),
			logx.String("ingest.http.path", strings.TrimSpace(nh.Path)),
			logx.Bool("ingest.http.token_set", strings.TrimSpace(nh.Token) != ""),
		)
	}

	// AMQP ingest (never log URI, it carries credentials)
	if !reflect.DeepEqual(oldCfg.Ingest.AMQP, newCfg.Ingest.AMQP) {
		a := AMQPIngestConfig{}
		if newCfg.Ingest.AMQP != nil {
			a = *newCfg.Ingest.AMQP
		}
		mark("ingest.amqp",
			logx.Bool("ingest.amqp.enabled", a.Enabled),
			logx.String("ingest.amqp.queue", a.Queue),
		)
	}

	oSt, nSt := oldCfg.EffectiveStorage(), newCfg.EffectiveStorage()
	if oSt != nSt {
		mark("storage",
			logx.String("storage.driver", nSt.Driver),
			logx.String("storage.path", nSt.Path),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.summary", newCfg.Scheduler.Summary),
			logx.String("scheduler.prune", newCfg.Scheduler.Prune),
		)
	}

	ch.Reporters = changedReporters(oldCfg.Reporters, newCfg.Reporters)
	if len(ch.Reporters) > 0 {
		mark("reporters", logx.Strs("reporters.changed", ch.Reporters))
	}
	return ch
}

func changedReporters(oldR, newR map[string]ReporterConfigRaw) []string {
	seen := map[string]struct{}{}
	for k := range oldR {
		seen[k] = struct{}{}
	}
	for k := range newR {
		seen[k] = struct{}{}
	}
	var out []string
	for name := range seen {
		o, okO := oldR[name]
		n, okN := newR[name]
		if okO != okN || o.Enabled != n.Enabled || canonicalHashJSON(o.Options) != canonicalHashJSON(n.Options) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// canonicalHashJSON hashes JSON after canonicalizing it, so whitespace and
// key order changes don't count as a change.
func canonicalHashJSON(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return hashBytes(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return hashBytes(raw)
	}
	return hashBytes(b)
}
