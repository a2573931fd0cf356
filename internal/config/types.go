package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Buildbot  BuildbotConfig  `json:"buildbot"`
	Ingest    IngestConfig    `json:"ingest"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`

	Reporters map[string]ReporterConfigRaw `json:"reporters"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DeliveryConfig bounds webhook delivery across all reporters.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - rate_per_sec: 5 (use a negative value to disable limiting)
type DeliveryConfig struct {
	Workers    int      `json:"workers,omitempty"`
	QueueSize  int      `json:"queue_size,omitempty"`
	RatePerSec *float64 `json:"rate_per_sec,omitempty"`
}

// EffectiveRate returns the rate limit with defaults applied; 0 means unlimited.
func (d DeliveryConfig) EffectiveRate() float64 {
	if d.RatePerSec == nil {
		return 5
	}
	if *d.RatePerSec < 0 {
		return 0
	}
	return *d.RatePerSec
}

// BuildbotConfig points at the master's REST API, used to look up the
// users responsible for a build. Leave api_url empty to skip the lookup.
type BuildbotConfig struct {
	APIURL string `json:"api_url,omitempty"`
	Token  string `json:"token,omitempty"` // bearer token (do not log)
	// Go duration strings.
	UsersCacheTTL string `json:"users_cache_ttl,omitempty"` // default 10m
	Timeout       string `json:"timeout,omitempty"`         // default 5s
}

type IngestConfig struct {
	HTTP HTTPIngestConfig  `json:"http"`
	AMQP *AMQPIngestConfig `json:"amqp,omitempty"`
}

// HTTPIngestConfig controls the webhook receiver Buildbot pushes to.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8010").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPIngestConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8010"
	Path          string `json:"path,omitempty"`  // default: "/buildbot"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// AMQPIngestConfig consumes build events from a RabbitMQ queue.
type AMQPIngestConfig struct {
	Enabled    bool   `json:"enabled"`
	URI        string `json:"uri"` // contains credentials (do not log)
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"` // default: "builds.#"
	Queue      string `json:"queue,omitempty"`       // default: "buildbot.builds"
	Prefetch   int    `json:"prefetch,omitempty"`    // default: 8
}

// StorageConfig controls the delivery log.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/deliveries" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the periodic jobs. Specs use robfig/cron syntax,
// including descriptors like "@every 1h" and "@daily". An empty spec
// disables that job.
type SchedulerConfig struct {
	Enabled   bool   `json:"enabled"`
	Timezone  string `json:"timezone,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Prune     string `json:"prune,omitempty"`
	Retention string `json:"retention,omitempty"` // Go duration string, default 168h
}

type ReporterConfigRaw struct {
	Enabled bool `json:"enabled"`
	// Options stay raw here; the reporter decodes them leniently so option
	// mistakes become warnings instead of load failures.
	Options json.RawMessage `json:"options,omitempty"`
}

// UnmarshalJSON disallows unknown fields so misspelled keys next to
// "options" are caught during reload.
func (p *ReporterConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Options json.RawMessage `json:"options,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = ReporterConfigRaw{Enabled: t.Enabled, Options: t.Options}
	return nil
}

// OptionMap decodes Options into a generic map.
func (p ReporterConfigRaw) OptionMap() (map[string]any, error) {
	out := map[string]any{}
	if len(bytes.TrimSpace(p.Options)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(p.Options, &out); err != nil {
		return nil, fmt.Errorf("options: %w", err)
	}
	return out, nil
}

// EnabledReporters returns the names of enabled reporters, sorted.
func (c *Config) EnabledReporters() []string {
	names := make([]string, 0, len(c.Reporters))
	for name, rc := range c.Reporters {
		if rc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Validate performs structural checks that the strict decoder cannot.
// It does not check reporter options.
func (c *Config) Validate() error {
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	check("buildbot.users_cache_ttl", c.Buildbot.UsersCacheTTL)
	check("buildbot.timeout", c.Buildbot.Timeout)
	check("ingest.http.read_timeout", c.Ingest.HTTP.ReadTimeout)
	check("ingest.http.idle_timeout", c.Ingest.HTTP.IdleTimeout)
	check("scheduler.retention", c.Scheduler.Retention)

	if c.Delivery.Workers < 0 || c.Delivery.QueueSize < 0 {
		errs = append(errs, errors.New("delivery: workers and queue_size must be >= 0"))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if c.Storage != nil {
		check("storage.busy_timeout", c.Storage.BusyTimeout)
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
		}
	}
	if a := c.Ingest.AMQP; a != nil && a.Enabled && strings.TrimSpace(a.URI) == "" {
		errs = append(errs, errors.New("ingest.amqp.uri is required when enabled"))
	}
	for name := range c.Reporters {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("reporters: empty reporter name"))
		}
	}
	return errors.Join(errs...)
}

// EffectiveStorage returns the storage section with defaults applied.
// An omitted section means the file driver under ./data.
func (c *Config) EffectiveStorage() StorageConfig {
	if c.Storage == nil {
		return StorageConfig{Driver: "file", Path: "./data/deliveries"}
	}
	return *c.Storage
}
