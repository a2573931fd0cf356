package app

import (
	"fmt"
	"strings"
	"time"

	"slackpush/internal/buildbot"
	"slackpush/internal/config"
	"slackpush/internal/ingest"
	"slackpush/internal/reporter"
	"slackpush/internal/scheduler"
	"slackpush/internal/storage"
	logx "slackpush/pkg/logx"
)

const defaultRetention = 7 * 24 * time.Hour

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapPoolConfig(cfg *config.Config) reporter.PoolConfig {
	return reporter.PoolConfig{
		Workers:    cfg.Delivery.Workers,
		QueueSize:  cfg.Delivery.QueueSize,
		RatePerSec: cfg.Delivery.EffectiveRate(),
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.EffectiveStorage()
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, nil
	case "file":
		if path == "" {
			path = "./data/deliveries"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: config.DurationOr(sc.BusyTimeout, time.Second)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapUsersFetcher returns nil when no api_url is configured; commit
// lookups are then skipped.
func mapUsersFetcher(cfg *config.Config) (buildbot.UsersFetcher, error) {
	if strings.TrimSpace(cfg.Buildbot.APIURL) == "" {
		return nil, nil
	}
	c, err := buildbot.NewAPIClient(buildbot.APIConfig{
		BaseURL:  cfg.Buildbot.APIURL,
		Token:    cfg.Buildbot.Token,
		Timeout:  config.DurationOr(cfg.Buildbot.Timeout, 5*time.Second),
		CacheTTL: config.DurationOr(cfg.Buildbot.UsersCacheTTL, 10*time.Minute),
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func mapHTTPIngest(cfg *config.Config) ingest.HTTPConfig {
	h := cfg.Ingest.HTTP
	return ingest.HTTPConfig{
		Enabled:       h.Enabled,
		Addr:          h.Addr,
		Path:          h.Path,
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		ReadTimeout:   config.DurationOr(h.ReadTimeout, 10*time.Second),
		IdleTimeout:   config.DurationOr(h.IdleTimeout, 60*time.Second),
	}
}

// mapAMQPIngest reports false when the consumer is disabled.
func mapAMQPIngest(cfg *config.Config) (ingest.AMQPConfig, bool) {
	a := cfg.Ingest.AMQP
	if a == nil || !a.Enabled {
		return ingest.AMQPConfig{}, false
	}
	return ingest.AMQPConfig{
		URI:        a.URI,
		Exchange:   a.Exchange,
		RoutingKey: a.RoutingKey,
		Queue:      a.Queue,
		Prefetch:   a.Prefetch,
	}, true
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

// reporterOptions decodes one reporter's option map.
func reporterOptions(cfg *config.Config, name string) (reporter.Options, []reporter.ConfigWarning, error) {
	raw, err := cfg.Reporters[name].OptionMap()
	if err != nil {
		return reporter.Options{}, nil, fmt.Errorf("reporters.%s: %w", name, err)
	}
	o, warns, err := reporter.ParseOptions(raw)
	if err != nil {
		return reporter.Options{}, warns, fmt.Errorf("reporters.%s: %w", name, err)
	}
	return o, warns, nil
}

// validateConfig rejects configs that would leave the daemon half-applied.
// Option warnings are not errors.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapUsersFetcher(cfg); err != nil {
		return fmt.Errorf("buildbot: %w", err)
	}
	for _, name := range cfg.EnabledReporters() {
		if _, _, err := reporterOptions(cfg, name); err != nil {
			return err
		}
	}
	for _, spec := range []struct{ path, raw string }{
		{"scheduler.summary", cfg.Scheduler.Summary},
		{"scheduler.prune", cfg.Scheduler.Prune},
	} {
		if _, err := scheduler.NormalizeSpec(spec.raw); err != nil {
			return fmt.Errorf("%s: %w", spec.path, err)
		}
	}
	return nil
}
