package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"slackpush/internal/buildbot"
	"slackpush/internal/config"
	"slackpush/internal/reporter"
	logx "slackpush/pkg/logx"
)

func cliLogger(cmd *cobra.Command) logx.Logger {
	return logx.NewWriter(cmd.ErrOrStderr(), "warn")
}

// selectReporters returns the named reporter, or every enabled one when
// name is empty.
func selectReporters(cfg *config.Config, name string) ([]string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		names := cfg.EnabledReporters()
		if len(names) == 0 {
			return nil, fmt.Errorf("no enabled reporters in config")
		}
		return names, nil
	}
	if _, ok := cfg.Reporters[name]; !ok {
		return nil, fmt.Errorf("unknown reporter %q", name)
	}
	return []string{name}, nil
}

type reporterOpts struct {
	poster      reporter.Poster
	lookupUsers bool
}

// newCLIReporter builds a standalone reporter without a pool, so Dispatch
// runs in the caller's goroutine.
func newCLIReporter(cmd *cobra.Command, cfg *config.Config, name string, o reporterOpts) (*reporter.Reporter, error) {
	raw, err := cfg.Reporters[name].OptionMap()
	if err != nil {
		return nil, fmt.Errorf("reporters.%s: %w", name, err)
	}
	deps := reporter.Deps{
		Poster: o.poster,
		Log:    cliLogger(cmd).With(logx.String("reporter", name)),
	}
	if deps.Poster == nil {
		deps.Poster = &reporter.HTTPPoster{}
	}
	if o.lookupUsers && strings.TrimSpace(cfg.Buildbot.APIURL) != "" {
		c, err := buildbot.NewAPIClient(buildbot.APIConfig{
			BaseURL: cfg.Buildbot.APIURL,
			Token:   cfg.Buildbot.Token,
			Timeout: config.DurationOr(cfg.Buildbot.Timeout, 5*time.Second),
		})
		if err != nil {
			return nil, fmt.Errorf("buildbot: %w", err)
		}
		deps.Users = c
	}
	r := reporter.New(name, deps)
	if err := r.ConfigureMap(raw); err != nil {
		return nil, fmt.Errorf("reporters.%s: %w", name, err)
	}
	return r, nil
}

// readInput reads a file, or stdin for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
