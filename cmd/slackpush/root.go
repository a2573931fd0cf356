package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"slackpush/internal/config"
)

const defaultConfigPath = "./slackpush.yaml"

type commandContext struct {
	configFlag *string
	envFlag    *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, envFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag, envFlag: envFlag}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil || strings.TrimSpace(*c.configFlag) == "" {
		return defaultConfigPath
	}
	return strings.TrimSpace(*c.configFlag)
}

// ensureConfig parses the config file once. It does not commit it anywhere;
// the daemon reloads it through its own manager.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.NewConfigManager(c.configPath()).Parse()
		if err != nil {
			c.configErr = fmt.Errorf("load config %s: %w", c.configPath(), err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) loadEnv() error {
	path := ".env"
	optional := true
	if c.envFlag != nil && strings.TrimSpace(*c.envFlag) != "" {
		path, optional = strings.TrimSpace(*c.envFlag), false
	}
	if err := config.LoadEnvFile(path, optional); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var envFlag string

	ctx := newCommandContext(&configFlag, &envFlag)
	serve := newServeCommand(ctx)

	rootCmd := &cobra.Command{
		Use:           "slackpush",
		Short:         "Relay Buildbot build events to Slack webhooks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.loadEnv()
		},
		RunE: serve.RunE,
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", defaultConfigPath, "Configuration file path (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&envFlag, "env-file", "", "Load environment variables from this file (default: ./.env if present)")

	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(newRenderCommand(ctx))
	rootCmd.AddCommand(newSendTestCommand(ctx))
	rootCmd.AddCommand(newDeliveriesCommand(ctx))
	rootCmd.AddCommand(newReportersCommand(ctx))

	return rootCmd
}
