package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"slackpush/internal/reporter"
)

// newReportersCommand checks every configured reporter's options and lists
// the warnings the daemon would log.
func newReportersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reporters",
		Short: "Validate reporter options and list configuration warnings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(cfg.Reporters))
			for n := range cfg.Reporters {
				names = append(names, n)
			}
			sort.Strings(names)

			rows := make([][]string, 0, len(names))
			broken := 0
			for _, n := range names {
				enabled := yesNo(cfg.Reporters[n].Enabled)
				raw, err := cfg.Reporters[n].OptionMap()
				if err != nil {
					rows = append(rows, []string{n, enabled, "error", err.Error()})
					if cfg.Reporters[n].Enabled {
						broken++
					}
					continue
				}
				_, warns, err := reporter.ParseOptions(raw)
				if err != nil {
					rows = append(rows, []string{n, enabled, "error", err.Error()})
					if cfg.Reporters[n].Enabled {
						broken++
					}
					continue
				}
				msgs := make([]string, 0, len(warns))
				for _, w := range warns {
					msgs = append(msgs, w.String())
				}
				rows = append(rows, []string{n, enabled, strconv.Itoa(len(warns)), strings.Join(msgs, "\n")})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Reporter", "Enabled", "Warnings", "Details"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
			))
			if broken > 0 {
				return fmt.Errorf("%d enabled reporter(s) have invalid options", broken)
			}
			return nil
		},
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
