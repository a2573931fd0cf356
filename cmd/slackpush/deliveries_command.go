package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"slackpush/internal/config"
	"slackpush/internal/storage"
)

func newDeliveriesCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "List recent webhook deliveries from the delivery log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			recs, err := storage.ReadRecent(cmd.Context(), storageConfig(cfg), limit)
			if errors.Is(err, storage.ErrDisabled) {
				fmt.Fprintln(cmd.OutOrStdout(), "Delivery log is disabled (storage.driver: none)")
				return nil
			}
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No deliveries recorded")
				return nil
			}
			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				code := ""
				if r.StatusCode != 0 {
					code = strconv.Itoa(r.StatusCode)
				}
				rows = append(rows, []string{
					r.At.Local().Format(time.DateTime),
					r.Reporter,
					r.Event,
					strconv.FormatInt(r.BuildID, 10),
					r.Builder,
					string(r.Outcome),
					code,
					strconv.FormatInt(r.TookMS, 10),
					r.Error,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"At", "Reporter", "Event", "Build", "Builder", "Outcome", "Code", "ms", "Error"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of records")
	return cmd
}

// storageConfig mirrors the daemon's storage defaults for read-only use.
func storageConfig(cfg *config.Config) storage.Config {
	sc := cfg.EffectiveStorage()
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		BusyTimeout: config.DurationOr(sc.BusyTimeout, time.Second),
	}
}
