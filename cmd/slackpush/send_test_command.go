package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"slackpush/internal/buildbot"
	"slackpush/internal/reporter"
)

// testBuild is the synthetic build send-test posts.
func testBuild(now time.Time) buildbot.Build {
	return buildbot.Build{
		ID:          0,
		Number:      now.Unix(),
		BuilderName: "slackpush-test",
		Result:      buildbot.ResultPtr(buildbot.Success),
		SourceStamps: []buildbot.SourceStamp{{
			Project:  "slackpush",
			Branch:   "main",
			Revision: "0000000",
		}},
	}
}

func newSendTestCommand(ctx *commandContext) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "send-test",
		Short: "Post a synthetic finished build through the configured reporters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			names, err := selectReporters(cfg, name)
			if err != nil {
				return err
			}
			rep := buildbot.NewReport(buildbot.EventFinished, testBuild(time.Now()))

			rows := make([][]string, 0, len(names))
			failed := 0
			for _, n := range names {
				r, err := newCLIReporter(cmd, cfg, n, reporterOpts{})
				if err != nil {
					rows = append(rows, []string{n, "config error", err.Error()})
					failed++
					continue
				}
				r.Dispatch(cmd.Context(), rep)
				st := r.Stats()
				status := outcome(st)
				if st.Sent == 0 {
					failed++
				}
				rows = append(rows, []string{n, status, strconv.Itoa(len(r.LastWarnings()))})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Reporter", "Result", "Warnings"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight}))
			fmt.Fprintln(cmd.OutOrStdout())
			if failed > 0 {
				return fmt.Errorf("%d of %d reporters did not deliver", failed, len(names))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "reporter", "", "Only this reporter (default: all enabled)")
	return cmd
}

func outcome(st reporter.Stats) string {
	switch {
	case st.Sent > 0:
		return "sent"
	case st.Rejected > 0:
		return "rejected"
	case st.Failed > 0:
		return "failed"
	case st.Invalid > 0:
		return "invalid"
	default:
		return "not sent"
	}
}
