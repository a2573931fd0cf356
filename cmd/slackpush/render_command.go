package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"slackpush/internal/buildbot"
)

func newRenderCommand(ctx *commandContext) *cobra.Command {
	var (
		event       string
		name        string
		lookupUsers bool
	)
	cmd := &cobra.Command{
		Use:   "render <build.json|->",
		Short: "Print the webhook payload for a build without posting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			kind, ok := buildbot.ParseEventKind(event)
			if !ok {
				return fmt.Errorf("unknown event %q (want started or finished)", event)
			}
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			b, err := buildbot.DecodeBuild(raw)
			if err != nil {
				return err
			}
			names, err := selectReporters(cfg, name)
			if err != nil {
				return err
			}
			r, err := newCLIReporter(cmd, cfg, names[0], reporterOpts{lookupUsers: lookupUsers})
			if err != nil {
				return err
			}
			body, err := r.Render(cmd.Context(), buildbot.NewReport(kind, b))
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, body, "", "  "); err != nil {
				return err
			}
			out.WriteByte('\n')
			_, err = cmd.OutOrStdout().Write(out.Bytes())
			return err
		},
	}
	cmd.Flags().StringVar(&event, "event", "finished", "Lifecycle event: started or finished")
	cmd.Flags().StringVar(&name, "reporter", "", "Reporter whose options to use (default: first enabled)")
	cmd.Flags().BoolVar(&lookupUsers, "lookup-users", false, "Query the Buildbot API for responsible users")
	return cmd
}
