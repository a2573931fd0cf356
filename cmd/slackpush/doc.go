// Command slackpush relays Buildbot build lifecycle events to Slack
// incoming webhooks.
//
// Without a subcommand it runs the daemon ("serve"). The other commands
// work offline against the same config file: render prints the payload a
// reporter would post, send-test posts a synthetic build, deliveries lists
// the delivery log.
package main
