// Package reporter relays Buildbot build events to a Slack-compatible
// incoming webhook.
//
// A Reporter owns one endpoint. Its OnBuildStarted and OnBuildFinished
// handlers only enqueue; a shared Pool of workers formats each report
// (see package slack) and posts it exactly once. Rejections and transport
// errors are logged with a "kind" field, written to the delivery log and
// published on the event bus, but never returned to the caller and never
// retried.
//
// Options may be decoded leniently from a raw map with ParseOptions:
//
//	opts, warnings, err := reporter.ParseOptions(map[string]any{
//		"endpoint": "https://hooks.slack.com/services/T000/B000/XXXX",
//		"channel":  "#ci",
//	})
package reporter
