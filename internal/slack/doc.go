// Package slack renders build reports into Slack incoming-webhook messages.
//
// Formatting is pure: the only outside call is the injected users lookup used
// for the Committers field. Output depends solely on the report, the options,
// and the static status tables, so the same input always serializes to the
// same bytes.
package slack
