// Package buildbot models the build data a Buildbot master reports for
// lifecycle events.
//
// A Report wraps one or more Build records plus a human summary. Builds carry
// their result code, source stamps, and parent relationship (for triggered
// sub-builds). DecodeBuild reads the JSON build dictionary Buildbot emits, and
// APIClient resolves the users responsible for a build through the master's
// REST data API.
package buildbot
