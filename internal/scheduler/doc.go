// Package scheduler runs the periodic housekeeping jobs (delivery summary,
// audit log pruning) on top of robfig/cron.
//
// Jobs are registered under a stable name so hot reload can replace or
// remove them. Registering while stopped is supported: definitions are kept
// and scheduled on the next Start.
package scheduler
