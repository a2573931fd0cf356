// Package storage keeps the delivery audit log: one record per webhook POST.
//
// Records are written best-effort by the reporters and read back by the
// "deliveries" command and the summary job. Old records are pruned on a
// schedule.
package storage
