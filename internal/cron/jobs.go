package cron

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"
)

// SessionDirectory is the subset of hub.Hub needed by the prune job.
// Defined here to avoid a circular dependency on the hub package.
type SessionDirectory interface {
	IdleSessions(cutoff time.Time) []string
}

// SessionPruneJob removes sessions that have been idle longer than MaxIdle.
// Delete performs the actual removal across the hub, the event log, and the
// session store; it is called once per idle session.
type SessionPruneJob struct {
	Sessions     SessionDirectory
	Delete       func(sessionID string) error
	MaxIdle      time.Duration
	Logger       *slog.Logger
	ScheduleExpr string           // empty = default "*/10 * * * *"
	Now          func() time.Time // test seam; nil = time.Now
}

// Compile-time interface check.
var _ Job = (*SessionPruneJob)(nil)

// Name implements Job.
func (j *SessionPruneJob) Name() string { return "session_prune" }

// Schedule implements Job.
func (j *SessionPruneJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "*/10 * * * *"
}

// Run deletes sessions idle longer than MaxIdle.
func (j *SessionPruneJob) Run(ctx context.Context) error {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	cutoff := now().Add(-j.MaxIdle)

	var pruned int
	for _, id := range j.Sessions.IdleSessions(cutoff) {
		if ctx.Err() != nil {
			return fmt.Errorf("cron: session prune cancelled: %w", ctx.Err())
		}
		if err := j.Delete(id); err != nil {
			j.Logger.Warn("cron: failed to prune session", "session_id", id, "error", err)
			continue
		}
		pruned++
	}
	if pruned > 0 {
		j.Logger.Info("cron: pruned idle sessions", "count", pruned, "max_idle", j.MaxIdle)
	}
	return nil
}

// EventLogAuditJob measures the on-disk size of the event log directory and
// warns when it exceeds MaxBytes. It never deletes anything; transcripts are
// the source of truth for session resume, so reclaiming space is left to the
// operator.
type EventLogAuditJob struct {
	Dir          string
	MaxBytes     int64
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "0 * * * *"
}

// Compile-time interface check.
var _ Job = (*EventLogAuditJob)(nil)

// Name implements Job.
func (j *EventLogAuditJob) Name() string { return "eventlog_audit" }

// Schedule implements Job.
func (j *EventLogAuditJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "0 * * * *"
}

// Run walks the event log directory and totals file sizes.
func (j *EventLogAuditJob) Run(ctx context.Context) error {
	var total int64
	var files int
	err := filepath.WalkDir(j.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		files++
		return nil
	})
	if err != nil {
		return fmt.Errorf("cron: event log audit failed: %w", err)
	}

	if j.MaxBytes > 0 && total > j.MaxBytes {
		j.Logger.Warn("cron: event log exceeds size limit",
			"dir", j.Dir,
			"bytes", total,
			"limit", j.MaxBytes,
			"files", files,
		)
		return nil
	}
	j.Logger.Debug("cron: event log audit", "dir", j.Dir, "bytes", total, "files", files)
	return nil
}
