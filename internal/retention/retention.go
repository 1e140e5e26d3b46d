// Package retention is the single sanctioned mutation path for stored data:
// an explicit-policy job that purges aged records from the stores. Nothing
// else in the system deletes or rewrites artifacts or audit events.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Policy bounds what the job may touch. Zero MaxAgeDays disables the job.
type Policy struct {
	MaxAgeDays int  `yaml:"max_age_days" json:"max_age_days"`
	DryRun     bool `yaml:"dry_run" json:"dry_run"`
}

// Enabled reports whether the policy purges anything at all.
func (p Policy) Enabled() bool { return p.MaxAgeDays > 0 }

// PurgeStore is implemented by stores that support policy deletion.
type PurgeStore interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (removed int64, err error)
}

// Job applies one policy across the registered stores.
type Job struct {
	policy Policy
	stores map[string]PurgeStore
	logger *slog.Logger
}

func NewJob(policy Policy, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{policy: policy, stores: make(map[string]PurgeStore), logger: logger}
}

// Register adds a named store to the job.
func (j *Job) Register(name string, store PurgeStore) {
	j.stores[name] = store
}

// Run purges every registered store up to the policy cutoff. A store failure
// stops the job; partial progress is fine because purging is idempotent.
func (j *Job) Run(ctx context.Context, now time.Time) error {
	if !j.policy.Enabled() {
		return nil
	}
	cutoff := now.AddDate(0, 0, -j.policy.MaxAgeDays)
	for name, store := range j.stores {
		if j.policy.DryRun {
			j.logger.InfoContext(ctx, "retention dry run", "store", name, "cutoff", cutoff)
			continue
		}
		removed, err := store.PurgeBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("retention purge %s: %w", name, err)
		}
		j.logger.InfoContext(ctx, "retention purge complete",
			"store", name, "cutoff", cutoff, "removed", removed)
	}
	return nil
}
