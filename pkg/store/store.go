// Package store declares the persistence interfaces the probe core
// consumes. The core never depends on a concrete database; pkg/database
// provides the sqlite-backed implementation used in production, and
// tests are free to substitute an in-memory fake.
package store

import (
	"context"
	"time"

	"github.com/pingtower/core/pkg/model"
)

// TargetRepository exposes the target catalog to the scheduler.
type TargetRepository interface {
	ListTargets(ctx context.Context) ([]*model.Target, error)
	GetTarget(ctx context.Context, id int64) (*model.Target, error)
}

// ResultStore records probe outcomes and serves recent history to the
// incident engine.
type ResultStore interface {
	InsertResult(ctx context.Context, r *model.CheckResult) error
	LastNResults(ctx context.Context, targetID int64, n int) ([]*model.CheckResult, error)
	TTLCleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// IncidentStore mutates and queries incident state. The caller
// serializes read-modify-write sequences per target (incident.Engine
// holds a per-target lock); implementations do not make a sequence of
// calls atomic.
type IncidentStore interface {
	GetOpenIncident(ctx context.Context, targetID int64) (*model.Incident, error)
	OpenIncident(ctx context.Context, targetID int64, openedAt time.Time, failCount int) (*model.Incident, error)
	CloseIncident(ctx context.Context, id int64, closedAt time.Time) error
	IncrementFail(ctx context.Context, incidentID int64) (int, error)
}
