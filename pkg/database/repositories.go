package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pingtower/core/pkg/model"
)

// TargetRepository provides database operations for targets and
// implements store.TargetRepository.
type TargetRepository struct {
	db *DB
}

// NewTargetRepository creates a new target repository
func NewTargetRepository(db *DB) *TargetRepository {
	return &TargetRepository{db: db}
}

// ListTargets returns every registered target, oldest first.
func (r *TargetRepository) ListTargets(ctx context.Context) ([]*model.Target, error) {
	var targets []*model.Target
	err := r.db.SelectContext(ctx, &targets, "SELECT * FROM target ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	return targets, nil
}

// GetTarget returns a single target by id, or (nil, nil) if absent.
func (r *TargetRepository) GetTarget(ctx context.Context, id int64) (*model.Target, error) {
	var t model.Target
	err := r.db.GetContext(ctx, &t, "SELECT * FROM target WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target %d: %w", id, err)
	}
	return &t, nil
}

// Create inserts a new target and fills in its assigned id and
// created_at.
func (r *TargetRepository) Create(ctx context.Context, t *model.Target) error {
	if t.ExternalID == "" {
		t.ExternalID = uuid.NewString()
	}
	query := `
		INSERT INTO target (external_id, name, url, interval_s, timeout_s)
		VALUES (:external_id, :name, :url, :interval_s, :timeout_s)
	`
	result, err := r.db.NamedExecContext(ctx, query, t)
	if err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read new target id: %w", err)
	}
	t.ID = id
	return r.db.GetContext(ctx, &t.CreatedAt, "SELECT created_at FROM target WHERE id = ?", id)
}

// Update replaces the mutable fields of an existing target.
func (r *TargetRepository) Update(ctx context.Context, t *model.Target) error {
	query := `
		UPDATE target
		SET name = :name, url = :url, interval_s = :interval_s, timeout_s = :timeout_s
		WHERE id = :id
	`
	_, err := r.db.NamedExecContext(ctx, query, t)
	if err != nil {
		return fmt.Errorf("failed to update target %d: %w", t.ID, err)
	}
	return nil
}

// Delete removes a target and, via ON DELETE CASCADE, its results and
// incidents.
func (r *TargetRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM target WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete target %d: %w", id, err)
	}
	return nil
}

// ResultRepository records and queries check_result rows and
// implements store.ResultStore.
type ResultRepository struct {
	db *DB
}

// NewResultRepository creates a new check-result repository
func NewResultRepository(db *DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// InsertResult persists one probe outcome.
func (r *ResultRepository) InsertResult(ctx context.Context, cr *model.CheckResult) error {
	query := `
		INSERT INTO check_result (target_id, ts, ok, status_code, latency_ms, error_text)
		VALUES (:target_id, :ts, :ok, :status_code, :latency_ms, :error_text)
	`
	result, err := r.db.NamedExecContext(ctx, query, cr)
	if err != nil {
		return fmt.Errorf("failed to insert check result for target %d: %w", cr.TargetID, err)
	}
	id, err := result.LastInsertId()
	if err == nil {
		cr.ID = id
	}
	return nil
}

// LastNResults returns the n most recent results for targetID, newest
// first.
func (r *ResultRepository) LastNResults(ctx context.Context, targetID int64, n int) ([]*model.CheckResult, error) {
	var results []*model.CheckResult
	query := "SELECT * FROM check_result WHERE target_id = ? ORDER BY ts DESC, id DESC LIMIT ?"
	if err := r.db.SelectContext(ctx, &results, query, targetID, n); err != nil {
		return nil, fmt.Errorf("failed to fetch last %d results for target %d: %w", n, targetID, err)
	}
	return results, nil
}

// TTLCleanup deletes results older than olderThan and returns the
// number of rows removed.
func (r *ResultRepository) TTLCleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM check_result WHERE ts < ?", olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to run ttl cleanup: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read ttl cleanup row count: %w", err)
	}
	return removed, nil
}

// WindowStats computes the uptime ratio and mean latency for targetID
// over [since, now), grounded in the source's uptime_/avg_latency_
// repository helpers.
func (r *ResultRepository) WindowStats(ctx context.Context, targetID int64, since time.Time) (*WindowStats, error) {
	var row struct {
		Total int             `db:"total"`
		OK    int             `db:"ok_count"`
		AvgMS sql.NullFloat64 `db:"avg_ms"`
	}
	query := `
		SELECT COUNT(*) AS total,
		       SUM(CASE WHEN ok THEN 1 ELSE 0 END) AS ok_count,
		       AVG(latency_ms) AS avg_ms
		FROM check_result
		WHERE target_id = ? AND ts >= ?
	`
	if err := r.db.GetContext(ctx, &row, query, targetID, since); err != nil {
		return nil, fmt.Errorf("failed to compute window stats for target %d: %w", targetID, err)
	}
	stats := &WindowStats{TargetID: targetID, TotalChecks: row.Total, OKChecks: row.OK}
	if row.Total > 0 {
		stats.UptimeRatio = float64(row.OK) / float64(row.Total)
	}
	if row.AvgMS.Valid {
		stats.AvgLatency = row.AvgMS.Float64
	}
	return stats, nil
}

// Percentiles computes p50/p95 latency for targetID over [since, now)
// in memory from ordered samples, a fallback shape for the optional
// columnar analytics sink this spec excludes.
func (r *ResultRepository) Percentiles(ctx context.Context, targetID int64, since time.Time) (*LatencyPercentiles, error) {
	var samples []int
	query := `
		SELECT latency_ms FROM check_result
		WHERE target_id = ? AND ts >= ? AND latency_ms IS NOT NULL
		ORDER BY latency_ms
	`
	if err := r.db.SelectContext(ctx, &samples, query, targetID, since); err != nil {
		return nil, fmt.Errorf("failed to fetch latency samples for target %d: %w", targetID, err)
	}
	result := &LatencyPercentiles{TargetID: targetID, Samples: len(samples)}
	if len(samples) == 0 {
		return result, nil
	}
	sort.Ints(samples)
	result.P50 = float64(percentile(samples, 0.50))
	result.P95 = float64(percentile(samples, 0.95))
	return result, nil
}

// percentile returns the sample at index floor(frac*(n-1)) of a sorted
// sample set, without interpolating between neighbouring samples.
func percentile(sorted []int, frac float64) int {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(frac * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// IncidentRepository mutates and queries incident state and
// implements store.IncidentStore.
type IncidentRepository struct {
	db *DB
}

// NewIncidentRepository creates a new incident repository
func NewIncidentRepository(db *DB) *IncidentRepository {
	return &IncidentRepository{db: db}
}

// GetOpenIncident returns the open incident for targetID, or (nil,
// nil) if none is open. Per-target invariant: at most one open
// incident exists at a time.
func (r *IncidentRepository) GetOpenIncident(ctx context.Context, targetID int64) (*model.Incident, error) {
	var inc model.Incident
	query := "SELECT * FROM incident WHERE target_id = ? AND is_open = 1 LIMIT 1"
	err := r.db.GetContext(ctx, &inc, query, targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open incident for target %d: %w", targetID, err)
	}
	return &inc, nil
}

// OpenIncident opens a new incident for targetID.
func (r *IncidentRepository) OpenIncident(ctx context.Context, targetID int64, openedAt time.Time, failCount int) (*model.Incident, error) {
	externalID := uuid.NewString()
	query := `
		INSERT INTO incident (external_id, target_id, opened_at, fail_count, is_open)
		VALUES (?, ?, ?, ?, 1)
	`
	result, err := r.db.ExecContext(ctx, query, externalID, targetID, openedAt, failCount)
	if err != nil {
		return nil, fmt.Errorf("failed to open incident for target %d: %w", targetID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read new incident id: %w", err)
	}
	return &model.Incident{ID: id, ExternalID: externalID, TargetID: targetID, OpenedAt: openedAt, FailCount: failCount, IsOpen: true}, nil
}

// CloseIncident closes an open incident.
func (r *IncidentRepository) CloseIncident(ctx context.Context, id int64, closedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, "UPDATE incident SET closed_at = ?, is_open = 0 WHERE id = ?", closedAt, id)
	if err != nil {
		return fmt.Errorf("failed to close incident %d: %w", id, err)
	}
	return nil
}

// IncrementFail increments an open incident's fail_count and returns
// the new value.
func (r *IncidentRepository) IncrementFail(ctx context.Context, incidentID int64) (int, error) {
	_, err := r.db.ExecContext(ctx, "UPDATE incident SET fail_count = fail_count + 1 WHERE id = ?", incidentID)
	if err != nil {
		return 0, fmt.Errorf("failed to increment fail count for incident %d: %w", incidentID, err)
	}
	var failCount int
	if err := r.db.GetContext(ctx, &failCount, "SELECT fail_count FROM incident WHERE id = ?", incidentID); err != nil {
		return 0, fmt.Errorf("failed to read fail count for incident %d: %w", incidentID, err)
	}
	return failCount, nil
}

// ListIncidents returns incidents, optionally restricted to open ones,
// newest first, for operator visibility into incident history.
func (r *IncidentRepository) ListIncidents(ctx context.Context, openOnly bool) ([]*model.Incident, error) {
	var incidents []*model.Incident
	query := "SELECT * FROM incident"
	if openOnly {
		query += " WHERE is_open = 1"
	}
	query += " ORDER BY opened_at DESC"
	if err := r.db.SelectContext(ctx, &incidents, query); err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	return incidents, nil
}

// ListIncidentsForTarget returns every incident recorded for
// targetID, newest first.
func (r *IncidentRepository) ListIncidentsForTarget(ctx context.Context, targetID int64) ([]*model.Incident, error) {
	var incidents []*model.Incident
	query := "SELECT * FROM incident WHERE target_id = ? ORDER BY opened_at DESC"
	if err := r.db.SelectContext(ctx, &incidents, query, targetID); err != nil {
		return nil, fmt.Errorf("failed to list incidents for target %d: %w", targetID, err)
	}
	return incidents, nil
}
