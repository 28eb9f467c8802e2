package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingtower/core/pkg/model"
)

func createTestDB(t *testing.T) *DB {
	db, err := NewDB(":memory:", true)
	require.NoError(t, err, "failed to create test database")
	return db
}

func TestNewDB(t *testing.T) {
	db, err := NewDB(":memory:", true)
	require.NoError(t, err)
	require.NotNil(t, db)
	defer db.Close()
}

func TestInitSchema(t *testing.T) {
	db := createTestDB(t)
	defer db.Close()

	var count int
	require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM target"), "target table should exist")
	require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM check_result"), "check_result table should exist")
	require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM incident"), "incident table should exist")
}

func TestTargetRepository_CreateListGet(t *testing.T) {
	db := createTestDB(t)
	defer db.Close()
	ctx := context.Background()
	repo := db.TargetRepository()

	target := &model.Target{Name: "example", URL: "https://example.com", IntervalS: 60, TimeoutS: 5}
	require.NoError(t, repo.Create(ctx, target))
	require.NotZero(t, target.ID, "expected a non-zero id after create")
	require.NotEmpty(t, target.ExternalID, "expected a generated external id")

	got, err := repo.GetTarget(ctx, target.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, target.URL, got.URL)

	list, err := repo.ListTargets(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	missing, err := repo.GetTarget(ctx, 9999)
	require.NoError(t, err, "GetTarget for missing id should not error")
	require.Nil(t, missing, "expected nil for a missing target")
}

func TestResultRepository_InsertAndLastN(t *testing.T) {
	db := createTestDB(t)
	defer db.Close()
	ctx := context.Background()

	target := &model.Target{Name: "t", URL: "https://example.com", IntervalS: 60, TimeoutS: 5}
	require.NoError(t, db.TargetRepository().Create(ctx, target))

	results := db.ResultRepository()
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		latency := 100 + i
		ok := i != 1
		cr := &model.CheckResult{
			TargetID:  target.ID,
			TS:        now.Add(time.Duration(i) * time.Second),
			OK:        ok,
			LatencyMS: &latency,
		}
		require.NoError(t, results.InsertResult(ctx, cr))
	}

	last, err := results.LastNResults(ctx, target.ID, 5)
	require.NoError(t, err)
	require.Len(t, last, 3)
	require.True(t, last[0].OK, "expected the newest result (ok) to be first")
}

func TestResultRepository_TTLCleanup(t *testing.T) {
	db := createTestDB(t)
	defer db.Close()
	ctx := context.Background()

	target := &model.Target{Name: "t", URL: "https://example.com", IntervalS: 60, TimeoutS: 5}
	require.NoError(t, db.TargetRepository().Create(ctx, target))

	results := db.ResultRepository()
	old := &model.CheckResult{TargetID: target.ID, TS: time.Now().UTC().Add(-1000 * time.Hour), OK: true}
	require.NoError(t, results.InsertResult(ctx, old))

	removed, err := results.TTLCleanup(ctx, time.Now().UTC().Add(-720*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
}

func TestIncidentRepository_OpenIncrementClose(t *testing.T) {
	db := createTestDB(t)
	defer db.Close()
	ctx := context.Background()

	target := &model.Target{Name: "t", URL: "https://example.com", IntervalS: 60, TimeoutS: 5}
	require.NoError(t, db.TargetRepository().Create(ctx, target))
	incidents := db.IncidentRepository()

	none, err := incidents.GetOpenIncident(ctx, target.ID)
	require.NoError(t, err)
	require.Nil(t, none, "expected no open incident initially")

	now := time.Now().UTC()
	inc, err := incidents.OpenIncident(ctx, target.ID, now, 3)
	require.NoError(t, err)
	require.True(t, inc.IsOpen, "newly opened incident should be open")
	require.NotEmpty(t, inc.ExternalID, "expected a generated external id")

	failCount, err := incidents.IncrementFail(ctx, inc.ID)
	require.NoError(t, err)
	require.Equal(t, 4, failCount)

	require.NoError(t, incidents.CloseIncident(ctx, inc.ID, now.Add(time.Minute)))
	closedCheck, err := incidents.GetOpenIncident(ctx, target.ID)
	require.NoError(t, err)
	require.Nil(t, closedCheck, "expected no open incident after close")
}

func TestWindowStatsAndPercentiles(t *testing.T) {
	db := createTestDB(t)
	defer db.Close()
	ctx := context.Background()

	target := &model.Target{Name: "t", URL: "https://example.com", IntervalS: 60, TimeoutS: 5}
	require.NoError(t, db.TargetRepository().Create(ctx, target))
	results := db.ResultRepository()

	latencies := []int{100, 200, 300, 400, 500}
	now := time.Now().UTC()
	for i, ms := range latencies {
		l := ms
		ok := i != 0
		require.NoError(t, results.InsertResult(ctx, &model.CheckResult{
			TargetID:  target.ID,
			TS:        now.Add(time.Duration(i) * time.Second),
			OK:        ok,
			LatencyMS: &l,
		}))
	}

	stats, err := results.WindowStats(ctx, target.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 5, stats.TotalChecks)
	require.Equal(t, 4, stats.OKChecks)

	pct, err := results.Percentiles(ctx, target.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 5, pct.Samples)
	require.GreaterOrEqual(t, pct.P95, pct.P50)
}
