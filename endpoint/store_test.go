package endpoint

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmlb/llmlb/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(AllTables()...))

	pool, err := database.NewPoolManager(db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	return New(pool, zap.NewNop())
}

func TestStore_InsertRejectsMalformedURL(t *testing.T) {
	s := newTestStore(t)
	err := s.Insert(context.Background(), &Endpoint{Name: "bad", BaseURL: "not-a-url"})
	require.Error(t, err)
}

func TestStore_InsertAssignsIDAndDefaults(t *testing.T) {
	s := newTestStore(t)
	e := &Endpoint{Name: "local-1", BaseURL: "http://127.0.0.1:8000"}
	require.NoError(t, s.Insert(context.Background(), e))
	require.NotEmpty(t, e.ID)
	require.Equal(t, StatusPending, e.Status)
}

func TestStore_InsertDuplicateNameConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, &Endpoint{Name: "dup", BaseURL: "http://a"}))
	err := s.Insert(ctx, &Endpoint{Name: "dup", BaseURL: "http://b"})
	require.Error(t, err)
}

func TestStore_GetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
}

func TestStore_BumpCounterIsAdditive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := &Endpoint{Name: "counter-ep", BaseURL: "http://a"}
	require.NoError(t, s.Insert(ctx, e))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.BumpCounter(ctx, e.ID, CounterTotal))
	}

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	require.EqualValues(t, 5, got.TotalRequests)
}

func TestStore_UpsertModelThenDeleteMissingPrunes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := &Endpoint{Name: "model-ep", BaseURL: "http://a"}
	require.NoError(t, s.Insert(ctx, e))

	require.NoError(t, s.UpsertModel(ctx, Model{EndpointID: e.ID, ModelID: "a"}))
	require.NoError(t, s.UpsertModel(ctx, Model{EndpointID: e.ID, ModelID: "b"}))

	models, err := s.ListModels(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, models, 2)

	require.NoError(t, s.DeleteMissingModels(ctx, e.ID, []string{"a"}))

	models, err = s.ListModels(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, models, 1)
	require.Equal(t, "a", models[0].ModelID)
}

func TestStore_UpsertDailyAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := &Endpoint{Name: "daily-ep", BaseURL: "http://a"}
	require.NoError(t, s.Insert(ctx, e))

	require.NoError(t, s.UpsertDaily(ctx, e.ID, "m1", "2026-07-31", DailyStat{
		TotalRequests: 1, SuccessfulRequests: 1,
	}))
	require.NoError(t, s.UpsertDaily(ctx, e.ID, "m1", "2026-07-31", DailyStat{
		TotalRequests: 1, FailedRequests: 1,
	}))

	var row DailyStat
	require.NoError(t, s.pool.DB().WithContext(ctx).
		Where("endpoint_id = ? AND model_id = ? AND date = ?", e.ID, "m1", "2026-07-31").
		First(&row).Error)
	require.EqualValues(t, 2, row.TotalRequests)
	require.EqualValues(t, 1, row.SuccessfulRequests)
	require.EqualValues(t, 1, row.FailedRequests)
}

func TestStore_InsertRejectsOutOfBoundsIntervals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Insert(ctx, &Endpoint{Name: "fast-probe", BaseURL: "http://a", HealthCheckIntervalS: 2})
	require.Error(t, err)

	err = s.Insert(ctx, &Endpoint{Name: "slow-probe", BaseURL: "http://a", HealthCheckIntervalS: 7200})
	require.Error(t, err)

	err = s.Insert(ctx, &Endpoint{Name: "short-timeout", BaseURL: "http://a", InferenceTimeoutS: 5})
	require.Error(t, err)

	err = s.Insert(ctx, &Endpoint{Name: "bounded-ok", BaseURL: "http://a", HealthCheckIntervalS: 60, InferenceTimeoutS: 300})
	require.NoError(t, err)
}
