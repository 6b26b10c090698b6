package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardliu001/event-service/internal/logger"
	"github.com/richardliu001/event-service/internal/model"
	"github.com/richardliu001/event-service/internal/testutil"
)

func newCachedRepo(t *testing.T) (*Repository, redismock.ClientMock) {
	t.Helper()
	rdb, mock := redismock.NewClientMock()
	return NewRepository(testutil.TestDB(t), rdb, logger.NewNop()), mock
}

func TestCache_MetricCounts(t *testing.T) {
	r, mock := newCachedRepo(t)
	ctx := context.Background()

	mock.ExpectGet("metrics:count:2025-03-10").RedisNil()
	mock.ExpectSet("metrics:count:2025-03-10", `[{"metricName":"a","count":2}]`, metricsCacheTTL).SetVal("OK")
	mock.ExpectGet("metrics:count:2025-03-10").SetVal(`[{"metricName":"a","count":2}]`)
	mock.ExpectDel("metrics:count:2025-03-10").SetVal(1)

	_, err := r.GetCachedMetricCounts(ctx, "2025-03-10")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, r.CacheMetricCounts(ctx, "2025-03-10", []model.MetricCount{{MetricName: "a", Count: 2}}))
	got, err := r.GetCachedMetricCounts(ctx, "2025-03-10")
	require.NoError(t, err)
	assert.Equal(t, []model.MetricCount{{MetricName: "a", Count: 2}}, got)

	require.NoError(t, r.InvalidateMetricCounts(ctx, "2025-03-10"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_ProfileAttributes(t *testing.T) {
	r, mock := newCachedRepo(t)
	ctx := context.Background()

	mock.ExpectSet("profile:email:a@b.co", `{"email":"a@b.co"}`, profileCacheTTL).SetVal("OK")
	mock.ExpectGet("profile:email:a@b.co").SetVal(`{"email":"a@b.co"}`)
	mock.ExpectGet("profile:email:bad@b.co").SetVal(`not json`)
	mock.ExpectGet("profile:email:down@b.co").SetErr(errors.New("connection refused"))
	mock.ExpectDel("profile:email:a@b.co").SetVal(1)

	require.NoError(t, r.CacheProfileAttributes(ctx, "a@b.co", map[string]interface{}{"email": "a@b.co"}))
	got, err := r.GetCachedProfileAttributes(ctx, "a@b.co")
	require.NoError(t, err)
	assert.Equal(t, "a@b.co", got["email"])

	_, err = r.GetCachedProfileAttributes(ctx, "bad@b.co")
	assert.ErrorIs(t, err, ErrCacheMiss)

	_, err = r.GetCachedProfileAttributes(ctx, "down@b.co")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, r.InvalidateProfile(ctx, "a@b.co"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_DisabledWithoutRedis(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	assert.NoError(t, r.CacheProfileAttributes(ctx, "a@b.co", map[string]interface{}{}))
	_, err := r.GetCachedProfileAttributes(ctx, "a@b.co")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.NoError(t, r.InvalidateMetricCounts(ctx, "2025-03-10"))
}
