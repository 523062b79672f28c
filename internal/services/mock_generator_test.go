package services

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queue-server/internal/store"
	"queue-server/models"
)

func newMockEnv(t *testing.T, popularity map[int64]int, metas ...models.RideMeta) (*MockQueueGenerator, store.Store) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	st := store.NewMemoryStore()
	meta := NewRideMetaService(st, &fakeRegistrar{}, logger)
	for _, m := range metas {
		require.NoError(t, meta.SaveMeta(context.Background(), m))
	}
	return NewMockQueueGenerator(st, meta, popularity, 10*time.Millisecond, time.Hour, logger), st
}

func queueSize(t *testing.T, st store.Store, rideID int64, class models.Class) int64 {
	t.Helper()
	n, err := st.ZSize(context.Background(), store.QueueKey(rideID, class))
	require.NoError(t, err)
	return n
}

func TestMockFill_QuietRideGetsMinimums(t *testing.T) {
	// one rider per class per ten minutes
	g, st := newMockEnv(t, nil, models.RideMeta{RideID: 1, RidingTimeSeconds: 600, CapacityTotal: 2, CapacityPremium: 1, CapacityGeneral: 1})

	added, err := g.Fill(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(45), added)
	assert.Equal(t, int64(15), queueSize(t, st, 1, models.ClassPremium))
	assert.Equal(t, int64(30), queueSize(t, st, 1, models.ClassGeneral))
}

func TestMockFill_PopularRideScalesWithThroughput(t *testing.T) {
	g, st := newMockEnv(t, map[int64]int{1: popularityHigh},
		models.RideMeta{RideID: 1, RidingTimeSeconds: 60, CapacityTotal: 5, CapacityPremium: 2, CapacityGeneral: 3})

	_, err := g.Fill(context.Background())
	require.NoError(t, err)

	premium := queueSize(t, st, 1, models.ClassPremium)
	general := queueSize(t, st, 1, models.ClassGeneral)
	assert.GreaterOrEqual(t, premium, int64(30))
	assert.Less(t, premium, int64(50))
	assert.GreaterOrEqual(t, general, int64(45))
	assert.Less(t, general, int64(75))
}

func TestMockFill_WritesNoUserIndexes(t *testing.T) {
	g, st := newMockEnv(t, nil, models.RideMeta{RideID: 2, RidingTimeSeconds: 300, CapacityTotal: 4, CapacityPremium: 2, CapacityGeneral: 2})
	ctx := context.Background()

	_, err := g.Fill(ctx)
	require.NoError(t, err)

	keys, err := st.KeysWithPrefix(ctx, store.UserIndexKeyPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys)

	members, err := st.ZRangeWithScores(ctx, store.QueueKey(2, models.ClassGeneral), 0, -1)
	require.NoError(t, err)
	for _, m := range members {
		id, ok := store.ParseUserMember(m.Member)
		require.True(t, ok)
		assert.Greater(t, id, int64(mockFirstUserID))
	}
}

func TestMockRefill_TopsUpShortQueues(t *testing.T) {
	g, st := newMockEnv(t, nil, models.RideMeta{RideID: 1, RidingTimeSeconds: 600, CapacityTotal: 2, CapacityPremium: 1, CapacityGeneral: 1})
	ctx := context.Background()

	_, err := g.Fill(ctx)
	require.NoError(t, err)

	added, err := g.Refill(ctx)
	require.NoError(t, err)
	assert.Zero(t, added, "queues above the refill minimum are left alone")

	for i := 0; i < 10; i++ {
		_, _, err := st.ZPopMin(ctx, store.QueueKey(1, models.ClassPremium))
		require.NoError(t, err)
	}
	require.Equal(t, int64(5), queueSize(t, st, 1, models.ClassPremium))

	added, err = g.Refill(ctx)
	require.NoError(t, err)

	// 10 minimum - 5 current + slack of 3 to 7
	assert.GreaterOrEqual(t, added, int64(8))
	assert.LessOrEqual(t, added, int64(12))
	assert.Equal(t, 5+added, queueSize(t, st, 1, models.ClassPremium))
	assert.Equal(t, int64(30), queueSize(t, st, 1, models.ClassGeneral))
}

func TestMockGenerator_StartFillsAfterDelay(t *testing.T) {
	g, st := newMockEnv(t, nil, models.RideMeta{RideID: 1, RidingTimeSeconds: 600, CapacityTotal: 2, CapacityPremium: 1, CapacityGeneral: 1})

	g.Start(context.Background())
	assert.Eventually(t, func() bool {
		n, err := st.ZSize(context.Background(), store.QueueKey(1, models.ClassGeneral))
		return err == nil && n == 30
	}, 5*time.Second, 10*time.Millisecond)

	g.Stop()
	g.Stop()
}

func TestMockGenerator_StopBeforeDelay(t *testing.T) {
	g, st := newMockEnv(t, nil, models.RideMeta{RideID: 1, RidingTimeSeconds: 600, CapacityTotal: 2, CapacityPremium: 1, CapacityGeneral: 1})
	g.initialDelay = time.Hour

	g.Start(context.Background())
	g.Stop()

	assert.Zero(t, queueSize(t, st, 1, models.ClassPremium))
}
