package services

import (
	"context"
	"testing"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"queue-server/internal/status"
	"queue-server/internal/store"
	"queue-server/models"
)

type fakeRegistrar struct {
	calls map[int64]int64
	err   error
}

func (f *fakeRegistrar) Register(rideID, cycleSeconds int64) error {
	if f.err != nil {
		return f.err
	}
	if f.calls == nil {
		f.calls = make(map[int64]int64)
	}
	f.calls[rideID] = cycleSeconds
	return nil
}

func (f *fakeRegistrar) Unregister(rideID int64) bool {
	_, ok := f.calls[rideID]
	delete(f.calls, rideID)
	return ok
}

func newMetaService(t *testing.T) (*RideMetaService, *fakeRegistrar, store.Store) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	st := store.NewMemoryStore()
	reg := &fakeRegistrar{}
	return NewRideMetaService(st, reg, logger), reg, st
}

func TestValidateMeta(t *testing.T) {
	valid := models.RideMeta{RideID: 1, RidingTimeSeconds: 60, CapacityTotal: 20, CapacityPremium: 8, CapacityGeneral: 12}

	tests := []struct {
		name   string
		mutate func(m *models.RideMeta)
		ok     bool
	}{
		{"valid", func(m *models.RideMeta) {}, true},
		{"classes below total", func(m *models.RideMeta) { m.CapacityGeneral = 2 }, true},
		{"zero premium", func(m *models.RideMeta) { m.CapacityPremium = 0 }, true},
		{"zero ride id", func(m *models.RideMeta) { m.RideID = 0 }, false},
		{"zero cycle", func(m *models.RideMeta) { m.RidingTimeSeconds = 0 }, false},
		{"zero total", func(m *models.RideMeta) { m.CapacityTotal = 0 }, false},
		{"negative premium", func(m *models.RideMeta) { m.CapacityPremium = -1 }, false},
		{"classes exceed total", func(m *models.RideMeta) { m.CapacityGeneral = 13 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			tt.mutate(&m)
			err := ValidateMeta(m)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, status.ErrInvalidMeta)
			}
		})
	}
}

func TestSaveMeta_WritesHashAndRegisters(t *testing.T) {
	svc, reg, st := newMetaService(t)
	ctx := context.Background()
	meta := models.RideMeta{RideID: 4, RidingTimeSeconds: 90, CapacityTotal: 30, CapacityPremium: 10, CapacityGeneral: 20}

	require.NoError(t, svc.SaveMeta(ctx, meta))

	assert.Equal(t, int64(90), reg.calls[4])
	v, found, err := st.HGet(ctx, "ride:meta:4", "capacity_premium")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "10", v)

	got, err := svc.LoadMeta(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestSaveMeta_InvalidWritesNothing(t *testing.T) {
	svc, reg, st := newMetaService(t)
	ctx := context.Background()

	err := svc.SaveMeta(ctx, models.RideMeta{RideID: 4, RidingTimeSeconds: 0, CapacityTotal: 30})

	assert.ErrorIs(t, err, status.ErrInvalidMeta)
	assert.Empty(t, reg.calls)
	keys, err := st.KeysWithPrefix(ctx, store.MetaKeyPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSaveMeta_RegistrarFailure(t *testing.T) {
	svc, reg, _ := newMetaService(t)
	reg.err = status.ErrInvalidMeta

	err := svc.SaveMeta(context.Background(), models.RideMeta{RideID: 2, RidingTimeSeconds: 10, CapacityTotal: 4})

	assert.ErrorIs(t, err, status.ErrInvalidMeta)
}

func TestLoadMeta(t *testing.T) {
	svc, _, st := newMetaService(t)
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		_, err := svc.LoadMeta(ctx, 99)
		assert.ErrorIs(t, err, status.ErrMetaMissing)
	})

	t.Run("total capacity missing", func(t *testing.T) {
		require.NoError(t, st.HSet(ctx, store.MetaKey(5), map[string]string{"riding_time_seconds": "60"}))
		_, err := svc.LoadMeta(ctx, 5)
		assert.ErrorIs(t, err, status.ErrMetaMissing)
	})

	t.Run("class capacities default to zero", func(t *testing.T) {
		require.NoError(t, st.HSet(ctx, store.MetaKey(6), map[string]string{
			"riding_time_seconds": "60",
			"capacity_total":      "10",
		}))
		got, err := svc.LoadMeta(ctx, 6)
		require.NoError(t, err)
		assert.Equal(t, models.RideMeta{RideID: 6, RidingTimeSeconds: 60, CapacityTotal: 10}, got)
	})

	t.Run("unparsable", func(t *testing.T) {
		require.NoError(t, st.HSet(ctx, store.MetaKey(7), map[string]string{
			"riding_time_seconds": "sixty",
			"capacity_total":      "10",
		}))
		_, err := svc.LoadMeta(ctx, 7)
		assert.ErrorIs(t, err, status.ErrInvalidMeta)
	})
}

func TestListRideIDs_Sorted(t *testing.T) {
	svc, _, _ := newMetaService(t)
	ctx := context.Background()

	for _, id := range []int64{10, 2, 7} {
		require.NoError(t, svc.SaveMeta(ctx, models.RideMeta{RideID: id, RidingTimeSeconds: 60, CapacityTotal: 4}))
	}

	ids, err := svc.ListRideIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 7, 10}, ids)
}

func TestSeedRides_StopsAtFirstBadRow(t *testing.T) {
	svc, reg, _ := newMetaService(t)

	err := svc.SeedRides(context.Background(), []models.RideMeta{
		{RideID: 1, RidingTimeSeconds: 60, CapacityTotal: 4, CapacityPremium: 2, CapacityGeneral: 2},
		{RideID: 2, RidingTimeSeconds: 60, CapacityTotal: 4, CapacityPremium: 3, CapacityGeneral: 3},
		{RideID: 3, RidingTimeSeconds: 60, CapacityTotal: 4},
	})

	assert.ErrorIs(t, err, status.ErrInvalidMeta)
	assert.Contains(t, err.Error(), "seed ride 2")
	assert.Equal(t, map[int64]int64{1: 60}, reg.calls)
}

func openRidesDB(t *testing.T) *dbx.DB {
	t.Helper()
	db, err := dbx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every pooled connection would get its own in-memory database
	db.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLoadRideTable(t *testing.T) {
	logger, hook := test.NewNullLogger()
	fallback := []models.RideMeta{{RideID: 100, RidingTimeSeconds: 60, CapacityTotal: 4}}

	t.Run("reads collection rows", func(t *testing.T) {
		db := openRidesDB(t)
		_, err := db.NewQuery(`CREATE TABLE rides (
			id TEXT PRIMARY KEY,
			ride_id INTEGER,
			riding_time_seconds INTEGER,
			capacity_total INTEGER,
			capacity_premium INTEGER,
			capacity_general INTEGER
		)`).Execute()
		require.NoError(t, err)
		for i, r := range []dbx.Params{
			{"id": "b", "ride_id": 3, "riding_time_seconds": 90, "capacity_total": 10, "capacity_premium": 4, "capacity_general": 6},
			{"id": "a", "ride_id": 1, "riding_time_seconds": 60, "capacity_total": 8, "capacity_premium": 2, "capacity_general": 6},
		} {
			_, err := db.Insert(RidesCollection, r).Execute()
			require.NoError(t, err, "row %d", i)
		}

		got := LoadRideTable(db, fallback, logger)

		assert.Equal(t, []models.RideMeta{
			{RideID: 1, RidingTimeSeconds: 60, CapacityTotal: 8, CapacityPremium: 2, CapacityGeneral: 6},
			{RideID: 3, RidingTimeSeconds: 90, CapacityTotal: 10, CapacityPremium: 4, CapacityGeneral: 6},
		}, got)
	})

	t.Run("missing collection falls back", func(t *testing.T) {
		hook.Reset()
		got := LoadRideTable(openRidesDB(t), fallback, logger)
		assert.Equal(t, fallback, got)
		assert.True(t, hasLog(hook, logrus.WarnLevel, "rides collection unavailable, using built-in ride table"))
	})

	t.Run("empty collection falls back", func(t *testing.T) {
		db := openRidesDB(t)
		_, err := db.NewQuery("CREATE TABLE rides (ride_id INTEGER, riding_time_seconds INTEGER, capacity_total INTEGER, capacity_premium INTEGER, capacity_general INTEGER)").Execute()
		require.NoError(t, err)

		assert.Equal(t, fallback, LoadRideTable(db, fallback, logger))
	})
}

func TestMetaFromRecord(t *testing.T) {
	collection := core.NewBaseCollection(RidesCollection)
	for _, name := range []string{"ride_id", "riding_time_seconds", "capacity_total", "capacity_premium", "capacity_general"} {
		collection.Fields.Add(&core.NumberField{Name: name, OnlyInt: true})
	}
	record := core.NewRecord(collection)
	record.Set("ride_id", 3)
	record.Set("riding_time_seconds", 25)
	record.Set("capacity_total", 12)
	record.Set("capacity_premium", 6)
	record.Set("capacity_general", 6)

	assert.Equal(t, models.RideMeta{
		RideID:            3,
		RidingTimeSeconds: 25,
		CapacityTotal:     12,
		CapacityPremium:   6,
		CapacityGeneral:   6,
	}, MetaFromRecord(record))
}

func TestDeleteMeta_ClosesRide(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), QueueOptions{})
	ctx := context.Background()
	env.saveMeta(t, 3, 60, 4, 2, 2)
	env.saveMeta(t, 5, 60, 4, 2, 2)

	_, err := env.queue.Enqueue(ctx, 1, 3, "PREMIUM")
	require.NoError(t, err)
	_, err = env.queue.Enqueue(ctx, 2, 3, "GENERAL")
	require.NoError(t, err)
	_, err = env.queue.Enqueue(ctx, 2, 5, "GENERAL")
	require.NoError(t, err)

	removed, err := env.meta.DeleteMeta(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = env.queue.Enqueue(ctx, 9, 3, "GENERAL")
	assert.ErrorIs(t, err, status.ErrMetaMissing)
	assert.Empty(t, env.members(t, 3, models.ClassGeneral))
	assert.Empty(t, env.members(t, 3, models.ClassPremium))

	ids, err := env.meta.ListRideIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids)

	registered := env.dispatcher.Registered()
	require.Len(t, registered, 1)
	assert.Equal(t, int64(5), registered[0].RideID)

	assert.Empty(t, env.indexEntries(t, 1))
	assert.Equal(t, []string{"5:GENERAL"}, env.indexEntries(t, 2))

	all, err := env.queue.GetAllStatus(ctx, 2)
	require.NoError(t, err)
	require.Len(t, all.Items, 1)
	assert.Equal(t, int64(5), all.Items[0].RideID)

	info, err := env.queue.GetAllRidesQueueInfo(ctx)
	require.NoError(t, err)
	require.Len(t, info.Rides, 1)
	assert.Equal(t, int64(5), info.Rides[0].RideID)
}

func TestDeleteMeta_UnknownRide(t *testing.T) {
	svc, _, _ := newMetaService(t)

	removed, err := svc.DeleteMeta(context.Background(), 42)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestReplaceMeta(t *testing.T) {
	meta := models.RideMeta{RideID: 4, RidingTimeSeconds: 30, CapacityTotal: 4, CapacityPremium: 2, CapacityGeneral: 2}

	t.Run("changed ride id drops the old ride", func(t *testing.T) {
		env := newTestEnv(t, store.NewMemoryStore(), QueueOptions{})
		ctx := context.Background()
		env.saveMeta(t, 3, 60, 4, 2, 2)
		_, err := env.queue.Enqueue(ctx, 1, 3, "GENERAL")
		require.NoError(t, err)

		require.NoError(t, env.meta.ReplaceMeta(ctx, 3, meta))

		registered := env.dispatcher.Registered()
		require.Len(t, registered, 1)
		assert.Equal(t, int64(4), registered[0].RideID)
		assert.Equal(t, int64(30), registered[0].CycleSeconds)

		_, err = env.meta.LoadMeta(ctx, 3)
		assert.ErrorIs(t, err, status.ErrMetaMissing)
		assert.Empty(t, env.indexEntries(t, 1))
	})

	t.Run("same ride id keeps the queue", func(t *testing.T) {
		env := newTestEnv(t, store.NewMemoryStore(), QueueOptions{})
		ctx := context.Background()
		env.saveMeta(t, 4, 60, 4, 2, 2)
		_, err := env.queue.Enqueue(ctx, 1, 4, "GENERAL")
		require.NoError(t, err)

		require.NoError(t, env.meta.ReplaceMeta(ctx, 4, meta))

		got, err := env.meta.LoadMeta(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, meta, got)
		assert.Equal(t, []string{"user:1"}, env.members(t, 4, models.ClassGeneral))
	})

	t.Run("invalid meta keeps the old ride", func(t *testing.T) {
		svc, reg, _ := newMetaService(t)
		ctx := context.Background()
		require.NoError(t, svc.SaveMeta(ctx, models.RideMeta{RideID: 3, RidingTimeSeconds: 60, CapacityTotal: 4}))

		bad := meta
		bad.CapacityTotal = 0
		assert.ErrorIs(t, svc.ReplaceMeta(ctx, 3, bad), status.ErrInvalidMeta)
		assert.Equal(t, map[int64]int64{3: 60}, reg.calls)
	})
}
