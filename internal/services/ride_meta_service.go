package services

import (
	"context"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/sirupsen/logrus"

	"queue-server/internal/status"
	"queue-server/internal/store"
	"queue-server/models"
)

// RidesCollection is the PocketBase collection holding the ride table.
const RidesCollection = "rides"

// DispatchRegistrar installs and removes the periodic dispatcher for a ride.
type DispatchRegistrar interface {
	Register(rideID, cycleSeconds int64) error
	Unregister(rideID int64) bool
}

type RideMetaService struct {
	store      store.Store
	dispatcher DispatchRegistrar
	logger     *logrus.Logger
}

func NewRideMetaService(st store.Store, dispatcher DispatchRegistrar, logger *logrus.Logger) *RideMetaService {
	return &RideMetaService{store: st, dispatcher: dispatcher, logger: logger}
}

func ValidateMeta(meta models.RideMeta) error {
	switch {
	case meta.RideID <= 0:
		return errors.Wrapf(status.ErrInvalidMeta, "ride id %d", meta.RideID)
	case meta.RidingTimeSeconds <= 0:
		return errors.Wrapf(status.ErrInvalidMeta, "ride %d: cycle seconds must be positive", meta.RideID)
	case meta.CapacityTotal <= 0:
		return errors.Wrapf(status.ErrInvalidMeta, "ride %d: total capacity must be positive", meta.RideID)
	case meta.CapacityPremium < 0 || meta.CapacityGeneral < 0:
		return errors.Wrapf(status.ErrInvalidMeta, "ride %d: class capacity is negative", meta.RideID)
	case meta.CapacityPremium+meta.CapacityGeneral > meta.CapacityTotal:
		return errors.Wrapf(status.ErrInvalidMeta, "ride %d: premium %d + general %d exceeds total %d",
			meta.RideID, meta.CapacityPremium, meta.CapacityGeneral, meta.CapacityTotal)
	}
	return nil
}

// SaveMeta persists the hash and then (re)registers the ride's dispatcher.
func (s *RideMetaService) SaveMeta(ctx context.Context, meta models.RideMeta) error {
	if err := ValidateMeta(meta); err != nil {
		return err
	}

	err := s.store.HSet(ctx, store.MetaKey(meta.RideID), map[string]string{
		store.FieldRidingTimeSeconds: strconv.FormatInt(meta.RidingTimeSeconds, 10),
		store.FieldCapacityTotal:     strconv.FormatInt(meta.CapacityTotal, 10),
		store.FieldCapacityPremium:   strconv.FormatInt(meta.CapacityPremium, 10),
		store.FieldCapacityGeneral:   strconv.FormatInt(meta.CapacityGeneral, 10),
	})
	if err != nil {
		return err
	}

	if err := s.dispatcher.Register(meta.RideID, meta.RidingTimeSeconds); err != nil {
		return errors.Wrapf(err, "register dispatcher for ride %d", meta.RideID)
	}

	s.logger.WithFields(logrus.Fields{
		"ride_id":          meta.RideID,
		"cycle_seconds":    meta.RidingTimeSeconds,
		"capacity_total":   meta.CapacityTotal,
		"capacity_premium": meta.CapacityPremium,
		"capacity_general": meta.CapacityGeneral,
	}).Info("ride meta saved")
	return nil
}

// ReplaceMeta saves meta for a ride record that may have changed its ride
// id. The ride previously saved under another id is deleted first.
func (s *RideMetaService) ReplaceMeta(ctx context.Context, previousRideID int64, meta models.RideMeta) error {
	if err := ValidateMeta(meta); err != nil {
		return err
	}
	if previousRideID > 0 && previousRideID != meta.RideID {
		if _, err := s.DeleteMeta(ctx, previousRideID); err != nil {
			return err
		}
	}
	return s.SaveMeta(ctx, meta)
}

// DeleteMeta closes a ride: its dispatcher stops, the meta hash goes (so
// enrollments fail with ErrMetaMissing) and everyone still waiting is
// dropped from the queues and their user indexes. Returns how many queue
// members were removed.
func (s *RideMetaService) DeleteMeta(ctx context.Context, rideID int64) (int, error) {
	s.dispatcher.Unregister(rideID)

	if _, err := s.store.Del(ctx, store.MetaKey(rideID)); err != nil {
		return 0, err
	}

	removed := 0
	for _, class := range models.Classes {
		n, err := s.drain(ctx, rideID, class)
		removed += n
		if err != nil {
			return removed, err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"ride_id": rideID,
		"removed": removed,
	}).Info("ride meta deleted")
	return removed, nil
}

// drain pops the queue empty, one member at a time, so that an enrollment
// racing the delete is either drained or rejected by the missing meta.
func (s *RideMetaService) drain(ctx context.Context, rideID int64, class models.Class) (int, error) {
	key := store.QueueKey(rideID, class)
	entry := store.IndexEntry(rideID, class)
	removed := 0
	for {
		m, found, err := s.store.ZPopMin(ctx, key)
		if err != nil {
			return removed, err
		}
		if !found {
			return removed, nil
		}
		removed++
		if userID, ok := store.ParseUserMember(m.Member); ok {
			if _, err := s.store.ZRem(ctx, store.UserIndexKey(userID), entry); err != nil {
				return removed, err
			}
		}
	}
}

func (s *RideMetaService) LoadMeta(ctx context.Context, rideID int64) (models.RideMeta, error) {
	return loadMeta(ctx, s.store, rideID)
}

// ListRideIDs returns every ride with a meta hash, ascending.
func (s *RideMetaService) ListRideIDs(ctx context.Context) ([]int64, error) {
	keys, err := s.store.KeysWithPrefix(ctx, store.MetaKeyPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		if id, ok := store.ParseMetaKey(k); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SeedRides saves a ride table, stopping at the first bad row.
func (s *RideMetaService) SeedRides(ctx context.Context, rides []models.RideMeta) error {
	for _, meta := range rides {
		if err := s.SaveMeta(ctx, meta); err != nil {
			return errors.Wrapf(err, "seed ride %d", meta.RideID)
		}
	}
	s.logger.WithField("rides", len(rides)).Info("ride table seeded")
	return nil
}

// LoadRideTable reads the rides collection. An empty or unreadable
// collection falls back to the given table.
func LoadRideTable(db dbx.Builder, fallback []models.RideMeta, logger *logrus.Logger) []models.RideMeta {
	var rows []models.RideMeta
	err := db.Select(
		"ride_id",
		"riding_time_seconds",
		"capacity_total",
		"capacity_premium",
		"capacity_general",
	).From(RidesCollection).OrderBy("ride_id").All(&rows)
	if err != nil {
		logger.WithError(err).Warn("rides collection unavailable, using built-in ride table")
		return fallback
	}
	if len(rows) == 0 {
		logger.Info("rides collection empty, using built-in ride table")
		return fallback
	}
	return rows
}

// MetaFromRecord reads a row of the rides collection.
func MetaFromRecord(record *core.Record) models.RideMeta {
	return models.RideMeta{
		RideID:            int64(record.GetInt("ride_id")),
		RidingTimeSeconds: int64(record.GetInt("riding_time_seconds")),
		CapacityTotal:     int64(record.GetInt("capacity_total")),
		CapacityPremium:   int64(record.GetInt("capacity_premium")),
		CapacityGeneral:   int64(record.GetInt("capacity_general")),
	}
}

// loadMeta fails with ErrMetaMissing unless both the cycle and the total
// capacity are present. Class capacities default to zero.
func loadMeta(ctx context.Context, st store.Store, rideID int64) (models.RideMeta, error) {
	key := store.MetaKey(rideID)
	meta := models.RideMeta{RideID: rideID}

	fields := []struct {
		name     string
		dst      *int64
		required bool
	}{
		{store.FieldRidingTimeSeconds, &meta.RidingTimeSeconds, true},
		{store.FieldCapacityTotal, &meta.CapacityTotal, true},
		{store.FieldCapacityPremium, &meta.CapacityPremium, false},
		{store.FieldCapacityGeneral, &meta.CapacityGeneral, false},
	}
	for _, f := range fields {
		raw, found, err := st.HGet(ctx, key, f.name)
		if err != nil {
			return models.RideMeta{}, err
		}
		if !found {
			if f.required {
				return models.RideMeta{}, errors.Wrapf(status.ErrMetaMissing, "ride %d: %s", rideID, f.name)
			}
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return models.RideMeta{}, errors.Wrapf(status.ErrInvalidMeta, "ride %d: %s=%q", rideID, f.name, raw)
		}
		*f.dst = v
	}
	return meta, nil
}
