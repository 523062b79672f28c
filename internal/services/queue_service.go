package services

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"queue-server/internal/status"
	"queue-server/internal/store"
	"queue-server/models"
	"queue-server/monitoring"
)

const DefaultUserMaxRides = 3

type QueueOptions struct {
	// UserMaxRides is the soft cap on concurrent (ride, class) enrollments.
	UserMaxRides int
	// ReenrollResetsPosition makes re-enrollment move the user to the back
	// (last write wins on the join score). Off by default: a repeat
	// enrollment keeps the current position.
	ReenrollResetsPosition bool
	// InfoConcurrency bounds the per-ride fan-out of GetAllRidesQueueInfo.
	InfoConcurrency int
}

// RideLister reports the rides known to the meta registry.
type RideLister interface {
	ListRideIDs(ctx context.Context) ([]int64, error)
}

type QueueService struct {
	store   store.Store
	rides   RideLister
	monitor *monitoring.Monitor
	logger  *logrus.Logger
	opts    QueueOptions
	now     func() time.Time
}

func NewQueueService(st store.Store, rides RideLister, monitor *monitoring.Monitor, logger *logrus.Logger, opts QueueOptions) *QueueService {
	if opts.UserMaxRides <= 0 {
		opts.UserMaxRides = DefaultUserMaxRides
	}
	if opts.InfoConcurrency <= 0 {
		opts.InfoConcurrency = 8
	}
	return &QueueService{
		store:   st,
		rides:   rides,
		monitor: monitor,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

func (s *QueueService) track(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	s.monitor.TrackQueueOperation(op, result)
}

// Enqueue places the user at the back of the (ride, class) queue and returns
// the resulting position and wait estimate.
func (s *QueueService) Enqueue(ctx context.Context, userID, rideID int64, ticketType string) (res models.EnqueueResult, err error) {
	defer func() { s.track("enqueue", err) }()

	class := models.NormalizeClass(ticketType)
	queueKey := store.QueueKey(rideID, class)
	indexKey := store.UserIndexKey(userID)
	entry := store.IndexEntry(rideID, class)
	member := store.UserMember(userID)
	log := s.logger.WithFields(logrus.Fields{"user_id": userID, "ride_id": rideID, "class": class})

	// Fail before touching the queues when the ride does not exist.
	meta, err := loadMeta(ctx, s.store, rideID)
	if err != nil {
		return res, err
	}

	_, held, err := s.store.ZScore(ctx, indexKey, entry)
	if err != nil {
		return res, err
	}
	if !held {
		size, err := s.store.ZSize(ctx, indexKey)
		if err != nil {
			return res, err
		}
		if size >= int64(s.opts.UserMaxRides) {
			log.WithField("enrolled", size).Info("enrollment rejected, ride limit reached")
			return res, errors.Wrapf(status.ErrUserLimitExceeded, "user %d holds %d rides", userID, size)
		}
	}

	write := !held || s.opts.ReenrollResetsPosition
	if !write {
		// An entry left behind by an admission is stale; enroll afresh.
		_, queued, err := s.store.ZScore(ctx, queueKey, member)
		if err != nil {
			return res, err
		}
		write = !queued
	}

	if write {
		score := float64(s.now().UnixMilli())
		if err := s.store.ZAdd(ctx, queueKey, member, score); err != nil {
			return res, err
		}
		if err := s.store.ZAdd(ctx, indexKey, entry, score); err != nil {
			if !held {
				if _, rbErr := s.store.ZRem(ctx, queueKey, member); rbErr != nil {
					log.WithError(rbErr).Error("enrollment rollback failed")
				}
			}
			return res, err
		}
	}

	rank, err := s.rankWithRetry(ctx, queueKey, member)
	if err != nil {
		return res, err
	}

	position := rank + 1
	res = models.EnqueueResult{
		Position:             position,
		EstimatedWaitMinutes: models.EstimateWaitMinutes(position-1, meta.CapacityTotal, meta.RidingTimeSeconds),
	}
	log.WithFields(logrus.Fields{
		"position":   res.Position,
		"wait_min":   res.EstimatedWaitMinutes,
		"reenrolled": held,
	}).Info("user enrolled")
	return res, nil
}

// rankWithRetry reads the rank once more if the member vanished right after
// its write, which happens when a tick pops it in between.
func (s *QueueService) rankWithRetry(ctx context.Context, queueKey, member string) (int64, error) {
	for attempt := 0; attempt < 2; attempt++ {
		rank, found, err := s.store.ZRank(ctx, queueKey, member)
		if err != nil {
			return 0, err
		}
		if found {
			return rank, nil
		}
	}
	return 0, errors.Wrapf(status.ErrQueueStateInconsistent, "%s missing from %s after write", member, queueKey)
}

func (s *QueueService) GetStatus(ctx context.Context, userID, rideID int64, ticketType string) (res models.EnqueueResult, err error) {
	defer func() { s.track("status", err) }()
	return s.status(ctx, userID, rideID, models.NormalizeClass(ticketType))
}

func (s *QueueService) status(ctx context.Context, userID, rideID int64, class models.Class) (models.EnqueueResult, error) {
	queueKey := store.QueueKey(rideID, class)
	rank, found, err := s.store.ZRank(ctx, queueKey, store.UserMember(userID))
	if err != nil {
		return models.EnqueueResult{}, err
	}
	if !found {
		return models.EnqueueResult{}, errors.Wrapf(status.ErrNotInQueue, "user %d, ride %d, %s", userID, rideID, class)
	}

	meta, err := loadMeta(ctx, s.store, rideID)
	if err != nil {
		return models.EnqueueResult{}, err
	}

	return models.EnqueueResult{
		Position:             rank + 1,
		EstimatedWaitMinutes: models.EstimateWaitMinutes(rank, meta.CapacityTotal, meta.RidingTimeSeconds),
	}, nil
}

// GetAllStatus lists every queue the user waits in. Index entries whose
// queue no longer holds the user are removed and skipped.
func (s *QueueService) GetAllStatus(ctx context.Context, userID int64) (res models.QueueStatusList, err error) {
	defer func() { s.track("status_all", err) }()

	indexKey := store.UserIndexKey(userID)
	entries, err := s.store.ZRangeWithScores(ctx, indexKey, 0, -1)
	if err != nil {
		return res, err
	}

	res = models.QueueStatusList{UserID: userID, Items: make([]models.QueueStatusItem, 0, len(entries))}
	log := s.logger.WithField("user_id", userID)

	for _, e := range entries {
		rideID, class, ok := store.ParseIndexEntry(e.Member)
		if !ok {
			log.WithField("entry", e.Member).Warn("skipping malformed user index entry")
			continue
		}

		st, err := s.status(ctx, userID, rideID, class)
		if errors.Is(err, status.ErrNotInQueue) {
			if _, err := s.store.ZRem(ctx, indexKey, e.Member); err != nil {
				return res, err
			}
			log.WithFields(logrus.Fields{"ride_id": rideID, "class": class}).Info("removed stale user index entry")
			continue
		}
		if err != nil {
			return res, err
		}

		res.Items = append(res.Items, models.QueueStatusItem{
			RideID:               rideID,
			TicketType:           class,
			Position:             st.Position,
			EstimatedWaitMinutes: st.EstimatedWaitMinutes,
		})
	}
	return res, nil
}

// Cancel removes the user from the queue and the index. Missing entries are
// not an error.
func (s *QueueService) Cancel(ctx context.Context, userID, rideID int64, ticketType string) (err error) {
	defer func() { s.track("cancel", err) }()

	class := models.NormalizeClass(ticketType)
	log := s.logger.WithFields(logrus.Fields{"user_id": userID, "ride_id": rideID, "class": class})

	fromQueue, err := s.store.ZRem(ctx, store.QueueKey(rideID, class), store.UserMember(userID))
	if err != nil {
		return err
	}
	fromIndex, err := s.store.ZRem(ctx, store.UserIndexKey(userID), store.IndexEntry(rideID, class))
	if err != nil {
		return err
	}

	if !fromQueue && !fromIndex {
		log.Warn("cancel found nothing to remove")
		return nil
	}
	log.WithFields(logrus.Fields{"from_queue": fromQueue, "from_index": fromIndex}).Info("enrollment cancelled")
	return nil
}

func (s *QueueService) GetRideQueueInfo(ctx context.Context, rideID int64) (res models.RideQueueInfo, err error) {
	defer func() { s.track("ride_info", err) }()
	return s.rideQueueInfo(ctx, rideID)
}

func (s *QueueService) rideQueueInfo(ctx context.Context, rideID int64) (models.RideQueueInfo, error) {
	meta, err := loadMeta(ctx, s.store, rideID)
	if err != nil {
		return models.RideQueueInfo{}, err
	}

	info := models.RideQueueInfo{RideID: rideID, WaitTimes: make([]models.RideWaitTime, 0, len(models.Classes))}
	for _, class := range models.Classes {
		waiting, err := s.store.ZSize(ctx, store.QueueKey(rideID, class))
		if err != nil {
			return models.RideQueueInfo{}, err
		}
		info.WaitTimes = append(info.WaitTimes, models.RideWaitTime{
			TicketType:           class,
			WaitingCount:         waiting,
			EstimatedWaitMinutes: models.EstimateWaitMinutes(waiting, meta.CapacityTotal, meta.RidingTimeSeconds),
		})
	}
	return info, nil
}

// GetAllRidesQueueInfo reads every registered ride concurrently. Rides whose
// read fails are logged and left out.
func (s *QueueService) GetAllRidesQueueInfo(ctx context.Context) (res models.RideQueueInfoList, err error) {
	defer func() { s.track("ride_info_all", err) }()

	rideIDs, err := s.rides.ListRideIDs(ctx)
	if err != nil {
		return res, err
	}

	results := make([]*models.RideQueueInfo, len(rideIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.InfoConcurrency)
	for i, rideID := range rideIDs {
		g.Go(func() error {
			info, err := s.rideQueueInfo(gctx, rideID)
			if err != nil {
				s.logger.WithError(err).WithField("ride_id", rideID).Warn("skipping ride in queue listing")
				return nil
			}
			results[i] = &info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	res.Rides = make([]models.RideQueueInfo, 0, len(results))
	for _, info := range results {
		if info != nil {
			res.Rides = append(res.Rides, *info)
		}
	}
	sort.Slice(res.Rides, func(i, j int) bool { return res.Rides[i].RideID < res.Rides[j].RideID })
	return res, nil
}
