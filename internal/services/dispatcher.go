package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"queue-server/internal/events"
	"queue-server/internal/status"
	"queue-server/internal/store"
	"queue-server/models"
	"queue-server/monitoring"
)

// TickReport describes one dispatcher tick.
type TickReport struct {
	TickID          string                   `json:"tickId"`
	RideID          int64                    `json:"rideId"`
	Notices         []events.ReadinessNotice `json:"notices"`
	Admitted        map[models.Class][]int64 `json:"admitted"`
	PublishFailures int                      `json:"publishFailures"`
	StartedAt       time.Time                `json:"startedAt"`
	Duration        time.Duration            `json:"duration"`
}

// DispatcherInfo is one registered ride as reported by Registered.
type DispatcherInfo struct {
	RideID       int64     `json:"rideId"`
	CycleSeconds int64     `json:"cycleSeconds"`
	Next         time.Time `json:"next"`
	Prev         time.Time `json:"prev"`
}

type dispatchEntry struct {
	id           cron.EntryID
	cycleSeconds int64
}

// Dispatcher owns one periodic task per ride. The cron runner starts every
// due job on its own goroutine, so a slow ride never delays another, and the
// SkipIfStillRunning chain drops a tick whose predecessor is still running.
type Dispatcher struct {
	store     store.Store
	publisher events.Publisher
	monitor   *monitoring.Monitor
	logger    *logrus.Logger
	topic     string

	cron *cron.Cron

	mu      sync.Mutex
	entries map[int64]dispatchEntry
	locks   map[int64]*sync.Mutex
}

func NewDispatcher(st store.Store, publisher events.Publisher, monitor *monitoring.Monitor, logger *logrus.Logger, topic string) *Dispatcher {
	if topic == "" {
		topic = events.TopicQueueEvents
	}
	cronLogger := cron.PrintfLogger(logger)
	return &Dispatcher{
		store:     st,
		publisher: publisher,
		monitor:   monitor,
		logger:    logger,
		topic:     topic,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		entries: make(map[int64]dispatchEntry),
		locks:   make(map[int64]*sync.Mutex),
	}
}

// Register installs the ride's periodic task, replacing any existing one.
// A tick already running under the old task finishes normally.
func (d *Dispatcher) Register(rideID, cycleSeconds int64) error {
	if cycleSeconds <= 0 {
		return errors.Wrapf(status.ErrInvalidMeta, "ride %d: cycle seconds %d", rideID, cycleSeconds)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.entries[rideID]; ok {
		d.cron.Remove(prev.id)
		d.logger.WithFields(logrus.Fields{
			"ride_id":       rideID,
			"cycle_seconds": prev.cycleSeconds,
		}).Info("replacing dispatcher")
	}

	id := d.cron.Schedule(cron.Every(time.Duration(cycleSeconds)*time.Second), cron.FuncJob(func() {
		d.runScheduled(rideID)
	}))
	d.entries[rideID] = dispatchEntry{id: id, cycleSeconds: cycleSeconds}
	d.monitor.SetRegisteredDispatchers(len(d.entries))

	d.logger.WithFields(logrus.Fields{
		"ride_id":       rideID,
		"cycle_seconds": cycleSeconds,
	}).Info("dispatcher registered")
	return nil
}

func (d *Dispatcher) Unregister(rideID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[rideID]
	if !ok {
		return false
	}
	d.cron.Remove(entry.id)
	delete(d.entries, rideID)
	delete(d.locks, rideID)
	d.monitor.SetRegisteredDispatchers(len(d.entries))
	d.logger.WithField("ride_id", rideID).Info("dispatcher unregistered")
	return true
}

func (d *Dispatcher) Registered() []DispatcherInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]DispatcherInfo, 0, len(d.entries))
	for rideID, e := range d.entries {
		ce := d.cron.Entry(e.id)
		out = append(out, DispatcherInfo{
			RideID:       rideID,
			CycleSeconds: e.cycleSeconds,
			Next:         ce.Next,
			Prev:         ce.Prev,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RideID < out[j].RideID })
	return out
}

func (d *Dispatcher) Start() {
	d.cron.Start()
	d.logger.Info("dispatcher started")
}

// Stop prevents new ticks and waits for running ones until ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	done := d.cron.Stop()
	select {
	case <-done.Done():
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for in-flight ticks")
	}
}

func (d *Dispatcher) rideLock(rideID int64) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[rideID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[rideID] = l
	}
	return l
}

func (d *Dispatcher) runScheduled(rideID int64) {
	report, err := d.Tick(context.Background(), rideID)
	log := d.logger.WithField("ride_id", rideID)
	if err != nil {
		if errors.Is(err, status.ErrTickInProgress) {
			log.Debug("tick skipped, previous tick still running")
			return
		}
		log.WithError(err).Error("dispatcher tick failed")
		return
	}
	log.WithFields(logrus.Fields{
		"tick_id":          report.TickID,
		"notices":          len(report.Notices),
		"admitted_premium": len(report.Admitted[models.ClassPremium]),
		"admitted_general": len(report.Admitted[models.ClassGeneral]),
	}).Debug("tick complete")
}

// Tick runs one two-phase cycle for a ride: readiness notices from a snapshot
// of the queue fronts, then admission of up to capacity users per class.
// Manual and scheduled ticks of the same ride never overlap.
func (d *Dispatcher) Tick(ctx context.Context, rideID int64) (TickReport, error) {
	lock := d.rideLock(rideID)
	if !lock.TryLock() {
		return TickReport{}, errors.Wrapf(status.ErrTickInProgress, "ride %d", rideID)
	}
	defer lock.Unlock()

	meta, err := loadMeta(ctx, d.store, rideID)
	if err != nil {
		return TickReport{}, err
	}

	report := TickReport{
		TickID:    uuid.NewString(),
		RideID:    rideID,
		Admitted:  make(map[models.Class][]int64, len(models.Classes)),
		StartedAt: time.Now(),
	}
	log := d.logger.WithFields(logrus.Fields{"ride_id": rideID, "tick_id": report.TickID})

	// Phase 1 reads both classes before phase 2 pops anything.
	snapshots := make(map[models.Class][]store.ScoredMember, len(models.Classes))
	for _, class := range models.Classes {
		front, err := d.front(ctx, rideID, class, meta.Capacity(class))
		if err != nil {
			log.WithError(err).WithField("class", class).Warn("readiness snapshot failed")
			continue
		}
		snapshots[class] = front
	}
	for _, class := range models.Classes {
		d.notify(ctx, &report, log, class, meta.Capacity(class), snapshots[class])
	}

	for _, class := range models.Classes {
		report.Admitted[class] = d.admit(ctx, rideID, class, meta.Capacity(class), log)
		if n, err := d.store.ZSize(ctx, store.QueueKey(rideID, class)); err == nil {
			d.monitor.SetQueueLength(rideID, class, n)
		}
	}

	report.Duration = time.Since(report.StartedAt)
	d.monitor.ObserveTick(rideID, report.Duration)
	return report, nil
}

// front returns the first min(size, 2*quota) members in rank order.
func (d *Dispatcher) front(ctx context.Context, rideID int64, class models.Class, quota int64) ([]store.ScoredMember, error) {
	if quota <= 0 {
		return nil, nil
	}
	key := store.QueueKey(rideID, class)
	size, err := d.store.ZSize(ctx, key)
	if err != nil || size == 0 {
		return nil, err
	}
	return d.store.ZRangeWithScores(ctx, key, 0, min(size, 2*quota)-1)
}

func (d *Dispatcher) notify(ctx context.Context, report *TickReport, log *logrus.Entry, class models.Class, quota int64, front []store.ScoredMember) {
	for i, m := range front {
		userID, ok := store.ParseUserMember(m.Member)
		if !ok {
			log.WithField("member", m.Member).Warn("skipping malformed queue member")
			continue
		}

		position := int64(i) + 1
		var st models.ReadinessStatus
		switch {
		case position <= quota:
			st = models.StatusReady
		case position <= 2*quota:
			st = models.StatusAlmostReady
		default:
			continue
		}

		notice := events.ReadinessNotice{RideID: report.RideID, UserID: userID, Type: class, Status: st}
		report.Notices = append(report.Notices, notice)
		d.monitor.TrackReadiness(report.RideID, class, st)

		payload, err := events.EncodeNotice(notice)
		if err == nil {
			err = d.publisher.Publish(ctx, d.topic, events.PartitionKey(report.RideID), payload)
		}
		if err != nil {
			report.PublishFailures++
			d.monitor.TrackPublishFailure(report.RideID)
			log.WithError(err).WithFields(logrus.Fields{
				"user_id": userID,
				"class":   class,
				"status":  st,
			}).Error("readiness notice not published")
		}
	}
}

func (d *Dispatcher) admit(ctx context.Context, rideID int64, class models.Class, quota int64, log *logrus.Entry) []int64 {
	key := store.QueueKey(rideID, class)
	admitted := make([]int64, 0, quota)
	for i := int64(0); i < quota; i++ {
		m, found, err := d.store.ZPopMin(ctx, key)
		if err != nil {
			log.WithError(err).WithField("class", class).Error("admission pop failed")
			break
		}
		if !found {
			break
		}

		userID, ok := store.ParseUserMember(m.Member)
		if !ok {
			log.WithField("member", m.Member).Warn("admitted malformed queue member")
			continue
		}
		admitted = append(admitted, userID)

		d.clearIndexEntry(ctx, key, m.Member, userID, rideID, class, log)
	}

	if len(admitted) > 0 {
		d.monitor.TrackAdmitted(rideID, class, len(admitted))
		log.WithFields(logrus.Fields{
			"class":    class,
			"admitted": len(admitted),
		}).Info("users admitted")
	}
	return admitted
}

// clearIndexEntry drops the admitted user's index entry. A user who enrolled
// again between the pop and the removal is back in the queue, so the entry is
// restored with the new join score.
func (d *Dispatcher) clearIndexEntry(ctx context.Context, queueKey, member string, userID, rideID int64, class models.Class, log *logrus.Entry) {
	indexKey := store.UserIndexKey(userID)
	entry := store.IndexEntry(rideID, class)

	// Left behind on failure; GetAllStatus reconciles it later.
	if _, err := d.store.ZRem(ctx, indexKey, entry); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("user index cleanup failed")
		return
	}

	score, requeued, err := d.store.ZScore(ctx, queueKey, member)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("re-enrollment check failed")
		return
	}
	if !requeued {
		return
	}
	if err := d.store.ZAdd(ctx, indexKey, entry, score); err != nil {
		log.WithError(err).WithField("user_id", userID).Error("restoring user index entry failed")
		return
	}
	log.WithField("user_id", userID).Debug("user re-enrolled during admission")
}
