package services

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"queue-server/internal/store"
	"queue-server/models"
)

const (
	mockFirstUserID   = 100000
	mockTargetSeconds = 600

	popularityLow  = 1
	popularityHigh = 3
)

var (
	minInitial = map[models.Class]int64{models.ClassPremium: 15, models.ClassGeneral: 30}
	minRefill  = map[models.Class]int64{models.ClassPremium: 10, models.ClassGeneral: 20}
	// refill slack is base + rand[0, span)
	slackBase = map[models.Class]int{models.ClassPremium: 3, models.ClassGeneral: 5}
	slackSpan = map[models.Class]int{models.ClassPremium: 5, models.ClassGeneral: 10}
)

// MockQueueGenerator keeps every registered ride's queues long enough for
// front-end testing: about ten minutes of waiting, more for popular rides.
// It writes queue members only, never user indexes.
type MockQueueGenerator struct {
	store      store.Store
	rides      RideLister
	popularity map[int64]int
	logger     *logrus.Logger

	initialDelay   time.Duration
	refillInterval time.Duration

	rngMu      sync.Mutex
	rng        *rand.Rand
	nextUserID atomic.Int64
	now        func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMockQueueGenerator(st store.Store, rides RideLister, popularity map[int64]int, initialDelay, refillInterval time.Duration, logger *logrus.Logger) *MockQueueGenerator {
	g := &MockQueueGenerator{
		store:          st,
		rides:          rides,
		popularity:     popularity,
		logger:         logger,
		initialDelay:   initialDelay,
		refillInterval: refillInterval,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		now:            time.Now,
		stopChan:       make(chan struct{}),
	}
	g.nextUserID.Store(mockFirstUserID)
	return g
}

func (g *MockQueueGenerator) Start(ctx context.Context) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		select {
		case <-time.After(g.initialDelay):
		case <-g.stopChan:
			return
		case <-ctx.Done():
			return
		}

		if _, err := g.Fill(ctx); err != nil {
			g.logger.WithError(err).Error("mock queue fill failed")
		}

		ticker := time.NewTicker(g.refillInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := g.Refill(ctx); err != nil {
					g.logger.WithError(err).Error("mock queue refill failed")
				}
			case <-g.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	g.logger.WithFields(logrus.Fields{
		"initial_delay":   g.initialDelay,
		"refill_interval": g.refillInterval,
	}).Info("mock queue generator started")
}

func (g *MockQueueGenerator) Stop() {
	g.stopOnce.Do(func() { close(g.stopChan) })
	g.wg.Wait()
}

// Fill adds the initial population to every registered ride.
func (g *MockQueueGenerator) Fill(ctx context.Context) (int64, error) {
	return g.forEachRide(ctx, g.fillRide)
}

// Refill tops up sub-queues that fell below their minimum.
func (g *MockQueueGenerator) Refill(ctx context.Context) (int64, error) {
	return g.forEachRide(ctx, g.refillRide)
}

func (g *MockQueueGenerator) forEachRide(ctx context.Context, fn func(context.Context, models.RideMeta) (int64, error)) (int64, error) {
	rideIDs, err := g.rides.ListRideIDs(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, rideID := range rideIDs {
		meta, err := loadMeta(ctx, g.store, rideID)
		if err != nil {
			g.logger.WithError(err).WithField("ride_id", rideID).Warn("mock generator skipping ride")
			continue
		}
		n, err := fn(ctx, meta)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		g.logger.WithField("added", total).Info("mock queue users added")
	}
	return total, nil
}

// baseCount is how many users of a class board in ten minutes.
func baseCount(meta models.RideMeta, class models.Class) int64 {
	if meta.RidingTimeSeconds <= 0 {
		return 0
	}
	return (mockTargetSeconds / meta.RidingTimeSeconds) * meta.Capacity(class)
}

func (g *MockQueueGenerator) popularityOf(rideID int64) int {
	if p, ok := g.popularity[rideID]; ok {
		return p
	}
	return 2
}

// initialMultiplier draws 1.5-2.5 for popular rides, 1.0-1.5 for quiet ones
// and 1.2-2.0 otherwise.
func (g *MockQueueGenerator) initialMultiplier(popularity int) decimal.Decimal {
	g.rngMu.Lock()
	r := decimal.NewFromFloat(g.rng.Float64())
	g.rngMu.Unlock()

	switch popularity {
	case popularityHigh:
		return decimal.RequireFromString("1.5").Add(r)
	case popularityLow:
		return decimal.NewFromInt(1).Add(r.Mul(decimal.RequireFromString("0.5")))
	default:
		return decimal.RequireFromString("1.2").Add(r.Mul(decimal.RequireFromString("0.8")))
	}
}

func refillMultiplier(popularity int) decimal.Decimal {
	switch popularity {
	case popularityHigh:
		return decimal.RequireFromString("1.2")
	case popularityLow:
		return decimal.NewFromInt(1)
	default:
		return decimal.RequireFromString("1.1")
	}
}

func (g *MockQueueGenerator) fillRide(ctx context.Context, meta models.RideMeta) (int64, error) {
	mult := g.initialMultiplier(g.popularityOf(meta.RideID))
	var added int64
	for _, class := range models.Classes {
		n := decimal.NewFromInt(baseCount(meta, class)).Mul(mult).IntPart()
		n = max(n, minInitial[class])
		if err := g.addUsers(ctx, meta.RideID, class, n); err != nil {
			return added, err
		}
		added += n
	}
	g.logger.WithFields(logrus.Fields{
		"ride_id":    meta.RideID,
		"multiplier": mult.StringFixed(2),
	}).Debug("mock queue initialized")
	return added, nil
}

func (g *MockQueueGenerator) refillRide(ctx context.Context, meta models.RideMeta) (int64, error) {
	mult := refillMultiplier(g.popularityOf(meta.RideID))
	var added int64
	for _, class := range models.Classes {
		minimum := decimal.NewFromInt(baseCount(meta, class)).Mul(mult).IntPart()
		minimum = max(minimum, minRefill[class])

		current, err := g.store.ZSize(ctx, store.QueueKey(meta.RideID, class))
		if err != nil {
			return added, err
		}
		if current >= minimum {
			continue
		}

		g.rngMu.Lock()
		slack := int64(slackBase[class] + g.rng.Intn(slackSpan[class]))
		g.rngMu.Unlock()

		n := minimum - current + slack
		if err := g.addUsers(ctx, meta.RideID, class, n); err != nil {
			return added, err
		}
		added += n
		g.logger.WithFields(logrus.Fields{
			"ride_id": meta.RideID,
			"class":   class,
			"current": current,
			"minimum": minimum,
			"added":   n,
		}).Debug("mock queue refilled")
	}
	return added, nil
}

// addUsers spaces join times about 100ms apart from now.
func (g *MockQueueGenerator) addUsers(ctx context.Context, rideID int64, class models.Class, count int64) error {
	key := store.QueueKey(rideID, class)
	base := g.now().UnixMilli()
	for i := int64(0); i < count; i++ {
		userID := g.nextUserID.Add(1)
		g.rngMu.Lock()
		jitter := int64(g.rng.Intn(100))
		g.rngMu.Unlock()
		if err := g.store.ZAdd(ctx, key, store.UserMember(userID), float64(base+i*100+jitter)); err != nil {
			return err
		}
	}
	return nil
}
