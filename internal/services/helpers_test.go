package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"queue-server/internal/events"
	"queue-server/internal/status"
	"queue-server/internal/store"
	"queue-server/models"
	"queue-server/monitoring"
)

// stepClock advances one millisecond per reading so join times are distinct.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type publishedNotice struct {
	topic  string
	key    string
	notice events.ReadinessNotice
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedNotice
	err       error
	onPublish func()
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	if p.onPublish != nil {
		p.onPublish()
	}
	n, err := events.DecodeNotice(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedNotice{topic: topic, key: key, notice: n})
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) users(class models.Class, st models.ReadinessStatus) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int64
	for _, pn := range p.published {
		if pn.notice.Type == class && pn.notice.Status == st {
			out = append(out, pn.notice.UserID)
		}
	}
	return out
}

// faultyStore injects failures into an otherwise working MemoryStore.
type faultyStore struct {
	*store.MemoryStore
	failZAddKey   string
	failZRangeKey string
	rankMisses    int
}

var errInjected = errors.New("injected failure")

func (f *faultyStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	if key == f.failZAddKey {
		return status.Mark(errInjected, status.ErrStoreFailure)
	}
	return f.MemoryStore.ZAdd(ctx, key, member, score)
}

func (f *faultyStore) ZRank(ctx context.Context, key, member string) (int64, bool, error) {
	if f.rankMisses > 0 {
		f.rankMisses--
		return 0, false, nil
	}
	return f.MemoryStore.ZRank(ctx, key, member)
}

func (f *faultyStore) ZRangeWithScores(ctx context.Context, key string, lo, hi int64) ([]store.ScoredMember, error) {
	if key == f.failZRangeKey {
		return nil, status.Mark(errInjected, status.ErrStoreFailure)
	}
	return f.MemoryStore.ZRangeWithScores(ctx, key, lo, hi)
}

type testEnv struct {
	store      store.Store
	logger     *logrus.Logger
	hook       *test.Hook
	publisher  *recordingPublisher
	dispatcher *Dispatcher
	meta       *RideMetaService
	queue      *QueueService
	clock      *stepClock
}

func newTestEnv(t *testing.T, st store.Store, opts QueueOptions) *testEnv {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	monitor := monitoring.NewMonitor(st, logger)
	pub := &recordingPublisher{}
	d := NewDispatcher(st, pub, monitor, logger, "")
	meta := NewRideMetaService(st, d, logger)
	q := NewQueueService(st, meta, monitor, logger, opts)
	clock := newStepClock()
	q.now = clock.Now
	return &testEnv{
		store:      st,
		logger:     logger,
		hook:       hook,
		publisher:  pub,
		dispatcher: d,
		meta:       meta,
		queue:      q,
		clock:      clock,
	}
}

func (e *testEnv) saveMeta(t *testing.T, rideID, cycle, total, premium, general int64) {
	t.Helper()
	require.NoError(t, e.meta.SaveMeta(context.Background(), models.RideMeta{
		RideID:            rideID,
		RidingTimeSeconds: cycle,
		CapacityTotal:     total,
		CapacityPremium:   premium,
		CapacityGeneral:   general,
	}))
}

func (e *testEnv) members(t *testing.T, rideID int64, class models.Class) []string {
	t.Helper()
	got, err := e.store.ZRangeWithScores(context.Background(), store.QueueKey(rideID, class), 0, -1)
	require.NoError(t, err)
	out := make([]string, len(got))
	for i, m := range got {
		out[i] = m.Member
	}
	return out
}

func (e *testEnv) indexEntries(t *testing.T, userID int64) []string {
	t.Helper()
	got, err := e.store.ZRangeWithScores(context.Background(), store.UserIndexKey(userID), 0, -1)
	require.NoError(t, err)
	out := make([]string, len(got))
	for i, m := range got {
		out[i] = m.Member
	}
	return out
}

func hasLog(hook *test.Hook, level logrus.Level, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}
