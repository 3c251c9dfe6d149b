package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking-core/internal/clock"
	"github.com/iliyamo/ticket-booking-core/internal/config"
	"github.com/iliyamo/ticket-booking-core/internal/coord"
	"github.com/iliyamo/ticket-booking-core/internal/model"
)

const testSchedule uint64 = 7

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() config.BookingConfig {
	return config.BookingConfig{
		HoldTTL:         7 * time.Minute,
		LockWait:        2 * time.Second,
		LockLease:       5 * time.Second,
		MaxSeatsPerHold: 4,

		SessionTTL:      30 * time.Minute,
		WaitingTokenTTL: 3 * time.Minute,
		JoinTTL:         30 * time.Minute,
		TokenLockLease:  10 * time.Second,

		MaxActive:        50,
		ActiveStaleAfter: 60 * time.Second,

		ChangesTTL:         60 * time.Second,
		ChangesMaxLookback: 100,

		HoldSweepInterval:   10 * time.Second,
		HoldSweepBatch:      100,
		ActiveSweepInterval: 5 * time.Second,
		AdmitInterval:       time.Second,
		OutboxInterval:      500 * time.Millisecond,
		OutboxBatch:         100,
		OutboxMaxBackoff:    time.Minute,
	}
}

// fakePublisher records published messages and fails while failing is set.
type fakePublisher struct {
	mu       sync.Mutex
	failing  bool
	messages []OutboxMessage
}

func (p *fakePublisher) Publish(_ context.Context, _ string, body any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("broker down")
	}
	p.messages = append(p.messages, body.(OutboxMessage))
	return nil
}

func (p *fakePublisher) setFailing(v bool) {
	p.mu.Lock()
	p.failing = v
	p.mu.Unlock()
}

func (p *fakePublisher) kinds() []model.OutboxKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.OutboxKind, len(p.messages))
	for i, m := range p.messages {
		out[i] = m.Kind
	}
	return out
}

type testEnv struct {
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	clk     *clock.Fake
	cfg     config.BookingConfig
	store   *memStore
	cache   *coord.SeatCache
	feed    *coord.ChangeFeed
	locker  *coord.RedisLocker
	pub     *fakePublisher
	outbox  *OutboxDispatcher
	holds   *HoldService
	res     *ReservationService
	queue   *QueueService
	session *SessionService
	seats   *SeatQueryService
	sweeper *Sweeper
}

func newTestEnv(t *testing.T, mutate ...func(*config.BookingConfig)) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	clk := clock.NewFake(t0)
	store := newMemStore()
	store.seed(testSchedule, 50000, 101, 102, 103, 104, 105)

	log := zap.NewNop()
	cache := coord.NewSeatCache(rdb)
	feed := coord.NewChangeFeed(rdb, cfg.ChangesTTL, cfg.ChangesMaxLookback)
	locker := coord.NewRedisLocker(rdb)
	pub := &fakePublisher{}
	outbox := NewOutboxDispatcher(store, memOutbox{store}, cache, feed, pub, clk, cfg, log)

	deps := Deps{Stores: store.stores(), Gate: cache, Locker: locker, Clock: clk, Config: cfg, Log: log}
	env := &testEnv{
		mr: mr, rdb: rdb, clk: clk, cfg: cfg, store: store,
		cache: cache, feed: feed, locker: locker, pub: pub, outbox: outbox,
		holds:   NewHoldService(deps),
		res:     NewReservationService(deps),
		queue:   NewQueueService(rdb, clk, cfg, log),
		session: NewSessionService(rdb, locker, clk, cfg, log),
		seats:   NewSeatQueryService(memSeats{store}, cache, feed, clk, log),
	}
	env.sweeper = NewSweeper(env.queue, env.session, env.res, env.holds, outbox, clk, cfg, log)
	return env
}

func (e *testEnv) newReservation(t *testing.T, userID uint64) model.Reservation {
	t.Helper()
	res, created, err := e.res.Create(context.Background(), userID, testSchedule)
	require.NoError(t, err)
	require.True(t, created)
	return res
}

func (e *testEnv) hold(t *testing.T, res model.Reservation, seatIDs ...uint64) HoldResult {
	t.Helper()
	out, err := e.holds.HoldSeats(context.Background(), HoldCommand{ReservationID: res.ID, UserID: res.UserID, SeatIDs: seatIDs})
	require.NoError(t, err)
	return out
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	_, err := e.outbox.DrainOnce(context.Background())
	require.NoError(t, err)
}

// assertAmounts checks that every HOLD or PAID reservation's total equals the
// sum of its line prices.
func (e *testEnv) assertAmounts(t *testing.T) {
	t.Helper()
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	for _, r := range e.store.reservations {
		if r.Status != model.ReservationHold && r.Status != model.ReservationPaid {
			continue
		}
		var sum uint32
		for _, l := range e.store.lines {
			if l.ReservationID == r.ID {
				sum += l.Price
			}
		}
		assert.Equal(t, sum, r.TotalAmount, "reservation %d", r.ID)
	}
}

// assertHoldInvariant checks owner and expiry are set exactly on HOLD seats.
func (e *testEnv) assertHoldInvariant(t *testing.T) {
	t.Helper()
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	for _, s := range e.store.seats {
		held := s.Status == model.SeatHold
		assert.Equal(t, held, s.HoldOwner != nil, "seat %d owner", s.ID)
		assert.Equal(t, held, s.HoldExpiresAt != nil, "seat %d expiry", s.ID)
	}
}

func requireConflict(t *testing.T, err error) *ConflictError {
	t.Helper()
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	return ce
}
