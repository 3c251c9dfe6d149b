package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-booking-core/internal/config"
	"github.com/iliyamo/ticket-booking-core/internal/coord"
	"github.com/iliyamo/ticket-booking-core/internal/model"
)

func TestHoldSeats_HoldsBatchAndSetsAmount(t *testing.T) {
	env := newTestEnv(t)
	res := env.newReservation(t, 1)

	out := env.hold(t, res, 102, 101)

	assert.Equal(t, []uint64{101, 102}, out.SeatIDs)
	assert.Equal(t, model.ReservationHold, out.Reservation.Status)
	assert.Equal(t, uint32(100000), out.Reservation.TotalAmount)
	require.NotNil(t, out.Reservation.ExpiresAt)
	assert.Equal(t, t0.Add(7*time.Minute), *out.Reservation.ExpiresAt)

	for _, id := range []uint64{101, 102} {
		s := env.store.seat(id)
		assert.True(t, s.HeldBy(1), "seat %d", id)
		assert.Equal(t, t0.Add(7*time.Minute), *s.HoldExpiresAt)
	}
	assert.Len(t, env.store.linesOf(res.ID), 2)
	assert.Len(t, env.store.logsWith(model.HoldHeld), 2)
	assert.Len(t, env.store.eventsOf(model.OutboxSeatHeld), 2)
	env.assertAmounts(t)
	env.assertHoldInvariant(t)
}

func TestHoldSeats_ConflictFailsWholeBatch(t *testing.T) {
	env := newTestEnv(t)
	a := env.newReservation(t, 1)
	b := env.newReservation(t, 2)
	env.hold(t, a, 101)

	_, err := env.holds.HoldSeats(context.Background(), HoldCommand{ReservationID: b.ID, UserID: 2, SeatIDs: []uint64{101, 102}})

	ce := requireConflict(t, err)
	assert.Equal(t, b.ID, ce.ReservationID)
	assert.Equal(t, []SeatConflict{{SeatID: 101, CurrentStatus: model.SeatHold, Reason: ReasonAlreadyHeld}}, ce.Conflicts)
	assert.Equal(t, model.SeatAvailable, env.store.seat(102).Status)
	assert.True(t, env.store.seat(101).HeldBy(1))
	assert.Empty(t, env.store.linesOf(b.ID))
	assert.Equal(t, model.ReservationPending, env.store.reservation(b.ID).Status)
	env.assertHoldInvariant(t)
}

func TestHoldSeats_WrittenSeatsRollBackOnLaterConflict(t *testing.T) {
	env := newTestEnv(t)
	a := env.newReservation(t, 1)
	b := env.newReservation(t, 2)
	env.hold(t, a, 103)

	// 101 and 102 sort before 103 and are written before the conflict is met
	_, err := env.holds.HoldSeats(context.Background(), HoldCommand{ReservationID: b.ID, UserID: 2, SeatIDs: []uint64{103, 101, 102}})

	ce := requireConflict(t, err)
	require.Len(t, ce.Conflicts, 1)
	assert.Equal(t, uint64(103), ce.Conflicts[0].SeatID)
	for _, id := range []uint64{101, 102} {
		assert.Equal(t, model.SeatAvailable, env.store.seat(id).Status, "seat %d", id)
	}
	assert.Empty(t, env.store.linesOf(b.ID))
	assert.Len(t, env.store.eventsOf(model.OutboxSeatHeld), 1, "only the first buyer's intent survives")

	rolled := env.store.logsWith(model.HoldRolledBack)
	require.Len(t, rolled, 2)
	assert.Equal(t, uint64(101), rolled[0].SeatID)
	assert.Equal(t, uint64(102), rolled[1].SeatID)
	assert.NotNil(t, rolled[0].ReleasedAt)
}

func TestHoldSeats_ConcurrentBuyersExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	r1 := env.newReservation(t, 1)
	r2 := env.newReservation(t, 2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, r := range []model.Reservation{r1, r2} {
		wg.Add(1)
		go func(i int, r model.Reservation) {
			defer wg.Done()
			_, errs[i] = env.holds.HoldSeats(context.Background(), HoldCommand{ReservationID: r.ID, UserID: r.UserID, SeatIDs: []uint64{101, 102}})
		}(i, r)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		ce := requireConflict(t, err)
		assert.Equal(t, ReasonAlreadyHeld, ce.Conflicts[0].Reason)
	}
	assert.Equal(t, 1, wins)

	owner := *env.store.seat(101).HoldOwner
	assert.Equal(t, owner, *env.store.seat(102).HoldOwner, "both seats go to the same buyer")
	env.assertAmounts(t)
}

func TestHoldSeats_SameBuyerRefreshesAndExtends(t *testing.T) {
	env := newTestEnv(t)
	res := env.newReservation(t, 1)
	env.hold(t, res, 101)

	env.clk.Advance(2 * time.Minute)
	out := env.hold(t, res, 102)

	want := t0.Add(9 * time.Minute)
	assert.Equal(t, want, *out.Reservation.ExpiresAt)
	assert.Equal(t, want, *env.store.seat(101).HoldExpiresAt, "earlier seat follows the reservation")
	assert.Equal(t, uint32(100000), out.Reservation.TotalAmount)
	refreshed := env.store.eventsOf(model.OutboxSeatHoldRefreshed)
	require.Len(t, refreshed, 1)
	assert.Equal(t, uint64(101), refreshed[0].AggregateID)

	// holding a seat already held by the same reservation is a refresh
	env.clk.Advance(time.Minute)
	out = env.hold(t, res, 101)
	assert.Equal(t, t0.Add(10*time.Minute), *out.Reservation.ExpiresAt)
	assert.Len(t, env.store.linesOf(res.ID), 2)
	env.assertAmounts(t)
}

func TestHoldSeats_SameBuyerOtherReservationConflicts(t *testing.T) {
	env := newTestEnv(t)
	first := env.newReservation(t, 1)
	env.hold(t, first, 101)

	other := model.Reservation{UserID: 1, ScheduleID: testSchedule, Status: model.ReservationPending}
	require.NoError(t, memReservations{env.store}.Create(context.Background(), &other))

	_, err := env.holds.HoldSeats(context.Background(), HoldCommand{ReservationID: other.ID, UserID: 1, SeatIDs: []uint64{101}})
	ce := requireConflict(t, err)
	assert.Equal(t, ReasonAlreadyHeld, ce.Conflicts[0].Reason)
}

func TestHoldSeats_Preconditions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res := env.newReservation(t, 1)

	_, err := env.holds.HoldSeats(ctx, HoldCommand{ReservationID: res.ID, UserID: 2, SeatIDs: []uint64{101}})
	assert.ErrorIs(t, err, ErrReservationForbidden)

	_, err = env.holds.HoldSeats(ctx, HoldCommand{ReservationID: 999, UserID: 1, SeatIDs: []uint64{101}})
	assert.ErrorIs(t, err, ErrReservationNotFound)

	_, err = env.holds.HoldSeats(ctx, HoldCommand{ReservationID: res.ID, UserID: 1, SeatIDs: []uint64{101, 102, 103, 104, 105}})
	assert.ErrorIs(t, err, ErrInvalidSeatSelection)

	_, err = env.holds.HoldSeats(ctx, HoldCommand{ReservationID: res.ID, UserID: 1, SeatIDs: []uint64{101, 101}})
	assert.ErrorIs(t, err, ErrInvalidSeatSelection)

	_, err = env.holds.HoldSeats(ctx, HoldCommand{ReservationID: res.ID, UserID: 1, SeatIDs: []uint64{101, 4242}})
	assert.ErrorIs(t, err, ErrSeatNotFound)
	assert.Equal(t, model.SeatAvailable, env.store.seat(101).Status)

	paid := env.store.reservation(res.ID)
	paid.Status = model.ReservationPaid
	require.NoError(t, memReservations{env.store}.UpdateState(ctx, paid))
	_, err = env.holds.HoldSeats(ctx, HoldCommand{ReservationID: res.ID, UserID: 1, SeatIDs: []uint64{101}})
	assert.ErrorIs(t, err, ErrReservationAlreadyPaid)

	closed := paid
	closed.Status = model.ReservationCancelled
	require.NoError(t, memReservations{env.store}.UpdateState(ctx, closed))
	_, err = env.holds.HoldSeats(ctx, HoldCommand{ReservationID: res.ID, UserID: 1, SeatIDs: []uint64{101}})
	assert.ErrorIs(t, err, ErrReservationClosed)
}

func TestHoldSeats_ExpiredReservationRejected(t *testing.T) {
	env := newTestEnv(t)
	res := env.newReservation(t, 1)
	env.hold(t, res, 101)

	env.clk.Advance(7 * time.Minute)
	_, err := env.holds.HoldSeats(context.Background(), HoldCommand{ReservationID: res.ID, UserID: 1, SeatIDs: []uint64{102}})
	assert.ErrorIs(t, err, ErrReservationExpired)
	assert.Equal(t, model.SeatAvailable, env.store.seat(102).Status)
}

func TestHoldSeats_MissingPriceGrade(t *testing.T) {
	env := newTestEnv(t)
	res := env.newReservation(t, 1)
	env.store.mu.Lock()
	s := env.store.seats[104]
	s.HasGrade = false
	env.store.seats[104] = s
	env.store.mu.Unlock()

	_, err := env.holds.HoldSeats(context.Background(), HoldCommand{ReservationID: res.ID, UserID: 1, SeatIDs: []uint64{104}})
	assert.ErrorIs(t, err, ErrPriceGradeNotFound)
}

func TestHoldSeats_BusyLockFailsWholeBatch(t *testing.T) {
	env := newTestEnv(t, func(c *config.BookingConfig) { c.LockWait = 50 * time.Millisecond })
	res := env.newReservation(t, 1)

	busy, err := env.locker.TryAcquire(context.Background(), coord.SeatLockKey(testSchedule, 102), 0, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, busy)

	_, err = env.holds.HoldSeats(context.Background(), HoldCommand{ReservationID: res.ID, UserID: 1, SeatIDs: []uint64{101, 102}})
	ce := requireConflict(t, err)
	assert.Equal(t, []SeatConflict{{SeatID: 102, CurrentStatus: statusUnknown, Reason: ReasonLockAcquisitionFailed}}, ce.Conflicts)
	assert.Equal(t, model.SeatAvailable, env.store.seat(101).Status)
	assert.False(t, env.mr.Exists(coord.SeatLockKey(testSchedule, 101)), "lock on 101 released")
}

func TestHoldSeats_GateOwnerAndSoldSetBlock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res := env.newReservation(t, 1)
	require.NoError(t, env.cache.ApplyHold(ctx, testSchedule, 101, 99, t0.Add(time.Minute), t0))
	require.NoError(t, env.cache.ApplySold(ctx, testSchedule, 102))

	_, err := env.holds.HoldSeats(ctx, HoldCommand{ReservationID: res.ID, UserID: 1, SeatIDs: []uint64{101, 102, 103}})
	ce := requireConflict(t, err)
	assert.Equal(t, []SeatConflict{
		{SeatID: 101, CurrentStatus: model.SeatHold, Reason: ReasonAlreadyHeld},
		{SeatID: 102, CurrentStatus: model.SeatSold, Reason: ReasonAlreadySold},
	}, ce.Conflicts)
	assert.Equal(t, model.SeatAvailable, env.store.seat(103).Status)
}

func TestHoldSeats_LapsedHoldIsRepairedInline(t *testing.T) {
	env := newTestEnv(t)
	a := env.newReservation(t, 1)
	env.hold(t, a, 101, 102)

	env.clk.Advance(8 * time.Minute)
	b := env.newReservation(t, 2)
	out := env.hold(t, b, 101)

	assert.True(t, env.store.seat(101).HeldBy(2))
	assert.Equal(t, uint32(50000), out.Reservation.TotalAmount)

	// the lapsed owner's reservation is settled on the spot
	assert.Equal(t, model.ReservationExpired, env.store.reservation(a.ID).Status)
	assert.Empty(t, env.store.linesOf(a.ID))
	assert.Equal(t, model.SeatAvailable, env.store.seat(102).Status)
	assert.Len(t, env.store.logsWith(model.HoldExpired), 2)
	env.assertAmounts(t)
	env.assertHoldInvariant(t)
}

func TestReleaseSeats_IsIdempotentAndReturnsToPending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res := env.newReservation(t, 1)
	env.hold(t, res, 101, 102)

	cmd := ReleaseCommand{ReservationID: res.ID, UserID: 1, SeatIDs: []uint64{101}}
	first, err := env.holds.ReleaseSeats(ctx, cmd)
	require.NoError(t, err)
	second, err := env.holds.ReleaseSeats(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, model.ReservationHold, second.Status)
	assert.Equal(t, uint32(50000), second.TotalAmount)
	assert.Equal(t, model.SeatAvailable, env.store.seat(101).Status)
	assert.Len(t, env.store.logsWith(model.HoldReleased), 1)
	env.assertAmounts(t)

	last, err := env.holds.ReleaseSeats(ctx, ReleaseCommand{ReservationID: res.ID, UserID: 1, SeatIDs: []uint64{102}})
	require.NoError(t, err)
	assert.Equal(t, model.ReservationPending, last.Status)
	assert.Nil(t, last.ExpiresAt)
	assert.Zero(t, last.TotalAmount)
	env.assertHoldInvariant(t)
}

func TestReleaseSeats_OwnershipAndPaid(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res := env.newReservation(t, 1)
	env.hold(t, res, 101)

	_, err := env.holds.ReleaseSeats(ctx, ReleaseCommand{ReservationID: res.ID, UserID: 2, SeatIDs: []uint64{101}})
	assert.ErrorIs(t, err, ErrReservationForbidden)

	_, err = env.res.ConfirmPayment(ctx, res.ID, "pay-1")
	require.NoError(t, err)
	_, err = env.holds.ReleaseSeats(ctx, ReleaseCommand{ReservationID: res.ID, UserID: 1, SeatIDs: []uint64{101}})
	assert.ErrorIs(t, err, ErrReservationAlreadyPaid)
	assert.Equal(t, model.SeatSold, env.store.seat(101).Status)
}

func TestReclaimExpired_FreesSeatAndExpiresReservation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res := env.newReservation(t, 1)
	env.hold(t, res, 101)

	env.clk.Advance(7*time.Minute - time.Second)
	rep, err := env.holds.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.SeatsReleased)
	assert.True(t, env.store.seat(101).HeldBy(1))

	env.clk.Advance(2 * time.Second)
	rep, err = env.holds.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReclaimReport{SeatsReleased: 1, ReservationsExpired: 1}, rep)
	assert.Equal(t, model.SeatAvailable, env.store.seat(101).Status)
	assert.Equal(t, model.ReservationExpired, env.store.reservation(res.ID).Status)
	assert.Empty(t, env.store.linesOf(res.ID))

	expired := env.store.logsWith(model.HoldExpired)
	require.Len(t, expired, 1)
	assert.True(t, expired[0].IsExpired)
	assert.Len(t, env.store.eventsOf(model.OutboxReservationExpired), 1)

	rep, err = env.holds.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReclaimReport{}, rep, "second sweep is a no-op")
	env.assertHoldInvariant(t)
}

func TestReclaimExpired_ReleasesEveryReservationSeat(t *testing.T) {
	env := newTestEnv(t)
	res := env.newReservation(t, 1)
	env.hold(t, res, 101, 102, 103)

	env.clk.Advance(8 * time.Minute)
	rep, err := env.holds.ReclaimExpired(context.Background())
	require.NoError(t, err)

	// the first seat expires the reservation, which releases the other two
	assert.Equal(t, 1, rep.ReservationsExpired)
	for _, id := range []uint64{101, 102, 103} {
		assert.Equal(t, model.SeatAvailable, env.store.seat(id).Status, "seat %d", id)
	}
	assert.Len(t, env.store.eventsOf(model.OutboxSeatReleased), 3)
}

func TestReclaimExpired_SkipsBusySeat(t *testing.T) {
	env := newTestEnv(t)
	res := env.newReservation(t, 1)
	env.hold(t, res, 101)
	env.clk.Advance(8 * time.Minute)

	busy, err := env.locker.TryAcquire(context.Background(), coord.SeatLockKey(testSchedule, 101), 0, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, busy)

	rep, err := env.holds.ReclaimExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	// the reservation pass still expires it and gives the seat back
	assert.Equal(t, 1, rep.ReservationsExpired)
	assert.Equal(t, model.SeatAvailable, env.store.seat(101).Status)
}
