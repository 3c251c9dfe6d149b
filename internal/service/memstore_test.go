package service

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/ticket-booking-core/internal/model"
	"github.com/iliyamo/ticket-booking-core/internal/repository"
)

// memStore is an in-memory stand-in for the MySQL repositories. Transactions
// are serialised and roll back by restoring a snapshot.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	seats        map[uint64]model.Seat
	reservations map[uint64]model.Reservation
	lines        []model.ReservationSeat
	logs         []model.SeatHoldLog
	outbox       []memOutboxRow

	nextRes, nextLine, nextEvent uint64
}

type memOutboxRow struct {
	event       model.OutboxEvent
	dispatched  bool
	lastErr     string
	nextAttempt time.Time
}

type memTxKey struct{}

type memSnapshot struct {
	seats        map[uint64]model.Seat
	reservations map[uint64]model.Reservation
	lines        []model.ReservationSeat
	logs         []model.SeatHoldLog
	outbox       []memOutboxRow

	nextRes, nextLine, nextEvent uint64
}

func newMemStore() *memStore {
	return &memStore{seats: map[uint64]model.Seat{}, reservations: map[uint64]model.Reservation{}}
}

func (m *memStore) stores() Stores {
	return Stores{
		Tx:           m,
		Seats:        memSeats{m},
		Reservations: memReservations{m},
		Lines:        memLines{m},
		Logs:         memLogs{m},
		Outbox:       memOutbox{m},
	}
}

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snap := memSnapshot{
		seats:        cloneMap(m.seats),
		reservations: cloneMap(m.reservations),
		lines:        slices.Clone(m.lines),
		logs:         slices.Clone(m.logs),
		outbox:       slices.Clone(m.outbox),
		nextRes:      m.nextRes, nextLine: m.nextLine, nextEvent: m.nextEvent,
	}
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.seats, m.reservations = snap.seats, snap.reservations
		m.lines, m.logs, m.outbox = snap.lines, snap.logs, snap.outbox
		m.nextRes, m.nextLine, m.nextEvent = snap.nextRes, snap.nextLine, snap.nextEvent
		m.mu.Unlock()
		return err
	}
	return nil
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// seed adds AVAILABLE seats to a schedule, all at one price.
func (m *memStore) seed(scheduleID uint64, price uint32, ids ...uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		m.seats[id] = model.Seat{
			ID: id, ScheduleID: scheduleID, PriceGradeID: 1, Floor: 1, Block: "A", Row: 1, Number: i + 1,
			Status: model.SeatAvailable, GradeName: "R", Price: price, HasGrade: true,
		}
	}
}

func (m *memStore) seat(id uint64) model.Seat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seats[id]
}

func (m *memStore) reservation(id uint64) model.Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reservations[id]
}

func (m *memStore) linesOf(resID uint64) []model.ReservationSeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ReservationSeat
	for _, l := range m.lines {
		if l.ReservationID == resID {
			out = append(out, l)
		}
	}
	return out
}

func (m *memStore) logsWith(outcome model.HoldOutcome) []model.SeatHoldLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SeatHoldLog
	for _, l := range m.logs {
		if l.Outcome == outcome {
			out = append(out, l)
		}
	}
	return out
}

func (m *memStore) eventsOf(kind model.OutboxKind) []model.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OutboxEvent
	for _, r := range m.outbox {
		if r.event.Kind == kind {
			out = append(out, r.event)
		}
	}
	return out
}

func (m *memStore) pendingEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.outbox {
		if !r.dispatched {
			n++
		}
	}
	return n
}

type memSeats struct{ m *memStore }

func (s memSeats) GetByIDs(_ context.Context, ids []uint64) ([]model.Seat, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []model.Seat
	for _, id := range ids {
		if st, ok := s.m.seats[id]; ok {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memSeats) ListBySchedule(_ context.Context, scheduleID uint64) ([]model.Seat, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []model.Seat
	for _, st := range s.m.seats {
		if st.ScheduleID == scheduleID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memSeats) FindExpiredHolds(_ context.Context, now time.Time, limit int) ([]model.Seat, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []model.Seat
	for _, st := range s.m.seats {
		if st.HoldExpired(now) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memSeats) MarkHeld(_ context.Context, seatID, userID uint64, expiresAt time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	st, ok := s.m.seats[seatID]
	if !ok {
		return repository.ErrNotFound
	}
	uid, exp := userID, expiresAt
	st.Status, st.HoldOwner, st.HoldExpiresAt = model.SeatHold, &uid, &exp
	st.Version++
	s.m.seats[seatID] = st
	return nil
}

func (s memSeats) ExtendHolds(_ context.Context, seatIDs []uint64, userID uint64, expiresAt time.Time) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for _, id := range seatIDs {
		st, ok := s.m.seats[id]
		if !ok || !st.HeldBy(userID) {
			continue
		}
		exp := expiresAt
		st.HoldExpiresAt = &exp
		s.m.seats[id] = st
		n++
	}
	return n, nil
}

func (s memSeats) MarkAvailable(_ context.Context, seatIDs []uint64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, id := range seatIDs {
		st, ok := s.m.seats[id]
		if !ok || st.Status == model.SeatSold {
			continue
		}
		st.Status, st.HoldOwner, st.HoldExpiresAt = model.SeatAvailable, nil, nil
		st.Version++
		s.m.seats[id] = st
	}
	return nil
}

func (s memSeats) MarkSold(_ context.Context, seatIDs []uint64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, id := range seatIDs {
		st, ok := s.m.seats[id]
		if !ok {
			continue
		}
		st.Status, st.HoldOwner, st.HoldExpiresAt = model.SeatSold, nil, nil
		st.Version++
		s.m.seats[id] = st
	}
	return nil
}

type memReservations struct{ m *memStore }

func (r memReservations) Create(_ context.Context, res *model.Reservation) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.nextRes++
	res.ID = r.m.nextRes
	r.m.reservations[res.ID] = *res
	return nil
}

func (r memReservations) GetByID(_ context.Context, id uint64) (model.Reservation, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	res, ok := r.m.reservations[id]
	if !ok {
		return model.Reservation{}, repository.ErrNotFound
	}
	return res, nil
}

func (r memReservations) FindLive(_ context.Context, userID, scheduleID uint64) (model.Reservation, bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var best model.Reservation
	found := false
	for _, res := range r.m.reservations {
		if res.UserID == userID && res.ScheduleID == scheduleID && res.CanHold() && res.ID > best.ID {
			best, found = res, true
		}
	}
	return best, found, nil
}

func (r memReservations) UpdateState(_ context.Context, res model.Reservation) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.reservations[res.ID]; !ok {
		return repository.ErrNotFound
	}
	r.m.reservations[res.ID] = res
	return nil
}

func (r memReservations) ListByUser(_ context.Context, userID uint64, limit, offset int) ([]model.Reservation, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.Reservation
	for _, res := range r.m.reservations {
		if res.UserID == userID {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memReservations) FindExpiredHolds(_ context.Context, now time.Time, limit int) ([]uint64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var ids []uint64
	for _, res := range r.m.reservations {
		if res.Status == model.ReservationHold && res.IsExpired(now) {
			ids = append(ids, res.ID)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type memLines struct{ m *memStore }

func (l memLines) Add(_ context.Context, line model.ReservationSeat) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	for _, x := range l.m.lines {
		if x.ReservationID == line.ReservationID && x.SeatID == line.SeatID {
			return repository.ErrConflict
		}
	}
	l.m.nextLine++
	line.ID = l.m.nextLine
	l.m.lines = append(l.m.lines, line)
	return nil
}

func (l memLines) ListByReservation(_ context.Context, reservationID uint64) ([]model.ReservationSeat, error) {
	out := l.m.linesOf(reservationID)
	sort.Slice(out, func(i, j int) bool { return out[i].SeatID < out[j].SeatID })
	return out, nil
}

func (l memLines) ReservationIDsBySeat(_ context.Context, seatID uint64) ([]uint64, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	var ids []uint64
	for _, x := range l.m.lines {
		if x.SeatID == seatID {
			ids = append(ids, x.ReservationID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (l memLines) DeleteSeats(_ context.Context, reservationID uint64, seatIDs []uint64) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.m.lines = slices.DeleteFunc(l.m.lines, func(x model.ReservationSeat) bool {
		return x.ReservationID == reservationID && slices.Contains(seatIDs, x.SeatID)
	})
	return nil
}

func (l memLines) DeleteBySeat(_ context.Context, seatID uint64) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.m.lines = slices.DeleteFunc(l.m.lines, func(x model.ReservationSeat) bool { return x.SeatID == seatID })
	return nil
}

func (l memLines) SumPrice(_ context.Context, reservationID uint64) (uint32, error) {
	var total uint32
	for _, x := range l.m.linesOf(reservationID) {
		total += x.Price
	}
	return total, nil
}

type memLogs struct{ m *memStore }

func (g memLogs) Append(_ context.Context, logs ...model.SeatHoldLog) error {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	g.m.logs = append(g.m.logs, logs...)
	return nil
}

type memOutbox struct{ m *memStore }

func (o memOutbox) Enqueue(_ context.Context, events ...model.OutboxEvent) error {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	for _, e := range events {
		o.m.nextEvent++
		e.ID = o.m.nextEvent
		o.m.outbox = append(o.m.outbox, memOutboxRow{event: e})
	}
	return nil
}

func (o memOutbox) FetchPending(_ context.Context, limit int, now time.Time) ([]model.OutboxEvent, error) {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	var out []model.OutboxEvent
	waiting := map[string]bool{}
	for _, r := range o.m.outbox {
		if r.dispatched {
			continue
		}
		stream := r.event.Stream()
		if r.nextAttempt.After(now) {
			waiting[stream] = true
			continue
		}
		if waiting[stream] {
			continue
		}
		out = append(out, r.event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (o memOutbox) MarkDispatched(_ context.Context, ids []uint64, _ time.Time) error {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	for i := range o.m.outbox {
		if slices.Contains(ids, o.m.outbox[i].event.ID) {
			o.m.outbox[i].dispatched = true
		}
	}
	return nil
}

func (o memOutbox) MarkApplied(_ context.Context, id uint64, _ time.Time) error {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	for i := range o.m.outbox {
		if o.m.outbox[i].event.ID == id {
			o.m.outbox[i].event.Applied = true
		}
	}
	return nil
}

func (o memOutbox) MarkFailed(_ context.Context, id uint64, reason string, retryAt time.Time) error {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	for i := range o.m.outbox {
		if o.m.outbox[i].event.ID == id {
			o.m.outbox[i].event.Attempts++
			o.m.outbox[i].lastErr = reason
			o.m.outbox[i].nextAttempt = retryAt
		}
	}
	return nil
}
