package service

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking-core/internal/apperr"
	"github.com/iliyamo/ticket-booking-core/internal/clock"
	"github.com/iliyamo/ticket-booking-core/internal/model"
)

// SeatView is one seat of the seat map as a buyer sees it.
type SeatView struct {
	SeatID   uint64           `json:"performanceSeatId"`
	Floor    int              `json:"floor"`
	Block    string           `json:"block"`
	Row      int              `json:"row"`
	Number   int              `json:"number"`
	Grade    string           `json:"grade"`
	Price    uint32           `json:"price"`
	Status   model.SeatStatus `json:"status"`
	HeldByMe bool             `json:"heldByMe"`
}

// SeatQueryService serves read-only seat views. The database rows are
// overlaid with the coordination store so freshly sold or held seats show
// up before the row is read again.
type SeatQueryService struct {
	seats SeatStore
	gate  SeatGate
	feed  ChangeFeed
	clock clock.Clock
	log   *zap.Logger
}

func NewSeatQueryService(seats SeatStore, gate SeatGate, feed ChangeFeed, clk clock.Clock, log *zap.Logger) *SeatQueryService {
	return &SeatQueryService{seats: seats, gate: gate, feed: feed, clock: clk, log: log.Named("seats")}
}

// SeatMap returns every seat of a schedule in layout order.
func (s *SeatQueryService) SeatMap(ctx context.Context, scheduleID, userID uint64) ([]SeatView, error) {
	seats, err := s.overlay(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	out := make([]SeatView, 0, len(seats))
	for _, st := range seats {
		out = append(out, SeatView{
			SeatID: st.seat.ID, Floor: st.seat.Floor, Block: st.seat.Block, Row: st.seat.Row, Number: st.seat.Number,
			Grade: st.seat.GradeName, Price: st.seat.Price, Status: st.status,
			HeldByMe: st.status == model.SeatHold && st.owner == userID,
		})
	}
	return out, nil
}

// Summary counts total and available seats per floor and block.
func (s *SeatQueryService) Summary(ctx context.Context, scheduleID uint64) ([]model.BlockSummary, error) {
	seats, err := s.overlay(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	type key struct {
		floor int
		block string
	}
	idx := map[key]int{}
	var out []model.BlockSummary
	for _, st := range seats {
		k := key{st.seat.Floor, st.seat.Block}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, model.BlockSummary{Floor: k.floor, Block: k.block})
		}
		out[i].Total++
		if st.status == model.SeatAvailable {
			out[i].Available++
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Floor != out[b].Floor {
			return out[a].Floor < out[b].Floor
		}
		return out[a].Block < out[b].Block
	})
	return out, nil
}

// Changes returns the seat change events after sinceVersion.
func (s *SeatQueryService) Changes(ctx context.Context, scheduleID uint64, sinceVersion int64) (model.SeatChanges, error) {
	if sinceVersion < 0 {
		sinceVersion = 0
	}
	ch, err := s.feed.Since(ctx, scheduleID, sinceVersion)
	if err != nil {
		return model.SeatChanges{}, apperr.Internal("failed to read seat changes", err)
	}
	if ch.Changes == nil {
		ch.Changes = []model.SeatChange{}
	}
	return ch, nil
}

type overlaid struct {
	seat   model.Seat
	status model.SeatStatus
	owner  uint64
}

func (s *SeatQueryService) overlay(ctx context.Context, scheduleID uint64) ([]overlaid, error) {
	seats, err := s.seats.ListBySchedule(ctx, scheduleID)
	if err != nil {
		return nil, apperr.Internal("failed to load seats", err)
	}
	ids := make([]uint64, len(seats))
	for i, st := range seats {
		ids[i] = st.ID
	}
	owners, err := s.gate.Owners(ctx, scheduleID, ids)
	if err != nil {
		s.log.Warn("seat owner overlay unavailable", zap.Uint64("schedule_id", scheduleID), zap.Error(err))
		owners = nil
	}
	sold, err := s.gate.SoldSeats(ctx, scheduleID)
	if err != nil {
		s.log.Warn("sold overlay unavailable", zap.Uint64("schedule_id", scheduleID), zap.Error(err))
		sold = nil
	}

	now := s.clock.Now()
	out := make([]overlaid, 0, len(seats))
	for _, st := range seats {
		o := overlaid{seat: st, status: st.Status}
		if st.HoldOwner != nil {
			o.owner = *st.HoldOwner
		}
		if st.HoldExpired(now) {
			o.status, o.owner = model.SeatAvailable, 0
		}
		if uid, ok := owners[st.ID]; ok && o.status != model.SeatSold {
			o.status, o.owner = model.SeatHold, uid
		}
		if _, ok := sold[st.ID]; ok {
			o.status, o.owner = model.SeatSold, 0
		}
		out = append(out, o)
	}
	return out, nil
}
