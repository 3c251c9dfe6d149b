package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking-core/internal/clock"
	"github.com/iliyamo/ticket-booking-core/internal/config"
)

// QueueState is the position of a client in a schedule's waiting room.
type QueueState string

const (
	QueueWaiting    QueueState = "WAITING"
	QueueAdmitted   QueueState = "ADMITTED"
	QueueNotInQueue QueueState = "NOT_IN_QUEUE"
)

// QueueTicket answers join and status calls.
type QueueTicket struct {
	Status    QueueState `json:"status"`
	Position  int64      `json:"position,omitempty"`
	WaitingID string     `json:"waitingId,omitempty"`
	Token     string     `json:"token,omitempty"`
}

// admitScript moves the oldest waiting clients into the admitted map while
// |active| + |admitted| stays within capacity. Admitted entries whose token
// already expired are pruned first so abandoned tokens free their slot.
//
// KEYS: queue, admitted, active
// ARGV: maxActive, tokenTTLms, scheduleId, tokenPrefix, token...
var admitScript = redis.NewScript(`
local queue, admitted, active = KEYS[1], KEYS[2], KEYS[3]
local maxActive = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local sid = ARGV[3]
local prefix = ARGV[4]

local entries = redis.call('HGETALL', admitted)
for i = 1, #entries, 2 do
    if redis.call('EXISTS', prefix .. entries[i + 1]) == 0 then
        redis.call('HDEL', admitted, entries[i])
    end
end

local free = maxActive - redis.call('ZCARD', active) - redis.call('HLEN', admitted)
local tokens = #ARGV - 4
if free > tokens then free = tokens end
if free <= 0 then return 0 end

local ids = redis.call('ZRANGE', queue, 0, free - 1)
for i, id in ipairs(ids) do
    local token = ARGV[4 + i]
    redis.call('HSET', admitted, id, token)
    redis.call('SET', prefix .. token, id .. ':' .. sid, 'PX', ttl)
    redis.call('ZREM', queue, id)
end
return #ids
`)

// QueueService runs the per-schedule waiting room.
type QueueService struct {
	rdb   redis.Cmdable
	clock clock.Clock
	cfg   config.BookingConfig
	log   *zap.Logger
}

func NewQueueService(rdb redis.Cmdable, clk clock.Clock, cfg config.BookingConfig, log *zap.Logger) *QueueService {
	return &QueueService{rdb: rdb, clock: clk, cfg: cfg, log: log.Named("queue")}
}

// Join puts a device into the schedule's waiting room. A device whose
// previous entry is still waiting or admitted gets that entry back instead
// of a second position.
func (s *QueueService) Join(ctx context.Context, scheduleID uint64, deviceID string) (QueueTicket, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return QueueTicket{}, ErrDeviceIDRequired
	}

	dk := deviceKey(scheduleID, deviceID)
	prev, err := s.rdb.Get(ctx, dk).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return QueueTicket{}, fmt.Errorf("queue join: %w", err)
	}
	if prev != "" {
		t, err := s.Status(ctx, scheduleID, prev)
		if err != nil {
			return QueueTicket{}, err
		}
		if t.Status != QueueNotInQueue {
			return t, nil
		}
		if err := s.rdb.Del(ctx, qsidKey(prev)).Err(); err != nil {
			return QueueTicket{}, fmt.Errorf("queue join: %w", err)
		}
	}

	waitingID := uuid.NewString()
	now := s.clock.Now()
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, queueKey(scheduleID), redis.Z{Score: float64(now.UnixMilli()), Member: waitingID})
		p.Set(ctx, qsidKey(waitingID), scoped(deviceID, scheduleID), s.cfg.JoinTTL)
		p.Set(ctx, dk, waitingID, s.cfg.JoinTTL)
		p.SAdd(ctx, scheduleRegistry, scheduleID)
		return nil
	})
	if err != nil {
		return QueueTicket{}, fmt.Errorf("queue join: %w", err)
	}

	rank, err := s.rdb.ZRank(ctx, queueKey(scheduleID), waitingID).Result()
	if err != nil {
		return QueueTicket{}, fmt.Errorf("queue join: %w", err)
	}
	s.log.Debug("joined", zap.Uint64("schedule_id", scheduleID), zap.String("waiting_id", waitingID), zap.Int64("position", rank+1))
	return QueueTicket{Status: QueueWaiting, Position: rank + 1, WaitingID: waitingID}, nil
}

// Status reports whether waitingID was admitted, is still waiting, or is
// unknown. The admitted map is checked first.
func (s *QueueService) Status(ctx context.Context, scheduleID uint64, waitingID string) (QueueTicket, error) {
	token, err := s.rdb.HGet(ctx, admittedKey(scheduleID), waitingID).Result()
	switch {
	case err == nil:
		n, err := s.rdb.Exists(ctx, waitingTokenKey(token)).Result()
		if err != nil {
			return QueueTicket{}, fmt.Errorf("queue status: %w", err)
		}
		if n == 0 {
			// token expired unused; drop the entry so it stops counting
			s.rdb.HDel(ctx, admittedKey(scheduleID), waitingID)
			return QueueTicket{Status: QueueNotInQueue, WaitingID: waitingID}, nil
		}
		return QueueTicket{Status: QueueAdmitted, WaitingID: waitingID, Token: token}, nil
	case !errors.Is(err, redis.Nil):
		return QueueTicket{}, fmt.Errorf("queue status: %w", err)
	}

	rank, err := s.rdb.ZRank(ctx, queueKey(scheduleID), waitingID).Result()
	if errors.Is(err, redis.Nil) {
		return QueueTicket{Status: QueueNotInQueue, WaitingID: waitingID}, nil
	}
	if err != nil {
		return QueueTicket{}, fmt.Errorf("queue status: %w", err)
	}
	return QueueTicket{Status: QueueWaiting, Position: rank + 1, WaitingID: waitingID}, nil
}

// AdmitIfCapacity admits up to maxActive - (|active| + |admitted|) of the
// oldest waiting clients and returns how many were admitted. The active set
// is never touched here; a slot is only occupied once a booking session is
// created.
func (s *QueueService) AdmitIfCapacity(ctx context.Context, scheduleID uint64, maxActive int) (int, error) {
	if maxActive <= 0 {
		return 0, nil
	}
	waiting, err := s.rdb.ZCard(ctx, queueKey(scheduleID)).Result()
	if err != nil {
		return 0, fmt.Errorf("admit: %w", err)
	}
	if waiting == 0 {
		return 0, nil
	}
	n := min(int(waiting), maxActive)

	args := make([]any, 0, 4+n)
	args = append(args, maxActive, s.cfg.WaitingTokenTTL.Milliseconds(), scheduleID, waitingTokenPrefix)
	for i := 0; i < n; i++ {
		args = append(args, "wt_"+uuid.NewString())
	}
	keys := []string{queueKey(scheduleID), admittedKey(scheduleID), activeKey(scheduleID)}
	admitted, err := admitScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("admit: %w", err)
	}
	if admitted > 0 {
		s.log.Info("admitted", zap.Uint64("schedule_id", scheduleID), zap.Int("count", admitted))
	}
	return admitted, nil
}

// Schedules lists every schedule that ever had a waiting room.
func (s *QueueService) Schedules(ctx context.Context) ([]uint64, error) {
	members, err := s.rdb.SMembers(ctx, scheduleRegistry).Result()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(members))
	for _, m := range members {
		if id, err := strconv.ParseUint(m, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}
