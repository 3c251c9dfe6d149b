package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking-core/internal/clock"
	"github.com/iliyamo/ticket-booking-core/internal/config"
	"github.com/iliyamo/ticket-booking-core/internal/coord"
)

// EvictedSession identifies a booking session dropped from the active set.
type EvictedSession struct {
	SessionID string
	UserID    uint64
}

// SessionService exchanges one-time waiting tokens for booking sessions and
// keeps the active set's heartbeats.
type SessionService struct {
	rdb    redis.Cmdable
	locker coord.Locker
	clock  clock.Clock
	cfg    config.BookingConfig
	log    *zap.Logger
}

func NewSessionService(rdb redis.Cmdable, locker coord.Locker, clk clock.Clock, cfg config.BookingConfig, log *zap.Logger) *SessionService {
	return &SessionService{rdb: rdb, locker: locker, clock: clk, cfg: cfg, log: log.Named("session")}
}

// Create redeems waitingToken for a booking session on scheduleID. The token
// is consumed, and the new session enters the active set.
func (s *SessionService) Create(ctx context.Context, userID, scheduleID uint64, waitingToken, deviceID string) (string, error) {
	waitingToken = strings.TrimSpace(waitingToken)
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", ErrDeviceIDRequired
	}
	if waitingToken == "" {
		return "", ErrInvalidWaitingToken
	}

	lock, err := s.locker.TryAcquire(ctx, waitingLockKey(waitingToken), 0, s.cfg.TokenLockLease)
	if err != nil {
		return "", fmt.Errorf("session create: %w", err)
	}
	if lock == nil {
		return "", ErrWaitingTokenInUse
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lock); err != nil {
			s.log.Warn("token lock release failed", zap.Error(err))
		}
	}()

	tv, err := s.rdb.Get(ctx, waitingTokenKey(waitingToken)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidWaitingToken
	}
	if err != nil {
		return "", fmt.Errorf("session create: %w", err)
	}
	waitingID, tokenSchedule, ok := splitScoped(tv)
	if !ok {
		return "", ErrInvalidWaitingToken
	}
	if tokenSchedule != scheduleID {
		return "", ErrScheduleMismatch
	}

	qv, err := s.rdb.Get(ctx, qsidKey(waitingID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrQSIDExpired
	}
	if err != nil {
		return "", fmt.Errorf("session create: %w", err)
	}
	joinedDevice, _, ok := splitScoped(qv)
	if !ok || joinedDevice != deviceID {
		return "", ErrDeviceIDMismatch
	}

	if prev, err := s.getString(ctx, bookingDeviceKey(scheduleID, deviceID)); err != nil {
		return "", err
	} else if prev != "" {
		owner, err := s.getString(ctx, sessionUserKey(prev))
		if err != nil {
			return "", err
		}
		if owner != "" && owner != strconv.FormatUint(userID, 10) {
			return "", ErrDeviceAlreadyUsed
		}
		if err := s.Delete(ctx, prev); err != nil {
			return "", err
		}
	}
	if prev, err := s.getString(ctx, userSessionKey(userID, scheduleID)); err != nil {
		return "", err
	} else if prev != "" {
		if err := s.Delete(ctx, prev); err != nil {
			return "", err
		}
	}

	id := uuid.NewString()
	now := s.clock.Now()
	ttl := s.cfg.SessionTTL
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, sessionKey(id), scheduleID, ttl)
		p.Set(ctx, sessionUserKey(id), userID, ttl)
		p.Set(ctx, sessionDeviceKey(id), deviceID, ttl)
		p.Set(ctx, userSessionKey(userID, scheduleID), id, ttl)
		p.Set(ctx, bookingDeviceKey(scheduleID, deviceID), id, ttl)
		p.ZAdd(ctx, activeKey(scheduleID), redis.Z{Score: float64(now.UnixMilli()), Member: id})

		p.Del(ctx, waitingTokenKey(waitingToken), qsidKey(waitingID), deviceKey(scheduleID, deviceID))
		p.HDel(ctx, admittedKey(scheduleID), waitingID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("session create: %w", err)
	}
	s.log.Info("booking session created",
		zap.Uint64("user_id", userID), zap.Uint64("schedule_id", scheduleID), zap.String("session_id", id))
	return id, nil
}

// Ping refreshes the session's heartbeat in the active set.
func (s *SessionService) Ping(ctx context.Context, scheduleID uint64, sessionID string) error {
	if err := s.ValidateForSchedule(ctx, scheduleID, sessionID); err != nil {
		return err
	}
	key := activeKey(scheduleID)
	if _, err := s.rdb.ZScore(ctx, key, sessionID).Result(); errors.Is(err, redis.Nil) {
		return ErrNotInActive
	} else if err != nil {
		return fmt.Errorf("session ping: %w", err)
	}
	now := s.clock.Now()
	if err := s.rdb.ZAddXX(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: sessionID}).Err(); err != nil {
		return fmt.Errorf("session ping: %w", err)
	}
	return nil
}

// Leave removes the session from the active set. Leaving twice is a no-op.
func (s *SessionService) Leave(ctx context.Context, scheduleID uint64, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := s.rdb.ZRem(ctx, activeKey(scheduleID), sessionID).Err(); err != nil {
		return fmt.Errorf("session leave: %w", err)
	}
	return nil
}

// ValidateExists returns the schedule a live session belongs to.
func (s *SessionService) ValidateExists(ctx context.Context, sessionID string) (uint64, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, ErrInvalidBookingSession
	}
	v, err := s.getString(ctx, sessionKey(sessionID))
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, ErrBookingSessionExpired
	}
	sid, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, ErrInvalidBookingSession
	}
	return sid, nil
}

// ValidateForSchedule checks the session is live and scoped to scheduleID.
func (s *SessionService) ValidateForSchedule(ctx context.Context, scheduleID uint64, sessionID string) error {
	sid, err := s.ValidateExists(ctx, sessionID)
	if err != nil {
		return err
	}
	if sid != scheduleID {
		return ErrSessionScheduleMismatch
	}
	return nil
}

// CheckAccess gates schedule-scoped booking calls: the session must be live,
// belong to userID and hold an entry in the active set.
func (s *SessionService) CheckAccess(ctx context.Context, scheduleID uint64, sessionID string, userID uint64) error {
	if err := s.ValidateForSchedule(ctx, scheduleID, sessionID); err != nil {
		return err
	}
	owner, err := s.getString(ctx, sessionUserKey(sessionID))
	if err != nil {
		return err
	}
	if owner != strconv.FormatUint(userID, 10) {
		return ErrInvalidBookingSession
	}
	_, err = s.rdb.ZScore(ctx, activeKey(scheduleID), sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return ErrQueueNotPassed
	}
	if err != nil {
		return fmt.Errorf("check access: %w", err)
	}
	return nil
}

// Delete removes every key of a session and its active-set entry. Unknown
// sessions are ignored.
func (s *SessionService) Delete(ctx context.Context, sessionID string) error {
	vals, err := s.rdb.MGet(ctx, sessionKey(sessionID), sessionUserKey(sessionID), sessionDeviceKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("session delete: %w", err)
	}
	sidStr, _ := vals[0].(string)
	userStr, _ := vals[1].(string)
	device, _ := vals[2].(string)

	keys := []string{sessionKey(sessionID), sessionUserKey(sessionID), sessionDeviceKey(sessionID)}
	sid, sidErr := strconv.ParseUint(sidStr, 10, 64)
	if sidErr == nil {
		if uid, err := strconv.ParseUint(userStr, 10, 64); err == nil {
			keys = append(keys, userSessionKey(uid, sid))
		}
		if device != "" {
			keys = append(keys, bookingDeviceKey(sid, device))
		}
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		if sidErr == nil {
			p.ZRem(ctx, activeKey(sid), sessionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session delete: %w", err)
	}
	return nil
}

// EvictStale drops active entries whose last heartbeat is before
// staleBefore and reports who was evicted.
func (s *SessionService) EvictStale(ctx context.Context, scheduleID uint64, staleBefore time.Time) ([]EvictedSession, error) {
	key := activeKey(scheduleID)
	ids, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(staleBefore.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("evict stale: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	out := make([]EvictedSession, 0, len(ids))
	members := make([]any, 0, len(ids))
	for _, id := range ids {
		ev := EvictedSession{SessionID: id}
		if u, err := s.getString(ctx, sessionUserKey(id)); err == nil && u != "" {
			ev.UserID, _ = strconv.ParseUint(u, 10, 64)
		}
		out = append(out, ev)
		members = append(members, id)
	}
	if err := s.rdb.ZRem(ctx, key, members...).Err(); err != nil {
		return nil, fmt.Errorf("evict stale: %w", err)
	}
	return out, nil
}

// getString returns "" for a missing key.
func (s *SessionService) getString(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}
