package coord

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-booking-core/internal/model"
)

// ChangeFeed numbers seat changes per schedule with a monotonically
// increasing version and keeps each change readable for ttl. Readers poll
// with the last version they saw and tolerate gaps left by expired entries.
type ChangeFeed struct {
	rdb         redis.Cmdable
	ttl         time.Duration
	maxLookback int64
}

func NewChangeFeed(rdb redis.Cmdable, ttl time.Duration, maxLookback int64) *ChangeFeed {
	return &ChangeFeed{rdb: rdb, ttl: ttl, maxLookback: maxLookback}
}

// Record appends a change and returns its version.
func (f *ChangeFeed) Record(ctx context.Context, scheduleID, seatID uint64, status model.SeatStatus, userID uint64, at time.Time) (int64, error) {
	v, err := f.rdb.Incr(ctx, VersionKey(scheduleID)).Result()
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(model.SeatChange{
		SeatID:    seatID,
		Status:    status,
		UserID:    userID,
		Version:   v,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return 0, err
	}
	if err := f.rdb.Set(ctx, ChangeKey(scheduleID, v), body, f.ttl).Err(); err != nil {
		return 0, err
	}
	return v, nil
}

// Current returns the schedule's latest version, 0 when nothing was recorded.
func (f *ChangeFeed) Current(ctx context.Context, scheduleID uint64) (int64, error) {
	v, err := f.rdb.Get(ctx, VersionKey(scheduleID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// Since returns the changes after sinceVersion, oldest first.
func (f *ChangeFeed) Since(ctx context.Context, scheduleID uint64, sinceVersion int64) (model.SeatChanges, error) {
	if sinceVersion < 0 {
		sinceVersion = 0
	}
	cur, err := f.Current(ctx, scheduleID)
	if err != nil {
		return model.SeatChanges{}, err
	}
	out := model.SeatChanges{CurrentVersion: cur, Changes: []model.SeatChange{}}
	if cur <= sinceVersion {
		return out, nil
	}
	if cur-sinceVersion > f.maxLookback {
		out.FullRefreshRequired = true
		return out, nil
	}
	keys := make([]string, 0, cur-sinceVersion)
	for v := sinceVersion + 1; v <= cur; v++ {
		keys = append(keys, ChangeKey(scheduleID, v))
	}
	vals, err := f.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return model.SeatChanges{}, err
	}
	for _, raw := range vals {
		s, ok := raw.(string)
		if !ok {
			continue // expired
		}
		var ch model.SeatChange
		if err := json.Unmarshal([]byte(s), &ch); err != nil {
			continue
		}
		out.Changes = append(out.Changes, ch)
	}
	return out, nil
}
