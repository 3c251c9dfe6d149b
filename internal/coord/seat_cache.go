package coord

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseOwnerScript drops the owner key only when it still names the
// releasing buyer, so a late release intent cannot erase a newer hold.
var releaseOwnerScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// SeatCache is the fast-path mirror of seat ownership: one owner key per held
// seat, TTL-bound to the hold expiry, plus one sold set per schedule.
type SeatCache struct {
	rdb redis.Cmdable
}

func NewSeatCache(rdb redis.Cmdable) *SeatCache { return &SeatCache{rdb: rdb} }

// Owners looks up many seats at once. Seats without an owner are absent from
// the result.
func (c *SeatCache) Owners(ctx context.Context, scheduleID uint64, seatIDs []uint64) (map[uint64]uint64, error) {
	out := make(map[uint64]uint64, len(seatIDs))
	if len(seatIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(seatIDs))
	for i, id := range seatIDs {
		keys[i] = SeatOwnerKey(scheduleID, id)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if uid, err := strconv.ParseUint(s, 10, 64); err == nil {
			out[seatIDs[i]] = uid
		}
	}
	return out, nil
}

// SoldSeats returns the schedule's sold set.
func (c *SeatCache) SoldSeats(ctx context.Context, scheduleID uint64) (map[uint64]struct{}, error) {
	members, err := c.rdb.SMembers(ctx, SoldSetKey(scheduleID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]struct{}, len(members))
	for _, m := range members {
		if id, err := strconv.ParseUint(m, 10, 64); err == nil {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

// ApplyHold records userID as the seat's owner until expiresAt. A hold that
// already expired removes the key instead.
func (c *SeatCache) ApplyHold(ctx context.Context, scheduleID, seatID, userID uint64, expiresAt, now time.Time) error {
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return c.ApplyRelease(ctx, scheduleID, seatID, userID)
	}
	return c.rdb.Set(ctx, SeatOwnerKey(scheduleID, seatID), strconv.FormatUint(userID, 10), ttl).Err()
}

// ApplyRelease removes the owner key if it still belongs to userID.
func (c *SeatCache) ApplyRelease(ctx context.Context, scheduleID, seatID, userID uint64) error {
	return releaseOwnerScript.Run(ctx, c.rdb, []string{SeatOwnerKey(scheduleID, seatID)}, strconv.FormatUint(userID, 10)).Err()
}

// ApplySold adds the seat to the sold set and drops its owner key.
func (c *SeatCache) ApplySold(ctx context.Context, scheduleID, seatID uint64) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, SoldSetKey(scheduleID), seatID)
		p.Del(ctx, SeatOwnerKey(scheduleID, seatID))
		return nil
	})
	return err
}
