// Package coord wraps Redis as the booking coordination store: per-seat
// locks, the hold-owner fast gate, the sold set and the seat change feed.
// Redis never holds the source of truth; every key here is either
// TTL-governed or rebuilt from MySQL by the outbox dispatcher.
package coord

import "fmt"

func SeatLockKey(scheduleID, seatID uint64) string {
	return fmt.Sprintf("seat:lock:%d:%d", scheduleID, seatID)
}

func SeatOwnerKey(scheduleID, seatID uint64) string {
	return fmt.Sprintf("seat:hold:owner:%d:%d", scheduleID, seatID)
}

func SoldSetKey(scheduleID uint64) string {
	return fmt.Sprintf("seat:sold:%d", scheduleID)
}

func VersionKey(scheduleID uint64) string {
	return fmt.Sprintf("seat:version:%d", scheduleID)
}

func ChangeKey(scheduleID uint64, version int64) string {
	return fmt.Sprintf("seat:changes:%d:%d", scheduleID, version)
}
