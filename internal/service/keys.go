package service

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	waitingTokenPrefix = "waiting:"
	scheduleRegistry   = "queue:schedules"
)

func queueKey(scheduleID uint64) string    { return fmt.Sprintf("queue:%d", scheduleID) }
func admittedKey(scheduleID uint64) string { return fmt.Sprintf("admitted:%d", scheduleID) }
func activeKey(scheduleID uint64) string   { return fmt.Sprintf("active:%d", scheduleID) }

func waitingTokenKey(token string) string { return waitingTokenPrefix + token }
func waitingLockKey(token string) string  { return "waiting:lock:" + token }
func qsidKey(waitingID string) string     { return "qsid:" + waitingID }

func deviceKey(scheduleID uint64, deviceID string) string {
	return fmt.Sprintf("device:%d:%s", scheduleID, deviceID)
}

func sessionKey(id string) string       { return "booking:session:" + id }
func sessionUserKey(id string) string   { return "booking:session:user:" + id }
func sessionDeviceKey(id string) string { return "booking:session:device:" + id }

func userSessionKey(userID, scheduleID uint64) string {
	return fmt.Sprintf("booking:session:%d:%d", userID, scheduleID)
}

func bookingDeviceKey(scheduleID uint64, deviceID string) string {
	return fmt.Sprintf("booking:device:%d:%s", scheduleID, deviceID)
}

// splitScoped parses "{value}:{scheduleId}". The value may itself contain
// colons, so the last one separates the schedule.
func splitScoped(v string) (string, uint64, bool) {
	i := strings.LastIndexByte(v, ':')
	if i <= 0 {
		return "", 0, false
	}
	sid, err := strconv.ParseUint(v[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return v[:i], sid, true
}

func scoped(v string, scheduleID uint64) string {
	return v + ":" + strconv.FormatUint(scheduleID, 10)
}
