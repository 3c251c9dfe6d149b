package model

// SeatChange is one entry of a schedule's seat change feed.
type SeatChange struct {
	SeatID    uint64     `json:"seatId"`
	Status    SeatStatus `json:"status"`
	UserID    uint64     `json:"userId"`
	Version   int64      `json:"version"`
	Timestamp string     `json:"timestamp"`
}

// SeatChanges is the answer to a poll since a given version. When the poller
// lags more than the lookback window, FullRefreshRequired is set and Changes
// is empty.
type SeatChanges struct {
	CurrentVersion      int64        `json:"currentVersion"`
	FullRefreshRequired bool         `json:"fullRefreshRequired"`
	Changes             []SeatChange `json:"changes"`
}
