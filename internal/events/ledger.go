// Package events defines the payloads published for downstream consumers.
package events

import "time"

// Event type identifiers carried in Kafka message headers.
const (
	TypeEntryRecorded = "ledger.entry_recorded"
)

// LedgerEntryRecorded is emitted once per successful history append.
type LedgerEntryRecorded struct {
	RecordID    string    `json:"record_id"`
	UserID      string    `json:"user_id"`
	PointsAdded int64     `json:"points_added"`
	HeaderTotal int64     `json:"header_total"`
	Memo        string    `json:"memo"`
	RecordedAt  time.Time `json:"recorded_at"`
}
