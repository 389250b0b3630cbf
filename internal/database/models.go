package database

import "time"

// SessionEvent is one row of the session audit trail. Token values are
// never stored; the row records that an event happened, not its secrets.
type SessionEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"index;size:36" json:"session_id"`
	EventType string    `gorm:"not null;index" json:"event_type"`
	SourceIP  string    `json:"source_ip"`
	PID       int       `json:"pid"`
	Details   string    `json:"details"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
