// Package audit records session lifecycle events to the SQLite store.
//
// Auditing is optional: a nil *Auditor is valid and drops every event, so
// callers never guard their Record calls. Reconnect token values are never
// written; rows say what happened, not the secrets involved.
package audit

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/oddlab/webpty/internal/database"
	"github.com/oddlab/webpty/internal/logutil"
)

// Event types written to the session audit trail.
const (
	EventSessionCreated     = "session_created"
	EventSessionReconnected = "session_reconnected"
	EventSessionDisconnect  = "session_disconnected"
	EventSessionReaped      = "session_reaped"
	EventPTYSpawned         = "pty_spawned"
	EventPTYExited          = "pty_exited"
	EventAuthFailed         = "auth_failed"
)

// DefaultRetentionDays bounds audit growth when no retention is configured.
const DefaultRetentionDays = 90

// Entry is one audit event before it is persisted.
type Entry struct {
	SessionID string
	EventType string
	SourceIP  string
	PID       int
	Details   string
}

// Auditor writes session events to the database and mirrors them to the log.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// New returns an Auditor writing to db. retentionDays <= 0 selects the
// default retention.
func New(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}
}

// Record persists one event. A nil receiver drops it silently.
func (a *Auditor) Record(e Entry) {
	if a == nil {
		return
	}
	row := database.SessionEvent{
		SessionID: e.SessionID,
		EventType: e.EventType,
		SourceIP:  e.SourceIP,
		PID:       e.PID,
		Details:   logutil.SanitizeForLog(e.Details),
	}
	if err := a.db.Create(&row).Error; err != nil {
		log.Printf("[audit] write failed: %v", err)
		return
	}
	log.Printf("[audit] %s session=%s ip=%s pid=%d %s",
		e.EventType, e.SessionID, e.SourceIP, e.PID, row.Details)
}

// Prune deletes events older than the retention period and returns how many
// rows were removed.
func (a *Auditor) Prune() (int64, error) {
	if a == nil {
		return 0, nil
	}
	cutoff := a.nowFn().AddDate(0, 0, -a.retentionDays)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.SessionEvent{})
	if result.Error != nil {
		log.Printf("[audit] prune failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] pruned %d events older than %d days", result.RowsAffected, a.retentionDays)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	if a == nil {
		return 0
	}
	return a.retentionDays
}

// SetNowFunc replaces the clock, used by tests to age events.
func (a *Auditor) SetNowFunc(fn func() time.Time) { a.nowFn = fn }
