package attendance

import (
	"time"

	"github.com/meetingpro/agent/internal/models"
)

// EventType identifies what the tracker emitted.
type EventType int

const (
	// EventTrackingStarted fires when a tracking session begins.
	EventTrackingStarted EventType = iota
	// EventTrackingStopped fires when a tracking session ends locally.
	EventTrackingStopped
	// EventWarningIssued fires for each escalation warning.
	EventWarningIssued
	// EventWarningsExhausted fires once the warning budget is spent.
	EventWarningsExhausted
	// EventViolationCleared fires when a detection cycle reports no
	// violations after a violation was in progress.
	EventViolationCleared
	// EventBreakChanged fires on every break window transition.
	EventBreakChanged
	// EventSessionClosed fires when the server terminates the session.
	EventSessionClosed
	// EventStatusReconciled fires after a status poll updates local state.
	EventStatusReconciled
)

// Event is delivered to tracker subscribers.
type Event struct {
	Type         EventType
	At           time.Time
	WarningCount int
	Violations   []models.Violation
	Break        models.BreakWindow
	Message      string
}
