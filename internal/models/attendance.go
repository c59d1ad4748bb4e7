package models

import "time"

// Role represents a participant's role in a meeting.
type Role string

const (
	RoleHost        Role = "host"
	RoleCoHost      Role = "cohost"
	RoleParticipant Role = "participant"
)

// TrackingMode controls whether violation detection and break features are active.
type TrackingMode string

const (
	// ModePresenceOnly runs detection cycles for presence metrics only; no
	// violations, no warnings, no breaks. Applied to hosts and co-hosts.
	ModePresenceOnly TrackingMode = "presence_only"
	// ModeFull runs full violation detection with warning escalation and the
	// break allowance. Applied to participants.
	ModeFull TrackingMode = "full"
)

// TrackingModeForRole derives the tracking mode from a meeting role.
// Only participants are subject to violation detection.
func TrackingModeForRole(role Role) TrackingMode {
	if role == RoleHost || role == RoleCoHost {
		return ModePresenceOnly
	}
	return ModeFull
}

// Violation is a detector-reported condition for a participant, e.g. the face
// not being visible in frame.
type Violation string

const (
	ViolationNoFace        Violation = "no_face"
	ViolationMultipleFaces Violation = "multiple_faces"
	ViolationLookingAway   Violation = "looking_away"
	ViolationAbsent        Violation = "absent"
)

// TrackingSession identifies one participant's tracking run within a meeting.
type TrackingSession struct {
	MeetingID    string       `json:"meeting_id"`
	UserID       string       `json:"user_id"`
	UserName     string       `json:"user_name"`
	Role         Role         `json:"role"`
	TrackingMode TrackingMode `json:"tracking_mode"`
	StartedAt    time.Time    `json:"started_at"`
	IsTracking   bool         `json:"is_tracking"`
}

// AttendanceSnapshot is the latest server-reported attendance picture.
// Percentages are clamped to [0,100]; Violations is always empty when the
// tracking mode is presence-only.
type AttendanceSnapshot struct {
	AttendancePercentage float64     `json:"attendance_percentage"`
	EngagementScore      float64     `json:"engagement_score"`
	Violations           []Violation `json:"violations"`
	TotalPresenceSeconds int64       `json:"total_presence_seconds"`
	SessionActive        bool        `json:"session_active"`
}

// Clamp forces percentage fields into [0,100].
func (s *AttendanceSnapshot) Clamp() {
	s.AttendancePercentage = clampPercent(s.AttendancePercentage)
	s.EngagementScore = clampPercent(s.EngagementScore)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// MaxWarnings is the per-session warning budget. Once exhausted, no further
// warnings are issued for the remainder of the tracking session.
const MaxWarnings = 4

// WarningState tracks violation/warning escalation for a tracking session.
// WarningCount only ever increases within a session; clearing a violation
// resets the in-violation fields but never the count.
type WarningState struct {
	WarningCount             int        `json:"warning_count"`
	WarningsExhausted        bool       `json:"warnings_exhausted"`
	IsInViolation            bool       `json:"is_in_violation"`
	ViolationStartedAt       *time.Time `json:"violation_started_at,omitempty"`
	LastWarningAt            *time.Time `json:"last_warning_at,omitempty"`
	ContinuousViolationSecs  int64      `json:"continuous_violation_seconds"`
	PostWarningViolationFrom *time.Time `json:"post_warning_violation_from,omitempty"`
}

// BreakAllowanceSeconds is the single per-session break allowance.
const BreakAllowanceSeconds = 300

// BreakWindow models the one 5-minute break a participant may take.
// A break, once used up, cannot be retaken in the same session.
type BreakWindow struct {
	IsOnBreak        bool  `json:"is_on_break"`
	IsPaused         bool  `json:"is_paused"`
	RemainingSeconds int64 `json:"remaining_seconds"`
	UsedSeconds      int64 `json:"used_seconds"`
	Taken            bool  `json:"taken"`
}

// NewBreakWindow returns the break window for a role. Hosts and co-hosts get
// no allowance.
func NewBreakWindow(role Role) BreakWindow {
	if TrackingModeForRole(role) != ModeFull {
		return BreakWindow{}
	}
	return BreakWindow{RemainingSeconds: BreakAllowanceSeconds}
}

// CanTake reports whether a break may be started.
func (b BreakWindow) CanTake(mode TrackingMode) bool {
	return mode == ModeFull && !b.IsOnBreak && !b.Taken && b.RemainingSeconds > 0
}

// CanPause reports whether the running break may be paused for a supervised
// check-in.
func (b BreakWindow) CanPause() bool {
	return b.IsOnBreak && !b.IsPaused
}

// CanResume reports whether a paused break may be resumed.
func (b BreakWindow) CanResume() bool {
	return b.IsOnBreak && b.IsPaused && b.RemainingSeconds > 0
}

// CanEnd reports whether the break may be ended.
func (b BreakWindow) CanEnd() bool {
	return b.IsOnBreak
}
