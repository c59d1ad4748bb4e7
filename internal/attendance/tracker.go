// Package attendance owns the client-side tracking session: the
// violation/warning state machine, the break window, and reconciliation
// against the detection backend's authoritative status.
package attendance

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meetingpro/agent/internal/models"
)

// CameraController receives the desired camera-enabled state. The tracker
// queues intents through a single slot so enable and disable can never race;
// the last write before the drain wins.
type CameraController func(enabled bool)

// Options holds tracker timing knobs.
type Options struct {
	WarningInterval    time.Duration // spacing between warnings in continuous violation
	StatusPollInterval time.Duration // background status poll cadence
	StatusMinInterval  time.Duration // throttle for unforced status calls
}

func (o *Options) defaults() {
	if o.WarningInterval <= 0 {
		o.WarningInterval = 20 * time.Second
	}
	if o.StatusPollInterval <= 0 {
		o.StatusPollInterval = 10 * time.Second
	}
	if o.StatusMinInterval <= 0 {
		o.StatusMinInterval = 5 * time.Second
	}
}

// StartOptions identifies the participant starting a tracking session.
type StartOptions struct {
	MeetingID string
	UserID    string
	UserName  string
	Role      models.Role
}

// DetectionResult is the outcome of one detection cycle.
type DetectionResult struct {
	Violations        []models.Violation        `json:"violations"`
	WarningIssued     bool                      `json:"warning_issued"`
	WarningCount      int                       `json:"warning_count"`
	WarningsExhausted bool                      `json:"warnings_exhausted"`
	IsInViolation     bool                      `json:"is_in_violation"`
	Snapshot          models.AttendanceSnapshot `json:"snapshot"`
	Break             models.BreakWindow        `json:"break"`
}

// StatusResult is the tracker's externally visible state.
type StatusResult struct {
	Session         models.TrackingSession    `json:"session"`
	Snapshot        models.AttendanceSnapshot `json:"snapshot"`
	Warnings        models.WarningState       `json:"warnings"`
	Break           models.BreakWindow        `json:"break"`
	CameraSuggested bool                      `json:"camera_suggested"`
	LastError       string                    `json:"last_error,omitempty"`
}

// Tracker coordinates one participant's attendance tracking.
type Tracker struct {
	opts   Options
	api    API
	clock  clock.Clock
	logger *zap.Logger
	camera CameraController

	mu             sync.Mutex
	session        models.TrackingSession
	snapshot       models.AttendanceSnapshot
	warnings       models.WarningState
	breakWin       models.BreakWindow
	lastError      string
	generation     uint64 // bumped on start/stop; stale responses are dropped
	applySeq       uint64 // bumped per applied response; detection outranks polls
	lastStatusCall time.Time
	breakSegmentAt time.Time // start of the current running break segment
	warningTimer   *clock.Timer
	pollStop       chan struct{}
	events         []chan Event
	closed         bool

	cameraIntent chan bool
	drainStop    chan struct{}
}

// New creates a Tracker. camera may be nil when the embedding UI owns the
// camera pipeline elsewhere.
func New(api API, camera CameraController, opts Options, clk clock.Clock, logger *zap.Logger) *Tracker {
	opts.defaults()
	if clk == nil {
		clk = clock.New()
	}
	t := &Tracker{
		opts:         opts,
		api:          api,
		clock:        clk,
		logger:       logger,
		camera:       camera,
		breakWin:     models.NewBreakWindow(models.RoleParticipant),
		cameraIntent: make(chan bool, 1),
		drainStop:    make(chan struct{}),
	}
	t.snapshot.Violations = []models.Violation{}
	go t.drainCameraIntents()
	return t
}

// Subscribe registers a new observer channel. Events are dropped rather than
// blocking when a subscriber falls behind.
func (t *Tracker) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	t.mu.Lock()
	t.events = append(t.events, ch)
	t.mu.Unlock()
	return ch
}

// StartTracking begins a tracking session. Returns true when tracking is
// active afterwards; a session already in progress is a successful no-op.
func (t *Tracker) StartTracking(ctx context.Context, opts StartOptions) (bool, error) {
	if opts.MeetingID == "" || opts.UserID == "" {
		return false, ErrMissingIdentity
	}

	t.mu.Lock()
	if t.session.IsTracking {
		t.mu.Unlock()
		return true, nil
	}
	t.mu.Unlock()

	resp, err := t.api.Start(ctx, StartRequest{
		MeetingID:     opts.MeetingID,
		UserID:        opts.UserID,
		UserName:      opts.UserName,
		Role:          opts.Role,
		CameraEnabled: true,
	})
	if err != nil {
		t.setLastError(err.Error())
		return false, err
	}

	now := t.clock.Now()
	t.mu.Lock()
	if t.session.IsTracking {
		// Lost a start race; the other call owns the session.
		t.mu.Unlock()
		return true, nil
	}
	t.generation++
	gen := t.generation
	t.session = models.TrackingSession{
		MeetingID:    opts.MeetingID,
		UserID:       opts.UserID,
		UserName:     opts.UserName,
		Role:         opts.Role,
		TrackingMode: models.TrackingModeForRole(opts.Role),
		StartedAt:    now,
		IsTracking:   true,
	}
	t.warnings = models.WarningState{}
	t.breakWin = models.NewBreakWindow(opts.Role)
	t.snapshot = models.AttendanceSnapshot{SessionActive: true, Violations: []models.Violation{}}
	if resp != nil {
		t.applyStatusLocked(resp)
	}
	t.lastError = ""
	t.lastStatusCall = time.Time{}
	stop := make(chan struct{})
	t.pollStop = stop
	t.mu.Unlock()

	go t.pollLoop(gen, stop)
	t.emit(Event{Type: EventTrackingStarted, At: now})
	return true, nil
}

// StopTracking ends the tracking session, cancels all timers and resets
// warning, break and snapshot state to their clean defaults. Idempotent when
// not tracking.
func (t *Tracker) StopTracking(ctx context.Context) (bool, error) {
	t.mu.Lock()
	if !t.session.IsTracking {
		t.mu.Unlock()
		return true, nil
	}
	t.generation++
	req := SessionRequest{MeetingID: t.session.MeetingID, UserID: t.session.UserID}
	wasOnBreak := t.breakWin.IsOnBreak
	t.resetStateLocked()
	if wasOnBreak {
		t.queueCameraLocked(true)
	}
	t.mu.Unlock()

	t.emit(Event{Type: EventTrackingStopped, At: t.clock.Now()})

	if err := t.api.Stop(ctx, req); err != nil {
		// Local state is already clean; the server will expire the session.
		t.logger.Warn("remote stop failed", zap.Error(err))
		return false, err
	}
	return true, nil
}

// Reset clears all tracker state without remote calls.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.generation++
	t.resetStateLocked()
	t.mu.Unlock()
}

// DetectViolations runs one detection cycle with the given base64-encoded
// frame. A transient backend failure returns an error and preserves tracking
// state; only an explicit session_closed status or StopTracking ends the
// session. Responses that arrive after teardown are dropped.
func (t *Tracker) DetectViolations(ctx context.Context, frame string) (*DetectionResult, error) {
	t.mu.Lock()
	if !t.session.IsTracking {
		t.mu.Unlock()
		return nil, ErrNotTracking
	}
	gen := t.generation
	req := DetectRequest{
		MeetingID:     t.session.MeetingID,
		UserID:        t.session.UserID,
		Frame:         frame,
		Role:          t.session.Role,
		CameraEnabled: t.cameraSuggestedLocked(),
		IsOnBreak:     t.breakWin.IsOnBreak,
	}
	mode := t.session.TrackingMode
	t.mu.Unlock()

	resp, err := t.api.Detect(ctx, req)
	if err != nil {
		t.setLastErrorForGen(gen, err.Error())
		return nil, err
	}

	now := t.clock.Now()
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return nil, ErrStaleResponse
	}
	if resp.Status == StatusSessionClosed {
		evts := t.sessionClosedLocked(now)
		t.mu.Unlock()
		t.emit(evts...)
		return nil, ErrSessionClosed
	}

	t.applyStatusLocked(resp)
	var evts []Event
	if mode == models.ModeFull && !t.breakWin.IsOnBreak {
		t.snapshot.Violations = resp.Violations
		evts = t.evaluateDetectionLocked(now, len(resp.Violations) > 0, gen)
	} else {
		// Presence-only modes and break windows never enter the warning
		// machine; the violations list is forced empty.
		t.snapshot.Violations = []models.Violation{}
	}
	t.applySeq++
	t.lastError = ""
	result := &DetectionResult{
		Violations:        t.snapshot.Violations,
		WarningCount:      t.warnings.WarningCount,
		WarningsExhausted: t.warnings.WarningsExhausted,
		IsInViolation:     t.warnings.IsInViolation,
		Snapshot:          t.snapshot,
		Break:             t.breakWin,
	}
	for _, e := range evts {
		if e.Type == EventWarningIssued {
			result.WarningIssued = true
		}
	}
	t.mu.Unlock()

	t.emit(evts...)
	return result, nil
}

// GetStatus returns tracker state, refreshing from the backend at most once
// per StatusMinInterval unless forced. A detection response applied while the
// poll was in flight outranks the poll: the poll result is discarded.
func (t *Tracker) GetStatus(ctx context.Context, force bool) (*StatusResult, error) {
	now := t.clock.Now()

	t.mu.Lock()
	if !t.session.IsTracking {
		out := t.statusLocked()
		t.mu.Unlock()
		return out, nil
	}
	if !force && !t.lastStatusCall.IsZero() && now.Sub(t.lastStatusCall) < t.opts.StatusMinInterval {
		out := t.statusLocked()
		t.mu.Unlock()
		return out, nil
	}
	t.lastStatusCall = now
	gen := t.generation
	seq := t.applySeq
	req := SessionRequest{MeetingID: t.session.MeetingID, UserID: t.session.UserID}
	t.mu.Unlock()

	resp, err := t.api.Status(ctx, req)
	if err != nil {
		t.setLastErrorForGen(gen, err.Error())
		return nil, err
	}

	at := t.clock.Now()
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return nil, ErrStaleResponse
	}
	if resp.Status == StatusSessionClosed {
		evts := t.sessionClosedLocked(at)
		t.mu.Unlock()
		t.emit(evts...)
		return nil, ErrSessionClosed
	}
	if seq != t.applySeq {
		// A detection cycle landed while this poll was in flight.
		out := t.statusLocked()
		t.mu.Unlock()
		return out, nil
	}

	t.applyStatusLocked(resp)
	t.reconcileBreakLocked(resp)
	if resp.WarningCount > t.warnings.WarningCount {
		t.warnings.WarningCount = resp.WarningCount
		if t.warnings.WarningCount >= models.MaxWarnings {
			t.warnings.WarningsExhausted = true
		}
	}
	t.applySeq++
	out := t.statusLocked()
	t.mu.Unlock()

	t.emit(Event{Type: EventStatusReconciled, At: at})
	return out, nil
}

// TakeBreak starts the participant's single break. The camera is requested
// off synchronously with the transition.
func (t *Tracker) TakeBreak(ctx context.Context) (bool, error) {
	return t.breakTransition(ctx, "take")
}

// PauseBreak pauses the break for a supervised check-in; the camera is
// requested back on.
func (t *Tracker) PauseBreak(ctx context.Context) (bool, error) {
	return t.breakTransition(ctx, "pause")
}

// ResumeBreak resumes a paused break; the camera is requested off again.
func (t *Tracker) ResumeBreak(ctx context.Context) (bool, error) {
	return t.breakTransition(ctx, "resume")
}

// EndBreak ends the break; the camera is requested back on.
func (t *Tracker) EndBreak(ctx context.Context) (bool, error) {
	return t.breakTransition(ctx, "end")
}

// Close stops all background goroutines and closes subscriber channels.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.generation++
	t.stopWarningTimerLocked()
	if t.pollStop != nil {
		close(t.pollStop)
		t.pollStop = nil
	}
	close(t.drainStop)
	t.session.IsTracking = false
	// Subscriber channels are closed under mu so an emit in flight can never
	// send on a closed channel.
	for _, ch := range t.events {
		close(ch)
	}
	t.events = nil
	t.mu.Unlock()
}

func (t *Tracker) breakTransition(ctx context.Context, action string) (bool, error) {
	t.mu.Lock()
	if !t.session.IsTracking {
		t.mu.Unlock()
		return false, ErrNotTracking
	}
	if t.session.TrackingMode != models.ModeFull {
		t.mu.Unlock()
		return false, ErrBreakUnavailable
	}
	allowed := false
	switch action {
	case "take":
		allowed = t.breakWin.CanTake(t.session.TrackingMode)
	case "pause":
		allowed = t.breakWin.CanPause()
	case "resume":
		allowed = t.breakWin.CanResume()
	case "end":
		allowed = t.breakWin.CanEnd()
	}
	if !allowed {
		t.mu.Unlock()
		return false, ErrBreakUnavailable
	}
	gen := t.generation
	req := BreakRequest{MeetingID: t.session.MeetingID, UserID: t.session.UserID, Action: action}
	t.mu.Unlock()

	resp, err := t.api.Break(ctx, req)
	if err != nil {
		t.setLastErrorForGen(gen, err.Error())
		return false, err
	}

	now := t.clock.Now()
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return false, ErrStaleResponse
	}

	switch action {
	case "take":
		t.breakWin.IsOnBreak = true
		t.breakWin.IsPaused = false
		t.breakWin.Taken = true
		t.breakSegmentAt = now
		// Detection is suspended for the break; the warning cadence pauses
		// with it.
		t.stopWarningTimerLocked()
		t.queueCameraLocked(false)
	case "pause":
		t.consumeBreakSegmentLocked(now)
		t.breakWin.IsPaused = true
		t.queueCameraLocked(true)
	case "resume":
		t.breakWin.IsPaused = false
		t.breakSegmentAt = now
		t.queueCameraLocked(false)
	case "end":
		if !t.breakWin.IsPaused {
			t.consumeBreakSegmentLocked(now)
		}
		t.breakWin.IsOnBreak = false
		t.breakWin.IsPaused = false
		if t.warnings.IsInViolation {
			t.armWarningTimerLocked(gen)
		}
		t.queueCameraLocked(true)
	}
	if resp != nil && resp.BreakTimeRemaining > 0 && t.breakWin.IsOnBreak {
		t.breakWin.RemainingSeconds = resp.BreakTimeRemaining
	}
	t.applySeq++
	brk := t.breakWin
	t.mu.Unlock()

	t.emit(Event{Type: EventBreakChanged, At: now, Break: brk})
	return true, nil
}

// ─── internal ───

func (t *Tracker) evaluateDetectionLocked(now time.Time, violating bool, gen uint64) []Event {
	var evts []Event
	w := &t.warnings

	if violating {
		if !w.IsInViolation {
			w.IsInViolation = true
			started := now
			w.ViolationStartedAt = &started
			w.ContinuousViolationSecs = 0
			// A fresh violation warns immediately, with zero added delay.
			if t.canWarnLocked() {
				evts = append(evts, t.issueWarningLocked(now)...)
			}
		} else {
			if w.ViolationStartedAt != nil {
				w.ContinuousViolationSecs = int64(now.Sub(*w.ViolationStartedAt) / time.Second)
			}
			if t.canWarnLocked() && w.LastWarningAt != nil && now.Sub(*w.LastWarningAt) >= t.opts.WarningInterval {
				evts = append(evts, t.issueWarningLocked(now)...)
			}
		}
		t.armWarningTimerLocked(gen)
		return evts
	}

	if w.IsInViolation {
		// Violation cleared: in-violation fields reset, but the warning count
		// and exhaustion flag persist for the rest of the tracking session.
		w.IsInViolation = false
		w.ViolationStartedAt = nil
		w.ContinuousViolationSecs = 0
		w.PostWarningViolationFrom = nil
		t.stopWarningTimerLocked()
		evts = append(evts, Event{Type: EventViolationCleared, At: now, WarningCount: w.WarningCount})
	}
	return evts
}

func (t *Tracker) canWarnLocked() bool {
	return !t.warnings.WarningsExhausted && t.warnings.WarningCount < models.MaxWarnings
}

func (t *Tracker) issueWarningLocked(now time.Time) []Event {
	w := &t.warnings
	w.WarningCount++
	at := now
	w.LastWarningAt = &at
	evts := []Event{{Type: EventWarningIssued, At: now, WarningCount: w.WarningCount}}
	if w.WarningCount >= models.MaxWarnings {
		w.WarningsExhausted = true
		w.PostWarningViolationFrom = &at
		evts = append(evts, Event{Type: EventWarningsExhausted, At: now, WarningCount: w.WarningCount})
	}
	return evts
}

// armWarningTimerLocked schedules the next warning while in continuous
// violation, so the 20-second cadence holds even when detection cycles stall.
func (t *Tracker) armWarningTimerLocked(gen uint64) {
	t.stopWarningTimerLocked()
	if !t.warnings.IsInViolation || !t.canWarnLocked() || t.warnings.LastWarningAt == nil {
		return
	}
	next := t.opts.WarningInterval - t.clock.Now().Sub(*t.warnings.LastWarningAt)
	if next <= 0 {
		next = t.opts.WarningInterval
	}
	t.warningTimer = t.clock.AfterFunc(next, func() { t.onWarningTimer(gen) })
}

func (t *Tracker) onWarningTimer(gen uint64) {
	now := t.clock.Now()
	t.mu.Lock()
	if gen != t.generation || !t.session.IsTracking || t.breakWin.IsOnBreak ||
		!t.warnings.IsInViolation || !t.canWarnLocked() {
		t.mu.Unlock()
		return
	}
	var evts []Event
	if t.warnings.LastWarningAt == nil || now.Sub(*t.warnings.LastWarningAt) >= t.opts.WarningInterval {
		evts = t.issueWarningLocked(now)
	}
	if t.warnings.ViolationStartedAt != nil {
		t.warnings.ContinuousViolationSecs = int64(now.Sub(*t.warnings.ViolationStartedAt) / time.Second)
	}
	t.armWarningTimerLocked(gen)
	t.mu.Unlock()
	t.emit(evts...)
}

func (t *Tracker) stopWarningTimerLocked() {
	if t.warningTimer != nil {
		t.warningTimer.Stop()
		t.warningTimer = nil
	}
}

func (t *Tracker) sessionClosedLocked(now time.Time) []Event {
	t.stopWarningTimerLocked()
	if t.pollStop != nil {
		close(t.pollStop)
		t.pollStop = nil
	}
	t.session.IsTracking = false
	t.snapshot.SessionActive = false
	t.lastError = ErrSessionClosed.Error()
	return []Event{{Type: EventSessionClosed, At: now, WarningCount: t.warnings.WarningCount, Message: ErrSessionClosed.Error()}}
}

func (t *Tracker) resetStateLocked() {
	t.stopWarningTimerLocked()
	if t.pollStop != nil {
		close(t.pollStop)
		t.pollStop = nil
	}
	t.session = models.TrackingSession{}
	t.warnings = models.WarningState{}
	t.breakWin = models.NewBreakWindow(models.RoleParticipant)
	t.snapshot = models.AttendanceSnapshot{Violations: []models.Violation{}}
	t.lastError = ""
	t.lastStatusCall = time.Time{}
	t.breakSegmentAt = time.Time{}
}

func (t *Tracker) applyStatusLocked(resp *StatusResponse) {
	t.snapshot.AttendancePercentage = resp.AttendancePercentage
	t.snapshot.EngagementScore = resp.EngagementScore
	t.snapshot.SessionActive = resp.SessionActive
	if resp.TotalPresenceSecs > 0 {
		t.snapshot.TotalPresenceSeconds = resp.TotalPresenceSecs
	}
	t.snapshot.Clamp()
	if t.session.TrackingMode != models.ModeFull {
		t.snapshot.Violations = []models.Violation{}
	}
}

func (t *Tracker) reconcileBreakLocked(resp *StatusResponse) {
	if t.session.TrackingMode != models.ModeFull {
		return
	}
	wasOnBreak := t.breakWin.IsOnBreak
	if resp.BreakTimeRemaining >= 0 && t.breakWin.IsOnBreak {
		t.breakWin.RemainingSeconds = resp.BreakTimeRemaining
	}
	if wasOnBreak && !resp.IsOnBreak {
		// Server ended the break (allowance ran out between polls).
		t.breakWin.IsOnBreak = false
		t.breakWin.IsPaused = false
		t.breakWin.RemainingSeconds = 0
		t.queueCameraLocked(true)
	}
}

func (t *Tracker) consumeBreakSegmentLocked(now time.Time) {
	if t.breakSegmentAt.IsZero() {
		return
	}
	elapsed := int64(now.Sub(t.breakSegmentAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	t.breakWin.UsedSeconds += elapsed
	t.breakWin.RemainingSeconds -= elapsed
	if t.breakWin.RemainingSeconds < 0 {
		t.breakWin.RemainingSeconds = 0
	}
	t.breakSegmentAt = time.Time{}
}

func (t *Tracker) statusLocked() *StatusResult {
	return &StatusResult{
		Session:         t.session,
		Snapshot:        t.snapshot,
		Warnings:        t.warnings,
		Break:           t.breakWin,
		CameraSuggested: t.cameraSuggestedLocked(),
		LastError:       t.lastError,
	}
}

// cameraSuggestedLocked is the desired camera-enabled state: off only while a
// break is actively running.
func (t *Tracker) cameraSuggestedLocked() bool {
	return !(t.breakWin.IsOnBreak && !t.breakWin.IsPaused)
}

func (t *Tracker) queueCameraLocked(enable bool) {
	// Single-slot queue: overwrite any pending intent so the drainer only
	// ever sees the latest desired state.
	select {
	case t.cameraIntent <- enable:
	default:
		select {
		case <-t.cameraIntent:
		default:
		}
		select {
		case t.cameraIntent <- enable:
		default:
		}
	}
}

func (t *Tracker) drainCameraIntents() {
	for {
		select {
		case <-t.drainStop:
			return
		case enable := <-t.cameraIntent:
			if t.camera != nil {
				t.camera(enable)
			}
		}
	}
}

func (t *Tracker) pollLoop(gen uint64, stop chan struct{}) {
	ticker := t.clock.Ticker(t.opts.StatusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			stale := gen != t.generation
			t.mu.Unlock()
			if stale {
				return
			}
			if _, err := t.GetStatus(context.Background(), false); err != nil && err != ErrStaleResponse {
				t.logger.Debug("status poll failed", zap.Error(err))
			}
		}
	}
}

func (t *Tracker) setLastError(msg string) {
	t.mu.Lock()
	t.lastError = msg
	t.mu.Unlock()
}

func (t *Tracker) setLastErrorForGen(gen uint64, msg string) {
	t.mu.Lock()
	if gen == t.generation {
		t.lastError = msg
	}
	t.mu.Unlock()
}

// emit delivers events to subscribers. Sends are non-blocking and happen
// under mu, the same lock Close holds while closing the channels.
func (t *Tracker) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, e := range events {
		for _, ch := range t.events {
			select {
			case ch <- e:
			default:
			}
		}
	}
}
