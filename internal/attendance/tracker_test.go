package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meetingpro/agent/internal/models"
)

type fakeAPI struct {
	mu            sync.Mutex
	startResp     *StatusResponse
	detectResp    *StatusResponse
	statusResp    *StatusResponse
	breakResp     *StatusResponse
	startErr      error
	stopErr       error
	detectErr     error
	statusErr     error
	breakErr      error
	startCalls    int
	stopCalls     int
	detectCalls   int
	statusCalls   int
	breakCalls    int
	lastBreak     BreakRequest
	statusGate    chan struct{} // when set, Status blocks until the gate closes
	statusEntered chan struct{} // signaled when a gated Status call is in flight
}

func okResp() *StatusResponse {
	return &StatusResponse{
		Status:               "ok",
		Violations:           []models.Violation{},
		AttendancePercentage: 95,
		EngagementScore:      80,
		SessionActive:        true,
	}
}

func (f *fakeAPI) Start(ctx context.Context, req StartRequest) (*StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.startResp != nil {
		r := *f.startResp
		return &r, nil
	}
	return okResp(), nil
}

func (f *fakeAPI) Stop(ctx context.Context, req SessionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopErr
}

func (f *fakeAPI) Detect(ctx context.Context, req DetectRequest) (*StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detectCalls++
	if f.detectErr != nil {
		return nil, f.detectErr
	}
	if f.detectResp != nil {
		r := *f.detectResp
		return &r, nil
	}
	return okResp(), nil
}

func (f *fakeAPI) Status(ctx context.Context, req SessionRequest) (*StatusResponse, error) {
	f.mu.Lock()
	gate := f.statusGate
	entered := f.statusEntered
	f.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if f.statusResp != nil {
		r := *f.statusResp
		return &r, nil
	}
	return okResp(), nil
}

func (f *fakeAPI) Break(ctx context.Context, req BreakRequest) (*StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakCalls++
	f.lastBreak = req
	if f.breakErr != nil {
		return nil, f.breakErr
	}
	if f.breakResp != nil {
		r := *f.breakResp
		return &r, nil
	}
	return okResp(), nil
}

func (f *fakeAPI) setDetectResp(r *StatusResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detectResp = r
}

func violating(violations ...models.Violation) *StatusResponse {
	r := okResp()
	r.Violations = violations
	return r
}

func newTestTracker(t *testing.T, camera CameraController) (*Tracker, *fakeAPI, *clock.Mock) {
	t.Helper()
	api := &fakeAPI{}
	mock := clock.NewMock()
	// Long poll interval keeps the background loop out of timing tests.
	tr := New(api, camera, Options{
		WarningInterval:    20 * time.Second,
		StatusPollInterval: time.Hour,
		StatusMinInterval:  5 * time.Second,
	}, mock, zap.NewNop())
	t.Cleanup(tr.Close)
	return tr, api, mock
}

func startParticipant(t *testing.T, tr *Tracker) {
	t.Helper()
	ok, err := tr.StartTracking(context.Background(), StartOptions{
		MeetingID: "m1", UserID: "u1", UserName: "Pat", Role: models.RoleParticipant,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStartTrackingRequiresIdentity(t *testing.T) {
	tr, _, _ := newTestTracker(t, nil)

	_, err := tr.StartTracking(context.Background(), StartOptions{MeetingID: "m1"})
	assert.ErrorIs(t, err, ErrMissingIdentity)

	_, err = tr.StartTracking(context.Background(), StartOptions{UserID: "u1"})
	assert.ErrorIs(t, err, ErrMissingIdentity)
}

func TestStartTrackingIdempotent(t *testing.T) {
	tr, api, _ := newTestTracker(t, nil)
	startParticipant(t, tr)

	ok, err := tr.StartTracking(context.Background(), StartOptions{
		MeetingID: "m1", UserID: "u1", Role: models.RoleParticipant,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, api.startCalls)
}

func TestDetectRequiresTracking(t *testing.T) {
	tr, _, _ := newTestTracker(t, nil)

	_, err := tr.DetectViolations(context.Background(), "frame")
	assert.ErrorIs(t, err, ErrNotTracking)
}

func TestFirstViolationWarnsImmediately(t *testing.T) {
	tr, api, _ := newTestTracker(t, nil)
	startParticipant(t, tr)
	api.setDetectResp(violating(models.ViolationNoFace))

	result, err := tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)
	assert.True(t, result.WarningIssued)
	assert.Equal(t, 1, result.WarningCount)
	assert.True(t, result.IsInViolation)
	assert.False(t, result.WarningsExhausted)
}

func TestWarningCadenceTwentySeconds(t *testing.T) {
	tr, api, mock := newTestTracker(t, nil)
	startParticipant(t, tr)
	api.setDetectResp(violating(models.ViolationNoFace))

	result, err := tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)
	require.Equal(t, 1, result.WarningCount)

	// Ten seconds in: still within the interval, no second warning.
	mock.Add(10 * time.Second)
	result, err = tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)
	assert.Equal(t, 1, result.WarningCount)

	// Twenty seconds since the first warning.
	mock.Add(10 * time.Second)
	result, err = tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)
	assert.Equal(t, 2, result.WarningCount)

	mock.Add(20 * time.Second)
	result, err = tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)
	assert.Equal(t, 3, result.WarningCount)

	mock.Add(20 * time.Second)
	result, err = tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)
	assert.Equal(t, 4, result.WarningCount)
	assert.True(t, result.WarningsExhausted)

	// Budget exhausted: continued violation never issues a fifth warning.
	mock.Add(20 * time.Second)
	result, err = tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)
	assert.Equal(t, 4, result.WarningCount)
}

func TestWarningTimerRunsWithoutDetectCycles(t *testing.T) {
	tr, api, mock := newTestTracker(t, nil)
	events := tr.Subscribe(32)
	startParticipant(t, tr)
	api.setDetectResp(violating(models.ViolationAbsent))

	_, err := tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)

	// No further detection cycles; the timer alone carries the cadence.
	mock.Add(60 * time.Second)

	status, err := tr.GetStatus(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 4, status.Warnings.WarningCount)
	assert.True(t, status.Warnings.WarningsExhausted)

	issued := 0
	exhausted := 0
	for {
		select {
		case e := <-events:
			switch e.Type {
			case EventWarningIssued:
				issued++
			case EventWarningsExhausted:
				exhausted++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 4, issued)
	assert.Equal(t, 1, exhausted)
}

func TestViolationClearKeepsWarningCount(t *testing.T) {
	tr, api, _ := newTestTracker(t, nil)
	startParticipant(t, tr)

	api.setDetectResp(violating(models.ViolationNoFace))
	result, err := tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)
	require.Equal(t, 1, result.WarningCount)

	api.setDetectResp(okResp())
	result, err = tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)
	assert.False(t, result.IsInViolation)
	assert.Empty(t, result.Violations)
	assert.Equal(t, 1, result.WarningCount, "count persists across violation clears")
}

func TestPresenceOnlyNeverWarns(t *testing.T) {
	tr, api, _ := newTestTracker(t, nil)
	ok, err := tr.StartTracking(context.Background(), StartOptions{
		MeetingID: "m1", UserID: "h1", Role: models.RoleHost,
	})
	require.NoError(t, err)
	require.True(t, ok)

	api.setDetectResp(violating(models.ViolationNoFace, models.ViolationLookingAway))
	result, err := tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)
	assert.Empty(t, result.Violations)
	assert.Equal(t, 0, result.WarningCount)
	assert.False(t, result.IsInViolation)
}

func TestDetectDuringBreakIgnoresViolations(t *testing.T) {
	tr, api, _ := newTestTracker(t, nil)
	startParticipant(t, tr)

	ok, err := tr.TakeBreak(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	api.setDetectResp(violating(models.ViolationAbsent))
	result, err := tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)
	assert.Empty(t, result.Violations)
	assert.Equal(t, 0, result.WarningCount)
}

func TestDetectErrorPreservesSession(t *testing.T) {
	tr, api, _ := newTestTracker(t, nil)
	startParticipant(t, tr)

	api.mu.Lock()
	api.detectErr = errors.New("boom")
	api.mu.Unlock()

	_, err := tr.DetectViolations(context.Background(), "frame")
	require.Error(t, err)

	status, err := tr.GetStatus(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, status.Session.IsTracking)
	assert.Equal(t, "boom", status.LastError)
}

func TestSessionClosedIsTerminal(t *testing.T) {
	tr, api, _ := newTestTracker(t, nil)
	startParticipant(t, tr)

	api.setDetectResp(&StatusResponse{Status: StatusSessionClosed})
	_, err := tr.DetectViolations(context.Background(), "frame")
	assert.ErrorIs(t, err, ErrSessionClosed)

	// No further detection until a new session starts.
	_, err = tr.DetectViolations(context.Background(), "frame")
	assert.ErrorIs(t, err, ErrNotTracking)

	// A restart opens a fresh session with clean state.
	api.setDetectResp(okResp())
	startParticipant(t, tr)
	status, err := tr.GetStatus(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, status.Session.IsTracking)
	assert.Equal(t, 0, status.Warnings.WarningCount)
}

func TestStopTrackingResetsState(t *testing.T) {
	tr, api, _ := newTestTracker(t, nil)
	startParticipant(t, tr)

	api.setDetectResp(violating(models.ViolationNoFace))
	_, err := tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)

	ok, err := tr.StopTracking(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	status, err := tr.GetStatus(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, status.Session.IsTracking)
	assert.Equal(t, models.WarningState{}, status.Warnings)
	assert.Equal(t, int64(models.BreakAllowanceSeconds), status.Break.RemainingSeconds)
	assert.False(t, status.Break.Taken)
}

func TestStopTrackingRemoteFailureStillResets(t *testing.T) {
	tr, api, _ := newTestTracker(t, nil)
	startParticipant(t, tr)

	api.mu.Lock()
	api.stopErr = errors.New("gateway timeout")
	api.mu.Unlock()

	ok, err := tr.StopTracking(context.Background())
	require.Error(t, err)
	assert.False(t, ok)

	// Local state is clean regardless of the remote outcome.
	_, err = tr.DetectViolations(context.Background(), "frame")
	assert.ErrorIs(t, err, ErrNotTracking)
}

func TestStatusThrottle(t *testing.T) {
	tr, api, mock := newTestTracker(t, nil)
	startParticipant(t, tr)

	_, err := tr.GetStatus(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, api.statusCalls)

	// Within the minimum interval: served locally.
	mock.Add(2 * time.Second)
	_, err = tr.GetStatus(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, api.statusCalls)

	// force bypasses the throttle.
	_, err = tr.GetStatus(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, api.statusCalls)

	mock.Add(5 * time.Second)
	_, err = tr.GetStatus(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 3, api.statusCalls)
}

func TestStatusServerWarningCountNeverLowersLocal(t *testing.T) {
	tr, api, mock := newTestTracker(t, nil)
	startParticipant(t, tr)

	api.mu.Lock()
	api.statusResp = okResp()
	api.statusResp.WarningCount = 3
	api.mu.Unlock()

	status, err := tr.GetStatus(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Warnings.WarningCount)

	// A lower server count never rolls the local count back.
	api.mu.Lock()
	api.statusResp.WarningCount = 1
	api.mu.Unlock()
	mock.Add(10 * time.Second)

	status, err = tr.GetStatus(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Warnings.WarningCount)
}

func TestDetectionOutranksInFlightPoll(t *testing.T) {
	tr, api, _ := newTestTracker(t, nil)
	startParticipant(t, tr)

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	api.mu.Lock()
	api.statusResp = okResp()
	api.statusResp.AttendancePercentage = 10 // stale picture held by the poll
	api.statusGate = gate
	api.statusEntered = entered
	api.mu.Unlock()

	done := make(chan *StatusResult, 1)
	go func() {
		out, err := tr.GetStatus(context.Background(), true)
		if err == nil {
			done <- out
		}
		close(done)
	}()

	// Wait for the poll to be in flight, then land a detection cycle.
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("status poll never reached the backend")
	}

	api.mu.Lock()
	api.detectResp = okResp()
	api.detectResp.AttendancePercentage = 90
	api.mu.Unlock()

	_, err := tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)

	close(gate)
	out, ok := <-done
	require.True(t, ok, "poll should return local state, not an error")
	assert.Equal(t, float64(90), out.Snapshot.AttendancePercentage,
		"in-flight poll result must not overwrite the newer detection")
}

func TestBreakLifecycle(t *testing.T) {
	tr, api, mock := newTestTracker(t, nil)
	startParticipant(t, tr)

	ok, err := tr.TakeBreak(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "take", api.lastBreak.Action)

	mock.Add(60 * time.Second)
	ok, err = tr.PauseBreak(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// Server status agrees with the local break accounting.
	api.mu.Lock()
	api.statusResp = okResp()
	api.statusResp.IsOnBreak = true
	api.statusResp.BreakTimeRemaining = models.BreakAllowanceSeconds - 60
	api.mu.Unlock()

	status, err := tr.GetStatus(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, status.Break.IsOnBreak)
	assert.True(t, status.Break.IsPaused)
	assert.Equal(t, int64(60), status.Break.UsedSeconds)
	assert.Equal(t, int64(models.BreakAllowanceSeconds-60), status.Break.RemainingSeconds)

	ok, err = tr.ResumeBreak(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	mock.Add(30 * time.Second)
	ok, err = tr.EndBreak(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	status, err = tr.GetStatus(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, status.Break.IsOnBreak)
	assert.Equal(t, int64(90), status.Break.UsedSeconds)
	assert.True(t, status.Break.Taken)

	// The single break cannot be retaken.
	_, err = tr.TakeBreak(context.Background())
	assert.ErrorIs(t, err, ErrBreakUnavailable)
}

func TestBreakUnavailableForHosts(t *testing.T) {
	tr, _, _ := newTestTracker(t, nil)
	ok, err := tr.StartTracking(context.Background(), StartOptions{
		MeetingID: "m1", UserID: "h1", Role: models.RoleHost,
	})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = tr.TakeBreak(context.Background())
	assert.ErrorIs(t, err, ErrBreakUnavailable)
}

func TestPauseWithoutBreakUnavailable(t *testing.T) {
	tr, _, _ := newTestTracker(t, nil)
	startParticipant(t, tr)

	_, err := tr.PauseBreak(context.Background())
	assert.ErrorIs(t, err, ErrBreakUnavailable)
	_, err = tr.ResumeBreak(context.Background())
	assert.ErrorIs(t, err, ErrBreakUnavailable)
	_, err = tr.EndBreak(context.Background())
	assert.ErrorIs(t, err, ErrBreakUnavailable)
}

func TestCameraFollowsBreakTransitions(t *testing.T) {
	intents := make(chan bool, 8)
	tr, _, _ := newTestTracker(t, func(enabled bool) { intents <- enabled })
	startParticipant(t, tr)

	next := func() bool {
		select {
		case v := <-intents:
			return v
		case <-time.After(time.Second):
			t.Fatal("no camera intent delivered")
			return false
		}
	}

	_, err := tr.TakeBreak(context.Background())
	require.NoError(t, err)
	assert.False(t, next(), "camera off when break starts")

	_, err = tr.PauseBreak(context.Background())
	require.NoError(t, err)
	assert.True(t, next(), "camera on for the supervised check-in")

	_, err = tr.ResumeBreak(context.Background())
	require.NoError(t, err)
	assert.False(t, next(), "camera off again on resume")

	_, err = tr.EndBreak(context.Background())
	require.NoError(t, err)
	assert.True(t, next(), "camera on when break ends")
}

func TestWarningTimerPausesDuringBreak(t *testing.T) {
	tr, api, mock := newTestTracker(t, nil)
	startParticipant(t, tr)

	api.setDetectResp(violating(models.ViolationNoFace))
	result, err := tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)
	require.Equal(t, 1, result.WarningCount)

	_, err = tr.TakeBreak(context.Background())
	require.NoError(t, err)

	// A minute on break: the cadence must not fire.
	mock.Add(60 * time.Second)
	status, err := tr.GetStatus(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Warnings.WarningCount)
}

func TestEmitDuringCloseDoesNotPanic(t *testing.T) {
	for i := 0; i < 200; i++ {
		tr := New(&fakeAPI{}, nil, Options{}, clock.NewMock(), zap.NewNop())
		tr.Subscribe(1)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					tr.emit(Event{Type: EventWarningIssued, At: time.Now()})
				}
			}()
		}
		tr.Close()
		wg.Wait()
	}
}

func TestSnapshotPercentagesClamped(t *testing.T) {
	tr, api, _ := newTestTracker(t, nil)
	startParticipant(t, tr)

	resp := okResp()
	resp.AttendancePercentage = 140
	resp.EngagementScore = -5
	api.setDetectResp(resp)

	result, err := tr.DetectViolations(context.Background(), "frame")
	require.NoError(t, err)
	assert.Equal(t, float64(100), result.Snapshot.AttendancePercentage)
	assert.Equal(t, float64(0), result.Snapshot.EngagementScore)
}
