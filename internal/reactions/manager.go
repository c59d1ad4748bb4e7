// Package reactions implements the emoji reaction fan-out: best-effort
// broadcast over the meeting data channel, composite-key deduplication of
// inbound deliveries, a per-participant display map with timed expiry, and
// independent persistence of aggregate counts.
package reactions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meetingpro/agent/internal/models"
	"github.com/meetingpro/agent/internal/realtime"
	"github.com/meetingpro/agent/pkg/dedup"
	"github.com/meetingpro/agent/pkg/ratelimit"
)

// Options holds reaction fan-out knobs.
type Options struct {
	DisplayDuration time.Duration
	DedupWindow     time.Duration
	SendGate        time.Duration
	SweepInterval   time.Duration
	CountsRefresh   time.Duration
	HistoryLimit    int
}

func (o *Options) defaults() {
	if o.DisplayDuration <= 0 {
		o.DisplayDuration = models.ReactionDisplaySeconds * time.Second
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 10 * time.Second
	}
	if o.SendGate <= 0 {
		o.SendGate = 500 * time.Millisecond
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	if o.CountsRefresh <= 0 {
		o.CountsRefresh = 30 * time.Second
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 100
	}
}

// Identity is the local participant the manager sends on behalf of.
type Identity struct {
	MeetingID string
	UserID    string
	UserName  string
	Role      models.Role
}

// Manager owns the reaction state for one meeting session.
type Manager struct {
	opts    Options
	api     API
	channel realtime.DataChannel
	player  Player
	clock   clock.Clock
	logger  *zap.Logger

	mu       sync.Mutex
	identity Identity
	enabled  bool
	active   map[string]models.ReactionEvent // userID -> currently displayed reaction
	history  []models.ReactionEvent
	counts   map[string]int64
	seen     *dedup.Window[string]
	gate     *ratelimit.Gate
	stop     chan struct{}
	closed   bool
}

// NewManager creates a reaction manager. player may be nil; audio cues are
// then skipped.
func NewManager(api API, channel realtime.DataChannel, player Player, opts Options, clk clock.Clock, logger *zap.Logger) *Manager {
	opts.defaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		opts:    opts,
		api:     api,
		channel: channel,
		player:  player,
		clock:   clk,
		logger:  logger,
		active:  make(map[string]models.ReactionEvent),
		counts:  make(map[string]int64),
		seen:    dedup.New[string](opts.DedupWindow, opts.DedupWindow, clk),
		gate:    ratelimit.NewGate(opts.SendGate, clk),
	}
}

// Start opens the reaction session: registers the inbound handler, starts the
// expiry sweep and the counts refresher, and tells the persistence backend
// the session began.
func (m *Manager) Start(ctx context.Context, identity Identity) error {
	m.mu.Lock()
	if m.enabled {
		m.mu.Unlock()
		return nil
	}
	m.identity = identity
	m.enabled = true
	m.gate.Reset()
	stop := make(chan struct{})
	m.stop = stop
	m.mu.Unlock()

	if m.channel != nil {
		m.channel.SetHandler(m.handleIncoming)
	}
	go m.sweepLoop(stop)
	go m.countsLoop(stop)

	if err := m.api.Start(ctx, identity.MeetingID); err != nil {
		// Persistence is non-blocking by design; the realtime path still works.
		m.logger.Warn("reaction session start failed", zap.Error(err))
	}
	return nil
}

// Stop tears the session down: cancels timers, detaches the channel handler
// and clears local state. Idempotent.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = false
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	meetingID := m.identity.MeetingID
	m.active = make(map[string]models.ReactionEvent)
	m.history = nil
	m.mu.Unlock()

	if m.channel != nil {
		m.channel.SetHandler(nil)
	}
	if err := m.api.End(ctx, meetingID); err != nil {
		m.logger.Warn("reaction session end failed", zap.Error(err))
	}
}

// Close releases the dedup janitor. The manager is unusable afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.enabled = false
	m.mu.Unlock()
	m.seen.Close()
}

// SendReaction validates and sends the local user's reaction. The local echo
// and audio cue happen first; the broadcast is best-effort and persistence
// runs in the background — neither failure rolls the echo back.
func (m *Manager) SendReaction(ctx context.Context, emoji string) (bool, error) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return false, ErrDisabled
	}
	if m.channel == nil {
		m.mu.Unlock()
		return false, ErrNotConnected
	}
	if !models.IsValidEmoji(emoji) {
		m.mu.Unlock()
		return false, ErrInvalidEmoji
	}
	if !m.gate.Allow() {
		m.mu.Unlock()
		return false, ErrRateLimited
	}

	now := m.clock.Now()
	event := models.ReactionEvent{
		ID:        fmt.Sprintf("%s-%s-%d", m.identity.UserID, emoji, now.UnixMilli()),
		Emoji:     emoji,
		UserID:    m.identity.UserID,
		UserName:  m.identity.UserName,
		Timestamp: now.UnixMilli(),
		ExpiresAt: now.Add(m.opts.DisplayDuration),
	}
	m.applyLocked(event)
	identity := m.identity
	m.mu.Unlock()

	m.playCue(emoji)

	payload, err := json.Marshal(models.ReactionNotification{
		Type:                models.EventReactionNotification,
		Emoji:               emoji,
		UserID:              identity.UserID,
		UserName:            identity.UserName,
		ParticipantIdentity: identity.UserID,
		Timestamp:           event.Timestamp,
		MeetingID:           identity.MeetingID,
	})
	if err == nil {
		if err := m.channel.Publish(ctx, payload); err != nil {
			// Best-effort: the sender already sees the local echo.
			m.logger.Warn("reaction broadcast failed", zap.Error(err))
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.api.Add(ctx, identity.MeetingID, event); err != nil {
			m.logger.Debug("reaction persistence failed", zap.Error(err))
		}
		m.refreshCounts(ctx)
	}()

	return true, nil
}

// ClearAll wipes reactions for the whole meeting. Host only: persists the
// clear first, then broadcasts it, then wipes local state regardless of the
// broadcast outcome.
func (m *Manager) ClearAll(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return false, ErrDisabled
	}
	if m.identity.Role != models.RoleHost {
		m.mu.Unlock()
		return false, ErrNotHost
	}
	identity := m.identity
	m.mu.Unlock()

	if err := m.api.ClearAll(ctx, identity.MeetingID, identity.UserID); err != nil {
		return false, err
	}

	payload, err := json.Marshal(models.ClearAllReactions{
		Type:       models.EventClearAllReactions,
		HostUserID: identity.UserID,
		Timestamp:  m.clock.Now().UnixMilli(),
		MeetingID:  identity.MeetingID,
	})
	if err == nil && m.channel != nil {
		if err := m.channel.Publish(ctx, payload); err != nil {
			m.logger.Warn("clear-all broadcast failed", zap.Error(err))
		}
	}

	m.wipe()
	return true, nil
}

// Active returns the currently displayed reaction per participant.
func (m *Manager) Active() []models.ReactionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ReactionEvent, 0, len(m.active))
	for _, ev := range m.active {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// History returns the bounded recent-reaction history, newest last.
func (m *Manager) History() []models.ReactionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ReactionEvent, len(m.history))
	copy(out, m.history)
	return out
}

// Counts returns the last known server-authoritative per-emoji counts.
func (m *Manager) Counts() []models.ReactionCount {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ReactionCount, 0, len(m.counts))
	for emoji, count := range m.counts {
		out = append(out, models.ReactionCount{Emoji: emoji, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Emoji < out[j].Emoji })
	return out
}

// ─── internal ───

// handleIncoming is registered on the data channel. It must stay cheap: parse,
// filter, update maps, kick the audio cue off-thread.
func (m *Manager) handleIncoming(payload []byte, sender realtime.Participant) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return
	}

	switch head.Type {
	case models.EventReactionNotification:
		var note models.ReactionNotification
		if err := json.Unmarshal(payload, &note); err != nil {
			return
		}
		m.receiveReaction(note)
	case models.EventClearAllReactions:
		var clear models.ClearAllReactions
		if err := json.Unmarshal(payload, &clear); err != nil {
			return
		}
		if clear.HostUserID == m.selfID() {
			return // our own clear already wiped local state
		}
		m.wipe()
	}
}

func (m *Manager) receiveReaction(note models.ReactionNotification) {
	if note.UserID == m.selfID() {
		return // no self-echo; the send path already applied it
	}
	if !models.IsValidEmoji(note.Emoji) {
		return
	}

	event := models.ReactionEvent{
		Emoji:     note.Emoji,
		UserID:    note.UserID,
		UserName:  note.UserName,
		Timestamp: note.Timestamp,
	}

	m.mu.Lock()
	if !m.enabled {
		// Dropped without recording the dedup key: a redelivery after the
		// session re-enables must still be accepted.
		m.mu.Unlock()
		return
	}
	// Dedup by composite key, not recency: a redelivery arriving after newer
	// reactions is still discarded.
	if m.seen.Seen(event.DedupKey()) {
		m.mu.Unlock()
		return
	}

	now := m.clock.Now()
	event.ID = fmt.Sprintf("%s-%s-%d", note.UserID, note.Emoji, note.Timestamp)
	event.ExpiresAt = now.Add(m.opts.DisplayDuration)
	m.applyLocked(event)
	m.mu.Unlock()

	m.playCue(note.Emoji)
}

// applyLocked puts the event into the display map (one visible reaction per
// user — a newer reaction replaces the prior one) and the bounded history.
func (m *Manager) applyLocked(event models.ReactionEvent) {
	m.active[event.UserID] = event
	m.history = append(m.history, event)
	if len(m.history) > m.opts.HistoryLimit {
		m.history = m.history[len(m.history)-m.opts.HistoryLimit:]
	}
}

func (m *Manager) wipe() {
	m.mu.Lock()
	m.active = make(map[string]models.ReactionEvent)
	m.history = nil
	m.mu.Unlock()
}

func (m *Manager) selfID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity.UserID
}

func (m *Manager) playCue(emoji string) {
	if m.player == nil {
		return
	}
	spec, ok := ToneForEmoji(emoji)
	if !ok {
		return
	}
	// Synthesis and playback stay off the caller's path; a broken audio
	// subsystem is skipped silently.
	go func() {
		samples := Render(spec, SampleRate)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.player.Play(ctx, samples, SampleRate); err != nil {
			m.logger.Debug("audio cue skipped", zap.Error(err))
		}
	}()
}

func (m *Manager) sweepLoop(stop chan struct{}) {
	ticker := m.clock.Ticker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	now := m.clock.Now()
	m.mu.Lock()
	for userID, ev := range m.active {
		if !ev.ExpiresAt.After(now) {
			delete(m.active, userID)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) countsLoop(stop chan struct{}) {
	ticker := m.clock.Ticker(m.opts.CountsRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			m.refreshCounts(ctx)
			cancel()
		}
	}
}

func (m *Manager) refreshCounts(ctx context.Context) {
	m.mu.Lock()
	meetingID := m.identity.MeetingID
	enabled := m.enabled
	m.mu.Unlock()
	if !enabled {
		return
	}

	counts, err := m.api.Counts(ctx, meetingID)
	if err != nil {
		m.logger.Debug("counts refresh failed", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.counts = counts
	m.mu.Unlock()
}
