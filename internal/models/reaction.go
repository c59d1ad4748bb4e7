package models

import (
	"fmt"
	"time"
)

// Reaction wire event types on the meeting data channel.
const (
	EventReactionNotification = "reaction_notification"
	EventClearAllReactions    = "clear_all_reactions"
)

// ReactionDisplaySeconds is how long a reaction stays visible after
// send/receipt.
const ReactionDisplaySeconds = 5

// Emojis is the fixed set of reactions a participant may send. Anything
// outside this set is rejected before it reaches the network.
var Emojis = []string{"👍", "❤️", "😂", "😮", "👏", "🎉"}

// IsValidEmoji reports whether e is a member of the reaction set.
func IsValidEmoji(e string) bool {
	for _, v := range Emojis {
		if v == e {
			return true
		}
	}
	return false
}

// ReactionEvent is one ephemeral reaction, local or remote.
type ReactionEvent struct {
	ID        string    `json:"id"`
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Timestamp int64     `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DedupKey returns the composite key used to discard redundant deliveries of
// the same reaction. The key is stable across redelivery and reordering.
func (r ReactionEvent) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d", r.UserID, r.Emoji, r.Timestamp)
}

// ReactionNotification is the JSON envelope broadcast on the data channel.
type ReactionNotification struct {
	Type                string `json:"type"`
	Emoji               string `json:"emoji"`
	UserID              string `json:"user_id"`
	UserName            string `json:"user_name"`
	ParticipantIdentity string `json:"participant_identity"`
	Timestamp           int64  `json:"timestamp"`
	MeetingID           string `json:"meeting_id"`
}

// ClearAllReactions is the host-issued envelope that wipes reaction state for
// every participant.
type ClearAllReactions struct {
	Type       string `json:"type"`
	HostUserID string `json:"host_user_id"`
	Timestamp  int64  `json:"timestamp"`
	MeetingID  string `json:"meeting_id"`
}

// ReactionCount is a server-authoritative cumulative count for one emoji.
type ReactionCount struct {
	Emoji string `json:"emoji"`
	Count int64  `json:"count"`
}
