package reactions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meetingpro/agent/internal/models"
)

// API is the reaction persistence backend surface. Persistence is independent
// of the realtime path: it is eventually consistent and never blocks or rolls
// back the fan-out.
type API interface {
	Start(ctx context.Context, meetingID string) error
	Add(ctx context.Context, meetingID string, event models.ReactionEvent) error
	Counts(ctx context.Context, meetingID string) (map[string]int64, error)
	Active(ctx context.Context, meetingID string) ([]models.ReactionEvent, error)
	ClearAll(ctx context.Context, meetingID, hostUserID string) error
	End(ctx context.Context, meetingID string) error
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a reaction persistence client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// Start opens the meeting's reaction session on the backend.
func (c *Client) Start(ctx context.Context, meetingID string) error {
	return c.post(ctx, "/start", map[string]string{"meeting_id": meetingID}, nil)
}

// Add persists one reaction.
func (c *Client) Add(ctx context.Context, meetingID string, event models.ReactionEvent) error {
	body := map[string]interface{}{
		"meeting_id": meetingID,
		"user_id":    event.UserID,
		"user_name":  event.UserName,
		"emoji":      event.Emoji,
		"timestamp":  event.Timestamp,
	}
	return c.post(ctx, "/add", body, nil)
}

// Counts returns cumulative per-emoji counts for the meeting.
func (c *Client) Counts(ctx context.Context, meetingID string) (map[string]int64, error) {
	var out struct {
		Counts map[string]int64 `json:"counts"`
	}
	if err := c.get(ctx, "/counts/"+meetingID, &out); err != nil {
		return nil, err
	}
	if out.Counts == nil {
		out.Counts = map[string]int64{}
	}
	return out.Counts, nil
}

// Active returns the reactions the backend currently considers live.
func (c *Client) Active(ctx context.Context, meetingID string) ([]models.ReactionEvent, error) {
	var out struct {
		Reactions []models.ReactionEvent `json:"reactions"`
	}
	if err := c.get(ctx, "/active/"+meetingID, &out); err != nil {
		return nil, err
	}
	return out.Reactions, nil
}

// ClearAll wipes the meeting's reactions on the backend (host only).
func (c *Client) ClearAll(ctx context.Context, meetingID, hostUserID string) error {
	return c.post(ctx, "/clear-all", map[string]string{
		"meeting_id":   meetingID,
		"host_user_id": hostUserID,
	}, nil)
}

// End closes the meeting's reaction session.
func (c *Client) End(ctx context.Context, meetingID string) error {
	return c.post(ctx, "/end", map[string]string{"meeting_id": meetingID}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reactions backend: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reactions backend: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("reactions backend: %s returned %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}

	// Some backend builds wrap replies in {success,data}; normalize here.
	var envelope struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	body := raw
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Success != nil && len(envelope.Data) > 0 {
		body = envelope.Data
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("reactions backend: decode: %w", err)
	}
	return nil
}
