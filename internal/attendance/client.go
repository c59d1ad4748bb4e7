package attendance

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

// StatusSessionClosed is the server status value that terminates a session.
const StatusSessionClosed = "session_closed"

// StartRequest signals the detection backend that tracking begins. The role
// determines server-side behavior: violation detection runs only for
// participants.
type StartRequest struct {
	MeetingID     string      `json:"meeting_id"`
	UserID        string      `json:"user_id"`
	UserName      string      `json:"user_name"`
	Role          models.Role `json:"role"`
	CameraEnabled bool        `json:"camera_enabled"`
}

// SessionRequest identifies the tracking session for stop/status calls.
type SessionRequest struct {
	MeetingID string `json:"meeting_id"`
	UserID    string `json:"user_id"`
}

// DetectRequest carries one frame snapshot through the detection cycle.
type DetectRequest struct {
	MeetingID     string      `json:"meeting_id"`
	UserID        string      `json:"user_id"`
	Frame         string      `json:"frame"` // base64-encoded image
	Role          models.Role `json:"role"`
	CameraEnabled bool        `json:"camera_enabled"`
	IsOnBreak     bool        `json:"is_on_break"`
}

// BreakRequest transitions the break window on the server.
// Action is one of "take", "pause", "resume", "end".
type BreakRequest struct {
	MeetingID string `json:"meeting_id"`
	UserID    string `json:"user_id"`
	Action    string `json:"action"`
}

// StatusResponse is the canonical schema for every detection backend reply.
// Field-name variance in older backend builds is normalized here, at the
// client boundary, and nowhere else.
type StatusResponse struct {
	Status               string             `json:"status"`
	Violations           []models.Violation `json:"violations"`
	AttendancePercentage float64            `json:"attendance_percentage"`
	EngagementScore      float64            `json:"engagement_score"`
	WarningCount         int                `json:"warning_count"`
	SessionActive        bool               `json:"session_active"`
	IsOnBreak            bool               `json:"is_on_break"`
	BreakTimeRemaining   int64              `json:"break_time_remaining"`
	TotalPresenceSecs    int64              `json:"total_presence_seconds"`
}

// API is the detection/status backend surface the tracker depends on.
type API interface {
	Start(ctx context.Context, req StartRequest) (*StatusResponse, error)
	Stop(ctx context.Context, req SessionRequest) error
	Detect(ctx context.Context, req DetectRequest) (*StatusResponse, error)
	Status(ctx context.Context, req SessionRequest) (*StatusResponse, error)
	Break(ctx context.Context, req BreakRequest) (*StatusResponse, error)
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL       string
	http          *http.Client
	detectTimeout time.Duration
}

// NewClient creates a detection backend client. detectTimeout bounds the
// per-frame detect calls separately from the general request timeout.
func NewClient(baseURL string, requestTimeout, detectTimeout time.Duration) *Client {
	return &Client{
		baseURL:       baseURL,
		http:          &http.Client{Timeout: requestTimeout},
		detectTimeout: detectTimeout,
	}
}

// Start signals the backend that a tracking session begins.
func (c *Client) Start(ctx context.Context, req StartRequest) (*StatusResponse, error) {
	return c.post(ctx, "/start", req)
}

// Stop signals the backend that the tracking session ended.
func (c *Client) Stop(ctx context.Context, req SessionRequest) error {
	_, err := c.post(ctx, "/stop", req)
	return err
}

// Detect submits one frame for the detection cycle.
func (c *Client) Detect(ctx context.Context, req DetectRequest) (*StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.detectTimeout)
	defer cancel()
	return c.post(ctx, "/detect", req)
}

// Status polls the authoritative session status.
func (c *Client) Status(ctx context.Context, req SessionRequest) (*StatusResponse, error) {
	return c.post(ctx, "/status", req)
}

// Break transitions the break window on the server.
func (c *Client) Break(ctx context.Context, req BreakRequest) (*StatusResponse, error) {
	return c.post(ctx, "/break", req)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (*StatusResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attendance backend: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("attendance backend: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("attendance backend: %s returned %d", path, resp.StatusCode)
	}
	return normalize(raw)
}

// normalize parses a backend reply, unwrapping the {success,data} envelope
// some backend builds use and tolerating a bare object in others.
func normalize(raw []byte) (*StatusResponse, error) {
	var envelope struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	body := raw
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Success != nil {
		if !*envelope.Success {
			return nil, fmt.Errorf("attendance backend: %s", envelope.Error)
		}
		if len(envelope.Data) > 0 {
			body = envelope.Data
		}
	}

	var out StatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("attendance backend: decode: %w", err)
	}
	if out.Violations == nil {
		out.Violations = []models.Violation{}
	}
	return &out, nil
}
