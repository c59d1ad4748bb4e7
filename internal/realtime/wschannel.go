package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60

	writeWait    = 10 * time.Second
	maxFrameSize = 65536
)

// ErrChannelClosed is returned by Publish after the channel is torn down.
var ErrChannelClosed = errors.New("data channel closed")

// wsEnvelope is the wire frame exchanged with the meeting transport. The
// application payload rides in Data untouched.
type wsEnvelope struct {
	Sender Participant     `json:"sender"`
	Data   json.RawMessage `json:"data"`
}

// WSChannel is a websocket client implementation of DataChannel. It dials the
// meeting transport's channel endpoint and runs read/write pumps until Close.
type WSChannel struct {
	conn     *websocket.Conn
	identity Participant
	send     chan []byte
	done     chan struct{}
	logger   *zap.Logger

	mu      sync.RWMutex
	handler MessageHandler
	closed  bool
}

// DialWS connects to the meeting transport channel endpoint. The meeting ID,
// token and a per-connection client ID are passed as query parameters, the
// same way the UI shell connects.
func DialWS(ctx context.Context, url, meetingID, token string, identity Participant, logger *zap.Logger) (*WSChannel, error) {
	full := fmt.Sprintf("%s?meeting_id=%s&token=%s&client_id=%s", url, meetingID, token, uuid.New().String())
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, full, nil)
	if err != nil {
		return nil, fmt.Errorf("dial data channel: %w", err)
	}

	ch := &WSChannel{
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go ch.writePump()
	go ch.readPump()
	return ch, nil
}

// Publish broadcasts payload to the meeting. Best-effort: a full send buffer
// drops the message rather than blocking the caller.
func (ch *WSChannel) Publish(ctx context.Context, payload []byte) error {
	ch.mu.RLock()
	closed := ch.closed
	ch.mu.RUnlock()
	if closed {
		return ErrChannelClosed
	}

	frame, err := json.Marshal(wsEnvelope{Sender: ch.identity, Data: payload})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case ch.send <- frame:
		return nil
	default:
		ch.logger.Warn("data channel send buffer full, dropping message")
		return nil
	}
}

// SetHandler registers the inbound message callback.
func (ch *WSChannel) SetHandler(h MessageHandler) {
	ch.mu.Lock()
	ch.handler = h
	ch.mu.Unlock()
}

// Close tears down the connection and stops both pumps.
func (ch *WSChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	close(ch.done)
	ch.mu.Unlock()
	return ch.conn.Close()
}

func (ch *WSChannel) readPump() {
	defer func() { _ = ch.Close() }()

	ch.conn.SetReadLimit(maxFrameSize)
	_ = ch.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	ch.conn.SetPongHandler(func(string) error {
		_ = ch.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		_, raw, err := ch.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = ch.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			ch.logger.Debug("malformed channel frame", zap.Error(err))
			continue
		}

		ch.mu.RLock()
		handler := ch.handler
		ch.mu.RUnlock()
		if handler != nil {
			handler(env.Data, env.Sender)
		}
	}
}

func (ch *WSChannel) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = ch.conn.Close()
	}()

	for {
		select {
		case <-ch.done:
			_ = ch.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-ch.send:
			_ = ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
