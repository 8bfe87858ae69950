package ws

import (
	"context"
	"encoding/json"
	"errors"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/lattice/pairsync/internal/language"
	"github.com/manpreetbhatti/lattice/pairsync/internal/logger"
	"github.com/manpreetbhatti/lattice/pairsync/internal/ratelimit"
	"github.com/manpreetbhatti/lattice/pairsync/internal/sync"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
	sendBuffer        = 512
)

// Control is a JSON text message. Binary messages carry protocol frames.
type Control struct {
	Type     string            `json:"type"`
	Language language.Language `json:"language,omitempty"`
}

const (
	ControlLanguage = "language"
	ControlClosed   = "closed"
)

type outbound struct {
	kind int
	data []byte
}

// Client is one WebSocket connection attached to a room.
type Client struct {
	server      *Server
	conn        *websocket.Conn
	send        chan outbound
	roomID      int64
	userID      string
	rateLimiter *ratelimit.Limiter
	clientID    string

	mu       stdsync.Mutex
	closed   bool
	detached bool
}

func newClient(s *Server, conn *websocket.Conn, roomID int64, userID string) *Client {
	return &Client{
		server:      s,
		conn:        conn,
		send:        make(chan outbound, sendBuffer),
		roomID:      roomID,
		userID:      userID,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		clientID:    uuid.NewString(),
	}
}

func (c *Client) ID() string {
	return c.clientID
}

// Send queues a binary frame. It never blocks: a full queue means the peer
// is not keeping up and the registry will drop it.
func (c *Client) Send(frame []byte) bool {
	return c.enqueue(outbound{kind: websocket.BinaryMessage, data: frame})
}

// Detach is called by the registry once the client no longer belongs to
// the room. The peer is told and the connection is closed.
func (c *Client) Detach(roomID int64) {
	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
	c.sendControl(Control{Type: ControlClosed})
	c.shutdown()
}

func (c *Client) LanguageChanged(_ int64, lang language.Language) {
	c.sendControl(Control{Type: ControlLanguage, Language: lang})
}

func (c *Client) sendControl(msg Control) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Errorf("encode control message: %v", err)
		return false
	}
	return c.enqueue(outbound{kind: websocket.TextMessage, data: data})
}

func (c *Client) enqueue(msg outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// shutdown closes the send queue; writePump flushes it and closes the
// connection.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) isDetached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

func (c *Client) readPump() {
	ctx := context.Background()
	defer func() {
		if !c.isDetached() {
			if err := c.server.rooms.Leave(ctx, c.roomID, c); err != nil {
				logger.Warnf("%s leaving room %d: %v", c.clientID, c.roomID, err)
			}
		}
		c.shutdown()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warnf("WebSocket error: %v", err)
			}
			return
		}

		if !c.rateLimiter.Allow() {
			// Peers never resend a document update, so one lost update would
			// leave everything after it unmergeable. Make the client reconnect
			// and resync instead. Presence is refreshed on its own.
			if isSyncFrame(kind, message) {
				logger.Warnf("🚫 Disconnecting client %s: sync frame over rate limit in room %d", c.clientID, c.roomID)
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "rate limit exceeded"),
					time.Now().Add(writeWait))
				return
			}
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				logger.Warnf("⚠️ Rate limit exceeded for client %s in room %d (warning #%d)",
					c.clientID, c.roomID, rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				logger.Warnf("🚫 Disconnecting client %s for excessive rate limit violations", c.clientID)
				return
			}
			continue
		}

		switch kind {
		case websocket.BinaryMessage:
			err = c.server.rooms.HandleFrame(ctx, c.roomID, c, message)
		case websocket.TextMessage:
			err = c.handleControl(ctx, message)
		}
		if err != nil {
			logger.Warnf("%s in room %d: %v", c.clientID, c.roomID, err)
			if errors.Is(err, context.Canceled) {
				return
			}
		}
	}
}

func isSyncFrame(kind int, message []byte) bool {
	if kind != websocket.BinaryMessage {
		return false
	}
	t, err := sync.ParseMessageType(message)
	return err == nil && t == sync.MessageTypeSync
}

func (c *Client) handleControl(ctx context.Context, data []byte) error {
	var msg Control
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	switch msg.Type {
	case ControlLanguage:
		if msg.Language == "" {
			lang, err := c.server.rooms.Language(ctx, c.roomID, c.server.languageLookup(c.userID))
			if err != nil {
				return err
			}
			c.sendControl(Control{Type: ControlLanguage, Language: lang})
			return nil
		}
		return c.server.rooms.SetLanguage(ctx, c.roomID, msg.Language, c)
	default:
		logger.Debugf("%s sent unknown control message %q", c.clientID, msg.Type)
	}
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(message.kind, message.data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
