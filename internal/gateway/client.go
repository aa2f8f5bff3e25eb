package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skateduel/backend/internal/fault"
	"github.com/skateduel/backend/internal/live"
	"github.com/skateduel/backend/internal/presence"
	"github.com/skateduel/backend/internal/rooms"
	"github.com/skateduel/backend/internal/store"
)

// Upgrader with origin validation. In production (SKATE_ENV=production), only
// origins listed in SKATE_ALLOWED_ORIGINS are accepted. In dev/staging, all
// origins are allowed.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 32 * 1024        // Intents are small; 32KB is generous
	sendBuffer = 256              // Per-socket outbound channel buffer
)

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("SKATE_ENV")
	allowedRaw := os.Getenv("SKATE_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		slog.Info("[WebSocket] Origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Info("[WebSocket] Rejected connection from origin", "origin", origin)
			return false
		}
	}

	if env == "production" && allowedRaw == "" {
		slog.Warn("[WebSocket] SKATE_ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// LiveAPI is the slice of the live service the gateway drives.
// *live.Service satisfies it.
type LiveAPI interface {
	Create(ctx context.Context, creatorID, spotID string, maxPlayers int) (*store.LiveSession, error)
	Get(ctx context.Context, sessionID string) (*store.LiveSession, error)
	Join(ctx context.Context, sessionID, playerID, eventKey string) (*live.Result, error)
	Leave(ctx context.Context, sessionID, playerID, eventKey string) (*live.Result, error)
	Start(ctx context.Context, sessionID, actorID, eventKey string) (*live.Result, error)
	SubmitTrick(ctx context.Context, sessionID, actorID, trick, eventKey string) (*live.Result, error)
	Pass(ctx context.Context, sessionID, actorID, eventKey string) (*live.Result, error)
	ForfeitPlayer(ctx context.Context, sessionID, actorID, eventKey string) (*live.Result, error)
	Disconnect(ctx context.Context, sessionID, playerID string) (*live.Result, error)
	Reconnect(ctx context.Context, sessionID, playerID string) (*live.Result, error)
}

// Frame is a client intent.
type Frame struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type"`
	RoomType rooms.Type      `json:"room_type,omitempty"`
	RoomID   string          `json:"room_id,omitempty"`
	GameID   string          `json:"game_id,omitempty"`
	SpotID   string          `json:"spot_id,omitempty"`
	MaxSlots int             `json:"max_players,omitempty"`
	Trick    string          `json:"trick,omitempty"`
	Status   presence.Status `json:"status,omitempty"`
	EventKey string          `json:"event_key,omitempty"`
}

// Client is one websocket connection. writePump owns all writes to the
// connection, readPump owns all reads; everything outbound goes through send.
type Client struct {
	hub    *Hub
	svc    LiveAPI
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	roomKeys map[string]struct{} // rooms this socket joined, for cleanup
	limiter  *msgLimiter
}

// Handler returns the HTTP handler that upgrades to websocket. The caller's
// auth middleware must have placed the user ID in the X-User-ID header.
func Handler(hub *Hub, svc LiveAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			userID = r.URL.Query().Get("user_id")
		}
		if userID == "" {
			http.Error(w, "missing user identity", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("[WebSocket] Upgrade failed", "error", err)
			return
		}

		c := &Client{
			hub:      hub,
			svc:      svc,
			userID:   userID,
			conn:     conn,
			send:     make(chan []byte, sendBuffer),
			done:     make(chan struct{}),
			roomKeys: make(map[string]struct{}),
			limiter:  newMsgLimiter(60, 120),
		}

		slog.Info("[WebSocket] Connected", "user", userID)
		hub.metrics().SocketOpened()
		if err := hub.updatePresence(r.Context(), userID, presence.StatusOnline); err != nil {
			slog.Warn("[WebSocket] Presence update failed", "user", userID, "error", err)
		}
		go c.writePump()
		go c.readPump()
	}
}

func (c *Client) trackRoom(key string) {
	c.mu.Lock()
	c.roomKeys[key] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrackRoom(key string) {
	c.mu.Lock()
	delete(c.roomKeys, key)
	c.mu.Unlock()
}

// close shuts the socket down exactly once: detach from local rooms, pause
// any live sessions this player was in, close the connection.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.releaseRooms()
		c.conn.Close()
		c.hub.metrics().SocketClosed()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.hub.updatePresence(ctx, c.userID, presence.StatusOffline); err != nil {
			slog.Warn("[WebSocket] Presence update failed", "user", c.userID, "error", err)
		}
		slog.Info("[WebSocket] Disconnected", "user", c.userID)
	})
}

// releaseRooms detaches the socket from every room it joined and pauses any
// live sessions this player was in.
func (c *Client) releaseRooms() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.roomKeys))
	for k := range c.roomKeys {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gamePrefix := string(rooms.TypeGame) + ":"
	for _, key := range keys {
		c.hub.detach(c, key)
		if sessionID, ok := strings.CutPrefix(key, gamePrefix); ok {
			if _, err := c.svc.Disconnect(ctx, sessionID, c.userID); err != nil {
				slog.Warn("[WebSocket] Disconnect notify failed", "session", sessionID, "error", err)
			}
		}
	}
}

// writePump serializes all writes to the connection, including pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			// Drain queued messages in the same wake-up
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump reads intents and routes them. The only goroutine reading conn.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[WebSocket] Read error", "user", c.userID, "error", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.sendError(f.ID, fault.Reject(fault.KindValidation, fault.ReasonValidation, "invalid frame"))
			continue
		}

		if !c.limiter.allow() {
			c.sendError(f.ID, fault.Reject(fault.KindRateLimited, fault.ReasonRateLimited, "slow down"))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		c.handle(ctx, &f)
		cancel()
	}
}

// handle routes one intent. Post-commit events reach the client through the
// room broadcast, so acks here only confirm receipt.
func (c *Client) handle(ctx context.Context, f *Frame) {
	var err error
	switch f.Type {
	case "room:join":
		err = c.hub.join(ctx, c, f.RoomType, f.RoomID)
	case "room:leave":
		err = c.hub.leave(ctx, c, f.RoomType, f.RoomID)

	case "game:create":
		var sess *store.LiveSession
		if sess, err = c.svc.Create(ctx, c.userID, f.SpotID, f.MaxSlots); err == nil {
			if err = c.hub.join(ctx, c, rooms.TypeGame, sess.ID); err == nil {
				c.enqueue(map[string]any{"type": "game:created", "id": f.ID, "game": sess})
				return
			}
		}

	case "game:join":
		if _, err = c.svc.Join(ctx, f.GameID, c.userID, f.EventKey); err == nil {
			err = c.hub.join(ctx, c, rooms.TypeGame, f.GameID)
		}
	case "game:leave":
		if _, err = c.svc.Leave(ctx, f.GameID, c.userID, f.EventKey); err == nil {
			err = c.hub.leave(ctx, c, rooms.TypeGame, f.GameID)
		}
	case "game:reconnect":
		// A reconnector rejoins the room and gets the full state back, since
		// it missed every broadcast while away.
		if _, err = c.svc.Reconnect(ctx, f.GameID, c.userID); err == nil {
			if err = c.hub.join(ctx, c, rooms.TypeGame, f.GameID); err == nil {
				var sess *store.LiveSession
				if sess, err = c.svc.Get(ctx, f.GameID); err == nil {
					c.enqueue(map[string]any{"type": "game:state", "id": f.ID, "game": sess})
					return
				}
			}
		}
	case "game:start":
		_, err = c.svc.Start(ctx, f.GameID, c.userID, f.EventKey)
	case "game:trick":
		_, err = c.svc.SubmitTrick(ctx, f.GameID, c.userID, f.Trick, f.EventKey)
	case "game:pass":
		_, err = c.svc.Pass(ctx, f.GameID, c.userID, f.EventKey)
	case "game:forfeit":
		_, err = c.svc.ForfeitPlayer(ctx, f.GameID, c.userID, f.EventKey)

	case "presence:update":
		err = c.hub.updatePresence(ctx, c.userID, f.Status)

	default:
		err = fault.Reject(fault.KindValidation, fault.ReasonValidation, "unknown intent %q", f.Type)
	}

	if err != nil {
		c.sendError(f.ID, err)
		return
	}
	c.sendAck(f.ID, f.Type)
}

func (c *Client) sendAck(id, typ string) {
	c.enqueue(map[string]any{"type": "ack", "id": id, "intent": typ})
}

func (c *Client) sendError(id string, err error) {
	c.enqueue(map[string]any{
		"type":    "error",
		"id":      id,
		"reason":  string(fault.ReasonOf(err)),
		"message": err.Error(),
	})
}

func (c *Client) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("[WebSocket] Send buffer full, dropping frame", "user", c.userID)
	}
}

// msgLimiter is a per-socket sliding window: perMinute is the soft limit,
// burst the hard cap within a single window.
type msgLimiter struct {
	mu          sync.Mutex
	perMinute   int
	burst       int
	count       int
	windowStart time.Time
}

func newMsgLimiter(perMinute, burst int) *msgLimiter {
	return &msgLimiter{perMinute: perMinute, burst: burst}
}

func (l *msgLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.windowStart) > time.Minute {
		l.windowStart = now
		l.count = 0
	}
	l.count++
	return l.count <= l.burst && l.count <= l.perMinute
}
