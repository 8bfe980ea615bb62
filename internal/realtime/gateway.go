package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"huddle/api/internal/logging"
	"huddle/api/internal/util"
)

// Client frame names.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameTyping      = "typing"
	FramePing        = "ping"

	FrameConnectionEstablished = "connection_established"
	FrameSubscriptionSucceeded = "subscription_succeeded"
	FrameSubscriptionError     = "subscription_error"
	FramePong                  = "pong"
	FrameError                 = "error"
)

// CloseSessionEnded is sent when the token behind a socket is revoked or
// expires.
const CloseSessionEnded = 4001

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 16 * 1024
)

var ErrForbiddenChannel = errors.New("realtime: channel not allowed")

// Principal is the authenticated user behind a socket.
type Principal struct {
	UserID    string
	Name      string
	Role      string
	TokenID   string
	ExpiresAt time.Time
}

// Callbacks connects the gateway to the rest of the API.
type Callbacks interface {
	Authenticate(r *http.Request) (Principal, error)
	// Revalidate fails once the principal's token is revoked or expired.
	Revalidate(ctx context.Context, p Principal) error
	AuthorizeChannel(ctx context.Context, p Principal, channel string) error
	Typing(ctx context.Context, p Principal, socketID, conversationID string, typing bool) error
	Heartbeat(ctx context.Context, p Principal, deviceID string) error
}

type GatewayConfig struct {
	SendBuffer  int
	PongWait    time.Duration
	CheckOrigin func(r *http.Request) bool
}

// Gateway upgrades authenticated requests to websockets and pumps frames
// between the connection and the hub.
type Gateway struct {
	hub       *Hub
	callbacks Callbacks
	upgrader  websocket.Upgrader
	buffer    int
	pongWait  time.Duration
}

func NewGateway(hub *Hub, callbacks Callbacks, cfg GatewayConfig) *Gateway {
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	return &Gateway{
		hub:       hub,
		callbacks: callbacks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		buffer:   cfg.SendBuffer,
		pongWait: cfg.PongWait,
	}
}

type socketIDPayload struct {
	SocketID string `json:"socketId"`
}

type channelPayload struct {
	Channel string `json:"channel"`
	Error   string `json:"error,omitempty"`
}

type typingFrame struct {
	ConversationID string `json:"conversationId"`
	Typing         bool   `json:"typing"`
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := g.callbacks.Authenticate(r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","error":"authentication required"}`))
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	deviceID := strings.TrimSpace(r.URL.Query().Get("deviceId"))
	client := NewClient(util.NewID("sock"), principal.UserID, deviceID, g.buffer)
	g.hub.Register(client)
	client.SendFrame(Frame{Event: FrameConnectionEstablished, Data: mustRaw(socketIDPayload{SocketID: client.SocketID})})

	go g.writePump(conn, client)
	g.readPump(r.Context(), conn, client, principal)
}

func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, c *Client, p Principal) {
	defer func() {
		g.hub.Unregister(c)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(g.pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Str("socket_id", c.SocketID).Msg("websocket closed unexpectedly")
			}
			return
		}
		// Any client frame proves liveness.
		_ = conn.SetReadDeadline(time.Now().Add(g.pongWait))

		if err := g.callbacks.Revalidate(ctx, p); err != nil {
			logging.Debug().Err(err).Str("socket_id", c.SocketID).Str("user_id", p.UserID).Msg("websocket session ended")
			msg := websocket.FormatCloseMessage(CloseSessionEnded, "session ended")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.SendFrame(Frame{Event: FrameError, Data: mustRaw(map[string]string{"error": "malformed frame"})})
			continue
		}
		g.handleFrame(ctx, c, p, frame)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, c *Client, p Principal, frame Frame) {
	switch frame.Event {
	case FrameSubscribe:
		channel := frameChannel(frame)
		if err := g.callbacks.AuthorizeChannel(ctx, p, channel); err != nil {
			c.SendFrame(Frame{Event: FrameSubscriptionError, Channel: channel, Data: mustRaw(channelPayload{Channel: channel, Error: "forbidden"})})
			return
		}
		if !g.hub.Subscribe(c, channel) {
			return
		}
		c.SendFrame(Frame{Event: FrameSubscriptionSucceeded, Channel: channel, Data: mustRaw(channelPayload{Channel: channel})})

	case FrameUnsubscribe:
		g.hub.Unsubscribe(c, frameChannel(frame))

	case FrameTyping:
		var body typingFrame
		if err := json.Unmarshal(frame.Data, &body); err != nil || body.ConversationID == "" {
			c.SendFrame(Frame{Event: FrameError, Data: mustRaw(map[string]string{"error": "typing requires conversationId"})})
			return
		}
		if err := g.callbacks.Typing(ctx, p, c.SocketID, body.ConversationID, body.Typing); err != nil {
			logging.Debug().Err(err).Str("conversation_id", body.ConversationID).Msg("typing frame rejected")
		}

	case FramePing:
		if err := g.callbacks.Heartbeat(ctx, p, c.DeviceID); err != nil {
			logging.Warn().Err(err).Str("user_id", p.UserID).Msg("websocket heartbeat failed")
		}
		c.SendFrame(Frame{Event: FramePong})

	default:
		c.SendFrame(Frame{Event: FrameError, Data: mustRaw(map[string]string{"error": "unknown event " + frame.Event})})
	}
}

func (g *Gateway) writePump(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(g.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send():
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// frameChannel accepts the channel either on the frame or inside data.
func frameChannel(frame Frame) string {
	if frame.Channel != "" {
		return frame.Channel
	}
	var body channelPayload
	_ = json.Unmarshal(frame.Data, &body)
	return body.Channel
}

func mustRaw(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
