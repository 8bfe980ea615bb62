package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

type fakeCallbacks struct {
	mu         sync.Mutex
	heartbeats []string
	typing     []typingFrame
	revoked    bool
}

func (f *fakeCallbacks) Authenticate(r *http.Request) (Principal, error) {
	if r.URL.Query().Get("token") != "good" {
		return Principal{}, errors.New("bad token")
	}
	return Principal{UserID: "usr_a", Role: "member"}, nil
}

func (f *fakeCallbacks) Revalidate(context.Context, Principal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revoked {
		return errors.New("token revoked")
	}
	return nil
}

func (f *fakeCallbacks) AuthorizeChannel(_ context.Context, p Principal, channel string) error {
	if channel == UserChannel(p.UserID) || channel == ConversationChannel("conv_ok") {
		return nil
	}
	return ErrForbiddenChannel
}

func (f *fakeCallbacks) Typing(_ context.Context, _ Principal, _ string, conversationID string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typingFrame{ConversationID: conversationID, Typing: typing})
	return nil
}

func (f *fakeCallbacks) Heartbeat(_ context.Context, _ Principal, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, deviceID)
	return nil
}

func dialGateway(t *testing.T, query string) (*websocket.Conn, *Hub, *fakeCallbacks, *http.Response, error) {
	t.Helper()
	hub := startHub(t)
	callbacks := &fakeCallbacks{}
	srv := httptest.NewServer(NewGateway(hub, callbacks, GatewayConfig{SendBuffer: 16, PongWait: 5 * time.Second}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, hub, callbacks, resp, err
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	raw, _ := json.Marshal(f)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestGatewayRejectsUnauthenticated(t *testing.T) {
	_, _, _, resp, err := dialGateway(t, "token=bad")
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestGatewaySubscribeAndReceive(t *testing.T) {
	conn, hub, _, _, err := dialGateway(t, "token=good&deviceId=laptop")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	hello := readFrame(t, conn)
	if hello.Event != FrameConnectionEstablished {
		t.Fatalf("expected connection_established, got %+v", hello)
	}
	var sid socketIDPayload
	if err := json.Unmarshal(hello.Data, &sid); err != nil || !strings.HasPrefix(sid.SocketID, "sock_") {
		t.Fatalf("bad socket id payload %s", hello.Data)
	}

	writeFrame(t, conn, Frame{Event: FrameSubscribe, Channel: "private-user-usr_zzz"})
	if f := readFrame(t, conn); f.Event != FrameSubscriptionError {
		t.Fatalf("foreign user channel should be refused, got %+v", f)
	}

	writeFrame(t, conn, Frame{Event: FrameSubscribe, Data: json.RawMessage(`{"channel":"private-conversation-conv_ok"}`)})
	if f := readFrame(t, conn); f.Event != FrameSubscriptionSucceeded || f.Channel != ConversationChannel("conv_ok") {
		t.Fatalf("expected subscription_succeeded, got %+v", f)
	}

	hub.Deliver(Envelope{Channel: ConversationChannel("conv_ok"), Event: EventMessage, Data: json.RawMessage(`{"id":"msg_1"}`)})
	f := readFrame(t, conn)
	if f.Event != EventMessage || !strings.Contains(string(f.Data), "msg_1") {
		t.Fatalf("unexpected delivery %+v", f)
	}

	// Own socket is excluded from its own echo.
	hub.Deliver(Envelope{Channel: ConversationChannel("conv_ok"), Event: EventTyping, ExcludeSocket: sid.SocketID})
	hub.Deliver(Envelope{Channel: ConversationChannel("conv_ok"), Event: EventRead})
	if f := readFrame(t, conn); f.Event != EventRead {
		t.Fatalf("excluded event leaked: %+v", f)
	}
}

func TestGatewayPingCountsAsHeartbeat(t *testing.T) {
	conn, _, callbacks, _, err := dialGateway(t, "token=good&deviceId=phone")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readFrame(t, conn)

	writeFrame(t, conn, Frame{Event: FramePing})
	if f := readFrame(t, conn); f.Event != FramePong {
		t.Fatalf("expected pong, got %+v", f)
	}

	writeFrame(t, conn, Frame{Event: FrameTyping, Data: json.RawMessage(`{"conversationId":"conv_ok","typing":true}`)})
	writeFrame(t, conn, Frame{Event: FramePing})
	readFrame(t, conn)

	callbacks.mu.Lock()
	defer callbacks.mu.Unlock()
	if len(callbacks.heartbeats) != 2 || callbacks.heartbeats[0] != "phone" {
		t.Fatalf("unexpected heartbeats %v", callbacks.heartbeats)
	}
	if len(callbacks.typing) != 1 || !callbacks.typing[0].Typing || callbacks.typing[0].ConversationID != "conv_ok" {
		t.Fatalf("unexpected typing calls %+v", callbacks.typing)
	}
}

func TestGatewayUnknownFrame(t *testing.T) {
	conn, _, _, _, err := dialGateway(t, "token=good")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readFrame(t, conn)
	writeFrame(t, conn, Frame{Event: "teleport"})
	if f := readFrame(t, conn); f.Event != FrameError {
		t.Fatalf("expected error frame, got %+v", f)
	}
}

func TestGatewayClosesRevokedSession(t *testing.T) {
	conn, _, callbacks, _, err := dialGateway(t, "token=good&deviceId=laptop")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readFrame(t, conn)

	writeFrame(t, conn, Frame{Event: FramePing})
	if f := readFrame(t, conn); f.Event != FramePong {
		t.Fatalf("expected pong, got %+v", f)
	}

	callbacks.mu.Lock()
	callbacks.revoked = true
	callbacks.mu.Unlock()

	writeFrame(t, conn, Frame{Event: FrameSubscribe, Channel: UserChannel("usr_a")})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, CloseSessionEnded) {
		t.Fatalf("expected close %d after revocation, got %v", CloseSessionEnded, err)
	}
	callbacks.mu.Lock()
	defer callbacks.mu.Unlock()
	if len(callbacks.heartbeats) != 1 {
		t.Fatalf("frames after revocation must not be handled, heartbeats=%v", callbacks.heartbeats)
	}
}
