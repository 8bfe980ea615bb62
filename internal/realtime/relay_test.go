package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func startRelay(t *testing.T, client *redis.Client, hub *Hub) {
	t.Helper()
	relay := NewRelay(client, "rt:", hub)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = relay.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-relay.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("relay never subscribed")
	}
}

func TestTriggerReachesSubscribedClientThroughRelay(t *testing.T) {
	client, _ := newRedis(t)
	hub := startHub(t)
	startRelay(t, client, hub)

	c := NewClient("sock-1", "usr_b", "", 8)
	hub.Register(c)
	hub.Subscribe(c, UserChannel("usr_b"))

	b := NewBroadcaster(client, "rt:")
	if err := b.Trigger(context.Background(), UserChannel("usr_b"), EventCallIncoming, map[string]string{"callId": "call-1"}, ""); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	f := receive(t, c)
	if f.Event != EventCallIncoming {
		t.Fatalf("unexpected event %q", f.Event)
	}
	var body map[string]string
	if err := json.Unmarshal(f.Data, &body); err != nil || body["callId"] != "call-1" {
		t.Fatalf("unexpected payload %s (%v)", f.Data, err)
	}
}

func TestTriggerRejectsUnknownChannel(t *testing.T) {
	client, _ := newRedis(t)
	b := NewBroadcaster(client, "")
	err := b.Trigger(context.Background(), "lobby", EventMessage, nil, "")
	if !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
}

func TestRelayIgnoresMalformedPayload(t *testing.T) {
	client, mr := newRedis(t)
	hub := startHub(t)
	startRelay(t, client, hub)

	c := NewClient("sock-1", "usr_b", "", 8)
	hub.Register(c)
	hub.Subscribe(c, UserChannel("usr_b"))

	mr.Publish("rt:"+UserChannel("usr_b"), "not json")
	expectNothing(t, c)

	b := NewBroadcaster(client, "rt:")
	if err := b.Trigger(context.Background(), UserChannel("usr_b"), EventPresence, nil, ""); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if f := receive(t, c); f.Event != EventPresence {
		t.Fatalf("relay should keep running after bad payload, got %+v", f)
	}
}

type recordedTrigger struct {
	channel, event, exclude string
	data                    any
}

type fakePublisher struct {
	calls []recordedTrigger
	err   error
}

func (f *fakePublisher) Trigger(_ context.Context, channel, event string, data any, exclude string) error {
	f.calls = append(f.calls, recordedTrigger{channel: channel, event: event, exclude: exclude, data: data})
	return f.err
}

func TestTypingLifecycle(t *testing.T) {
	client, _ := newRedis(t)
	pub := &fakePublisher{}
	typing := NewTyping(client, pub, 6*time.Second)
	now := time.Now()
	typing.now = func() time.Time { return now }
	ctx := context.Background()

	if err := typing.Set(ctx, "conv_1", "usr_a", "sock-a", true); err != nil {
		t.Fatalf("set typing: %v", err)
	}
	if err := typing.Set(ctx, "conv_1", "usr_b", "sock-b", true); err != nil {
		t.Fatalf("set typing: %v", err)
	}

	users, err := typing.Typers(ctx, "conv_1")
	if err != nil || len(users) != 2 {
		t.Fatalf("expected two typers, got %v err=%v", users, err)
	}

	if len(pub.calls) != 2 {
		t.Fatalf("expected two events, got %d", len(pub.calls))
	}
	first := pub.calls[0]
	if first.channel != ConversationChannel("conv_1") || first.event != EventTyping || first.exclude != "sock-a" {
		t.Fatalf("unexpected trigger %+v", first)
	}

	if err := typing.Set(ctx, "conv_1", "usr_b", "sock-b", false); err != nil {
		t.Fatalf("stop typing: %v", err)
	}
	users, _ = typing.Typers(ctx, "conv_1")
	if len(users) != 1 || users[0] != "usr_a" {
		t.Fatalf("expected only usr_a, got %v", users)
	}

	now = now.Add(7 * time.Second)
	users, err = typing.Typers(ctx, "conv_1")
	if err != nil {
		t.Fatalf("typers: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("stale typers should be pruned, got %v", users)
	}
}

func TestTypingClearIsSilent(t *testing.T) {
	client, _ := newRedis(t)
	pub := &fakePublisher{}
	typing := NewTyping(client, pub, time.Second)
	ctx := context.Background()

	if err := typing.Set(ctx, "conv_1", "usr_a", "", true); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := typing.Clear(ctx, "conv_1", "usr_a"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	users, _ := typing.Typers(ctx, "conv_1")
	if len(users) != 0 {
		t.Fatalf("expected no typers, got %v", users)
	}
	if len(pub.calls) != 1 {
		t.Fatalf("clear should not publish, got %d events", len(pub.calls))
	}
}
