package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, 45*time.Second, time.Hour), mr
}

func offer(t *testing.T, s *Store, id, caller, callee string) Call {
	t.Helper()
	call, err := s.Offer(context.Background(), Call{
		ID: id, CallerID: caller, CalleeID: callee, Media: "video", CallerDeviceID: caller + "-phone",
	})
	if err != nil {
		t.Fatalf("offer %s: %v", id, err)
	}
	return call
}

func TestOfferValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		call Call
		want error
	}{
		{name: "missing id", call: Call{CallerID: "a", CalleeID: "b", Media: "audio"}, want: ErrInvalidCall},
		{name: "bad media", call: Call{ID: "c1", CallerID: "a", CalleeID: "b", Media: "fax"}, want: ErrInvalidCall},
		{name: "self call", call: Call{ID: "c1", CallerID: "a", CalleeID: "a", Media: "audio"}, want: ErrSelfCall},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Offer(ctx, tc.call); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPendingMailboxIsSingleSlot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	offer(t, s, "call-1", "alice", "bob")

	if _, err := s.Offer(ctx, Call{ID: "call-2", CallerID: "carol", CalleeID: "bob", Media: "audio"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second ring to bob should be busy, got %v", err)
	}
	if _, err := s.Offer(ctx, Call{ID: "call-3", CallerID: "alice", CalleeID: "carol", Media: "audio"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("alice is already ringing someone, got %v", err)
	}

	pending, err := s.Pending(ctx, "bob")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending == nil || pending.ID != "call-1" {
		t.Fatalf("expected call-1 pending, got %+v", pending)
	}
}

func TestPendingCallExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	offer(t, s, "call-1", "alice", "bob")
	mr.FastForward(46 * time.Second)

	pending, err := s.Pending(ctx, "bob")
	if err != nil || pending != nil {
		t.Fatalf("ring should have timed out: %+v err=%v", pending, err)
	}
	if _, err := s.Accept(ctx, "bob", "call-1", "bob-laptop"); !errors.Is(err, ErrNoPendingCall) {
		t.Fatalf("accepting an expired ring: %v", err)
	}
	offer(t, s, "call-2", "alice", "bob")
}

func TestAcceptOpensActiveSlots(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	offer(t, s, "call-1", "alice", "bob")

	if _, err := s.Accept(ctx, "bob", "call-9", "bob-laptop"); !errors.Is(err, ErrCallMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}

	call, err := s.Accept(ctx, "bob", "call-1", "bob-laptop")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if call.ID != "call-1" {
		t.Fatalf("unexpected call %+v", call)
	}
	if mr.Exists("call:pending:bob") || mr.Exists("call:outgoing:alice") {
		t.Fatal("ringing slots should be cleared on accept")
	}

	bob, err := s.State(ctx, "bob")
	if err != nil {
		t.Fatalf("state bob: %v", err)
	}
	if bob.Active == nil || bob.Active.DeviceID != "bob-laptop" || bob.Pending != nil {
		t.Fatalf("unexpected bob state: %+v", bob)
	}
	alice, err := s.State(ctx, "alice")
	if err != nil {
		t.Fatalf("state alice: %v", err)
	}
	if alice.Active == nil || alice.Active.DeviceID != "alice-phone" {
		t.Fatalf("unexpected alice state: %+v", alice)
	}

	if _, err := s.Accept(ctx, "bob", "call-1", "bob-phone"); !errors.Is(err, ErrNoPendingCall) {
		t.Fatalf("second accept from another device should fail, got %v", err)
	}
	if _, err := s.Offer(ctx, Call{ID: "call-2", CallerID: "carol", CalleeID: "bob", Media: "audio"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("bob is in a call, got %v", err)
	}
}

func TestRingingPartiesCannotStartAnotherCall(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	offer(t, s, "call-ab", "alice", "bob")

	if _, err := s.Offer(ctx, Call{ID: "call-bc", CallerID: "bob", CalleeID: "carol", Media: "audio"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("bob is being rung and must not dial out, got %v", err)
	}
	if _, err := s.Offer(ctx, Call{ID: "call-da", CallerID: "dave", CalleeID: "alice", Media: "audio"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("alice is dialing and must not be rung, got %v", err)
	}

	state, err := s.State(ctx, "carol")
	if err != nil {
		t.Fatalf("state carol: %v", err)
	}
	if state.Pending != nil {
		t.Fatalf("carol should not be ringing: %+v", state.Pending)
	}
}

func TestAcceptRefusesWhenEitherPartyIsInACall(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	// Offer refuses to reach this state, so the active slots are seeded directly.
	offer(t, s, "call-ab", "alice", "bob")
	if err := mr.Set("call:active:bob", `{"call":{"id":"call-bc","callerId":"bob","calleeId":"carol","media":"audio"},"deviceId":"bob-phone"}`); err != nil {
		t.Fatalf("seed bob active: %v", err)
	}
	if _, err := s.Accept(ctx, "bob", "call-ab", "bob-laptop"); !errors.Is(err, ErrBusy) {
		t.Fatalf("callee already in a call, got %v", err)
	}
	bob, _ := s.State(ctx, "bob")
	if bob.Active == nil || bob.Active.Call.ID != "call-bc" {
		t.Fatalf("bob's active call was overwritten: %+v", bob.Active)
	}
	mr.Del("call:active:bob")

	if err := mr.Set("call:active:alice", `{"call":{"id":"call-ax","callerId":"alice","calleeId":"xena","media":"audio"},"deviceId":"alice-phone"}`); err != nil {
		t.Fatalf("seed alice active: %v", err)
	}
	if _, err := s.Accept(ctx, "bob", "call-ab", "bob-laptop"); !errors.Is(err, ErrBusy) {
		t.Fatalf("caller already in a call, got %v", err)
	}
	if !mr.Exists("call:pending:bob") {
		t.Fatal("a refused accept must leave the call ringing")
	}
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	offer(t, s, "call-1", "alice", "bob")

	const devices = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
		errs []error
	)
	for i := range devices {
		wg.Add(1)
		go func(device string) {
			defer wg.Done()
			_, err := s.Accept(ctx, "bob", "call-1", device)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins = append(wins, device)
				return
			}
			errs = append(errs, err)
		}(fmt.Sprintf("bob-device-%d", i))
	}
	wg.Wait()

	if len(wins) != 1 {
		t.Fatalf("expected exactly one device to answer, got %v", wins)
	}
	for _, err := range errs {
		if !errors.Is(err, ErrNoPendingCall) {
			t.Fatalf("losing devices should see ErrNoPendingCall, got %v", err)
		}
	}
	bob, _ := s.State(ctx, "bob")
	if bob.Active == nil || bob.Active.DeviceID != wins[0] {
		t.Fatalf("active slot should name the winning device %s: %+v", wins[0], bob.Active)
	}
}

func TestWatchRetriesLostRace(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	attempts := 0
	err := s.watch(ctx, func(tx *redis.Tx) error {
		attempts++
		if attempts == 1 {
			mr.Set("call:pending:bob", "changed underneath")
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "call:pending:bob", "mine", 0)
			return nil
		})
		return err
	}, "call:pending:bob")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected one retry, got %d attempts", attempts)
	}
	if got, _ := mr.Get("call:pending:bob"); got != "mine" {
		t.Fatalf("retried transaction should win, got %q", got)
	}
}

func TestWatchGivesUpUnderContention(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	attempts := 0
	err := s.watch(ctx, func(tx *redis.Tx) error {
		attempts++
		mr.Set("call:pending:bob", fmt.Sprintf("changed-%d", attempts))
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "call:pending:bob", "mine", 0)
			return nil
		})
		return err
	}, "call:pending:bob")
	if !errors.Is(err, ErrContention) {
		t.Fatalf("expected ErrContention, got %v", err)
	}
	if attempts != maxTxRetries {
		t.Fatalf("expected %d attempts, got %d", maxTxRetries, attempts)
	}
}

func TestDeclineClearsBothSides(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	offer(t, s, "call-1", "alice", "bob")
	call, err := s.Decline(ctx, "bob", "call-1")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if call.CallerID != "alice" {
		t.Fatalf("unexpected declined call %+v", call)
	}
	if mr.Exists("call:pending:bob") || mr.Exists("call:outgoing:alice") {
		t.Fatal("decline should clear pending and outgoing")
	}
	if _, err := s.Decline(ctx, "bob", "call-1"); !errors.Is(err, ErrNoPendingCall) {
		t.Fatalf("second decline: %v", err)
	}
}

func TestCancelByCaller(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	offer(t, s, "call-1", "alice", "bob")

	if _, err := s.Cancel(ctx, "carol", "call-1"); !errors.Is(err, ErrNoPendingCall) {
		t.Fatalf("only the caller may cancel, got %v", err)
	}
	call, err := s.Cancel(ctx, "alice", "call-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if call.CalleeID != "bob" {
		t.Fatalf("unexpected cancelled call %+v", call)
	}
	if mr.Exists("call:pending:bob") {
		t.Fatal("callee mailbox should be emptied")
	}
}

func TestEndRemovesBothActiveSlots(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	offer(t, s, "call-1", "alice", "bob")
	if _, err := s.Accept(ctx, "bob", "call-1", "bob-laptop"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if _, err := s.End(ctx, "alice", "call-2"); !errors.Is(err, ErrCallMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	slot, err := s.End(ctx, "alice", "call-1")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if slot.StartedAt.IsZero() {
		t.Fatal("ended slot should carry the start time")
	}
	if mr.Exists("call:active:alice") || mr.Exists("call:active:bob") {
		t.Fatal("both active slots should be gone")
	}
	if _, err := s.End(ctx, "bob", "call-1"); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("ending twice: %v", err)
	}
}

func TestHandoffMovesDevice(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	offer(t, s, "call-1", "alice", "bob")
	if _, err := s.Accept(ctx, "bob", "call-1", "bob-laptop"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	mr.FastForward(10 * time.Minute)

	moved, err := s.Handoff(ctx, "bob", "call-1", "bob-phone")
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if moved.DeviceID != "bob-phone" {
		t.Fatalf("device not updated: %+v", moved)
	}
	if ttl := mr.TTL("call:active:bob"); ttl > 50*time.Minute || ttl <= 0 {
		t.Fatalf("handoff should keep the remaining ttl, got %s", ttl)
	}

	state, err := s.State(ctx, "bob")
	if err != nil || state.Active == nil || state.Active.DeviceID != "bob-phone" {
		t.Fatalf("unexpected state after handoff: %+v err=%v", state, err)
	}

	if _, err := s.Handoff(ctx, "carol", "call-1", "x"); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("carol has no call, got %v", err)
	}
	if _, err := s.Handoff(ctx, "bob", "call-1", " "); !errors.Is(err, ErrInvalidCall) {
		t.Fatalf("blank device, got %v", err)
	}
}

func TestStateEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	state, err := s.State(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Pending != nil || state.Outgoing != nil || state.Active != nil {
		t.Fatalf("expected empty state, got %+v", state)
	}
}

func TestPeer(t *testing.T) {
	call := Call{CallerID: "alice", CalleeID: "bob"}
	if call.Peer("alice") != "bob" || call.Peer("bob") != "alice" {
		t.Fatal("Peer should return the other participant")
	}
}
