// Package calls keeps call signalling state in Redis.
//
// Each callee has a single-slot pending mailbox that expires after the ring
// timeout. The caller gets a matching outgoing slot so a cancel can find the
// callee. Once answered, both parties hold an active slot naming the device
// that carries the call, which is what handoff rewrites.
package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"huddle/api/internal/metrics"
)

const (
	MediaAudio = "audio"
	MediaVideo = "video"

	maxTxRetries = 8
)

var (
	ErrInvalidCall   = errors.New("calls: caller, callee and media are required")
	ErrSelfCall      = errors.New("calls: cannot call yourself")
	ErrBusy          = errors.New("calls: participant is already in a call")
	ErrNoPendingCall = errors.New("calls: no pending call")
	ErrNoActiveCall  = errors.New("calls: no active call")
	ErrCallMismatch  = errors.New("calls: slot holds a different call")
	ErrContention    = errors.New("calls: too much contention, retry")
)

type Call struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId,omitempty"`
	CallerID       string    `json:"callerId"`
	CalleeID       string    `json:"calleeId"`
	Media          string    `json:"media"`
	CallerDeviceID string    `json:"callerDeviceId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Peer returns the other participant from userID's point of view.
func (c Call) Peer(userID string) string {
	if userID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

type ActiveCall struct {
	Call      Call      `json:"call"`
	DeviceID  string    `json:"deviceId"`
	StartedAt time.Time `json:"startedAt"`
}

// CallState is what a device needs to reconcile its UI after reconnecting.
type CallState struct {
	Pending  *Call       `json:"pending"`
	Outgoing *Call       `json:"outgoing"`
	Active   *ActiveCall `json:"active"`
}

type Store struct {
	client      redis.UniversalClient
	ringTimeout time.Duration
	maxDuration time.Duration
	now         func() time.Time
}

func NewStore(client redis.UniversalClient, ringTimeout, maxDuration time.Duration) *Store {
	if ringTimeout <= 0 {
		ringTimeout = 45 * time.Second
	}
	if maxDuration <= 0 {
		maxDuration = 4 * time.Hour
	}
	return &Store{client: client, ringTimeout: ringTimeout, maxDuration: maxDuration, now: time.Now}
}

func pendingKey(userID string) string  { return "call:pending:" + userID }
func outgoingKey(userID string) string { return "call:outgoing:" + userID }
func activeKey(userID string) string   { return "call:active:" + userID }

// Offer rings the callee. Neither party may be ringing, dialing or in an
// active call.
func (s *Store) Offer(ctx context.Context, call Call) (Call, error) {
	call.Media = strings.ToLower(strings.TrimSpace(call.Media))
	if call.ID == "" || call.CallerID == "" || call.CalleeID == "" {
		return Call{}, ErrInvalidCall
	}
	if call.Media != MediaAudio && call.Media != MediaVideo {
		return Call{}, ErrInvalidCall
	}
	if call.CallerID == call.CalleeID {
		return Call{}, ErrSelfCall
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = s.now().UTC()
	}

	payload, err := json.Marshal(call)
	if err != nil {
		return Call{}, fmt.Errorf("marshal call: %w", err)
	}

	keys := []string{
		pendingKey(call.CalleeID), outgoingKey(call.CalleeID), activeKey(call.CalleeID),
		pendingKey(call.CallerID), outgoingKey(call.CallerID), activeKey(call.CallerID),
	}
	err = s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, keys...).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrBusy
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetNX(ctx, pendingKey(call.CalleeID), payload, s.ringTimeout)
			pipe.Set(ctx, outgoingKey(call.CallerID), payload, s.ringTimeout)
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return Call{}, err
	}

	metrics.CallTransitions.WithLabelValues("offer").Inc()
	return call, nil
}

// Pending returns the call ringing for calleeID, or nil.
func (s *Store) Pending(ctx context.Context, calleeID string) (*Call, error) {
	var call Call
	ok, err := getJSON(ctx, s.client, pendingKey(calleeID), &call)
	if err != nil || !ok {
		return nil, err
	}
	return &call, nil
}

// Accept answers the pending call on deviceID and opens active slots for
// both parties. It fails with ErrBusy when either party already holds an
// active call.
func (s *Store) Accept(ctx context.Context, calleeID, callID, deviceID string) (Call, error) {
	var accepted Call
	err := s.watch(ctx, func(tx *redis.Tx) error {
		call, err := claimSlot(ctx, tx, pendingKey(calleeID), callID, ErrNoPendingCall)
		if err != nil {
			return err
		}
		if err := tx.Watch(ctx, activeKey(call.CallerID)).Err(); err != nil {
			return err
		}
		n, err := tx.Exists(ctx, activeKey(calleeID), activeKey(call.CallerID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrBusy
		}

		now := s.now().UTC()
		calleeSlot, err := json.Marshal(ActiveCall{Call: call, DeviceID: deviceID, StartedAt: now})
		if err != nil {
			return err
		}
		callerSlot, err := json.Marshal(ActiveCall{Call: call, DeviceID: call.CallerDeviceID, StartedAt: now})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, pendingKey(calleeID), outgoingKey(call.CallerID))
			pipe.Set(ctx, activeKey(calleeID), calleeSlot, s.maxDuration)
			pipe.Set(ctx, activeKey(call.CallerID), callerSlot, s.maxDuration)
			return nil
		})
		accepted = call
		return err
	}, pendingKey(calleeID), activeKey(calleeID))
	if err != nil {
		return Call{}, err
	}

	metrics.CallTransitions.WithLabelValues("accept").Inc()
	return accepted, nil
}

// Decline rejects the pending call without answering it.
func (s *Store) Decline(ctx context.Context, calleeID, callID string) (Call, error) {
	var declined Call
	err := s.watch(ctx, func(tx *redis.Tx) error {
		call, err := claimSlot(ctx, tx, pendingKey(calleeID), callID, ErrNoPendingCall)
		if err != nil {
			return err
		}
		if err := tx.Watch(ctx, outgoingKey(call.CallerID)).Err(); err != nil {
			return err
		}
		var outgoing Call
		ownsOutgoing, err := getJSON(ctx, tx, outgoingKey(call.CallerID), &outgoing)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, pendingKey(calleeID))
			if ownsOutgoing && outgoing.ID == callID {
				pipe.Del(ctx, outgoingKey(call.CallerID))
			}
			return nil
		})
		declined = call
		return err
	}, pendingKey(calleeID))
	if err != nil {
		return Call{}, err
	}

	metrics.CallTransitions.WithLabelValues("decline").Inc()
	return declined, nil
}

// Cancel withdraws a call the caller placed before it was answered.
func (s *Store) Cancel(ctx context.Context, callerID, callID string) (Call, error) {
	var cancelled Call
	err := s.watch(ctx, func(tx *redis.Tx) error {
		call, err := claimSlot(ctx, tx, outgoingKey(callerID), callID, ErrNoPendingCall)
		if err != nil {
			return err
		}
		if err := tx.Watch(ctx, pendingKey(call.CalleeID)).Err(); err != nil {
			return err
		}
		var pending Call
		ringing, err := getJSON(ctx, tx, pendingKey(call.CalleeID), &pending)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, outgoingKey(callerID))
			if ringing && pending.ID == callID && pending.CallerID == callerID {
				pipe.Del(ctx, pendingKey(call.CalleeID))
			}
			return nil
		})
		cancelled = call
		return err
	}, outgoingKey(callerID))
	if err != nil {
		return Call{}, err
	}

	metrics.CallTransitions.WithLabelValues("cancel").Inc()
	return cancelled, nil
}

// End hangs up an answered call for both parties and returns the ending
// user's slot, which carries the start time.
func (s *Store) End(ctx context.Context, userID, callID string) (ActiveCall, error) {
	var ended ActiveCall
	err := s.watch(ctx, func(tx *redis.Tx) error {
		slot, err := claimActive(ctx, tx, userID, callID)
		if err != nil {
			return err
		}
		peer := slot.Call.Peer(userID)
		if err := tx.Watch(ctx, activeKey(peer)).Err(); err != nil {
			return err
		}
		var peerSlot ActiveCall
		peerActive, err := getJSON(ctx, tx, activeKey(peer), &peerSlot)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, activeKey(userID))
			if peerActive && peerSlot.Call.ID == callID {
				pipe.Del(ctx, activeKey(peer))
			}
			return nil
		})
		ended = slot
		return err
	}, activeKey(userID))
	if err != nil {
		return ActiveCall{}, err
	}

	metrics.CallTransitions.WithLabelValues("end").Inc()
	return ended, nil
}

// Handoff moves the user's side of an active call to another device.
func (s *Store) Handoff(ctx context.Context, userID, callID, deviceID string) (ActiveCall, error) {
	if strings.TrimSpace(deviceID) == "" {
		return ActiveCall{}, ErrInvalidCall
	}
	var moved ActiveCall
	err := s.watch(ctx, func(tx *redis.Tx) error {
		slot, err := claimActive(ctx, tx, userID, callID)
		if err != nil {
			return err
		}
		ttl, err := tx.PTTL(ctx, activeKey(userID)).Result()
		if err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = s.maxDuration
		}

		slot.DeviceID = deviceID
		payload, err := json.Marshal(slot)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, activeKey(userID), payload, ttl)
			return nil
		})
		moved = slot
		return err
	}, activeKey(userID))
	if err != nil {
		return ActiveCall{}, err
	}

	metrics.CallTransitions.WithLabelValues("handoff").Inc()
	return moved, nil
}

// State snapshots every call slot belonging to userID.
func (s *Store) State(ctx context.Context, userID string) (CallState, error) {
	var pending, outgoing, active *redis.StringCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.Get(ctx, pendingKey(userID))
		outgoing = pipe.Get(ctx, outgoingKey(userID))
		active = pipe.Get(ctx, activeKey(userID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return CallState{}, fmt.Errorf("read call state: %w", err)
	}

	var state CallState
	if raw, err := pending.Bytes(); err == nil {
		var call Call
		if json.Unmarshal(raw, &call) == nil {
			state.Pending = &call
		}
	}
	if raw, err := outgoing.Bytes(); err == nil {
		var call Call
		if json.Unmarshal(raw, &call) == nil {
			state.Outgoing = &call
		}
	}
	if raw, err := active.Bytes(); err == nil {
		var slot ActiveCall
		if json.Unmarshal(raw, &slot) == nil {
			state.Active = &slot
		}
	}
	return state, nil
}

func (s *Store) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrContention
}

// claimSlot reads a Call slot and checks it holds callID.
func claimSlot(ctx context.Context, tx *redis.Tx, key, callID string, missing error) (Call, error) {
	var call Call
	ok, err := getJSON(ctx, tx, key, &call)
	if err != nil {
		return Call{}, err
	}
	if !ok {
		return Call{}, missing
	}
	if call.ID != callID {
		return Call{}, ErrCallMismatch
	}
	return call, nil
}

func claimActive(ctx context.Context, tx *redis.Tx, userID, callID string) (ActiveCall, error) {
	var slot ActiveCall
	ok, err := getJSON(ctx, tx, activeKey(userID), &slot)
	if err != nil {
		return ActiveCall{}, err
	}
	if !ok {
		return ActiveCall{}, ErrNoActiveCall
	}
	if slot.Call.ID != callID {
		return ActiveCall{}, ErrCallMismatch
	}
	return slot, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON(ctx context.Context, c getter, key string, dst any) (bool, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
