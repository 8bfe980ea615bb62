// Package presence tracks which users are online with one expiring Redis key
// per user. A user is online exactly while their key exists; expiry is the
// offline transition, so nothing sweeps stale entries.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"huddle/api/internal/metrics"
)

const (
	StatusOnline = "online"
	StatusAway   = "away"
	StatusBusy   = "busy"
)

var (
	ErrInvalidUser   = errors.New("presence: user id is required")
	ErrInvalidStatus = errors.New("presence: status must be online, away or busy")
)

// Status is the public view of one user's presence.
type Status struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	Status   string     `json:"status,omitempty"`
	DeviceID string     `json:"deviceId,omitempty"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type record struct {
	DeviceID string    `json:"deviceId"`
	Status   string    `json:"status"`
	SeenAt   time.Time `json:"seenAt"`
}

type Store struct {
	client redis.Cmdable
	ttl    time.Duration
	now    func() time.Time
}

func NewStore(client redis.Cmdable, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Store{client: client, ttl: ttl, now: time.Now}
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

func presenceKey(userID string) string { return "presence:" + userID }
func lastSeenKey(userID string) string { return "lastseen:" + userID }

// NormalizeStatus maps the empty status to online and rejects unknown values.
func NormalizeStatus(status string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", StatusOnline:
		return StatusOnline, nil
	case StatusAway:
		return StatusAway, nil
	case StatusBusy:
		return StatusBusy, nil
	default:
		return "", ErrInvalidStatus
	}
}

// Heartbeat refreshes the user's presence key. cameOnline is true when the
// user had no live key or their status changed.
func (s *Store) Heartbeat(ctx context.Context, userID, deviceID, status string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, ErrInvalidUser
	}
	status, err := NormalizeStatus(status)
	if err != nil {
		return false, err
	}

	now := s.now().UTC()
	payload, err := json.Marshal(record{DeviceID: deviceID, Status: status, SeenAt: now})
	if err != nil {
		return false, fmt.Errorf("marshal presence: %w", err)
	}

	var prev *redis.StringCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		prev = pipe.Get(ctx, presenceKey(userID))
		pipe.Set(ctx, presenceKey(userID), payload, s.ttl)
		pipe.Set(ctx, lastSeenKey(userID), now.UnixMilli(), 0)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("presence heartbeat: %w", err)
	}

	cameOnline := true
	if raw, err := prev.Bytes(); err == nil {
		var old record
		if json.Unmarshal(raw, &old) == nil && old.Status == status {
			cameOnline = false
		}
	}

	if cameOnline {
		metrics.PresenceHeartbeats.WithLabelValues("online").Inc()
	} else {
		metrics.PresenceHeartbeats.WithLabelValues("refresh").Inc()
	}
	return cameOnline, nil
}

// Clear marks the user offline immediately and reports whether they were online.
func (s *Store) Clear(ctx context.Context, userID string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, ErrInvalidUser
	}

	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, presenceKey(userID))
		pipe.Set(ctx, lastSeenKey(userID), s.now().UTC().UnixMilli(), 0)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("clear presence: %w", err)
	}
	return del.Val() > 0, nil
}

func (s *Store) Get(ctx context.Context, userID string) (Status, error) {
	if strings.TrimSpace(userID) == "" {
		return Status{}, ErrInvalidUser
	}
	statuses, err := s.GetMany(ctx, []string{userID})
	if err != nil {
		return Status{}, err
	}
	return statuses[0], nil
}

// GetMany resolves presence for several users in one round trip. Duplicates
// are collapsed and the first-seen order is kept.
func (s *Store) GetMany(ctx context.Context, userIDs []string) ([]Status, error) {
	ids := dedupe(userIDs)
	if len(ids) == 0 {
		return []Status{}, nil
	}

	presenceCmds := make([]*redis.StringCmd, len(ids))
	lastSeenCmds := make([]*redis.StringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			presenceCmds[i] = pipe.Get(ctx, presenceKey(id))
			lastSeenCmds[i] = pipe.Get(ctx, lastSeenKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read presence: %w", err)
	}

	out := make([]Status, len(ids))
	for i, id := range ids {
		st := Status{UserID: id}
		if raw, err := presenceCmds[i].Bytes(); err == nil {
			var rec record
			if err := json.Unmarshal(raw, &rec); err == nil {
				st.Online = true
				st.Status = rec.Status
				st.DeviceID = rec.DeviceID
				seen := rec.SeenAt
				st.LastSeen = &seen
			}
		}
		if !st.Online {
			if raw, err := lastSeenCmds[i].Result(); err == nil {
				if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
					seen := time.UnixMilli(ms).UTC()
					st.LastSeen = &seen
				}
			}
		}
		out[i] = st
	}
	return out, nil
}

// OnlineSet returns the subset of userIDs that are currently online.
func (s *Store) OnlineSet(ctx context.Context, userIDs []string) (map[string]bool, error) {
	statuses, err := s.GetMany(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	online := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		if st.Online {
			online[st.UserID] = true
		}
	}
	return online, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
