package realtime

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TypingPayload is the body of a typing event.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
}

// Typing stores who is typing in each conversation as a sorted set scored
// by expiry, and announces changes on the conversation channel.
type Typing struct {
	client    redis.Cmdable
	publisher Publisher
	ttl       time.Duration
	now       func() time.Time
}

func NewTyping(client redis.Cmdable, publisher Publisher, ttl time.Duration) *Typing {
	if ttl <= 0 {
		ttl = 6 * time.Second
	}
	return &Typing{client: client, publisher: publisher, ttl: ttl, now: time.Now}
}

func typingKey(conversationID string) string {
	return "typing:" + conversationID
}

// Set records or clears userID's typing flag and fans the change out to
// everyone on the conversation except the sending socket.
func (t *Typing) Set(ctx context.Context, conversationID, userID, socketID string, on bool) error {
	key := typingKey(conversationID)
	now := t.now()
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if on {
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Add(t.ttl).UnixMilli()), Member: userID})
			pipe.PExpire(ctx, key, 2*t.ttl)
		} else {
			pipe.ZRem(ctx, key, userID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update typing: %w", err)
	}

	if t.publisher == nil {
		return nil
	}
	return t.publisher.Trigger(ctx, ConversationChannel(conversationID), EventTyping, TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         on,
	}, socketID)
}

// Clear drops userID's typing flag without publishing an event.
func (t *Typing) Clear(ctx context.Context, conversationID, userID string) error {
	if err := t.client.ZRem(ctx, typingKey(conversationID), userID).Err(); err != nil {
		return fmt.Errorf("clear typing: %w", err)
	}
	return nil
}

// Typers prunes expired entries and returns the users still typing.
func (t *Typing) Typers(ctx context.Context, conversationID string) ([]string, error) {
	key := typingKey(conversationID)
	nowMS := strconv.FormatInt(t.now().UnixMilli(), 10)

	var live *redis.StringSliceCmd
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", nowMS)
		live = pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + nowMS, Max: "+inf"})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read typing: %w", err)
	}
	users := live.Val()
	if users == nil {
		users = []string{}
	}
	return users, nil
}
