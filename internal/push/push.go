// Package push delivers Web Push notifications to the browsers a user has
// registered, signing each request with the server's VAPID keys.
package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"huddle/api/internal/logging"
	"huddle/api/internal/metrics"
	"huddle/api/internal/store"
)

// ErrGone means the push service no longer knows the subscription.
var ErrGone = errors.New("push: subscription expired or unsubscribed")

var ErrInvalidSubscription = errors.New("push: endpoint, p256dh and auth are required")

type Notification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	URL   string         `json:"url,omitempty"`
	Tag   string         `json:"tag,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Report summarises one NotifyUser fan-out.
type Report struct {
	Sent    int `json:"sent"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

type SubscriptionStore interface {
	ListPushSubscriptions(ctx context.Context, userID string) ([]store.PushSubscription, error)
	UpsertPushSubscription(ctx context.Context, sub store.PushSubscription) error
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
}

// Sender performs a single delivery.
type Sender interface {
	Send(ctx context.Context, sub store.PushSubscription, payload []byte) error
}

type Config struct {
	PublicKey        string
	PrivateKey       string
	Subject          string
	TTL              time.Duration
	Concurrency      int
	BreakerFailures  uint32
	BreakerOpenDelay time.Duration
}

func (c Config) Enabled() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

type Notifier struct {
	store       SubscriptionStore
	sender      Sender
	publicKey   string
	enabled     bool
	concurrency int
	breaker     *gobreaker.CircuitBreaker[struct{}]
}

// NewNotifier builds a notifier. A nil sender selects VAPID delivery over
// HTTP using cfg's keys.
func NewNotifier(subs SubscriptionStore, sender Sender, cfg Config) *Notifier {
	if sender == nil {
		sender = NewVAPIDSender(cfg, nil)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenDelay <= 0 {
		cfg.BreakerOpenDelay = 30 * time.Second
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "web-push",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// ErrGone does not count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrGone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("push circuit breaker state change")
		},
	})

	return &Notifier{
		store:       subs,
		sender:      sender,
		publicKey:   cfg.PublicKey,
		enabled:     cfg.Enabled(),
		concurrency: cfg.Concurrency,
		breaker:     breaker,
	}
}

func (n *Notifier) Enabled() bool {
	return n.enabled
}

// PublicKey is handed to browsers as the applicationServerKey.
func (n *Notifier) PublicKey() string {
	return n.publicKey
}

func (n *Notifier) Subscribe(ctx context.Context, sub store.PushSubscription) error {
	sub.Endpoint = strings.TrimSpace(sub.Endpoint)
	if sub.UserID == "" || sub.Endpoint == "" || sub.P256dh == "" || sub.Auth == "" {
		return ErrInvalidSubscription
	}
	if !strings.HasPrefix(sub.Endpoint, "https://") {
		return fmt.Errorf("%w: endpoint must be https", ErrInvalidSubscription)
	}
	return n.store.UpsertPushSubscription(ctx, sub)
}

func (n *Notifier) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return n.store.DeletePushSubscription(ctx, userID, strings.TrimSpace(endpoint))
}

// NotifyUser sends note to every subscription of userID. Individual failures
// are logged and counted, never returned; only a failed subscription lookup
// is an error.
func (n *Notifier) NotifyUser(ctx context.Context, userID string, note Notification) (Report, error) {
	if !n.enabled {
		return Report{}, nil
	}

	subs, err := n.store.ListPushSubscriptions(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("load push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return Report{}, nil
	}

	payload, err := json.Marshal(note)
	if err != nil {
		return Report{}, fmt.Errorf("marshal notification: %w", err)
	}

	var sent, removed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.concurrency)
	for _, sub := range subs {
		g.Go(func() error {
			_, err := n.breaker.Execute(func() (struct{}, error) {
				return struct{}{}, n.sender.Send(gctx, sub, payload)
			})
			switch {
			case err == nil:
				sent.Add(1)
				metrics.PushDeliveries.WithLabelValues("sent").Inc()
			case errors.Is(err, ErrGone):
				if delErr := n.store.DeletePushSubscription(gctx, sub.UserID, sub.Endpoint); delErr != nil {
					logging.Warn().Err(delErr).Str("user_id", sub.UserID).Msg("remove expired push subscription")
				}
				removed.Add(1)
				metrics.PushDeliveries.WithLabelValues("gone").Inc()
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				failed.Add(1)
				metrics.PushDeliveries.WithLabelValues("rejected").Inc()
			default:
				failed.Add(1)
				metrics.PushDeliveries.WithLabelValues("failed").Inc()
				logging.Warn().Err(err).Str("user_id", sub.UserID).Msg("web push delivery failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	return Report{Sent: int(sent.Load()), Removed: int(removed.Load()), Failed: int(failed.Load())}, nil
}

// StatusError is a non-success answer from a push service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push service returned %d: %s", e.StatusCode, e.Body)
}

// VAPIDSender posts encrypted payloads with webpush-go.
type VAPIDSender struct {
	options webpush.Options
}

func NewVAPIDSender(cfg Config, client *http.Client) *VAPIDSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := int(cfg.TTL.Seconds())
	if ttl <= 0 {
		ttl = 60
	}
	return &VAPIDSender{
		options: webpush.Options{
			HTTPClient:      client,
			Subscriber:      cfg.Subject,
			VAPIDPublicKey:  cfg.PublicKey,
			VAPIDPrivateKey: cfg.PrivateKey,
			TTL:             ttl,
			Urgency:         webpush.UrgencyHigh,
		},
	}
}

func (s *VAPIDSender) Send(ctx context.Context, sub store.PushSubscription, payload []byte) error {
	opts := s.options
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{Auth: sub.Auth, P256dh: sub.P256dh},
	}, &opts)
	if err != nil {
		return fmt.Errorf("send web push: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrGone
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}
