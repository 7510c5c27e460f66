package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// GmailNotification is the payload Gmail publishes on a mailbox change.
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// PushWatcher turns Gmail Pub/Sub notifications into wake-ups for the
// pollers of the matching accounts. Polling on a ticker still runs; a push
// only makes the next poll happen sooner.
type PushWatcher struct {
	client  *pubsub.Client
	topic   string
	subName string
	log     *zap.Logger

	mu            sync.Mutex
	wake          map[string]chan struct{}
	lastHistoryID map[string]uint64
}

// NewPushWatcher returns a PushWatcher on the given Pub/Sub topic.
func NewPushWatcher(client *pubsub.Client, topic string, log *zap.Logger) *PushWatcher {
	return &PushWatcher{
		client:        client,
		topic:         topic,
		subName:       topic + "-sub", // Convention: topic-sub
		log:           log.Named("pubsub"),
		wake:          make(map[string]chan struct{}),
		lastHistoryID: make(map[string]uint64),
	}
}

// Register returns the wake channel of address. Wake-ups coalesce: a
// channel holds at most one pending signal.
func (w *PushWatcher) Register(address string) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := strings.ToLower(address)
	ch, ok := w.wake[key]
	if !ok {
		ch = make(chan struct{}, 1)
		w.wake[key] = ch
	}
	return ch
}

// Run receives notifications until ctx is cancelled. The subscription is
// created when missing.
func (w *PushWatcher) Run(ctx context.Context) error {
	sub := w.client.Subscription(w.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check subscription %s: %w", w.subName, err)
	}
	if !exists {
		topic := w.client.Topic(w.topic)
		topicExists, err := topic.Exists(ctx)
		if err != nil {
			return fmt.Errorf("failed to check topic %s: %w", w.topic, err)
		}
		if !topicExists {
			return fmt.Errorf("topic %s does not exist, cannot create subscription", w.topic)
		}
		sub, err = w.client.CreateSubscription(ctx, w.subName, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 10 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to create subscription %s: %w", w.subName, err)
		}
		w.log.Info("created subscription", zap.String("subscription", w.subName))
	}

	w.log.Info("listening", zap.String("subscription", w.subName))
	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		w.handle(msg.Data)
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to receive from %s: %w", w.subName, err)
	}
	return nil
}

// handle reports whether data woke a poller.
func (w *PushWatcher) handle(data []byte) bool {
	var n GmailNotification
	if err := json.Unmarshal(data, &n); err != nil {
		w.log.Warn("failed to unmarshal notification", zap.Error(err))
		return false
	}
	key := strings.ToLower(n.EmailAddress)

	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.wake[key]
	if !ok {
		w.log.Debug("notification for unknown account", zap.String("address", n.EmailAddress))
		return false
	}
	// Pub/Sub redelivers; an older history id adds nothing.
	if n.HistoryID != 0 && n.HistoryID <= w.lastHistoryID[key] {
		return false
	}
	w.lastHistoryID[key] = n.HistoryID

	select {
	case ch <- struct{}{}:
	default:
	}
	w.log.Debug("woke poller", zap.String("address", key), zap.Uint64("history_id", n.HistoryID))
	return true
}
