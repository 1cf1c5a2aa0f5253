package offline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageCacheURLs   = "CACHE_URLS"

	SyncTagMessages = "sync-messages"
)

// Message is a command posted by a page to the worker.
type Message struct {
	Type string   `json:"type"`
	URLs []string `json:"urls,omitempty"`
}

// HandleMessage applies a page command. Cache warming runs in the background;
// its failure is logged and never reaches the caller.
func (w *Worker) HandleMessage(_ context.Context, msg Message) error {
	w.log.Info("message received", zap.String("type", msg.Type), zap.Int("urls", len(msg.URLs)))

	switch msg.Type {
	case MessageSkipWaiting:
		w.SkipWaiting()
		return nil
	case MessageCacheURLs:
		urls := append([]string(nil), msg.URLs...)
		w.goBackground(func(ctx context.Context) {
			if err := w.CacheURLs(ctx, urls); err != nil {
				w.deps.metrics.observeWarmup("failed")
				w.log.Error("failed to cache urls", zap.Error(err))
				return
			}
			w.deps.metrics.observeWarmup("ok")
			w.log.Info("urls cached", zap.Int("urls", len(urls)))
		})
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// HandleSync accepts a background sync. No synchronization is performed yet;
// every tag resolves immediately.
func (w *Worker) HandleSync(_ context.Context, tag string) error {
	w.log.Info("background sync triggered", zap.String("tag", tag))
	return nil
}

// HandlePush shows a notification for a push payload. An empty payload gets
// the configured default text.
func (w *Worker) HandlePush(ctx context.Context, payload []byte) error {
	w.log.Info("push received", zap.Int("bytes", len(payload)))

	n := w.pushNotification(payload)
	if err := w.deps.Notifier.Show(ctx, n); err != nil {
		w.deps.metrics.observePush("failed")
		w.log.Error("show notification failed", zap.Error(err))
		return fmt.Errorf("show notification: %w", err)
	}
	w.deps.metrics.observePush("ok")
	return nil
}

func (w *Worker) pushNotification(payload []byte) Notification {
	nc := w.deps.Notifications
	body := nc.DefaultBody
	if payload != nil {
		body = string(payload)
	}
	return Notification{
		Tag:     w.gen.ID,
		Title:   nc.Title,
		Body:    body,
		Icon:    nc.Icon,
		Badge:   nc.Icon,
		Vibrate: []int{200, 100, 200},
		Data: NotificationData{
			DateOfArrival: time.Now().UnixMilli(),
			PrimaryKey:    1,
		},
	}
}

// HandleNotificationClick closes the notification and brings the root page
// of the scope to the front, opening it when no client shows it.
func (w *Worker) HandleNotificationClick(ctx context.Context, n Notification) error {
	w.log.Info("notification clicked", zap.String("tag", n.Tag))

	if err := w.deps.Notifier.Close(ctx, n); err != nil {
		w.log.Warn("close notification failed", zap.Error(err))
	}
	root, err := w.resolve("/")
	if err != nil {
		return err
	}
	c, opened := w.deps.Clients.OpenWindow(root.String(), w.gen.ID)
	w.log.Info("client focused", zap.String("client", c.ID), zap.Bool("opened", opened))
	return nil
}
