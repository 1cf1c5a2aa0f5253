package offline

import (
	"context"
	"errors"
	"fmt"

	"github.com/nicholas-fedor/shoutrrr"
	"go.uber.org/zap"
)

type Notification struct {
	Tag     string           `json:"tag,omitempty"`
	Title   string           `json:"title"`
	Body    string           `json:"body"`
	Icon    string           `json:"icon,omitempty"`
	Badge   string           `json:"badge,omitempty"`
	Vibrate []int            `json:"vibrate,omitempty"`
	Data    NotificationData `json:"data"`
}

type NotificationData struct {
	DateOfArrival int64 `json:"dateOfArrival"`
	PrimaryKey    int   `json:"primaryKey"`
}

// Notifier displays notifications to the user.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, n Notification) error
}

// ShoutrrrNotifier delivers notifications to every configured shoutrrr
// service URL. Without URLs it only logs them.
type ShoutrrrNotifier struct {
	urls []string
	log  *zap.Logger
	send func(url, message string) error
}

func NewNotifier(urls []string, log *zap.Logger) *ShoutrrrNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &ShoutrrrNotifier{
		urls: append([]string(nil), urls...),
		log:  log.Named("notifier"),
		send: shoutrrr.Send,
	}
}

func (n *ShoutrrrNotifier) Show(ctx context.Context, note Notification) error {
	msg := note.Title
	if note.Body != "" {
		msg = fmt.Sprintf("%s: %s", note.Title, note.Body)
	}
	if len(n.urls) == 0 {
		n.log.Info("notification", zap.String("title", note.Title), zap.String("body", note.Body))
		return nil
	}
	var errs []error
	for _, u := range n.urls {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.send(u, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op: delivered messages cannot be withdrawn.
func (n *ShoutrrrNotifier) Close(context.Context, Notification) error {
	return nil
}
