package offline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func eventWorker(t *testing.T, n Notifier, clients *Clients) *Worker {
	t.Helper()
	w, err := NewWorker(WorkerConfig{Generation: "v1"}, WorkerDeps{
		Scope:    testScope(t),
		Storage:  NewMemoryStorage(),
		Fetcher:  newFakeFetcher(),
		Notifier: n,
		Clients:  clients,

		Notifications: NotificationConfig{
			Title:       "TerapiaBot v2",
			DefaultBody: "New message from TerapiaBot",
			Icon:        "/icon-192x192.png",
		},
	})
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

func TestHandlePush(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		wantBody string
	}{
		{"default body", nil, "New message from TerapiaBot"},
		{"payload text", []byte("Your therapist replied"), "Your therapist replied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &recordingNotifier{}
			w := eventWorker(t, n, nil)
			before := time.Now().UnixMilli()

			require.NoError(t, w.HandlePush(context.Background(), tt.payload))

			require.Len(t, n.shown, 1)
			got := n.shown[0]
			assert.Equal(t, "TerapiaBot v2", got.Title)
			assert.Equal(t, tt.wantBody, got.Body)
			assert.Equal(t, "/icon-192x192.png", got.Icon)
			assert.Equal(t, "/icon-192x192.png", got.Badge)
			assert.Equal(t, []int{200, 100, 200}, got.Vibrate)
			assert.Equal(t, 1, got.Data.PrimaryKey)
			assert.GreaterOrEqual(t, got.Data.DateOfArrival, before)
		})
	}
}

func TestHandlePushNotifierFailure(t *testing.T) {
	boom := errors.New("smtp down")
	w := eventWorker(t, &recordingNotifier{err: boom}, nil)

	err := w.HandlePush(context.Background(), []byte("hi"))
	assert.ErrorIs(t, err, boom)
}

func TestHandleNotificationClick(t *testing.T) {
	n := &recordingNotifier{}
	clients := NewClients()
	w := eventWorker(t, n, clients)
	note := Notification{Tag: "v1", Title: "TerapiaBot v2"}

	require.NoError(t, w.HandleNotificationClick(context.Background(), note))
	list := clients.List()
	require.Len(t, list, 1)
	assert.Equal(t, testOrigin+"/", list[0].URL)
	assert.True(t, list[0].Focused)
	assert.Equal(t, "v1", list[0].Controller)
	assert.Len(t, n.closed, 1)

	require.NoError(t, w.HandleNotificationClick(context.Background(), note))
	assert.Len(t, clients.List(), 1)
}

func TestHandleSyncResolves(t *testing.T) {
	w := eventWorker(t, nil, nil)
	assert.NoError(t, w.HandleSync(context.Background(), SyncTagMessages))
	assert.NoError(t, w.HandleSync(context.Background(), "anything-else"))
}

func TestShoutrrrNotifier(t *testing.T) {
	n := NewNotifier([]string{"generic://one", "generic://two"}, zap.NewNop())
	var sent []string
	n.send = func(url, message string) error {
		sent = append(sent, url+" "+message)
		if url == "generic://two" {
			return errors.New("rejected")
		}
		return nil
	}

	err := n.Show(context.Background(), Notification{Title: "TerapiaBot v2", Body: "hello"})
	assert.ErrorContains(t, err, "rejected")
	assert.Equal(t, []string{
		"generic://one TerapiaBot v2: hello",
		"generic://two TerapiaBot v2: hello",
	}, sent)
}

func TestShoutrrrNotifierWithoutURLs(t *testing.T) {
	n := NewNotifier(nil, nil)
	n.send = func(string, string) error {
		t.Fatal("send must not be called")
		return nil
	}
	assert.NoError(t, n.Show(context.Background(), Notification{Title: "x"}))
	assert.NoError(t, n.Close(context.Background(), Notification{}))
}
