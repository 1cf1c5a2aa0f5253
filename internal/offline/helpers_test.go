package offline

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testOrigin = "http://app.test"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errOffline = errors.New("network unreachable")

// fakeFetcher answers from a table keyed by absolute URL. Unknown URLs fail
// like a dropped connection.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]Entry
	calls     []string
	gate      chan struct{}
	urlGates  map[string]chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: map[string]Entry{}}
}

func (f *fakeFetcher) set(rawURL string, ent Entry) {
	f.mu.Lock()
	f.responses[rawURL] = ent
	f.mu.Unlock()
}

func (f *fakeFetcher) remove(rawURL string) {
	f.mu.Lock()
	delete(f.responses, rawURL)
	f.mu.Unlock()
}

// hold makes every following fetch wait until the returned func is called.
func (f *fakeFetcher) hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// holdURL makes fetches of rawURL wait until the returned func is called.
func (f *fakeFetcher) holdURL(rawURL string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	if f.urlGates == nil {
		f.urlGates = map[string]chan struct{}{}
	}
	f.urlGates[rawURL] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeFetcher) fetched(rawURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.calls, rawURL)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) Fetch(ctx context.Context, r *http.Request) (Entry, error) {
	f.mu.Lock()
	f.calls = append(f.calls, r.URL.String())
	gate := f.gate
	if g, ok := f.urlGates[r.URL.String()]; ok {
		gate = g
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}

	f.mu.Lock()
	ent, ok := f.responses[r.URL.String()]
	f.mu.Unlock()
	if !ok {
		return Entry{}, errOffline
	}
	return ent.Clone(), nil
}

func page(status int, contentType, body string) Entry {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	return Entry{Status: status, Header: h, Body: []byte(body)}
}

// countingStorage counts every call made through the Storage interface.
type countingStorage struct {
	Storage
	calls atomic.Int32
}

func (c *countingStorage) Open(ctx context.Context, name string) (Store, error) {
	c.calls.Add(1)
	return c.Storage.Open(ctx, name)
}

func (c *countingStorage) Names(ctx context.Context) ([]string, error) {
	c.calls.Add(1)
	return c.Storage.Names(ctx)
}

func (c *countingStorage) Drop(ctx context.Context, name string) (bool, error) {
	c.calls.Add(1)
	return c.Storage.Drop(ctx, name)
}

func (c *countingStorage) Match(ctx context.Context, key string) (Entry, bool, error) {
	c.calls.Add(1)
	return c.Storage.Match(ctx, key)
}

// hookedStorage calls afterDrop once a store has been dropped.
type hookedStorage struct {
	Storage
	afterDrop func(name string)
}

func (h *hookedStorage) Drop(ctx context.Context, name string) (bool, error) {
	ok, err := h.Storage.Drop(ctx, name)
	if h.afterDrop != nil {
		h.afterDrop(name)
	}
	return ok, err
}

type recordingNotifier struct {
	mu     sync.Mutex
	shown  []Notification
	closed []Notification
	err    error
}

func (n *recordingNotifier) Show(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, note)
	return n.err
}

func (n *recordingNotifier) Close(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, note)
	return nil
}

func testScope(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(testOrigin + "/")
	require.NoError(t, err)
	return u
}

func newTestWorker(t *testing.T, cfg WorkerConfig, st Storage, f Fetcher) *Worker {
	t.Helper()
	w, err := NewWorker(cfg, WorkerDeps{Scope: testScope(t), Storage: st, Fetcher: f})
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

// seedAssets makes every path of cfg fetchable with a body naming the path
// and generation.
func seedAssets(f *fakeFetcher, gen string, paths ...string) {
	for _, p := range paths {
		ct := "text/plain"
		if p == "/" || p == "/index.html" {
			ct = "text/html"
		}
		f.set(testOrigin+p, page(http.StatusOK, ct, gen+" "+p))
	}
}

func getRequest(t *testing.T, rawURL, accept string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	if accept != "" {
		r.Header.Set("Accept", accept)
	}
	return r
}

func storedBody(t *testing.T, st Storage, store, rawURL string) (string, bool) {
	t.Helper()
	s, err := st.Open(context.Background(), store)
	require.NoError(t, err)
	ent, ok, err := s.Get(context.Background(), RequestKey(http.MethodGet, rawURL))
	require.NoError(t, err)
	return string(ent.Body), ok
}
