package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

const unavailableBody = "Offline - Content not available"

var ErrUnknownMessage = errors.New("unknown message type")

// WorkerDeps are the capabilities a worker runs against. Storage and Fetcher
// are required.
type WorkerDeps struct {
	Scope    *url.URL
	Storage  Storage
	Fetcher  Fetcher
	Notifier Notifier
	Clients  *Clients
	Logger   *zap.Logger

	Notifications NotificationConfig

	// Timeout bounds each background revalidation.
	Timeout time.Duration
	// BackgroundLimit caps concurrent background revalidations.
	BackgroundLimit int

	metrics *metrics
}

// Worker is one generation of the caching proxy. Each lifecycle event the
// hosting Registration dispatches has its own method.
type Worker struct {
	cfg  WorkerConfig
	gen  Generation
	deps WorkerDeps
	log  *zap.Logger

	excluded map[string]struct{}

	// retireMu is held for writing while the worker turns redundant and for
	// reading across every runtime write, so no write lands after retirement.
	retireMu sync.RWMutex

	mu            sync.Mutex
	state         State
	skipWaiting   bool
	onSkipWaiting func(*Worker)

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgSem    chan struct{}
	wg       sync.WaitGroup

	saturatedLog *rateLimitedLogger
}

func NewWorker(cfg WorkerConfig, deps WorkerDeps) (*Worker, error) {
	if deps.Storage == nil || deps.Fetcher == nil {
		return nil, fmt.Errorf("worker: storage and fetcher are required")
	}
	if deps.Scope == nil || !deps.Scope.IsAbs() {
		return nil, fmt.Errorf("worker: absolute scope url is required")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clients == nil {
		deps.Clients = NewClients()
	}
	if deps.Notifier == nil {
		deps.Notifier = NewNotifier(nil, deps.Logger)
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 30 * time.Second
	}
	if deps.BackgroundLimit <= 0 {
		deps.BackgroundLimit = 32
	}

	gen := Generation{ID: cfg.Generation, Prefix: cfg.Prefix}
	log := deps.Logger.Named("worker").With(zap.String("generation", gen.ID))
	excluded := make(map[string]struct{}, len(cfg.ExcludedHosts))
	for _, h := range cfg.ExcludedHosts {
		if h != "" {
			excluded[h] = struct{}{}
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:          cfg,
		gen:          gen,
		deps:         deps,
		log:          log,
		excluded:     excluded,
		state:        StateParsed,
		bgCtx:        ctx,
		bgCancel:     cancel,
		bgSem:        make(chan struct{}, deps.BackgroundLimit),
		saturatedLog: newRateLimitedLogger(log, time.Minute),
	}, nil
}

func (w *Worker) Generation() Generation { return w.gen }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// SkipWaiting asks the registration to activate this worker without waiting
// for the clients of the previous one to go away.
func (w *Worker) SkipWaiting() {
	w.mu.Lock()
	w.skipWaiting = true
	cb := w.onSkipWaiting
	w.mu.Unlock()
	if cb != nil {
		cb(w)
	}
}

// waitForSkip registers cb for a later SkipWaiting. It reports true instead
// when skipping was already requested.
func (w *Worker) waitForSkip(cb func(*Worker)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.skipWaiting {
		return true
	}
	w.onSkipWaiting = cb
	return false
}

// Stop cancels background work and waits for it.
func (w *Worker) Stop() {
	w.bgCancel()
	w.wg.Wait()
}

func (w *Worker) markRedundant() {
	w.retireMu.Lock()
	defer w.retireMu.Unlock()
	w.mu.Lock()
	w.state = StateRedundant
	w.onSkipWaiting = nil
	w.mu.Unlock()
}

// Install precaches every asset of the generation. Entries written before a
// failing fetch are kept, but the install as a whole fails.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	w.log.Info("installing")

	store, err := w.deps.Storage.Open(ctx, w.gen.PrecacheName())
	if err != nil {
		w.markRedundant()
		w.deps.metrics.observePrecache(w.gen.ID, "failed")
		w.log.Error("installation failed", zap.Error(err))
		return fmt.Errorf("open %s: %w", w.gen.PrecacheName(), err)
	}

	w.log.Info("caching core assets", zap.Int("assets", len(w.cfg.Precache)))
	if err := w.addAll(ctx, store.Put, w.cfg.Precache); err != nil {
		w.markRedundant()
		w.deps.metrics.observePrecache(w.gen.ID, "failed")
		w.log.Error("installation failed", zap.Error(err))
		return fmt.Errorf("precache: %w", err)
	}

	w.setState(StateInstalled)
	w.deps.metrics.observePrecache(w.gen.ID, "ok")
	w.log.Info("installation complete")
	w.SkipWaiting()
	return nil
}

// Activate deletes every store outside the current generation and claims all
// open clients.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	w.log.Info("activating")

	dropped, err := PruneStores(ctx, w.deps.Storage, w.gen)
	for _, name := range dropped {
		w.log.Info("deleted old cache", zap.String("store", name))
	}
	w.deps.metrics.observeDropped(len(dropped))
	if err != nil {
		w.log.Error("cache cleanup failed", zap.Error(err))
	}

	w.setState(StateActivated)
	claimed := w.deps.Clients.Claim(w.gen.ID)
	w.log.Info("activation complete", zap.Int("clients", claimed))
	return err
}

// HandleFetch decides how to answer r, which must carry an absolute URL.
// OutcomePassthrough means the request was not intercepted and the caller
// should forward it untouched.
func (w *Worker) HandleFetch(ctx context.Context, r *http.Request) (Entry, Outcome, error) {
	if r.Method != http.MethodGet {
		return Entry{}, OutcomePassthrough, nil
	}
	if r.URL.Scheme != "http" && r.URL.Scheme != "https" {
		return Entry{}, OutcomePassthrough, nil
	}

	if _, ok := w.excluded[strings.ToLower(r.URL.Hostname())]; ok {
		w.deps.metrics.observeFetch(OutcomeNetworkOnly)
		ent, err := w.deps.Fetcher.Fetch(ctx, r)
		if err != nil {
			return Entry{}, OutcomeNetworkOnly, fmt.Errorf("fetch %s: %w", r.URL, err)
		}
		return ent, OutcomeNetworkOnly, nil
	}

	key := RequestKey(r.Method, r.URL.String())
	ent, ok, err := w.deps.Storage.Match(ctx, key)
	if err != nil {
		w.log.Warn("cache lookup failed", zap.String("url", r.URL.String()), zap.Error(err))
	}
	if ok {
		removeClientState(ent.Header)
		w.log.Debug("serving from cache", zap.String("url", r.URL.String()))
		w.revalidateAsync(key, r)
		w.deps.metrics.observeFetch(OutcomeHit)
		return ent, OutcomeHit, nil
	}

	w.log.Debug("fetching from network", zap.String("url", r.URL.String()))
	ent, err = w.deps.Fetcher.Fetch(ctx, r)
	if err != nil {
		w.log.Warn("fetch failed", zap.String("url", r.URL.String()), zap.Error(err))
		fallback, outcome := w.offlineResponse(ctx, r)
		w.deps.metrics.observeFetch(outcome)
		return fallback, outcome, nil
	}
	if ent.Status != http.StatusOK {
		w.deps.metrics.observeFetch(OutcomeUncached)
		return ent, OutcomeUncached, nil
	}

	removeClientState(ent.Header)
	if err := w.putRuntime(ctx, key, ent); err != nil {
		w.log.Warn("runtime cache write failed", zap.String("url", r.URL.String()), zap.Error(err))
	}
	w.deps.metrics.observeFetch(OutcomeMiss)
	return ent, OutcomeMiss, nil
}

func (w *Worker) offlineResponse(ctx context.Context, r *http.Request) (Entry, Outcome) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		fallback, err := w.resolve(w.cfg.Fallback)
		if err == nil {
			ent, ok, err := w.deps.Storage.Match(ctx, RequestKey(http.MethodGet, fallback.String()))
			if err == nil && ok {
				removeClientState(ent.Header)
				return ent, OutcomeFallback
			}
		}
		w.log.Warn("fallback document missing", zap.String("fallback", w.cfg.Fallback))
	}
	return unavailableEntry(), OutcomeUnavailable
}

func unavailableEntry() Entry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	return Entry{
		Status:   http.StatusServiceUnavailable,
		Header:   h,
		Body:     []byte(unavailableBody),
		StoredAt: time.Now().UnixNano(),
	}
}

// putRuntime writes to the runtime store of the generation, creating it on
// first use. A redundant worker never writes: its stores may already be gone.
func (w *Worker) putRuntime(ctx context.Context, key string, ent Entry) error {
	w.retireMu.RLock()
	defer w.retireMu.RUnlock()
	if w.State() == StateRedundant {
		return ErrRedundant
	}
	store, err := w.deps.Storage.Open(ctx, w.gen.RuntimeName())
	if err != nil {
		return err
	}
	return store.Put(ctx, key, ent)
}

func (w *Worker) revalidateAsync(key string, r *http.Request) {
	select {
	case w.bgSem <- struct{}{}:
	default:
		w.saturatedLog.Warn("background revalidation saturated, skipping")
		w.deps.metrics.observeRevalidation("skipped")
		return
	}

	uri := r.URL.String()
	header := cloneHeader(r.Header)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.bgSem }()

		ctx, cancel := context.WithTimeout(w.bgCtx, w.deps.Timeout)
		defer cancel()
		w.revalidateOnce(ctx, key, uri, header)
	}()
}

func (w *Worker) revalidateOnce(ctx context.Context, key, uri string, header http.Header) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return
	}
	req.Header = header

	ent, err := w.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		// the stale entry already served stays valid
		w.log.Debug("revalidation failed", zap.String("url", uri), zap.Error(err))
		w.deps.metrics.observeRevalidation("error")
		return
	}
	if ent.Status != http.StatusOK {
		w.deps.metrics.observeRevalidation("not-ok")
		return
	}
	removeClientState(ent.Header)
	if err := w.putRuntime(ctx, key, ent); err != nil {
		w.log.Debug("revalidation write failed", zap.String("url", uri), zap.Error(err))
		w.deps.metrics.observeRevalidation("error")
		return
	}
	w.deps.metrics.observeRevalidation("updated")
}

// CacheURLs fetches every url and stores it in the runtime cache. It fails on
// the first url that cannot be fetched or does not answer with a 2xx.
func (w *Worker) CacheURLs(ctx context.Context, urls []string) error {
	return w.addAll(ctx, w.putRuntime, urls)
}

func (w *Worker) addAll(ctx context.Context, put func(context.Context, string, Entry) error, urls []string) error {
	for _, raw := range urls {
		u, err := w.resolve(raw)
		if err != nil {
			return fmt.Errorf("%q: %w", raw, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		ent, err := w.deps.Fetcher.Fetch(ctx, req)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", u, err)
		}
		if !ent.OK() {
			return fmt.Errorf("fetch %s: unexpected status %d", u, ent.Status)
		}
		removeClientState(ent.Header)
		if err := put(ctx, RequestKey(http.MethodGet, u.String()), ent); err != nil {
			return fmt.Errorf("store %s: %w", u, err)
		}
	}
	return nil
}

func (w *Worker) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return w.deps.Scope.ResolveReference(ref), nil
}

// goBackground runs fn on the worker's background context so Stop can wait
// for it.
func (w *Worker) goBackground(fn func(ctx context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn(w.bgCtx)
	}()
}
