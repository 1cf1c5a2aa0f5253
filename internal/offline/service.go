package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	controlPrefix = "/__appshell/"
	clientCookie  = "appshell-client"
	outcomeHeader = "X-Appshell"
)

// Service hosts the registration behind an HTTP listener: every request that
// is not a control endpoint is dispatched to the active worker.
type Service struct {
	cfg    Config
	log    *zap.Logger
	origin *url.URL

	httpClient *http.Client
	storage    Storage
	fetcher    Fetcher
	notifier   Notifier
	source     ScriptSource
	clients    *Clients
	reg        *Registration

	metrics *metrics
	sizes   *responseSizes

	warmOnce  sync.Once
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Service)

func WithStorage(st Storage) Option { return func(s *Service) { s.storage = st } }
func WithFetcher(f Fetcher) Option { return func(s *Service) { s.fetcher = f } }
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithScriptSource(src ScriptSource) Option { return func(s *Service) { s.source = src } }
func WithHTTPClient(c *http.Client) Option { return func(s *Service) { s.httpClient = c } }

func NewService(cfg Config, log *zap.Logger, opts ...Option) (*Service, error) {
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Server.ScriptPath == "" {
		cfg.Server.ScriptPath = DefaultScriptPath
	}

	s := &Service{
		cfg:     cfg,
		log:     log,
		origin:  origin,
		clients: NewClients(),
		metrics: newMetrics(),
		sizes:   newResponseSizes(),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.httpClient == nil {
		timeout := cfg.FetchTimeout()
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		s.httpClient = &http.Client{Timeout: timeout}
	}
	if s.fetcher == nil {
		s.fetcher = NewHTTPFetcher(s.httpClient, cfg.MaxBodyBytes())
	}
	if s.notifier == nil {
		s.notifier = NewNotifier(cfg.Notifications.URLs, log)
	}
	if s.source == nil {
		static := cfg.Cache
		s.source = func(context.Context) (WorkerConfig, error) { return static, nil }
	}
	if s.storage == nil {
		st, err := openStorage(cfg)
		if err != nil {
			return nil, err
		}
		s.storage = st
	}

	s.reg = NewRegistration(origin.String(), s.source, s.newWorker, s.clients, log)
	s.reg.metrics = s.metrics

	if every := cfg.LogStatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

func openStorage(cfg Config) (Storage, error) {
	switch cfg.Storage.Driver {
	case "leveldb":
		st, err := OpenLevelDBStorage(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb %s: %w", cfg.Storage.Path, err)
		}
		return st, nil
	default:
		return NewMemoryStorage(), nil
	}
}

func (s *Service) newWorker(wc WorkerConfig) (*Worker, error) {
	return NewWorker(wc, WorkerDeps{
		Scope:           s.origin,
		Storage:         s.storage,
		Fetcher:         s.fetcher,
		Notifier:        s.notifier,
		Clients:         s.clients,
		Logger:          s.log,
		Notifications:   s.cfg.Notifications,
		Timeout:         s.cfg.FetchTimeout(),
		BackgroundLimit: s.cfg.Fetch.RevalidateConcurrency,
		metrics:         s.metrics,
	})
}

func (s *Service) Registration() *Registration { return s.reg }

// Register is the registration entry point used by the page controller. Only
// the configured script path is accepted.
func (s *Service) Register(ctx context.Context, scriptPath string) (*Registration, error) {
	if scriptPath != s.cfg.Server.ScriptPath {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScript, scriptPath)
	}
	// The warm loop skips runs while nothing is active, so it starts even
	// when the first install fails; a later poll may still activate one.
	err := s.reg.Update(ctx)
	s.warmOnce.Do(s.startWarmLoop)
	return s.reg, err
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.reg.Close()
		if err := s.storage.Close(); err != nil {
			s.log.Warn("close storage", zap.Error(err))
		}
	})
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.Server.ScriptPath, s.handleScript)
	mux.HandleFunc("POST "+controlPrefix+"message", s.handleMessage)
	mux.HandleFunc("POST "+controlPrefix+"push", s.handlePush)
	mux.HandleFunc("POST "+controlPrefix+"sync", s.handleSync)
	mux.HandleFunc("POST "+controlPrefix+"notificationclick", s.handleNotificationClick)
	mux.Handle("GET "+controlPrefix+"metrics", s.metrics.Handler())
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	target := s.targetRequest(r)

	active := s.reg.Active()
	if active == nil {
		s.proxyPass(w, target)
		return
	}
	if r.Method == http.MethodGet && acceptsHTML(r) {
		s.touchClient(w, r, target.URL.String(), active.gen.ID)
	}

	ent, outcome, err := active.HandleFetch(r.Context(), target)
	if outcome == OutcomePassthrough {
		s.proxyPass(w, target)
		return
	}
	if err != nil {
		s.log.Warn("network-only fetch failed", zap.String("url", target.URL.String()), zap.Error(err))
		badGateway(w)
		return
	}
	s.writeEntryWithStats(w, ent, outcome)
}

// targetRequest resolves origin-form requests against the origin. Absolute
// form requests (forward proxy use) keep their own URL.
func (s *Service) targetRequest(r *http.Request) *http.Request {
	if r.URL.IsAbs() {
		return r
	}
	out := r.Clone(r.Context())
	out.URL = s.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	out.Host = out.URL.Host
	out.RequestURI = ""
	return out
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (s *Service) touchClient(w http.ResponseWriter, r *http.Request, pageURL, generation string) {
	var id string
	if c, err := r.Cookie(clientCookie); err == nil {
		id = c.Value
	}
	cl := s.clients.Touch(id, pageURL, generation)
	if cl.ID != id {
		http.SetCookie(w, &http.Cookie{
			Name:     clientCookie,
			Value:    cl.ID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request) {
	ent, err := s.fetcher.Fetch(r.Context(), r)
	if err != nil {
		s.log.Warn("passthrough fetch failed", zap.String("url", r.URL.String()), zap.Error(err))
		badGateway(w)
		return
	}
	s.writeEntryWithStats(w, ent, OutcomePassthrough)
}

func badGateway(w http.ResponseWriter) {
	setOutcomeHeaders(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent Entry, outcome Outcome) {
	writeEntry(w, ent, string(outcome))
	switch outcome {
	case OutcomeHit, OutcomeMiss, OutcomeFallback:
		s.sizes.Observe(len(ent.Body))
	}
}

func writeEntry(w http.ResponseWriter, ent Entry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, outcomeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(outcomeHeader, outcome)
	}
	// Pages read the outcome from fetch(), which hides custom headers in CORS
	// context unless they are exposed.
	ensureExposedHeader(h, outcomeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

type workerStatus struct {
	Generation string `json:"generation"`
	State      State  `json:"state"`
}

type registrationStatus struct {
	Scope   string        `json:"scope"`
	Script  string        `json:"script"`
	Active  *workerStatus `json:"active,omitempty"`
	Waiting *workerStatus `json:"waiting,omitempty"`
	Clients int           `json:"clients"`
}

func statusOf(w *Worker) *workerStatus {
	if w == nil {
		return nil
	}
	return &workerStatus{Generation: w.gen.ID, State: w.State()}
}

func (s *Service) handleScript(w http.ResponseWriter, _ *http.Request) {
	st := registrationStatus{
		Scope:   s.reg.Scope(),
		Script:  s.cfg.Server.ScriptPath,
		Active:  statusOf(s.reg.Active()),
		Waiting: statusOf(s.reg.Waiting()),
		Clients: len(s.clients.List()),
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Service-Worker-Allowed", "/")
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&msg); err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	target := Target(r.URL.Query().Get("target"))
	err := s.reg.PostMessage(r.Context(), target, msg)
	switch {
	case errors.Is(err, ErrNoWorker):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrUnknownMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	active := s.reg.Active()
	if active == nil {
		http.Error(w, ErrNoActiveWorker.Error(), http.StatusServiceUnavailable)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if len(payload) == 0 {
		payload = nil
	}
	if err := active.HandlePush(r.Context(), payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	active := s.reg.Active()
	if active == nil {
		http.Error(w, ErrNoActiveWorker.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := active.HandleSync(r.Context(), r.URL.Query().Get("tag")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	active := s.reg.Active()
	if active == nil {
		http.Error(w, ErrNoActiveWorker.Error(), http.StatusServiceUnavailable)
		return
	}
	var n Notification
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&n); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid notification", http.StatusBadRequest)
		return
	}
	if err := active.HandleNotificationClick(r.Context(), n); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	names, err := s.storage.Names(ctx)
	if err != nil {
		s.log.Warn("stats: list stores", zap.Error(err))
		return
	}
	sum := s.sizes.Summary()
	fields := []zap.Field{
		zap.Int("stores", len(names)),
		zap.Uint64("responses", sum.Served),
		zap.String("resp_min", formatBytes(sum.Smallest)),
		zap.String("resp_avg", formatBytes(sum.Mean)),
		zap.String("resp_max", formatBytes(sum.Largest)),
		zap.Int("clients", len(s.clients.List())),
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	s.log.Info("cache stats", fields...)
}
