package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNoActiveWorker = errors.New("no active worker")
	ErrNoWorker       = errors.New("no worker for target")
	ErrUnknownScript  = errors.New("unknown worker script")
	ErrRedundant      = errors.New("worker is redundant")
)

// ScriptSource returns the worker configuration currently published. A
// changed generation is what makes Update install a new worker.
type ScriptSource func(ctx context.Context) (WorkerConfig, error)

type WorkerFactory func(cfg WorkerConfig) (*Worker, error)

// Target selects which worker of a registration receives a message.
type Target string

const (
	TargetActive  Target = "active"
	TargetWaiting Target = "waiting"
)

// clientIdle is how long a client may stay silent before it no longer keeps a
// waiting worker from activating.
const clientIdle = 30 * time.Minute

// Registration hosts the worker generations for one scope. It plays the part
// of the platform: it installs new workers, swaps the active one and routes
// events to it.
type Registration struct {
	scope     string
	source    ScriptSource
	newWorker WorkerFactory
	clients   *Clients
	log       *zap.Logger
	metrics   *metrics

	updateMu sync.Mutex

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
	closed  bool
}

func NewRegistration(scope string, source ScriptSource, factory WorkerFactory, clients *Clients, log *zap.Logger) *Registration {
	if log == nil {
		log = zap.NewNop()
	}
	if clients == nil {
		clients = NewClients()
	}
	return &Registration{
		scope:     scope,
		source:    source,
		newWorker: factory,
		clients:   clients,
		log:       log.Named("registration"),
	}
}

func (r *Registration) Scope() string { return r.scope }

func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Update installs a new worker when the published generation differs from the
// active and waiting ones. A failed install leaves the active worker alone.
func (r *Registration) Update(ctx context.Context) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	cfg, err := r.source(ctx)
	if err != nil {
		return fmt.Errorf("fetch worker script: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return fmt.Errorf("worker script: %w", err)
	}

	r.mu.RLock()
	active, waiting, closed := r.active, r.waiting, r.closed
	r.mu.RUnlock()
	if closed {
		return ErrRedundant
	}

	if waiting != nil && waiting.gen.ID == cfg.Generation {
		return r.activateIfUnclaimed(ctx)
	}
	if waiting == nil && active != nil && active.gen.ID == cfg.Generation {
		return nil
	}

	w, err := r.newWorker(cfg)
	if err != nil {
		return fmt.Errorf("create worker %s: %w", cfg.Generation, err)
	}
	if err := w.Install(ctx); err != nil {
		w.Stop()
		return fmt.Errorf("install %s: %w", cfg.Generation, err)
	}

	if waiting != nil {
		r.retire(waiting)
	}
	if active == nil || w.waitForSkip(r.skipWaiting) {
		return r.activate(ctx, w)
	}

	r.mu.Lock()
	r.waiting = w
	r.mu.Unlock()
	r.log.Info("worker installed, waiting", zap.String("generation", w.gen.ID))
	return r.activateIfUnclaimed(ctx)
}

// skipWaiting is called by a waiting worker that received SKIP_WAITING.
func (r *Registration) skipWaiting(w *Worker) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	r.mu.RLock()
	isWaiting := r.waiting == w
	r.mu.RUnlock()
	if !isWaiting {
		return
	}
	if err := r.activate(ctx, w); err != nil {
		r.log.Error("activation failed", zap.Error(err))
	}
}

func (r *Registration) activateIfUnclaimed(ctx context.Context) error {
	r.mu.RLock()
	active, waiting := r.active, r.waiting
	r.mu.RUnlock()
	if waiting == nil {
		return nil
	}
	r.clients.Prune(clientIdle)
	if active != nil && r.clients.ControlledBy(active.gen.ID) > 0 {
		return nil
	}
	return r.activate(ctx, waiting)
}

// activate swaps w in under the registration lock so no request is dispatched
// while old stores are being removed.
func (r *Registration) activate(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRedundant
	}
	if r.active == w {
		r.mu.Unlock()
		return nil
	}
	old := r.active
	if old != nil {
		// before pruning, so its in-flight requests cannot write to a store
		// that is about to be dropped
		old.markRedundant()
	}
	err := w.Activate(ctx)
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	r.mu.Unlock()

	r.metrics.setGeneration(w.gen.ID)
	r.log.Info("worker activated", zap.String("generation", w.gen.ID))
	if old != nil {
		r.retire(old)
	}
	if err != nil {
		return fmt.Errorf("activate %s: %w", w.gen.ID, err)
	}
	return nil
}

func (r *Registration) retire(w *Worker) {
	w.markRedundant()
	w.Stop()
}

// PostMessage delivers msg to the selected worker.
func (r *Registration) PostMessage(ctx context.Context, target Target, msg Message) error {
	var w *Worker
	r.mu.RLock()
	switch target {
	case TargetWaiting:
		w = r.waiting
	case TargetActive, "":
		w = r.active
	}
	r.mu.RUnlock()
	if w == nil {
		return fmt.Errorf("%w %q", ErrNoWorker, target)
	}
	return w.HandleMessage(ctx, msg)
}

// Close retires every worker. Further updates fail with ErrRedundant.
func (r *Registration) Close() {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	r.mu.Lock()
	active, waiting := r.active, r.waiting
	r.active, r.waiting, r.closed = nil, nil, true
	r.mu.Unlock()
	for _, w := range []*Worker{active, waiting} {
		if w != nil {
			r.retire(w)
		}
	}
}
