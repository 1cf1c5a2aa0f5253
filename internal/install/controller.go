// Package install is the page side of the app shell. It registers the
// caching proxy, keeps it up to date and relays the platform's install
// opportunity to an install button.
package install

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDismissed Outcome = "dismissed"
)

var ErrNoPrompt = errors.New("install prompt not available")

// Registrar registers the caching proxy script. A nil Registrar means the
// platform has no proxy support.
type Registrar interface {
	Register(ctx context.Context, scriptPath string) (Registration, error)
}

type Registration interface {
	Scope() string
	Update(ctx context.Context) error
}

// Prompt is the deferred install token handed out by the platform.
type Prompt interface {
	Prompt(ctx context.Context) error
	UserChoice(ctx context.Context) (Outcome, error)
}

// View is the visible surface the controller drives. The returned funcs
// remove what was shown.
type View interface {
	ShowInstallButton()
	HideInstallButton()
	ShowToast(message string) (remove func())
	ShowBanner(message, color string) (remove func())
}

type Options struct {
	ScriptPath    string
	UpdateEvery   time.Duration
	ToastDuration time.Duration
}

const (
	onlineColor  = "#7FB069"
	offlineColor = "#FFB84D"
)

type Controller struct {
	opts      Options
	registrar Registrar
	view      View
	log       *zap.Logger

	mu       sync.Mutex
	deferred Prompt
	button   bool
	viewMu   sync.Mutex

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewController(opts Options, registrar Registrar, view View, log *zap.Logger) *Controller {
	if opts.ScriptPath == "" {
		opts.ScriptPath = "/service-worker.js"
	}
	if opts.UpdateEvery <= 0 {
		opts.UpdateEvery = time.Minute
	}
	if opts.ToastDuration <= 0 {
		opts.ToastDuration = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	if view == nil {
		view = NewLogView(log)
	}
	return &Controller{
		opts:      opts,
		registrar: registrar,
		view:      view,
		log:       log.Named("controller"),
		stopCh:    make(chan struct{}),
	}
}

// Load registers the proxy and starts polling it for updates. Failures are
// logged; the next poll is the retry.
func (c *Controller) Load(ctx context.Context) {
	c.logCapabilities()
	if c.registrar == nil {
		return
	}
	reg, err := c.registrar.Register(ctx, c.opts.ScriptPath)
	if reg == nil {
		c.log.Error("service worker registration failed", zap.Error(err))
		return
	}
	if err != nil {
		c.log.Error("service worker registration failed", zap.Error(err))
	} else {
		c.log.Info("service worker registered", zap.String("scope", reg.Scope()))
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollUpdates(reg)
	}()
}

func (c *Controller) pollUpdates(reg Registration) {
	t := time.NewTicker(c.opts.UpdateEvery)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.UpdateEvery)
			go func() {
				select {
				case <-c.stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			if err := reg.Update(ctx); err != nil {
				c.log.Warn("service worker update failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
	})
}

// BeforeInstallPrompt keeps p as the only deferred token and shows the
// install button.
func (c *Controller) BeforeInstallPrompt(p Prompt) {
	c.log.Info("install prompt available")
	c.mu.Lock()
	c.deferred = p
	c.button = true
	c.mu.Unlock()
	c.renderButton()
}

// RequestInstall shows the deferred prompt and waits for the user. The token
// is spent whatever the user decides.
func (c *Controller) RequestInstall(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	p := c.deferred
	c.deferred = nil
	c.button = false
	c.mu.Unlock()
	if p == nil {
		c.log.Info("install prompt not available")
		return "", ErrNoPrompt
	}
	c.renderButton()

	if err := p.Prompt(ctx); err != nil {
		c.log.Warn("install prompt failed", zap.Error(err))
		return "", err
	}
	outcome, err := p.UserChoice(ctx)
	if err != nil {
		c.log.Warn("install prompt choice failed", zap.Error(err))
		return "", err
	}
	c.log.Info("user response to install prompt", zap.String("outcome", string(outcome)))
	return outcome, nil
}

// AppInstalled clears the install affordances and acknowledges the install
// with a toast that goes away on its own.
func (c *Controller) AppInstalled() {
	c.log.Info("app installed")
	c.mu.Lock()
	c.deferred = nil
	c.button = false
	c.mu.Unlock()
	c.renderButton()
	c.transient(c.view.ShowToast("TerapiaBot v2 installed successfully!"))
}

func (c *Controller) Online() {
	c.log.Info("back online")
	c.transient(c.view.ShowBanner("You are back online", onlineColor))
}

func (c *Controller) Offline() {
	c.log.Info("offline mode")
	c.transient(c.view.ShowBanner("You are offline - Some features may be limited", offlineColor))
}

func (c *Controller) VisibilityChanged(hidden bool) {
	if hidden {
		c.log.Debug("app is now in background")
		return
	}
	c.log.Debug("app is now in foreground")
}

func (c *Controller) InstallButtonVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.button
}

func (c *Controller) HasDeferredPrompt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deferred != nil
}

// renderButton pushes the current button state to the view. Renders are
// serialized and read the state under viewMu, so the last one always shows
// the latest state.
func (c *Controller) renderButton() {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	c.mu.Lock()
	visible := c.button
	c.mu.Unlock()
	if visible {
		c.view.ShowInstallButton()
	} else {
		c.view.HideInstallButton()
	}
}

func (c *Controller) transient(remove func()) {
	if remove == nil {
		return
	}
	time.AfterFunc(c.opts.ToastDuration, remove)
}

func (c *Controller) logCapabilities() {
	c.log.Info("app shell loaded", zap.Bool("service_worker", c.registrar != nil))
}
