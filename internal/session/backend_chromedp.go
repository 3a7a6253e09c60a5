// Package session manages the single live browser session and its
// failover policy.
package session

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

// BackendConfig configures one chromedp-backed automation backend.
type BackendConfig struct {
	Kind       scrape.BackendKind
	ExecPath   string
	ProfileDir string
	Logger     *zap.Logger
}

// ChromeBackend starts browser sessions through chromedp. Two instances
// with different exec paths act as the Primary/Fallback pair.
type ChromeBackend struct {
	cfg    BackendConfig
	logger *zap.Logger
}

// NewChromeBackend creates a backend for the given engine variant.
func NewChromeBackend(cfg BackendConfig) *ChromeBackend {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ChromeBackend{cfg: cfg, logger: cfg.Logger}
}

// Kind reports which variant this backend launches.
func (b *ChromeBackend) Kind() scrape.BackendKind {
	return b.cfg.Kind
}

// Start launches a browser and one browsing context. The returned
// session owns both and tears them down on Close.
func (b *ChromeBackend) Start(ctx context.Context, opts scrape.SessionOptions) (scrape.Session, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
	)
	if opts.Headless {
		allocOpts = append(allocOpts, chromedp.Flag("headless", "new"))
	} else {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}
	if b.cfg.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	if b.cfg.ProfileDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(b.cfg.ProfileDir))
	}
	if opts.ProxyServer != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyServer))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	// Launch the browser now so start failures surface here, not on
	// the first navigation.
	startCtx, cancel := context.WithTimeout(taskCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(startCtx, b.setupActions(opts)...); err != nil {
		taskCancel()
		allocCancel()
		return nil, &scrape.SessionError{Op: "start", Err: err}
	}

	b.logger.Info("browser session started",
		zap.String("backend", string(b.cfg.Kind)),
		zap.Bool("headless", opts.Headless),
	)

	return &chromeSession{
		kind:        b.cfg.Kind,
		taskCtx:     taskCtx,
		taskCancel:  taskCancel,
		allocCancel: allocCancel,
		slowMo:      opts.SlowMo,
	}, nil
}

func (b *ChromeBackend) setupActions(opts scrape.SessionOptions) []chromedp.Action {
	actions := []chromedp.Action{}
	if opts.UserAgent != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			if err := emulation.SetUserAgentOverride(opts.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
			return nil
		}))
	}
	w, h := opts.ViewportW, opts.ViewportH
	if w <= 0 {
		w = 1366
	}
	if h <= 0 {
		h = 900
	}
	actions = append(actions, chromedp.EmulateViewport(int64(w), int64(h)))
	return actions
}

// Repair wipes the profile directory so the next start begins from a
// clean slate. A missing directory is not an error.
func (b *ChromeBackend) Repair(_ context.Context) error {
	if b.cfg.ProfileDir == "" {
		return nil
	}
	b.logger.Warn("wiping browser profile",
		zap.String("backend", string(b.cfg.Kind)),
		zap.String("dir", b.cfg.ProfileDir),
	)
	if err := os.RemoveAll(b.cfg.ProfileDir); err != nil {
		return fmt.Errorf("wipe profile dir: %w", err)
	}
	if err := os.MkdirAll(b.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("recreate profile dir: %w", err)
	}
	return nil
}

type chromeSession struct {
	kind        scrape.BackendKind
	taskCtx     context.Context
	taskCancel  context.CancelFunc
	allocCancel context.CancelFunc
	slowMo      time.Duration
}

// Kind reports which backend produced this session.
func (s *chromeSession) Kind() scrape.BackendKind {
	return s.kind
}

// Navigate loads url and waits for the document body, bounded by
// timeout.
func (s *chromeSession) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	runCtx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.slowMo),
	)
	if err != nil {
		return &scrape.SessionError{Op: "navigate", Err: err}
	}
	return nil
}

// Alive answers whether the browsing context still evaluates script.
func (s *chromeSession) Alive(ctx context.Context) bool {
	runCtx, cancel := s.opContext(ctx, 5*time.Second)
	defer cancel()
	var ready string
	err := chromedp.Run(runCtx,
		chromedp.Evaluate(`document.readyState`, &ready),
	)
	return err == nil
}

// Close tears down the browsing context and the browser process.
func (s *chromeSession) Close(_ context.Context) error {
	err := chromedp.Cancel(s.taskCtx)
	s.taskCancel()
	s.allocCancel()
	if err != nil {
		return &scrape.SessionError{Op: "close", Err: err}
	}
	return nil
}

// Run executes raw chromedp actions against the session's browsing
// context. Extractors reach this through a type assertion.
func (s *chromeSession) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := s.opContext(ctx, 0)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// opContext derives a chromedp-compatible context for one operation:
// the browsing context, cancelled when either the caller's context or
// the optional timeout fires.
func (s *chromeSession) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(s.taskCtx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(s.taskCtx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}
