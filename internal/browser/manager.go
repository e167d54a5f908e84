// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/inspector"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/authbridge/internal/config"
)

// Manager owns the shared browser process. Pages (tabs) are created per
// session from a single exec allocator, started lazily on first use.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	initOnce    sync.Once
	initErr     error
	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	pages  sync.WaitGroup
}

// NewManager creates a browser manager. The browser process is not launched
// until the first page is requested.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.Named("browser"),
	}
}

func (m *Manager) initialize() error {
	m.initOnce.Do(func() {
		opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		opts = append(opts,
			chromedp.Flag("headless", m.cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		if m.cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(m.cfg.UserAgent))
		}
		for _, arg := range m.cfg.Args {
			opts = append(opts, chromedp.Flag(arg, true))
		}

		// The allocator outlives any single request, so it hangs off the
		// background context and is torn down by Shutdown.
		m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		m.logger.Info("Browser allocator initialized.", zap.Bool("headless", m.cfg.Headless))
	})
	return m.initErr
}

// NewPage opens a fresh tab. The returned page is independent of ctx; ctx only
// bounds the launch itself.
func (m *Manager) NewPage(ctx context.Context) (Page, error) {
	if err := m.initialize(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("browser manager is shut down")
	}
	m.pages.Add(1)
	m.mu.Unlock()

	tab, cancel := chromedp.NewContext(m.allocCtx)

	// Force tab (and on first call, browser) startup so failures surface here
	// rather than on the first real action.
	launchCtx, launchCancel := combineContext(tab, ctx)
	err := chromedp.Run(launchCtx)
	launchCancel()
	if err != nil {
		cancel()
		m.pages.Done()
		return nil, fmt.Errorf("failed to launch page: %w", err)
	}

	page := &cdpPage{
		tab:     tab,
		cancel:  cancel,
		cfg:     m.cfg,
		logger:  m.logger.Named("page"),
		onClose: m.pages.Done,
	}

	// Crashed renderers never answer another command, so the tab is flagged
	// dead the moment the event arrives. Dialogs are dismissed automatically;
	// an open dialog blocks every subsequent CDP call.
	chromedp.ListenTarget(tab, func(ev any) {
		switch ev.(type) {
		case *inspector.EventTargetCrashed:
			page.logger.Warn("Page target crashed.")
			page.crashed.Store(true)
		case *cdppage.EventJavascriptDialogOpening:
			go func() {
				if err := chromedp.Run(tab, cdppage.HandleJavaScriptDialog(false)); err != nil {
					page.logger.Debug("Failed to dismiss dialog.", zap.Error(err))
				}
			}()
		}
	})

	m.logger.Debug("Page opened.")
	return page, nil
}

// Shutdown waits for open pages to close within the ctx deadline, then tears
// down the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.pages.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All pages closed.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline reached with pages still open.")
	}

	if m.allocCancel != nil {
		m.allocCancel()
	}
	return nil
}
