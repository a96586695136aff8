// Package browser owns the Chrome instance the relay drives: its tabs, the
// focused tab, and the page controller living in each tab.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentxen/api/schemas"
	"github.com/xkilldash9x/agentxen/internal/config"
	pagectl "github.com/xkilldash9x/agentxen/internal/page"
	"github.com/xkilldash9x/agentxen/internal/router"
)

// tab is one browser target and the controller for its current document.
type tab struct {
	id         schemas.TabID
	ctx        context.Context
	cancel     context.CancelFunc
	backend    *Backend
	controller *pagectl.Controller
	url        string
}

// Manager handles the browser process lifecycle and its tabs. It implements
// router.TabService.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.RWMutex
	tabs   map[schemas.TabID]*tab
	order  []schemas.TabID // most recently focused last
	nextID schemas.TabID
	closed bool

	startOnce sync.Once
	startErr  error
}

var _ router.TabService = (*Manager)(nil)

// NewManager creates a browser manager. The browser is launched by Start.
func NewManager(logger *zap.Logger, cfg config.BrowserConfig) *Manager {
	return &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
		tabs:   make(map[schemas.TabID]*tab),
	}
}

// Start launches (or attaches to) the browser and opens the first tab at the
// configured start URL. It is safe to call more than once.
func (m *Manager) Start(ctx context.Context) error {
	m.startOnce.Do(func() {
		m.startErr = m.start(ctx)
	})
	return m.startErr
}

func (m *Manager) start(ctx context.Context) error {
	// The allocator outlives ctx; Close tears it down.
	var allocCtx context.Context
	if m.cfg.RemoteURL != "" {
		m.logger.Info("Attaching to remote browser.", zap.String("url", m.cfg.RemoteURL))
		allocCtx, m.allocCancel = chromedp.NewRemoteAllocator(context.Background(), m.cfg.RemoteURL)
	} else {
		m.logger.Info("Launching browser.", zap.Bool("headless", m.cfg.Headless))
		allocCtx, m.allocCancel = chromedp.NewExecAllocator(context.Background(), execAllocatorOptions(m.cfg)...)
	}

	m.browserCtx, m.browserCancel = chromedp.NewContext(allocCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Debugf),
	)

	startCtx, cancel := context.WithTimeout(m.browserCtx, m.cfg.OperationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(startCtx); err != nil {
		m.browserCancel()
		m.allocCancel()
		return fmt.Errorf("failed to start browser: %w", err)
	}

	// The browser context is itself the first tab.
	t := m.register(m.browserCtx, m.browserCancel)
	if m.cfg.StartURL != "" {
		if err := m.UpdateTab(ctx, t.id, m.cfg.StartURL); err != nil {
			m.logger.Warn("Could not load start URL.", zap.String("url", m.cfg.StartURL), zap.Error(err))
		}
	}
	m.logger.Info("Browser ready.", zap.Int("tab_id", int(t.id)))
	return nil
}

// execAllocatorOptions translates the browser config into chromedp allocator
// options. Headless mode is opt-in; the user is expected to watch the agent.
func execAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless, chromedp.NoSandbox, chromedp.DisableGPU)
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// register records a new tab and focuses it.
func (m *Manager) register(ctx context.Context, cancel context.CancelFunc) *tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	backend := NewBackend(ctx, m.cfg.OperationTimeout)
	t := &tab{
		id:         m.nextID,
		ctx:        ctx,
		cancel:     cancel,
		backend:    backend,
		controller: pagectl.NewController(m.logger.With(zap.Int("tab_id", int(m.nextID))), backend),
	}
	m.tabs[t.id] = t
	m.order = append(m.order, t.id)
	return t
}

func (m *Manager) lookup(id schemas.TabID) (*tab, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tabs[id]
	if !ok {
		return nil, fmt.Errorf("tab %d: %w", id, router.ErrTabNotFound)
	}
	return t, nil
}

func (m *Manager) activeLocked() *tab {
	if len(m.order) == 0 {
		return nil
	}
	return m.tabs[m.order[len(m.order)-1]]
}

func (m *Manager) focusLocked(id schemas.TabID) {
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.order = append(m.order, id)
}

// run executes actions in a tab, bounded by the operation timeout and ctx.
func (m *Manager) run(ctx context.Context, t *tab, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(t.ctx, m.cfg.OperationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// -- router.TabService --

// QueryActiveTab returns the focused tab with its current URL, or nil when no
// tab is open.
func (m *Manager) QueryActiveTab(ctx context.Context) (*schemas.Tab, error) {
	m.mu.RLock()
	t := m.activeLocked()
	m.mu.RUnlock()
	if t == nil {
		return nil, nil
	}

	var location string
	if err := m.run(ctx, t, chromedp.Location(&location)); err != nil {
		m.logger.Debug("Falling back to last known tab URL.", zap.Int("tab_id", int(t.id)), zap.Error(err))
		m.mu.RLock()
		location = t.url
		m.mu.RUnlock()
	}
	return &schemas.Tab{ID: t.id, URL: location}, nil
}

// UpdateTab navigates a tab. The new document gets a fresh page controller
// with agent mode off.
func (m *Manager) UpdateTab(ctx context.Context, id schemas.TabID, url string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.logger.Debug("Navigating tab.", zap.Int("tab_id", int(id)), zap.String("url", url))
	if err := m.run(ctx, t, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigating tab %d to %s: %w", id, url, err)
	}
	m.mu.Lock()
	t.url = url
	t.controller = pagectl.NewController(m.logger.With(zap.Int("tab_id", int(id))), t.backend)
	m.mu.Unlock()
	return nil
}

// SendToTab delivers msg to the tab's page controller.
func (m *Manager) SendToTab(ctx context.Context, id schemas.TabID, msg schemas.TabMessage) (schemas.TabResponse, error) {
	t, err := m.lookup(id)
	if err != nil {
		return schemas.TabResponse{}, err
	}
	m.mu.RLock()
	controller := t.controller
	m.mu.RUnlock()
	return controller.HandleMessage(ctx, msg), nil
}

// -- Tab management --

// OpenTab opens a new tab at url and focuses it.
func (m *Manager) OpenTab(ctx context.Context, url string) (schemas.Tab, error) {
	m.mu.RLock()
	closed := m.closed || m.browserCtx == nil
	m.mu.RUnlock()
	if closed {
		return schemas.Tab{}, fmt.Errorf("browser is not running")
	}

	tabCtx, cancel := chromedp.NewContext(m.browserCtx)
	t := m.register(tabCtx, cancel)
	if url == "" {
		url = "about:blank"
	}
	if err := m.UpdateTab(ctx, t.id, url); err != nil {
		m.CloseTab(t.id)
		return schemas.Tab{}, err
	}
	m.logger.Info("Tab opened.", zap.Int("tab_id", int(t.id)), zap.String("url", url))
	return schemas.Tab{ID: t.id, URL: url}, nil
}

// Activate focuses a tab.
func (m *Manager) Activate(ctx context.Context, id schemas.TabID) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := m.run(ctx, t, page.BringToFront()); err != nil {
		return fmt.Errorf("activating tab %d: %w", id, err)
	}
	m.mu.Lock()
	m.focusLocked(id)
	m.mu.Unlock()
	return nil
}

// Tabs lists open tabs, focused tab last.
func (m *Manager) Tabs() []schemas.Tab {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schemas.Tab, 0, len(m.order))
	for _, id := range m.order {
		t := m.tabs[id]
		out = append(out, schemas.Tab{ID: t.id, URL: t.url})
	}
	return out
}

// CloseTab closes one tab. Focus moves to the previously focused tab. The
// first tab owns the browser and is kept open until Close.
func (m *Manager) CloseTab(id schemas.TabID) {
	m.mu.Lock()
	t, ok := m.tabs[id]
	if !ok || t.ctx == m.browserCtx {
		m.mu.Unlock()
		return
	}
	delete(m.tabs, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	t.cancel()
}

// Close shuts the browser down.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tabs := make([]*tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		tabs = append(tabs, t)
	}
	m.tabs = make(map[schemas.TabID]*tab)
	m.order = nil
	m.mu.Unlock()

	for _, t := range tabs {
		if t.ctx != m.browserCtx {
			t.cancel()
		}
	}
	if m.browserCtx != nil {
		// Cancel closes the browser gracefully before releasing the context.
		if err := chromedp.Cancel(m.browserCtx); err != nil {
			m.logger.Debug("Browser shutdown reported an error.", zap.Error(err))
		}
		m.browserCancel()
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
	m.logger.Info("Browser closed.")
	return nil
}
