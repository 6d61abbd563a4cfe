// Package browser adapts one Chrome tab, driven over CDP, to the host
// runtime surface the engine acts through.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/autopilot-sh/autopilot/api/schemas"
	"github.com/autopilot-sh/autopilot/internal/config"
)

// mutationBinding is the name of the CDP binding the injected observer
// calls on DOM changes.
const mutationBinding = "__autopilot_mutation"

// mutationObserverJS installs a MutationObserver on every new document,
// feeding the engine's bounded resolution wait. Throttling happens on the
// Go side.
const mutationObserverJS = `(() => {
	const notify = () => {
		if (typeof window.` + mutationBinding + ` === 'function') {
			window.` + mutationBinding + `('m');
		}
	};
	const install = () => {
		if (!document.documentElement) { return; }
		new MutationObserver(notify).observe(document.documentElement, {
			subtree: true,
			childList: true,
			attributes: true,
		});
	};
	if (document.readyState === 'loading') {
		document.addEventListener('DOMContentLoaded', install, { once: true });
	} else {
		install();
	}
})();`

// Session represents the single active tab and implements schemas.Page and
// schemas.PageEvents.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	ready     chan schemas.LoadedNotice
	mutations chan struct{}

	mu       sync.Mutex
	isClosed bool
}

var (
	_ schemas.Page       = (*Session)(nil)
	_ schemas.PageEvents = (*Session)(nil)
)

// NewSession launches a browser, opens one tab and wires the lifecycle and
// mutation feeds. The returned session must be closed by the caller.
func NewSession(parent context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", cfg.Headless))
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	for _, arg := range cfg.Args {
		if name, value, ok := strings.Cut(strings.TrimPrefix(arg, "--"), "="); ok {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(strings.TrimPrefix(arg, "--"), true))
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)

	var ctxOpts []chromedp.ContextOption
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(func(format string, args ...any) {
			logger.Sugar().Debugf(format, args...)
		}))
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	s := &Session{
		ctx:    tabCtx,
		logger: logger.Named("browser"),
		cancel: func() {
			tabCancel()
			allocCancel()
		},
		ready:     make(chan schemas.LoadedNotice, 4),
		mutations: make(chan struct{}, 1),
	}

	// Start the target and install the observer before any navigation.
	if err := chromedp.Run(tabCtx,
		runtime.AddBinding(mutationBinding),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(mutationObserverJS).Do(ctx)
			return err
		}),
	); err != nil {
		s.cancel()
		return nil, fmt.Errorf("could not initialize browser session: %w", err)
	}

	chromedp.ListenTarget(tabCtx, s.handleTargetEvent)

	s.logger.Debug("Browser session started", zap.Bool("headless", cfg.Headless))
	return s, nil
}

func (s *Session) handleTargetEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventLoadEventFired:
		// Resolve the URL off the event goroutine; chromedp forbids blocking here.
		go s.announceReady()
	case *runtime.EventBindingCalled:
		if e.Name != mutationBinding {
			return
		}
		select {
		case s.mutations <- struct{}{}:
		default:
			// A wake is already pending; coalescing is fine.
		}
	}
}

func (s *Session) announceReady() {
	url, err := s.CurrentURL(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Debug("Could not resolve URL for page-ready notice.", zap.Error(err))
		}
		return
	}
	notice := schemas.LoadedNotice{URL: url, ReadyForAutomation: true}
	select {
	case s.ready <- notice:
	default:
		s.logger.Debug("Dropping page-ready notice, consumer lagging.")
	}
}

// Ready delivers page-ready notices. One navigation may produce several.
func (s *Session) Ready() <-chan schemas.LoadedNotice { return s.ready }

// Mutations delivers coalesced DOM-change notifications.
func (s *Session) Mutations() <-chan struct{} { return s.mutations }

// CurrentURL returns the tab's current location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	opCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()

	var url string
	if err := chromedp.Run(opCtx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("could not read location: %w", err)
	}
	return url, nil
}

// Navigate drives the tab to the URL and waits for the load event, bounded
// by the caller's deadline. A deadline hit maps to ErrNavigationTimeout.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating", zap.String("url", url))

	opCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()

	if err := chromedp.Run(opCtx, chromedp.Navigate(url)); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", schemas.ErrNavigationTimeout, url)
		}
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// Snapshot captures the live document as a parsed tree for read-only
// resolution.
func (s *Session) Snapshot(ctx context.Context) (*html.Node, error) {
	opCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()

	var outer string
	if err := chromedp.Run(opCtx, chromedp.OuterHTML("html", &outer, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("could not capture document: %w", err)
	}
	root, err := html.Parse(strings.NewReader(outer))
	if err != nil {
		return nil, fmt.Errorf("could not parse document: %w", err)
	}
	return root, nil
}

// ScrollIntoView brings the element behind the XPath locator into view.
func (s *Session) ScrollIntoView(ctx context.Context, locator string) error {
	opCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(opCtx, chromedp.ScrollIntoView(locator, chromedp.BySearch))
}

// Click performs a native activation on the element behind the locator.
func (s *Session) Click(ctx context.Context, locator string) error {
	opCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(opCtx, chromedp.Tasks{
		chromedp.WaitVisible(locator, chromedp.BySearch),
		chromedp.Click(locator, chromedp.BySearch),
	})
}

// DispatchPointer synthesizes a pointerdown/pointerup/click sequence on the
// element, the fallback when the native activation raises.
func (s *Session) DispatchPointer(ctx context.Context, locator string) error {
	opCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()

	script := fmt.Sprintf(`(() => {
		const result = document.evaluate(%q, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null);
		const el = result.singleNodeValue;
		if (!el) { throw new Error('element vanished'); }
		for (const type of ['pointerdown', 'pointerup', 'click']) {
			el.dispatchEvent(new MouseEvent(type, { bubbles: true, cancelable: true, view: window }));
		}
		return true;
	})()`, locator)

	var ok bool
	if err := chromedp.Run(opCtx, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("pointer dispatch failed: %w", err)
	}
	return nil
}

// Close tears the tab and browser down.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return nil
	}
	s.isClosed = true
	s.logger.Debug("Closing browser session.")
	s.cancel()
	return nil
}

// combineContext derives a context from the session context (which carries
// the CDP target) that is also cancelled when the operational context is.
func combineContext(sessionCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(sessionCtx)
	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}
