// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// networkIdle is how long the page must go without requests before a
// navigation counts as settled.
const networkIdle = 500 * time.Millisecond

type RodOptions struct {
	Headless bool
	Bin      string // browser binary; empty lets the launcher pick or download one
	// ControlURL attaches to an already running browser instead of launching.
	ControlURL string
}

// RodBrowser is a Browser backed by a Chromium instance driven over CDP.
// Each instance works in its own incognito context.
type RodBrowser struct {
	logger   *slog.Logger
	launcher *launcher.Launcher
	browser  *rod.Browser
	context  *rod.Browser
	page     *rod.Page

	mu       sync.Mutex
	onDialog func(string)
	stop     context.CancelFunc
	closed   bool
}

// LaunchRod starts (or attaches to) a browser and opens a blank page in a
// fresh incognito context.
func LaunchRod(ctx context.Context, opts RodOptions, logger *slog.Logger) (*RodBrowser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rb := &RodBrowser{logger: logger}

	controlURL := opts.ControlURL
	if controlURL == "" {
		l := launcher.New().Context(ctx).Headless(opts.Headless)
		if opts.Bin != "" {
			l = l.Bin(opts.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		rb.launcher = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		rb.killLauncher()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	rb.browser = browser

	incognito, err := browser.Incognito()
	if err != nil {
		_ = rb.Close()
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	rb.context = incognito

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = rb.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	rb.page = page

	events, stop := context.WithCancel(context.Background())
	rb.stop = stop
	go rb.page.Context(events).EachEvent(func(ev *proto.PageJavascriptDialogOpening) {
		rb.handleDialog(ev)
	})()

	logger.Info("browser session opened", "headless", opts.Headless, "attached", opts.ControlURL != "")
	return rb, nil
}

func (b *RodBrowser) handleDialog(ev *proto.PageJavascriptDialogOpening) {
	if err := (proto.PageHandleJavaScriptDialog{Accept: false}).Call(b.page); err != nil {
		b.logger.Warn("dialog dismiss failed", "type", string(ev.Type), "error", err)
	}
	b.mu.Lock()
	fn := b.onDialog
	b.mu.Unlock()
	if fn != nil {
		fn(ev.Message)
	}
	// Reloading inside the event callback would stall the event loop.
	go func() {
		if err := b.page.Reload(); err != nil {
			b.logger.Warn("reload after dialog failed", "error", err)
		}
	}()
}

func (b *RodBrowser) OnDialog(fn func(message string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDialog = fn
}

func (b *RodBrowser) Navigate(ctx context.Context, url string) error {
	page := b.page.Context(ctx)
	wait := page.WaitRequestIdle(networkIdle, nil, nil, nil)
	if err := page.Navigate(url); err != nil {
		return err
	}
	if err := page.WaitLoad(); err != nil {
		return err
	}
	wait()
	return ctx.Err()
}

const findJS = `(css, hasText, childTextIs) => {
	for (const el of document.querySelectorAll(css)) {
		if (hasText && !(el.textContent || '').includes(hasText)) continue;
		if (childTextIs && ![...el.querySelectorAll('div')].some(c => (c.textContent || '').trim() === childTextIs)) continue;
		return el;
	}
	return null;
}`

// find retries until sel matches or ctx ends.
func (b *RodBrowser) find(ctx context.Context, sel Selector) (*rod.Element, error) {
	page := b.page.Context(ctx)
	if sel.HasText == "" && sel.ChildTextIs == "" {
		return page.Element(sel.CSS)
	}
	return page.ElementByJS(rod.Eval(findJS, sel.CSS, sel.HasText, sel.ChildTextIs))
}

func (b *RodBrowser) WaitFor(ctx context.Context, sel Selector) error {
	el, err := b.find(ctx, sel)
	if err != nil {
		return err
	}
	return el.WaitVisible()
}

func (b *RodBrowser) Click(ctx context.Context, sel Selector) error {
	el, err := b.find(ctx, sel)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (b *RodBrowser) Fill(ctx context.Context, sel Selector, value string) error {
	el, err := b.find(ctx, sel)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(value)
}

func (b *RodBrowser) Text(ctx context.Context, sel Selector) (string, error) {
	el, err := b.find(ctx, sel)
	if err != nil {
		return "", err
	}
	return el.Text()
}

// Close disposes the incognito context and shuts down a browser it launched.
// It is safe to call more than once.
func (b *RodBrowser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.stop != nil {
		b.stop()
	}
	var errs []error
	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close incognito context: %w", err))
		}
	}
	if b.launcher != nil && b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	b.killLauncher()
	b.logger.Info("browser session closed")
	return errors.Join(errs...)
}

func (b *RodBrowser) killLauncher() {
	if b.launcher == nil {
		return
	}
	b.launcher.Kill()
	b.launcher.Cleanup()
}
