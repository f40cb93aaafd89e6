// Package headless implements portal.Transport by driving a headless Chrome tab, for portals
// whose pages only render with JavaScript.
package headless

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/court-crawler/internal/portal"
)

// Config controls the behavior of the headless transport.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// ExecPath overrides the Chrome binary; empty uses chromedp's lookup.
	ExecPath string
}

// Transport keeps one browser tab alive so cookies persist across requests.
type Transport struct {
	cfg         Config
	allocCancel context.CancelFunc
	tab         context.Context
	tabCancel   context.CancelFunc

	mu      sync.Mutex
	started bool
	meta    *responseMeta

	postMu sync.Mutex
	post   *pendingPost
}

var _ portal.Transport = (*Transport)(nil)

type pendingPost struct {
	url  string
	body string
}

// New creates a headless transport. Chrome is launched lazily on the first request.
func New(cfg Config) *Transport {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tab, tabCancel := chromedp.NewContext(allocCtx)

	t := &Transport{
		cfg:         cfg,
		allocCancel: allocCancel,
		tab:         tab,
		tabCancel:   tabCancel,
		meta:        newResponseMeta(),
	}
	chromedp.ListenTarget(tab, t.onEvent)
	return t
}

// Close shuts the tab and browser down.
func (t *Transport) Close() error {
	t.tabCancel()
	t.allocCancel()
	return nil
}

// Do navigates the tab. Form posts are issued by intercepting the navigation and
// rewriting it into a POST carrying the encoded form.
func (t *Transport) Do(ctx context.Context, req portal.Request) (portal.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// The first Run launches the browser; it must use the tab context itself so the
	// browser outlives this request.
	if !t.started {
		if err := chromedp.Run(t.tab, t.networkSetupAction()); err != nil {
			return portal.Response{}, fmt.Errorf("start browser: %w", err)
		}
		t.started = true
	}

	runCtx, cancel := context.WithTimeout(t.tab, t.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	t.postMu.Lock()
	if strings.EqualFold(req.Method, http.MethodPost) {
		t.post = &pendingPost{url: req.URL, body: req.Form.Encode()}
	} else {
		t.post = nil
	}
	t.postMu.Unlock()
	t.meta.reset()

	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return portal.Response{}, fmt.Errorf("headless request canceled: %w", ctx.Err())
		}
		return portal.Response{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, url := t.meta.snapshotWithFallbacks(req.URL, finalURL)
	return portal.Response{URL: url, StatusCode: status, Body: []byte(html)}, nil
}

func (t *Transport) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if t.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(t.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		patterns := []*fetch.RequestPattern{{
			URLPattern:   "*",
			ResourceType: network.ResourceTypeDocument,
			RequestStage: fetch.RequestStageRequest,
		}}
		if err := fetch.Enable().WithPatterns(patterns).Do(ctx); err != nil {
			return fmt.Errorf("enable request interception: %w", err)
		}
		return nil
	})
}

func (t *Transport) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		t.meta.capture(e)
	case *fetch.EventRequestPaused:
		continueReq := fetch.ContinueRequest(e.RequestID)
		if p := t.takePost(e.Request.URL); p != nil {
			continueReq = continueReq.
				WithMethod(http.MethodPost).
				WithPostData(base64.StdEncoding.EncodeToString([]byte(p.body))).
				WithHeaders(formHeaders(e.Request.Headers))
		}
		// Event handlers must not block; the continue command runs on its own goroutine.
		go func() {
			c := chromedp.FromContext(t.tab)
			if c == nil || c.Target == nil {
				return
			}
			_ = continueReq.Do(cdp.WithExecutor(t.tab, c.Target))
		}()
	}
}

// takePost hands out the pending form body once, for the navigation it was queued for.
func (t *Transport) takePost(url string) *pendingPost {
	t.postMu.Lock()
	defer t.postMu.Unlock()
	p := t.post
	if p == nil || p.url != url {
		return nil
	}
	t.post = nil
	return p
}

func (t *Transport) navTimeout() time.Duration {
	if t.cfg.NavigationTimeout > 0 {
		return t.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func formHeaders(src network.Headers) []*fetch.HeaderEntry {
	entries := make([]*fetch.HeaderEntry, 0, len(src)+1)
	for k, v := range src {
		if strings.EqualFold(k, "Content-Type") {
			continue
		}
		entries = append(entries, &fetch.HeaderEntry{Name: k, Value: fmt.Sprint(v)})
	}
	return append(entries, &fetch.HeaderEntry{Name: "Content-Type", Value: "application/x-www-form-urlencoded"})
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
