// Package collytransport implements portal.Transport using gocolly.
package collytransport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/court-crawler/internal/portal"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Transport implements portal.Transport with one cookie jar per instance, so each
// portal session keeps its own server-side state.
type Transport struct {
	cfg           Config
	baseCollector *colly.Collector
}

var _ portal.Transport = (*Transport)(nil)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Transport.
func New(cfg Config) (*Transport, error) {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.WithTransport(newHTTPTransport())

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	c.SetCookieJar(jar)

	return &Transport{
		cfg:           cfg,
		baseCollector: c,
	}, nil
}

// Do executes a single GET or form POST. Clones share the base collector's cookie jar.
func (t *Transport) Do(ctx context.Context, req portal.Request) (portal.Response, error) {
	var (
		result   portal.Response
		fetchErr error
	)
	collector := t.buildCollector()
	t.configureCollectorHooks(collector, &result, &fetchErr)

	if err := t.runCollector(ctx, collector, req, &fetchErr); err != nil {
		return portal.Response{}, err
	}
	return result, nil
}

// Close is a no-op; the HTTP transport's idle connections are reclaimed by the runtime.
func (t *Transport) Close() error {
	return nil
}

func (t *Transport) buildCollector() *colly.Collector {
	collector := t.baseCollector.Clone()
	if t.cfg.UserAgent != "" {
		collector.UserAgent = t.cfg.UserAgent
	}
	timeout := t.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

func (t *Transport) configureCollectorHooks(hooks collectorHooks, result *portal.Response, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = portal.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (t *Transport) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	req portal.Request,
	fetchErr *error,
) error {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	var (
		body    *strings.Reader
		headers = http.Header{}
	)
	if method == http.MethodPost {
		body = strings.NewReader(req.Form.Encode())
		headers.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	done := make(chan error, 1)
	go func() {
		if body == nil {
			done <- collector.Request(method, req.URL, nil, nil, headers)
			return
		}
		done <- collector.Request(method, req.URL, body, nil, headers)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly request canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly request failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
