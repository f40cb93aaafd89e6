package collytransport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/court-crawler/internal/portal"
)

func newPortalServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/welcome", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc", Path: "/"})
		_, _ = w.Write([]byte("<html>welcome</html>"))
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("JSESSIONID")
		if err != nil || cookie.Value != "abc" {
			http.Error(w, "no session", http.StatusForbidden)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "post only", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("date=" + r.PostForm.Get("hearDate") + ";ua=" + r.UserAgent()))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_, _ = w.Write([]byte("late"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTransportKeepsSessionCookie(t *testing.T) {
	t.Parallel()

	srv := newPortalServer(t)
	tr, err := New(Config{UserAgent: "court-crawler-test", Timeout: 5 * time.Second})
	require.NoError(t, err)
	ctx := context.Background()

	resp, err := tr.Do(ctx, portal.Request{Method: http.MethodGet, URL: srv.URL + "/welcome"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = tr.Do(ctx, portal.Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/search",
		Form:   url.Values{"hearDate": {"01/02/2021"}},
	})
	require.NoError(t, err)
	require.Equal(t, "date=01/02/2021;ua=court-crawler-test", string(resp.Body))
}

func TestTransportSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	srv := newPortalServer(t)
	first, err := New(Config{})
	require.NoError(t, err)
	second, err := New(Config{})
	require.NoError(t, err)

	_, err = first.Do(context.Background(), portal.Request{URL: srv.URL + "/welcome"})
	require.NoError(t, err)

	resp, err := second.Do(context.Background(), portal.Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/search",
		Form:   url.Values{"hearDate": {"x"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTransportReturnsErrorStatuses(t *testing.T) {
	t.Parallel()

	srv := newPortalServer(t)
	tr, err := New(Config{})
	require.NoError(t, err)

	resp, err := tr.Do(context.Background(), portal.Request{URL: srv.URL + "/broken"})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestTransportHonorsContext(t *testing.T) {
	t.Parallel()

	srv := newPortalServer(t)
	tr, err := New(Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.Do(ctx, portal.Request{URL: srv.URL + "/slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	tr, err := New(Config{})
	require.NoError(t, err)
	var result portal.Response
	var fetchErr error

	hooks := &stubHooks{}
	tr.configureCollectorHooks(hooks, &result, &fetchErr)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	u, err := url.Parse("https://portal.example/detail")
	require.NoError(t, err)
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Request:    &colly.Request{URL: u},
	})
	require.Equal(t, portal.Response{URL: u.String(), StatusCode: http.StatusCreated, Body: []byte("body")}, result)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}
