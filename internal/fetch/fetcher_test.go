package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Press</title>
<item><title>Q1 Update</title><link>https://x.example.com/q1</link>
<pubDate>Mon, 01 Apr 2024 00:00:00 GMT</pubDate><description>Quarterly note</description></item>
</channel></rss>`

const samplePage = `<html><body><article><a href="/news/one">One</a></article></body></html>`

func fastOptions(attempts int) Options {
	return Options{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Timeout:     2 * time.Second,
	}
}

func newTestFetcher() *Fetcher {
	return New(Config{RequestTimeout: 5 * time.Second}, nil, zap.NewNop())
}

func TestFetchFeedSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, sampleRSS)
	}))
	defer srv.Close()

	res := newTestFetcher().Fetch(context.Background(), srv.URL+"/feed.xml", fastOptions(3))
	require.True(t, res.OK())
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, ModeFeed, res.Document.Mode)
	require.NotNil(t, res.Document.Feed)
	require.Len(t, res.Document.Feed.Items, 1)
	require.Equal(t, "Q1 Update", res.Document.Feed.Items[0].Title)
}

func TestFetchMarkupSuccessSendsBrowserHeaders(t *testing.T) {
	t.Parallel()

	var gotUA, gotLang atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		gotLang.Store(r.Header.Get("Accept-Language"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	res := newTestFetcher().Fetch(context.Background(), srv.URL+"/press", fastOptions(1))
	require.True(t, res.OK())
	require.Equal(t, ModeMarkup, res.Document.Mode)
	require.NotNil(t, res.Document.Markup)
	require.Equal(t, 1, res.Document.Markup.Find("article a").Length())
	require.NotNil(t, res.Document.Markup.Url)
	require.Contains(t, gotUA.Load().(string), "Mozilla/5.0")
	require.NotEmpty(t, gotLang.Load().(string))
}

func TestFetchPersistentTransientUsesExactBudget(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusTooManyRequests, http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway} {
		for budget := 1; budget <= 4; budget++ {
			status, budget := status, budget
			t.Run(fmt.Sprintf("%d_R%d", status, budget), func(t *testing.T) {
				t.Parallel()

				var hits atomic.Int32
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					hits.Add(1)
					w.WriteHeader(status)
				}))
				defer srv.Close()

				res := newTestFetcher().Fetch(context.Background(), srv.URL+"/x", fastOptions(budget))
				require.False(t, res.OK())
				require.NotNil(t, res.Failure)
				require.Equal(t, ClassTransient, res.Failure.Class)
				require.Equal(t, status, res.Failure.StatusCode)
				require.Equal(t, budget, res.Attempts)
				require.Equal(t, int32(budget), hits.Load())
			})
		}
	}
}

func TestFetchPermanentStatusNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	res := newTestFetcher().Fetch(context.Background(), srv.URL, fastOptions(3))
	require.False(t, res.OK())
	require.Equal(t, ClassPermanent, res.Failure.Class)
	require.Equal(t, http.StatusBadRequest, res.Failure.StatusCode)
	require.Equal(t, int32(1), hits.Load())
	require.Contains(t, res.Failure.Error(), "status 400")
}

func TestFetchRecoversAfterTransient(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	res := newTestFetcher().Fetch(context.Background(), srv.URL+"/press", fastOptions(3))
	require.True(t, res.OK())
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, int32(2), hits.Load())
}

func TestFetchMalformedFeedIsPermanent(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "this is not a feed at all")
	}))
	defer srv.Close()

	opts := fastOptions(3)
	opts.Mode = ModeFeed
	res := newTestFetcher().Fetch(context.Background(), srv.URL+"/feed", opts)
	require.False(t, res.OK())
	require.Equal(t, ClassPermanent, res.Failure.Class)
	require.Equal(t, int32(1), hits.Load())
}

func TestFetchEmptyBodyIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := newTestFetcher().Fetch(context.Background(), srv.URL, fastOptions(2))
	require.False(t, res.OK())
	require.Equal(t, ClassPermanent, res.Failure.Class)
	require.Equal(t, 1, res.Attempts)
}

func TestFetchAttemptTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
		}
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	opts := fastOptions(2)
	opts.Timeout = 30 * time.Millisecond
	res := New(Config{RequestTimeout: time.Second}, nil, zap.NewNop()).Fetch(context.Background(), srv.URL, opts)
	require.False(t, res.OK())
	require.Equal(t, ClassTransient, res.Failure.Class)
	require.Equal(t, 2, res.Attempts)
	require.Contains(t, res.Failure.Err.Error(), "timed out")
}

func TestFetchTimedOutAttemptReleasesConnection(t *testing.T) {
	t.Parallel()

	var active, peak, canceled atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-time.After(3 * time.Second):
			fmt.Fprint(w, samplePage)
		case <-r.Context().Done():
			canceled.Add(1)
		}
	}))
	defer srv.Close()

	f := New(Config{MaxInFlight: 1, RequestTimeout: 10 * time.Second}, nil, zap.NewNop())
	opts := fastOptions(1)
	opts.Timeout = 100 * time.Millisecond
	for range 3 {
		start := time.Now()
		res := f.Fetch(context.Background(), srv.URL+"/slow", opts)
		require.False(t, res.OK())
		require.Equal(t, ClassTransient, res.Failure.Class)
		require.Less(t, time.Since(start), 2*time.Second)
		require.Eventually(t, func() bool { return active.Load() == 0 }, 2*time.Second, 10*time.Millisecond,
			"server request still open after Fetch returned")
	}
	require.Equal(t, int32(1), peak.Load())
	require.Equal(t, int32(3), canceled.Load())
}

func TestFetchRetryLogSeverity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		level  zapcore.Level
	}{
		{http.StatusNotFound, zapcore.DebugLevel},
		{http.StatusTooManyRequests, zapcore.InfoLevel},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			core, logs := observer.New(zapcore.DebugLevel)
			res := New(Config{}, nil, zap.New(core)).Fetch(context.Background(), srv.URL+"/gone", fastOptions(3))
			require.False(t, res.OK())

			retries := logs.FilterMessage("fetch attempt failed, retrying").All()
			require.Len(t, retries, 2)
			for _, entry := range retries {
				require.Equal(t, tc.level, entry.Level)
			}
			require.Zero(t, logs.Filter(func(e observer.LoggedEntry) bool {
				return e.Level >= zapcore.WarnLevel
			}).Len())
		})
	}
}

func TestFetchCanceledContextIsUnknown(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newTestFetcher().Fetch(ctx, srv.URL, fastOptions(3))
	require.False(t, res.OK())
	require.Equal(t, ClassUnknown, res.Failure.Class)
	require.Equal(t, 1, res.Attempts)
}

func TestFetchBackoffInterruptedByDeadline(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	opts := fastOptions(5)
	opts.BaseDelay = time.Second
	opts.MaxDelay = time.Second
	res := newTestFetcher().Fetch(ctx, srv.URL, opts)
	require.False(t, res.OK())
	require.Equal(t, ClassUnknown, res.Failure.Class)
	require.Equal(t, int32(1), hits.Load())
	require.Contains(t, res.Failure.Error(), "backoff interrupted")
}

func TestFetchInvalidURLIsPermanent(t *testing.T) {
	t.Parallel()

	res := newTestFetcher().Fetch(context.Background(), "://missing-scheme", fastOptions(3))
	require.False(t, res.OK())
	require.Equal(t, ClassPermanent, res.Failure.Class)
	require.Equal(t, 1, res.Attempts)
}

type countingWaiter struct {
	calls atomic.Int32
}

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return nil
}

func TestFetchWaitsOnLimiterEveryAttempt(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	waiter := &countingWaiter{}
	f := New(Config{MaxInFlight: 1}, waiter, zap.NewNop())
	res := f.Fetch(context.Background(), srv.URL, fastOptions(3))
	require.False(t, res.OK())
	require.Equal(t, int32(3), waiter.calls.Load())
}

func TestDetectMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		url         string
		contentType string
		want        Mode
	}{
		{"https://x/feed.xml", "", ModeFeed},
		{"https://www.youtube.com/feeds/videos.xml?user=blackrock", "text/html", ModeFeed},
		{"https://x/news/rss/", "", ModeFeed},
		{"https://x/blog/feed", "", ModeFeed},
		{"https://x/press", "application/rss+xml; charset=utf-8", ModeFeed},
		{"https://x/press", "application/xhtml+xml", ModeMarkup},
		{"https://x/press", "text/html", ModeMarkup},
		{"https://x/press", "", ModeMarkup},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, DetectMode(tc.url, tc.contentType), tc.url)
	}
}

func TestFailureErrorFormatting(t *testing.T) {
	t.Parallel()

	f := &Failure{Class: ClassTransient, StatusCode: 429, Attempts: 3, Err: fmt.Errorf("unexpected status 429")}
	require.True(t, strings.HasPrefix(f.Error(), "fetch transient failure"))
	require.ErrorContains(t, f, "3 attempts")

	g := &Failure{Class: ClassUnknown, Attempts: 1, Err: context.Canceled}
	require.ErrorIs(t, g, context.Canceled)
}
