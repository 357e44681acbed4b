package nextbus

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/busmap/busmapd/pkg/quota"
	"github.com/busmap/busmapd/pkg/store/sqlitestore"
)

func newTestClient(t *testing.T, upstreamURL string) (*Client, *sqlitestore.Store) {
	t.Helper()

	s, err := sqlitestore.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := Config{
		URL:           upstreamURL,
		MaxConcurrent: 4,
		Quota: quota.Config{
			Window:   20 * time.Second,
			MaxBytes: 2 << 20,
		},
	}
	c := NewClient(cfg, quota.NewMeter(cfg.Quota, s), s, log.NewNopLogger())
	t.Cleanup(c.Shutdown)
	return c, s
}

func TestRequestParsesElements(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<body>
			<agency tag="rutgers" title="Rutgers University" regionTitle="New Jersey"/>
			<agency tag="camden" title="Rutgers Camden" regionTitle="New Jersey"/>
		</body>`)
	}))
	defer srv.Close()

	c, s := newTestClient(t, srv.URL)
	ctx := context.Background()

	elements, call, err := c.Request(ctx, url.Values{"command": {"agencyList"}}, "agency")
	require.NoError(t, err)
	require.Len(t, elements, 2)
	require.Equal(t, "rutgers", elements[0].Attr("tag"))
	require.Equal(t, "camden", elements[1].Attr("tag"))

	// The call row must be persisted with truthful accounting.
	require.NotZero(t, call.ID)
	require.Equal(t, http.StatusOK, call.Status)
	require.NotZero(t, call.Size)

	spent, err := s.BytesFetchedSince(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, call.Size, spent)
}

func TestRequestNon200IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	elements, call, err := c.Request(context.Background(), url.Values{"command": {"routeList"}}, "route")
	require.NoError(t, err)
	require.Nil(t, elements)
	require.Equal(t, http.StatusInternalServerError, call.Status)
	require.NotEmpty(t, call.Error)
}

func TestRequestConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening

	c, _ := newTestClient(t, srv.URL)

	elements, call, err := c.Request(context.Background(), url.Values{"command": {"routeList"}}, "route")
	require.NoError(t, err)
	require.Nil(t, elements)
	require.Zero(t, call.Size)
	require.Zero(t, call.Status)
	require.NotEmpty(t, call.Error)
}

func TestRequestShouldRetryIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<body><Error shouldRetry="true">Agency server busy</Error></body>`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	elements, call, err := c.Request(context.Background(), url.Values{"command": {"routeList"}}, "route")
	require.NoError(t, err)
	require.Nil(t, elements)
	require.Contains(t, call.Error, "busy")
}

func TestRequestFatalError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<body><Error shouldRetry="false">Invalid agency tag</Error></body>`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	_, call, err := c.Request(context.Background(), url.Values{"command": {"routeList"}, "a": {"nope"}}, "route")
	require.Error(t, err)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	require.Contains(t, fatal.Message, "Invalid agency tag")
	require.NotZero(t, call.ID)
}

func TestRequestQuotaExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<body><agency tag="rutgers"/></body>`)
	}))
	defer srv.Close()

	s, err := sqlitestore.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := Config{
		URL:           srv.URL,
		MaxConcurrent: 2,
		Quota: quota.Config{
			Window:   20 * time.Second,
			MaxBytes: 16, // smaller than one response body
		},
	}
	c := NewClient(cfg, quota.NewMeter(cfg.Quota, s), s, log.NewNopLogger())
	t.Cleanup(c.Shutdown)
	ctx := context.Background()

	// First request is allowed and overshoots the budget.
	_, _, err = c.Request(ctx, url.Values{"command": {"agencyList"}}, "agency")
	require.NoError(t, err)

	// Second request must be refused before any bytes move.
	_, call, err := c.Request(ctx, url.Values{"command": {"agencyList"}}, "agency")
	require.ErrorIs(t, err, quota.ErrQuotaExhausted)
	require.Nil(t, call)
}

func TestBatchKeepsOrderAndLogsAtomically(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<body><route tag=%q/></body>`, r.URL.Query().Get("r"))
	}))
	defer srv.Close()

	c, s := newTestClient(t, srv.URL)
	ctx := context.Background()

	reqs := []BatchRequest{
		{Params: url.Values{"command": {"routeConfig"}, "r": {"a"}}, TagName: "route"},
		{Params: url.Values{"command": {"routeConfig"}, "r": {"b"}}, TagName: "route"},
		{Params: url.Values{"command": {"routeConfig"}, "r": {"c"}}, TagName: "route"},
	}
	results, err := c.Batch(ctx, reqs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, want := range []string{"a", "b", "c"} {
		require.NoError(t, results[i].Err)
		require.Len(t, results[i].Elements, 1)
		require.Equal(t, want, results[i].Elements[0].Attr("tag"))
		require.NotZero(t, results[i].Call.ID)
	}

	spent, err := s.BytesFetchedSince(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.NotZero(t, spent)
}

func TestBatchMixesOutcomes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("r") == "bad" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `<body><route tag=%q/></body>`, r.URL.Query().Get("r"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	results, err := c.Batch(context.Background(), []BatchRequest{
		{Params: url.Values{"command": {"routeConfig"}, "r": {"ok"}}, TagName: "route"},
		{Params: url.Values{"command": {"routeConfig"}, "r": {"bad"}}, TagName: "route"},
	})
	require.NoError(t, err)
	require.Len(t, results[0].Elements, 1)
	require.NoError(t, results[1].Err)
	require.Nil(t, results[1].Elements)
	require.NotEmpty(t, results[1].Call.Error)
}
