// Package nextbus speaks the upstream public XML feed: single and batched
// GET requests with quota prechecks, call logging, and normalization of the
// attribute soup into typed records.
package nextbus

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/busmap/busmapd/pkg/model"
	"github.com/busmap/busmapd/pkg/pool"
	"github.com/busmap/busmapd/pkg/quota"
	"github.com/busmap/busmapd/pkg/store"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "busmap",
		Name:      "upstream_requests_total",
		Help:      "Total upstream feed requests by outcome.",
	}, []string{"outcome"})
	metricBytesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "busmap",
		Name:      "upstream_bytes_fetched_total",
		Help:      "Total bytes drawn from the upstream feed, failures included.",
	})
)

// FatalError is an upstream API error with shouldRetry="false". Retrying the
// same request will keep failing, so the task must abort.
type FatalError struct {
	Message string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("upstream rejected request: %s", e.Message)
}

type Config struct {
	URL           string       `yaml:"url"`
	MaxConcurrent int          `yaml:"max_concurrent_requests"`
	Quota         quota.Config `yaml:"quota"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URL, prefix+"nextbus.url", "http://webservices.nextbus.com/service/publicXMLFeed", "Upstream feed endpoint.")
	f.IntVar(&cfg.MaxConcurrent, prefix+"nextbus.max-concurrent-requests", 50, "Concurrent request cap for batched dispatch.")
	cfg.Quota.RegisterFlagsAndApplyDefaults(prefix, f)
}

// Client issues requests against the feed. Every request, failed or not, is
// persisted as an APICall row so the quota meter stays truthful.
type Client struct {
	cfg        Config
	httpClient *http.Client
	meter      *quota.Meter
	calls      store.APICallWriter
	pool       *pool.Pool
	logger     log.Logger
}

func NewClient(cfg Config, meter *quota.Meter, calls store.APICallWriter, logger log.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		meter:      meter,
		calls:      calls,
		pool: pool.NewPool(pool.Config{
			MaxWorkers: cfg.MaxConcurrent,
			QueueDepth: 10 * cfg.MaxConcurrent,
		}),
		logger: logger,
	}
}

// Shutdown stops the fan-out workers.
func (c *Client) Shutdown() {
	c.pool.Shutdown()
}

// Request performs one GET and logs its APICall row. A transient failure
// (connection error, non-200, shouldRetry="true", unparseable body) returns
// nil elements and nil error. A shouldRetry="false" API error returns a
// *FatalError. Quota exhaustion returns quota.ErrQuotaExhausted before any
// bytes move.
func (c *Client) Request(ctx context.Context, params url.Values, tagName string) ([]*Element, *model.APICall, error) {
	elements, call, err := c.do(ctx, params, tagName)
	if call != nil {
		if insErr := c.calls.InsertAPICall(ctx, call); insErr != nil {
			return nil, call, fmt.Errorf("failed to log upstream call: %w", insErr)
		}
	}
	return elements, call, err
}

// BatchRequest is one request of a concurrent batch.
type BatchRequest struct {
	Params  url.Values
	TagName string
}

// BatchResult mirrors its BatchRequest by position. Elements is nil on a
// transient failure; Err carries quota exhaustion or a fatal upstream error.
type BatchResult struct {
	Elements []*Element
	Call     *model.APICall
	Err      error
}

// Batch dispatches the requests concurrently, capped by the worker pool, and
// persists every APICall row in one atomic write after fan-in. Results keep
// the input order.
func (c *Client) Batch(ctx context.Context, reqs []BatchRequest) ([]BatchResult, error) {
	payloads := make([]interface{}, len(reqs))
	for i := range reqs {
		payloads[i] = reqs[i]
	}

	type fetched struct {
		elements []*Element
		call     *model.APICall
	}
	results, errs, err := c.pool.RunJobs(ctx, payloads, func(ctx context.Context, payload interface{}) (interface{}, error) {
		req := payload.(BatchRequest)
		elements, call, err := c.do(ctx, req.Params, req.TagName)
		return fetched{elements: elements, call: call}, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch upstream batch: %w", err)
	}

	out := make([]BatchResult, len(reqs))
	var calls []*model.APICall
	for i := range reqs {
		f, ok := results[i].(fetched)
		if ok {
			out[i] = BatchResult{Elements: f.elements, Call: f.call, Err: errs[i]}
			if f.call != nil {
				calls = append(calls, f.call)
			}
			continue
		}
		out[i] = BatchResult{Err: errs[i]}
	}

	if len(calls) > 0 {
		if err := c.calls.InsertAPICalls(ctx, calls); err != nil {
			return nil, fmt.Errorf("failed to log upstream batch: %w", err)
		}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, params url.Values, tagName string) ([]*Element, *model.APICall, error) {
	if err := c.meter.Precheck(ctx); err != nil {
		metricRequests.WithLabelValues("quota").Inc()
		return nil, nil, err
	}

	call := &model.APICall{
		URL:    c.cfg.URL,
		Params: params,
		Source: model.SourceNextbus,
		Time:   time.Now(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		call.Error = err.Error()
		metricRequests.WithLabelValues("transient").Inc()
		level.Warn(c.logger).Log("msg", "upstream request failed", "command", params.Get("command"), "err", err)
		return nil, call, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	call.Status = resp.StatusCode
	call.Size = int64(len(body))
	metricBytesFetched.Add(float64(len(body)))
	if err != nil {
		call.Error = err.Error()
		metricRequests.WithLabelValues("transient").Inc()
		return nil, call, nil
	}

	if resp.StatusCode != http.StatusOK {
		call.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		metricRequests.WithLabelValues("transient").Inc()
		level.Warn(c.logger).Log("msg", "upstream returned non-200", "command", params.Get("command"), "status", resp.StatusCode)
		return nil, call, nil
	}

	root, err := parseDocument(bytes.NewReader(body))
	if err != nil {
		call.Error = err.Error()
		metricRequests.WithLabelValues("transient").Inc()
		level.Warn(c.logger).Log("msg", "upstream body did not parse", "command", params.Get("command"), "err", err)
		return nil, call, nil
	}

	if apiErrs := root.FindAll("Error"); len(apiErrs) > 0 {
		apiErr := apiErrs[0]
		call.Error = apiErr.Text
		if apiErr.Attr("shouldRetry") == "true" {
			metricRequests.WithLabelValues("transient").Inc()
			level.Warn(c.logger).Log("msg", "upstream asked for retry", "command", params.Get("command"), "text", apiErr.Text)
			return nil, call, nil
		}
		metricRequests.WithLabelValues("fatal").Inc()
		level.Error(c.logger).Log("msg", "upstream returned fatal error", "command", params.Get("command"), "text", apiErr.Text)
		return nil, call, &FatalError{Message: apiErr.Text}
	}

	metricRequests.WithLabelValues("ok").Inc()
	level.Debug(c.logger).Log("msg", "upstream request complete", "command", params.Get("command"), "size", humanize.Bytes(uint64(len(body))))
	return root.FindAll(tagName), call, nil
}
