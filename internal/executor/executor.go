// Package executor implements the request executor — the heart of the
// dispatcher: the retry loop, hedged duplicate requests with
// stagger+jitter and mutual cancellation, error classification, streaming
// buffering, and pluggable response caching.
//
// Hedging's first-success-wins, cancel-the-rest race is implemented with
// one cancellable context.Context per competitor and a buffered result
// channel rather than shared mutable state.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cortexgate/dispatcher/internal/dispatch"
	"github.com/cortexgate/dispatcher/internal/model"
	"github.com/cortexgate/dispatcher/internal/ratelimit"
)

// Default tuning constants.
const (
	DefaultMaxRetry               = 6
	DefaultMaxDuplicateRequests   = 3
	DefaultDuplicateRequestAfter  = 10 * time.Second
	DefaultRequestTimeout         = 30 * time.Second
	DefaultCacheTTL               = dispatch.DefaultCacheTTL
	requestIndexHeader            = "X-Cortex-Request-Index"
)

// ProgressPublisher is the narrow surface the executor uses to report
// streaming chunks to the progress bus without importing it —
// internal/bus.Bus satisfies this structurally.
type ProgressPublisher interface {
	PublishRequestProgress(ctx context.Context, requestID string, progress float64, info map[string]any, data any)
}

// Result is the executor's success-path return value: the parsed
// response body, how long the winning attempt took, whether it came from
// cache, and the upstream HTTP status. A non-retriable 4xx also comes
// back as a Result carrying the upstream's error body and status — the
// caller gets the response object rather than a thrown error.
type Result struct {
	Response any
	Duration time.Duration
	Status   int
	Cached   bool
}

// Config configures an Executor. Zero value is usable; defaults are
// applied by New.
type Config struct {
	MaxRetry                int
	MaxDuplicateRequests    int
	DuplicateRequestAfter   time.Duration
	EnableDuplicateRequests bool
	DefaultTimeout          time.Duration

	Cache Cache

	HTTPClient *http.Client
	Logger     *zap.Logger
	Tracer     trace.Tracer
	Progress   ProgressPublisher
}

func (c Config) withDefaults() Config {
	if c.MaxRetry <= 0 {
		c.MaxRetry = DefaultMaxRetry
	}
	if c.MaxDuplicateRequests <= 0 {
		c.MaxDuplicateRequests = DefaultMaxDuplicateRequests
	}
	if c.DuplicateRequestAfter <= 0 {
		c.DuplicateRequestAfter = DefaultDuplicateRequestAfter
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultRequestTimeout
	}
	if c.Cache == nil {
		c.Cache = NewMemoryCache()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer("github.com/cortexgate/dispatcher/internal/executor")
	}
	return c
}

// Executor drives one CortexRequest through the retry/hedge loop.
// Construct with New; safe for concurrent use across many requests — all
// per-request state lives on the stack of Execute and its helpers.
type Executor struct {
	cfg Config
}

// New constructs an Executor.
func New(cfg Config) *Executor {
	return &Executor{cfg: cfg.withDefaults()}
}

// Execute drives pathway's CortexRequest through the full retry/hedge
// lifecycle and returns the result or a *dispatch.Error.
func (e *Executor) Execute(ctx context.Context, p dispatch.Pathway) (*Result, error) {
	req := p.Request()
	if req.Model == nil || len(req.Model.Endpoints()) == 0 {
		return nil, dispatch.NewConfig("model has no endpoints configured")
	}
	multiEndpoint := len(req.Model.Endpoints()) > 1

	enableDup := e.cfg.EnableDuplicateRequests
	if req.EnableDuplicateRequests != nil {
		enableDup = *req.EnableDuplicateRequests
	}
	maxDup := 1
	if enableDup {
		maxDup = e.cfg.MaxDuplicateRequests
	}
	dupAfter := e.cfg.DuplicateRequestAfter
	if req.DuplicateRequestAfter != nil {
		dupAfter = *req.DuplicateRequestAfter
	}

	var lastErr *dispatch.Error
	loggedUnsupportedStream := false

	for attempt := 0; attempt < e.cfg.MaxRetry; attempt++ {
		streamRequested := req.StreamRequested()
		streaming := streamRequested && req.Model.SupportsStreaming
		if streamRequested && !req.Model.SupportsStreaming {
			req.ClearStreamFlags()
			if !loggedUnsupportedStream {
				e.cfg.Logger.Warn("executor: streaming requested but model does not support it, falling back",
					zap.String("model", req.Model.Name), zap.String("request_id", req.RequestID))
				loggedUnsupportedStream = true
			}
		}

		effMaxDup := maxDup
		if streaming {
			effMaxDup = 1
		}

		var cacheKey string
		if !streaming && req.Cache.Enabled && cacheable(req.Method) {
			cacheKey = cacheKeyFor(req)
			if v, ok := e.cfg.Cache.Get(cacheKey); ok {
				return &Result{Response: v, Cached: true}, nil
			}
		}

		result, derr := e.raceAttempt(ctx, p, req, streaming, effMaxDup, dupAfter, attempt)
		if derr == nil {
			if cacheKey != "" {
				ttl := req.Cache.TTL
				if ttl <= 0 {
					ttl = DefaultCacheTTL
				}
				e.cfg.Cache.Set(cacheKey, result.Response, ttl)
			}
			return result, nil
		}
		lastErr = derr

		switch {
		case derr.Kind == dispatch.KindPermanentUpstream:
			// Surfaced to the caller as a successful Result carrying the
			// error body and status — not retried.
			return result, nil
		case derr.Kind == dispatch.KindConfig, derr.Kind == dispatch.KindCancellation:
			return nil, derr
		case !derr.Retriable():
			return result, nil
		}

		if attempt == e.cfg.MaxRetry-1 {
			break
		}

		var selErr error
		if multiEndpoint {
			selErr = p.SelectNewEndpoint(ctx)
		} else {
			selErr = p.InitRequest(ctx)
		}
		if selErr != nil {
			return nil, dispatch.NewConfig("rebuild request for retry: " + selErr.Error())
		}

		delay := derr.RetryAfter
		if delay <= 0 {
			if derr.Status == http.StatusTooManyRequests {
				delay = backoffDelay(rateLimitBaseDelay, attempt)
			} else {
				delay = backoffDelay(retryBaseDelay, attempt)
			}
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, dispatch.NewCancellation("executor: context cancelled during retry backoff", 0)
		}
	}

	if lastErr == nil {
		lastErr = dispatch.NewConfig("executor: exhausted retries with no recorded error")
	}
	return nil, lastErr
}

type competitorResult struct {
	idx  int
	resp *Result
	err  *dispatch.Error
}

// raceAttempt runs up to maxDup hedge competitors for one retry attempt and
// returns the winner: first 2xx wins; absent that, the first definitive
// (permanent) failure ends the race early; otherwise the race runs out and
// the last transient failure is returned for the outer retry loop to act on.
func (e *Executor) raceAttempt(ctx context.Context, p dispatch.Pathway, req *dispatch.CortexRequest, streaming bool, maxDup int, dupAfter time.Duration, attempt int) (*Result, *dispatch.Error) {
	raceCtx, cancelRace := context.WithCancel(ctx)
	defer cancelRace()

	resultCh := make(chan competitorResult, maxDup)
	var selectMu sync.Mutex // at most one concurrent SelectedEndpoint swap per request
	var wg sync.WaitGroup

	for k := 0; k < maxDup; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			e.runCompetitor(raceCtx, p, req, streaming, dupAfter, k, attempt, &selectMu, resultCh)
		}(k)
	}
	go func() { wg.Wait(); close(resultCh) }()

	var lastErr *dispatch.Error
	received := 0
	for cr := range resultCh {
		received++
		switch {
		case cr.err == nil:
			cancelRace()
			return cr.resp, nil
		case cr.err.Kind == dispatch.KindCancellation:
			if maxDup == 1 {
				lastErr = cr.err
			}
			continue
		case cr.err.Kind == dispatch.KindPermanentUpstream, cr.err.Kind == dispatch.KindConfig:
			cancelRace()
			return cr.resp, cr.err
		default:
			lastErr = cr.err
		}
		if received == maxDup {
			break
		}
	}
	cancelRace()
	if lastErr == nil {
		lastErr = dispatch.NewCancellation("executor: all hedge competitors were cancelled", 0)
	}
	return nil, lastErr
}

func (e *Executor) runCompetitor(raceCtx context.Context, p dispatch.Pathway, req *dispatch.CortexRequest, streaming bool, dupAfter time.Duration, k, attempt int, selectMu *sync.Mutex, resultCh chan<- competitorResult) {
	if delay := hedgeDelay(dupAfter, k); delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-raceCtx.Done():
			return
		}
	}
	if raceCtx.Err() != nil {
		return
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	expiration := timeout + time.Second
	compCtx, compCancel := context.WithTimeout(raceCtx, expiration)
	defer compCancel()

	selectMu.Lock()
	if k > 0 {
		if err := p.SelectNewEndpoint(compCtx); err != nil {
			selectMu.Unlock()
			resultCh <- competitorResult{idx: k, err: dispatch.NewConfig("select new endpoint for hedge: " + err.Error())}
			return
		}
	}
	ep := req.SelectedEndpoint
	url, method, headers, data := req.URL, req.Method, cloneHeaders(req.Headers), req.Data
	selectMu.Unlock()

	if ep == nil {
		resultCh <- competitorResult{idx: k, err: dispatch.NewConfig("no endpoint selected")}
		return
	}

	res, derr := e.doOne(compCtx, req.RequestID, url, method, headers, req.Params, data, ep, k, streaming)
	resultCh <- competitorResult{idx: k, resp: res, err: derr}
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// doOne issues exactly one outbound HTTP attempt against ep through its
// limiter, observed by its monitor: 2xx ends the call, anything else
// increments the error count, a cancellation touches neither rate.
func (e *Executor) doOne(ctx context.Context, requestID, rawURL, method string, headers map[string]string, params map[string]any, data any, ep *model.Endpoint, index int, streaming bool) (*Result, *dispatch.Error) {
	span, ctx := e.startSpan(ctx, ep, index)
	defer span.End()

	callID := ep.Monitor.StartCall()
	jobID := requestID + "-" + uuid.NewString()

	jobFn := func(jctx context.Context) (any, error) {
		httpReq, err := buildHTTPRequest(jctx, rawURL, method, headers, params, data, index)
		if err != nil {
			return nil, err
		}
		return e.cfg.HTTPClient.Do(httpReq)
	}

	expiration := dispatchExpirationFromContext(ctx)
	v, err := ep.Limiter.Schedule(ctx, ratelimit.Options{Expiration: expiration, ID: jobID}, jobFn)

	switch {
	case errors.Is(err, ratelimit.ErrCancelled), errors.Is(err, context.Canceled):
		ep.Monitor.CancelCall(callID)
		span.SetStatus(codes.Error, "cancelled")
		return nil, dispatch.NewCancellation("attempt cancelled", 0)
	case errors.Is(err, ratelimit.ErrScheduleExpired):
		dur := ep.Monitor.IncrementErrorCount(callID, 0)
		span.SetStatus(codes.Error, "schedule expired")
		return nil, withDuration(dispatch.NewScheduleExpired("limiter schedule expired for "+jobID), dur)
	case err != nil:
		dur := ep.Monitor.IncrementErrorCount(callID, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &dispatch.Error{Kind: dispatch.ClassifyStatus(0, true), Code: "TRANSPORT_ERROR", Message: err.Error(), Duration: dur, Err: err}
	}

	resp := v.(*http.Response)
	defer resp.Body.Close()

	status := resp.StatusCode
	if status >= 200 && status < 300 {
		dur := ep.Monitor.EndCall(callID)
		span.SetAttributes(attribute.Int("http.status_code", status))

		var (
			parsed any
			perr   error
		)
		if streaming {
			parsed, perr = e.consumeStream(ctx, requestID, resp.Body)
		} else {
			parsed, perr = decodeJSON(resp.Body)
		}
		if perr != nil {
			span.RecordError(perr)
			return nil, &dispatch.Error{Kind: dispatch.KindTransientUpstream, Code: "DECODE_ERROR", Message: perr.Error(), Duration: dur, Err: perr}
		}
		return &Result{Response: parsed, Duration: dur, Status: status}, nil
	}

	dur := ep.Monitor.IncrementErrorCount(callID, status)
	body, _ := decodeJSON(resp.Body)
	kind := dispatch.ClassifyStatus(status, false)
	span.SetAttributes(attribute.Int("http.status_code", status))
	span.SetStatus(codes.Error, resp.Status)

	derr := &dispatch.Error{
		Kind: kind, Code: httpErrorCode(status), Status: status, StatusText: resp.Status,
		Message: fmt.Sprintf("upstream %s returned %d", ep.URL, status), Duration: dur,
	}
	if status == http.StatusTooManyRequests {
		derr.RetryAfter = parseRetryAfter(resp)
	}
	if kind == dispatch.KindPermanentUpstream {
		return &Result{Response: body, Duration: dur, Status: status}, derr
	}
	return nil, derr
}

func (e *Executor) startSpan(ctx context.Context, ep *model.Endpoint, index int) (trace.Span, context.Context) {
	ctx, span := e.cfg.Tracer.Start(ctx, "executor.attempt",
		trace.WithAttributes(
			attribute.String("cortex.endpoint", ep.URL),
			attribute.Int("cortex.request_index", index),
		))
	return span, ctx
}

func dispatchExpirationFromContext(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
	}
	return DefaultRequestTimeout
}

func parseRetryAfter(resp *http.Response) time.Duration {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func httpErrorCode(status int) string {
	return "UPSTREAM_" + strconv.Itoa(status)
}

func buildHTTPRequest(ctx context.Context, rawURL, method string, headers map[string]string, params map[string]any, data any, index int) (*http.Request, error) {
	var body io.Reader
	if data != nil && methodHasBody(method) {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("executor: marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("executor: build request: %w", err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if len(params) > 0 {
		q := httpReq.URL.Query()
		for k, v := range params {
			if k == "stream" {
				continue
			}
			q.Set(k, fmt.Sprint(v))
		}
		httpReq.URL.RawQuery = q.Encode()
	}
	httpReq.Header.Set(requestIndexHeader, strconv.Itoa(index))
	return httpReq, nil
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func decodeJSON(r io.Reader) (any, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func cacheKeyFor(req *dispatch.CortexRequest) string {
	var ep string
	if req.SelectedEndpoint != nil {
		ep = req.SelectedEndpoint.URL
	}
	b, _ := json.Marshal(struct {
		Method string
		URL    string
		Params map[string]any
		Data   any
	}{req.Method, req.URL, req.Params, req.Data})
	return fmt.Sprintf("%s|%s|%s", req.Method, ep, b)
}

// withDuration is a tiny helper letting doOne attach a measured duration to
// a *dispatch.Error built by a constructor that doesn't take one.
func withDuration(e *dispatch.Error, d time.Duration) *dispatch.Error {
	e.Duration = d
	return e
}
