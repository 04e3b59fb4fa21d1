package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cortexgate/dispatcher/internal/bus"
	"github.com/cortexgate/dispatcher/internal/dispatch"
	"github.com/cortexgate/dispatcher/internal/executor"
	"github.com/cortexgate/dispatcher/internal/logger"
	"github.com/cortexgate/dispatcher/internal/model"
	"github.com/cortexgate/dispatcher/internal/selector"
)

// Handler exposes the dispatch surface over HTTP.
type Handler struct {
	models   map[string]*model.Model
	selector *selector.Selector
	executor *executor.Executor
	bus      *bus.Bus
	cache    dispatch.CacheConfig
	logger   *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(models map[string]*model.Model, sel *selector.Selector, exec *executor.Executor, b *bus.Bus, cache dispatch.CacheConfig, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{models: models, selector: sel, executor: exec, bus: b, cache: cache, logger: log}
}

// Register mounts the dispatch routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/dispatch", h.Dispatch)
	r.POST("/dispatch/async", h.DispatchAsync)
	r.POST("/progress/subscribe", h.SubscribeProgress)
	r.GET("/progress/:requestId", h.StreamProgress)
	r.GET("/models", h.ListModels)
}

// dispatchBody is the ingress request shape.
type dispatchBody struct {
	Model   string            `json:"model" binding:"required"`
	Path    string            `json:"path"`
	Method  string            `json:"method"`
	Params  map[string]any    `json:"params"`
	Headers map[string]string `json:"headers"`
	Data    any               `json:"data"`
	Stream  bool              `json:"stream"`

	TimeoutSeconds               int   `json:"timeoutSeconds"`
	EnableDuplicateRequests      *bool `json:"enableDuplicateRequests"`
	DuplicateRequestAfterSeconds *int  `json:"duplicateRequestAfterSeconds"`
}

// buildRequest turns an ingress body into a CortexRequest wrapped in a
// ProxyPathway. The requestId comes from the RequestID middleware when
// present so gateway logs and progress events correlate with access logs.
func (h *Handler) buildRequest(c *gin.Context, body *dispatchBody) (*ProxyPathway, *dispatch.CortexRequest, error) {
	m, ok := modelLookup(h.models, body.Model)
	if !ok {
		return nil, nil, errUnknownModel
	}

	requestID := c.GetString("request_id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	method := body.Method
	if method == "" {
		method = http.MethodPost
	}

	req := &dispatch.CortexRequest{
		RequestID:   requestID,
		PathwayName: "proxy",
		Model:       m,
		Method:      method,
		Params:      body.Params,
		Headers:     body.Headers,
		Data:        body.Data,
		Stream:      body.Stream,
		Cache:       h.cache,
	}
	if body.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(body.TimeoutSeconds) * time.Second
	}
	req.EnableDuplicateRequests = body.EnableDuplicateRequests
	if body.DuplicateRequestAfterSeconds != nil {
		d := time.Duration(*body.DuplicateRequestAfterSeconds) * time.Second
		req.DuplicateRequestAfter = &d
	}

	p, err := NewProxyPathway(h.selector, req, body.Path)
	if err != nil {
		return nil, nil, err
	}
	return p, req, nil
}

var errUnknownModel = &dispatch.Error{Kind: dispatch.KindConfig, Code: "UNKNOWN_MODEL", Message: "unknown model"}

// Dispatch drives one request through the executor synchronously and
// returns the upstream's parsed response.
func (h *Handler) Dispatch(c *gin.Context) {
	var body dispatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, req, err := h.buildRequest(c, &body)
	if err != nil {
		status := http.StatusBadRequest
		if err == errUnknownModel {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	reqLog := logger.FromGin(c)
	res, err := h.executor.Execute(c.Request.Context(), p)
	if err != nil {
		reqLog.Warn("dispatch failed",
			zap.String("request_id", req.RequestID),
			zap.String("model", body.Model),
			zap.Error(err))
		c.JSON(upstreamStatusOf(err), gin.H{
			"requestId": req.RequestID,
			"error":     err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requestId":  req.RequestID,
		"endpoint":   endpointOf(req),
		"status":     res.Status,
		"cached":     res.Cached,
		"durationMs": res.Duration.Milliseconds(),
		"response":   res.Response,
	})
}

// upstreamStatusOf maps an executor error to an ingress HTTP status.
func upstreamStatusOf(err error) int {
	derr, ok := err.(*dispatch.Error)
	if !ok {
		return http.StatusBadGateway
	}
	switch derr.Kind {
	case dispatch.KindConfig:
		return http.StatusBadRequest
	case dispatch.KindCancellation:
		return 499 // client closed request
	case dispatch.KindScheduleExpired:
		return http.StatusGatewayTimeout
	default:
		if derr.Status >= 400 {
			return derr.Status
		}
		return http.StatusBadGateway
	}
}

// DispatchAsync registers the request on the progress bus and returns its
// requestId without executing it. Execution begins when any instance
// announces the id via /progress/subscribe (locally, or via the shared
// channel when clustered), with progress fanned out to subscribers.
func (h *Handler) DispatchAsync(c *gin.Context) {
	var body dispatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, req, err := h.buildRequest(c, &body)
	if err != nil {
		status := http.StatusBadRequest
		if err == errUnknownModel {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	h.bus.Register(req.RequestID, h.resolver(p), nil)
	c.JSON(http.StatusAccepted, gin.H{"requestId": req.RequestID})
}

// resolver adapts an executor run into a bus.Resolver: publish 0 progress
// at start and 1.0 with the result (or the error) at the end. useRedis is
// already baked into the bus's routing decision for this requestId; the
// resolver only reports.
func (h *Handler) resolver(p *ProxyPathway) bus.Resolver {
	return func(ctx context.Context, _ any, _ bool) error {
		req := p.Request()
		h.bus.PublishRequestProgress(ctx, req.RequestID, 0, map[string]any{"state": "started"}, nil)

		res, err := h.executor.Execute(ctx, p)
		if err != nil {
			h.bus.PublishRequestProgress(ctx, req.RequestID, 1, map[string]any{"state": "failed", "error": err.Error()}, nil)
			return err
		}
		h.bus.PublishRequestProgress(ctx, req.RequestID, 1, map[string]any{"state": "completed"}, res.Response)
		return nil
	}
}

type subscribeBody struct {
	RequestIDs []string `json:"requestIds" binding:"required"`
}

// SubscribeProgress announces interest in a set of requestIds: ids owned
// by this instance start executing locally; foreign ids are published on
// the shared subscription channel for their owner to pick up.
func (h *Handler) SubscribeProgress(c *gin.Context) {
	var body subscribeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.bus.PublishRequestProgressSubscription(c.Request.Context(), body.RequestIDs)
	c.JSON(http.StatusAccepted, gin.H{"requestIds": body.RequestIDs})
}

// StreamProgress streams progress events for one requestId as SSE until
// the request reports progress >= 1 or the client disconnects.
func (h *Handler) StreamProgress(c *gin.Context) {
	requestID := c.Param("requestId")

	events := make(chan bus.ProgressEvent, 16)
	unsubscribe := h.bus.Subscribe(func(ev bus.ProgressEvent) {
		if ev.RequestID != requestID {
			return
		}
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				return false
			}
			c.SSEvent("progress", string(payload))
			return ev.Progress < 1
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// ListModels reports the configured catalog with live per-endpoint
// monitor snapshots, the HTTP view of C1's observability signals.
func (h *Handler) ListModels(c *gin.Context) {
	out := make([]gin.H, 0, len(h.models))
	for name, m := range h.models {
		endpoints := make([]gin.H, 0, len(m.Endpoints()))
		for _, ep := range m.Endpoints() {
			endpoints = append(endpoints, gin.H{
				"name":              ep.Name,
				"url":               ep.URL,
				"requestsPerSecond": ep.RequestsPerSecond,
				"healthy":           ep.Monitor.Healthy(),
				"avgCallDurationMs": ep.Monitor.GetAverageCallDuration().Milliseconds(),
				"errorRate":         ep.Monitor.GetErrorRate(),
				"error429Rate":      ep.Monitor.GetError429Rate(),
			})
		}
		out = append(out, gin.H{
			"name":              name,
			"supportsStreaming": m.SupportsStreaming,
			"maxTokenLength":    m.MaxTokenLength,
			"endpoints":         endpoints,
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}
