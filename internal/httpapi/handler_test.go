package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexgate/dispatcher/internal/bus"
	"github.com/cortexgate/dispatcher/internal/dispatch"
	"github.com/cortexgate/dispatcher/internal/executor"
	"github.com/cortexgate/dispatcher/internal/model"
	"github.com/cortexgate/dispatcher/internal/monitor"
	"github.com/cortexgate/dispatcher/internal/ratelimit"
	"github.com/cortexgate/dispatcher/internal/selector"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestModel(t *testing.T, name string, urls ...string) *model.Model {
	t.Helper()
	specs := make([]model.EndpointSpec, len(urls))
	for i, u := range urls {
		specs[i] = model.EndpointSpec{Name: u, URL: u, RequestsPerSecond: 1000}
	}
	lf := func(id string, rps int) *ratelimit.Limiter {
		return ratelimit.New(ratelimit.Config{ID: id, RPS: rps})
	}
	return model.NewModel(name, false, 4096, specs, monitor.DefaultConfig(), lf)
}

func newTestHandler(t *testing.T, models map[string]*model.Model) (*Handler, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.Config{})
	exec := executor.New(executor.Config{MaxRetry: 2, Progress: b})
	h := NewHandler(models, selector.New(selector.DefaultConfig()), exec, b, dispatch.CacheConfig{}, nil)
	return h, b
}

func newTestRouter(h *Handler) *gin.Engine {
	r := gin.New()
	h.Register(r.Group("/api/v1"))
	return r
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestDispatch_Success(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	models := map[string]*model.Model{"m": newTestModel(t, "m", upstream.URL)}
	h, _ := newTestHandler(t, models)
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/v1/dispatch", map[string]any{
		"model": "m",
		"path":  "/v1/chat",
		"data":  map[string]any{"prompt": "hi"},
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["requestId"])
	assert.Equal(t, map[string]any{"ok": true}, resp["response"])
	assert.Equal(t, float64(http.StatusOK), resp["status"])
}

func TestDispatch_UnknownModel(t *testing.T) {
	h, _ := newTestHandler(t, map[string]*model.Model{})
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/v1/dispatch", map[string]any{"model": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDispatch_MissingModelField(t *testing.T) {
	h, _ := newTestHandler(t, map[string]*model.Model{})
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/v1/dispatch", map[string]any{"path": "/x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// Permanent 400s come back as the upstream's response body with the
// upstream status, not as a retried-then-failed gateway error.
func TestDispatch_Permanent400PassesThrough(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	}))
	defer upstream.Close()

	models := map[string]*model.Model{"m": newTestModel(t, "m", upstream.URL)}
	h, _ := newTestHandler(t, models)
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/v1/dispatch", map[string]any{"model": "m"})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(http.StatusBadRequest), resp["status"])
	assert.Equal(t, map[string]any{"error": "bad"}, resp["response"])
}

func TestDispatchAsync_RegistersAndRunsOnSubscribe(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	models := map[string]*model.Model{"m": newTestModel(t, "m", upstream.URL)}
	h, b := newTestHandler(t, models)
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/v1/dispatch/async", map[string]any{"model": "m"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	requestID := accepted["requestId"]
	require.NotEmpty(t, requestID)

	done := make(chan bus.ProgressEvent, 4)
	unsub := b.Subscribe(func(ev bus.ProgressEvent) {
		if ev.RequestID == requestID && ev.Progress >= 1 {
			select {
			case done <- ev:
			default:
			}
		}
	})
	defer unsub()

	w = postJSON(t, r, "/api/v1/progress/subscribe", map[string]any{
		"requestIds": []string{requestID},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case ev := <-done:
		assert.Equal(t, map[string]any{"ok": true}, ev.Data)
		assert.Equal(t, "completed", ev.Info["state"])
	case <-time.After(5 * time.Second):
		t.Fatal("async dispatch never completed")
	}
}

func TestListModels(t *testing.T) {
	models := map[string]*model.Model{"m": newTestModel(t, "m", "http://e1", "http://e2")}
	h, _ := newTestHandler(t, models)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Models []struct {
			Name      string `json:"name"`
			Endpoints []struct {
				URL     string `json:"url"`
				Healthy bool   `json:"healthy"`
			} `json:"endpoints"`
		} `json:"models"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Models, 1)
	assert.Len(t, resp.Models[0].Endpoints, 2)
	assert.True(t, resp.Models[0].Endpoints[0].Healthy)
}

func TestProxyPathway_SelectNewEndpointRebuildsURL(t *testing.T) {
	m := newTestModel(t, "m", "http://e1", "http://e2")
	req := &dispatch.CortexRequest{RequestID: "r", Model: m, Method: http.MethodPost}
	p, err := NewProxyPathway(selector.New(selector.DefaultConfig()), req, "/v1/infer")
	require.NoError(t, err)

	require.NotNil(t, req.SelectedEndpoint)
	first := req.URL
	assert.Contains(t, []string{"http://e1/v1/infer", "http://e2/v1/infer"}, first)

	require.NoError(t, p.SelectNewEndpoint(context.Background()))
	assert.NotEqual(t, first, req.URL)
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://x/v1", joinURL("http://x/", "/v1"))
	assert.Equal(t, "http://x/v1", joinURL("http://x", "v1"))
	assert.Equal(t, "http://x", joinURL("http://x", ""))
}
