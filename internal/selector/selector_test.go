package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexgate/dispatcher/internal/model"
	"github.com/cortexgate/dispatcher/internal/monitor"
	"github.com/cortexgate/dispatcher/internal/ratelimit"
)

func newEndpoint(t *testing.T, name string) *model.Model {
	t.Helper()
	m := model.NewModel(name+"-model", false, 4096,
		[]model.EndpointSpec{{Name: name, URL: "http://" + name}},
		monitor.DefaultConfig(),
		func(id string, rps int) *ratelimit.Limiter { return ratelimit.New(ratelimit.Config{ID: id, RPS: rps}) })
	return m
}

func multiEndpointModel(t *testing.T, names ...string) *model.Model {
	t.Helper()
	specs := make([]model.EndpointSpec, len(names))
	for i, n := range names {
		specs[i] = model.EndpointSpec{Name: n, URL: "http://" + n}
	}
	return model.NewModel("m", false, 4096, specs, monitor.DefaultConfig(),
		func(id string, rps int) *ratelimit.Limiter { return ratelimit.New(ratelimit.Config{ID: id, RPS: rps}) })
}

func TestSelect_NoEndpoints_ReturnsNil(t *testing.T) {
	m := model.NewModel("empty", false, 0, nil, monitor.DefaultConfig(), func(id string, rps int) *ratelimit.Limiter {
		return ratelimit.New(ratelimit.Config{ID: id, RPS: rps})
	})
	s := New(DefaultConfig())
	assert.Nil(t, s.Select(m))
}

func TestSelect_SingleEndpoint_AlwaysReturnsIt(t *testing.T) {
	m := newEndpoint(t, "only")
	s := New(DefaultConfig())
	got := s.Select(m)
	require.NotNil(t, got)
	assert.Equal(t, "only", got.Name)
}

// When no endpoint is healthy, successive calls cycle through ALL
// endpoints in order: E1 on call 1, E2 on call 2, E1 on call 3.
func TestSelect_AllUnhealthy_RoundRobinsAll(t *testing.T) {
	m := multiEndpointModel(t, "e1", "e2")
	for _, e := range m.Endpoints() {
		for i := 0; i < 20; i++ {
			e.Monitor.IncrementErrorCount(e.Monitor.StartCall(), 500)
		}
	}
	for _, e := range m.Endpoints() {
		require.False(t, e.Monitor.Healthy())
	}

	s := New(DefaultConfig())
	first := s.Select(m)
	second := s.Select(m)
	third := s.Select(m)

	assert.Equal(t, "e1", first.Name)
	assert.Equal(t, "e2", second.Name)
	assert.Equal(t, "e1", third.Name)
}

// With at least one healthy endpoint, selector returns a healthy one.
func TestSelect_MixedHealth_ReturnsHealthyOnly(t *testing.T) {
	m := multiEndpointModel(t, "bad", "good")
	bad, good := m.Endpoints()[0], m.Endpoints()[1]
	for i := 0; i < 20; i++ {
		bad.Monitor.IncrementErrorCount(bad.Monitor.StartCall(), 500)
	}
	good.Monitor.EndCall(good.Monitor.StartCall())

	require.False(t, bad.Monitor.Healthy())
	require.True(t, good.Monitor.Healthy())

	s := New(DefaultConfig())
	for i := 0; i < 5; i++ {
		got := s.Select(m)
		assert.Equal(t, "good", got.Name)
	}
}

func TestStddevMillis_EmptySliceIsZero(t *testing.T) {
	assert.Equal(t, 0.0, stddevMillis(nil))
}
