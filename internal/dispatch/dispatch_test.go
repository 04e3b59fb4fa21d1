package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status  int
		isReset bool
		want    Kind
	}{
		{400, false, KindPermanentUpstream},
		{413, false, KindPermanentUpstream},
		{408, false, KindTransientUpstream},
		{429, false, KindTransientUpstream},
		{500, false, KindTransientUpstream},
		{502, false, KindTransientUpstream},
		{503, false, KindTransientUpstream},
		{504, false, KindTransientUpstream},
		{0, true, KindTransientUpstream}, // ECONNRESET -> 502
		{404, false, KindPermanentUpstream},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyStatus(c.status, c.isReset), "status=%d isReset=%v", c.status, c.isReset)
	}
}

func TestError_Retriable(t *testing.T) {
	assert.True(t, NewTransientUpstream(503, "", "", 0, nil).Retriable())
	assert.True(t, NewScheduleExpired("").Retriable())
	assert.False(t, NewPermanentUpstream(400, "", "", 0, nil).Retriable())
	assert.False(t, NewCancellation("", 0).Retriable())
	assert.False(t, NewConfig("").Retriable())
}

func TestCortexRequest_StreamRequested(t *testing.T) {
	r := &CortexRequest{}
	assert.False(t, r.StreamRequested())

	r.Stream = true
	assert.True(t, r.StreamRequested())

	r2 := &CortexRequest{Params: map[string]any{"stream": true}}
	assert.True(t, r2.StreamRequested())

	r3 := &CortexRequest{Data: map[string]any{"stream": true}}
	assert.True(t, r3.StreamRequested())
}

func TestCortexRequest_ClearStreamFlags(t *testing.T) {
	r := &CortexRequest{
		Stream: true,
		Params: map[string]any{"stream": true},
		Data:   map[string]any{"stream": true},
	}
	r.ClearStreamFlags()
	assert.False(t, r.StreamRequested())
	_, hasParam := r.Params["stream"]
	assert.False(t, hasParam)
}
