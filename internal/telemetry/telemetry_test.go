package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"xr-multiplayer/internal/presence"
	"xr-multiplayer/internal/protocol"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverCountsOutcomes(t *testing.T) {
	m := New()
	observe := m.Observer("client")

	msg := &protocol.Message{Type: protocol.TypePosition}
	observe(msg, presence.Result{Outcome: presence.Applied})
	observe(msg, presence.Result{Outcome: presence.Applied})
	observe(msg, presence.Result{Outcome: presence.Stale})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatched.WithLabelValues("client", "position-update", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatched.WithLabelValues("client", "position-update", "stale")))
}

func TestGaugesAndRejections(t *testing.T) {
	m := New()

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetRooms(3)
	m.Rejected(protocol.RejectRoomFull)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.rooms))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("room_full")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveLatency(40 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "xr_channel_latency_seconds_count 1")
}
