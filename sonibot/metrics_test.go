package sonibot

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(
		t, func() {
			m.observeTick()
			m.observeScanError()
			m.observeBatch(TickResult{Due: 1, Delivered: 1}, time.Second)
			m.observeDeliveryAttempt(time.Second, nil)
			m.setBreakerState(gobreaker.StateOpen)
			m.setGatewayConnected(true)
			m.observeCommand("reminder", nil)
			m.observeHTTPRequest(http.MethodGet, "/healthz", http.StatusOK, time.Millisecond)
		},
	)
}

func TestMetrics_Observe(t *testing.T) {
	m := NewMetrics()

	m.observeTick()
	m.observeTick()
	m.observeScanError()
	assert.InDelta(t, 2, testutil.ToFloat64(m.pollTicks), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.pollScanErrors), 0)

	m.observeBatch(TickResult{Due: 4, Delivered: 2, Failed: 1, Deferred: 1}, time.Second)
	assert.InDelta(t, 2, testutil.ToFloat64(m.reminders.WithLabelValues(string(outcomeDelivered))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.reminders.WithLabelValues(string(outcomeFailed))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.reminders.WithLabelValues(string(outcomeDeferred))), 0)

	m.observeDeliveryAttempt(time.Millisecond, nil)
	m.observeDeliveryAttempt(time.Millisecond, errors.New("timeout"))
	m.observeDeliveryAttempt(time.Millisecond, &PermanentDeliveryError{Err: errors.New("gone")})
	assert.InDelta(t, 1, testutil.ToFloat64(m.deliveryAttempts.WithLabelValues("ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.deliveryAttempts.WithLabelValues("error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.deliveryAttempts.WithLabelValues("permanent_error")), 0)

	m.setBreakerState(gobreaker.StateOpen)
	assert.InDelta(t, float64(gobreaker.StateOpen), testutil.ToFloat64(m.breakerState), 0)

	m.setGatewayConnected(true)
	assert.InDelta(t, 1, testutil.ToFloat64(m.gatewayConnected), 0)
	m.setGatewayConnected(false)
	assert.InDelta(t, 0, testutil.ToFloat64(m.gatewayConnected), 0)

	m.observeCommand("reminder", nil)
	m.observeCommand("reminder", errors.New("boom"))
	assert.InDelta(t, 1, testutil.ToFloat64(m.commands.WithLabelValues("reminder", "error")), 0)

	m.observeHTTPRequest(http.MethodGet, "/healthz", http.StatusOK, time.Millisecond)
	assert.InDelta(
		t,
		1,
		testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/healthz", "200")),
		0,
	)
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.observeTick()

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "sonibot_poll_ticks_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
