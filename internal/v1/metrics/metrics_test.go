package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistration(t *testing.T) {
	// These are promauto metrics registered against the global default
	// registry, so the main goal is exercising each one without panic.
	// Counters additionally verify the recorded value via testutil.

	t.Run("FramesTotal", func(t *testing.T) {
		FramesTotal.WithLabelValues("setName").Inc()
		val := testutil.ToFloat64(FramesTotal.WithLabelValues("setName"))
		if val < 1 {
			t.Errorf("Expected FramesTotal to be at least 1, got %v", val)
		}
	})

	t.Run("FrameErrors", func(t *testing.T) {
		FrameErrors.WithLabelValues("BAD_JSON").Inc()
		val := testutil.ToFloat64(FrameErrors.WithLabelValues("BAD_JSON"))
		if val < 1 {
			t.Errorf("Expected FrameErrors to be at least 1, got %v", val)
		}
	})

	t.Run("FrameHandleDuration", func(t *testing.T) {
		// Verifying histogram buckets is complex; no-panic is the goal here.
		FrameHandleDuration.WithLabelValues("chatSend").Observe(0.002)
	})

	t.Run("ConnectionGauge", func(t *testing.T) {
		before := testutil.ToFloat64(ActiveConnections)
		IncConnection()
		IncConnection()
		DecConnection()
		after := testutil.ToFloat64(ActiveConnections)
		if after != before+1 {
			t.Errorf("Expected gauge to move by +1, got %v -> %v", before, after)
		}
	})

	t.Run("RoomGauges", func(t *testing.T) {
		ActiveRooms.Set(3)
		ActiveCalls.Set(2)
		if v := testutil.ToFloat64(ActiveRooms); v != 3 {
			t.Errorf("Expected ActiveRooms 3, got %v", v)
		}
		if v := testutil.ToFloat64(ActiveCalls); v != 2 {
			t.Errorf("Expected ActiveCalls 2, got %v", v)
		}
	})

	t.Run("CallEvents", func(t *testing.T) {
		CallEvents.WithLabelValues("start").Inc()
		val := testutil.ToFloat64(CallEvents.WithLabelValues("start"))
		if val < 1 {
			t.Errorf("Expected CallEvents to be at least 1, got %v", val)
		}
	})

	t.Run("ChatMessages", func(t *testing.T) {
		ChatMessages.WithLabelValues("private").Inc()
		val := testutil.ToFloat64(ChatMessages.WithLabelValues("private"))
		if val < 1 {
			t.Errorf("Expected ChatMessages to be at least 1, got %v", val)
		}
	})

	t.Run("PushMetrics", func(t *testing.T) {
		PushSends.WithLabelValues("ok").Inc()
		PushSubscriptions.Set(1)
		CircuitBreakerState.WithLabelValues("webpush").Set(0)
		if v := testutil.ToFloat64(PushSends.WithLabelValues("ok")); v < 1 {
			t.Errorf("Expected PushSends to be at least 1, got %v", v)
		}
	})
}
