package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, state string) float64 {
	t.Helper()
	var m dto.Metric
	if err := ConnectionState.WithLabelValues(state).Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestSetConnectionState(t *testing.T) {
	states := []string{"disconnected", "connecting", "connected", "reconnecting"}

	SetConnectionState("connected", states)

	if got := gaugeValue(t, "connected"); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}
	for _, s := range []string{"disconnected", "connecting", "reconnecting"} {
		if got := gaugeValue(t, s); got != 0 {
			t.Errorf("%s = %v, want 0", s, got)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	EventsTotal.WithLabelValues("message").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "whisper_sync_events_total") {
		t.Error("expected whisper_sync_events_total in metrics output")
	}
}
