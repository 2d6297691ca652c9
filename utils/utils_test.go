package utils

import (
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if ok, remaining, _ := rl.Allow("10.0.0.1"); !ok || remaining != 1 {
		t.Errorf("first request: got %v/%d want true/1", ok, remaining)
	}
	if ok, remaining, _ := rl.Allow("10.0.0.1"); !ok || remaining != 0 {
		t.Errorf("second request: got %v/%d want true/0", ok, remaining)
	}
	ok, _, reset := rl.Allow("10.0.0.1")
	if ok {
		t.Error("third request must be limited")
	}
	if !reset.Equal(now.Add(time.Minute)) {
		t.Errorf("reset: got %v want %v", reset, now.Add(time.Minute))
	}
	if ok, _, _ := rl.Allow("10.0.0.2"); !ok {
		t.Error("other key must not be limited")
	}

	now = now.Add(61 * time.Second)
	if ok, _, _ := rl.Allow("10.0.0.1"); !ok {
		t.Error("request after window must be allowed")
	}
}

func TestHMAC(t *testing.T) {
	key := []byte("gateway-secret")
	body := []byte(`{"obj":{"id":1}}`)

	sig := GenerateHMAC(body, key)
	if !ValidateHMAC(body, sig, key) {
		t.Error("valid signature rejected")
	}
	if ValidateHMAC([]byte(`{"obj":{"id":2}}`), sig, key) {
		t.Error("signature of other body accepted")
	}
	if ValidateHMAC(body, sig, nil) {
		t.Error("empty key must reject")
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordReminder("overdue")
	m.RecordSweep("completed", time.Second)
	m.RecordPayment("CASH", "PENDING")
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordReminder("overdue")
	m.RecordReminder("overdue")
	m.RecordGatewayFailure("create_order")

	if got := testutil.ToFloat64(m.remindersSent.WithLabelValues("overdue")); got != 2 {
		t.Errorf("reminders: got %v want 2", got)
	}
	if got := testutil.ToFloat64(m.gatewayFailures.WithLabelValues("create_order")); got != 1 {
		t.Errorf("gateway failures: got %v want 1", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): got %v want %v", in, got, want)
		}
	}
}
