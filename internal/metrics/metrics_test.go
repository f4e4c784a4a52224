package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		200: "2xx",
		204: "2xx",
		304: "3xx",
		404: "4xx",
		429: "4xx",
		500: "5xx",
	}
	for code, want := range tests {
		if got := StatusClass(code); got != want {
			t.Errorf("StatusClass(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	Init()
	Init()
	Deliveries.WithLabelValues(OutcomeDelivered).Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pushflow_deliveries_total") {
		t.Error("expected pushflow_deliveries_total in exposition")
	}
}

func TestDevicesGaugeReadsCounter(t *testing.T) {
	Init()
	n := 3.0
	SetDeviceCounter(func() float64 { return n })

	scrape := func() string {
		rec := httptest.NewRecorder()
		Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		return rec.Body.String()
	}

	if body := scrape(); !strings.Contains(body, "pushflow_devices 3") {
		t.Errorf("expected pushflow_devices 3 in exposition")
	}
	n = 2
	if body := scrape(); !strings.Contains(body, "pushflow_devices 2") {
		t.Errorf("expected gauge to follow the counter")
	}
}
