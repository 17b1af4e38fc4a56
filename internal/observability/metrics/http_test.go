package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveHTTPRequestRendersCounters(t *testing.T) {
	ObserveHTTPRequest("orchestrate", "POST", 200, 120*time.Millisecond)
	ObserveHTTPRequest("orchestrate", "POST", 500, 40*time.Millisecond)

	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	body := recorder.Body.String()
	if !strings.Contains(body, `agentfi_http_requests_total{handler="orchestrate",method="POST",code="200"} 1`) {
		t.Fatalf("missing success counter in output:\n%s", body)
	}
	if !strings.Contains(body, `agentfi_http_request_errors_total{handler="orchestrate",method="POST"} 1`) {
		t.Fatalf("missing error counter in output:\n%s", body)
	}
	if !strings.Contains(body, `agentfi_http_request_duration_seconds_count{handler="orchestrate",method="POST"} 2`) {
		t.Fatalf("missing histogram count in output:\n%s", body)
	}
}
