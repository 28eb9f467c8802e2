package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRecordCheckAndHandlerExposesSeries(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()
	m.RecordCheck(1, true, 200, 120)
	m.RecordCheck(1, false, 503, 30)
	m.SetManualQueueSize(3)

	r := gin.New()
	r.GET("/metrics", m.Handler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"pingtower_checks_total", "pingtower_latency_ms", "pingtower_manual_queue_size 3"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestNewRegistersAgainstAPrivateRegistry(t *testing.T) {
	// Building two Metrics instances in the same process must not panic
	// on duplicate registration against the global default registry.
	New()
	New()
}
