package monitor

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/pingtower/core/pkg/config"
	"github.com/pingtower/core/pkg/database"
	"github.com/pingtower/core/pkg/gate"
	"github.com/pingtower/core/pkg/incident"
	"github.com/pingtower/core/pkg/metrics"
	"github.com/pingtower/core/pkg/notifier"
	"github.com/pingtower/core/pkg/prober"
	"github.com/pingtower/core/pkg/scheduler"
)

func newTestMonitor(t *testing.T, cfg *config.Config) (*gin.Engine, *database.DB) {
	gin.SetMode(gin.TestMode)

	db, err := database.NewDB(":memory:", true)
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() { db.Close() })

	p := prober.New(prober.DefaultConfig())
	gates := gate.New(10, 0, nil)
	engine := incident.New(db.IncidentRepository(), notifier.NewComposite())
	sched := scheduler.New(scheduler.DefaultConfig(), db.TargetRepository(), db.ResultRepository(), engine, p, gates, nil)
	m := metrics.New()

	mon := New(cfg, db, sched, m)
	r := gin.New()
	mon.RegisterRoutes(r)
	return r, db
}

func TestCreateAndGetTarget(t *testing.T) {
	r, _ := newTestMonitor(t, config.DefaultConfig())

	body, _ := json.Marshal(createTargetRequest{Name: "example", URL: "https://example.com", IntervalS: 60, TimeoutS: 5})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode created target: %v", err)
	}
	if created["external_id"] == "" || created["external_id"] == nil {
		t.Error("expected a generated external_id")
	}

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/targets", nil)
	r.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 listing targets, got %d", rec2.Code)
	}
}

func TestCreateTargetRejectsNonHTTPURL(t *testing.T) {
	r, _ := newTestMonitor(t, config.DefaultConfig())

	body, _ := json.Marshal(createTargetRequest{Name: "bad", URL: "ftp://example.com"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a non-http url, got %d", rec.Code)
	}
}

func TestAPIKeyGuardRejectsMissingHeader(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.APIKey = "secret"
	r, _ := newTestMonitor(t, cfg)

	body, _ := json.Marshal(createTargetRequest{Name: "x", URL: "https://example.com"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without X-API-Key, got %d", rec.Code)
	}
}

func TestAPIKeyGuardAllowsCorrectHeader(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.APIKey = "secret"
	r, _ := newTestMonitor(t, cfg)

	body, _ := json.Marshal(createTargetRequest{Name: "x", URL: "https://example.com"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201 with correct X-API-Key, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestURLDenyPolicyRejectsMatchingURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.URLPolicy.DenyRegex = "blocked\\.example\\.com"
	r, _ := newTestMonitor(t, cfg)

	body, _ := json.Marshal(createTargetRequest{Name: "x", URL: "https://blocked.example.com"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a denied url, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := newTestMonitor(t, config.DefaultConfig())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestEnqueueManualReturnsAccepted(t *testing.T) {
	r, _ := newTestMonitor(t, config.DefaultConfig())

	body, _ := json.Marshal(createTargetRequest{Name: "x", URL: "https://example.com"})
	createReq := httptest.NewRequest(http.MethodPost, "/api/v1/targets", bytes.NewReader(body))
	createReq.Header.Set("Content-Type", "application/json")
	createRec := httptest.NewRecorder()
	r.ServeHTTP(createRec, createReq)

	var created map[string]interface{}
	json.Unmarshal(createRec.Body.Bytes(), &created)
	id := int64(created["id"].(float64))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets/"+strconv.FormatInt(id, 10)+"/check", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
}
