// Package monitor is the thin management HTTP surface over the core:
// target CRUD, manual-check enqueue, incident listing, and read-only
// status/metrics. The engine itself (scheduler, prober, incident
// engine) runs independently of this surface; monitor only exposes it.
package monitor

import (
	"net/http"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/pingtower/core/pkg/config"
	"github.com/pingtower/core/pkg/database"
	"github.com/pingtower/core/pkg/metrics"
	"github.com/pingtower/core/pkg/model"
	"github.com/pingtower/core/pkg/scheduler"
)

// Monitor wires the management surface over the core's collaborators.
type Monitor struct {
	targets   *database.TargetRepository
	results   *database.ResultRepository
	incidents *database.IncidentRepository
	sched     *scheduler.Scheduler
	metrics   *metrics.Metrics

	apiKey     string
	allowRegex *regexp.Regexp
	denyRegex  *regexp.Regexp

	limiter *ipRateLimiter
}

// New builds a Monitor over an open database and a running scheduler.
func New(cfg *config.Config, db *database.DB, sched *scheduler.Scheduler, m *metrics.Metrics) *Monitor {
	mon := &Monitor{
		targets:   db.TargetRepository(),
		results:   db.ResultRepository(),
		incidents: db.IncidentRepository(),
		sched:     sched,
		metrics:   m,
		apiKey:    cfg.APIKey,
	}
	if cfg.URLPolicy.AllowRegex != "" {
		if re, err := regexp.Compile(cfg.URLPolicy.AllowRegex); err == nil {
			mon.allowRegex = re
		}
	}
	if cfg.URLPolicy.DenyRegex != "" {
		if re, err := regexp.Compile(cfg.URLPolicy.DenyRegex); err == nil {
			mon.denyRegex = re
		}
	}
	mon.limiter = newIPRateLimiter()
	return mon
}

// RegisterRoutes mounts the management surface on r, mirroring the
// group layout the probe engine's own API used: a public health
// endpoint, then a versioned API group with mutation routes behind
// the optional API-key guard.
func (m *Monitor) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", m.handleHealth)
	if m.metrics != nil {
		r.GET("/metrics", m.metrics.Handler())
	}

	api := r.Group("/api/v1")
	api.Use(m.limiter.middleware())
	{
		targets := api.Group("/targets")
		{
			targets.GET("", m.listTargets)
			targets.GET("/:id", m.getTarget)
			targets.POST("", m.apiKeyGuard(), m.createTarget)
			targets.PUT("/:id", m.apiKeyGuard(), m.updateTarget)
			targets.DELETE("/:id", m.apiKeyGuard(), m.deleteTarget)
			targets.POST("/:id/check", m.apiKeyGuard(), m.enqueueManual)
			targets.GET("/:id/stats", m.windowStats)
		}

		incidents := api.Group("/incidents")
		{
			incidents.GET("", m.listIncidents)
			incidents.GET("/target/:id", m.listIncidentsForTarget)
		}
	}
}

// apiKeyGuard optionally requires X-API-Key on mutating routes. When
// cfg.APIKey is empty the guard is a no-op: authentication of this
// surface is opt-in, not required.
func (m *Monitor) apiKeyGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.apiKey == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-API-Key") != m.apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing X-API-Key"})
			return
		}
		c.Next()
	}
}

func (m *Monitor) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC()})
}

func (m *Monitor) listTargets(c *gin.Context) {
	targets, err := m.targets.ListTargets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, targets)
}

func (m *Monitor) getTarget(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := m.targets.GetTarget(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if t == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "target not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// createTargetRequest is the wire shape for POST /targets.
type createTargetRequest struct {
	Name      string `json:"name" binding:"required"`
	URL       string `json:"url" binding:"required"`
	IntervalS int    `json:"interval_s"`
	TimeoutS  int    `json:"timeout_s"`
}

func (m *Monitor) createTarget(c *gin.Context) {
	var req createTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := m.validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.IntervalS == 0 {
		req.IntervalS = 60
	}
	if req.TimeoutS == 0 {
		req.TimeoutS = 5
	}
	t := &model.Target{Name: req.Name, URL: req.URL, IntervalS: req.IntervalS, TimeoutS: req.TimeoutS}
	if err := m.targets.Create(c.Request.Context(), t); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (m *Monitor) updateTarget(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	existing, err := m.targets.GetTarget(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if existing == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "target not found"})
		return
	}

	var req createTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := m.validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	existing.Name = req.Name
	existing.URL = req.URL
	if req.IntervalS > 0 {
		existing.IntervalS = req.IntervalS
	}
	if req.TimeoutS > 0 {
		existing.TimeoutS = req.TimeoutS
	}
	if err := m.targets.Update(c.Request.Context(), existing); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, existing)
}

func (m *Monitor) deleteTarget(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := m.targets.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusNoContent, nil)
}

func (m *Monitor) enqueueManual(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m.sched.EnqueueManual(id)
	c.JSON(http.StatusAccepted, gin.H{"enqueued": id})
}

func (m *Monitor) windowStats(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	window := parseWindow(c)
	since := time.Now().UTC().Add(-window)

	stats, err := m.results.WindowStats(c.Request.Context(), id, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	pct, err := m.results.Percentiles(c.Request.Context(), id, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"window": stats, "latency_percentiles": pct})
}

func (m *Monitor) listIncidents(c *gin.Context) {
	openOnly := c.Query("open") == "true"
	incidents, err := m.incidents.ListIncidents(c.Request.Context(), openOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, incidents)
}

func (m *Monitor) listIncidentsForTarget(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	incidents, err := m.incidents.ListIncidentsForTarget(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, incidents)
}

// validateURL enforces an absolute HTTP/HTTPS URL plus the optional
// allow/deny regex policy, modeled on the source's
// ServiceCreate.validate_url.
func (m *Monitor) validateURL(rawURL string) error {
	matched, _ := regexp.MatchString(`^https?://`, rawURL)
	if !matched {
		return errInvalidURL
	}
	if m.denyRegex != nil && m.denyRegex.MatchString(rawURL) {
		return errDeniedURL
	}
	if m.allowRegex != nil && !m.allowRegex.MatchString(rawURL) {
		return errNotAllowedURL
	}
	return nil
}

func parseID(c *gin.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}

func parseWindow(c *gin.Context) time.Duration {
	raw := c.Query("window")
	if raw == "" {
		return 24 * time.Hour
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

var (
	errInvalidURL    = ctxError("url must be an absolute http:// or https:// URL")
	errDeniedURL     = ctxError("url matches the configured deny policy")
	errNotAllowedURL = ctxError("url does not match the configured allow policy")
)

// ctxError is a trivial string error, used for the small set of fixed
// validation messages above.
type ctxError string

func (e ctxError) Error() string { return string(e) }

// ipRateLimiter throttles the management API per client IP, one
// token-bucket limiter per address, gated by RATE_LIMIT_ENABLE. Grounded
// in the source's per-IP TokenBucket dependency, RATE_LIMIT_PER_MIN
// and RATE_LIMIT_BURST name the same knobs.
type ipRateLimiter struct {
	enabled bool
	rps     rate.Limit
	burst   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newIPRateLimiter() *ipRateLimiter {
	enabled := os.Getenv("RATE_LIMIT_ENABLE") == "true"
	perMin := 60
	if val := os.Getenv("RATE_LIMIT_PER_MIN"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			perMin = n
		}
	}
	burst := 20
	if val := os.Getenv("RATE_LIMIT_BURST"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			burst = n
		}
	}
	return &ipRateLimiter{
		enabled:  enabled,
		rps:      rate.Limit(float64(perMin) / 60.0),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *ipRateLimiter) forIP(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[ip] = lim
	}
	return lim
}

func (l *ipRateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.enabled {
			c.Next()
			return
		}
		if !l.forIP(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
