// Package prober implements the HTTP probe engine: a single GET request
// with a split connect/read timeout budget, retry-with-backoff on
// retryable outcomes, optional phase timings, and a TLS policy with a
// one-shot insecure fallback.
package prober

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptrace"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Result is the outcome of a single probe, possibly after internal
// retries. Exactly one of StatusCode/ErrorText carries failure detail.
type Result struct {
	OK         bool
	StatusCode *int
	LatencyMS  int
	ErrorText  string
	DNSMS      *int
	ConnectMS  *int
	TLSMS      *int
	TTFBMS     *int
}

const (
	maxErrorTextLen        = 512
	defaultConnectTimeoutS = 3.0
	defaultUserAgent       = "Mozilla/5.0 (compatible; PingTower/1.0)"
)

// Config holds every option recognized by the prober.
type Config struct {
	MaxConcurrent   int
	ConnectTimeoutS float64
	UserAgent       string
	MaxAttempts     int
	BaseBackoffMS   int
	JitterMS        int
	SSLVerify       bool
	CABundle        string
	InsecureRetry   bool
}

// DefaultConfig returns the prober's built-in defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   10,
		ConnectTimeoutS: defaultConnectTimeoutS,
		UserAgent:       defaultUserAgent,
		MaxAttempts:     1,
		BaseBackoffMS:   200,
		JitterMS:        100,
		SSLVerify:       true,
		InsecureRetry:   true,
	}
}

// Prober executes HTTP checks. It owns the outbound client(s) and is
// safe for concurrent use; the outbound connection pool is its only
// shared, kept-alive state.
type Prober struct {
	cfg            Config
	slots          chan struct{}
	client         *http.Client
	insecureClient *http.Client
}

// New builds a Prober. If cfg.CABundle fails to load, verification
// silently falls back to the default pool; it is never disabled as a
// side effect of a bad path.
func New(cfg Config) *Prober {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.ConnectTimeoutS <= 0 {
		cfg.ConnectTimeoutS = defaultConnectTimeoutS
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseBackoffMS < 50 {
		cfg.BaseBackoffMS = 50
	}
	if cfg.JitterMS < 0 {
		cfg.JitterMS = 0
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: !cfg.SSLVerify}
	if cfg.SSLVerify && cfg.CABundle != "" {
		if pool, err := loadCABundle(cfg.CABundle); err == nil {
			tlsConfig.RootCAs = pool
		}
		// on failure we keep the zero-value tlsConfig (default verification)
	}

	p := &Prober{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.MaxConcurrent),
	}
	p.client = p.newClient(tlsConfig)
	p.insecureClient = p.newClient(&tls.Config{InsecureSkipVerify: true})
	return p
}

func loadCABundle(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates parsed from %s", path)
	}
	return pool, nil
}

func (p *Prober) newClient(tlsConfig *tls.Config) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: time.Duration(p.cfg.ConnectTimeoutS * float64(time.Second)),
		}).DialContext,
		TLSClientConfig:     tlsConfig,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return nil // follow transparently, report the final status
		},
	}
}

// permanentResult marks an outcome that must not be retried (4xx, or a
// terminal attempt already classified).
type permanentResult struct{ result Result }

func (p permanentResult) Error() string { return p.result.ErrorText }

// Probe runs a single probe against url with the given total timeout
// budget in seconds, honoring the configured retry and TLS policy. It
// never returns a Go error; every outcome is folded into Result.
func (p *Prober) Probe(ctx context.Context, url string, timeoutS int) Result {
	if timeoutS < 1 {
		timeoutS = 1
	}
	connect := p.cfg.ConnectTimeoutS
	if connect > float64(timeoutS) {
		connect = float64(timeoutS)
	}
	read := float64(timeoutS) - connect
	if read < 1 {
		read = 1
	}
	total := time.Duration((connect + read) * float64(time.Second))

	var last Result
	attempt := 0
	boff := &spacedBackoff{baseMS: p.cfg.BaseBackoffMS, jitterMS: p.cfg.JitterMS}

	op := func() error {
		attempt++
		reqCtx, cancel := context.WithTimeout(ctx, total)
		defer cancel()

		select {
		case p.slots <- struct{}{}:
			defer func() { <-p.slots }()
		case <-reqCtx.Done():
			last = Result{OK: false, ErrorText: "Timeout"}
			return backoff.Permanent(permanentResult{last})
		}

		last = p.attempt(reqCtx, url, connect)
		if last.StatusCode != nil && *last.StatusCode >= 400 && *last.StatusCode < 500 {
			return backoff.Permanent(permanentResult{last})
		}
		if last.OK {
			return nil
		}
		if attempt >= p.cfg.MaxAttempts {
			return backoff.Permanent(permanentResult{last})
		}
		return fmt.Errorf("retryable: %s", last.ErrorText)
	}

	_ = backoff.Retry(op, backoff.WithMaxRetries(boff, uint64(p.cfg.MaxAttempts-1)))
	return last
}

// attempt performs exactly one HTTP round trip (plus, on a TLS
// verification failure with insecure-retry enabled, one immediate
// unverified follow-up) and classifies the outcome.
func (p *Prober) attempt(ctx context.Context, url string, connectTimeoutS float64) Result {
	start := time.Now()
	timings := newPhaseTimings()
	req, err := p.newRequest(ctx, url, timings)
	if err != nil {
		return Result{OK: false, ErrorText: truncate(fmt.Sprintf("Unexpected error: %v", err))}
	}

	resp, err := p.client.Do(req)
	if err == nil {
		return classifyResponse(resp, start, timings)
	}

	if isTLSError(err) {
		if p.cfg.InsecureRetry {
			insecureTimings := newPhaseTimings()
			insecureReq, rerr := p.newRequest(ctx, url, insecureTimings)
			if rerr == nil {
				if resp2, err2 := p.insecureClient.Do(insecureReq); err2 == nil {
					return classifyResponse(resp2, start, insecureTimings)
				}
			}
		}
		return Result{OK: false, LatencyMS: elapsedMS(start), ErrorText: "SSL error"}
	}
	if isTimeoutError(ctx, err) {
		return Result{OK: false, LatencyMS: elapsedMS(start), ErrorText: "Timeout"}
	}
	return Result{OK: false, LatencyMS: elapsedMS(start), ErrorText: truncate(classifyTransportError(err))}
}

func (p *Prober) newRequest(ctx context.Context, url string, t *phaseTimings) (*http.Request, error) {
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, t.trace()), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	return req, nil
}

func classifyResponse(resp *http.Response, start time.Time, t *phaseTimings) Result {
	defer resp.Body.Close()
	latency := elapsedMS(start)
	code := resp.StatusCode
	r := Result{
		StatusCode: &code,
		LatencyMS:  latency,
		DNSMS:      t.dnsMS(),
		ConnectMS:  t.connectMS(),
		TLSMS:      t.tlsMS(),
		TTFBMS:     t.ttfbMS(),
	}
	if code >= 200 && code < 400 {
		r.OK = true
	}
	return r
}

func elapsedMS(start time.Time) int {
	return int(time.Since(start) / time.Millisecond)
}

func truncate(s string) string {
	if len(s) > maxErrorTextLen {
		return s[:maxErrorTextLen]
	}
	return s
}

func isTimeoutError(ctx context.Context, err error) bool {
	if ctx.Err() == context.DeadlineExceeded {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func classifyTransportError(err error) string {
	return fmt.Sprintf("Connection error: %s", err.Error())
}

func isTLSError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return true
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return true
	}
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &invalidErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	return errors.As(err, &recordErr)
}

// spacedBackoff implements backoff.BackOff with the source's retry
// schedule: base*2^(n-1) + uniform(0, jitter), n starting at 1.
type spacedBackoff struct {
	baseMS, jitterMS int
	n                int
}

func (b *spacedBackoff) NextBackOff() time.Duration {
	b.n++
	delay := b.baseMS * (1 << uint(b.n-1))
	if b.jitterMS > 0 {
		delay += rand.Intn(b.jitterMS + 1)
	}
	return time.Duration(delay) * time.Millisecond
}

func (b *spacedBackoff) Reset() { b.n = 0 }
