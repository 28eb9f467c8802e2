package prober

import (
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"
)

// phaseTimings captures the DNS/connect/TLS/time-to-first-byte
// boundaries for a single request via httptrace, mirroring the
// TraceConfig callbacks of the original checker. Any phase whose start
// or end was never observed is reported absent, never zero.
type phaseTimings struct {
	mu sync.Mutex

	dnsStart, dnsEnd         time.Time
	connectStart, connectEnd time.Time
	tlsStart, tlsEnd         time.Time
	reqStart, firstByte      time.Time
}

func newPhaseTimings() *phaseTimings {
	return &phaseTimings{}
}

func (t *phaseTimings) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			t.mu.Lock()
			t.dnsStart = time.Now()
			t.mu.Unlock()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			t.mu.Lock()
			t.dnsEnd = time.Now()
			t.mu.Unlock()
		},
		ConnectStart: func(network, addr string) {
			t.mu.Lock()
			t.connectStart = time.Now()
			t.mu.Unlock()
		},
		ConnectDone: func(network, addr string, err error) {
			t.mu.Lock()
			t.connectEnd = time.Now()
			t.mu.Unlock()
		},
		TLSHandshakeStart: func() {
			t.mu.Lock()
			t.tlsStart = time.Now()
			t.mu.Unlock()
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			t.mu.Lock()
			t.tlsEnd = time.Now()
			t.mu.Unlock()
		},
		GetConn: func(hostPort string) {
			t.mu.Lock()
			if t.reqStart.IsZero() {
				t.reqStart = time.Now()
			}
			t.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			t.mu.Lock()
			t.firstByte = time.Now()
			t.mu.Unlock()
		},
	}
}

func diffMS(a, b time.Time) *int {
	if a.IsZero() || b.IsZero() {
		return nil
	}
	ms := int(b.Sub(a) / time.Millisecond)
	return &ms
}

func (t *phaseTimings) dnsMS() *int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return diffMS(t.dnsStart, t.dnsEnd)
}

func (t *phaseTimings) connectMS() *int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return diffMS(t.connectStart, t.connectEnd)
}

func (t *phaseTimings) tlsMS() *int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return diffMS(t.tlsStart, t.tlsEnd)
}

func (t *phaseTimings) ttfbMS() *int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return diffMS(t.reqStart, t.firstByte)
}
