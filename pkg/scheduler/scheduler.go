// Package scheduler runs the periodic control loop: it decides which
// targets are due, drains the manual priority queue, dispatches probes
// through the gates, records results, and hands each result to the
// incident engine.
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/pingtower/core/pkg/gate"
	"github.com/pingtower/core/pkg/incident"
	"github.com/pingtower/core/pkg/model"
	"github.com/pingtower/core/pkg/prober"
	"github.com/pingtower/core/pkg/store"
)

// MetricsRecorder is the narrow surface the scheduler needs from
// pkg/metrics. Defined here, not there, so this package never imports
// the metrics implementation.
type MetricsRecorder interface {
	RecordCheck(targetID int64, ok bool, statusCode int, latencyMS int)
	SetManualQueueSize(n int)
}

// Config holds the scheduler's tunables.
type Config struct {
	TickSeconds      int
	TTLCleanupHours  int
	DrainDeadline    time.Duration
	ManualQueueDepth int
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		TickSeconds:      10,
		TTLCleanupHours:  720,
		DrainDeadline:    5 * time.Second,
		ManualQueueDepth: 1024,
	}
}

// Scheduler is the control loop described above. It is not safe to
// call Run twice concurrently on the same Scheduler.
type Scheduler struct {
	cfg     Config
	targets store.TargetRepository
	results store.ResultStore
	engine  *incident.Engine
	probe   *prober.Prober
	gates   *gate.Gates
	metrics MetricsRecorder

	mu      sync.Mutex
	nextDue map[int64]time.Time

	manualCh  chan int64
	tickCount int
}

// New wires a Scheduler over its collaborators. metrics may be nil.
func New(cfg Config, targets store.TargetRepository, results store.ResultStore, engine *incident.Engine, p *prober.Prober, gates *gate.Gates, metrics MetricsRecorder) *Scheduler {
	if cfg.TickSeconds < 1 {
		cfg.TickSeconds = 1
	}
	if cfg.TTLCleanupHours <= 0 {
		cfg.TTLCleanupHours = 720
	}
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = 5 * time.Second
	}
	if cfg.ManualQueueDepth <= 0 {
		cfg.ManualQueueDepth = 1024
	}
	return &Scheduler{
		cfg:      cfg,
		targets:  targets,
		results:  results,
		engine:   engine,
		probe:    p,
		gates:    gates,
		metrics:  metrics,
		nextDue:  make(map[int64]time.Time),
		manualCh: make(chan int64, cfg.ManualQueueDepth),
	}
}

// EnqueueManual places targetID on the manual priority queue for
// immediate probing on the next drain. It never blocks; a full queue
// drops the request and logs.
func (s *Scheduler) EnqueueManual(targetID int64) {
	select {
	case s.manualCh <- targetID:
	default:
		log.Printf("scheduler: manual queue full, dropping enqueue for target %d", targetID)
	}
}

// Run executes the control loop until ctx is cancelled, then waits up
// to the configured drain deadline for in-flight probes before
// returning.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("scheduler: started (tick=%ds, ttl_cleanup=%dh)", s.cfg.TickSeconds, s.cfg.TTLCleanupHours)
	for {
		if ctx.Err() != nil {
			return
		}
		s.drainManual(ctx)
		s.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(s.cfg.TickSeconds) * time.Second):
		}
	}
}

func (s *Scheduler) drainManual(ctx context.Context) {
	var ids []int64
loop:
	for {
		select {
		case id := <-s.manualCh:
			ids = append(ids, id)
		default:
			break loop
		}
	}
	if s.metrics != nil {
		s.metrics.SetManualQueueSize(len(s.manualCh))
	}
	if len(ids) == 0 {
		return
	}

	var wg sync.WaitGroup
	for idx, id := range ids {
		target, err := s.targets.GetTarget(ctx, id)
		if err != nil || target == nil {
			continue
		}
		wg.Add(1)
		go func(t *model.Target, i int) {
			defer wg.Done()
			s.probeTarget(ctx, t, i)
		}(target, idx)
	}
	waitBounded(ctx, &wg, s.cfg.DrainDeadline)
}

func (s *Scheduler) tick(ctx context.Context) {
	s.tickCount++
	if s.tickCount%10 == 0 {
		s.runTTLCleanup(ctx)
	}

	targets, err := s.targets.ListTargets(ctx)
	if err != nil {
		log.Printf("scheduler: list targets failed: %v", err)
		return
	}
	if len(targets) == 0 {
		return
	}

	now := time.Now().UTC()

	s.mu.Lock()
	for _, t := range targets {
		if _, ok := s.nextDue[t.ID]; !ok {
			s.nextDue[t.ID] = now.Add(jitter(t.IntervalS))
		}
	}
	var due []*model.Target
	for _, t := range targets {
		if !s.nextDue[t.ID].After(now) {
			due = append(due, t)
		}
	}
	for _, t := range due {
		interval := t.IntervalS
		if interval < 1 {
			interval = 1
		}
		s.nextDue[t.ID] = now.Add(time.Duration(interval)*time.Second + jitter(t.IntervalS))
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}

	var wg sync.WaitGroup
	for idx, t := range due {
		wg.Add(1)
		go func(t *model.Target, i int) {
			defer wg.Done()
			s.probeTarget(ctx, t, i)
		}(t, idx)
	}
	waitBounded(ctx, &wg, s.cfg.DrainDeadline)
}

func (s *Scheduler) runTTLCleanup(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-time.Duration(s.cfg.TTLCleanupHours) * time.Hour)
	removed, err := s.results.TTLCleanup(ctx, cutoff)
	if err != nil {
		log.Printf("scheduler: ttl cleanup failed (best-effort, continuing): %v", err)
		return
	}
	if removed > 0 {
		log.Printf("scheduler: ttl cleanup removed %d results older than %s", removed, cutoff.Format(time.RFC3339))
	}
}

// probeTarget acquires the gate for t, runs one probe, records the
// result, and feeds the incident engine. Every step is best-effort
// beyond the probe itself: a storage failure is logged, never raised,
// so the incident engine still sees later results. A panic is
// recovered and logged so it never escapes the tick.
func (s *Scheduler) probeTarget(ctx context.Context, t *model.Target, dispatchIndex int) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: probe of target %d panicked (continuing): %v", t.ID, r)
		}
	}()

	release, err := s.gates.Acquire(ctx, t.URL, dispatchIndex)
	if err != nil {
		return
	}
	defer release()

	result := s.probe.Probe(ctx, t.URL, t.TimeoutS)
	ts := time.Now().UTC()
	latency := result.LatencyMS

	cr := &model.CheckResult{
		TargetID:   t.ID,
		TS:         ts,
		OK:         result.OK,
		StatusCode: result.StatusCode,
		LatencyMS:  &latency,
		ErrorText:  model.TruncateError(result.ErrorText),
		DNSMS:      result.DNSMS,
		ConnectMS:  result.ConnectMS,
		TLSMS:      result.TLSMS,
		TTFBMS:     result.TTFBMS,
	}

	if err := s.results.InsertResult(ctx, cr); err != nil {
		log.Printf("scheduler: insert result for target %d failed (continuing): %v", t.ID, err)
	}

	if s.metrics != nil {
		statusCode := 0
		if result.StatusCode != nil {
			statusCode = *result.StatusCode
		}
		s.metrics.RecordCheck(t.ID, result.OK, statusCode, result.LatencyMS)
	}

	recent, err := s.results.LastNResults(ctx, t.ID, 5)
	if err != nil {
		log.Printf("scheduler: fetch recent results for target %d failed, skipping incident processing: %v", t.ID, err)
		return
	}
	if err := s.engine.Process(ctx, t.ID, cr, recent); err != nil {
		log.Printf("scheduler: incident processing for target %d failed: %v", t.ID, err)
	}
}

// jitter returns a uniform random delay, in whole seconds, up to 10%
// of intervalS (but never less than 1 second), capped at 30 seconds.
func jitter(intervalS int) time.Duration {
	if intervalS < 1 {
		intervalS = 1
	}
	maxJitter := int(float64(intervalS) * 0.1)
	if maxJitter < 1 {
		maxJitter = 1
	}
	if maxJitter > 30 {
		maxJitter = 30
	}
	return time.Duration(rand.Intn(maxJitter+1)) * time.Second
}

// waitBounded waits for wg. Once ctx is done, whether before the call
// or during the wait, it waits at most deadline longer and returns,
// leaving any remaining goroutines to exit on their own once their
// probe observes ctx.Done.
func waitBounded(ctx context.Context, wg *sync.WaitGroup, deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	select {
	case <-done:
	case <-time.After(deadline):
	}
}
