package gate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseServiceLimits(t *testing.T) {
	rules := ParseServiceLimits(`[{"pattern":"api\\.example\\.com","concurrency":2,"rps":5}]`)
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if rules[0].Concurrency != 2 || rules[0].RPS != 5 {
		t.Errorf("unexpected rule: %+v", rules[0])
	}
}

func TestParseServiceLimitsMalformedIsEmpty(t *testing.T) {
	if rules := ParseServiceLimits("not json"); len(rules) != 0 {
		t.Errorf("expected no rules for malformed input, got %d", len(rules))
	}
}

func TestParseServiceLimitsSkipsBadPattern(t *testing.T) {
	rules := ParseServiceLimits(`[{"pattern":"(","concurrency":1},{"pattern":"ok","concurrency":1}]`)
	if len(rules) != 1 {
		t.Fatalf("expected the bad-pattern rule to be skipped, got %d rules", len(rules))
	}
}

func TestMatch(t *testing.T) {
	g := New(10, 0, ParseServiceLimits(`[{"pattern":"^https://special\\.","concurrency":1}]`))
	if g.Match("https://special.example.com/x") == nil {
		t.Error("expected a match")
	}
	if g.Match("https://other.example.com/x") != nil {
		t.Error("expected no match")
	}
}

func TestInitialDelay(t *testing.T) {
	g := New(10, 2, nil)
	d0 := g.InitialDelay(0, nil)
	d1 := g.InitialDelay(1, nil)
	if d0 != 0 {
		t.Errorf("expected zero delay for index 0, got %v", d0)
	}
	if d1 != 500*time.Millisecond {
		t.Errorf("expected 500ms delay for index 1 at 2rps, got %v", d1)
	}
}

func TestInitialDelayPerTargetFloor(t *testing.T) {
	g := New(10, 0, nil)
	rule := &Rule{RPS: 4}
	if d := g.InitialDelay(0, rule); d != 250*time.Millisecond {
		t.Errorf("expected 250ms floor for a 4rps rule, got %v", d)
	}
}

func TestAcquireRespectsGlobalConcurrency(t *testing.T) {
	g := New(2, 0, nil)
	ctx := context.Background()

	release1, err := g.Acquire(ctx, "https://a.example.com", 0)
	if err != nil {
		t.Fatalf("acquire 1 failed: %v", err)
	}
	release2, err := g.Acquire(ctx, "https://b.example.com", 0)
	if err != nil {
		t.Fatalf("acquire 2 failed: %v", err)
	}
	if g.InFlightGlobal() != 2 {
		t.Errorf("expected 2 in flight, got %d", g.InFlightGlobal())
	}

	acquired := make(chan struct{})
	go func() {
		release3, err := g.Acquire(ctx, "https://c.example.com", 0)
		if err != nil {
			return
		}
		close(acquired)
		release3()
	}()

	select {
	case <-acquired:
		t.Fatal("third acquire should have blocked while 2 permits are held")
	case <-time.After(50 * time.Millisecond):
	}

	release1()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third acquire never unblocked after a release")
	}
	release2()
}

func TestAcquireCancelledContext(t *testing.T) {
	g := New(1, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	release, err := g.Acquire(ctx, "https://a.example.com", 0)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer release()

	cancel()
	if _, err := g.Acquire(ctx, "https://a.example.com", 0); err == nil {
		t.Error("expected acquire to fail on a cancelled context")
	}
}

func TestPatternRuleUsesDedicatedSemaphoreInsteadOfGlobal(t *testing.T) {
	g := New(1, 0, ParseServiceLimits(`[{"pattern":"special","concurrency":5}]`))
	ctx := context.Background()

	var inFlight int32
	releaseFuncs := make(chan func(), 3)
	for i := 0; i < 3; i++ {
		release, err := g.Acquire(ctx, "https://special.example.com", 0)
		if err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
		atomic.AddInt32(&inFlight, 1)
		releaseFuncs <- release
	}
	if g.InFlightGlobal() != 0 {
		t.Errorf("pattern-matched probes must not touch the global semaphore, got %d in flight", g.InFlightGlobal())
	}
	close(releaseFuncs)
	for release := range releaseFuncs {
		release()
	}
}
