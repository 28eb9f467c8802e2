// Package gate implements the concurrency and rate gates the scheduler
// dispatches probes through: a global semaphore, an optional global
// start-rate stagger, and per-target (pattern-matched) overrides that
// compose on top of the global ones.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"
)

// Rule is one entry of SERVICE_LIMITS_JSON: the first rule (in
// configured order) whose Pattern matches a target's URL governs that
// target's concurrency and/or start rate.
type Rule struct {
	RawPattern  string
	Pattern     *regexp.Regexp
	Concurrency int
	RPS         int
}

// rawRule mirrors the wire shape of a SERVICE_LIMITS_JSON element.
type rawRule struct {
	Pattern     string `json:"pattern"`
	Concurrency int    `json:"concurrency"`
	RPS         int    `json:"rps"`
}

// ParseServiceLimits decodes SERVICE_LIMITS_JSON. A malformed document
// is logged and treated as empty, never fatal. A single rule with an
// invalid regex is skipped (and logged), and a rule with an empty
// pattern is skipped silently, rather than discarding the whole list.
func ParseServiceLimits(raw string) []Rule {
	if raw == "" {
		return nil
	}
	var items []rawRule
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		log.Printf("gate: invalid SERVICE_LIMITS_JSON, ignoring: %v", err)
		return nil
	}
	rules := make([]Rule, 0, len(items))
	for _, item := range items {
		if item.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(item.Pattern)
		if err != nil {
			log.Printf("gate: skipping SERVICE_LIMITS_JSON rule with bad pattern %q: %v", item.Pattern, err)
			continue
		}
		rules = append(rules, Rule{
			RawPattern:  item.Pattern,
			Pattern:     re,
			Concurrency: item.Concurrency,
			RPS:         item.RPS,
		})
	}
	return rules
}

// Gates owns the global semaphore plus one lazily-created dedicated
// semaphore per pattern rule whose Concurrency override is set.
type Gates struct {
	globalConcurrency int
	globalRPS         float64
	rules             []Rule

	global chan struct{}

	mu   sync.Mutex
	pats map[string]chan struct{}
}

// New builds a Gates. A non-positive globalConcurrency falls back to
// 10; globalRPS of 0 disables the global rate stagger.
func New(globalConcurrency int, globalRPS float64, rules []Rule) *Gates {
	if globalConcurrency <= 0 {
		globalConcurrency = 10
	}
	return &Gates{
		globalConcurrency: globalConcurrency,
		globalRPS:         globalRPS,
		rules:             rules,
		global:            make(chan struct{}, globalConcurrency),
		pats:              make(map[string]chan struct{}),
	}
}

// Match returns the first rule whose pattern matches url, or nil.
func (g *Gates) Match(url string) *Rule {
	for i := range g.rules {
		if g.rules[i].Pattern.MatchString(url) {
			return &g.rules[i]
		}
	}
	return nil
}

func (g *Gates) semaphoreFor(rule *Rule) chan struct{} {
	if rule == nil || rule.Concurrency <= 0 {
		return g.global
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sem, ok := g.pats[rule.RawPattern]
	if !ok {
		sem = make(chan struct{}, rule.Concurrency)
		g.pats[rule.RawPattern] = sem
	}
	return sem
}

// InitialDelay computes the initial start-rate stagger for the
// index-th dispatch this tick (0-based): the global component is
// index/global_rps; a matched per-target rps raises the floor to
// 1/rps rather than adding to it.
func (g *Gates) InitialDelay(index int, rule *Rule) time.Duration {
	var delaySeconds float64
	if g.globalRPS > 0 {
		delaySeconds = float64(index) / g.globalRPS
	}
	if rule != nil && rule.RPS > 0 {
		floor := 1.0 / float64(rule.RPS)
		if floor > delaySeconds {
			delaySeconds = floor
		}
	}
	if delaySeconds <= 0 {
		return 0
	}
	return time.Duration(delaySeconds * float64(time.Second))
}

// Acquire waits out the initial delay (if any) then blocks for a
// permit on the gate selected for url. On ctx cancellation at any
// point it returns without holding a permit. The returned release
// func must be called exactly once, and only when err is nil.
func (g *Gates) Acquire(ctx context.Context, url string, index int) (release func(), err error) {
	rule := g.Match(url)
	if delay := g.InitialDelay(index, rule); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	sem := g.semaphoreFor(rule)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlightGlobal reports how many probes currently hold a global
// permit; tests use this to assert the cap is never exceeded.
func (g *Gates) InFlightGlobal() int {
	return len(g.global)
}

// String describes the configured gate set, used in startup logging.
func (g *Gates) String() string {
	return fmt.Sprintf("gate(global_concurrency=%d, global_rps=%v, rules=%d)", g.globalConcurrency, g.globalRPS, len(g.rules))
}
