// Package incident converts a stream of per-target probe results into
// open/close/escalate events and drives notification fan-out. It is
// the only writer of incident state, and serializes its own
// processing per target.
package incident

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pingtower/core/pkg/model"
	"github.com/pingtower/core/pkg/notifier"
	"github.com/pingtower/core/pkg/store"
)

// escalationSpacing is the minimum interval between two escalation
// notifications for the same incident.
const escalationSpacing = 5 * time.Minute

// openThreshold is the leading failure streak required to open a new
// incident when none is currently open.
const openThreshold = 3

// historyWindow bounds how many recent results the engine consults to
// compute a leading failure streak.
const historyWindow = 5

// Engine is the incident state machine. It is safe for concurrent use
// across different targets; processing for a single target is
// serialized via a per-target mutex.
type Engine struct {
	incidents store.IncidentStore
	notify    notifier.Notifier

	mu             sync.Mutex
	targetLocks    map[int64]*sync.Mutex
	lastEscalation map[int64]time.Time
}

// New builds an Engine backed by an incident store and a notifier.
func New(incidents store.IncidentStore, notify notifier.Notifier) *Engine {
	return &Engine{
		incidents:      incidents,
		notify:         notify,
		targetLocks:    make(map[int64]*sync.Mutex),
		lastEscalation: make(map[int64]time.Time),
	}
}

func (e *Engine) lockFor(targetID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.targetLocks[targetID]
	if !ok {
		l = &sync.Mutex{}
		e.targetLocks[targetID] = l
	}
	return l
}

// Process consumes one probe result for targetID, given the last N
// results (newest first, including the one just recorded) pulled from
// the result store. It mutates incident state and fans out any
// resulting event through the notifier.
func (e *Engine) Process(ctx context.Context, targetID int64, latest *model.CheckResult, recent []*model.CheckResult) error {
	lock := e.lockFor(targetID)
	lock.Lock()
	defer lock.Unlock()

	open, err := e.incidents.GetOpenIncident(ctx, targetID)
	if err != nil {
		return fmt.Errorf("incident: get open incident for target %d: %w", targetID, err)
	}

	now := time.Now().UTC()

	if latest.OK {
		if open == nil {
			return nil
		}
		if err := e.incidents.CloseIncident(ctx, open.ID, now); err != nil {
			return fmt.Errorf("incident: close incident %d: %w", open.ID, err)
		}
		e.emit(ctx, targetID, "info", "Incident closed", "service is reachable again", now)
		return nil
	}

	if open != nil {
		failCount, err := e.incidents.IncrementFail(ctx, open.ID)
		if err != nil {
			return fmt.Errorf("incident: increment fail for incident %d: %w", open.ID, err)
		}
		if failCount%5 == 0 && e.escalationDue(open.ID, now) {
			e.emit(ctx, targetID, "error", "Incident escalation", fmt.Sprintf("consecutive failures: %d", failCount), now)
			e.mu.Lock()
			e.lastEscalation[open.ID] = now
			e.mu.Unlock()
		}
		return nil
	}

	streak := leadingFailStreak(recent, historyWindow)
	if streak < openThreshold {
		return nil
	}
	if _, err := e.incidents.OpenIncident(ctx, targetID, now, streak); err != nil {
		return fmt.Errorf("incident: open incident for target %d: %w", targetID, err)
	}
	e.emit(ctx, targetID, "error", "Incident opened", fmt.Sprintf("service unreachable (%d consecutive failures)", streak), now)
	return nil
}

func (e *Engine) escalationDue(incidentID int64, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastEscalation[incidentID]
	return !ok || now.Sub(last) >= escalationSpacing
}

func (e *Engine) emit(ctx context.Context, targetID int64, level, title, message string, ts time.Time) {
	id := targetID
	if err := e.notify.Send(ctx, notifier.Event{TargetID: &id, Level: level, Title: title, Message: message, TS: ts}); err != nil {
		log.Printf("incident: notify failed for target %d: %v", targetID, err)
	}
}

// leadingFailStreak counts the run of non-ok results starting from the
// newest (results[0]) until the first ok result or the window bound.
func leadingFailStreak(results []*model.CheckResult, window int) int {
	streak := 0
	for i, r := range results {
		if i >= window {
			break
		}
		if r.OK {
			break
		}
		streak++
	}
	return streak
}
