// Package presence tracks session and machine heartbeats.
package presence

import (
	"sync"
	"time"

	"github.com/g960059/agthub/internal/model"
)

const (
	// MaxClockSkew bounds how far a reported heartbeat time may drift from
	// the hub clock before it is replaced with the hub clock.
	MaxClockSkew = time.Minute
	// RebroadcastInterval forces a presence broadcast for a steady heartbeat.
	RebroadcastInterval = 10 * time.Second
)

type key struct {
	kind model.PresenceKind
	id   string
}

type entry struct {
	lastAlive     time.Time
	ended         bool
	thinking      bool
	lastBroadcast time.Time
}

// Change describes what a heartbeat did to the tracked state.
type Change struct {
	Advanced        bool
	BecameActive    bool
	ThinkingChanged bool
	// Broadcast is set when observers should hear about this heartbeat.
	Broadcast bool
	At        time.Time
}

// Tracker holds the last heartbeat per session and machine.
type Tracker struct {
	activeWindow time.Duration
	onlineWindow time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries map[key]*entry
}

func NewTracker(activeWindow, onlineWindow time.Duration) *Tracker {
	return &Tracker{
		activeWindow: activeWindow,
		onlineWindow: onlineWindow,
		now:          func() time.Time { return time.Now().UTC() },
		entries:      map[key]*entry{},
	}
}

// SetClock overrides the clock used for windows and clamping.
func (t *Tracker) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func (t *Tracker) Now() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now()
}

// Clamp replaces zero or skewed heartbeat times with now.
func Clamp(at, now time.Time) time.Time {
	if at.IsZero() || at.After(now.Add(MaxClockSkew)) || at.Before(now.Add(-MaxClockSkew)) {
		return now
	}
	return at
}

// RecordAlive stores a heartbeat. Timestamps never move backwards: an
// older heartbeat leaves the entry untouched and reports Advanced=false.
func (t *Tracker) RecordAlive(kind model.PresenceKind, id string, sig model.AliveSignal) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	at := Clamp(sig.Time, now)
	k := key{kind: kind, id: id}
	e, ok := t.entries[k]
	if !ok {
		e = &entry{ended: true}
		t.entries[k] = e
	}
	if !e.lastAlive.IsZero() && (at.Before(e.lastAlive) || (at.Equal(e.lastAlive) && !e.ended)) {
		return Change{At: e.lastAlive}
	}

	wasActive := !e.ended && t.withinLocked(e, t.windowFor(kind), now)
	change := Change{
		Advanced:        true,
		BecameActive:    !wasActive,
		ThinkingChanged: e.thinking != sig.Thinking,
		At:              at,
	}
	e.lastAlive = at
	e.ended = false
	e.thinking = sig.Thinking

	if change.BecameActive || change.ThinkingChanged || now.Sub(e.lastBroadcast) > RebroadcastInterval {
		change.Broadcast = true
		e.lastBroadcast = now
	}
	return change
}

// RecordEnd marks the entry ended unless a newer heartbeat was recorded.
// It reports whether the entry was active or thinking before.
func (t *Tracker) RecordEnd(kind model.PresenceKind, id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	at = Clamp(at, now)
	e, ok := t.entries[key{kind: kind, id: id}]
	if !ok || e.ended || at.Before(e.lastAlive) {
		return false
	}
	changed := e.thinking || t.withinLocked(e, t.windowFor(kind), now)
	e.ended = true
	e.thinking = false
	e.lastBroadcast = now
	return changed
}

// Seed restores a persisted heartbeat. It never overwrites a newer entry.
func (t *Tracker) Seed(kind model.PresenceKind, id string, sig model.AliveSignal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{kind: kind, id: id}
	if e, ok := t.entries[k]; ok && !sig.Time.After(e.lastAlive) {
		return
	}
	t.entries[k] = &entry{lastAlive: sig.Time, thinking: sig.Thinking}
}

func (t *Tracker) IsActive(sessionID string, now time.Time) bool {
	return t.within(model.PresenceSession, sessionID, t.activeWindow, now)
}

func (t *Tracker) IsOnline(machineID string, now time.Time) bool {
	return t.within(model.PresenceMachine, machineID, t.onlineWindow, now)
}

// IsThinking reports the thinking flag of an active session.
func (t *Tracker) IsThinking(sessionID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key{kind: model.PresenceSession, id: sessionID}]
	if !ok || e.ended || !t.withinLocked(e, t.activeWindow, now) {
		return false
	}
	return e.thinking
}

// LastAlive returns the last recorded heartbeat, if any.
func (t *Tracker) LastAlive(kind model.PresenceKind, id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key{kind: kind, id: id}]
	if !ok || e.lastAlive.IsZero() {
		return time.Time{}, false
	}
	return e.lastAlive, true
}

// Forget drops an entry, used when a session is deleted.
func (t *Tracker) Forget(kind model.PresenceKind, id string) {
	t.mu.Lock()
	delete(t.entries, key{kind: kind, id: id})
	t.mu.Unlock()
}

func (t *Tracker) within(kind model.PresenceKind, id string, window time.Duration, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key{kind: kind, id: id}]
	if !ok || e.ended {
		return false
	}
	return t.withinLocked(e, window, now)
}

func (t *Tracker) withinLocked(e *entry, window time.Duration, now time.Time) bool {
	if e.lastAlive.IsZero() {
		return false
	}
	return now.Sub(e.lastAlive) < window
}

func (t *Tracker) windowFor(kind model.PresenceKind) time.Duration {
	if kind == model.PresenceMachine {
		return t.onlineWindow
	}
	return t.activeWindow
}
