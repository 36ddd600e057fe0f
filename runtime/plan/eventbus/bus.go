// Package eventbus provides the in-process publish/subscribe bus for plan
// step events.
//
// The bus keeps a bounded per-(plan, step) history for a fixed retention
// window so late subscribers (SSE reconnects) receive a replay before live
// events. Publication is deduplicated: an event structurally identical to the
// most recent retained event for its step is skipped.
//
// Fan-out never blocks a publisher on a slow subscriber: each subscriber owns
// a buffered channel and is dropped when its buffer overflows.
package eventbus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oss-agent-tool/planq/runtime/plan"
)

const (
	// DefaultRetention is the history window applied when Options.Retention
	// is zero.
	DefaultRetention = 5 * time.Minute
	// DefaultBuffer is the per-subscriber channel capacity applied when
	// Options.Buffer is zero or negative.
	DefaultBuffer = 64
)

type (
	// Options configures the bus.
	Options struct {
		// Retention bounds how long events are replayable to late
		// subscribers. Defaults to DefaultRetention.
		Retention time.Duration
		// Buffer is the per-subscriber channel capacity beyond the replay
		// snapshot. Subscribers that fall behind by more than this are
		// dropped. Defaults to DefaultBuffer.
		Buffer int
		// Clock overrides the time source (tests).
		Clock func() time.Time
	}

	// Bus is the in-process plan event bus. Safe for concurrent use.
	Bus struct {
		retention time.Duration
		buffer    int
		clock     func() time.Time

		mu      sync.Mutex
		history map[string][]retained           // step key -> events, oldest first
		subs    map[string]map[*subscriber]bool // plan ID -> subscribers
		seq     uint64
		closed  bool
	}

	retained struct {
		event plan.StepEvent
		seq   uint64
	}

	subscriber struct {
		ch     chan plan.StepEvent
		planID string
	}
)

// New constructs a bus with the given options.
func New(opts Options) *Bus {
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Bus{
		retention: retention,
		buffer:    buffer,
		clock:     clock,
		history:   make(map[string][]retained),
		subs:      make(map[string]map[*subscriber]bool),
	}
}

// Publish appends the event to the step's retained history and fans it out to
// the plan's subscribers. Events structurally identical to the most recent
// retained event for the step (state, summary, output, occurrence time) are
// skipped entirely.
func (b *Bus) Publish(_ context.Context, event plan.StepEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	key := plan.StepKey(event.PlanID, event.StepID)
	hist := b.pruneLocked(key)
	if n := len(hist); n > 0 && hist[n-1].event.Equivalent(event) {
		b.mu.Unlock()
		return nil
	}
	b.seq++
	b.history[key] = append(hist, retained{event: event.Clone(), seq: b.seq})

	var dropped []*subscriber
	for sub := range b.subs[event.PlanID] {
		select {
		case sub.ch <- event.Clone():
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		b.removeLocked(sub)
	}
	b.mu.Unlock()
	return nil
}

// Subscribe registers a subscriber for the plan's events. The retained
// history for the plan is replayed first (oldest first, across all steps),
// then live events follow. The returned cancel function closes the channel.
func (b *Bus) Subscribe(_ context.Context, planID string) (<-chan plan.StepEvent, context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	replay := b.planHistoryLocked(planID)
	sub := &subscriber{
		ch:     make(chan plan.StepEvent, len(replay)+b.buffer),
		planID: planID,
	}
	for _, ev := range replay {
		sub.ch <- ev
	}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	if b.subs[planID] == nil {
		b.subs[planID] = make(map[*subscriber]bool)
	}
	b.subs[planID][sub] = true

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(sub)
	}
	return sub.ch, cancel
}

// Latest returns the most recent retained event for the step.
func (b *Bus) Latest(planID, stepID string) (plan.StepEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hist := b.pruneLocked(plan.StepKey(planID, stepID))
	if len(hist) == 0 {
		return plan.StepEvent{}, false
	}
	return hist[len(hist)-1].event.Clone(), true
}

// Close drops all history and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			close(sub.ch)
		}
	}
	b.subs = make(map[string]map[*subscriber]bool)
	b.history = make(map[string][]retained)
}

// pruneLocked drops retained events older than the retention window and
// returns the surviving history for the key. Callers must hold b.mu.
func (b *Bus) pruneLocked(key string) []retained {
	hist := b.history[key]
	if len(hist) == 0 {
		return hist
	}
	cutoff := b.clock().Add(-b.retention)
	idx := 0
	for idx < len(hist) && hist[idx].event.OccurredAt.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		hist = hist[idx:]
		if len(hist) == 0 {
			delete(b.history, key)
		} else {
			b.history[key] = hist
		}
	}
	return hist
}

// planHistoryLocked collects the retained events for every step of the plan
// in publication order. Callers must hold b.mu.
func (b *Bus) planHistoryLocked(planID string) []plan.StepEvent {
	var all []retained
	for key, hist := range b.history {
		if len(hist) == 0 || hist[0].event.PlanID != planID {
			continue
		}
		all = append(all, b.pruneLocked(key)...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([]plan.StepEvent, len(all))
	for i, r := range all {
		out[i] = r.event.Clone()
	}
	return out
}

func (b *Bus) removeLocked(sub *subscriber) {
	subs := b.subs[sub.planID]
	if subs == nil || !subs[sub] {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subs, sub.planID)
	}
	close(sub.ch)
}
