package dispatcher

import (
	"time"

	"github.com/bz888/subql-cosmos/pkg/types"
)

// HeightState is the dispatch state of one height.
type HeightState int

const (
	StatePending HeightState = iota
	StateFetching
	StateFetched
	StateDelivered
	StateSkipped
	StateFailed
	StateRetrying
)

var stateNames = map[HeightState]string{
	StatePending:   "pending",
	StateFetching:  "fetching",
	StateFetched:   "fetched",
	StateDelivered: "delivered",
	StateSkipped:   "skipped",
	StateFailed:    "failed",
	StateRetrying:  "retrying",
}

func (s HeightState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

type slot struct {
	height   uint64
	state    HeightState
	block    *types.Block
	attempts int
	retryAt  time.Time
	lastErr  error
}

// Window holds the heights that are planned but not delivered, in ascending order.
// Every height at or below planned is either in the window, delivered or skipped.
// It is owned by the coordinator goroutine and is not safe for concurrent use.
type Window struct {
	slots     []*slot
	index     map[uint64]*slot
	delivered uint64
	planned   uint64
}

// NewWindow creates a window whose first height is start.
func NewWindow(start uint64) *Window {
	return &Window{
		index:     make(map[uint64]*slot),
		delivered: start - 1,
		planned:   start - 1,
	}
}

// Len returns the number of heights in the window.
func (w *Window) Len() int {
	return len(w.slots)
}

// Delivered returns the highest height that was delivered or skipped.
func (w *Window) Delivered() uint64 {
	return w.delivered
}

// Planned returns the highest planned height.
func (w *Window) Planned() uint64 {
	return w.planned
}

// State returns the state of height as seen by the window.
func (w *Window) State(height uint64) HeightState {
	if s, ok := w.index[height]; ok {
		return s.state
	}
	switch {
	case height <= w.delivered:
		return StateDelivered
	case height <= w.planned:
		return StateSkipped
	default:
		return StatePending
	}
}

// Plan appends heights above the planned height and moves it to coveredTo. Heights in
// (planned, coveredTo] that are not listed are skipped.
func (w *Window) Plan(heights []uint64, coveredTo uint64) {
	for _, h := range heights {
		if h <= w.planned || h > coveredTo {
			continue
		}
		s := &slot{height: h, state: StatePending}
		w.slots = append(w.slots, s)
		w.index[h] = s
	}
	if coveredTo > w.planned {
		w.planned = coveredTo
	}
}

func (w *Window) get(height uint64) *slot {
	return w.index[height]
}

// ready returns the slots that can be assigned to a worker at now.
func (w *Window) ready(now time.Time) []*slot {
	var out []*slot
	for _, s := range w.slots {
		switch s.state {
		case StatePending:
			out = append(out, s)
		case StateRetrying:
			if !now.Before(s.retryAt) {
				out = append(out, s)
			}
		}
	}
	return out
}

// nextRetry returns the earliest pending retry time.
func (w *Window) nextRetry() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, s := range w.slots {
		if s.state == StateRetrying && (!found || s.retryAt.Before(next)) {
			next, found = s.retryAt, true
		}
	}
	return next, found
}

// front returns the lowest slot.
func (w *Window) front() *slot {
	if len(w.slots) == 0 {
		return nil
	}
	return w.slots[0]
}

// pop removes the lowest slot and marks its height delivered. Heights skipped below it
// are counted.
func (w *Window) pop() *slot {
	s := w.slots[0]
	w.slots[0] = nil
	w.slots = w.slots[1:]
	delete(w.index, s.height)

	HeightsSkippedAdd(s.height - w.delivered - 1)
	s.state = StateDelivered
	w.delivered = s.height
	return s
}

// skipFrontier returns the highest height that can be marked done without delivering a
// block: the height below the lowest slot, or the planned height when the window is empty.
func (w *Window) skipFrontier() uint64 {
	if s := w.front(); s != nil {
		return s.height - 1
	}
	return w.planned
}

// skipTo marks every height up to h as skipped.
func (w *Window) skipTo(h uint64) {
	if h > w.delivered {
		HeightsSkippedAdd(h - w.delivered)
		w.delivered = h
	}
}

// Truncate drops every slot at or above from and lowers the planned height below it.
// It returns the number of dropped slots.
func (w *Window) Truncate(from uint64) int {
	keep := len(w.slots)
	for i, s := range w.slots {
		if s.height >= from {
			keep = i
			break
		}
	}

	dropped := len(w.slots) - keep
	for _, s := range w.slots[keep:] {
		delete(w.index, s.height)
	}
	clear(w.slots[keep:])
	w.slots = w.slots[:keep]

	if from-1 < w.planned {
		w.planned = from - 1
	}
	if from-1 < w.delivered {
		w.delivered = from - 1
	}
	return dropped
}
