package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/rambo/internal/agent"
)

// DailyTurns counts turns and failed turns since local midnight. It is
// safe for concurrent use.
type DailyTurns struct {
	mu       sync.Mutex
	turns    int64
	failures int64
	last     agent.Outcome
	resetDay int
	loc      *time.Location
}

// NewDailyTurns creates a counter that resets at midnight in loc, or
// in [time.Local] when loc is nil.
func NewDailyTurns(loc *time.Location) *DailyTurns {
	if loc == nil {
		loc = time.Local
	}
	return &DailyTurns{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

// Record counts one turn. Suppressed turns are not counted.
func (d *DailyTurns) Record(o agent.Outcome) {
	if o == agent.OutcomeSuppressed {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.turns++
	if o == agent.OutcomeFailed {
		d.failures++
	}
	d.last = o
}

// Snapshot returns today's totals and the most recent outcome.
func (d *DailyTurns) Snapshot() (turns, failures int64, last agent.Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.turns, d.failures, d.last
}

// maybeReset must be called with d.mu held.
func (d *DailyTurns) maybeReset() {
	today := time.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.turns = 0
		d.failures = 0
		d.resetDay = today
	}
}
