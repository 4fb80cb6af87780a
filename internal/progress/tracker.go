package progress

import (
	"sync"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
)

// Tracker is the consumer-side filter: displayed progress never regresses
// and nothing after a terminal status is shown.
type Tracker struct {
	mu   sync.Mutex
	last map[string]Event
}

func NewTracker() *Tracker {
	return &Tracker{last: make(map[string]Event)}
}

// Accept reports whether ev should be shown, recording it if so.
func (t *Tracker) Accept(ev Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, seen := t.last[ev.ExportID]
	switch {
	case !seen:
	case models.IsSink(prev.Status):
		return false
	case models.IsSink(ev.Status):
	case ev.Progress < prev.Progress:
		return false
	}
	t.last[ev.ExportID] = ev
	return true
}

// Latest returns the last accepted event for exportID.
func (t *Tracker) Latest(exportID string) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev, ok := t.last[exportID]
	return ev, ok
}

// Merge picks the fresher of two views of one export using the same rules as Accept.
func Merge(a, b Event) Event {
	switch {
	case models.IsSink(a.Status):
		return a
	case models.IsSink(b.Status):
		return b
	case b.Progress > a.Progress:
		return b
	}
	return a
}
