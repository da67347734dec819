package queue

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

var statusPriority = map[Status]int{
	StatusInConsultation: 1,
	StatusCalled:         2,
	StatusBooked:         3,
	StatusSkipped:        4,
}

const unmappedPriority = 999

func priority(s Status) int {
	if p, ok := statusPriority[s]; ok {
		return p
	}
	return unmappedPriority
}

// less orders the waiting room: entries that were not skipped go first,
// then by status priority, then by fewer skips, then by token.
func less(a, b *Entry) bool {
	as, bs := a.Status == StatusSkipped, b.Status == StatusSkipped
	if as != bs {
		return !as
	}
	if pa, pb := priority(a.Status), priority(b.Status); pa != pb {
		return pa < pb
	}
	if a.Counter.Skip != b.Counter.Skip {
		return a.Counter.Skip < b.Counter.Skip
	}
	return a.SequenceNumber < b.SequenceNumber
}

// Order returns entries sorted for service. The input is not modified.
func Order(entries []*Entry) []*Entry {
	out := make([]*Entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Meta summarizes a view.
type Meta struct {
	AppointmentDate time.Time `json:"appointmentDate"`
	TotalPrevious   int       `json:"totalPrevious"`
	TotalNext       int       `json:"totalNext"`
}

// Current is the entry being served plus its neighbours.
type Current struct {
	*Entry
	NextQueueID     *uuid.UUID
	PreviousQueueID *uuid.UUID
}

// View is a doctor's queue for one day split around the current entry.
type View struct {
	Previous []*Entry
	Current  *Current
	Next     []*Entry
	Meta     Meta
}

// Partition splits one day's entries into finished, current and upcoming.
// A requested entry becomes current; otherwise the first entry in service
// order does.
func Partition(entries []*Entry, requested *Entry, date time.Time) View {
	var previous, waiting []*Entry
	for _, e := range entries {
		switch {
		case e.Status.Terminal():
			previous = append(previous, e)
		case e.Status.Unpaid():
		default:
			waiting = append(waiting, e)
		}
	}
	sort.SliceStable(previous, func(i, j int) bool {
		return previous[i].SequenceNumber > previous[j].SequenceNumber
	})
	ordered := Order(waiting)

	var current *Entry
	next := make([]*Entry, 0, len(ordered))
	if requested != nil {
		current = requested
		for _, e := range ordered {
			if e.ID != requested.ID {
				next = append(next, e)
			}
		}
	} else if len(ordered) > 0 {
		current = ordered[0]
		next = append(next, ordered[1:]...)
	}

	v := View{
		Previous: previous,
		Next:     next,
		Meta: Meta{
			AppointmentDate: date,
			TotalPrevious:   len(previous),
			TotalNext:       len(next),
		},
	}
	if current != nil {
		c := &Current{Entry: current}
		if len(next) > 0 {
			c.NextQueueID = &next[0].ID
		}
		if len(previous) > 0 {
			c.PreviousQueueID = &previous[0].ID
		}
		v.Current = c
	}
	return v
}
