// Package diff turns two consecutive observations of a section into the
// change events a subscriber cares about.
package diff

import (
	"strconv"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
)

// Diff compares the previous snapshot of a section with the current one.
//
// Events come out in a fixed group order: status, seat counts, meeting time,
// capacity. A nil previous snapshot yields a single CREATED event.
func Diff(previous *crnwatch.Section, current crnwatch.Section) []crnwatch.ChangeEvent {
	d := differ{current: current}

	if previous == nil {
		d.emit(crnwatch.EventCreated, "", summary(current))
		return d.events
	}
	if previous.Hash == current.Hash {
		return nil
	}

	d.previous = *previous
	d.status()
	d.seats()
	d.meeting()
	d.capacity()

	return d.events
}

type differ struct {
	previous crnwatch.Section
	current  crnwatch.Section

	events    []crnwatch.ChangeEvent
	cancelled bool
}

func (d *differ) emit(kind crnwatch.EventKind, previous, current string) {
	for _, ev := range d.events {
		if ev.Kind == kind {
			return
		}
	}

	d.events = append(d.events, crnwatch.ChangeEvent{
		Term:       d.current.Term,
		CRN:        d.current.CRN,
		Kind:       kind,
		Previous:   previous,
		Current:    current,
		DetectedAt: d.current.FetchedAt,
	})
}

func (d *differ) status() {
	var (
		prev = d.previous.Status
		cur  = d.current.Status
	)
	if prev == cur {
		return
	}

	switch {
	case cur == crnwatch.StatusCancelled:
		d.cancelled = true
		d.emit(crnwatch.EventCancelled, string(prev), string(cur))
	case cur == crnwatch.StatusClosed:
		d.emit(crnwatch.EventSeatClosed, string(prev), string(cur))
	case cur == crnwatch.StatusOpen:
		// Reinstated or reopened for registration
		d.emit(crnwatch.EventSeatOpened, string(prev), string(cur))
	}
}

func (d *differ) seats() {
	if d.cancelled {
		return
	}

	var (
		prev = d.previous.Taken
		cur  = d.current.Taken
	)
	switch {
	case cur < prev && d.current.Status == crnwatch.StatusOpen:
		d.emit(crnwatch.EventSeatOpened, strconv.Itoa(prev), strconv.Itoa(cur))
	case cur > prev && d.previous.Available > 0 && d.current.Available == 0:
		// Only the last seat going is news
		d.emit(crnwatch.EventSeatClosed, strconv.Itoa(prev), strconv.Itoa(cur))
	}
}

func (d *differ) meeting() {
	prev, cur := d.previous.Meeting(), d.current.Meeting()
	if prev != cur {
		d.emit(crnwatch.EventTimeChanged, prev, cur)
	}
}

func (d *differ) capacity() {
	if d.cancelled {
		return
	}

	prev, cur := d.previous.Capacity, d.current.Capacity
	if prev != cur {
		d.emit(crnwatch.EventCapacityChanged, strconv.Itoa(prev), strconv.Itoa(cur))
	}
}

// Short human readable description used for CREATED events.
func summary(s crnwatch.Section) string {
	return s.Subject + " " + s.Course + "-" + s.SectionNumber + " " +
		string(s.Status) + " " + strconv.Itoa(s.Taken) + "/" + strconv.Itoa(s.Capacity)
}
