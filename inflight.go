package usbhost

import (
	"container/list"
	"sync"
	"time"
)

// inFlightList is the deadline-ordered list of submitted-but-not-yet-
// completed transfers (spec.md C4). Grounded on add_to_flying_list in
// io.c: entries with a finite deadline are kept sorted so the earliest
// deadline is always at the front; entries with no timeout (zero
// deadline) are appended at the tail regardless of insertion order, so a
// scan for the next timeout can stop at the first zero-deadline entry.
//
// container/list gives O(1) removal given the *list.Element a Submit call
// already holds, and insertion is a short linear scan bounded by the
// number of transfers actually in flight — the same complexity the C
// intrusive list has, without a hand-rolled pointer-splicing
// reimplementation of what the stdlib already provides.
type inFlightList struct {
	mu sync.Mutex
	l  list.List
}

func (f *inFlightList) insert(t *Transfer) *list.Element {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t.deadline.IsZero() {
		return f.l.PushBack(t)
	}

	for e := f.l.Front(); e != nil; e = e.Next() {
		other := e.Value.(*Transfer)
		if other.deadline.IsZero() || t.deadline.Before(other.deadline) {
			return f.l.InsertBefore(t, e)
		}
	}
	return f.l.PushBack(t)
}

func (f *inFlightList) remove(e *list.Element) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.l.Remove(e)
}

// nextTimeout returns the earliest non-zero deadline among in-flight
// transfers, matching libusb_get_next_timeout: the front of the list is
// checked first since finite deadlines are kept sorted there.
func (f *inFlightList) nextTimeout() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := f.l.Front()
	if e == nil {
		return time.Time{}, false
	}
	t := e.Value.(*Transfer)
	if t.deadline.IsZero() {
		return time.Time{}, false
	}
	return t.deadline, true
}

// expired returns every in-flight transfer whose deadline has passed as
// of now, stopping at the first transfer with a later or zero deadline
// since the list stays deadline-sorted. Grounded on handle_timeouts in
// io.c.
func (f *inFlightList) expired(now time.Time) []*Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*Transfer
	for e := f.l.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Transfer)
		if t.deadline.IsZero() || t.deadline.After(now) {
			break
		}
		out = append(out, t)
	}
	return out
}
