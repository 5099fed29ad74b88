package usbhost

import (
	"testing"
	"time"
)

func TestInFlightListDeadlineOrder(t *testing.T) {
	var f inFlightList

	now := time.Now()
	late := &Transfer{deadline: now.Add(3 * time.Second)}
	early := &Transfer{deadline: now.Add(1 * time.Second)}
	mid := &Transfer{deadline: now.Add(2 * time.Second)}
	noTimeout := &Transfer{}

	f.insert(late)
	f.insert(noTimeout)
	f.insert(early)
	f.insert(mid)

	var order []*Transfer
	for e := f.l.Front(); e != nil; e = e.Next() {
		order = append(order, e.Value.(*Transfer))
	}

	if len(order) != 4 || order[0] != early || order[1] != mid || order[2] != late || order[3] != noTimeout {
		t.Fatalf("unexpected deadline order")
	}

	deadline, ok := f.nextTimeout()
	if !ok || !deadline.Equal(early.deadline) {
		t.Fatalf("nextTimeout = %v, %v; want %v, true", deadline, ok, early.deadline)
	}
}

func TestInFlightListExpired(t *testing.T) {
	var f inFlightList

	now := time.Now()
	past := &Transfer{deadline: now.Add(-time.Second)}
	future := &Transfer{deadline: now.Add(time.Hour)}
	noTimeout := &Transfer{}

	f.insert(past)
	f.insert(future)
	f.insert(noTimeout)

	expired := f.expired(now)
	if len(expired) != 1 || expired[0] != past {
		t.Fatalf("expired() = %v, want only the past-deadline transfer", expired)
	}
}

func TestInFlightListRemove(t *testing.T) {
	var f inFlightList

	tr := &Transfer{deadline: time.Now().Add(time.Second)}
	e := f.insert(tr)
	f.remove(e)

	if f.l.Len() != 0 {
		t.Fatalf("list length = %d after remove, want 0", f.l.Len())
	}
}
