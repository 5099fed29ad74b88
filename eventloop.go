package usbhost

import (
	"time"

	"golang.org/x/sys/unix"
)

// Poll runs one iteration of the event loop: it multiplexes the backend's
// poll fds, waiting up to timeout (or the nearest in-flight transfer
// deadline, whichever is sooner) for activity, dispatches any readable or
// writable fds to the backend, and then expires any transfer whose
// deadline has passed. Grounded on poll_io/libusb_handle_events_timeout in
// io.c, translated from select(2)+fd_set to unix.Poll.
//
// Only one goroutine may call Poll on a Context at a time (REDESIGN FLAG:
// libusb only documents this restriction, this enforces it) — a
// concurrent call returns ErrBusy immediately rather than racing the
// pollfd snapshot.
func (c *Context) Poll(timeout time.Duration) error {
	if !c.eventLoopBusy.CompareAndSwap(false, true) {
		return newErr("handle_events", KindBusy, nil)
	}
	defer c.eventLoopBusy.Store(false)

	waitFor := c.pollTimeout(timeout)

	snapshot := c.pollfds.Snapshot()
	pfds := make([]unix.PollFd, len(snapshot))
	for i, pfd := range snapshot {
		pfds[i] = unix.PollFd{Fd: int32(pfd.FD), Events: pfd.Events}
	}

	c.log.Debugf("poll: waiting up to %s across %d fd(s)", waitFor, len(pfds))

	ms := int(waitFor / time.Millisecond)
	if waitFor > 0 && ms == 0 {
		ms = 1
	}

	n, err := unix.Poll(pfds, ms)
	if err != nil && err != unix.EINTR {
		return newErr("handle_events", KindIO, err)
	}

	if n > 0 {
		var readable, writable []int
		for _, pfd := range pfds {
			if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				readable = append(readable, int(pfd.Fd))
			}
			if pfd.Revents&unix.POLLOUT != 0 {
				writable = append(writable, int(pfd.Fd))
			}
		}
		if len(readable) > 0 || len(writable) > 0 {
			if err := c.backend.HandleEvents(c, readable, writable); err != nil {
				return newErr("handle_events", KindIO, err)
			}
		}
	}

	c.handleTimeouts()
	return nil
}

// pollTimeout computes how long Poll should actually wait: the smaller
// of the caller's requested timeout and the nearest in-flight deadline.
// Matches libusb_poll_timeout's job of never oversleeping past a transfer
// that's about to time out. A zero or negative requested timeout is
// replaced by the Context's default poll timeout.
func (c *Context) pollTimeout(requested time.Duration) time.Duration {
	wait := requested
	if wait <= 0 {
		wait = c.defaultPollTimeout
	}

	if deadline, ok := c.inFlight.nextTimeout(); ok {
		untilDeadline := time.Until(deadline)
		if untilDeadline < 0 {
			untilDeadline = 0
		}
		if untilDeadline < wait {
			wait = untilDeadline
		}
	}
	return wait
}

// GetNextTimeout reports how long until the next in-flight transfer
// deadline, for callers driving their own select/poll loop instead of
// calling Context.Poll. The bool is false when no transfer has a finite
// timeout. Matches libusb_get_next_timeout.
func (c *Context) GetNextTimeout() (time.Duration, bool) {
	deadline, ok := c.inFlight.nextTimeout()
	if !ok {
		return 0, false
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	return d, true
}

// handleTimeouts marks every in-flight transfer whose deadline has passed
// and requests its cancellation from the backend. It does not finalize the
// transfer or fire its callback itself — a marked transfer stays on the
// in-flight list exactly as it was, visible to CancelSync and to the next
// handleTimeouts call, until the backend's asynchronous reap arrives
// through HandleEvents and calls handleTransferCancellation, which is the
// only place that actually delivers TransferTimedOut. Because the transfer
// is left in flight, it keeps being reported by inFlight.expired on every
// subsequent Poll call until that reap removes it, so transfers already
// marked are skipped rather than cancelled again each iteration. Grounded
// on handle_timeouts in io.c.
func (c *Context) handleTimeouts() {
	now := time.Now()
	for _, t := range c.inFlight.expired(now) {
		t.mu.Lock()
		alreadyMarked := t.timedOut
		t.timedOut = true
		t.mu.Unlock()
		if alreadyMarked {
			continue
		}

		if err := c.backend.CancelTransfer(t); err != nil {
			c.log.Warnf("event loop: cancel on timeout failed: %v", err)
		}
	}
}
