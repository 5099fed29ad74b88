package usbhost

import "sync"

// PollFd is one file descriptor a backend wants multiplexed into the
// event loop, along with the event mask it cares about (POLLIN/POLLOUT
// bit values, left to the backend to interpret since only it knows what
// each fd is for).
type PollFd struct {
	FD     int
	Events int16
}

// pollFdSet is the Context-owned collection of a backend's poll fds (C5),
// grounded on usbi_add_pollfd/usbi_remove_pollfd/libusb_get_pollfds in
// io.c. Notifier callbacks let an external event loop (one not calling
// Context.Poll itself) stay in sync with fds the backend adds or removes
// at runtime, e.g. when a new device file is opened.
type pollFdSet struct {
	mu      sync.Mutex
	fds     map[int]*PollFd
	added   func(PollFd)
	removed func(fd int)
}

func (s *pollFdSet) init() {
	s.fds = make(map[int]*PollFd)
}

// Add registers fd with the given event mask.
func (s *pollFdSet) Add(fd int, events int16) {
	s.mu.Lock()
	pfd := &PollFd{FD: fd, Events: events}
	s.fds[fd] = pfd
	notify := s.added
	s.mu.Unlock()

	if notify != nil {
		notify(*pfd)
	}
}

// Remove unregisters fd.
func (s *pollFdSet) Remove(fd int) {
	s.mu.Lock()
	_, ok := s.fds[fd]
	delete(s.fds, fd)
	notify := s.removed
	s.mu.Unlock()

	if ok && notify != nil {
		notify(fd)
	}
}

// Snapshot returns every currently registered poll fd, matching
// libusb_get_pollfds.
func (s *pollFdSet) Snapshot() []PollFd {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PollFd, 0, len(s.fds))
	for _, pfd := range s.fds {
		out = append(out, *pfd)
	}
	return out
}

// SetNotifiers installs callbacks invoked whenever a fd is added to or
// removed from the set, matching libusb_set_pollfd_notifiers.
func (c *Context) SetNotifiers(added func(PollFd), removed func(fd int)) {
	c.pollfds.mu.Lock()
	defer c.pollfds.mu.Unlock()
	c.pollfds.added = added
	c.pollfds.removed = removed
}

// GetPollFds returns the poll fds an external event loop should
// multiplex alongside its own, per libusb_get_pollfds.
func (c *Context) GetPollFds() []PollFd {
	return c.pollfds.Snapshot()
}
