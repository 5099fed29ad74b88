package usbhost

import (
	"sync"

	"golang.org/x/sys/unix"
)

// fakeDevice is one device a fakeBackend will report from GetDeviceList.
type fakeDevice struct {
	sessionID uint64
	descRaw   [18]byte
	cfg       *ConfigDescriptor
}

// fakeCompletion is a queued outcome for a submitted transfer, drained by
// HandleEvents the next time the event loop wakes on the backend's pipe.
type fakeCompletion struct {
	t            *Transfer
	actualLength int
	status       TransferStatus
	cancelled    bool
	timedOut     bool
}

// fakeBackend is an in-memory Backend used to exercise the registry, handle
// manager, transfer engine, and event loop with no real USB hardware or
// usbfs tree, the way the engine's Backend interface is meant to allow.
type fakeBackend struct {
	mu sync.Mutex

	devices []fakeDevice

	openErr  error
	claimErr error

	claimed map[*Handle]map[uint8]bool

	submitErr error
	submitted map[*Transfer]bool

	pending []fakeCompletion

	// onCancel, if set, is invoked synchronously by CancelTransfer. Tests use
	// it to count how many times the engine actually asks the backend to
	// cancel a given transfer.
	onCancel func(*Transfer)

	pipeR *pipeFD
	pipeW *pipeFD
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		claimed:   make(map[*Handle]map[uint8]bool),
		submitted: make(map[*Transfer]bool),
	}
}

// pipeFD wraps one end of a unix.Pipe2 pipe so the fake backend can register a
// real, poll(2)-able fd with the event loop without touching a device node.
type pipeFD struct {
	fd int
}

func (b *fakeBackend) addDevice(vendorID, productID uint16, cfg *ConfigDescriptor) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	sid := uint64(len(b.devices) + 1)
	var desc [18]byte
	desc[0] = 18
	desc[1] = DTDevice
	desc[4] = 0
	desc[7] = 64
	desc[8] = byte(vendorID)
	desc[9] = byte(vendorID >> 8)
	desc[10] = byte(productID)
	desc[11] = byte(productID >> 8)
	desc[17] = 1

	b.devices = append(b.devices, fakeDevice{sessionID: sid, descRaw: desc, cfg: cfg})
	return sid
}

func (b *fakeBackend) Init(ctx *Context) error {
	r, w, err := pipe2()
	if err != nil {
		return err
	}
	b.pipeR, b.pipeW = r, w
	ctx.pollfds.Add(r.fd, unix.POLLIN)
	return nil
}

func (b *fakeBackend) Exit() {
	if b.pipeR != nil {
		unix.Close(b.pipeR.fd)
	}
	if b.pipeW != nil {
		unix.Close(b.pipeW.fd)
	}
}

func (b *fakeBackend) GetDeviceList(ctx *Context, batch *discoveredDevs) error {
	b.mu.Lock()
	devices := append([]fakeDevice(nil), b.devices...)
	b.mu.Unlock()

	for _, fd := range devices {
		dev := ctx.registry.findBySessionID(fd.sessionID)
		if dev == nil {
			dev = ctx.registry.allocate(ctx, fd.sessionID, 0)
			if err := ctx.registry.sanitize(dev); err != nil {
				dev.unref()
				continue
			}
		}
		dev.Bus = 1
		dev.Address = uint8(fd.sessionID)
		batch.append(dev)
	}
	return nil
}

func (b *fakeBackend) Open(h *Handle) error { return b.openErr }
func (b *fakeBackend) Close(h *Handle) {
	b.mu.Lock()
	delete(b.claimed, h)
	b.mu.Unlock()
}

func (b *fakeBackend) findDevice(dev *Device) *fakeDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.devices {
		if b.devices[i].sessionID == dev.SessionID {
			return &b.devices[i]
		}
	}
	return nil
}

func (b *fakeBackend) GetDeviceDescriptor(dev *Device, buf []byte) (bool, error) {
	fd := b.findDevice(dev)
	if fd == nil {
		return true, ErrNotFound
	}
	copy(buf, fd.descRaw[:])
	return true, nil
}

func (b *fakeBackend) GetActiveConfigDescriptor(dev *Device) (*ConfigDescriptor, error) {
	return b.GetConfigDescriptor(dev, 0)
}

func (b *fakeBackend) GetConfigDescriptor(dev *Device, index uint8) (*ConfigDescriptor, error) {
	fd := b.findDevice(dev)
	if fd == nil || fd.cfg == nil {
		return nil, ErrNotFound
	}
	return fd.cfg, nil
}

func (b *fakeBackend) SetConfiguration(h *Handle, value int) error { return nil }

func (b *fakeBackend) ClaimInterface(h *Handle, iface uint8) error {
	if b.claimErr != nil {
		return b.claimErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimed[h] == nil {
		b.claimed[h] = make(map[uint8]bool)
	}
	b.claimed[h][iface] = true
	return nil
}

func (b *fakeBackend) ReleaseInterface(h *Handle, iface uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.claimed[h], iface)
	return nil
}

func (b *fakeBackend) SetInterfaceAltSetting(h *Handle, iface, alt uint8) error { return nil }
func (b *fakeBackend) ClearHalt(h *Handle, endpoint uint8) error                { return nil }
func (b *fakeBackend) ResetDevice(h *Handle) error                              { return nil }

func (b *fakeBackend) SubmitTransfer(t *Transfer) error {
	if b.submitErr != nil {
		return b.submitErr
	}
	b.mu.Lock()
	b.submitted[t] = true
	b.mu.Unlock()
	return nil
}

// CancelTransfer only requests cancellation; it does not itself finalize
// the transfer. A real backend reports the outcome later, asynchronously,
// through HandleEvents — tests simulate that by calling cancel().
func (b *fakeBackend) CancelTransfer(t *Transfer) error {
	if b.onCancel != nil {
		b.onCancel(t)
	}
	return nil
}

// complete queues a normal completion for t and wakes any blocked Poll call.
func (b *fakeBackend) complete(t *Transfer, status TransferStatus, actualLength int) {
	b.queue(fakeCompletion{t: t, status: status, actualLength: actualLength})
}

// cancel simulates the backend later confirming an async cancellation
// requested via CancelTransfer.
func (b *fakeBackend) cancel(t *Transfer) {
	b.queue(fakeCompletion{t: t, cancelled: true})
}

func (b *fakeBackend) queue(c fakeCompletion) {
	b.mu.Lock()
	b.pending = append(b.pending, c)
	w := b.pipeW
	b.mu.Unlock()

	if w != nil {
		unix.Write(w.fd, []byte{1})
	}
}

func (b *fakeBackend) HandleEvents(ctx *Context, readable, writable []int) error {
	drained := false
	for _, fd := range readable {
		if b.pipeR != nil && fd == b.pipeR.fd {
			var buf [64]byte
			for {
				n, err := unix.Read(fd, buf[:])
				if n <= 0 || err != nil {
					break
				}
			}
			drained = true
		}
	}
	if !drained {
		return nil
	}

	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, c := range pending {
		b.mu.Lock()
		delete(b.submitted, c.t)
		b.mu.Unlock()

		if c.cancelled {
			ctx.handleTransferCancellation(c.t, c.timedOut)
		} else {
			ctx.handleTransferCompletion(c.t, c.actualLength, c.status)
		}
	}
	return nil
}

func pipe2() (*pipeFD, *pipeFD, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return nil, nil, err
	}
	return &pipeFD{fd: fds[0]}, &pipeFD{fd: fds[1]}, nil
}
