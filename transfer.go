package usbhost

import (
	"container/list"
	"encoding/binary"
	"sync"
	"time"
	"unsafe"
)

// TransferFlag modifies how a Transfer's completion is interpreted or how
// its resources are released. Grounded on LIBUSB_TRANSFER_* flag bits in
// io.c.
type TransferFlag uint8

const (
	// TransferFlagShortNotOK causes a short IN transfer (actual length
	// less than requested) to complete with TransferError instead of
	// TransferCompleted. Never applies to the control-transfer setup
	// packet's own 8 bytes, only to the data stage.
	TransferFlagShortNotOK TransferFlag = 1 << iota
	// TransferFlagFreeBuffer asks the engine to drop its reference to
	// Buffer once the transfer's callback has run. It only takes effect
	// together with TransferFlagFreeTransfer.
	TransferFlagFreeBuffer
	// TransferFlagFreeTransfer asks the engine to forget the Transfer
	// once its callback has run, so a one-shot caller doesn't need to
	// track it for reuse.
	TransferFlagFreeTransfer
)

// controlSetupPacket is the 8-byte header prefixed to a control transfer's
// buffer, wire-format fields per the USB 2.0 specification section 9.3.
type controlSetupPacket struct {
	bmRequestType uint8
	bRequest      uint8
	wValue        uint16
	wIndex        uint16
	wLength       uint16
}

func (s controlSetupPacket) marshal() [8]byte {
	var buf [8]byte
	buf[0] = s.bmRequestType
	buf[1] = s.bRequest
	binary.LittleEndian.PutUint16(buf[2:4], s.wValue)
	binary.LittleEndian.PutUint16(buf[4:6], s.wIndex)
	binary.LittleEndian.PutUint16(buf[6:8], s.wLength)
	return buf
}

// Transfer describes one asynchronous USB transfer (C4). Unlike libusb's
// struct libusb_transfer plus its hidden struct usbi_transfer container-of
// companion, this is a single struct: public fields configure the
// request, lower-case fields are the engine's own bookkeeping. REDESIGN
// FLAG: no container-of pointer arithmetic anywhere in this package.
type Transfer struct {
	Handle   *Handle
	Type     TransferType
	Endpoint uint8
	Buffer   []byte
	Timeout  time.Duration
	Flags    TransferFlag

	// ControlSetup is only consulted when Type == TransferTypeControl; the
	// marshaled 8-byte setup packet is written over the front of Buffer
	// by Submit, matching libusb's setup-packet-as-buffer-prefix layout.
	ControlSetup controlSetupPacket

	// Callback is invoked once per terminal outcome: TransferCompleted,
	// TransferError, TransferTimedOut, TransferCancelled, TransferStall,
	// TransferNoDevice, or TransferOverflow. It is never called for a
	// sync-cancel's silent completion.
	Callback func(*Transfer)

	Status       TransferStatus
	ActualLength int

	priv []byte

	mu         sync.Mutex
	deadline   time.Time
	submitted  bool
	cancelling bool
	syncCancel bool
	timedOut   bool
	elem       *list.Element
}

// Priv returns the backend-private storage block for this transfer.
func (t *Transfer) Priv() []byte { return t.priv }

// AllocTransfer allocates a Transfer with backend-sized private storage,
// matching libusb_alloc_transfer's job of appending an os_priv block sized
// by the backend.
func (c *Context) AllocTransfer() *Transfer {
	var privSize int
	if ps, ok := c.backend.(PrivateSizes); ok {
		privSize = ps.TransferPrivSize()
	}
	return &Transfer{priv: make([]byte, privSize)}
}

// InitTransfer re-zeroes a Transfer's public fields and engine bookkeeping
// so it can be resubmitted for an unrelated request, keeping the
// backend-private block AllocTransfer already sized. Grounded on the
// alloc-then-reuse pair libusb_alloc_transfer/libusb_init_transfer form in
// io.c; REDESIGN FLAG: reuses the existing priv slice rather than
// round-tripping through the allocator.
func InitTransfer(t *Transfer) {
	priv := t.priv
	*t = Transfer{priv: priv}
}

// GetTransferAllocSize reports the size, in bytes, of a Transfer allocated
// by AllocTransfer: the struct itself plus the backend's declared private
// block. Grounded on libusb_get_transfer_alloc_size deriving
// sizeof(struct libusb_transfer)+sizeof(usbi_transfer)+priv_size in io.c —
// REDESIGN FLAG: Transfer is already the single merged struct, so there is
// no separate usbi_transfer term to add.
func (c *Context) GetTransferAllocSize() uintptr {
	size := unsafe.Sizeof(Transfer{})
	if ps, ok := c.backend.(PrivateSizes); ok {
		size += uintptr(ps.TransferPrivSize())
	}
	return size
}

// FreeTransfer releases a Transfer's resources, matching libusb_free_transfer.
// Go's collector reclaims the struct itself once every reference is
// dropped; FreeTransfer clears the backend-private block and callback so a
// pointer a caller still holds doesn't look like a live, submittable
// transfer.
func FreeTransfer(t *Transfer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priv = nil
	t.Callback = nil
}

// release applies the FREE_TRANSFER/FREE_BUFFER policy once a terminal
// callback has run. Grounded on spec.md's completion dispatch: FREE_BUFFER
// only matters together with FREE_TRANSFER, mirroring libusb_free_transfer's
// own buffer-ownership check in io.c.
func (t *Transfer) release() {
	if t.Flags&TransferFlagFreeTransfer == 0 {
		return
	}
	if t.Flags&TransferFlagFreeBuffer != 0 {
		t.Buffer = nil
	}
	FreeTransfer(t)
}

// Submit hands the transfer to the backend and inserts it into the
// context's in-flight list. Grounded on submit_transfer/
// libusb_submit_transfer in io.c: compute the absolute deadline first,
// marshal the control setup packet into the buffer for control transfers,
// then call the backend — only inserting into the in-flight list once the
// backend has accepted the submission, so a failed submit never leaves a
// dangling timeout entry.
func (c *Context) Submit(t *Transfer) error {
	t.mu.Lock()
	if t.submitted {
		t.mu.Unlock()
		return newErr("submit_transfer", KindBusy, nil)
	}
	if t.Timeout > 0 {
		t.deadline = time.Now().Add(t.Timeout)
	} else {
		t.deadline = time.Time{}
	}
	t.submitted = true
	t.mu.Unlock()

	if t.Type == TransferTypeControl {
		if len(t.Buffer) < 8 {
			return newErr("submit_transfer", KindInvalidParam, nil)
		}
		c.log.Debugf("submit_transfer: rqt=0x%02x rq=0x%02x val=0x%04x idx=0x%04x length=%d",
			t.ControlSetup.bmRequestType, t.ControlSetup.bRequest,
			t.ControlSetup.wValue, t.ControlSetup.wIndex, t.ControlSetup.wLength)
		setup := t.ControlSetup.marshal()
		copy(t.Buffer[:8], setup[:])
	}

	if err := c.backend.SubmitTransfer(t); err != nil {
		t.mu.Lock()
		t.submitted = false
		t.mu.Unlock()
		return newErr("submit_transfer", KindOther, err)
	}

	t.mu.Lock()
	t.elem = c.inFlight.insert(t)
	t.mu.Unlock()
	return nil
}

// Cancel requests asynchronous cancellation. The transfer's callback will
// still be invoked once the backend reports the outcome; it is not safe
// to assume the transfer is inactive immediately after Cancel returns.
// Grounded on libusb_cancel_transfer in io.c.
func (t *Transfer) Cancel(c *Context) error {
	t.mu.Lock()
	if !t.submitted {
		t.mu.Unlock()
		return newErr("cancel_transfer", KindNotFound, nil)
	}
	t.cancelling = true
	t.mu.Unlock()

	if err := c.backend.CancelTransfer(t); err != nil {
		return newErr("cancel_transfer", KindOther, err)
	}
	return nil
}

// CancelSync cancels the transfer and blocks, driving the context's event
// loop itself, until the cancellation has actually completed. Grounded on
// libusb_cancel_transfer_sync in io.c: it marks the transfer with a
// sync-cancel flag so handleTransferCancellation suppresses the normal
// callback (delivering transferSilentCompletion instead), then spins
// Context.Poll with a short timeout until the transfer is no longer in
// flight.
func (t *Transfer) CancelSync(c *Context) error {
	t.mu.Lock()
	t.syncCancel = true
	t.mu.Unlock()

	if err := t.Cancel(c); err != nil {
		if isKind(err, KindNotFound) {
			return nil
		}
		return err
	}

	for {
		t.mu.Lock()
		done := !t.submitted
		t.mu.Unlock()
		if done {
			return nil
		}
		if err := c.Poll(50 * time.Millisecond); err != nil {
			return err
		}
	}
}

func isKind(err error, k ErrorKind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == k
}

// handleTransferCompletion finalizes a transfer the backend reports as
// finished normally, applying the short-transfer policy before invoking
// the callback. Grounded on usbi_handle_transfer_completion in io.c: a
// short IN data stage is only turned into TransferError when
// TransferFlagShortNotOK is set; it is never applied to the control
// setup packet's own bytes, only the data actually moved.
func (c *Context) handleTransferCompletion(t *Transfer, actualLength int, status TransferStatus) {
	t.mu.Lock()
	if t.elem != nil {
		c.inFlight.remove(t.elem)
		t.elem = nil
	}
	t.submitted = false
	sync := t.syncCancel
	t.mu.Unlock()

	t.ActualLength = actualLength

	if status == TransferCompleted && t.Flags&TransferFlagShortNotOK != 0 {
		expected := len(t.Buffer)
		if t.Type == TransferTypeControl {
			expected -= 8
		}
		if actualLength < expected {
			status = TransferError
		}
	}
	t.Status = status

	if sync {
		return
	}
	if t.Callback != nil {
		t.Callback(t)
	}
	t.release()
}

// handleTransferCancellation finalizes a transfer the backend reports as
// cancelled or timed out. Grounded on usbi_handle_transfer_cancellation in
// io.c: a sync-cancel in progress always reports silently regardless of
// why the cancellation happened; otherwise a submission the engine had
// already marked timed out (via handleTimeouts) or that the backend itself
// reports as a kernel-level timeout reports TransferTimedOut, and any other
// cancellation reports TransferCancelled. This is the only place a
// timed-out transfer is actually finalized and its callback fired — engine-
// side marking and backend-side reaping are deliberately two separate
// steps so a transfer is never finalized twice.
func (c *Context) handleTransferCancellation(t *Transfer, timedOut bool) {
	t.mu.Lock()
	if t.elem != nil {
		c.inFlight.remove(t.elem)
		t.elem = nil
	}
	t.submitted = false
	sync := t.syncCancel
	timedOut = timedOut || t.timedOut
	t.timedOut = false
	t.mu.Unlock()

	if sync {
		t.Status = transferSilentCompletion
		return
	}

	if timedOut {
		t.Status = TransferTimedOut
	} else {
		t.Status = TransferCancelled
	}
	if t.Callback != nil {
		t.Callback(t)
	}
	t.release()
}
