package usbhost

import (
	"testing"
	"time"
	"unsafe"
)

func TestControlSetupMarshal(t *testing.T) {
	s := controlSetupPacket{
		bmRequestType: 0x80,
		bRequest:      ReqGetDescriptor,
		wValue:        0x0100,
		wIndex:        0,
		wLength:       18,
	}
	buf := s.marshal()

	want := [8]byte{0x80, ReqGetDescriptor, 0x00, 0x01, 0x00, 0x00, 18, 0}
	if buf != want {
		t.Fatalf("marshal() = %x, want %x", buf, want)
	}
}

func TestSubmitWritesControlSetupIntoBuffer(t *testing.T) {
	backend := newFakeBackend()
	backend.addDevice(0x1111, 0x2222, &ConfigDescriptor{})
	ctx := newTestContext(t, backend)
	h := openTestHandle(t, ctx, backend)

	tr := ctx.AllocTransfer()
	tr.Handle = h
	tr.Type = TransferTypeControl
	tr.Buffer = make([]byte, 8+18)
	tr.ControlSetup = controlSetupPacket{bmRequestType: 0x80, bRequest: ReqGetDescriptor, wValue: 0x0100, wLength: 18}

	if err := ctx.Submit(tr); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if tr.Buffer[0] != 0x80 || tr.Buffer[1] != ReqGetDescriptor {
		t.Fatalf("control setup not written into buffer prefix: %x", tr.Buffer[:8])
	}
}

func TestSubmitTwiceFails(t *testing.T) {
	backend := newFakeBackend()
	backend.addDevice(0x1111, 0x2222, &ConfigDescriptor{})
	ctx := newTestContext(t, backend)
	h := openTestHandle(t, ctx, backend)

	tr := ctx.AllocTransfer()
	tr.Handle = h
	tr.Type = TransferTypeBulk
	tr.Buffer = make([]byte, 64)

	if err := ctx.Submit(tr); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := ctx.Submit(tr); err == nil {
		t.Fatalf("expected second Submit on an already-submitted transfer to fail")
	}
}

func TestHandleTransferCompletionShortNotOK(t *testing.T) {
	backend := newFakeBackend()
	backend.addDevice(0x1111, 0x2222, &ConfigDescriptor{})
	ctx := newTestContext(t, backend)
	h := openTestHandle(t, ctx, backend)

	var gotStatus TransferStatus
	tr := ctx.AllocTransfer()
	tr.Handle = h
	tr.Type = TransferTypeBulk
	tr.Buffer = make([]byte, 64)
	tr.Flags = TransferFlagShortNotOK
	tr.Callback = func(t *Transfer) { gotStatus = t.Status }

	if err := ctx.Submit(tr); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx.handleTransferCompletion(tr, 32, TransferCompleted)

	if gotStatus != TransferError {
		t.Fatalf("status = %v, want TransferError for a short IN transfer with ShortNotOK set", gotStatus)
	}
}

func TestHandleTransferCompletionShortNotOKExcludesControlSetup(t *testing.T) {
	backend := newFakeBackend()
	backend.addDevice(0x1111, 0x2222, &ConfigDescriptor{})
	ctx := newTestContext(t, backend)
	h := openTestHandle(t, ctx, backend)

	var gotStatus TransferStatus
	tr := ctx.AllocTransfer()
	tr.Handle = h
	tr.Type = TransferTypeControl
	tr.Buffer = make([]byte, 8+18)
	tr.Flags = TransferFlagShortNotOK
	tr.Callback = func(t *Transfer) { gotStatus = t.Status }

	if err := ctx.Submit(tr); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// actualLength covers the full data stage (18 bytes); the 8-byte setup
	// header must not be counted against it.
	ctx.handleTransferCompletion(tr, 18, TransferCompleted)

	if gotStatus != TransferCompleted {
		t.Fatalf("status = %v, want TransferCompleted", gotStatus)
	}
}

func TestHandleTransferCancellationSyncIsSilent(t *testing.T) {
	backend := newFakeBackend()
	backend.addDevice(0x1111, 0x2222, &ConfigDescriptor{})
	ctx := newTestContext(t, backend)
	h := openTestHandle(t, ctx, backend)

	called := false
	tr := ctx.AllocTransfer()
	tr.Handle = h
	tr.Type = TransferTypeBulk
	tr.Buffer = make([]byte, 64)
	tr.Callback = func(t *Transfer) { called = true }

	if err := ctx.Submit(tr); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	tr.mu.Lock()
	tr.syncCancel = true
	tr.mu.Unlock()

	ctx.handleTransferCancellation(tr, false)

	if called {
		t.Fatalf("callback must not run on a sync-cancelled completion")
	}
	if tr.Status != transferSilentCompletion {
		t.Fatalf("Status = %v, want transferSilentCompletion", tr.Status)
	}
}

func TestHandleTransferCancellationAsyncReportsTimeout(t *testing.T) {
	backend := newFakeBackend()
	backend.addDevice(0x1111, 0x2222, &ConfigDescriptor{})
	ctx := newTestContext(t, backend)
	h := openTestHandle(t, ctx, backend)

	var gotStatus TransferStatus
	tr := ctx.AllocTransfer()
	tr.Handle = h
	tr.Type = TransferTypeBulk
	tr.Buffer = make([]byte, 64)
	tr.Timeout = 10 * time.Millisecond
	tr.Callback = func(t *Transfer) { gotStatus = t.Status }

	if err := ctx.Submit(tr); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx.handleTransferCancellation(tr, true)

	if gotStatus != TransferTimedOut {
		t.Fatalf("status = %v, want TransferTimedOut", gotStatus)
	}
}

func TestHandleTransferCancellationUsesEngineTimeoutFlag(t *testing.T) {
	backend := newFakeBackend()
	backend.addDevice(0x1111, 0x2222, &ConfigDescriptor{})
	ctx := newTestContext(t, backend)
	h := openTestHandle(t, ctx, backend)

	var gotStatus TransferStatus
	tr := ctx.AllocTransfer()
	tr.Handle = h
	tr.Type = TransferTypeBulk
	tr.Buffer = make([]byte, 64)
	tr.Timeout = time.Millisecond
	tr.Callback = func(t *Transfer) { gotStatus = t.Status }

	if err := ctx.Submit(tr); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	tr.mu.Lock()
	tr.timedOut = true
	tr.mu.Unlock()

	// The backend itself only reports a plain cancellation (false); the
	// engine's own timedOut flag should still be enough to report
	// TransferTimedOut rather than TransferCancelled.
	ctx.handleTransferCancellation(tr, false)

	if gotStatus != TransferTimedOut {
		t.Fatalf("status = %v, want TransferTimedOut", gotStatus)
	}
}

func TestInitTransferResetsForReuse(t *testing.T) {
	backend := newFakeBackend()
	backend.addDevice(0x1111, 0x2222, &ConfigDescriptor{})
	ctx := newTestContext(t, backend)
	h := openTestHandle(t, ctx, backend)

	tr := ctx.AllocTransfer()
	tr.Handle = h
	tr.Type = TransferTypeBulk
	tr.Buffer = make([]byte, 64)
	tr.Status = TransferCompleted
	priv := tr.priv

	InitTransfer(tr)

	if tr.Handle != nil || tr.Buffer != nil || tr.submitted {
		t.Fatalf("InitTransfer left stale state: %+v", tr)
	}
	if len(tr.priv) != len(priv) {
		t.Fatalf("InitTransfer must keep the backend-private block's size")
	}
}

func TestGetTransferAllocSize(t *testing.T) {
	backend := newFakeBackend()
	ctx := newTestContext(t, backend)

	got := ctx.GetTransferAllocSize()
	if got < unsafe.Sizeof(Transfer{}) {
		t.Fatalf("GetTransferAllocSize() = %d, want at least sizeof(Transfer) = %d", got, unsafe.Sizeof(Transfer{}))
	}
}

func TestFreeTransferClearsState(t *testing.T) {
	backend := newFakeBackend()
	ctx := newTestContext(t, backend)

	tr := ctx.AllocTransfer()
	tr.Callback = func(*Transfer) {}

	FreeTransfer(tr)

	if tr.priv != nil {
		t.Fatalf("FreeTransfer left the private block in place")
	}
	if tr.Callback != nil {
		t.Fatalf("FreeTransfer left the callback in place")
	}
}

func TestHandleTransferCompletionFreesTransferOnFlag(t *testing.T) {
	backend := newFakeBackend()
	backend.addDevice(0x1111, 0x2222, &ConfigDescriptor{})
	ctx := newTestContext(t, backend)
	h := openTestHandle(t, ctx, backend)

	called := false
	tr := ctx.AllocTransfer()
	tr.Handle = h
	tr.Type = TransferTypeBulk
	tr.Buffer = make([]byte, 64)
	tr.Flags = TransferFlagFreeTransfer | TransferFlagFreeBuffer
	tr.Callback = func(t *Transfer) { called = true }

	if err := ctx.Submit(tr); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx.handleTransferCompletion(tr, 64, TransferCompleted)

	if !called {
		t.Fatalf("callback must still run before the transfer is released")
	}
	if tr.Buffer != nil {
		t.Fatalf("FREE_BUFFER set: Buffer should have been cleared")
	}
	if tr.priv != nil {
		t.Fatalf("FREE_TRANSFER set: private block should have been released")
	}
}
