package usbhost

import "time"

// TransferType identifies the USB endpoint type a Transfer targets.
type TransferType uint8

const (
	TransferTypeControl TransferType = iota
	TransferTypeIsochronous
	TransferTypeBulk
	TransferTypeInterrupt
)

// TransferStatus is the terminal outcome delivered to a Transfer's
// callback. SilentCompletion never reaches a callback; see
// handleTransferCancellation.
type TransferStatus int

const (
	TransferCompleted TransferStatus = iota
	TransferError
	TransferTimedOut
	TransferCancelled
	TransferStall
	TransferNoDevice
	TransferOverflow
	transferSilentCompletion
)

// Backend is the capability set an OS-specific adapter must implement (C1).
// The core never talks to the kernel or a device driver directly; every
// syscall happens behind this interface, which is exactly why the engine
// above it (registry, handle manager, transfer engine, event loop) can be
// tested against a fake implementation with no hardware at all.
type Backend interface {
	// Init prepares backend-global state. Called once from NewContext.
	Init(ctx *Context) error
	// Exit tears down backend-global state. Called once from Context.Close.
	Exit()

	// GetDeviceList enumerates attached devices, appending a ref'd Device to
	// batch for each one found via batch.append. Backends populate the
	// per-device private block and descriptor fields before appending.
	GetDeviceList(ctx *Context, batch *discoveredDevs) error

	Open(h *Handle) error
	Close(h *Handle)

	// GetDeviceDescriptor fills buf with the raw 18-byte device descriptor
	// and reports whether the bytes are already host-endian.
	GetDeviceDescriptor(dev *Device, buf []byte) (hostEndian bool, err error)
	GetActiveConfigDescriptor(dev *Device) (*ConfigDescriptor, error)
	GetConfigDescriptor(dev *Device, index uint8) (*ConfigDescriptor, error)

	SetConfiguration(h *Handle, value int) error
	ClaimInterface(h *Handle, iface uint8) error
	ReleaseInterface(h *Handle, iface uint8) error
	SetInterfaceAltSetting(h *Handle, iface, alt uint8) error
	ClearHalt(h *Handle, endpoint uint8) error
	ResetDevice(h *Handle) error

	SubmitTransfer(t *Transfer) error
	CancelTransfer(t *Transfer) error

	// HandleEvents is invoked once per event-loop iteration with readable
	// and writable subsets of the backend's own poll-fds. Implementations
	// reap completed transfers here and call Context.handleTransferCompletion
	// or Context.handleTransferCancellation for each.
	HandleEvents(ctx *Context, readable, writable []int) error
}

// KernelDriverBackend is an optional Backend capability; a backend that
// cannot answer kernel-driver questions simply doesn't implement it, and
// call sites type-assert for it rather than checking function pointers for
// nil the way the C vtable does.
type KernelDriverBackend interface {
	KernelDriverActive(h *Handle, iface uint8) (bool, error)
	DetachKernelDriver(h *Handle, iface uint8) error
	AttachKernelDriver(h *Handle, iface uint8) error
}

// DestroyDeviceBackend is an optional Backend capability invoked when a
// Device's refcount reaches zero, giving the backend a chance to release
// its private data block before the Device itself is discarded.
type DestroyDeviceBackend interface {
	DestroyDevice(dev *Device)
}

// PrivateSizes lets a backend declare how many bytes of private storage it
// needs per device/handle/transfer; the core allocates this space inline
// the way libusb appends os_priv/backend priv blocks to its own structs.
type PrivateSizes interface {
	DevicePrivSize() int
	HandlePrivSize() int
	TransferPrivSize() int
}

// StringDescriptorBackend is an optional Backend capability for reading
// UTF-16LE string descriptors and decoding them, used by callers (e.g.
// cmd/lsusb) that want manufacturer/product/serial strings without
// hand-rolling a control transfer themselves.
type StringDescriptorBackend interface {
	GetStringDescriptor(h *Handle, index uint8, langID uint16) (string, error)
}

const defaultPollTimeout = 2 * time.Second
