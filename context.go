package usbhost

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Context is the root of a USB host session (spec.md's "no globals"
// REDESIGN FLAG): every device, handle, in-flight transfer, and poll-fd
// belongs to exactly one Context, and two Contexts in the same process
// never share state.
type Context struct {
	backend Backend
	log     Logger

	defaultPollTimeout time.Duration
	usbfsRoot          string
	maxInterfaces      int

	registry registry
	handles  openHandles
	inFlight inFlightList
	pollfds  pollFdSet

	devListGroup singleflight.Group

	// eventLoopBusy enforces that at most one goroutine runs the event loop
	// at a time, mirroring libusb's documented restriction against
	// concurrent libusb_handle_events callers on one context (REDESIGN
	// FLAG: enforced explicitly rather than left as a documented footgun).
	eventLoopBusy atomic.Bool

	closeOnce sync.Once
}

// Option configures a Context at construction time. Using functional
// options here (rather than a config file or environment variables) keeps
// the core free of any persisted state, which spec.md requires it not
// need.
type Option func(*Context)

// WithBackend selects the Backend a Context drives. Without it, NewContext
// uses the Linux usbfs backend rooted at the WithUSBFSRoot directory.
func WithBackend(b Backend) Option {
	return func(c *Context) { c.backend = b }
}

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDefaultPollTimeout sets the upper bound the event loop will block
// for when no transfer has a nearer deadline and the caller didn't pass
// its own timeout to Poll.
func WithDefaultPollTimeout(d time.Duration) Option {
	return func(c *Context) { c.defaultPollTimeout = d }
}

// WithUSBFSRoot overrides the usbfs root the Linux backend opens device
// nodes under; defaults to "/dev/bus/usb". Enumeration always reads sysfs
// at "/sys/bus/usb/devices"; this option does not change that path.
func WithUSBFSRoot(root string) Option {
	return func(c *Context) { c.usbfsRoot = root }
}

// WithMaxInterfaces records n as the Context's interface limit. Default is
// 64, the width of the uint64 claim bitmap. ClaimInterface,
// ReleaseInterface and SetInterfaceAltSetting check against the fixed
// maxClaimedInterfaces bound and do not read this value.
func WithMaxInterfaces(n int) Option {
	return func(c *Context) { c.maxInterfaces = n }
}

// NewContext constructs a Context and calls Backend.Init on it.
func NewContext(opts ...Option) (*Context, error) {
	c := &Context{
		log:                nopLogger{},
		defaultPollTimeout: defaultPollTimeout,
		usbfsRoot:          "/dev/bus/usb",
		maxInterfaces:      maxClaimedInterfaces,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backend == nil {
		c.backend = newLinuxBackend(c.usbfsRoot)
	}

	c.handles.init()
	c.pollfds.init()

	if err := c.backend.Init(c); err != nil {
		return nil, newErr("new_context", KindOther, err)
	}
	return c, nil
}

// GetDeviceList enumerates currently attached devices. Concurrent callers
// within the same refresh window share one backend enumeration via
// singleflight rather than each issuing their own sysfs walk.
func (c *Context) GetDeviceList() ([]*Device, error) {
	v, err, _ := c.devListGroup.Do("list", func() (interface{}, error) {
		batch := newDiscoveredDevs()
		defer batch.free()

		if err := c.backend.GetDeviceList(c, batch); err != nil {
			return nil, newErr("get_device_list", KindIO, err)
		}

		out := make([]*Device, 0, len(batch.devices))
		for _, dev := range batch.devices {
			out = append(out, dev.ref())
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Device), nil
}

// OpenDeviceWithVIDPID is a convenience wrapper that enumerates, opens the
// first device matching vendor/product IDs, and releases every other
// device reference taken by the enumeration.
func (c *Context) OpenDeviceWithVIDPID(vendorID, productID uint16) (*Handle, error) {
	devices, err := c.GetDeviceList()
	if err != nil {
		return nil, err
	}

	var found *Device
	for _, dev := range devices {
		if found == nil && dev.Descriptor.VendorID == vendorID && dev.Descriptor.ProductID == productID {
			found = dev
			continue
		}
		dev.unref()
	}

	if found == nil {
		return nil, newErr("open_device_with_vid_pid", KindNotFound, nil)
	}
	h, err := c.openDevice(found)
	found.unref()
	return h, err
}

// Open opens a Handle on dev, taking a reference released when the
// Handle is closed. Mirrors libusb_open.
func (c *Context) Open(dev *Device) (*Handle, error) {
	return c.openDevice(dev)
}

// Close force-closes every handle still open on this Context (warning-
// logged, matching libusb_exit's documented force-close of leaked handles)
// and tears the backend down. Safe to call more than once.
func (c *Context) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		open := c.handles.snapshot()
		if len(open) > 0 {
			c.log.Warnf("context: closing %d handle(s) still open at exit", len(open))
		}

		var g errgroup.Group
		for _, h := range open {
			h := h
			g.Go(func() error {
				h.Close()
				return nil
			})
		}
		_ = g.Wait()

		c.backend.Exit()
	})
	return retErr
}
