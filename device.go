package usbhost

import (
	"container/list"
	"encoding/binary"
	"sync"
)

// USBMaxConfig bounds bNumConfigurations the way the USB spec and libusb's
// own usbi_sanitize_device both do.
const USBMaxConfig = 8

// DeviceDescriptor is the standard 18-byte USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

func (d *DeviceDescriptor) unmarshal(buf []byte) error {
	if len(buf) < 18 {
		return newErr("parse_device_descriptor", KindIO, nil)
	}
	d.Length = buf[0]
	d.DescriptorType = buf[1]
	d.USBVersion = binary.LittleEndian.Uint16(buf[2:4])
	d.DeviceClass = buf[4]
	d.DeviceSubClass = buf[5]
	d.DeviceProtocol = buf[6]
	d.MaxPacketSize0 = buf[7]
	d.VendorID = binary.LittleEndian.Uint16(buf[8:10])
	d.ProductID = binary.LittleEndian.Uint16(buf[10:12])
	d.DeviceVersion = binary.LittleEndian.Uint16(buf[12:14])
	d.ManufacturerIndex = buf[14]
	d.ProductIndex = buf[15]
	d.SerialNumberIndex = buf[16]
	d.NumConfigurations = buf[17]
	return nil
}

// Device represents a USB device ever observed by a Context's registry. It
// is shared by reference: opening a handle takes a reference, and the
// device is only torn down once every reference (the registry's own, plus
// one per live handle) has gone away. See (*Device).unref.
type Device struct {
	ctx *Context

	// SessionID is the backend-assigned identifier that stays stable across
	// rescans for as long as the physical device remains attached.
	SessionID uint64

	Bus        uint8
	Address    uint8
	Descriptor DeviceDescriptor

	priv []byte // backend-private block, sized by the privSize passed to registry.allocate

	mu     sync.Mutex
	refcnt int32

	listElem *list.Element // registry membership, nil once removed
}

// Priv returns the backend-private storage block for this device.
func (d *Device) Priv() []byte { return d.priv }

// Ref increments the device's reference count and returns it, mirroring
// libusb_ref_device. Callers of GetDeviceList already receive a counted
// reference per device; Ref is for code that wants to retain a Device
// beyond the scope it was handed one in.
func (d *Device) Ref() *Device { return d.ref() }

// Unref drops a reference taken by GetDeviceList or Ref. Once the last
// reference is dropped the device is removed from its Context's registry
// and, if the backend implements DestroyDeviceBackend, its private state
// is released. Mirrors libusb_unref_device.
func (d *Device) Unref() { d.unref() }

func (d *Device) ref() *Device {
	d.mu.Lock()
	d.refcnt++
	d.mu.Unlock()
	return d
}

func (d *Device) unref() {
	d.mu.Lock()
	if d.refcnt <= 0 {
		d.mu.Unlock()
		panic("usbhost: device refcount underflow")
	}
	d.refcnt--
	n := d.refcnt
	d.mu.Unlock()

	if n != 0 {
		return
	}

	if db, ok := d.ctx.backend.(DestroyDeviceBackend); ok {
		db.DestroyDevice(d)
	}
	d.ctx.registry.remove(d)
}

// GetBusNumber returns the bus number the device is attached to.
func (d *Device) GetBusNumber() uint8 { return d.Bus }

// GetDeviceAddress returns the device's address on its bus.
func (d *Device) GetDeviceAddress() uint8 { return d.Address }

// GetMaxPacketSize returns the wMaxPacketSize of the first endpoint in the
// active configuration whose address matches, scanning every interface and
// every alternate setting. It does not restrict the scan to the currently
// active alt-setting — inherited unchanged from libusb_get_max_packet_size;
// see SPEC_FULL.md Open Question 1.
func (d *Device) GetMaxPacketSize(endpoint uint8) (int, error) {
	cfg, err := d.ctx.backend.GetActiveConfigDescriptor(d)
	if err != nil {
		return 0, newErr("get_max_packet_size", KindOther, err)
	}
	for _, iface := range cfg.Interfaces {
		for _, alt := range iface.AltSettings {
			for _, ep := range alt.Endpoints {
				if ep.EndpointAddr == endpoint {
					return int(ep.MaxPacketSize), nil
				}
			}
		}
	}
	return 0, newErr("get_max_packet_size", KindNotFound, nil)
}

// GetActiveConfigDescriptor returns the descriptor for the device's
// currently active configuration.
func (d *Device) GetActiveConfigDescriptor() (*ConfigDescriptor, error) {
	cfg, err := d.ctx.backend.GetActiveConfigDescriptor(d)
	if err != nil {
		return nil, newErr("get_active_config_descriptor", KindOther, err)
	}
	return cfg, nil
}

// GetConfigDescriptor returns the descriptor for the configuration at the
// given index (not configuration value — see the USB spec's distinction
// between bConfigurationValue and a zero-based descriptor index).
func (d *Device) GetConfigDescriptor(index uint8) (*ConfigDescriptor, error) {
	cfg, err := d.ctx.backend.GetConfigDescriptor(d, index)
	if err != nil {
		return nil, newErr("get_config_descriptor", KindOther, err)
	}
	return cfg, nil
}

// registry is the process-wide (well, per-Context) set of known devices,
// C2 in spec.md. All membership changes happen under mu; refcount changes
// happen under the device's own mu, per spec.md §5's lock order. Uses
// container/list for the same reason inflight.go's inFlightList does: O(1)
// removal given the *list.Element a Device already holds, with no
// hand-rolled pointer splicing.
type registry struct {
	mu sync.Mutex
	l  list.List
}

func (r *registry) allocate(ctx *Context, sessionID uint64, privSize int) *Device {
	dev := &Device{
		ctx:       ctx,
		SessionID: sessionID,
		refcnt:    1,
		priv:      make([]byte, privSize),
	}

	r.mu.Lock()
	dev.listElem = r.l.PushBack(dev)
	r.mu.Unlock()

	return dev
}

func (r *registry) findBySessionID(id uint64) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	for e := r.l.Front(); e != nil; e = e.Next() {
		dev := e.Value.(*Device)
		if dev.SessionID == id {
			return dev
		}
	}
	return nil
}

func (r *registry) remove(dev *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev.listElem == nil {
		return
	}
	r.l.Remove(dev.listElem)
	dev.listElem = nil
}

// sanitize performs the final validation libusb's usbi_sanitize_device
// does: read the raw device descriptor, bound-check bNumConfigurations,
// and store the parsed descriptor on success.
func (r *registry) sanitize(dev *Device) error {
	buf := make([]byte, 18)
	if _, err := dev.ctx.backend.GetDeviceDescriptor(dev, buf); err != nil {
		return newErr("sanitize_device", KindIO, err)
	}

	var desc DeviceDescriptor
	if err := desc.unmarshal(buf); err != nil {
		return newErr("sanitize_device", KindIO, err)
	}

	if desc.NumConfigurations < 1 || desc.NumConfigurations > USBMaxConfig {
		return newErr("sanitize_device", KindIO, nil)
	}

	dev.Descriptor = desc
	return nil
}

// discoveredDevs is the transient, growable batch an enumeration populates
// before the core converts it into the public, exported []*Device slice.
// Grounded on discovered_devs_alloc/_append/_free in core.c: initial
// capacity 8, growth in steps of 8, one ref taken per append, one ref
// dropped per entry on free.
type discoveredDevs struct {
	devices []*Device
}

const discoveredDevsSizeStep = 8

func newDiscoveredDevs() *discoveredDevs {
	return &discoveredDevs{devices: make([]*Device, 0, discoveredDevsSizeStep)}
}

func (d *discoveredDevs) append(dev *Device) {
	if len(d.devices) == cap(d.devices) {
		grown := make([]*Device, len(d.devices), cap(d.devices)+discoveredDevsSizeStep)
		copy(grown, d.devices)
		d.devices = grown
	}
	d.devices = append(d.devices, dev.ref())
}

func (d *discoveredDevs) free() {
	for _, dev := range d.devices {
		dev.unref()
	}
	d.devices = nil
}
