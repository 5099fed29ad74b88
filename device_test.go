package usbhost

import "testing"

func newTestContext(t *testing.T, backend Backend) *Context {
	t.Helper()
	ctx, err := NewContext(WithBackend(backend))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func TestGetDeviceListRefcounting(t *testing.T) {
	backend := newFakeBackend()
	backend.addDevice(0x1234, 0x5678, &ConfigDescriptor{})
	backend.addDevice(0xabcd, 0xef01, &ConfigDescriptor{})
	ctx := newTestContext(t, backend)

	devices, err := ctx.GetDeviceList()
	if err != nil {
		t.Fatalf("GetDeviceList: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("len(devices) = %d, want 2", len(devices))
	}

	for _, dev := range devices {
		if dev.refcnt < 2 {
			t.Fatalf("expected at least 2 refs (registry + caller), got %d", dev.refcnt)
		}
	}

	for _, dev := range devices {
		dev.Unref()
	}

	// The registry's own permanent membership reference should still be
	// held, so the device stays resolvable by session ID.
	for _, dev := range devices {
		if ctx.registry.findBySessionID(dev.SessionID) == nil {
			t.Fatalf("device %d no longer in registry after caller unref", dev.SessionID)
		}
	}
}

func TestDeviceUnrefUnderflowPanics(t *testing.T) {
	backend := newFakeBackend()
	backend.addDevice(0x1111, 0x2222, &ConfigDescriptor{})
	ctx := newTestContext(t, backend)

	dev := ctx.registry.allocate(ctx, 999, 0)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on refcount underflow")
		}
	}()
	dev.unref()
	dev.unref()
}

func TestSanitizeRejectsUnknownDevice(t *testing.T) {
	backend := newFakeBackend()
	ctx := newTestContext(t, backend)

	dev := ctx.registry.allocate(ctx, 42, 0)
	// No matching fakeDevice was registered, so GetDeviceDescriptor fails
	// and sanitize must propagate that as an error rather than panic.
	if err := ctx.registry.sanitize(dev); err == nil {
		t.Fatalf("expected sanitize to fail for an unknown session id")
	}
	dev.unref()
}

func TestDiscoveredDevsFreeDropsRefs(t *testing.T) {
	backend := newFakeBackend()
	backend.addDevice(0x1234, 0x5678, &ConfigDescriptor{})
	ctx := newTestContext(t, backend)

	batch := newDiscoveredDevs()
	if err := backend.GetDeviceList(ctx, batch); err != nil {
		t.Fatalf("GetDeviceList: %v", err)
	}
	if len(batch.devices) != 1 {
		t.Fatalf("len(batch.devices) = %d, want 1", len(batch.devices))
	}

	dev := batch.devices[0]
	before := dev.refcnt
	batch.free()
	if dev.refcnt != before-1 {
		t.Fatalf("refcnt after free = %d, want %d", dev.refcnt, before-1)
	}
}
