package usbhost

import "testing"

// buildConfig assembles a minimal configuration descriptor: one interface
// with a single bulk IN endpoint, matching the on-wire layout produced by a
// GET_DESCRIPTOR(CONFIGURATION) request.
func buildConfig() []byte {
	cfg := []byte{
		9, DTConfig, 9 + 9 + 7, 0, 1, 1, 0, 0x80, 50,
	}
	iface := []byte{
		9, DTInterface, 0, 0, 1, 0xff, 0, 0, 0,
	}
	ep := []byte{
		7, DTEndpoint, 0x81, 0x02, 64, 0, 1,
	}
	return append(append(cfg, iface...), ep...)
}

func TestConfigDescriptorUnmarshal(t *testing.T) {
	var cfg ConfigDescriptor
	if err := cfg.Unmarshal(buildConfig()); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if cfg.NumInterfaces != 1 {
		t.Fatalf("NumInterfaces = %d, want 1", cfg.NumInterfaces)
	}
	if len(cfg.Interfaces) != 1 || len(cfg.Interfaces[0].AltSettings) != 1 {
		t.Fatalf("expected exactly one interface with one alt setting")
	}

	alt := cfg.Interfaces[0].AltSettings[0]
	if len(alt.Endpoints) != 1 {
		t.Fatalf("expected exactly one endpoint, got %d", len(alt.Endpoints))
	}

	ep := alt.Endpoints[0]
	if !ep.IsInput() {
		t.Fatalf("expected endpoint 0x81 to be an IN endpoint")
	}
	if ep.Number() != 1 {
		t.Fatalf("Number() = %d, want 1", ep.Number())
	}
	if ep.TransferType() != TransferTypeBulk {
		t.Fatalf("TransferType() = %v, want TransferTypeBulk", ep.TransferType())
	}
	if ep.MaxPacketSize != 64 {
		t.Fatalf("MaxPacketSize = %d, want 64", ep.MaxPacketSize)
	}
}

func TestConfigDescriptorFindEndpoint(t *testing.T) {
	var cfg ConfigDescriptor
	if err := cfg.Unmarshal(buildConfig()); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	ep := cfg.FindEndpoint(0x81)
	if ep == nil {
		t.Fatalf("FindEndpoint(0x81) = nil")
	}
	if cfg.FindEndpoint(0x02) != nil {
		t.Fatalf("FindEndpoint(0x02) should find nothing")
	}
}

func TestConfigDescriptorTooShort(t *testing.T) {
	var cfg ConfigDescriptor
	if err := cfg.Unmarshal([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for a truncated configuration descriptor")
	}
}

func TestGetInterfaceAltSetting(t *testing.T) {
	var cfg ConfigDescriptor
	if err := cfg.Unmarshal(buildConfig()); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if cfg.GetInterface(0) == nil {
		t.Fatalf("GetInterface(0) = nil")
	}
	if cfg.GetInterfaceAltSetting(0, 0) == nil {
		t.Fatalf("GetInterfaceAltSetting(0, 0) = nil")
	}
	if cfg.GetInterfaceAltSetting(0, 1) != nil {
		t.Fatalf("GetInterfaceAltSetting(0, 1) should not exist")
	}
}
