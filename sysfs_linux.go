package usbhost

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// sysfsDevice is one entry read from /sys/bus/usb/devices. Grounded on the
// teacher's SysfsDevice/SysfsEnumerator in sysfs.go, trimmed to the fields
// the Linux backend actually needs (the descriptor itself is re-read from
// the usbfs device node, not trusted from sysfs, since sysfs only exposes
// a subset of fields and no string descriptor indices).
type sysfsDevice struct {
	busNum uint8
	devNum uint8
}

// enumerateSysfs lists attached USB devices by walking the fixed sysfs
// directory /sys/bus/usb/devices. Entries named with a colon are interfaces, not devices;
// anything else containing a dash, or a bare "usbN" root hub name, is a
// device. Grounded on SysfsEnumerator.EnumerateDevices.
func enumerateSysfs() ([]sysfsDevice, error) {
	const sysfsDir = "/sys/bus/usb/devices"

	entries, err := os.ReadDir(sysfsDir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", sysfsDir, err)
	}

	var out []sysfsDevice
	for _, entry := range entries {
		name := entry.Name()
		if strings.Contains(name, ":") {
			continue
		}
		if !strings.Contains(name, "-") && !strings.HasPrefix(name, "usb") {
			continue
		}

		busNum, err := readSysfsUint8(sysfsDir, name, "busnum")
		if err != nil {
			continue
		}
		devNum, err := readSysfsUint8(sysfsDir, name, "devnum")
		if err != nil {
			continue
		}
		out = append(out, sysfsDevice{busNum: busNum, devNum: devNum})
	}
	return out, nil
}

func readSysfsUint8(dir, name, field string) (uint8, error) {
	data, err := os.ReadFile(filepath.Join(dir, name, field))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 8)
	return uint8(v), err
}

// devicePath is the usbfs node for a given bus/address pair.
func devicePath(root string, bus, addr uint8) string {
	return filepath.Join(root, fmt.Sprintf("%03d", bus), fmt.Sprintf("%03d", addr))
}

// sessionID derives a stable per-attachment identifier from bus/address.
// Real libusb backends derive session ids from kernel device cookies
// where available; bus*256+address is adequate here since usbfs reuses
// an address only after the device is gone and a fresh session begins.
func sessionID(bus, addr uint8) uint64 {
	return uint64(bus)<<8 | uint64(addr)
}
