package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	usbhost "github.com/usbhostgo/usbhost"
)

var (
	verbose   = flag.Bool("v", false, "Verbose output")
	device    = flag.String("d", "", "Show only devices with specified VID:PID (e.g., 1234:5678)")
	busDevice = flag.String("s", "", "Show only devices with specified [[bus]:][devnum] (e.g., 1:6, :6, 1:)")
	version   = flag.Bool("V", false, "Show version")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("lsusb (usbhost) %s\n", usbhost.Version())
		return
	}

	log := logrus.New()
	ctx, err := usbhost.NewContext(usbhost.WithLogger(usbhost.NewLogrusLogger(log)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "lsusb: %v\n", err)
		os.Exit(1)
	}
	defer ctx.Close()

	devices, err := ctx.GetDeviceList()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lsusb: failed to get device list: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		for _, dev := range devices {
			dev.Unref()
		}
	}()

	filtered := filterDevices(devices)

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].GetBusNumber() != filtered[j].GetBusNumber() {
			return filtered[i].GetBusNumber() < filtered[j].GetBusNumber()
		}
		return filtered[i].GetDeviceAddress() < filtered[j].GetDeviceAddress()
	})

	if *verbose {
		displayVerbose(ctx, filtered)
	} else {
		displaySimple(filtered)
	}
}

func filterDevices(devices []*usbhost.Device) []*usbhost.Device {
	var filtered []*usbhost.Device

	for _, dev := range devices {
		if *busDevice != "" {
			var busNum, devNum int = -1, -1

			if strings.Contains(*busDevice, ":") {
				parts := strings.Split(*busDevice, ":")
				if len(parts) == 2 {
					if parts[0] != "" {
						busNum, _ = strconv.Atoi(parts[0])
					}
					if parts[1] != "" {
						devNum, _ = strconv.Atoi(parts[1])
					}
				}
			} else {
				devNum, _ = strconv.Atoi(*busDevice)
			}

			if busNum >= 0 && dev.GetBusNumber() != uint8(busNum) {
				continue
			}
			if devNum >= 0 && dev.GetDeviceAddress() != uint8(devNum) {
				continue
			}
		}

		if *device != "" {
			parts := strings.Split(*device, ":")
			if len(parts) == 2 {
				var vid, pid uint16
				fmt.Sscanf(parts[0], "%x", &vid)
				fmt.Sscanf(parts[1], "%x", &pid)
				if dev.Descriptor.VendorID != vid || dev.Descriptor.ProductID != pid {
					continue
				}
			}
		}

		filtered = append(filtered, dev)
	}

	return filtered
}

func displaySimple(devices []*usbhost.Device) {
	for _, dev := range devices {
		desc := dev.Descriptor
		vendorName := usbhost.VendorName(desc.VendorID)
		productName := usbhost.ProductName(desc.VendorID, desc.ProductID)

		fmt.Printf("Bus %03d Device %03d: ID %04x:%04x %s %s\n",
			dev.GetBusNumber(), dev.GetDeviceAddress(),
			desc.VendorID, desc.ProductID,
			vendorName, productName)
	}
}

func displayVerbose(ctx *usbhost.Context, devices []*usbhost.Device) {
	for _, dev := range devices {
		desc := dev.Descriptor

		fmt.Printf("\nBus %03d Device %03d: ID %04x:%04x\n",
			dev.GetBusNumber(), dev.GetDeviceAddress(),
			desc.VendorID, desc.ProductID)

		fmt.Printf("Device Descriptor:\n")
		fmt.Printf("  bLength             %5d\n", desc.Length)
		fmt.Printf("  bDescriptorType     %5d\n", desc.DescriptorType)
		fmt.Printf("  bcdUSB              %2d.%02d\n", desc.USBVersion>>8, desc.USBVersion&0xff)
		if name := usbhost.ClassName(desc.DeviceClass); name != "" {
			fmt.Printf("  bDeviceClass        %5d %s\n", desc.DeviceClass, name)
		} else {
			fmt.Printf("  bDeviceClass        %5d\n", desc.DeviceClass)
		}
		fmt.Printf("  bDeviceSubClass     %5d\n", desc.DeviceSubClass)
		fmt.Printf("  bDeviceProtocol     %5d\n", desc.DeviceProtocol)
		fmt.Printf("  bMaxPacketSize0     %5d\n", desc.MaxPacketSize0)
		fmt.Printf("  idVendor           0x%04x %s\n", desc.VendorID, usbhost.VendorName(desc.VendorID))
		fmt.Printf("  idProduct          0x%04x %s\n", desc.ProductID, usbhost.ProductName(desc.VendorID, desc.ProductID))
		fmt.Printf("  bcdDevice           %2d.%02d\n", desc.DeviceVersion>>8, desc.DeviceVersion&0xff)
		fmt.Printf("  iManufacturer       %5d\n", desc.ManufacturerIndex)
		fmt.Printf("  iProduct            %5d\n", desc.ProductIndex)
		fmt.Printf("  iSerialNumber       %5d\n", desc.SerialNumberIndex)
		fmt.Printf("  bNumConfigurations  %5d\n", desc.NumConfigurations)

		handle, err := ctx.Open(dev)
		if err != nil {
			if os.Getuid() != 0 {
				fmt.Printf("  (Run as root for more details)\n")
			}
			continue
		}

		if desc.ManufacturerIndex > 0 {
			if s, err := handle.StringDescriptor(desc.ManufacturerIndex); err == nil && s != "" {
				fmt.Printf("  Manufacturer: %s\n", s)
			}
		}
		if desc.ProductIndex > 0 {
			if s, err := handle.StringDescriptor(desc.ProductIndex); err == nil && s != "" {
				fmt.Printf("  Product: %s\n", s)
			}
		}
		if desc.SerialNumberIndex > 0 {
			if s, err := handle.StringDescriptor(desc.SerialNumberIndex); err == nil && s != "" {
				fmt.Printf("  Serial Number: %s\n", s)
			}
		}

		for i := uint8(0); i < desc.NumConfigurations; i++ {
			cfg, err := dev.GetConfigDescriptor(i)
			if err != nil {
				continue
			}
			displayConfig(cfg)
		}

		handle.Close()
	}
}

func displayConfig(cfg *usbhost.ConfigDescriptor) {
	fmt.Printf("  Configuration Descriptor:\n")
	fmt.Printf("    bLength             %5d\n", cfg.Length)
	fmt.Printf("    bDescriptorType     %5d\n", cfg.DescriptorType)
	fmt.Printf("    wTotalLength       0x%04x\n", cfg.TotalLength)
	fmt.Printf("    bNumInterfaces      %5d\n", cfg.NumInterfaces)
	fmt.Printf("    bConfigurationValue %5d\n", cfg.ConfigurationValue)
	fmt.Printf("    iConfiguration      %5d\n", cfg.ConfigurationIndex)
	fmt.Printf("    bmAttributes         0x%02x\n", cfg.Attributes)
	fmt.Printf("    MaxPower            %5dmA\n", int(cfg.MaxPower)*2)

	for _, iface := range cfg.Interfaces {
		for _, alt := range iface.AltSettings {
			fmt.Printf("    Interface Descriptor:\n")
			fmt.Printf("      bInterfaceNumber    %5d\n", alt.InterfaceNumber)
			fmt.Printf("      bAlternateSetting   %5d\n", alt.AlternateSetting)
			fmt.Printf("      bNumEndpoints       %5d\n", alt.NumEndpoints)
			fmt.Printf("      bInterfaceClass     %5d %s\n", alt.InterfaceClass, usbhost.ClassName(alt.InterfaceClass))
			fmt.Printf("      bInterfaceSubClass  %5d\n", alt.InterfaceSubClass)
			fmt.Printf("      bInterfaceProtocol  %5d\n", alt.InterfaceProtocol)

			for _, ep := range alt.Endpoints {
				dir := "OUT"
				if ep.IsInput() {
					dir = "IN"
				}
				fmt.Printf("      Endpoint Descriptor:\n")
				fmt.Printf("        bEndpointAddress     0x%02x  EP %d %s\n", ep.EndpointAddr, ep.Number(), dir)
				fmt.Printf("          Transfer Type            %s\n", transferTypeName(ep.TransferType()))
				fmt.Printf("        wMaxPacketSize     0x%04x\n", ep.MaxPacketSize)
				fmt.Printf("        bInterval           %5d\n", ep.Interval)
			}
		}
	}
}

func transferTypeName(t usbhost.TransferType) string {
	switch t {
	case usbhost.TransferTypeControl:
		return "Control"
	case usbhost.TransferTypeIsochronous:
		return "Isochronous"
	case usbhost.TransferTypeBulk:
		return "Bulk"
	case usbhost.TransferTypeInterrupt:
		return "Interrupt"
	default:
		return "Unknown"
	}
}
