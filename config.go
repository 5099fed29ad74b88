package usbhost

import (
	"encoding/binary"
)

// ConfigDescriptor is a parsed USB configuration descriptor.
type ConfigDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []Interface

	Extra []byte
}

// Interface groups every alternate setting sharing an interface number.
type Interface struct {
	AltSettings []InterfaceAltSetting
}

// InterfaceAltSetting is one interface descriptor and its endpoints.
type InterfaceAltSetting struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8

	Endpoints []Endpoint

	Extra []byte
}

// Endpoint is a parsed endpoint descriptor.
type Endpoint struct {
	Length         uint8
	DescriptorType uint8
	EndpointAddr   uint8
	Attributes     uint8
	MaxPacketSize  uint16
	Interval       uint8

	SSCompanion *SuperSpeedEndpointCompanionDescriptor

	Extra []byte
}

// SuperSpeedEndpointCompanionDescriptor is the USB 3.x endpoint companion
// descriptor that immediately follows a SuperSpeed endpoint descriptor.
type SuperSpeedEndpointCompanionDescriptor struct {
	Length           uint8
	DescriptorType   uint8
	MaxBurst         uint8
	Attributes       uint8
	BytesPerInterval uint16
}

// Unmarshal parses a raw configuration descriptor, as returned by a
// GET_DESCRIPTOR(CONFIGURATION) control transfer, into c.
func (c *ConfigDescriptor) Unmarshal(data []byte) error {
	if len(data) < 9 {
		return newErr("parse_config_descriptor", KindIO, nil)
	}

	c.Length = data[0]
	c.DescriptorType = data[1]
	c.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	c.NumInterfaces = data[4]
	c.ConfigurationValue = data[5]
	c.ConfigurationIndex = data[6]
	c.Attributes = data[7]
	c.MaxPower = data[8]

	interfaceMap := make(map[uint8]*Interface)
	var order []uint8

	var currentInterface *InterfaceAltSetting
	var currentEndpoints []Endpoint
	var extraBuffer []byte

	flush := func() {
		if currentInterface == nil {
			return
		}
		currentInterface.Endpoints = currentEndpoints
		currentInterface.Extra = extraBuffer

		iface, exists := interfaceMap[currentInterface.InterfaceNumber]
		if !exists {
			iface = &Interface{}
			interfaceMap[currentInterface.InterfaceNumber] = iface
			order = append(order, currentInterface.InterfaceNumber)
		}
		iface.AltSettings = append(iface.AltSettings, *currentInterface)

		extraBuffer = nil
		currentEndpoints = nil
	}

	pos := 9
	for pos < len(data) {
		if pos+2 > len(data) {
			break
		}

		length := int(data[pos])
		descType := data[pos+1]

		if length == 0 || pos+length > len(data) {
			break
		}

		switch descType {
		case DTInterface:
			flush()

			if length < 9 {
				return newErr("parse_config_descriptor", KindIO, nil)
			}

			iface := InterfaceAltSetting{
				Length:            data[pos],
				DescriptorType:    data[pos+1],
				InterfaceNumber:   data[pos+2],
				AlternateSetting:  data[pos+3],
				NumEndpoints:      data[pos+4],
				InterfaceClass:    data[pos+5],
				InterfaceSubClass: data[pos+6],
				InterfaceProtocol: data[pos+7],
				InterfaceIndex:    data[pos+8],
			}

			currentInterface = &iface
			currentEndpoints = make([]Endpoint, 0, iface.NumEndpoints)

		case DTEndpoint:
			if currentInterface == nil {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
				break
			}
			if length < 7 {
				return newErr("parse_config_descriptor", KindIO, nil)
			}

			endpoint := Endpoint{
				Length:         data[pos],
				DescriptorType: data[pos+1],
				EndpointAddr:   data[pos+2],
				Attributes:     data[pos+3],
				MaxPacketSize:  binary.LittleEndian.Uint16(data[pos+4 : pos+6]),
				Interval:       data[pos+6],
			}

			nextPos := pos + length
			if nextPos+2 <= len(data) && data[nextPos+1] == DTSSEndpointCompanion {
				companionLen := int(data[nextPos])
				if nextPos+companionLen <= len(data) && companionLen >= 6 {
					endpoint.SSCompanion = &SuperSpeedEndpointCompanionDescriptor{
						Length:           data[nextPos],
						DescriptorType:   data[nextPos+1],
						MaxBurst:         data[nextPos+2],
						Attributes:       data[nextPos+3],
						BytesPerInterval: binary.LittleEndian.Uint16(data[nextPos+4 : nextPos+6]),
					}
					pos = nextPos
					length = companionLen
				}
			}

			currentEndpoints = append(currentEndpoints, endpoint)

		case DTInterfaceAssociation:
			if currentInterface != nil {
				extraBuffer = append(extraBuffer, data[pos:pos+length]...)
			} else {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
			}

		default:
			if currentInterface != nil {
				extraBuffer = append(extraBuffer, data[pos:pos+length]...)
			} else {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
			}
		}

		pos += length
	}

	flush()

	c.Interfaces = make([]Interface, 0, len(order))
	for _, num := range order {
		c.Interfaces = append(c.Interfaces, *interfaceMap[num])
	}

	return nil
}

// GetInterface returns the interface with the given number, or nil.
func (c *ConfigDescriptor) GetInterface(interfaceNumber uint8) *Interface {
	for i := range c.Interfaces {
		if len(c.Interfaces[i].AltSettings) > 0 &&
			c.Interfaces[i].AltSettings[0].InterfaceNumber == interfaceNumber {
			return &c.Interfaces[i]
		}
	}
	return nil
}

// GetInterfaceAltSetting returns a specific alternate setting, or nil.
func (c *ConfigDescriptor) GetInterfaceAltSetting(interfaceNumber, altSetting uint8) *InterfaceAltSetting {
	iface := c.GetInterface(interfaceNumber)
	if iface == nil {
		return nil
	}
	for i := range iface.AltSettings {
		if iface.AltSettings[i].AlternateSetting == altSetting {
			return &iface.AltSettings[i]
		}
	}
	return nil
}

// FindEndpoint finds an endpoint by address across all interfaces and alt
// settings. See Device.GetMaxPacketSize for why this scan is intentionally
// not restricted to the active alt setting.
func (c *ConfigDescriptor) FindEndpoint(endpointAddress uint8) *Endpoint {
	for _, iface := range c.Interfaces {
		for _, alt := range iface.AltSettings {
			for i := range alt.Endpoints {
				if alt.Endpoints[i].EndpointAddr == endpointAddress {
					return &alt.Endpoints[i]
				}
			}
		}
	}
	return nil
}

func (e *Endpoint) IsInput() bool  { return e.EndpointAddr&0x80 != 0 }
func (e *Endpoint) IsOutput() bool { return e.EndpointAddr&0x80 == 0 }

func (e *Endpoint) Number() uint8 { return e.EndpointAddr & 0x0F }

func (e *Endpoint) TransferType() TransferType { return TransferType(e.Attributes & 0x03) }
