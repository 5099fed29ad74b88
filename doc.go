// Package usbhost implements a USB host-side engine: device enumeration and
// refcounted registry, handle/interface-claim management, an asynchronous
// transfer engine with deadline-ordered completion and cancellation, and a
// poll-fd based event loop, all driven through a pluggable Backend so the
// engine itself never touches a syscall directly.
package usbhost

// USB descriptor types: the USB 2.0 specification table 9-5 values, plus
// the BOS, device-capability and SuperSpeed endpoint companion types from
// USB 3.x.
const (
	DTDevice                  = 0x01
	DTConfig                  = 0x02
	DTString                  = 0x03
	DTInterface               = 0x04
	DTEndpoint                = 0x05
	DTDeviceQualifier         = 0x06
	DTOtherSpeedConfig        = 0x07
	DTInterfacePower          = 0x08
	DTOTG                     = 0x09
	DTDebug                   = 0x0A
	DTInterfaceAssociation    = 0x0B
	DTBOS                     = 0x0F
	DTDeviceCapability        = 0x10
	DTSSEndpointCompanion     = 0x30
)

// Standard USB device requests, bRequest values for control transfers
// targeting the device's default control pipe.
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0A
	ReqSetInterface     = 0x0B
	ReqSynchFrame       = 0x0C
)

// Feature selectors for ReqClearFeature / ReqSetFeature.
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
)

// EndpointDirection is the high bit of bEndpointAddress.
type EndpointDirection uint8

const (
	EndpointDirectionOut EndpointDirection = 0x00
	EndpointDirectionIn  EndpointDirection = 0x80
)

// Version identifies this module's release, independent of the USB
// protocol versions it speaks.
func Version() string { return "0.1.0" }
