// Package rdpdr decodes the device redirection channel messages
// (MS-RDPEFS) the relay needs for visibility: which devices a client
// shares into the session. File contents themselves forward opaquely.
package rdpdr

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Component identifiers (MS-RDPEFS 2.2.1.1)
const (
	ComponentCore    uint16 = 0x4472 // RDPDR_CTYP_CORE
	ComponentPrinter uint16 = 0x5052 // RDPDR_CTYP_PRN
)

// Core packet identifiers (MS-RDPEFS 2.2.1.1)
const (
	PacketServerAnnounce     uint16 = 0x496E // PAKID_CORE_SERVER_ANNOUNCE
	PacketClientAnnounce     uint16 = 0x4343 // PAKID_CORE_CLIENTID_CONFIRM
	PacketClientName         uint16 = 0x434E // PAKID_CORE_CLIENT_NAME
	PacketDeviceListAnnounce uint16 = 0x4441 // PAKID_CORE_DEVICELIST_ANNOUNCE
	PacketDeviceReply        uint16 = 0x6472 // PAKID_CORE_DEVICE_REPLY
	PacketDeviceIORequest    uint16 = 0x4952 // PAKID_CORE_DEVICE_IOREQUEST
	PacketDeviceIOCompletion uint16 = 0x4943 // PAKID_CORE_DEVICE_IOCOMPLETION
)

// Device types (MS-RDPEFS 2.2.1.3)
const (
	DeviceTypeSerial     uint32 = 0x00000001
	DeviceTypeParallel   uint32 = 0x00000002
	DeviceTypePrinter    uint32 = 0x00000004
	DeviceTypeFilesystem uint32 = 0x00000008
	DeviceTypeSmartcard  uint32 = 0x00000020
)

var deviceTypeNames = map[uint32]string{
	DeviceTypeSerial:     "serial",
	DeviceTypeParallel:   "parallel",
	DeviceTypePrinter:    "printer",
	DeviceTypeFilesystem: "filesystem",
	DeviceTypeSmartcard:  "smartcard",
}

// ErrShortMessage indicates a truncated device redirection message.
var ErrShortMessage = errors.New("short device redirection message")

// Header is the RDPDR_HEADER preceding every message on the channel.
type Header struct {
	Component uint16
	PacketID  uint16
}

// ParseHeader decodes the shared header and returns the remaining body.
func ParseHeader(data []byte) (Header, []byte, error) {
	if len(data) < 4 {
		return Header{}, nil, ErrShortMessage
	}

	header := Header{
		Component: binary.LittleEndian.Uint16(data[0:2]),
		PacketID:  binary.LittleEndian.Uint16(data[2:4]),
	}

	return header, data[4:], nil
}

// Device is one entry of a Client Device List Announce Request.
type Device struct {
	Type    uint32
	ID      uint32
	DosName string
}

// TypeName returns a human-readable device type for logs and recordings.
func (d Device) TypeName() string {
	if name, ok := deviceTypeNames[d.Type]; ok {
		return name
	}

	return "unknown"
}

// ParseDeviceListAnnounce decodes the body of a Client Device List Announce
// Request (MS-RDPEFS 2.2.2.9). Device-specific data is skipped.
func ParseDeviceListAnnounce(body []byte) ([]Device, error) {
	if len(body) < 4 {
		return nil, ErrShortMessage
	}

	count := binary.LittleEndian.Uint32(body[0:4])
	body = body[4:]

	devices := make([]Device, 0, count)

	for i := uint32(0); i < count; i++ {
		// DeviceType, DeviceId, PreferredDosName[8], DeviceDataLength
		if len(body) < 20 {
			return nil, ErrShortMessage
		}

		device := Device{
			Type: binary.LittleEndian.Uint32(body[0:4]),
			ID:   binary.LittleEndian.Uint32(body[4:8]),
		}
		device.DosName = string(bytes.TrimRight(body[8:16], "\x00"))

		dataLen := binary.LittleEndian.Uint32(body[16:20])
		if len(body)-20 < int(dataLen) {
			return nil, ErrShortMessage
		}

		body = body[20+dataLen:]

		devices = append(devices, device)
	}

	return devices, nil
}

// ParseAnnouncedDevices returns the devices announced by a raw channel
// message, or nil when the message is not a device list announce.
func ParseAnnouncedDevices(data []byte) ([]Device, error) {
	header, body, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	if header.Component != ComponentCore || header.PacketID != PacketDeviceListAnnounce {
		return nil, nil
	}

	return ParseDeviceListAnnounce(body)
}
