// Package apci implements encoding and decoding of Application Layer
// Protocol Control Information: the service code and payload carried in an
// APDU, from GroupValue services up through the extended property/memory/
// device-descriptor/secure services reached via the escape code space.
package apci

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnsupported is returned for an APCI code this package does not
// implement, or that is otherwise malformed (bad trailer length).
var ErrUnsupported = errors.New("apci: not supported")

// 10-bit APCI codes. See KNX 03_03_07 Application Layer and AN117.
const (
	codeGroupValueRead     = 0x000
	codeGroupValueResponse = 0x040
	codeGroupValueWrite    = 0x080

	codeIndividualAddressWrite    = 0x0C0
	codeIndividualAddressRead     = 0x100
	codeIndividualAddressResponse = 0x140

	codeMemoryRead     = 0x200
	codeMemoryResponse = 0x240
	codeMemoryWrite    = 0x280

	codeDeviceDescriptorRead     = 0x300
	codeDeviceDescriptorResponse = 0x340

	codeRestart = 0x380

	codePropertyValueRead     = 0x3D5
	codePropertyValueResponse = 0x3D6
	codePropertyValueWrite    = 0x3D7

	codeSecureAPDU = 0x3F1

	familyMask = 0x3C0
	lowMask    = 0x3F
)

// Service is the sealed interface implemented by every APCI payload
// variant. Encode/decode is an exhaustive switch over these concrete types,
// not runtime dynamic dispatch.
type Service interface {
	// ToKNX returns the APDU bytes. apdu[0] carries only the 2-bit APCI-high
	// value in its low bits (the caller ORs in the TPCI's high 6 bits);
	// apdu[1] and beyond are APCI-low and service-specific payload.
	ToKNX() []byte
}

// Len returns the NPDU length that corresponds to svc: len(ToKNX())-1, the
// value placed in the CEMI frame's NPDU_length octet.
func Len(svc Service) int {
	return len(svc.ToKNX()) - 1
}

func header(code uint16) []byte {
	return []byte{byte((code >> 8) & 0x03), byte(code & 0xFF)}
}

// Payload is the GroupValue payload: either a small value packed into the
// APCI's low 6 bits, or an appended byte string of 1..14 octets. Exactly
// one of the two forms is valid at a time.
type Payload struct {
	Small bool
	Bits  byte
	Data  []byte
}

// SmallPayload returns a Payload carrying a 6-bit value inline.
func SmallPayload(bits byte) Payload {
	return Payload{Small: true, Bits: bits & lowMask}
}

// DataPayload returns a Payload carrying 1..14 appended octets.
func DataPayload(data []byte) Payload {
	return Payload{Data: data}
}

func (p Payload) encode(apdu []byte) []byte {
	if p.Small {
		apdu[1] |= p.Bits & lowMask
		return apdu
	}
	return append(apdu, p.Data...)
}

func decodePayload(apdu []byte) (Payload, error) {
	switch {
	case len(apdu) == 2:
		return SmallPayload(apdu[1] & lowMask), nil
	case len(apdu) >= 3 && len(apdu) <= 16:
		return DataPayload(append([]byte(nil), apdu[2:]...)), nil
	default:
		return Payload{}, fmt.Errorf("%w: bad GroupValue payload length %d", ErrUnsupported, len(apdu))
	}
}

// GroupValueRead requests the current value of a group address. No payload.
type GroupValueRead struct{}

// ToKNX implements Service.
func (GroupValueRead) ToKNX() []byte { return header(codeGroupValueRead) }

// GroupValueResponse answers a GroupValueRead.
type GroupValueResponse struct{ Payload Payload }

// ToKNX implements Service.
func (s GroupValueResponse) ToKNX() []byte {
	return s.Payload.encode(header(codeGroupValueResponse))
}

// GroupValueWrite writes a value to a group address.
type GroupValueWrite struct{ Payload Payload }

// ToKNX implements Service.
func (s GroupValueWrite) ToKNX() []byte {
	return s.Payload.encode(header(codeGroupValueWrite))
}

// IndividualAddressWrite assigns a new individual address to the (unique)
// device in programming mode.
type IndividualAddressWrite struct{ Address uint16 }

// ToKNX implements Service.
func (s IndividualAddressWrite) ToKNX() []byte {
	apdu := header(codeIndividualAddressWrite)
	addr := make([]byte, 2)
	binary.BigEndian.PutUint16(addr, s.Address)
	return append(apdu, addr...)
}

// IndividualAddressRead asks whether any device is in programming mode.
type IndividualAddressRead struct{}

// ToKNX implements Service.
func (IndividualAddressRead) ToKNX() []byte { return header(codeIndividualAddressRead) }

// IndividualAddressResponse is sent by a device in programming mode in
// answer to IndividualAddressRead. No payload: its mere presence is the
// signal.
type IndividualAddressResponse struct{}

// ToKNX implements Service.
func (IndividualAddressResponse) ToKNX() []byte { return header(codeIndividualAddressResponse) }

// MemoryRead requests Count bytes starting at Address.
type MemoryRead struct {
	Count   byte // 0..63
	Address uint16
}

// ToKNX implements Service.
func (s MemoryRead) ToKNX() []byte {
	apdu := header(codeMemoryRead)
	apdu[1] |= s.Count & lowMask
	addr := make([]byte, 2)
	binary.BigEndian.PutUint16(addr, s.Address)
	return append(apdu, addr...)
}

// MemoryResponse answers MemoryRead with Data (len(Data) == Count, unless
// the device reports fewer bytes than requested).
type MemoryResponse struct {
	Count   byte
	Address uint16
	Data    []byte
}

// ToKNX implements Service.
func (s MemoryResponse) ToKNX() []byte {
	apdu := header(codeMemoryResponse)
	apdu[1] |= s.Count & lowMask
	addr := make([]byte, 2)
	binary.BigEndian.PutUint16(addr, s.Address)
	apdu = append(apdu, addr...)
	return append(apdu, s.Data...)
}

// MemoryWrite writes Data starting at Address.
type MemoryWrite struct {
	Count   byte
	Address uint16
	Data    []byte
}

// ToKNX implements Service.
func (s MemoryWrite) ToKNX() []byte {
	apdu := header(codeMemoryWrite)
	apdu[1] |= s.Count & lowMask
	addr := make([]byte, 2)
	binary.BigEndian.PutUint16(addr, s.Address)
	apdu = append(apdu, addr...)
	return append(apdu, s.Data...)
}

func decodeMemoryTrailer(apdu []byte) (count byte, address uint16, data []byte, err error) {
	if len(apdu) < 4 {
		return 0, 0, nil, fmt.Errorf("%w: memory trailer too short", ErrUnsupported)
	}
	count = apdu[1] & lowMask
	address = binary.BigEndian.Uint16(apdu[2:4])
	if len(apdu) > 4 {
		data = append([]byte(nil), apdu[4:]...)
	}
	return count, address, data, nil
}

// DeviceDescriptorRead requests descriptor type Descriptor (0..63).
type DeviceDescriptorRead struct{ Descriptor byte }

// ToKNX implements Service.
func (s DeviceDescriptorRead) ToKNX() []byte {
	apdu := header(codeDeviceDescriptorRead)
	apdu[1] |= s.Descriptor & lowMask
	return apdu
}

// DeviceDescriptorResponse answers DeviceDescriptorRead with the 2-byte
// descriptor Value for descriptor type Descriptor.
type DeviceDescriptorResponse struct {
	Descriptor byte
	Value      uint16
}

// ToKNX implements Service.
func (s DeviceDescriptorResponse) ToKNX() []byte {
	apdu := header(codeDeviceDescriptorResponse)
	apdu[1] |= s.Descriptor & lowMask
	val := make([]byte, 2)
	binary.BigEndian.PutUint16(val, s.Value)
	return append(apdu, val...)
}

// Restart requests a basic device restart. No payload.
type Restart struct{}

// ToKNX implements Service.
func (Restart) ToKNX() []byte { return header(codeRestart) }

// PropertyValueRead requests Count (1..15) property values of PropertyID on
// ObjectIndex, starting at StartIndex (0..4095).
type PropertyValueRead struct {
	ObjectIndex byte
	PropertyID  byte
	Count       byte
	StartIndex  uint16
}

func encodePropertyTrailer(apdu []byte, objectIndex, propertyID, count byte, startIndex uint16) []byte {
	apdu = append(apdu, objectIndex, propertyID)
	apdu = append(apdu, byte(count&0x0F)<<4|byte(startIndex>>8)&0x0F, byte(startIndex))
	return apdu
}

// ToKNX implements Service.
func (s PropertyValueRead) ToKNX() []byte {
	return encodePropertyTrailer(header(codePropertyValueRead), s.ObjectIndex, s.PropertyID, s.Count, s.StartIndex)
}

// PropertyValueResponse answers PropertyValueRead (or a successful
// PropertyValueWrite) with Data.
type PropertyValueResponse struct {
	ObjectIndex byte
	PropertyID  byte
	Count       byte
	StartIndex  uint16
	Data        []byte
}

// ToKNX implements Service.
func (s PropertyValueResponse) ToKNX() []byte {
	apdu := encodePropertyTrailer(header(codePropertyValueResponse), s.ObjectIndex, s.PropertyID, s.Count, s.StartIndex)
	return append(apdu, s.Data...)
}

// PropertyValueWrite writes Data to a property.
type PropertyValueWrite struct {
	ObjectIndex byte
	PropertyID  byte
	Count       byte
	StartIndex  uint16
	Data        []byte
}

// ToKNX implements Service.
func (s PropertyValueWrite) ToKNX() []byte {
	apdu := encodePropertyTrailer(header(codePropertyValueWrite), s.ObjectIndex, s.PropertyID, s.Count, s.StartIndex)
	return append(apdu, s.Data...)
}

func decodePropertyTrailer(apdu []byte) (objectIndex, propertyID, count byte, startIndex uint16, data []byte, err error) {
	if len(apdu) < 6 {
		return 0, 0, 0, 0, nil, fmt.Errorf("%w: property trailer too short", ErrUnsupported)
	}
	objectIndex = apdu[2]
	propertyID = apdu[3]
	count = (apdu[4] >> 4) & 0x0F
	startIndex = uint16(apdu[4]&0x0F)<<8 | uint16(apdu[5])
	if len(apdu) > 6 {
		data = append([]byte(nil), apdu[6:]...)
	}
	return objectIndex, propertyID, count, startIndex, data, nil
}

// SecureAPDU wraps a Data Secure S-A_Data service APDU: the Security
// Control Field plus the encrypted/authenticated payload as produced by
// package secure. See spec §4.4/§4.5 and KNX Data Secure (AS 03_08_06).
type SecureAPDU struct {
	SCF         byte
	SecuredData []byte
}

// ToKNX implements Service.
func (s SecureAPDU) ToKNX() []byte {
	apdu := header(codeSecureAPDU)
	apdu = append(apdu, s.SCF)
	return append(apdu, s.SecuredData...)
}

// Decode parses apdu (the full octet sequence starting at the combined
// TPCI/APCI-high byte, with TPCI bits already masked off by the caller)
// into a concrete Service.
func Decode(apdu []byte) (Service, error) {
	if len(apdu) < 2 {
		return nil, fmt.Errorf("%w: APDU too short (%d bytes)", ErrUnsupported, len(apdu))
	}
	code := uint16(apdu[0]&0x03)<<8 | uint16(apdu[1])

	switch code & familyMask {
	case codeGroupValueRead:
		return GroupValueRead{}, nil
	case codeGroupValueResponse:
		p, err := decodePayload(apdu)
		if err != nil {
			return nil, err
		}
		return GroupValueResponse{Payload: p}, nil
	case codeGroupValueWrite:
		p, err := decodePayload(apdu)
		if err != nil {
			return nil, err
		}
		return GroupValueWrite{Payload: p}, nil
	case codeMemoryRead:
		count, addr, _, err := decodeMemoryTrailer(apdu)
		if err != nil {
			return nil, err
		}
		return MemoryRead{Count: count, Address: addr}, nil
	case codeMemoryResponse:
		count, addr, data, err := decodeMemoryTrailer(apdu)
		if err != nil {
			return nil, err
		}
		return MemoryResponse{Count: count, Address: addr, Data: data}, nil
	case codeMemoryWrite:
		count, addr, data, err := decodeMemoryTrailer(apdu)
		if err != nil {
			return nil, err
		}
		return MemoryWrite{Count: count, Address: addr, Data: data}, nil
	case codeDeviceDescriptorRead:
		return DeviceDescriptorRead{Descriptor: apdu[1] & lowMask}, nil
	case codeDeviceDescriptorResponse:
		if len(apdu) != 4 {
			return nil, fmt.Errorf("%w: DeviceDescriptorResponse length %d", ErrUnsupported, len(apdu))
		}
		return DeviceDescriptorResponse{
			Descriptor: apdu[1] & lowMask,
			Value:      binary.BigEndian.Uint16(apdu[2:4]),
		}, nil
	}

	switch code {
	case codeIndividualAddressWrite:
		if len(apdu) != 4 {
			return nil, fmt.Errorf("%w: IndividualAddressWrite length %d", ErrUnsupported, len(apdu))
		}
		return IndividualAddressWrite{Address: binary.BigEndian.Uint16(apdu[2:4])}, nil
	case codeIndividualAddressRead:
		return IndividualAddressRead{}, nil
	case codeIndividualAddressResponse:
		return IndividualAddressResponse{}, nil
	case codeRestart:
		return Restart{}, nil
	case codePropertyValueRead:
		objectIndex, propertyID, count, startIndex, _, err := decodePropertyTrailer(apdu)
		if err != nil {
			return nil, err
		}
		return PropertyValueRead{ObjectIndex: objectIndex, PropertyID: propertyID, Count: count, StartIndex: startIndex}, nil
	case codePropertyValueResponse:
		objectIndex, propertyID, count, startIndex, data, err := decodePropertyTrailer(apdu)
		if err != nil {
			return nil, err
		}
		return PropertyValueResponse{ObjectIndex: objectIndex, PropertyID: propertyID, Count: count, StartIndex: startIndex, Data: data}, nil
	case codePropertyValueWrite:
		objectIndex, propertyID, count, startIndex, data, err := decodePropertyTrailer(apdu)
		if err != nil {
			return nil, err
		}
		return PropertyValueWrite{ObjectIndex: objectIndex, PropertyID: propertyID, Count: count, StartIndex: startIndex, Data: data}, nil
	case codeSecureAPDU:
		if len(apdu) < 3 {
			return nil, fmt.Errorf("%w: SecureAPDU too short", ErrUnsupported)
		}
		return SecureAPDU{SCF: apdu[2], SecuredData: append([]byte(nil), apdu[3:]...)}, nil
	}

	return nil, fmt.Errorf("%w: APCI code %#x", ErrUnsupported, code)
}
