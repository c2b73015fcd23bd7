// Package cemiframe encodes and decodes Common External Message Interface
// (CEMI) L_Data frames: the envelope carrying one TPDU (TPCI + APDU) between
// a tunnelling/bus interface and the protocol core.
package cemiframe

import (
	"errors"
	"fmt"

	"github.com/nerrad567/knxcore/internal/knx/address"
	"github.com/nerrad567/knxcore/internal/knx/apci"
	"github.com/nerrad567/knxcore/internal/knx/tpci"
)

// MessageCode identifies the CEMI primitive: request, indication or
// confirmation. Only the L_Data family is modelled; the wider CEMI surface
// (L_Busmon, L_Raw, etc.) is out of scope.
type MessageCode byte

// L_Data message codes, KNX 03_06_03 cEMI.
const (
	LDataReq MessageCode = 0x11
	LDataInd MessageCode = 0x29
	LDataCon MessageCode = 0x2E
)

func (c MessageCode) String() string {
	switch c {
	case LDataReq:
		return "L_Data.req"
	case LDataInd:
		return "L_Data.ind"
	case LDataCon:
		return "L_Data.con"
	default:
		return fmt.Sprintf("MessageCode(%#02x)", byte(c))
	}
}

// Flags holds the cEMI control-field bits (ctrl1 << 8 | ctrl2).
type Flags uint16

// Control-field bit masks, KNX 03_06_03 cEMI §4.1.5.
const (
	FlagFrameTypeStandard      Flags = 0x8000
	FlagDoNotRepeat            Flags = 0x2000
	FlagBroadcast              Flags = 0x1000
	FlagPrioritySystem         Flags = 0x0000
	FlagPriorityNormal         Flags = 0x0400
	FlagPriorityUrgent         Flags = 0x0800
	FlagPriorityLow            Flags = 0x0C00
	flagPriorityMask           Flags = 0x0C00
	FlagAckRequested           Flags = 0x0200
	FlagConfirmNoError         Flags = 0x0000
	FlagConfirmError           Flags = 0x0001
	FlagDestIndividualAddress  Flags = 0x0000
	FlagDestGroupAddress       Flags = 0x0080
	flagDestAddressMask        Flags = 0x0080
	FlagHopCount1st            Flags = 0x0060
	flagHopCountMask           Flags = 0x0070
	FlagStandardFrameFormat    Flags = 0x0000
	defaultFlags                    = FlagFrameTypeStandard | FlagDoNotRepeat | FlagBroadcast |
		FlagPriorityLow | FlagHopCount1st | FlagStandardFrameFormat
)

// IsDestGroupAddress reports whether the destination address field should be
// interpreted as a group address.
func (f Flags) IsDestGroupAddress() bool { return f&flagDestAddressMask == FlagDestGroupAddress }

// DefaultFlags returns the conventional flag set used for telegrams
// originated locally: standard frame, don't repeat, broadcast (not system
// broadcast), priority low, hop count 6, destination kind supplied by
// dstIsGroup.
func DefaultFlags(dstIsGroup bool) Flags {
	f := Flags(defaultFlags)
	if dstIsGroup {
		f |= FlagDestGroupAddress
	}
	return f
}

// ErrMalformed is returned when a CEMI byte sequence violates the frame's
// structural invariants (length, NPDU length cross-check, additional info
// length).
var ErrMalformed = errors.New("cemiframe: malformed frame")

// Frame is one decoded or to-be-encoded cEMI L_Data frame.
type Frame struct {
	Code            MessageCode
	AdditionalInfo  []byte
	Flags           Flags
	Source          address.Individual
	DestGroup       address.Group      // valid iff Flags.IsDestGroupAddress()
	DestIndividual  address.Individual // valid iff !Flags.IsDestGroupAddress()
	TPCI            tpci.TPCI
	APDU            apci.Service
}

// DestIsGroup reports whether Destination should be read from DestGroup.
func (f Frame) DestIsGroup() bool { return f.Flags.IsDestGroupAddress() }

// ToKNX serializes the frame to its wire bytes.
func (f Frame) ToKNX() ([]byte, error) {
	if len(f.AdditionalInfo) > 255 {
		return nil, fmt.Errorf("%w: additional info length %d exceeds 255", ErrMalformed, len(f.AdditionalInfo))
	}

	out := make([]byte, 0, 16+len(f.AdditionalInfo))
	out = append(out, byte(f.Code), byte(len(f.AdditionalInfo)))
	out = append(out, f.AdditionalInfo...)
	out = append(out, byte(f.Flags>>8), byte(f.Flags))
	out = append(out, f.Source.ToKNX()...)
	if f.DestIsGroup() {
		out = append(out, f.DestGroup.ToKNX()...)
	} else {
		out = append(out, f.DestIndividual.ToKNX()...)
	}

	if f.APDU == nil {
		if !f.TPCI.Control {
			return nil, fmt.Errorf("%w: nil APDU", ErrMalformed)
		}
		// A control TPDU is the TPCI octet alone, with NPDU length zero.
		return append(out, 0, f.TPCI.ToKNX()), nil
	}
	apdu := f.APDU.ToKNX()
	if len(apdu) < 2 {
		return nil, fmt.Errorf("%w: APDU too short", ErrMalformed)
	}
	npduLen := len(apdu) - 1
	if npduLen > 255 {
		return nil, fmt.Errorf("%w: NPDU length %d exceeds 255", ErrMalformed, npduLen)
	}

	tpdu := make([]byte, len(apdu))
	copy(tpdu, apdu)
	tpdu[0] |= f.TPCI.ToKNX()

	out = append(out, byte(npduLen))
	out = append(out, tpdu...)
	return out, nil
}

// FromKNX decodes a cEMI L_Data frame from its wire bytes.
func FromKNX(raw []byte) (Frame, error) {
	if len(raw) < 2 {
		return Frame{}, fmt.Errorf("%w: frame too short", ErrMalformed)
	}
	code := MessageCode(raw[0])
	addIL := int(raw[1])
	if len(raw) < 2+addIL+2+2+2+1+1 {
		return Frame{}, fmt.Errorf("%w: frame too short for additional info length %d", ErrMalformed, addIL)
	}

	var addInfo []byte
	if addIL > 0 {
		addInfo = append([]byte(nil), raw[2:2+addIL]...)
	}
	off := 2 + addIL

	flags := Flags(uint16(raw[off])<<8 | uint16(raw[off+1]))
	off += 2

	src, err := address.IndividualFromKNX(raw[off : off+2])
	if err != nil {
		return Frame{}, err
	}
	off += 2

	dstRaw := raw[off : off+2]
	off += 2

	npduLen := int(raw[off])
	off++

	tpdu := raw[off:]
	if len(tpdu) == 0 {
		return Frame{}, fmt.Errorf("%w: missing TPDU", ErrMalformed)
	}
	if len(tpdu) != npduLen+1 {
		return Frame{}, fmt.Errorf("%w: NPDU length %d does not match TPDU length %d", ErrMalformed, npduLen, len(tpdu))
	}

	apdu := make([]byte, len(tpdu))
	copy(apdu, tpdu)
	apdu[0] &= 0b11

	dstIsGroup := flags.IsDestGroupAddress()

	var resolvedTPCI tpci.TPCI
	var dstIsZero bool
	if dstIsGroup {
		g, err := address.GroupFromKNX(dstRaw)
		if err != nil {
			return Frame{}, err
		}
		dstIsZero = g.IsBroadcast()
		resolvedTPCI, err = tpci.Resolve(tpdu[0], true, dstIsZero)
		if err != nil {
			return Frame{}, err
		}
		svc, err := apci.Decode(apdu)
		if err != nil {
			return Frame{}, err
		}
		return Frame{
			Code: code, AdditionalInfo: addInfo, Flags: flags,
			Source: src, DestGroup: g, TPCI: resolvedTPCI, APDU: svc,
		}, nil
	}

	ind, err := address.IndividualFromKNX(dstRaw)
	if err != nil {
		return Frame{}, err
	}
	resolvedTPCI, err = tpci.Resolve(tpdu[0], false, false)
	if err != nil {
		return Frame{}, err
	}
	// NPDU length zero carries a control TPDU: no APDU follows the TPCI.
	var svc apci.Service
	if npduLen > 0 || !resolvedTPCI.Control {
		if svc, err = apci.Decode(apdu); err != nil {
			return Frame{}, err
		}
	}
	return Frame{
		Code: code, AdditionalInfo: addInfo, Flags: flags,
		Source: src, DestIndividual: ind, TPCI: resolvedTPCI, APDU: svc,
	}, nil
}
