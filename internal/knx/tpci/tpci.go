// Package tpci resolves and encodes Transport Layer Protocol Control
// Information: the per-destination-kind addressing/connection-orientation
// bits carried alongside every APCI payload.
package tpci

import (
	"errors"
	"fmt"
)

// ErrInvalidFlags is returned when a raw TPCI octet does not correspond to
// any legal TPCI variant for the given destination kind.
var ErrInvalidFlags = errors.New("tpci: invalid flags")

const (
	controlBitMask   = 0x80
	numberedBitMask  = 0x40
	sequenceNibShift = 2
	sequenceNibMask  = 0x0F
	controlFlagsMask = 0b11
)

// Kind discriminates the TPCI variants.
type Kind int

const (
	KindDataGroup Kind = iota
	KindDataBroadcast
	KindDataTagGroup
	KindDataIndividual
	KindDataConnected
	KindConnect
	KindDisconnect
	KindAck
	KindNak
)

func (k Kind) String() string {
	switch k {
	case KindDataGroup:
		return "TDataGroup"
	case KindDataBroadcast:
		return "TDataBroadcast"
	case KindDataTagGroup:
		return "TDataTagGroup"
	case KindDataIndividual:
		return "TDataIndividual"
	case KindDataConnected:
		return "TDataConnected"
	case KindConnect:
		return "TConnect"
	case KindDisconnect:
		return "TDisconnect"
	case KindAck:
		return "TAck"
	case KindNak:
		return "TNak"
	default:
		return "TUnknown"
	}
}

// TPCI is the resolved transport-layer control information for one TPDU.
//
// Invariant: Numbered implies SequenceNumber is in 0..15; when Numbered is
// false SequenceNumber is 0, except for DataTagGroup, whose sequence field
// is fixed at 1.
type TPCI struct {
	Kind           Kind
	Control        bool
	Numbered       bool
	SequenceNumber int
}

// AckRequest reports whether the peer expects an immediate T_Ack in
// response to this TPDU (numbered data TPDUs only).
func (t TPCI) AckRequest() bool {
	return t.Kind == KindDataConnected
}

func (t TPCI) String() string {
	if t.Numbered {
		return fmt.Sprintf("%s(sequence_number=%d)", t.Kind, t.SequenceNumber)
	}
	return t.Kind.String() + "()"
}

// controlFlags returns the 2-bit control-flags subtype used by control
// TPDUs (TConnect/TDisconnect/TAck/TNak); -1 for data TPDUs.
func (t TPCI) controlFlags() int {
	switch t.Kind {
	case KindConnect:
		return 0b00
	case KindDisconnect:
		return 0b01
	case KindAck:
		return 0b10
	case KindNak:
		return 0b11
	default:
		return -1
	}
}

// ToKNX serializes the TPCI into its single control octet (the low 2 bits
// are left as zero for data TPDUs — callers OR in the APCI high bits).
func (t TPCI) ToKNX() byte {
	var b byte
	if t.Control {
		b |= controlBitMask
	}
	if t.Numbered {
		b |= numberedBitMask
	}
	b |= byte(t.SequenceNumber&sequenceNibMask) << sequenceNibShift
	if cf := t.controlFlags(); cf >= 0 {
		b |= byte(cf)
	}
	return b
}

// DataGroup returns the non-broadcast group TPCI (sequence field 0, used
// when destination is a non-zero group address).
func DataGroup() TPCI { return TPCI{Kind: KindDataGroup} }

// DataBroadcast returns the TPCI used for group address 0 (system
// broadcast).
func DataBroadcast() TPCI { return TPCI{Kind: KindDataBroadcast} }

// DataTagGroup returns the tag-group TPCI (sequence field fixed at 1).
func DataTagGroup() TPCI { return TPCI{Kind: KindDataTagGroup, SequenceNumber: 1} }

// DataIndividual returns the point-to-point connectionless TPCI.
func DataIndividual() TPCI { return TPCI{Kind: KindDataIndividual} }

// DataConnected returns the numbered connection-oriented data TPCI.
func DataConnected(seq int) TPCI {
	return TPCI{Kind: KindDataConnected, Numbered: true, SequenceNumber: seq & sequenceNibMask}
}

// Connect returns the T_Connect control TPCI.
func Connect() TPCI { return TPCI{Kind: KindConnect, Control: true} }

// Disconnect returns the T_Disconnect control TPCI.
func Disconnect() TPCI { return TPCI{Kind: KindDisconnect, Control: true} }

// Ack returns the numbered T_Ack control TPCI.
func Ack(seq int) TPCI {
	return TPCI{Kind: KindAck, Control: true, Numbered: true, SequenceNumber: seq & sequenceNibMask}
}

// Nak returns the numbered T_Nak control TPCI.
func Nak(seq int) TPCI {
	return TPCI{Kind: KindNak, Control: true, Numbered: true, SequenceNumber: seq & sequenceNibMask}
}

// Resolve decodes the first TPDU octet into a TPCI, enforcing the legality
// matrix from spec.md §4.2: which (control, numbered, sequence, control
// flags) combinations are valid depends on whether the destination is a
// group address and whether it is the broadcast address (group 0).
func Resolve(raw byte, dstIsGroupAddress, dstIsZero bool) (TPCI, error) {
	control := raw&controlBitMask != 0
	numbered := raw&numberedBitMask != 0
	seq := int(raw>>sequenceNibShift) & sequenceNibMask

	if dstIsGroupAddress {
		if control || numbered {
			return TPCI{}, fmt.Errorf("%w: control/numbered set on group-addressed frame", ErrInvalidFlags)
		}
		switch seq {
		case 0:
			if dstIsZero {
				return DataBroadcast(), nil
			}
			return DataGroup(), nil
		case 1:
			return DataTagGroup(), nil
		default:
			return TPCI{}, fmt.Errorf("%w: sequence %d invalid for group-addressed frame", ErrInvalidFlags, seq)
		}
	}

	if !numbered && seq != 0 {
		return TPCI{}, fmt.Errorf("%w: sequence number set on unnumbered TPCI", ErrInvalidFlags)
	}

	if !control {
		if numbered {
			return DataConnected(seq), nil
		}
		return DataIndividual(), nil
	}

	// Control TPDU.
	flags := raw & controlFlagsMask
	if !numbered {
		switch flags {
		case 0b00:
			return Connect(), nil
		case 0b01:
			return Disconnect(), nil
		}
		return TPCI{}, fmt.Errorf("%w: unknown unnumbered control flags %02b", ErrInvalidFlags, flags)
	}
	switch flags {
	case 0b10:
		return Ack(seq), nil
	case 0b11:
		return Nak(seq), nil
	}
	return TPCI{}, fmt.Errorf("%w: unknown numbered control flags %02b", ErrInvalidFlags, flags)
}
