// Package telegram defines the Telegram value exchanged between the bus
// interface, the queue, and subscribers: one APDU together with its
// addressing, direction and transport-layer framing.
package telegram

import (
	"fmt"

	"github.com/nerrad567/knxcore/internal/knx/address"
	"github.com/nerrad567/knxcore/internal/knx/apci"
	"github.com/nerrad567/knxcore/internal/knx/tpci"
)

// Direction distinguishes telegrams received from the bus from telegrams
// queued for transmission.
type Direction int

// Telegram directions.
const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "Outgoing"
	}
	return "Incoming"
}

// Destination is the set of address kinds a Telegram may target: a group
// address, an individual address (point-to-point), or an internal address
// (intra-process only, never placed on the wire).
type Destination interface {
	fmt.Stringer
}

// Telegram is one KNX application-layer message. The TPCI is inferred from
// Destination at construction time and can be overridden for point-to-point
// connection-oriented exchanges via WithTPCI.
type Telegram struct {
	Destination Destination
	Direction   Direction
	Payload     apci.Service
	Source      address.Individual
	TPCI        tpci.TPCI

	// DataSecure is nil when the telegram's Data Secure status is unknown,
	// false for telegrams confirmed plain, true for telegrams confirmed
	// secured (decrypted on receipt, or to be encrypted on send).
	DataSecure *bool
}

func inferTPCI(dest Destination) tpci.TPCI {
	switch d := dest.(type) {
	case address.Group:
		if d.IsBroadcast() {
			return tpci.DataBroadcast()
		}
		return tpci.DataGroup()
	case address.Internal:
		return tpci.DataGroup()
	case address.Individual:
		return tpci.DataIndividual()
	default:
		return tpci.DataIndividual()
	}
}

// New constructs a Telegram, inferring TPCI from dest's address kind.
func New(dest Destination, direction Direction, payload apci.Service) Telegram {
	return Telegram{
		Destination: dest,
		Direction:   direction,
		Payload:     payload,
		TPCI:        inferTPCI(dest),
	}
}

// WithSource returns a copy of t with Source set.
func (t Telegram) WithSource(src address.Individual) Telegram {
	t.Source = src
	return t
}

// WithTPCI returns a copy of t with TPCI overridden — used for
// point-to-point connection-oriented management exchanges, where the
// transport layer assigns sequence numbers that New cannot know about.
func (t Telegram) WithTPCI(p tpci.TPCI) Telegram {
	t.TPCI = p
	return t
}

// WithDataSecure returns a copy of t with DataSecure set to secured.
func (t Telegram) WithDataSecure(secured bool) Telegram {
	t.DataSecure = &secured
	return t
}

// IsGroupAddressed reports whether Destination is a wire group address (not
// an internal, process-local address).
func (t Telegram) IsGroupAddressed() bool {
	_, ok := t.Destination.(address.Group)
	return ok
}

// IsInternal reports whether Destination is an internal, process-local
// address never placed on the wire.
func (t Telegram) IsInternal() bool {
	_, ok := t.Destination.(address.Internal)
	return ok
}

func (t Telegram) String() string {
	secure := "unknown"
	if t.DataSecure != nil {
		if *t.DataSecure {
			secure = "secure"
		} else {
			secure = "plain"
		}
	}
	return fmt.Sprintf("Telegram(source=%s, destination=%s, direction=%s, payload=%T, data_secure=%s)",
		t.Source, t.Destination, t.Direction, t.Payload, secure)
}
