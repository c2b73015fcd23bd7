// Package cemi implements the CEMI send/confirm state machine: pairing
// each outgoing L_Data.req with its L_Data.con confirmation, routing
// incoming L_Data.ind frames to the telegram queue or the management
// (point-to-point) layer by TPCI kind, and — when a Data Secure keyring is
// configured — sealing outgoing APDUs and authenticating/decrypting
// incoming ones before either side of the handler ever sees plaintext.
package cemi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/knxcore/internal/knx/address"
	"github.com/nerrad567/knxcore/internal/knx/apci"
	"github.com/nerrad567/knxcore/internal/knx/cemiframe"
	"github.com/nerrad567/knxcore/internal/knx/secure"
	"github.com/nerrad567/knxcore/internal/knx/telegram"
	"github.com/nerrad567/knxcore/internal/knx/tpci"
)

// RequestToConfirmationTimeout bounds how long SendTelegram waits for the
// matching L_Data.con after handing a frame to the transport.
const RequestToConfirmationTimeout = 3 * time.Second

// secureAPCIHigh is the 2-bit APCI-high value of the SecureAPDU service
// (APCI code 0x3F1), bound into the Data Secure b0/counter0 blocks as
// tpciAndAPCIHigh together with the frame's TPCI bits.
const secureAPCIHigh = 0x03

// ErrConfirmationTimeout is returned when no L_Data.con arrives in time.
var ErrConfirmationTimeout = errors.New("cemi: confirmation timeout")

// ErrSendInProgress is returned by SendTelegram when a previous send has
// not yet been confirmed: only one request may be outstanding at a time.
var ErrSendInProgress = errors.New("cemi: a send is already awaiting confirmation")

// FrameSender transmits an encoded cEMI frame to the bus. It is satisfied
// by the transport layer's interface implementation.
type FrameSender interface {
	SendFrame(frame cemiframe.Frame) error
}

// Logger is the minimal structured-logging surface cemi depends on.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// SecureRecorder reports Data Secure accept/reject outcomes for telemetry.
// A nil SecureRecorder is valid: outcomes are then simply not recorded.
type SecureRecorder interface {
	RecordSecureOutcome(accepted bool, reason string)
}

// Handler pairs outgoing L_Data.req frames with their L_Data.con
// confirmation and dispatches incoming L_Data.ind frames.
type Handler struct {
	sender FrameSender
	source address.Individual
	log    Logger

	secure         *secure.DataSecure
	secureRecorder SecureRecorder

	toQueue      func(telegram.Telegram)
	toManagement func(telegram.Telegram)

	mu      sync.Mutex
	pending chan error
}

// New constructs a Handler. toQueue receives telegrams destined for group
// addresses or connectionless point-to-point traffic; toManagement
// receives connection-oriented (T_Connect/T_Disconnect/T_Ack/T_Nak/
// T_Data_Connected) traffic for the point-to-point management layer.
// secureLayer is nil when Data Secure is disabled: telegrams then travel
// as plain APDUs and any incoming SecureAPDU frame is dropped, since there
// is no keyring to open it with.
func New(sender FrameSender, source address.Individual, log Logger, toQueue, toManagement func(telegram.Telegram), secureLayer *secure.DataSecure, secureRecorder SecureRecorder) *Handler {
	return &Handler{
		sender: sender, source: source, log: log,
		toQueue: toQueue, toManagement: toManagement,
		secure: secureLayer, secureRecorder: secureRecorder,
	}
}

// SendTelegram encodes tg as an L_Data.req, Data-Secure-seals it when a
// keyring is configured and a key exists for tg's destination, hands it to
// the transport, and blocks until the matching L_Data.con arrives, ctx is
// cancelled, or RequestToConfirmationTimeout elapses.
func (h *Handler) SendTelegram(ctx context.Context, tg telegram.Telegram) error {
	frame, err := frameFromTelegram(tg, cemiframe.LDataReq, h.source)
	if err != nil {
		return err
	}
	if err := h.sealOutgoing(&frame, tg); err != nil {
		return fmt.Errorf("cemi: sealing outgoing telegram: %w", err)
	}

	h.mu.Lock()
	if h.pending != nil {
		h.mu.Unlock()
		return ErrSendInProgress
	}
	done := make(chan error, 1)
	h.pending = done
	h.mu.Unlock()

	if err := h.sender.SendFrame(frame); err != nil {
		h.mu.Lock()
		h.pending = nil
		h.mu.Unlock()
		return fmt.Errorf("cemi: sending frame: %w", err)
	}

	timer := time.NewTimer(RequestToConfirmationTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		h.mu.Lock()
		h.pending = nil
		h.mu.Unlock()
		return ErrConfirmationTimeout
	case <-ctx.Done():
		h.mu.Lock()
		h.pending = nil
		h.mu.Unlock()
		return ctx.Err()
	}
}

// HandleFrame processes one frame received from the transport: an
// L_Data.con completes the outstanding SendTelegram call; an L_Data.req is
// logged and dropped (a device does not originate requests from the bus
// side); an L_Data.ind is opened (if Data Secure was used) and routed by
// TPCI kind.
func (h *Handler) HandleFrame(frame cemiframe.Frame) {
	switch frame.Code {
	case cemiframe.LDataCon:
		h.mu.Lock()
		done := h.pending
		h.pending = nil
		h.mu.Unlock()
		if done != nil {
			done <- nil
		}
	case cemiframe.LDataReq:
		h.log.Debug("dropping unexpected L_Data.req from bus", "source", frame.Source)
	case cemiframe.LDataInd:
		h.dispatchIndication(frame)
	default:
		h.log.Warn("unhandled cEMI message code", "code", frame.Code)
	}
}

func (h *Handler) dispatchIndication(frame cemiframe.Frame) {
	tg, ok := h.openIncoming(frame)
	if !ok {
		return
	}
	switch tg.TPCI.Kind {
	case tpci.KindDataGroup, tpci.KindDataBroadcast, tpci.KindDataTagGroup, tpci.KindDataIndividual:
		h.toQueue(tg)
	default:
		h.toManagement(tg)
	}
}

// sealOutgoing replaces frame.APDU with a Data Secure SecureAPDU when h has
// a keyring and a key is configured for frame's destination, unless tg
// explicitly asks to stay plain. Telegrams with no configured key pass
// through unsealed.
func (h *Handler) sealOutgoing(frame *cemiframe.Frame, tg telegram.Telegram) error {
	if h.secure == nil {
		return nil
	}
	if tg.DataSecure != nil && !*tg.DataSecure {
		return nil
	}

	key, ok, err := h.secureKeyFor(*frame)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	plainAPDU := frame.APDU.ToKNX()
	seq, err := h.secure.NextTxSequence()
	if err != nil {
		return err
	}

	scf := secure.SCF{Algorithm: secure.AlgorithmCCMEncryption, Service: secure.ServiceData}
	addrFields := secureAddressFields(frame.Source, *frame)
	tpciAndAPCIHigh := frame.TPCI.ToKNX() | secureAPCIHigh

	asdu, err := secure.Seal(key, scf, plainAPDU, seq, addrFields, byte(frame.Flags), tpciAndAPCIHigh)
	if err != nil {
		return err
	}
	frame.APDU = apci.SecureAPDU{SCF: scf.ToKNX(), SecuredData: asdu.ToKNX()}
	return nil
}

// openIncoming converts frame into a Telegram, authenticating and
// decrypting it first if it arrived as a SecureAPDU. It reports ok=false
// when a secure frame must be dropped: no keyring configured, no key for
// its destination, a replayed sequence number, or a failed MAC.
func (h *Handler) openIncoming(frame cemiframe.Frame) (telegram.Telegram, bool) {
	secureAPDU, isSecure := frame.APDU.(apci.SecureAPDU)
	if !isSecure {
		tg := telegramFromFrame(frame)
		if h.secure != nil {
			tg = tg.WithDataSecure(false)
		}
		return tg, true
	}

	if h.secure == nil {
		h.log.Warn("dropping secure frame: data secure not configured", "source", frame.Source)
		return telegram.Telegram{}, false
	}

	plain, err := h.openSecureAPDU(frame, secureAPDU)
	if err != nil {
		h.log.Warn("rejecting secure frame", "source", frame.Source, "error", err)
		h.recordSecureOutcome(false, secureRejectReason(err))
		return telegram.Telegram{}, false
	}
	h.recordSecureOutcome(true, "")

	opened := frame
	opened.APDU = plain
	return telegramFromFrame(opened).WithDataSecure(true), true
}

// openSecureAPDU authenticates and decrypts a received SecureAPDU,
// checking the sender's sequence number before calling secure.Open and
// committing it only after the MAC verifies, so a forged frame with a
// fresh sequence number cannot poison the replay table.
func (h *Handler) openSecureAPDU(frame cemiframe.Frame, secureAPDU apci.SecureAPDU) (apci.Service, error) {
	scf := secure.SCFFromKNX(secureAPDU.SCF)
	asdu, err := secure.ASDUFromKNX(secureAPDU.SecuredData)
	if err != nil {
		return nil, err
	}

	sender := frame.Source.Raw()
	if err := h.secure.CheckRxSequence(sender, asdu.SequenceNumber); err != nil {
		return nil, err
	}

	key, ok, err := h.secureKeyFor(frame)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: destination for frame from %s", secure.ErrNoKey, frame.Source)
	}

	addrFields := secureAddressFields(frame.Source, frame)
	tpciAndAPCIHigh := frame.TPCI.ToKNX() | secureAPCIHigh
	plain, err := secure.Open(key, scf, asdu, addrFields, byte(frame.Flags), tpciAndAPCIHigh)
	if err != nil {
		return nil, err
	}

	if err := h.secure.CommitRxSequence(sender, asdu.SequenceNumber); err != nil {
		return nil, err
	}

	return apci.Decode(plain)
}

// secureKeyFor returns the Data Secure key configured for frame's
// destination (group or individual), and ok=false if none is configured —
// the signal that frame's destination communicates in the clear.
func (h *Handler) secureKeyFor(frame cemiframe.Frame) (key []byte, ok bool, err error) {
	if frame.DestIsGroup() {
		key, err = h.secure.GroupKey(frame.DestGroup)
	} else {
		key, err = h.secure.IndividualKey(frame.DestIndividual)
	}
	if err != nil {
		if errors.Is(err, secure.ErrNoKey) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return key, true, nil
}

func (h *Handler) recordSecureOutcome(accepted bool, reason string) {
	if h.secureRecorder == nil {
		return
	}
	h.secureRecorder.RecordSecureOutcome(accepted, reason)
}

func secureRejectReason(err error) string {
	switch {
	case errors.Is(err, secure.ErrReplay):
		return "replay"
	case errors.Is(err, secure.ErrNoKey):
		return "no_key"
	case errors.Is(err, secure.ErrCrypto):
		return "mac_failure"
	default:
		return "error"
	}
}

// secureAddressFields builds the 4-byte source||destination field the Data
// Secure b0/counter0 blocks bind the APDU to.
func secureAddressFields(source address.Individual, frame cemiframe.Frame) [4]byte {
	var out [4]byte
	copy(out[0:2], source.ToKNX())
	if frame.DestIsGroup() {
		copy(out[2:4], frame.DestGroup.ToKNX())
	} else {
		copy(out[2:4], frame.DestIndividual.ToKNX())
	}
	return out
}

func frameFromTelegram(tg telegram.Telegram, code cemiframe.MessageCode, source address.Individual) (cemiframe.Frame, error) {
	src := tg.Source
	if src.IsZero() {
		src = source
	}
	frame := cemiframe.Frame{
		Code:   code,
		Source: src,
		TPCI:   tg.TPCI,
		APDU:   tg.Payload,
	}
	switch dst := tg.Destination.(type) {
	case address.Group:
		frame.Flags = cemiframe.DefaultFlags(true)
		frame.DestGroup = dst
	case address.Individual:
		frame.Flags = cemiframe.DefaultFlags(false)
		frame.DestIndividual = dst
	default:
		return cemiframe.Frame{}, fmt.Errorf("cemi: telegram destination %v is not wire-addressable", tg.Destination)
	}
	return frame, nil
}

func telegramFromFrame(frame cemiframe.Frame) telegram.Telegram {
	var dest telegram.Destination
	if frame.DestIsGroup() {
		dest = frame.DestGroup
	} else {
		dest = frame.DestIndividual
	}
	return telegram.New(dest, telegram.Incoming, frame.APDU).
		WithSource(frame.Source).
		WithTPCI(frame.TPCI)
}
