package cemi

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/knxcore/internal/knx/address"
	"github.com/nerrad567/knxcore/internal/knx/apci"
	"github.com/nerrad567/knxcore/internal/knx/cemiframe"
	"github.com/nerrad567/knxcore/internal/knx/secure"
	"github.com/nerrad567/knxcore/internal/knx/telegram"
	"github.com/nerrad567/knxcore/internal/knx/tpci"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type fakeSender struct {
	sent []cemiframe.Frame
	err  error
}

func (f *fakeSender) SendFrame(frame cemiframe.Frame) error {
	f.sent = append(f.sent, frame)
	return f.err
}

type fakeRecorder struct {
	calls []fakeRecorderCall
}

type fakeRecorderCall struct {
	accepted bool
	reason   string
}

func (f *fakeRecorder) RecordSecureOutcome(accepted bool, reason string) {
	f.calls = append(f.calls, fakeRecorderCall{accepted, reason})
}

var testSecureKey = []byte("0123456789abcdef")

func newTestDataSecure(t *testing.T, groupKeys map[uint16][]byte) *secure.DataSecure {
	t.Helper()
	ds, err := secure.New(func() time.Time { return time.Unix(0, 0) }, groupKeys, nil, nil)
	if err != nil {
		t.Fatalf("secure.New: %v", err)
	}
	return ds
}

func TestSendTelegramConfirms(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, address.NewIndividual(0x1101), nopLogger{}, nil, nil, nil, nil)

	done := make(chan error, 1)
	go func() {
		done <- h.SendTelegram(context.Background(), telegram.New(address.NewGroup(1), telegram.Outgoing, apci.GroupValueWrite{Payload: apci.SmallPayload(1)}))
	}()

	// Give SendTelegram a moment to register the pending confirmation.
	time.Sleep(10 * time.Millisecond)
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(sender.sent))
	}
	h.HandleFrame(cemiframe.Frame{Code: cemiframe.LDataCon})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SendTelegram: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SendTelegram did not return after confirmation")
	}
}

func TestSendTelegramTimesOut(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, address.NewIndividual(0x1101), nopLogger{}, nil, nil, nil, nil)

	// Shrink the wait by cancelling via context instead of waiting out the
	// full 3s production timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := h.SendTelegram(ctx, telegram.New(address.NewGroup(1), telegram.Outgoing, apci.GroupValueWrite{Payload: apci.SmallPayload(1)}))
	if err == nil {
		t.Fatal("expected an error when no confirmation arrives")
	}
}

func TestSendTelegramRejectsConcurrentSend(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, address.NewIndividual(0x1101), nopLogger{}, nil, nil, nil, nil)

	go h.SendTelegram(context.Background(), telegram.New(address.NewGroup(1), telegram.Outgoing, apci.GroupValueWrite{Payload: apci.SmallPayload(1)}))
	time.Sleep(10 * time.Millisecond)

	err := h.SendTelegram(context.Background(), telegram.New(address.NewGroup(2), telegram.Outgoing, apci.GroupValueWrite{Payload: apci.SmallPayload(1)}))
	if err != ErrSendInProgress {
		t.Errorf("got %v, want ErrSendInProgress", err)
	}
	h.HandleFrame(cemiframe.Frame{Code: cemiframe.LDataCon})
}

func TestHandleFrameRoutesGroupIndicationToQueue(t *testing.T) {
	sender := &fakeSender{}
	var gotQueue, gotManagement telegram.Telegram
	queued, managed := false, false
	h := New(sender, address.NewIndividual(0x1101), nopLogger{},
		func(tg telegram.Telegram) { gotQueue = tg; queued = true },
		func(tg telegram.Telegram) { gotManagement = tg; managed = true },
		nil, nil,
	)

	frame := cemiframe.Frame{
		Code:      cemiframe.LDataInd,
		Flags:     cemiframe.DefaultFlags(true),
		Source:    address.NewIndividual(0x1102),
		DestGroup: address.NewGroup(1),
		TPCI:      tpci.DataGroup(),
		APDU:      apci.GroupValueWrite{Payload: apci.SmallPayload(1)},
	}
	h.HandleFrame(frame)

	if !queued || managed {
		t.Fatalf("group indication routed incorrectly: queued=%v managed=%v", queued, managed)
	}
	if gotQueue.Direction != telegram.Incoming {
		t.Errorf("expected Incoming direction")
	}
	_ = gotManagement
}

func TestHandleFrameRoutesConnectedIndicationToManagement(t *testing.T) {
	sender := &fakeSender{}
	managed := false
	h := New(sender, address.NewIndividual(0x1101), nopLogger{},
		func(telegram.Telegram) { t.Fatal("should not route to queue") },
		func(telegram.Telegram) { managed = true },
		nil, nil,
	)

	frame := cemiframe.Frame{
		Code:           cemiframe.LDataInd,
		Flags:          cemiframe.DefaultFlags(false),
		Source:         address.NewIndividual(0x1102),
		DestIndividual: address.NewIndividual(0x1101),
		TPCI:           tpci.DataConnected(3),
		APDU:           apci.MemoryRead{Count: 1, Address: 0x1000},
	}
	h.HandleFrame(frame)

	if !managed {
		t.Fatal("expected connection-oriented indication to route to management")
	}
}

func TestHandleFrameDropsUnexpectedRequest(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, address.NewIndividual(0x1101), nopLogger{}, nil, nil, nil, nil)
	// Must not panic with nil dispatch callbacks, since LDataReq is dropped
	// before either callback would be invoked.
	h.HandleFrame(cemiframe.Frame{Code: cemiframe.LDataReq, Source: address.NewIndividual(0x1103)})
}

func TestSendTelegramSealsWithConfiguredKey(t *testing.T) {
	sender := &fakeSender{}
	dest := address.NewGroup(1)
	ds := newTestDataSecure(t, map[uint16][]byte{dest.Raw(): testSecureKey})
	h := New(sender, address.NewIndividual(0x1101), nopLogger{}, nil, nil, ds, nil)

	go h.SendTelegram(context.Background(), telegram.New(dest, telegram.Outgoing, apci.GroupValueWrite{Payload: apci.SmallPayload(1)}))
	time.Sleep(10 * time.Millisecond)
	h.HandleFrame(cemiframe.Frame{Code: cemiframe.LDataCon})

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(sender.sent))
	}
	if _, ok := sender.sent[0].APDU.(apci.SecureAPDU); !ok {
		t.Fatalf("expected sealed SecureAPDU, got %T", sender.sent[0].APDU)
	}
}

func TestSendTelegramSkipsSealingWithoutKey(t *testing.T) {
	sender := &fakeSender{}
	ds := newTestDataSecure(t, map[uint16][]byte{})
	h := New(sender, address.NewIndividual(0x1101), nopLogger{}, nil, nil, ds, nil)

	go h.SendTelegram(context.Background(), telegram.New(address.NewGroup(9), telegram.Outgoing, apci.GroupValueWrite{Payload: apci.SmallPayload(1)}))
	time.Sleep(10 * time.Millisecond)
	h.HandleFrame(cemiframe.Frame{Code: cemiframe.LDataCon})

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(sender.sent))
	}
	if _, ok := sender.sent[0].APDU.(apci.GroupValueWrite); !ok {
		t.Fatalf("expected plain GroupValueWrite when no key is configured, got %T", sender.sent[0].APDU)
	}
}

// sealForTest mimics a peer's Data Secure transmit path, independently of
// the handler under test, to build a frame the handler should be able to
// open.
func sealForTest(t *testing.T, key []byte, source address.Individual, dest address.Group, seq uint64, plain apci.Service) apci.SecureAPDU {
	t.Helper()
	var addrFields [4]byte
	copy(addrFields[0:2], source.ToKNX())
	copy(addrFields[2:4], dest.ToKNX())
	scf := secure.SCF{Algorithm: secure.AlgorithmCCMEncryption, Service: secure.ServiceData}
	tpciAndAPCIHigh := tpci.DataGroup().ToKNX() | secureAPCIHigh
	asdu, err := secure.Seal(key, scf, plain.ToKNX(), seq, addrFields, byte(cemiframe.DefaultFlags(true)), tpciAndAPCIHigh)
	if err != nil {
		t.Fatalf("secure.Seal: %v", err)
	}
	return apci.SecureAPDU{SCF: scf.ToKNX(), SecuredData: asdu.ToKNX()}
}

func TestHandleFrameOpensSecureIndication(t *testing.T) {
	sender := &fakeSender{}
	dest := address.NewGroup(1)
	peer := address.NewIndividual(0x1102)
	ds := newTestDataSecure(t, map[uint16][]byte{dest.Raw(): testSecureKey})

	var gotQueue telegram.Telegram
	queued := false
	h := New(sender, address.NewIndividual(0x1101), nopLogger{},
		func(tg telegram.Telegram) { gotQueue = tg; queued = true },
		nil, ds, nil,
	)

	secureAPDU := sealForTest(t, testSecureKey, peer, dest, 1, apci.GroupValueWrite{Payload: apci.SmallPayload(1)})
	frame := cemiframe.Frame{
		Code: cemiframe.LDataInd, Flags: cemiframe.DefaultFlags(true),
		Source: peer, DestGroup: dest, TPCI: tpci.DataGroup(), APDU: secureAPDU,
	}
	h.HandleFrame(frame)

	if !queued {
		t.Fatal("expected opened secure indication to route to queue")
	}
	if gotQueue.DataSecure == nil || !*gotQueue.DataSecure {
		t.Error("expected telegram marked DataSecure=true")
	}
	gv, ok := gotQueue.Payload.(apci.GroupValueWrite)
	if !ok || gv.Payload.Bits != 1 {
		t.Errorf("got %+v, want recovered GroupValueWrite{Bits:1}", gotQueue.Payload)
	}
}

func TestHandleFrameRejectsReplayedSecureIndication(t *testing.T) {
	sender := &fakeSender{}
	dest := address.NewGroup(1)
	peer := address.NewIndividual(0x1102)
	ds := newTestDataSecure(t, map[uint16][]byte{dest.Raw(): testSecureKey})
	recorder := &fakeRecorder{}

	queuedCount := 0
	h := New(sender, address.NewIndividual(0x1101), nopLogger{},
		func(telegram.Telegram) { queuedCount++ },
		nil, ds, recorder,
	)

	secureAPDU := sealForTest(t, testSecureKey, peer, dest, 5, apci.GroupValueWrite{Payload: apci.SmallPayload(1)})
	frame := cemiframe.Frame{
		Code: cemiframe.LDataInd, Flags: cemiframe.DefaultFlags(true),
		Source: peer, DestGroup: dest, TPCI: tpci.DataGroup(), APDU: secureAPDU,
	}

	h.HandleFrame(frame)
	h.HandleFrame(frame)

	if queuedCount != 1 {
		t.Fatalf("expected exactly 1 accepted frame, got %d", queuedCount)
	}
	if len(recorder.calls) != 2 {
		t.Fatalf("expected 2 recorded outcomes, got %d", len(recorder.calls))
	}
	if !recorder.calls[0].accepted {
		t.Error("expected first delivery to be accepted")
	}
	if recorder.calls[1].accepted || recorder.calls[1].reason != "replay" {
		t.Errorf("expected replayed delivery rejected with reason=replay, got %+v", recorder.calls[1])
	}
}

func TestHandleFrameDropsSecureIndicationWithoutKeyring(t *testing.T) {
	sender := &fakeSender{}
	queued := false
	h := New(sender, address.NewIndividual(0x1101), nopLogger{},
		func(telegram.Telegram) { queued = true },
		nil, nil, nil,
	)

	frame := cemiframe.Frame{
		Code: cemiframe.LDataInd, Flags: cemiframe.DefaultFlags(true),
		Source: address.NewIndividual(0x1102), DestGroup: address.NewGroup(1),
		TPCI: tpci.DataGroup(), APDU: apci.SecureAPDU{SCF: 0, SecuredData: make([]byte, 10)},
	}
	h.HandleFrame(frame)

	if queued {
		t.Fatal("expected secure frame to be dropped without a keyring")
	}
}

func TestHandleFrameDropsSecureIndicationWithoutConfiguredKey(t *testing.T) {
	sender := &fakeSender{}
	dest := address.NewGroup(1)
	peer := address.NewIndividual(0x1102)
	ds := newTestDataSecure(t, map[uint16][]byte{}) // no key for dest
	recorder := &fakeRecorder{}

	queued := false
	h := New(sender, address.NewIndividual(0x1101), nopLogger{},
		func(telegram.Telegram) { queued = true },
		nil, ds, recorder,
	)

	secureAPDU := sealForTest(t, testSecureKey, peer, dest, 1, apci.GroupValueWrite{Payload: apci.SmallPayload(1)})
	frame := cemiframe.Frame{
		Code: cemiframe.LDataInd, Flags: cemiframe.DefaultFlags(true),
		Source: peer, DestGroup: dest, TPCI: tpci.DataGroup(), APDU: secureAPDU,
	}
	h.HandleFrame(frame)

	if queued {
		t.Fatal("expected secure frame with no configured key to be dropped")
	}
	if len(recorder.calls) != 1 || recorder.calls[0].accepted || recorder.calls[0].reason != "no_key" {
		t.Errorf("got %+v, want single rejected outcome reason=no_key", recorder.calls)
	}
}
