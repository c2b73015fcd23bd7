package management

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/knxcore/internal/knx/address"
	"github.com/nerrad567/knxcore/internal/knx/apci"
	"github.com/nerrad567/knxcore/internal/knx/telegram"
	"github.com/nerrad567/knxcore/internal/knx/tpci"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// loopbackSender records sent telegrams and, when autoAck is set, replies
// with an immediate ack/response so Connection round-trips can be driven
// without a real transport.
type loopbackSender struct {
	mu      sync.Mutex
	sent    []telegram.Telegram
	conn    *Connection
	autoAck bool
}

func (s *loopbackSender) SendTelegram(ctx context.Context, tg telegram.Telegram) error {
	s.mu.Lock()
	s.sent = append(s.sent, tg)
	conn := s.conn
	auto := s.autoAck
	s.mu.Unlock()

	if !auto || conn == nil {
		return nil
	}
	switch tg.TPCI.Kind {
	case tpci.KindConnect, tpci.KindDisconnect:
		// no reply needed for the test
	case tpci.KindDataConnected:
		go conn.process(telegram.New(conn.peer, telegram.Incoming, nil).
			WithSource(conn.peer).WithTPCI(tpci.Ack(tg.TPCI.SequenceNumber)))
	}
	return nil
}

func TestConnectionSendDataAcked(t *testing.T) {
	sender := &loopbackSender{autoAck: true}
	conn := newConnection(sender, address.NewIndividual(0x1101), address.NewIndividual(0x1102), nopLogger{})
	sender.conn = conn
	conn.connected = true

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.sendData(ctx, apci.MemoryWrite{Count: 1, Address: 0x10, Data: []byte{0x01}}); err != nil {
		t.Fatalf("sendData: %v", err)
	}
}

func TestConnectionSendDataTimesOutWithoutAck(t *testing.T) {
	sender := &loopbackSender{}
	conn := newConnection(sender, address.NewIndividual(0x1101), address.NewIndividual(0x1102), nopLogger{})
	conn.connected = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := conn.sendData(ctx, apci.MemoryWrite{Count: 1, Address: 0x10, Data: []byte{0x01}})
	if err == nil {
		t.Fatal("expected an error when no ack arrives")
	}
}

func TestManagerRefusesUnsolicitedConnect(t *testing.T) {
	sender := &loopbackSender{}
	m := New(sender, address.NewIndividual(0x1101), nopLogger{})
	m.Start()
	defer m.Stop()

	m.Deliver(telegram.New(address.NewIndividual(0x1101), telegram.Incoming, nil).
		WithSource(address.NewIndividual(0x1103)).WithTPCI(tpci.Connect()))

	time.Sleep(20 * time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0].TPCI.Kind != tpci.KindDisconnect {
		t.Fatalf("expected a single disconnect reply, got %+v", sender.sent)
	}
}

func TestManagerRoutesNumberedDataToOpenConnection(t *testing.T) {
	sender := &loopbackSender{}
	m := New(sender, address.NewIndividual(0x1101), nopLogger{})
	m.Start()
	defer m.Stop()

	peer := address.NewIndividual(0x1102)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := m.Connect(ctx, peer)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	m.Deliver(telegram.New(address.NewIndividual(0x1101), telegram.Incoming, apci.MemoryResponse{Count: 1, Address: 0x10, Data: []byte{0x42}}).
		WithSource(peer).WithTPCI(tpci.DataConnected(0)))

	received, err := conn.receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, ok := received.Payload.(apci.MemoryResponse); !ok {
		t.Errorf("got payload %T, want MemoryResponse", received.Payload)
	}

	// An ack must have been sent back for the numbered telegram.
	sender.mu.Lock()
	defer sender.mu.Unlock()
	found := false
	for _, tg := range sender.sent {
		if tg.TPCI.Kind == tpci.KindAck {
			found = true
		}
	}
	if !found {
		t.Error("expected manager to ack the numbered telegram")
	}
}

func TestConnectRejectsDuplicateConnection(t *testing.T) {
	sender := &loopbackSender{}
	m := New(sender, address.NewIndividual(0x1101), nopLogger{})
	peer := address.NewIndividual(0x1102)
	ctx := context.Background()

	if _, err := m.Connect(ctx, peer); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := m.Connect(ctx, peer); !errors.Is(err, ErrConnectionExists) {
		t.Errorf("got %v, want ErrConnectionExists", err)
	}
}
