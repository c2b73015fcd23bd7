package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/knxcore/internal/knx/address"
	"github.com/nerrad567/knxcore/internal/knx/apci"
	"github.com/nerrad567/knxcore/internal/knx/cemiframe"
	"github.com/nerrad567/knxcore/internal/knx/tpci"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func TestParseConnectionURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{name: "unix socket", url: "unix:///run/knxd", wantNetwork: "unix", wantAddress: "/run/knxd"},
		{name: "tcp with host and port", url: "tcp://localhost:6720", wantNetwork: "tcp", wantAddress: "localhost:6720"},
		{name: "tcp without host defaults", url: "tcp://", wantNetwork: "tcp", wantAddress: "localhost:6720"},
		{name: "unsupported scheme", url: "http://localhost:6720", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network, addr, err := parseConnectionURL(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if network != tt.wantNetwork || addr != tt.wantAddress {
				t.Errorf("got (%q, %q), want (%q, %q)", network, addr, tt.wantNetwork, tt.wantAddress)
			}
		})
	}
}

// mockKNXDServer simulates a knxd daemon speaking the cEMI passthrough
// protocol, for exercising Connect/SendFrame/receive without a real daemon.
type mockKNXDServer struct {
	listener net.Listener
	mu       sync.Mutex
	conn     net.Conn
	done     chan struct{}
}

func newMockKNXDServer(t *testing.T) *mockKNXDServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &mockKNXDServer{listener: ln, done: make(chan struct{})}
	go s.acceptLoop()
	return s
}

func (s *mockKNXDServer) acceptLoop() {
	conn, err := s.listener.Accept()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	buf := make([]byte, 512)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
		if n < 4 {
			continue
		}
		msgType, _, _ := parseMessage(buf[:n])
		if msgType == eibOpenCEMI {
			conn.Write(encodeMessage(eibOpenCEMI, nil))
		}
	}
}

func (s *mockKNXDServer) Address() string { return s.listener.Addr().String() }

func (s *mockKNXDServer) Close() {
	close(s.done)
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.listener.Close()
}

func (s *mockKNXDServer) sendFrame(t *testing.T, frame cemiframe.Frame) {
	t.Helper()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		t.Fatal("no connection to send on")
	}
	raw, err := frame.ToKNX()
	if err != nil {
		t.Fatalf("ToKNX: %v", err)
	}
	conn.Write(encodeMessage(eibCEMITransport, raw))
}

func testFrame(t *testing.T) cemiframe.Frame {
	t.Helper()
	return cemiframe.Frame{
		Code:      cemiframe.LDataInd,
		Flags:     cemiframe.DefaultFlags(true),
		Source:    address.NewIndividual(0x1101),
		DestGroup: address.NewGroup(1),
		TPCI:      tpci.DataGroup(),
		APDU:      apci.GroupValueWrite{Payload: apci.SmallPayload(1)},
	}
}

func TestConnectAndSendFrame(t *testing.T) {
	server := newMockKNXDServer(t)
	defer server.Close()
	time.Sleep(20 * time.Millisecond)

	cfg := Config{
		Connection:     "tcp://" + server.Address(),
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    time.Second,
	}
	client, err := Connect(context.Background(), cfg, nopLogger{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Fatal("expected IsConnected() true after Connect")
	}

	frame := testFrame(t)
	if err := client.SendFrame(frame); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	stats := client.Stats()
	if stats.FramesTx != 1 {
		t.Errorf("FramesTx = %d, want 1", stats.FramesTx)
	}
}

func TestSendFrameNotConnected(t *testing.T) {
	client := &Client{done: make(chan struct{})}
	if err := client.SendFrame(testFrame(t)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendFrame() = %v, want ErrNotConnected", err)
	}
}
