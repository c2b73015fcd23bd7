// Package management implements point-to-point connection-oriented
// procedures (KNX Standard 3.5.2): establishing a T_Connect session with a
// device, exchanging sequence-numbered T_Data_Connected telegrams with
// ACK/retry, and tearing the session down again.
package management

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/knxcore/internal/knx/address"
	"github.com/nerrad567/knxcore/internal/knx/apci"
	"github.com/nerrad567/knxcore/internal/knx/telegram"
	"github.com/nerrad567/knxcore/internal/knx/tpci"
)

// AckTimeout bounds how long a Connection waits for a T_Ack before
// resending; ConnectionTimeout bounds how long request() waits for the
// peer's response telegram.
const (
	AckTimeout        = 3 * time.Second
	ConnectionTimeout = 6 * time.Second
)

var (
	// ErrConnectionExists is returned by Connect when a session to the
	// address is already open.
	ErrConnectionExists = errors.New("management: connection already exists")
	// ErrConnectionRefused is returned when the peer disconnects, or never
	// connects, a session.
	ErrConnectionRefused = errors.New("management: connection refused by peer")
	// ErrConnectionTimeout is returned when no ACK or response arrives in
	// time.
	ErrConnectionTimeout = errors.New("management: timeout")
	// ErrUnexpectedTelegram is returned when a NAK, a sequence-number
	// mismatch, or an unexpected payload type is received.
	ErrUnexpectedTelegram = errors.New("management: unexpected telegram")
)

// Sender transmits a telegram and waits for its cEMI confirmation — the
// same contract the cemi Handler exposes.
type Sender interface {
	SendTelegram(ctx context.Context, tg telegram.Telegram) error
}

// Logger is the minimal structured-logging surface management depends on.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Manager routes incoming point-to-point telegrams to the matching
// Connection, acknowledges numbered data on the peer's behalf, and refuses
// connection attempts no caller has opened.
type Manager struct {
	sender Sender
	source address.Individual
	log    Logger

	incoming chan telegram.Telegram
	done     chan struct{}
	wg       sync.WaitGroup

	mu          sync.Mutex
	connections map[uint16]*Connection
}

// New constructs a Manager. Call Start before feeding it telegrams via
// Deliver, and Stop to drain and shut down the consumer goroutine.
func New(sender Sender, source address.Individual, log Logger) *Manager {
	return &Manager{
		sender:      sender,
		source:      source,
		log:         log,
		incoming:    make(chan telegram.Telegram, 32),
		done:        make(chan struct{}),
		connections: make(map[uint16]*Connection),
	}
}

// Start launches the telegram consumer goroutine.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop signals the consumer goroutine to exit and waits for it to do so.
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
}

// Deliver enqueues an incoming point-to-point telegram for processing. It
// is the callback the cemi Handler dispatches connection-oriented
// indications to.
func (m *Manager) Deliver(tg telegram.Telegram) {
	select {
	case m.incoming <- tg:
	case <-m.done:
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case tg := <-m.incoming:
			m.process(tg)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) process(tg telegram.Telegram) {
	if tg.TPCI.AckRequest() {
		m.sendAck(tg)
	}

	m.mu.Lock()
	conn, hasConn := m.connections[tg.Source.Raw()]
	m.mu.Unlock()
	if hasConn {
		conn.process(tg)
		return
	}

	if tg.TPCI.Numbered {
		m.log.Warn("no active point-to-point connection for received telegram", "source", tg.Source)
		return
	}
	if tg.TPCI.Kind == tpci.KindConnect {
		disconnect := telegram.New(tg.Source, telegram.Outgoing, nil).WithSource(m.source).WithTPCI(tpci.Disconnect())
		ctx, cancel := context.WithTimeout(context.Background(), AckTimeout)
		defer cancel()
		if err := m.sender.SendTelegram(ctx, disconnect); err != nil {
			m.log.Warn("refusing incoming connection: sending disconnect failed", "source", tg.Source, "error", err)
		}
		return
	}
	m.log.Warn("unhandled management telegram", "telegram", tg.String())
}

func (m *Manager) sendAck(tg telegram.Telegram) {
	ack := telegram.New(tg.Source, telegram.Outgoing, nil).WithSource(m.source).WithTPCI(tpci.Ack(tg.TPCI.SequenceNumber))
	ctx, cancel := context.WithTimeout(context.Background(), AckTimeout)
	defer cancel()
	if err := m.sender.SendTelegram(ctx, ack); err != nil {
		m.log.Warn("sending ack failed", "source", tg.Source, "error", err)
	}
}

// Connect opens a point-to-point session to peer.
func (m *Manager) Connect(ctx context.Context, peer address.Individual) (*Connection, error) {
	m.mu.Lock()
	if _, exists := m.connections[peer.Raw()]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConnectionExists, peer)
	}
	conn := newConnection(m.sender, m.source, peer, m.log)
	m.connections[peer.Raw()] = conn
	m.mu.Unlock()

	if err := conn.open(ctx); err != nil {
		m.mu.Lock()
		delete(m.connections, peer.Raw())
		m.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// Disconnect closes a previously opened session.
func (m *Manager) Disconnect(ctx context.Context, conn *Connection) error {
	m.mu.Lock()
	if _, exists := m.connections[conn.peer.Raw()]; !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: no open connection to %s", ErrConnectionRefused, conn.peer)
	}
	delete(m.connections, conn.peer.Raw())
	m.mu.Unlock()
	return conn.close(ctx)
}

// WithConnection opens a session to peer, runs fn, and always closes the
// session afterwards — mirroring a connection-scoped context manager.
func (m *Manager) WithConnection(ctx context.Context, peer address.Individual, fn func(*Connection) error) error {
	conn, err := m.Connect(ctx, peer)
	if err != nil {
		return err
	}
	fnErr := fn(conn)
	if err := m.Disconnect(ctx, conn); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

// Connection is one open point-to-point session with a KNX device.
type Connection struct {
	sender Sender
	source address.Individual
	peer   address.Individual
	log    Logger

	mu          sync.Mutex
	connected   bool
	txSequence  int
	expectedSeq int
	ackWaiter   chan tpci.TPCI
	responses   chan telegram.Telegram
}

func newConnection(sender Sender, source, peer address.Individual, log Logger) *Connection {
	return &Connection{
		sender:    sender,
		source:    source,
		peer:      peer,
		log:       log,
		responses: make(chan telegram.Telegram, 1),
	}
}

// Peer returns the connection's remote individual address.
func (c *Connection) Peer() address.Individual { return c.peer }

func (c *Connection) open(ctx context.Context) error {
	connect := telegram.New(c.peer, telegram.Outgoing, nil).WithSource(c.source).WithTPCI(tpci.Connect())
	if err := c.sender.SendTelegram(ctx, connect); err != nil {
		return fmt.Errorf("management: connecting to %s: %w", c.peer, err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Connection) close(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return fmt.Errorf("%w", ErrConnectionRefused)
	}
	c.connected = false
	waiter := c.ackWaiter
	c.ackWaiter = nil
	c.mu.Unlock()
	if waiter != nil {
		close(waiter)
	}

	disconnect := telegram.New(c.peer, telegram.Outgoing, nil).WithSource(c.source).WithTPCI(tpci.Disconnect())
	if err := c.sender.SendTelegram(ctx, disconnect); err != nil {
		return fmt.Errorf("management: disconnecting from %s: %w", c.peer, err)
	}
	return nil
}

// process handles one incoming telegram addressed to this connection:
// T_Disconnect tears the session down, T_Ack/T_Nak complete a pending
// send, and numbered data telegrams complete a pending receive.
func (c *Connection) process(tg telegram.Telegram) {
	switch tg.TPCI.Kind {
	case tpci.KindDisconnect:
		c.log.Info("peer disconnected management session", "peer", c.peer)
		c.mu.Lock()
		c.connected = false
		waiter := c.ackWaiter
		c.ackWaiter = nil
		c.mu.Unlock()
		if waiter != nil {
			close(waiter)
		}
	case tpci.KindAck, tpci.KindNak:
		c.mu.Lock()
		waiter := c.ackWaiter
		c.mu.Unlock()
		if waiter == nil {
			c.log.Warn("received unexpected ack/nak", "peer", c.peer)
			return
		}
		waiter <- tg.TPCI
	default:
		c.mu.Lock()
		if tg.TPCI.SequenceNumber != c.expectedSeq {
			c.mu.Unlock()
			c.log.Warn("received unexpected sequence number", "peer", c.peer, "got", tg.TPCI.SequenceNumber, "want", c.expectedSeq)
			return
		}
		c.expectedSeq = (c.expectedSeq + 1) & 0xF
		c.mu.Unlock()
		select {
		case c.responses <- tg:
		default:
			c.log.Warn("received point-to-point telegram with no pending receiver", "peer", c.peer)
		}
	}
}

// sendData transmits payload as a sequence-numbered T_Data_Connected
// telegram and waits for the peer's T_Ack, retrying once after AckTimeout.
func (c *Connection) sendData(ctx context.Context, payload apci.Service) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return fmt.Errorf("%w", ErrConnectionRefused)
	}
	seq := c.txSequence
	c.txSequence = (c.txSequence + 1) & 0xF
	waiter := make(chan tpci.TPCI, 1)
	c.ackWaiter = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ackWaiter = nil
		c.mu.Unlock()
	}()

	tg := telegram.New(c.peer, telegram.Outgoing, payload).WithSource(c.source).WithTPCI(tpci.DataConnected(seq))
	if err := c.sender.SendTelegram(ctx, tg); err != nil {
		return fmt.Errorf("management: sending to %s: %w", c.peer, err)
	}

	ack, err := waitAck(ctx, waiter, AckTimeout)
	if errors.Is(err, ErrConnectionTimeout) {
		c.log.Debug("timeout waiting for ack, resending", "peer", c.peer)
		if err := c.sender.SendTelegram(ctx, tg); err != nil {
			return fmt.Errorf("management: resending to %s: %w", c.peer, err)
		}
		ack, err = waitAck(ctx, waiter, AckTimeout)
		if errors.Is(err, ErrConnectionTimeout) {
			return fmt.Errorf("%w: no ack for repeated telegram to %s", ErrConnectionTimeout, c.peer)
		}
	}
	if err != nil {
		return err
	}

	if ack.Kind == tpci.KindNak {
		return fmt.Errorf("%w: peer %s sent nak", ErrUnexpectedTelegram, c.peer)
	}
	if ack.SequenceNumber != seq {
		return fmt.Errorf("%w: ack sequence %d does not match request sequence %d", ErrUnexpectedTelegram, ack.SequenceNumber, seq)
	}
	return nil
}

func waitAck(ctx context.Context, waiter chan tpci.TPCI, timeout time.Duration) (tpci.TPCI, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ack, ok := <-waiter:
		if !ok {
			return tpci.TPCI{}, fmt.Errorf("%w", ErrConnectionRefused)
		}
		return ack, nil
	case <-timer.C:
		return tpci.TPCI{}, ErrConnectionTimeout
	case <-ctx.Done():
		return tpci.TPCI{}, ctx.Err()
	}
}

// receive waits for the peer's next point-to-point telegram.
func (c *Connection) receive(ctx context.Context) (telegram.Telegram, error) {
	timer := time.NewTimer(ConnectionTimeout)
	defer timer.Stop()
	select {
	case tg := <-c.responses:
		return tg, nil
	case <-timer.C:
		return telegram.Telegram{}, ErrConnectionTimeout
	case <-ctx.Done():
		return telegram.Telegram{}, ctx.Err()
	}
}

// Request sends payload and waits for the peer's response, validating its
// payload type with expected if non-nil.
func (c *Connection) Request(ctx context.Context, payload apci.Service, expected func(apci.Service) bool) (telegram.Telegram, error) {
	if err := c.sendData(ctx, payload); err != nil {
		return telegram.Telegram{}, err
	}
	tg, err := c.receive(ctx)
	if err != nil {
		return telegram.Telegram{}, err
	}
	if expected != nil && !expected(tg.Payload) {
		return telegram.Telegram{}, fmt.Errorf("%w: received %T", ErrUnexpectedTelegram, tg.Payload)
	}
	return tg, nil
}
