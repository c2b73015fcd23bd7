// Package transport connects the protocol core to a knxd daemon. Unlike a
// plain group-socket client, it carries full cEMI L_Data frames — including
// point-to-point (individually addressed) traffic the management layer
// needs — by opening knxd in its raw cEMI passthrough mode instead of
// EIB_OPEN_GROUPCON, and framing each frame as an opaque payload rather than
// decoding it into a group telegram at the transport boundary.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/knxcore/internal/knx/cemiframe"
)

// Default timeouts and intervals for knxd communication.
const (
	defaultConnectTimeout    = 10 * time.Second
	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultReconnectInterval = 5 * time.Second

	readBufferSize      = 512
	callbackQueueSize   = 100
	callbackWorkerCount = 4
)

// knxd message types.
const (
	// eibOpenCEMI opens a socket carrying raw cEMI frames rather than
	// decoded group telegrams — the mode knxd's cemi server plugin
	// exposes for tunnelling access that needs individual addressing
	// (point-to-point connections), which EIB_OPEN_GROUPCON cannot carry.
	eibOpenCEMI uint16 = 0x0031

	// eibCEMITransport both sends and receives a raw cEMI frame on a
	// socket opened with eibOpenCEMI.
	eibCEMITransport uint16 = 0x0038

	// knxdHeaderSize is the size of the knxd message header (size + type).
	knxdHeaderSize = 4
)

// Domain errors for the transport package.
var (
	ErrNotConnected     = errors.New("transport: not connected to knxd")
	ErrConnectionFailed = errors.New("transport: connection to knxd failed")
	ErrSendFailed       = errors.New("transport: frame send failed")
	ErrInvalidFrame     = errors.New("transport: invalid knxd message")
)

// Config holds knxd connection configuration.
type Config struct {
	// Connection is the knxd connection URL: "unix:///run/knxd" or
	// "tcp://localhost:6720".
	Connection string

	// ConnectTimeout is the maximum time to wait for the initial
	// connection. Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout is the timeout for individual read operations.
	// Default: 30 seconds.
	ReadTimeout time.Duration

	// ReconnectInterval is the delay between reconnection attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration
}

// Stats holds operational statistics.
type Stats struct {
	FramesTx     uint64
	FramesRx     uint64
	ErrorsTotal  uint64
	LastActivity time.Time
	Connected    bool
}

// Logger is the minimal structured-logging surface transport depends on.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Client is a knxd connection carrying raw cEMI frames. It satisfies
// cemi.FrameSender, so it can be passed directly as the Handler's sender.
type Client struct {
	cfg  Config
	conn net.Conn
	log  Logger

	connMu    sync.RWMutex
	connected bool

	onFrame    func(cemiframe.Frame)
	callbackMu sync.RWMutex

	callbackQueue chan cemiframe.Frame

	done chan struct{}
	wg   sync.WaitGroup

	framesTx     atomic.Uint64
	framesRx     atomic.Uint64
	errorsTotal  atomic.Uint64
	lastActivity atomic.Int64
}

// Connect dials knxd, opens the raw cEMI passthrough mode, and starts the
// receive loop and callback worker pool.
func Connect(ctx context.Context, cfg Config, log Logger) (*Client, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}

	network, addr, err := parseConnectionURL(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	connectCtx := ctx
	if connectCtx == nil {
		connectCtx = context.Background()
	}
	connectCtx, cancel := context.WithTimeout(connectCtx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial failed: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		cfg:           cfg,
		conn:          conn,
		log:           log,
		done:          make(chan struct{}),
		callbackQueue: make(chan cemiframe.Frame, callbackQueueSize),
	}
	c.lastActivity.Store(time.Now().Unix())

	if err := c.openCEMI(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake failed: %w", ErrConnectionFailed, err)
	}

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	for range callbackWorkerCount {
		c.wg.Add(1)
		go c.callbackWorker()
	}

	c.wg.Add(1)
	go c.receiveLoop()

	return c, nil
}

func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "unix":
		return "unix", u.Path, nil
	case "tcp":
		host := u.Host
		if host == "" {
			host = "localhost:6720"
		}
		return "tcp", host, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use unix or tcp)", u.Scheme)
	}
}

func (c *Client) openCEMI() error {
	msg := encodeMessage(eibOpenCEMI, nil)

	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := c.conn.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	resp := make([]byte, readBufferSize)
	n, err := c.conn.Read(resp)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	msgType, _, err := parseMessage(resp[:n])
	if err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if msgType != eibOpenCEMI {
		return fmt.Errorf("unexpected response type: 0x%04X", msgType)
	}
	return nil
}

// SetOnFrame registers the callback invoked for every received cEMI frame.
// Panics inside the callback are recovered and logged.
func (c *Client) SetOnFrame(callback func(cemiframe.Frame)) {
	c.callbackMu.Lock()
	c.onFrame = callback
	c.callbackMu.Unlock()
}

// SendFrame encodes and transmits a cEMI frame to knxd. It satisfies
// cemi.FrameSender.
func (c *Client) SendFrame(frame cemiframe.Frame) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	raw, err := frame.ToKNX()
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrSendFailed, err)
	}
	msg := encodeMessage(eibCEMITransport, raw)

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrSendFailed, err)
	}
	if _, err := conn.Write(msg); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: write: %w", ErrSendFailed, err)
	}

	c.framesTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	return nil
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		msgType, payload, err := c.readMessage(buf)
		if err != nil {
			if c.handleReadError(err) {
				return
			}
			continue
		}

		if msgType == eibCEMITransport && len(payload) > 0 {
			c.handleFramePayload(payload)
		}
	}
}

func (c *Client) readMessage(buf []byte) (uint16, []byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		c.log.Error("set read deadline failed", "error", err)
		return 0, nil, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := io.ReadFull(c.conn, buf[:2]); err != nil {
		return 0, nil, fmt.Errorf("read size: %w", err)
	}

	msgSize := binary.BigEndian.Uint16(buf[:2])
	// The size field counts the type and payload, not itself.
	if msgSize < knxdHeaderSize-2 || 2+int(msgSize) > len(buf) {
		c.errorsTotal.Add(1)
		return 0, nil, fmt.Errorf("invalid message size: %d (expected %d-%d)", msgSize, knxdHeaderSize-2, len(buf)-2)
	}

	remaining := int(msgSize)
	if _, err := io.ReadFull(c.conn, buf[2:2+remaining]); err != nil {
		return 0, nil, fmt.Errorf("read message: %w", err)
	}

	msgType, payload, err := parseMessage(buf[:2+remaining])
	if err != nil {
		c.log.Error("parse message failed", "error", err)
		c.errorsTotal.Add(1)
		return 0, nil, nil
	}
	return msgType, payload, nil
}

func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}
	if c.isClosed() {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	c.log.Error("read failed", "error", err)
	c.errorsTotal.Add(1)
	c.handleDisconnect()
	return true
}

func (c *Client) handleFramePayload(payload []byte) {
	frame, err := cemiframe.FromKNX(payload)
	if err != nil {
		c.log.Error("parse cemi frame failed", "error", err)
		c.errorsTotal.Add(1)
		return
	}

	c.framesRx.Add(1)
	c.lastActivity.Store(time.Now().Unix())

	c.callbackMu.RLock()
	hasCallback := c.onFrame != nil
	c.callbackMu.RUnlock()
	if !hasCallback {
		return
	}

	select {
	case c.callbackQueue <- frame:
	default:
		c.log.Warn("callback queue full, dropping frame")
		c.errorsTotal.Add(1)
	}
}

func (c *Client) callbackWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.callbackQueue:
			c.callbackMu.RLock()
			callback := c.onFrame
			c.callbackMu.RUnlock()
			if callback == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.log.Error("frame callback panic", "recovered", r)
					}
				}()
				callback(frame)
			}()
		}
	}
}

func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	c.log.Warn("connection lost")
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close stops the receive loop and callback workers and closes the
// underlying connection. It is safe to call more than once.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
	c.wg.Wait()

	c.log.Info("connection closed")
	return nil
}

// IsConnected reports whether the client is currently connected to knxd.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *Client) Stats() Stats {
	return Stats{
		FramesTx:     c.framesTx.Load(),
		FramesRx:     c.framesRx.Load(),
		ErrorsTotal:  c.errorsTotal.Load(),
		LastActivity: time.Unix(c.lastActivity.Load(), 0),
		Connected:    c.IsConnected(),
	}
}

// encodeMessage wraps a payload in the knxd message format: size(2) +
// type(2) + payload, where size covers type+payload but not itself.
func encodeMessage(msgType uint16, payload []byte) []byte {
	total := knxdHeaderSize + len(payload)
	buf := make([]byte, total)
	sizeField := 2 + len(payload)
	binary.BigEndian.PutUint16(buf[0:2], uint16(sizeField)) //nolint:gosec // bounded by small message sizes
	binary.BigEndian.PutUint16(buf[2:4], msgType)
	if len(payload) > 0 {
		copy(buf[4:], payload)
	}
	return buf
}

func parseMessage(data []byte) (msgType uint16, payload []byte, err error) {
	if len(data) < knxdHeaderSize {
		return 0, nil, fmt.Errorf("%w: message too short (%d bytes)", ErrInvalidFrame, len(data))
	}
	declaredSize := binary.BigEndian.Uint16(data[0:2])
	expectedSize := len(data) - 2
	if int(declaredSize) != expectedSize {
		return 0, nil, fmt.Errorf("%w: size mismatch (declared %d, expected %d)", ErrInvalidFrame, declaredSize, expectedSize)
	}
	msgType = binary.BigEndian.Uint16(data[2:4])
	if len(data) > knxdHeaderSize {
		payload = data[knxdHeaderSize:]
	}
	return msgType, payload, nil
}
