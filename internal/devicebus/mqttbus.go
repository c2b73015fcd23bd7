package devicebus

import (
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/knxcore/internal/config"
	"github.com/nerrad567/knxcore/internal/knx/address"
	"github.com/nerrad567/knxcore/internal/knx/apci"
)

// topicPrefix is the base topic for every message this bus publishes or
// subscribes to.
const topicPrefix = "knxcore"

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second
)

// Logger is the minimal structured-logging surface the MQTT bus depends on.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// stateMessage is the JSON payload published to the state topic: a
// hex-encoded raw APCI payload, not a decoded DPT value — decoding is the
// external system's job.
type stateMessage struct {
	Small bool   `json:"small"`
	Bits  byte   `json:"bits,omitempty"`
	Data  string `json:"data,omitempty"` // hex, set iff !Small
}

// healthMessage is the JSON payload published to the health topic.
type healthMessage struct {
	Connected bool   `json:"connected"`
	Timestamp string `json:"timestamp"`
}

// commandMessage is the JSON payload accepted on the command topic.
type commandMessage struct {
	Small bool   `json:"small"`
	Bits  byte   `json:"bits,omitempty"`
	Data  string `json:"data,omitempty"`
}

// MQTTBus is a paho.mqtt.golang-backed Bus implementation.
type MQTTBus struct {
	client pahomqtt.Client
	log    Logger

	mu      sync.RWMutex
	handler func(ga address.Group, payload apci.Service) error
}

// Connect dials the MQTT broker and subscribes to the command wildcard.
func Connect(cfg config.DeviceBusConfig, log Logger) (*MQTTBus, error) {
	opts := pahomqtt.NewClientOptions()

	broker := cfg.Broker
	if u, err := url.Parse(broker); err == nil && u.Scheme != "" {
		opts.AddBroker(broker)
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s", broker))
	}
	opts.SetClientID(cfg.ClientID)
	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})

	willTopic := topicPrefix + "/health"
	opts.SetWill(willTopic, `{"connected":false}`, byte(cfg.QoS), true)

	b := &MQTTBus{log: log}
	opts.SetDefaultPublishHandler(func(pahomqtt.Client, pahomqtt.Message) {})

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("devicebus: connect timeout after %v", defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("devicebus: connect: %w", err)
	}

	subToken := b.client.Subscribe(topicPrefix+"/command/+", byte(cfg.QoS), b.onCommand)
	subToken.Wait()
	if err := subToken.Error(); err != nil {
		return nil, fmt.Errorf("devicebus: subscribe: %w", err)
	}

	return b, nil
}

func (b *MQTTBus) onCommand(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("devicebus: command handler panic", "recovered", r)
		}
	}()

	ga, err := groupFromCommandTopic(msg.Topic())
	if err != nil {
		b.log.Warn("devicebus: malformed command topic", "topic", msg.Topic(), "error", err)
		return
	}

	var cmd commandMessage
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		b.log.Warn("devicebus: malformed command payload", "topic", msg.Topic(), "error", err)
		return
	}
	payload, err := cmd.toPayload()
	if err != nil {
		b.log.Warn("devicebus: invalid command payload", "topic", msg.Topic(), "error", err)
		return
	}

	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler == nil {
		return
	}
	if err := handler(ga, apci.GroupValueWrite{Payload: payload}); err != nil {
		b.log.Warn("devicebus: command handler error", "topic", msg.Topic(), "error", err)
	}
}

func (c commandMessage) toPayload() (apci.Payload, error) {
	if c.Small {
		return apci.SmallPayload(c.Bits), nil
	}
	data, err := hex.DecodeString(c.Data)
	if err != nil {
		return apci.Payload{}, fmt.Errorf("decoding hex data: %w", err)
	}
	return apci.DataPayload(data), nil
}

// OnCommand registers the handler invoked for every accepted command.
func (b *MQTTBus) OnCommand(handler func(ga address.Group, payload apci.Service) error) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

// PublishState reports a group address's observed value.
func (b *MQTTBus) PublishState(ga address.Group, payload apci.Service) error {
	msg, err := stateMessageFor(payload)
	if err != nil {
		return fmt.Errorf("devicebus: encoding state: %w", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("devicebus: marshalling state: %w", err)
	}

	topic := fmt.Sprintf("%s/state/%s", topicPrefix, ga.String())
	token := b.client.Publish(topic, 1, true, body)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("devicebus: publish timeout for %s", topic)
	}
	return token.Error()
}

func stateMessageFor(svc apci.Service) (stateMessage, error) {
	write, ok := svc.(apci.GroupValueWrite)
	if !ok {
		return stateMessage{}, fmt.Errorf("devicebus: cannot publish state for %T", svc)
	}
	if write.Payload.Small {
		return stateMessage{Small: true, Bits: write.Payload.Bits}, nil
	}
	return stateMessage{Data: hex.EncodeToString(write.Payload.Data)}, nil
}

// PublishHealth reports the interface's connection health.
func (b *MQTTBus) PublishHealth(connected bool) error {
	msg := healthMessage{Connected: connected, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("devicebus: marshalling health: %w", err)
	}
	topic := topicPrefix + "/health"
	token := b.client.Publish(topic, 1, true, body)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("devicebus: publish timeout for %s", topic)
	}
	return token.Error()
}

// Close disconnects from the MQTT broker.
func (b *MQTTBus) Close() error {
	b.client.Disconnect(uint(defaultPublishTimeout.Milliseconds()))
	return nil
}

func groupFromCommandTopic(topic string) (address.Group, error) {
	const prefix = topicPrefix + "/command/"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return address.Group{}, fmt.Errorf("topic %q missing command prefix", topic)
	}
	return address.ParseGroup(topic[len(prefix):])
}

var _ Bus = (*MQTTBus)(nil)
