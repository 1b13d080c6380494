package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"plugboard/config"
	"plugboard/monitor"
	"plugboard/types"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	commandTimeout    = 15 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// Switcher and Refresher are the two commands a broker message can carry.
type Switcher interface {
	Toggle(ctx context.Context, address types.Address, on bool) error
}

type Refresher interface {
	StartRefresh(ctx context.Context) error
}

// Bridge mirrors the device registry onto an MQTT broker and accepts
// switch and refresh commands back from it. State topics are retained so
// late subscribers see the last known world immediately.
type Bridge struct {
	client    pahomqtt.Client
	topics    topicSet
	switcher  Switcher
	refresher Refresher
	logger    *zap.Logger
}

// Connect dials the broker and wires the command subscriptions. The last
// will flips the status topic to offline if the connection dies without a
// clean shutdown; subscriptions are re-established on every reconnect
// because the session is not persistent.
func Connect(cfg config.MQTT, switcher Switcher, refresher Refresher, logger *zap.Logger) (*Bridge, error) {
	var bridge = &Bridge{
		topics:    topicSet{prefix: cfg.TopicPrefix},
		switcher:  switcher,
		refresher: refresher,
		logger:    logger.With(zap.String("component", "mqtt")),
	}

	var options = pahomqtt.NewClientOptions()
	options.AddBroker(cfg.Broker)
	options.SetClientID(cfg.ClientId)
	if cfg.Username != "" {
		options.SetUsername(cfg.Username)
		options.SetPassword(cfg.Password)
	}
	options.SetCleanSession(true)
	options.SetAutoReconnect(true)
	options.SetConnectTimeout(connectTimeout)
	options.SetKeepAlive(30 * time.Second)
	options.SetWill(bridge.topics.status(), "offline", 1, true)
	options.SetOnConnectHandler(bridge.onConnect)
	options.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		bridge.logger.Warn("lost connection to broker", zap.Error(err))
	})

	bridge.client = pahomqtt.NewClient(options)
	var token = bridge.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connecting to mqtt broker %s: timed out after %s", cfg.Broker, connectTimeout)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("connecting to mqtt broker %s: %w", cfg.Broker, token.Error())
	}
	return bridge, nil
}

func (b *Bridge) onConnect(client pahomqtt.Client) {
	// Device commands can take seconds of plug I/O, so they leave paho's
	// delivery goroutine immediately.
	client.Subscribe(b.topics.setFilter(), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		go b.handleSet(msg.Topic(), msg.Payload())
	})
	client.Subscribe(b.topics.refresh(), 1, func(_ pahomqtt.Client, _ pahomqtt.Message) {
		go b.handleRefresh()
	})
	client.Publish(b.topics.status(), 1, true, "online")
	b.logger.Info("connected to broker", zap.String("statusTopic", b.topics.status()))
}

// DeviceChanged republishes the device's state on its retained topic. The
// publish is acknowledged in the background so the reconciliation pass is
// never held up by a slow broker.
func (b *Bridge) DeviceChanged(event types.ChangeEvent) {
	payload, err := json.Marshal(renderState(event))
	if err != nil {
		return
	}
	var topic = b.topics.deviceState(event.Device.Address)
	var token = b.client.Publish(topic, 1, true, payload)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			b.logger.Warn("state publish failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}()
}

// Close publishes a clean offline status before disconnecting, so consumers
// can tell a shutdown from a crash (which leaves the last will instead).
func (b *Bridge) Close() {
	if b.client.IsConnected() {
		var token = b.client.Publish(b.topics.status(), 1, true, "offline")
		token.WaitTimeout(publishTimeout)
	}
	b.client.Disconnect(disconnectQuiesce)
}

func (b *Bridge) handleSet(topic string, payload []byte) {
	address, err := b.topics.addressFromSetTopic(topic)
	if err != nil {
		b.logger.Warn("ignoring switch command on a malformed topic", zap.String("topic", topic), zap.Error(err))
		return
	}
	on, err := parseSwitchPayload(payload)
	if err != nil {
		b.logger.Warn("ignoring switch command", zap.String("topic", topic), zap.Error(err))
		return
	}

	var ctx, cancel = context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := b.switcher.Toggle(ctx, address, on); err != nil {
		if errors.Is(err, monitor.ErrUnknownAddress) {
			b.logger.Debug("dropping broker command for unknown device", zap.Stringer("address", address))
			return
		}
		b.logger.Warn("broker switch command failed", zap.Stringer("address", address), zap.Error(err))
	}
}

func (b *Bridge) handleRefresh() {
	var err = b.refresher.StartRefresh(context.Background())
	if err != nil && !errors.Is(err, monitor.ErrPassInFlight) {
		b.logger.Warn("broker refresh request failed", zap.Error(err))
	}
}

// topicSet builds and parses the bridge's topics under one prefix.
type topicSet struct {
	prefix string
}

func (t topicSet) status() string {
	return t.prefix + "/status"
}

func (t topicSet) refresh() string {
	return t.prefix + "/refresh"
}

func (t topicSet) deviceState(address types.Address) string {
	return fmt.Sprintf("%s/device/%s/state", t.prefix, address)
}

func (t topicSet) setFilter() string {
	return t.prefix + "/device/+/set"
}

func (t topicSet) addressFromSetTopic(topic string) (types.Address, error) {
	var rest, found = strings.CutPrefix(topic, t.prefix+"/device/")
	if !found {
		return types.Address{}, fmt.Errorf("topic %q is outside %s/device/", topic, t.prefix)
	}
	rest, found = strings.CutSuffix(rest, "/set")
	if !found {
		return types.Address{}, fmt.Errorf("topic %q is not a set command", topic)
	}
	return types.ParseAddress(rest)
}

func parseSwitchPayload(payload []byte) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognised switch payload %q", payload)
	}
}

type statePayload struct {
	Event      string   `json:"event"`
	Address    string   `json:"address"`
	Name       string   `json:"name"`
	Model      string   `json:"model"`
	Driver     string   `json:"driver"`
	On         bool     `json:"on"`
	Reachable  bool     `json:"reachable"`
	PowerWatts *float64 `json:"power_watts,omitempty"`
	LastSeen   string   `json:"last_seen,omitempty"`
}

func renderState(event types.ChangeEvent) statePayload {
	var device = event.Device
	var payload = statePayload{
		Event:     string(event.Kind),
		Address:   device.Address.String(),
		Name:      device.DisplayName,
		Model:     device.Model,
		Driver:    string(device.Driver),
		On:        device.IsOn,
		Reachable: device.IsReachable,
	}
	if watts, ok := device.PowerReading(); ok {
		payload.PowerWatts = &watts
	}
	if !device.LastSeen.IsZero() {
		payload.LastSeen = device.LastSeen.UTC().Format(time.RFC3339)
	}
	return payload
}
