//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"clock-onair/internal/bus"
	"clock-onair/internal/devices"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge mirrors studio events onto MQTT so supervision tooling and
// building automation can follow the studio without a websocket.
//
// Topic layout under the prefix:
//
//	nowplaying  retained, latest track snapshot
//	ntp         retained, latest successful sync
//	devices     retained, signal-light inventory
//	top, ordres, chat, config  fire-and-forget relays
type Bridge struct {
	client   pahomqtt.Client
	registry *devices.Registry
	events   *bus.Bus
	prefix   string
	logger   *slog.Logger
	unsub    func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(events *bus.Bus, registry *devices.Registry, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		registry: registry,
		events:   events,
		prefix:   cfg.TopicPrefix,
		logger:   logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("clock-onair").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishDevices()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to studio events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event bus.Event) {
	topic, retained, ok := routeEvent(event.Type)
	if !ok {
		return
	}
	if topic == "devices" {
		b.publishDevices()
		return
	}
	b.publish(b.prefix+"/"+topic, mustJSON(event.Data), retained)
}

// routeEvent maps a studio event type to its topic suffix and
// retention policy.
func routeEvent(eventType string) (topic string, retained, ok bool) {
	switch eventType {
	case bus.EventNowPlaying:
		return "nowplaying", true, true
	case bus.EventNTPStatus:
		return "ntp", true, true
	case bus.EventTop:
		return "top", false, true
	case bus.EventOrdres:
		return "ordres", false, true
	case bus.EventChat:
		return "chat", false, true
	case bus.EventConfig:
		return "config", false, true
	case bus.EventDeviceConnected, bus.EventDeviceDisconnected:
		return "devices", true, true
	default:
		return "", false, false
	}
}

func (b *Bridge) publishDevices() {
	if b.registry == nil {
		return
	}
	b.publish(b.prefix+"/devices", mustJSON(b.registry.List()), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
