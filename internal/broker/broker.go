// Package broker wraps the paho MQTT client with the conventions the bridge
// relies on: retained QoS 2 publishes by default, a pattern-keyed handler
// table with fan-out dispatch, and resubscription after reconnect.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultQoS          = 2
	connectRetryDelay   = 3 * time.Second
	connectAttemptLimit = 10
	publishTimeout      = 10 * time.Second
)

// Handler processes one incoming message. Handlers run on the paho router
// goroutine; long work must be handed off.
type Handler func(topic string, payload []byte)

// Will configures the broker-side last-will message.
type Will struct {
	Topic    string
	Payload  string
	QoS      byte
	Retained bool
}

// Config for the broker connection.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
	Will     *Will
}

func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("broker host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("broker port %d out of range", c.Port)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client id is required")
	}
	return nil
}

// Client is the broker surface the other components depend on. *Broker
// implements it; tests substitute fakes.
type Client interface {
	// Publish sends retained at QoS 2, the bridge default.
	Publish(topic string, payload any) error

	// PublishWith sends with explicit QoS and retain flag.
	PublishWith(topic string, payload any, qos byte, retained bool) error

	// AddHandler registers a handler for a subscription pattern.
	AddHandler(pattern string, h Handler) error

	// RemoveHandlers drops all handlers for a pattern.
	RemoveHandlers(pattern string) error
}

// Broker is the shared MQTT access point for all components.
type Broker struct {
	log    *slog.Logger
	cfg    Config
	client mqtt.Client

	mu       sync.Mutex
	handlers map[string][]Handler
}

func New(log *slog.Logger, cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Broker{
		log:      log,
		cfg:      cfg,
		handlers: make(map[string][]Handler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetDefaultPublishHandler(b.route).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("MQTT connection lost", "error", err)
		})
	if cfg.Will != nil {
		opts.SetWill(cfg.Will.Topic, cfg.Will.Payload, cfg.Will.QoS, cfg.Will.Retained)
	}
	b.client = mqtt.NewClient(opts)
	return b, nil
}

// Connect dials the broker, retrying with a fixed delay until the context is
// cancelled or the attempt limit is reached.
func (b *Broker) Connect(ctx context.Context) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(connectRetryDelay), connectAttemptLimit),
		ctx,
	)
	return backoff.Retry(func() error {
		tok := b.client.Connect()
		tok.Wait()
		if err := tok.Error(); err != nil {
			b.log.Warn("MQTT connect failed, retrying", "host", b.cfg.Host, "port", b.cfg.Port, "error", err)
			return err
		}
		return nil
	}, policy)
}

// onConnect restores every registered subscription. Runs on initial connect
// and after every reconnect.
func (b *Broker) onConnect(_ mqtt.Client) {
	b.log.Info("MQTT connected", "host", b.cfg.Host, "port", b.cfg.Port)
	b.mu.Lock()
	patterns := make([]string, 0, len(b.handlers))
	for p := range b.handlers {
		patterns = append(patterns, p)
	}
	b.mu.Unlock()
	for _, p := range patterns {
		if tok := b.client.Subscribe(p, defaultQoS, nil); tok.Wait() && tok.Error() != nil {
			b.log.Error("Resubscribe failed", "pattern", p, "error", tok.Error())
		}
	}
}

// route fans an incoming message out to every handler whose pattern matches
// the topic.
func (b *Broker) route(_ mqtt.Client, msg mqtt.Message) {
	b.mu.Lock()
	var matched []Handler
	for pattern, hs := range b.handlers {
		if TopicMatches(pattern, msg.Topic()) {
			matched = append(matched, hs...)
		}
	}
	b.mu.Unlock()
	if len(matched) == 0 {
		b.log.Debug("No handler for message", "topic", msg.Topic())
		return
	}
	for _, h := range matched {
		h(msg.Topic(), msg.Payload())
	}
}

// AddHandler registers a handler for a subscription pattern and subscribes.
// Multiple handlers may share a pattern; each matching handler is invoked.
func (b *Broker) AddHandler(pattern string, h Handler) error {
	b.mu.Lock()
	fresh := len(b.handlers[pattern]) == 0
	b.handlers[pattern] = append(b.handlers[pattern], h)
	b.mu.Unlock()
	if !fresh || !b.client.IsConnected() {
		return nil
	}
	tok := b.client.Subscribe(pattern, defaultQoS, nil)
	tok.Wait()
	return tok.Error()
}

// RemoveHandlers drops all handlers for a pattern and unsubscribes.
func (b *Broker) RemoveHandlers(pattern string) error {
	b.mu.Lock()
	_, ok := b.handlers[pattern]
	delete(b.handlers, pattern)
	b.mu.Unlock()
	if !ok || !b.client.IsConnected() {
		return nil
	}
	tok := b.client.Unsubscribe(pattern)
	tok.Wait()
	return tok.Error()
}

// Publish sends retained at QoS 2, the bridge default.
func (b *Broker) Publish(topic string, payload any) error {
	return b.PublishWith(topic, payload, defaultQoS, true)
}

// PublishWith sends with explicit QoS and retain flag. Non-bytes payloads are
// JSON-encoded.
func (b *Broker) PublishWith(topic string, payload any, qos byte, retained bool) error {
	body, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", topic, err)
	}
	tok := b.client.Publish(topic, qos, retained, body)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return tok.Error()
}

// Disconnect flushes in-flight work and closes the connection.
func (b *Broker) Disconnect() {
	b.client.Disconnect(uint(time.Second.Milliseconds()))
	b.log.Info("MQTT disconnected")
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

// TopicMatches reports whether a topic matches an MQTT subscription pattern
// with + and # wildcards.
func TopicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, seg := range pp {
		if seg == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
