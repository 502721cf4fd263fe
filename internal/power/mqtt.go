package power

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/paperoo/spool/internal/config"
)

const (
	connectTimeout    = 5 * time.Second
	operationTimeout  = 5 * time.Second
	disconnectQuiesce = 250
)

// MQTTClient adapts a paho client to PubSub. The connection is made lazily
// and re-made on the next call after a failure, so a broker that is down at
// startup only fails individual deliveries.
type MQTTClient struct {
	opts *mqtt.ClientOptions
	log  *slog.Logger

	mu     sync.Mutex
	client mqtt.Client
	subs   map[string]mqtt.MessageHandler
}

func NewMQTTClient(cfg config.PowerConfig, log *slog.Logger) *MQTTClient {
	m := &MQTTClient{
		log:  log,
		subs: make(map[string]mqtt.MessageHandler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID("paperoo-" + uuid.NewString()).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	m.opts = opts
	return m
}

// onConnect restores subscriptions after an automatic reconnect.
func (m *MQTTClient) onConnect(c mqtt.Client) {
	m.mu.Lock()
	subs := make(map[string]mqtt.MessageHandler, len(m.subs))
	for topic, h := range m.subs {
		subs[topic] = h
	}
	m.mu.Unlock()

	for topic, h := range subs {
		if tok := c.Subscribe(topic, 1, h); tok.WaitTimeout(operationTimeout) && tok.Error() != nil {
			m.log.Warn("mqtt resubscribe failed", "topic", topic, "error", tok.Error())
		}
	}
	m.log.Info("connected to mqtt broker")
}

func (m *MQTTClient) connect(ctx context.Context) (mqtt.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil && m.client.IsConnectionOpen() {
		return m.client, nil
	}
	if m.client == nil {
		m.client = mqtt.NewClient(m.opts)
	}

	tok := m.client.Connect()
	if err := wait(ctx, tok); err != nil {
		m.client.Disconnect(0)
		m.client = nil
		return nil, &PowerError{Kind: KindBrokerUnavailable, Err: fmt.Errorf("connect: %w", err)}
	}
	return m.client, nil
}

func (m *MQTTClient) Publish(ctx context.Context, topic string, payload []byte) error {
	c, err := m.connect(ctx)
	if err != nil {
		return err
	}
	if err := wait(ctx, c.Publish(topic, 1, false, payload)); err != nil {
		return &PowerError{Kind: KindBrokerUnavailable, Err: fmt.Errorf("publish %s: %w", topic, err)}
	}
	return nil
}

func (m *MQTTClient) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error {
	c, err := m.connect(ctx)
	if err != nil {
		return err
	}

	h := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	}
	if err := wait(ctx, c.Subscribe(topic, 1, h)); err != nil {
		return &PowerError{Kind: KindBrokerUnavailable, Err: fmt.Errorf("subscribe %s: %w", topic, err)}
	}

	m.mu.Lock()
	m.subs[topic] = h
	m.mu.Unlock()
	return nil
}

func (m *MQTTClient) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil && m.client.IsConnected()
}

func (m *MQTTClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Disconnect(disconnectQuiesce)
		m.client = nil
	}
	return nil
}

// wait blocks on a paho token, bounded by ctx and operationTimeout.
func wait(ctx context.Context, tok mqtt.Token) error {
	timer := time.NewTimer(operationTimeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errors.New("timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
