package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/asesor/internal/config"
)

// publisher is the part of the connection manager MQTT uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// MQTT publishes appointment events to a broker so home dashboards or
// CRM bridges can react to new bookings.
type MQTT struct {
	cfg    config.MQTTNotifyConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
	pub    publisher
}

// NewMQTT creates the notifier. Call Start before Notify.
func NewMQTT(cfg config.MQTTNotifyConfig, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{cfg: cfg, logger: logger.With("component", "mqtt")}
}

// Name implements Notifier.
func (m *MQTT) Name() string { return "mqtt" }

// Start connects to the broker. autopaho keeps reconnecting in the
// background, so a slow first connection is only logged.
func (m *MQTT) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	statusTopic := m.topic("status")
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   statusTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   statusTopic,
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				m.logger.Warn("mqtt status publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.cfg.ClientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm
	m.pub = cm

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Ping waits for the broker connection to be up.
func (m *MQTT) Ping(ctx context.Context) error {
	if m.cm == nil {
		return fmt.Errorf("mqtt notifier not started")
	}
	return m.cm.AwaitConnection(ctx)
}

// Stop marks the service offline and disconnects.
func (m *MQTT) Stop(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	if _, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.topic("status"),
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Debug("mqtt offline publish failed", "error", err)
	}
	return m.cm.Disconnect(ctx)
}

// Notify publishes the appointment as JSON to <topic>/appointments.
func (m *MQTT) Notify(ctx context.Context, a Appointment) error {
	if m.pub == nil {
		return fmt.Errorf("mqtt notifier not started")
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal appointment: %w", err)
	}
	if _, err := m.pub.Publish(ctx, &paho.Publish{
		Topic:   m.topic("appointments"),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (m *MQTT) topic(suffix string) string {
	return m.cfg.Topic + "/" + suffix
}
