package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/ergometer-live/backend/internal/config"
	"github.com/ergometer-live/backend/internal/model"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttKeepAlive      = 30 * time.Second
	mqttMaxReconnect   = time.Minute
	mqttDisconnectWait = 250 // milliseconds
)

// mqttClient is the subset of pahomqtt.Client the sink uses.
type mqttClient interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes envelopes to <prefix>/<type>.
type MQTTSink struct {
	client mqttClient
	prefix string
	qos    byte
	log    zerolog.Logger
}

// NewMQTTSink connects to the configured broker. The broker does not have
// to be reachable yet; paho keeps retrying in the background and publishes
// fail with ErrNotConnected until it is.
func NewMQTTSink(cfg config.MQTTConfig, log zerolog.Logger) *MQTTSink {
	log = log.With().Str("sink", "mqtt").Str("broker", cfg.Broker).Logger()

	client := pahomqtt.NewClient(buildClientOptions(cfg, log))
	token := client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.Error().Err(err).Msg("mqtt connect failed")
		}
	}()

	return newMQTTSink(client, cfg, log)
}

func newMQTTSink(client mqttClient, cfg config.MQTTConfig, log zerolog.Logger) *MQTTSink {
	return &MQTTSink{
		client: client,
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:    byte(cfg.QoS),
		log:    log,
	}
}

func buildClientOptions(cfg config.MQTTConfig, log zerolog.Logger) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(mqttMaxReconnect)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(mqttKeepAlive)

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		log.Info().Msg("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})
	return opts
}

// Topic returns the topic an envelope of msgType is published to.
func (s *MQTTSink) Topic(msgType string) string {
	return s.prefix + "/" + msgType
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Publish implements Sink.
func (s *MQTTSink) Publish(env model.Envelope) error {
	if !s.client.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", env.Type, err)
	}

	topic := s.Topic(env.Type)
	token := s.client.Publish(topic, s.qos, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("%w: %s: timeout", ErrPublishFailed, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublishFailed, topic, err)
	}
	return nil
}

// Close implements Sink.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(mqttDisconnectWait)
	return nil
}
