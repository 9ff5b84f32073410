package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"wisefido-tenant-integrity/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// publisher paho 客户端中用到的部分
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink 把报告发布到 <topic>/<kind>
type MQTTSink struct {
	client publisher
	topic  string
	qos    byte
	logger *zap.Logger
}

// NewMQTTSink 连接 broker
func NewMQTTSink(cfg *config.MQTTConfig, logger *zap.Logger) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return newMQTTSink(client, cfg.Topic, cfg.QoS, logger), nil
}

func newMQTTSink(client publisher, topic string, qos byte, logger *zap.Logger) *MQTTSink {
	return &MQTTSink{
		client: client,
		topic:  strings.TrimSuffix(topic, "/"),
		qos:    qos,
		logger: logger,
	}
}

// Publish 等待 broker 确认或 ctx 结束
func (s *MQTTSink) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	topic := s.topic + "/" + env.Kind

	token := s.client.Publish(topic, s.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to topic %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	s.logger.Debug("Published report to MQTT", zap.String("topic", topic))
	return nil
}

// Close 断开连接
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
