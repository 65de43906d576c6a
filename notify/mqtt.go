package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultTopicPrefix は通知を publish するトピックの既定の接頭辞
const DefaultTopicPrefix = "sproutling"

// MQTTOptions は MQTT Sink の接続設定
type MQTTOptions struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retained    bool
	// PublishTimeout は1件の publish を待つ上限
	PublishTimeout time.Duration
}

// MQTTSink は通知を JSON にして MQTT ブローカーへ publish する
type MQTTSink struct {
	client  mqtt.Client
	opts    MQTTOptions
	topic   string
	timeout time.Duration
}

// NewMQTTSink はブローカーへ接続した MQTTSink を返す。
// 接続は自動再接続付きで、初回接続の完了まで connectTimeout だけ待つ。
func NewMQTTSink(opts MQTTOptions, connectTimeout time.Duration) (*MQTTSink, error) {
	if opts.BrokerURL == "" {
		return nil, errors.New("broker URL is required")
	}
	if opts.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}

	l := slog.Default().With(slog.String("component", "mqtt-sink"))

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ClientID)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectTimeout(connectTimeout)
	clientOpts.SetMaxReconnectInterval(15 * time.Second)
	clientOpts.SetKeepAlive(30 * time.Second)
	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		l.Info("MQTT ブローカーに接続しました", "broker", opts.BrokerURL)
	})
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		l.Warn("MQTT ブローカーとの接続が切れました", "broker", opts.BrokerURL, "err", err)
	})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect to %s: timed out after %v", opts.BrokerURL, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.BrokerURL, err)
	}

	return &MQTTSink{
		client:  client,
		opts:    opts,
		topic:   NotificationTopic(opts.TopicPrefix),
		timeout: opts.PublishTimeout,
	}, nil
}

// NotificationTopic は通知を publish するトピック名を返す
func NotificationTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/notifications"
}

// Topic は publish 先のトピック
func (s *MQTTSink) Topic() string { return s.topic }

func (s *MQTTSink) Name() string { return "mqtt" }

// Deliver は通知を publish し、ブローカーの受理を待つ
func (s *MQTTSink) Deliver(n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to serialize notification: %w", err)
	}

	token := s.client.Publish(s.topic, s.opts.QoS, s.opts.Retained, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("publish to %s: timed out after %v", s.topic, s.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", s.topic, err)
	}
	return nil
}

// Close はブローカーから切断する
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
