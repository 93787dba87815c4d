package notification

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mikeyg42/camwatch/internal/recorderlog"
	"github.com/mikeyg42/camwatch/internal/upload"
)

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ClientID       string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

type pahoPublisher struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

// DialMQTT connects to the broker. The client reconnects on its own after
// the first successful connection.
func DialMQTT(cfg MQTTConfig) (Publisher, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("mqtt host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions().AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("timed out connecting to mqtt broker %s:%d", cfg.Host, cfg.Port)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	return &pahoPublisher{client: client, qos: cfg.QoS, timeout: cfg.PublishTimeout}, nil
}

func (p *pahoPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	return token.Error()
}

func (p *pahoPublisher) Close() {
	p.client.Disconnect(250)
}

// Notifier publishes a BatchEvent for every finished upload. It implements
// upload.Observer.
type Notifier struct {
	publisher Publisher
	topic     string
	logger    recorderlog.Logger
}

// NewNotifier returns a notifier publishing to topic.
func NewNotifier(publisher Publisher, topic string, logger recorderlog.Logger) *Notifier {
	if topic == "" {
		topic = "camwatch/events"
	}
	if logger == nil {
		logger = recorderlog.L()
	}
	return &Notifier{publisher: publisher, topic: topic, logger: logger.Named("notifier")}
}

// BatchUploaded publishes the batch outcome. Failures are logged only.
func (n *Notifier) BatchUploaded(report upload.Report) {
	payload, err := NewBatchEvent(report).Encode()
	if err != nil {
		n.logger.Error("Failed to encode batch event", recorderlog.String("batch_id", report.BatchID), recorderlog.Error(err))
		return
	}
	if err := n.publisher.Publish(n.topic, payload); err != nil {
		n.logger.Warn("Failed to publish batch event",
			recorderlog.String("batch_id", report.BatchID),
			recorderlog.String("topic", n.topic),
			recorderlog.Error(err))
		return
	}
	n.logger.Debug("Batch event published", recorderlog.String("batch_id", report.BatchID))
}

// Close disconnects from the broker.
func (n *Notifier) Close() {
	n.publisher.Close()
}
