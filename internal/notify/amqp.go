package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const defaultQueue = "waitlist.notifications"

// AMQPGatewayConfig configures publishing notifications to a RabbitMQ queue
// for an external mailer to consume.
type AMQPGatewayConfig struct {
	URL         string
	Queue       string
	FromAddress string
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Envelope is the JSON message published for each notification.
type Envelope struct {
	To      string    `json:"to"`
	From    string    `json:"from,omitempty"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPGateway publishes each notification as a persistent message.
type AMQPGateway struct {
	mu          sync.Mutex
	connection  *amqp.Connection
	channel     publisher
	queue       string
	fromAddress string
	logger      *zap.Logger
	clock       func() time.Time
}

// DialAMQPGateway connects to the broker and declares the durable queue.
func DialAMQPGateway(cfg AMQPGatewayConfig) (*AMQPGateway, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("notify: amqp url is required")
	}
	queue := queueName(cfg.Queue)

	connection, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return nil, err
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = connection.Close()
		return nil, err
	}
	gateway := newAMQPGateway(channel, cfg)
	gateway.connection = connection
	return gateway, nil
}

func newAMQPGateway(channel publisher, cfg AMQPGatewayConfig) *AMQPGateway {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &AMQPGateway{
		channel:     channel,
		queue:       queueName(cfg.Queue),
		fromAddress: cfg.FromAddress,
		logger:      logger,
		clock:       clock,
	}
}

func queueName(queue string) string {
	if trimmed := strings.TrimSpace(queue); trimmed != "" {
		return trimmed
	}
	return defaultQueue
}

// Send publishes the notification envelope to the queue.
func (g *AMQPGateway) Send(ctx context.Context, to, subject, body string) error {
	payload, err := json.Marshal(Envelope{
		To:      to,
		From:    g.fromAddress,
		Subject: subject,
		Body:    body,
		SentAt:  g.clock().UTC(),
	})
	if err != nil {
		return deliveryError(DriverAMQP, to, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.channel == nil {
		return deliveryError(DriverAMQP, to, errors.New("channel closed"))
	}
	err = g.channel.PublishWithContext(ctx, "", g.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    g.clock().UTC(),
		Body:         payload,
	})
	if err != nil {
		g.logger.Warn("amqp publish failed", zap.String("queue", g.queue), zap.Error(err))
		return deliveryError(DriverAMQP, to, err)
	}
	return nil
}

// Close releases the channel and the connection.
func (g *AMQPGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var errs []error
	if g.channel != nil {
		errs = append(errs, g.channel.Close())
		g.channel = nil
	}
	if g.connection != nil {
		errs = append(errs, g.connection.Close())
		g.connection = nil
	}
	return errors.Join(errs...)
}
