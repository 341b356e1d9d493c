package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/quillhq/ledgerguard/internal/types"
)

// Notifier is the external notification sink. Delivery is best effort; a
// failed notification never feeds back into monitor state.
type Notifier interface {
	Notify(ctx context.Context, n types.Notification) error
	Close() error
}

// AMQPNotifier publishes notifications to a topic exchange.
type AMQPNotifier struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *logrus.Logger
}

func NewAMQPNotifier(url, exchange string, logger *logrus.Logger) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	n := &AMQPNotifier{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   logger,
	}

	go n.handleConnectionErrors()

	return n, nil
}

func (n *AMQPNotifier) handleConnectionErrors() {
	notifyClose := make(chan *amqp.Error)
	n.conn.NotifyClose(notifyClose)

	for err := range notifyClose {
		if err != nil {
			n.logger.Errorf("RabbitMQ connection error: %v", err)
		}
	}
}

func (n *AMQPNotifier) Notify(ctx context.Context, notification types.Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	routingKey := fmt.Sprintf("alert.%s", notification.Severity)

	err = n.channel.PublishWithContext(ctx,
		n.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			MessageId:    fmt.Sprintf("alert-%d", time.Now().UnixNano()),
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	n.logger.WithFields(logrus.Fields{
		"title":       notification.Title,
		"severity":    notification.Severity,
		"routing_key": routingKey,
	}).Debug("Notification published")

	return nil
}

func (n *AMQPNotifier) Close() error {
	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

// NoOpNotifier drops notifications; used when no sink is configured.
type NoOpNotifier struct{}

func (NoOpNotifier) Notify(ctx context.Context, n types.Notification) error { return nil }

func (NoOpNotifier) Close() error { return nil }
