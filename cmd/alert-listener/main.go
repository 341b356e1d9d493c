package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/quillhq/ledgerguard/internal/types"
)

// AlertListener consumes published security alerts for local inspection.
type AlertListener struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *logrus.Logger
}

func NewAlertListener(rabbitURL string, logger *logrus.Logger) (*AlertListener, error) {
	conn, err := amqp.Dial(rabbitURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &AlertListener{
		conn:    conn,
		channel: channel,
		logger:  logger,
	}, nil
}

func (al *AlertListener) Start(ctx context.Context, exchange string) error {
	err := al.channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := al.channel.QueueDeclare(
		"alert_listener_queue",
		false, // durable
		true,  // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = al.channel.QueueBind(
		queue.Name,
		"alert.*", // all severities
		exchange,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := al.channel.Consume(
		queue.Name,
		"",    // consumer
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	al.logger.WithFields(logrus.Fields{
		"exchange": exchange,
		"queue":    queue.Name,
		"route":    "alert.*",
	}).Info("Alert listener started")

	go func() {
		for {
			select {
			case msg := <-msgs:
				al.handleMessage(msg)
			case <-ctx.Done():
				al.logger.Info("Context cancelled, stopping message consumption")
				return
			}
		}
	}()

	return nil
}

func (al *AlertListener) handleMessage(msg amqp.Delivery) {
	var notification types.Notification
	if err := json.Unmarshal(msg.Body, &notification); err != nil {
		al.logger.WithFields(logrus.Fields{
			"error": err.Error(),
			"body":  string(msg.Body),
		}).Error("Failed to parse notification payload")
		return
	}

	al.logger.WithFields(logrus.Fields{
		"routing_key": msg.RoutingKey,
		"title":       notification.Title,
		"severity":    notification.Severity,
		"received_at": time.Now().Format("2006-01-02 15:04:05.000"),
	}).Info("ALERT RECEIVED")

	fmt.Printf("[%s] %s: %s\n", notification.Severity, notification.Title, notification.Body)
}

func (al *AlertListener) Close() error {
	if al.channel != nil {
		al.channel.Close()
	}
	if al.conn != nil {
		al.conn.Close()
	}
	return nil
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
	})
	logger.SetLevel(logrus.InfoLevel)

	rabbitURL := os.Getenv("RABBITMQ_URL")
	if rabbitURL == "" {
		logger.Fatal("RABBITMQ_URL is not set")
	}
	exchange := os.Getenv("ALERT_EXCHANGE")
	if exchange == "" {
		exchange = "ledger.alerts"
	}

	listener, err := NewAlertListener(rabbitURL, logger)
	if err != nil {
		logger.Fatalf("Failed to create alert listener: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := listener.Start(ctx, exchange); err != nil {
		logger.Fatalf("Failed to start alert listener: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Received shutdown signal, stopping alert listener...")
	cancel()

	time.Sleep(time.Second)
	logger.Info("Alert listener stopped")
}
