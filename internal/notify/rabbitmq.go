package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/inaiurai/creditcore/internal/models"
)

// RabbitConfig holds the RabbitMQ publisher settings.
type RabbitConfig struct {
	URL               string
	Exchange          string
	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	PublishRetries    int
	PublishRetryDelay time.Duration
}

// amqpPublisher is the part of *amqp.Channel the notifier uses.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitNotifier publishes JobEvents to a durable topic exchange with
// routing key "job.<state>".
type RabbitNotifier struct {
	cfg     RabbitConfig
	conn    *amqp.Connection
	channel amqpPublisher
	log     *slog.Logger
}

// DialRabbit connects with retry and declares the exchange.
func DialRabbit(cfg RabbitConfig, log *slog.Logger) (*RabbitNotifier, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "creditcore.jobs"
	}

	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := 1; attempt <= cfg.RetryAttempts; attempt++ {
		conn, err = amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: cfg.Heartbeat, Locale: "en_US"})
		if err == nil {
			break
		}
		log.Warn("connect to RabbitMQ failed", slog.Int("attempt", attempt), slog.Any("error", err))
		if attempt < cfg.RetryAttempts {
			time.Sleep(cfg.RetryInterval)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ after %d attempts: %w", cfg.RetryAttempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	log.Info("RabbitMQ notifier ready", slog.String("exchange", cfg.Exchange))
	return &RabbitNotifier{cfg: cfg, conn: conn, channel: ch, log: log}, nil
}

func (n *RabbitNotifier) JobFinished(ctx context.Context, job *models.Job) error {
	ev := NewJobEvent(job)
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.OccurredAt,
		MessageId:    ev.JobID.String(),
	}

	retries := n.cfg.PublishRetries
	delay := n.cfg.PublishRetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		lastErr = n.channel.PublishWithContext(ctx, n.cfg.Exchange, ev.RoutingKey(), false, false, msg)
		if lastErr == nil {
			return nil
		}
		if attempt < retries {
			backoff := delay << attempt
			n.log.Warn("publish to RabbitMQ failed, retrying",
				slog.Int("attempt", attempt+1), slog.Duration("retry_after", backoff), slog.Any("error", lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("publish job event after %d attempts: %w", retries+1, lastErr)
}

func (n *RabbitNotifier) Close() error {
	if c, ok := n.channel.(*amqp.Channel); ok {
		if err := c.Close(); err != nil {
			n.log.Error("close RabbitMQ channel", slog.Any("error", err))
		}
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
