package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/roddomr/familyhub-sub000/internal/core"
)

const (
	routingKeyOccurrence = "scheduler.occurrence"
	routingKeySummary    = "scheduler.pass_summary"
)

// Client publishes scheduler audit events to a RabbitMQ exchange. All
// publishes are fire-and-forget from the engine's point of view: failures
// are returned to the caller for logging but never retried inline.
type Client struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	queueName    string
}

func NewClient(url, exchangeName, queueName string) (*Client, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	client := &Client{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		queueName:    queueName,
	}

	if err := client.setup(); err != nil {
		client.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}

	return client, nil
}

func (c *Client) setup() error {
	// Declare exchange
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	// Declare queue
	_, err = c.channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// Bind all scheduler events to the audit queue
	err = c.channel.QueueBind(
		c.queueName,    // queue name
		"scheduler.#",  // routing key
		c.exchangeName, // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	return nil
}

// PublishOccurrence publishes an audit event for one attempted occurrence.
func (c *Client) PublishOccurrence(ctx context.Context, rec core.ExecutionRecord) error {
	msg := &OccurrenceEventMessage{
		RuleID:        rec.RuleID,
		RecordID:      rec.ID,
		ScheduledDate: rec.ScheduledDate.String(),
		Status:        string(rec.Status),
		TransactionID: rec.TransactionID,
		Error:         rec.ErrorMessage,
		Timestamp:     time.Now(),
	}
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal occurrence event: %w", err)
	}

	if err := c.publish(ctx, routingKeyOccurrence, body); err != nil {
		return err
	}

	slog.DebugContext(ctx, "Published occurrence event",
		"rule_id", rec.RuleID,
		"record_id", rec.ID,
		"status", rec.Status)

	return nil
}

// PublishPassSummary publishes the outcome of one scheduler pass.
func (c *Client) PublishPassSummary(ctx context.Context, asOf core.Date, processed, failed int, errMessages []string) error {
	msg := &PassSummaryMessage{
		AsOf:      asOf.String(),
		Processed: processed,
		Failed:    failed,
		Errors:    errMessages,
		Timestamp: time.Now(),
	}
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal pass summary: %w", err)
	}

	if err := c.publish(ctx, routingKeySummary, body); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Published pass summary",
		"as_of", asOf.String(),
		"processed", processed,
		"failed", failed)

	return nil
}

func (c *Client) publish(ctx context.Context, routingKey string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		routingKey,     // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent, // make message persistent
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
