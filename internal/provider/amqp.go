package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
)

// AMQPQueue carries delivery receipts over a durable RabbitMQ queue. The
// vendor side publishes with Deliver and the service side drains with
// Consume.
type AMQPQueue struct {
	conn  *amqp.Connection
	queue string

	mu sync.Mutex // amqp.Channel is not safe for concurrent publishing
	ch *amqp.Channel
}

func DialAMQP(url, queue string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", queue, err)
	}
	return &AMQPQueue{conn: conn, ch: ch, queue: queue}, nil
}

func (q *AMQPQueue) Deliver(_ context.Context, r Receipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.Publish("", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Consume hands every receipt on the queue to handle until ctx is done or
// the broker closes the delivery channel. Receipts are acked whatever the
// handler returns: a receipt that cannot be correlated is dropped, not
// retried. Malformed payloads are rejected without requeue.
func (q *AMQPQueue) Consume(ctx context.Context, handle func(context.Context, Receipt) error, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	q.mu.Lock()
	msgs, err := q.ch.Consume(
		q.queue,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			r, err := decodeReceipt(d.Body)
			if err != nil {
				log.Warn("invalid receipt payload", "err", err)
				_ = d.Reject(false)
				continue
			}
			if err := handle(ctx, r); err != nil {
				log.Warn("receipt not processed", "vendor_message_id", r.MessageID, "err", err)
			}
			_ = d.Ack(false)
		}
	}
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	chErr := q.ch.Close()
	if err := q.conn.Close(); err != nil {
		return err
	}
	return chErr
}

func decodeReceipt(body []byte) (Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(body, &r); err != nil {
		return Receipt{}, fmt.Errorf("decode receipt: %w", err)
	}
	if r.MessageID == "" || r.Status == "" {
		return Receipt{}, errors.New("receipt missing messageId or status")
	}
	return r, nil
}
