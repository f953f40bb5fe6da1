// Package queue carries run-launch notifications over RabbitMQ so workers
// pick up a freshly started run without waiting out a poll interval. A lost
// or late message only delays pickup; correctness never depends on it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const runLaunchQueue = "broadcast_run_launches"

type runLaunchedEvent struct {
	RunID string `json:"run_id"`
}

// RunQueue wraps one AMQP connection and channel bound to the durable
// run-launch queue.
type RunQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger
}

func Connect(url string, log *zap.Logger) (*RunQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		runLaunchQueue, // name
		true,           // durable
		false,          // delete when unused
		false,          // exclusive
		false,          // no-wait
		nil,            // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &RunQueue{conn: conn, ch: ch, log: log}, nil
}

func (q *RunQueue) Close() {
	q.ch.Close()
	q.conn.Close()
}

// PublishRunLaunched announces that a run entered RUNNING.
func (q *RunQueue) PublishRunLaunched(runID string) error {
	body, err := json.Marshal(runLaunchedEvent{RunID: runID})
	if err != nil {
		return err
	}
	return q.ch.Publish(
		"",             // exchange
		runLaunchQueue, // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// Consume forwards run ids to out until the context is cancelled. Malformed
// messages are acked and dropped; the poll loop covers anything missed.
func (q *RunQueue) Consume(ctx context.Context, out chan<- string) error {
	msgs, err := q.ch.Consume(
		runLaunchQueue,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev runLaunchedEvent
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				q.log.Warn("dropping malformed run launch event", zap.Error(err))
				d.Ack(false)
				continue
			}
			select {
			case out <- ev.RunID:
			case <-ctx.Done():
				d.Nack(false, true)
				return nil
			}
			d.Ack(false)
		}
	}
}
