package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/metrics"
)

// DefaultQueue is the durable queue carrying chat tasks.
const DefaultQueue = "marketcore.chat.tasks"

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// TaskProcessor runs a decoded task.
type TaskProcessor interface {
	Process(ctx context.Context, task Task) error
}

// Queue moves chat tasks through RabbitMQ so they survive restarts and are
// retried once on failure.
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	name    string
	logger  *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DialQueue connects to RabbitMQ and declares the task queue.
func DialQueue(url, name string, logger *zap.Logger) (*Queue, error) {
	if name == "" {
		name = DefaultQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(name, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return &Queue{
		conn:    conn,
		channel: channel,
		name:    name,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Enqueue publishes a task as a persistent message.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	return publishTask(ctx, q.channel, q.name, task)
}

func publishTask(ctx context.Context, pub amqpPublisher, queue string, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal chat task: %w", err)
	}
	err = pub.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    task.ID,
		Type:         string(task.Kind),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish chat task: %w", err)
	}
	return nil
}

// Consume starts a worker that feeds deliveries to p until ctx ends or Close is called.
func (q *Queue) Consume(ctx context.Context, p TaskProcessor, prefetch int) error {
	if prefetch <= 0 {
		prefetch = 8
	}
	if err := q.channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := q.channel.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", q.name, err)
	}
	q.logger.Info("chat.queue.consuming", zap.String("queue", q.name))

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-q.done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					q.logger.Warn("chat.queue.channel_closed", zap.String("queue", q.name))
					return
				}
				handleDelivery(ctx, q.logger, p, msg)
			}
		}
	}()
	return nil
}

// handleDelivery acks processed tasks, requeues a first failure and drops a second.
func handleDelivery(ctx context.Context, logger *zap.Logger, p TaskProcessor, msg amqp.Delivery) {
	var task Task
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		logger.Error("chat.queue.decode_failed", zap.Error(err))
		metrics.IncChatTask("unknown", "dropped")
		_ = msg.Nack(false, false)
		return
	}

	if err := p.Process(ctx, task); err != nil {
		if !msg.Redelivered {
			logger.Warn("chat.queue.requeue",
				zap.String("task_id", task.ID),
				zap.String("kind", string(task.Kind)),
				zap.Error(err))
			_ = msg.Nack(false, true)
			return
		}
		logger.Error("chat.queue.dropped",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.Error(err))
		metrics.IncChatTask(string(task.Kind), "dropped")
		_ = msg.Nack(false, false)
		return
	}
	_ = msg.Ack(false)
}

// HealthCheck reports whether the broker connection is open.
func (q *Queue) HealthCheck(context.Context) error {
	if q.conn == nil || q.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection closed")
	}
	return nil
}

// Close stops the consumer and closes the connection.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	q.wg.Wait()
	if q.channel != nil {
		_ = q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
