package bus

import (
	"context"
	"encoding/json"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Bus wraps one AMQP connection and channel. amqp091 channels serialize
// concurrent use internally, so every component in the process shares it.
type Bus struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func Dial(url string) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Bus{conn: conn, ch: ch}, nil
}

func (b *Bus) Close() error {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// DeclareWorkQueue declares the shared durable queue workers consume from.
func (b *Bus) DeclareWorkQueue(name string) error {
	_, err := b.ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	)
	return err
}

// DeclareFanout declares the durable fanout exchange used for replication.
func (b *Bus) DeclareFanout(name string) error {
	return b.ch.ExchangeDeclare(
		name,
		"fanout",
		true,  // durable
		false, // auto-delete
		false, // internal
		false,
		nil,
	)
}

// DeclareEphemeral declares an auto-delete queue exclusive to this process.
// The broker removes it when the connection drops, so a dead instance's
// address never receives traffic. If bindExchange is non-empty the queue is
// bound to that (fanout) exchange.
func (b *Bus) DeclareEphemeral(name, bindExchange string) (string, error) {
	q, err := b.ch.QueueDeclare(
		name,
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false,
		nil,
	)
	if err != nil {
		return "", err
	}
	if bindExchange != "" {
		if err := b.ch.QueueBind(q.Name, "", bindExchange, false, nil); err != nil {
			return "", err
		}
	}
	return q.Name, nil
}

// Publish JSON-encodes v and publishes it fire-and-forget. Publishing to a
// queue name that no longer exists (a dead instance's ephemeral queue) is
// silently dropped by the broker.
func (b *Bus) Publish(ctx context.Context, exchange, key string, v any) error {
	return b.publish(ctx, exchange, key, v, amqp.Transient)
}

// PublishPersistent is Publish with a persistent delivery mode, for the
// durable work queue.
func (b *Bus) PublishPersistent(ctx context.Context, exchange, key string, v any) error {
	return b.publish(ctx, exchange, key, v, amqp.Persistent)
}

func (b *Bus) publish(ctx context.Context, exchange, key string, v any, mode uint8) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return b.ch.PublishWithContext(cctx,
		exchange,
		key,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: mode,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Subscribe consumes queue on its own goroutine with auto-ack and invokes
// handler once per delivery. A panicking handler is logged and the
// subscription keeps running.
func (b *Bus) Subscribe(queue string, handler func(body []byte)) error {
	msgs, err := b.ch.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		return err
	}
	go func() {
		for d := range msgs {
			safeHandle(queue, handler, d.Body)
		}
		log.Printf("bus: subscription closed queue=%s", queue)
	}()
	return nil
}

func safeHandle(queue string, handler func([]byte), body []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bus: handler panic queue=%s err=%v", queue, r)
		}
	}()
	handler(body)
}

// Consume returns a manual-ack delivery channel for worker-pool consumption
// of the shared work queue. prefetch bounds unacked deliveries per consumer.
func (b *Bus) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	if err := b.ch.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}
	return b.ch.Consume(queue, "", false, false, false, false, nil)
}
