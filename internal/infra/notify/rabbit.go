package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-giveaway-farmer/internal/infra/metrics"
)

// Event — сообщение, публикуемое в очередь уведомлений.
type Event struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Rabbit публикует уведомления в durable-очередь RabbitMQ.
type Rabbit struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbit подключается к брокеру и объявляет очередь.
func NewRabbit(url, queue string) (*Rabbit, error) {
	if url == "" {
		return nil, errors.New("notify: amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("notify: queue name is empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("notify: declare queue: %w", err)
	}
	return &Rabbit{conn: conn, ch: ch, queue: queue}, nil
}

// Notify публикует событие. Канал AMQP не потокобезопасен, поэтому публикации сериализуются.
func (r *Rabbit) Notify(ctx context.Context, text string) error {
	body, err := json.Marshal(Event{Text: text, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	start := time.Now()
	err = r.ch.PublishWithContext(ctx, "", r.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    start,
		Body:         body,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", r.queue, start, err)
	if err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (r *Rabbit) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.ch.Close(), r.conn.Close())
}
