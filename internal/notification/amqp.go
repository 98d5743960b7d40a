package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// AMQPPublisher publishes messages to a topic exchange. The routing key is
// the configured prefix joined with the message topic.
type AMQPPublisher struct {
	url      string
	exchange string
	prefix   string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *logrus.Entry
}

func NewAMQPPublisher(url, exchange, prefix string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{
		url:      url,
		exchange: exchange,
		prefix:   prefix,
		log:      logrus.WithField("component", "amqp"),
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect must be called with mu held or before the publisher is shared.
func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	p.conn = conn
	p.channel = ch
	p.log.Info("connected to message broker")
	return nil
}

func (p *AMQPPublisher) RoutingKey(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// reconnect once if the broker dropped us since the last message
	if p.conn == nil || p.conn.IsClosed() || p.channel == nil || p.channel.IsClosed() {
		p.log.Warn("broker connection lost, reconnecting")
		if err := p.connect(); err != nil {
			return err
		}
	}

	key := p.RoutingKey(msg.Topic)
	err = p.channel.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", p.exchange, key, err)
	}
	p.log.WithFields(logrus.Fields{"routing_key": key, "message_id": msg.ID}).Debug("published message")
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
