package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/trackserver/trackserver/config"
)

// Attributes that become part of the routing key of a location event.
const (
	AttrProtocol = "protocol"
	AttrUserID   = "user_id"
)

// RabbitMQClient routes messages through a topic exchange. A message on
// channel "locations" from OsmAnd user 7 is published with the routing key
// "locations.osmand.7", so consumers can bind to a single protocol or user.
type RabbitMQClient struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	durable  bool
	autoDel  bool

	// amqp channels are not safe for concurrent publishing.
	mu sync.Mutex
}

// NewRabbitMQClient dials the broker and declares the event exchange.
func NewRabbitMQClient(cfg config.RabbitMQConfig) (*RabbitMQClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = "trackserver.events"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if cfg.PrefetchCount > 0 {
		if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, err
		}
	}

	r := &RabbitMQClient{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		durable:  cfg.QueueDurable,
		autoDel:  cfg.QueueAutoDelete,
	}
	if err := r.declareExchange(); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return r, nil
}

// Publish routes data to the exchange under channel's routing key.
func (r *RabbitMQClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("rabbitmq channel is required")
	}

	contentType := "application/octet-stream"
	headers := amqp.Table{}
	for key, value := range attrs {
		if key == AttrContentType {
			contentType = value
			continue
		}
		headers[key] = value
	}

	messageID := uuid.NewString()
	r.mu.Lock()
	err := r.channel.PublishWithContext(ctx, r.exchange, routingKey(channel, attrs), false, false, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: deliveryMode(r.durable),
		MessageId:    messageID,
		Headers:      headers,
		Body:         data,
	})
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// Subscribe consumes every message routed on channel. The queue is named
// after the channel, so several subscribers share its messages.
func (r *RabbitMQClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("rabbitmq channel is required")
	}

	r.mu.Lock()
	err := r.bindQueue(channel)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	consumerTag := fmt.Sprintf("trackserver-%s", uuid.NewString())
	deliveries, err := r.channel.Consume(channel, consumerTag, false, false, false, false, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = r.channel.Cancel(consumerTag, false)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			if err := handler(ctx, deliveryMessage(delivery)); err != nil {
				_ = delivery.Nack(false, true)
				continue
			}
			_ = delivery.Ack(false)
		}
	}
}

func (r *RabbitMQClient) Close() error {
	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func (r *RabbitMQClient) declareExchange() error {
	return r.channel.ExchangeDeclare(r.exchange, amqp.ExchangeTopic, r.durable, false, false, false, nil)
}

func (r *RabbitMQClient) bindQueue(channel string) error {
	if _, err := r.channel.QueueDeclare(channel, r.durable, r.autoDel, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", channel, err)
	}
	if err := r.channel.QueueBind(channel, bindingKey(channel), r.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", channel, err)
	}
	return nil
}

// routingKey is "<channel>.<protocol>.<user id>". Missing parts become
// "unknown" so the key always has three words.
func routingKey(channel string, attrs map[string]string) string {
	return routingWord(channel) + "." + routingWord(attrs[AttrProtocol]) + "." + routingWord(attrs[AttrUserID])
}

func bindingKey(channel string) string {
	return routingWord(channel) + ".#"
}

// routingWord lower-cases s and replaces characters with a meaning in topic
// patterns.
func routingWord(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(c rune) rune {
		switch c {
		case '.', '*', '#', ' ':
			return '_'
		}
		return c
	}, s)
}

func deliveryMode(durable bool) uint8 {
	if durable {
		return amqp.Persistent
	}
	return amqp.Transient
}

func deliveryMessage(d amqp.Delivery) Message {
	attrs := make(map[string]string, len(d.Headers)+1)
	for key, value := range d.Headers {
		switch typed := value.(type) {
		case string:
			attrs[key] = typed
		case []byte:
			attrs[key] = string(typed)
		default:
			attrs[key] = fmt.Sprint(value)
		}
	}
	if d.ContentType != "" {
		attrs[AttrContentType] = d.ContentType
	}
	return Message{ID: d.MessageId, Data: d.Body, Attributes: attrs}
}
