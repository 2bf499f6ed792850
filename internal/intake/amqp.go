package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const replyTimeout = 5 * time.Second

// Envelope is the message framing used by the producers on both transports.
type Envelope struct {
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data"`
	ID      string          `json:"id,omitempty"`
}

// Reply is sent back when the producer asked for one.
type Reply struct {
	ID         string `json:"id,omitempty"`
	Response   any    `json:"response,omitempty"`
	Err        any    `json:"err,omitempty"`
	IsDisposed bool   `json:"isDisposed"`
}

func newReply(id string, result any, err error) Reply {
	if err != nil {
		return Reply{ID: id, Err: errorBody(err), IsDisposed: true}
	}
	return Reply{ID: id, Response: result, IsDisposed: true}
}

func decodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Pattern == "" {
		return Envelope{}, errors.New("envelope has no pattern")
	}
	return env, nil
}

type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPConsumer takes settlement requests off a durable RabbitMQ queue. A
// delivery is acknowledged once its request has reached a terminal state.
type AMQPConsumer struct {
	cfg        AMQPConfig
	handler    MessageHandler
	dispatcher *Dispatcher
	logger     zerolog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel

	pubMu sync.Mutex
	pub   publisher
}

func NewAMQPConsumer(cfg AMQPConfig, handler MessageHandler, dispatcher *Dispatcher) *AMQPConsumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 50
	}
	return &AMQPConsumer{
		cfg:        cfg,
		handler:    handler,
		dispatcher: dispatcher,
		logger:     log.With().Str("component", "amqp_consumer").Str("queue", cfg.Queue).Logger(),
	}
}

// Start connects, declares the queue and consumes until ctx is cancelled or
// the connection closes.
func (c *AMQPConsumer) Start(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.conn, c.ch, c.pub = conn, ch, ch
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.logger.Info().Int("prefetch", c.cfg.Prefetch).Msg("Consuming settlement requests")
	go c.consume(ctx, deliveries, closed)
	return nil
}

func (c *AMQPConsumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) {
	for {
		select {
		case <-ctx.Done():
			return
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				c.logger.Error().Str("reason", amqpErr.Reason).Int("code", amqpErr.Code).Msg("Broker connection closed")
			}
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handleDelivery(d)
		}
	}
}

func (c *AMQPConsumer) handleDelivery(d amqp.Delivery) {
	env, err := decodeEnvelope(d.Body)
	if err != nil {
		c.logger.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("Dropping undecodable message")
		if err := d.Nack(false, false); err != nil {
			c.logger.Error().Err(err).Msg("Failed to nack message")
		}
		return
	}

	started := c.dispatcher.Go(func(ctx context.Context) {
		result, err := c.handler.Handle(ctx, env.Pattern, env.Data)
		if err != nil {
			c.logger.Error().Err(err).Str("pattern", env.Pattern).Str("id", env.ID).Msg("Request failed")
		}
		c.reply(d, env, result, err)
		if err := d.Ack(false); err != nil {
			c.logger.Error().Err(err).Msg("Failed to ack message")
		}
	})
	if !started {
		if err := d.Nack(false, true); err != nil {
			c.logger.Error().Err(err).Msg("Failed to requeue message")
		}
	}
}

func (c *AMQPConsumer) reply(d amqp.Delivery, env Envelope, result any, handleErr error) {
	if d.ReplyTo == "" {
		return
	}
	body, err := json.Marshal(newReply(env.ID, result, handleErr))
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode reply")
		return
	}

	correlationID := d.CorrelationId
	if correlationID == "" {
		correlationID = env.ID
	}

	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.pub == nil {
		return
	}
	err = c.pub.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		Body:          body,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("reply_to", d.ReplyTo).Msg("Failed to publish reply")
	}
}

func (c *AMQPConsumer) Close() error {
	c.pubMu.Lock()
	c.pub = nil
	c.pubMu.Unlock()

	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
