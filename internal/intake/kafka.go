package intake

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Reply routing headers set by request/response producers.
const (
	headerReplyTopic    = "kafka_replyTopic"
	headerCorrelationID = "kafka_correlationId"
)

type KafkaConfig struct {
	Brokers    []string
	Topic      string
	GroupID    string
	ReplyTopic string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads settlement requests from a consumer group. Requests run
// concurrently, but a partition's offset only advances past a message once it
// and every message fetched before it have finished, so a crash redelivers
// every unfinished request.
type KafkaConsumer struct {
	cfg        KafkaConfig
	handler    MessageHandler
	dispatcher *Dispatcher
	reader     messageReader
	writer     messageWriter
	logger     zerolog.Logger

	commitMu sync.Mutex
	offsets  *offsetTracker
}

func NewKafkaConsumer(cfg KafkaConfig, handler MessageHandler, dispatcher *Dispatcher) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	var writer messageWriter
	if len(cfg.Brokers) > 0 {
		writer = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		}
	}
	return newKafkaConsumer(cfg, handler, dispatcher, reader, writer)
}

func newKafkaConsumer(cfg KafkaConfig, handler MessageHandler, dispatcher *Dispatcher, reader messageReader, writer messageWriter) *KafkaConsumer {
	return &KafkaConsumer{
		cfg:        cfg,
		handler:    handler,
		dispatcher: dispatcher,
		reader:     reader,
		writer:     writer,
		offsets:    newOffsetTracker(),
		logger:     log.With().Str("component", "kafka_consumer").Str("topic", cfg.Topic).Logger(),
	}
}

// Run fetches messages until ctx is cancelled, the reader fails or the
// dispatcher stops accepting work.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info().Str("group", c.cfg.GroupID).Msg("Consuming settlement requests")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		c.offsets.fetched(msg)

		env, err := decodeEnvelope(msg.Value)
		if err != nil {
			c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("Skipping undecodable message")
			c.finish(msg)
			continue
		}

		started := c.dispatcher.Go(func(ctx context.Context) {
			result, err := c.handler.Handle(ctx, env.Pattern, env.Data)
			if err != nil {
				c.logger.Error().Err(err).Str("pattern", env.Pattern).Int64("offset", msg.Offset).Msg("Request failed")
			}
			c.reply(msg, env, result, err)
			c.finish(msg)
		})
		if !started {
			c.logger.Info().Int64("offset", msg.Offset).Msg("Dispatcher closed, leaving message uncommitted")
			return nil
		}
	}
}

// finish marks msg done and commits the partition's finished prefix, if any.
// Commits happen under commitMu so they reach the broker in offset order.
func (c *KafkaConsumer) finish(msg kafka.Message) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	upTo, ok := c.offsets.finished(msg)
	if !ok {
		c.logger.Debug().Int64("offset", msg.Offset).Int("partition", msg.Partition).Msg("Holding commit behind an earlier message")
		return
	}
	c.commit(upTo)
}

func (c *KafkaConsumer) commit(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("Failed to commit offset")
	}
}

func (c *KafkaConsumer) reply(msg kafka.Message, env Envelope, result any, handleErr error) {
	topic := c.cfg.ReplyTopic
	var headers []kafka.Header
	for _, h := range msg.Headers {
		switch h.Key {
		case headerReplyTopic:
			topic = string(h.Value)
		case headerCorrelationID:
			headers = append(headers, kafka.Header{Key: headerCorrelationID, Value: h.Value})
		}
	}
	if topic == "" || c.writer == nil {
		return
	}

	body, err := json.Marshal(newReply(env.ID, result, handleErr))
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode reply")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	err = c.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(contractHashOf(env.Data)),
		Value:   body,
		Headers: headers,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("reply_topic", topic).Msg("Failed to publish reply")
	}
}

func (c *KafkaConsumer) Close() error {
	var errs []error
	if err := c.reader.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.writer != nil {
		if err := c.writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type partitionKey struct {
	topic     string
	partition int
}

// partitionOffsets holds the fetched offsets of one partition that are not
// committed yet, oldest first, and the finished ones among them.
type partitionOffsets struct {
	pending []int64
	done    map[int64]kafka.Message
}

// offsetTracker orders commits per partition: a finished message is only
// committable once every message fetched before it has finished too.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partitionOffsets
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[partitionKey]*partitionOffsets)}
}

func (t *offsetTracker) partition(msg kafka.Message) *partitionOffsets {
	key := partitionKey{topic: msg.Topic, partition: msg.Partition}
	p, ok := t.partitions[key]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]kafka.Message)}
		t.partitions[key] = p
	}
	return p
}

// fetched records msg as in flight. Messages of a partition arrive in offset
// order.
func (t *offsetTracker) fetched(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.partition(msg)
	p.pending = append(p.pending, msg.Offset)
}

// finished marks msg done and returns the newest message of the contiguous
// finished run at the head of its partition. ok is false while an earlier
// message is still in flight.
func (t *offsetTracker) finished(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.partition(msg)
	p.done[msg.Offset] = msg

	var upTo kafka.Message
	ok := false
	for len(p.pending) > 0 {
		head, isDone := p.done[p.pending[0]]
		if !isDone {
			break
		}
		delete(p.done, head.Offset)
		p.pending = p.pending[1:]
		upTo, ok = head, true
	}
	return upTo, ok
}

func contractHashOf(data json.RawMessage) string {
	var probe struct {
		ContractHash string `json:"contractHash"`
	}
	_ = json.Unmarshal(data, &probe)
	return probe.ContractHash
}
