package intake

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	messages chan kafka.Message

	mu        sync.Mutex
	committed []int64
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{messages: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.messages <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.messages:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafka_CommitsAfterSettlementAndReplies(t *testing.T) {
	runner := &fakeRunner{}
	dispatcher := NewDispatcher()
	reader := newFakeReader(
		kafka.Message{
			Offset: 10,
			Value:  encode(t, map[string]any{"pattern": PatternCreatePayment, "data": validPayload(), "id": "req-10"}),
			Headers: []kafka.Header{
				{Key: headerReplyTopic, Value: []byte("settlements.reply")},
				{Key: headerCorrelationID, Value: []byte("corr-10")},
			},
		},
		kafka.Message{Offset: 11, Value: []byte("garbage")},
	)
	writer := &fakeWriter{}
	c := newKafkaConsumer(KafkaConfig{Topic: "settlements", GroupID: "klear-settlement"}, NewHandler(runner, nil, nil), dispatcher, reader, writer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		commits := reader.commits()
		return len(commits) > 0 && commits[len(commits)-1] == 11
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, dispatcher.Shutdown(context.Background()))

	assert.IsIncreasing(t, reader.commits())
	require.Len(t, runner.requests(), 1)

	writer.mu.Lock()
	defer writer.mu.Unlock()
	require.Len(t, writer.messages, 1)
	reply := writer.messages[0]
	assert.Equal(t, "settlements.reply", reply.Topic)
	assert.Equal(t, "0xabc123", string(reply.Key))
	require.Len(t, reply.Headers, 1)
	assert.Equal(t, "corr-10", string(reply.Headers[0].Value))

	var body Reply
	require.NoError(t, json.Unmarshal(reply.Value, &body))
	assert.Equal(t, "req-10", body.ID)
	assert.True(t, body.IsDisposed)
}

func TestKafka_LeavesMessageUncommittedWhenShuttingDown(t *testing.T) {
	runner := &fakeRunner{}
	dispatcher := NewDispatcher()
	require.NoError(t, dispatcher.Shutdown(context.Background()))

	reader := newFakeReader(kafka.Message{
		Offset: 3,
		Value:  encode(t, map[string]any{"pattern": PatternCreatePayment, "data": validPayload()}),
	})
	c := newKafkaConsumer(KafkaConfig{Topic: "settlements"}, NewHandler(runner, nil, nil), dispatcher, reader, nil)

	require.NoError(t, c.Run(context.Background()))
	assert.Empty(t, reader.commits())
	assert.Empty(t, runner.requests())
}

func TestKafka_NoReplyWithoutTopic(t *testing.T) {
	runner := &fakeRunner{}
	dispatcher := NewDispatcher()
	reader := newFakeReader(kafka.Message{
		Offset: 1,
		Value:  encode(t, map[string]any{"pattern": PatternCreatePayment, "data": validPayload()}),
	})
	writer := &fakeWriter{}
	c := newKafkaConsumer(KafkaConfig{Topic: "settlements"}, NewHandler(runner, nil, nil), dispatcher, reader, writer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	writer.mu.Lock()
	defer writer.mu.Unlock()
	assert.Empty(t, writer.messages)
}

func TestKafka_HoldsCommitBehindEarlierMessage(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	dispatcher := NewDispatcher()
	reader := newFakeReader(
		kafka.Message{
			Offset: 0,
			Value:  encode(t, map[string]any{"pattern": PatternCreatePayment, "data": validPayload()}),
		},
		kafka.Message{Offset: 1, Value: []byte("garbage")},
	)
	c := newKafkaConsumer(KafkaConfig{Topic: "settlements"}, NewHandler(runner, nil, nil), dispatcher, reader, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(runner.requests()) == 1 }, time.Second, 5*time.Millisecond)
	// offset 1 finishes at once but must not be committed while 0 is settling
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, reader.commits())

	close(runner.block)
	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, dispatcher.Shutdown(context.Background()))

	assert.Equal(t, []int64{1}, reader.commits())
}

func TestKafka_PartitionsCommitIndependently(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	dispatcher := NewDispatcher()
	reader := newFakeReader(
		kafka.Message{
			Partition: 0,
			Offset:    5,
			Value:     encode(t, map[string]any{"pattern": PatternCreatePayment, "data": validPayload()}),
		},
		kafka.Message{Partition: 1, Offset: 7, Value: []byte("garbage")},
	)
	c := newKafkaConsumer(KafkaConfig{Topic: "settlements"}, NewHandler(runner, nil, nil), dispatcher, reader, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{7}, reader.commits())

	close(runner.block)
	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, dispatcher.Shutdown(context.Background()))
	assert.Equal(t, []int64{7, 5}, reader.commits())
}

func TestOffsetTracker_CommitsContiguousPrefix(t *testing.T) {
	tracker := newOffsetTracker()
	msg := func(offset int64) kafka.Message { return kafka.Message{Topic: "settlements", Offset: offset} }
	for _, offset := range []int64{3, 4, 5, 6} {
		tracker.fetched(msg(offset))
	}

	_, ok := tracker.finished(msg(5))
	assert.False(t, ok)
	_, ok = tracker.finished(msg(4))
	assert.False(t, ok)

	upTo, ok := tracker.finished(msg(3))
	require.True(t, ok)
	assert.Equal(t, int64(5), upTo.Offset)

	upTo, ok = tracker.finished(msg(6))
	require.True(t, ok)
	assert.Equal(t, int64(6), upTo.Offset)
}
