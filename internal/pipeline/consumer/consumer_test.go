package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/rpcworker/internal/infra/codec"
	"github.com/vietddude/rpcworker/internal/pipeline/classify"
	"github.com/vietddude/rpcworker/internal/pipeline/recovery"
	"github.com/vietddude/rpcworker/internal/pipeline/reply"
	"github.com/vietddude/rpcworker/internal/pipeline/retry"
)

// =============================================================================
// Fakes
// =============================================================================

type published struct {
	Key string
	Msg amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	sent       []published
	deliveries chan amqp.Delivery
	qos        int
	tag        string
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (c *fakeChannel) PublishWithContext(
	ctx context.Context,
	exchange, key string,
	mandatory, immediate bool,
	msg amqp.Publishing,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, published{Key: key, Msg: msg})
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.qos = prefetchCount
	return nil
}

func (c *fakeChannel) ConsumeWithContext(
	ctx context.Context,
	queue, consumer string,
	autoAck, exclusive, noLocal, noWait bool,
	args amqp.Table,
) (<-chan amqp.Delivery, error) {
	c.tag = consumer
	return c.deliveries, nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) sentMessages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.sent...)
}

type ackRecord struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records []ackRecord
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, ackRecord{tag: tag, ack: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, ackRecord{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) snapshot() []ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ackRecord(nil), a.records...)
}

func newExecutor(withRecovery bool) *retry.Executor {
	classifier := classify.New().Accept((*fs.PathError)(nil))
	var opts []retry.Option
	if withRecovery {
		opts = append(opts, retry.WithRecoverer(recovery.NewChain(nil, nil, slog.Default())))
	}
	return retry.NewExecutor(retry.DefaultPolicy(classifier), opts...)
}

// =============================================================================
// Handle
// =============================================================================

func TestHandle_SuccessRepliesAndAcks(t *testing.T) {
	ch := newFakeChannel()
	acks := &fakeAcknowledger{}
	c := New(Config{Queue: "rpc"}, nil, func(ctx context.Context, d *amqp.Delivery) (any, error) {
		return map[string]string{"status": "ok"}, nil
	}, newExecutor(true), reply.NewReplier(codec.JSON{}), slog.Default())

	c.Handle(context.Background(), ch, &amqp.Delivery{
		Acknowledger:  acks,
		DeliveryTag:   7,
		CorrelationId: "abc123",
		ReplyTo:       "client.queue",
	})

	sent := ch.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "client.queue", sent[0].Key)
	assert.Equal(t, "abc123", sent[0].Msg.CorrelationId)
	assert.Empty(t, sent[0].Msg.Type)
	assert.JSONEq(t, `{"status":"ok"}`, string(sent[0].Msg.Body))

	assert.Equal(t, []ackRecord{{tag: 7, ack: true}}, acks.snapshot())
}

func TestHandle_NilResultSendsNothing(t *testing.T) {
	ch := newFakeChannel()
	acks := &fakeAcknowledger{}
	c := New(Config{Queue: "rpc"}, nil, func(ctx context.Context, d *amqp.Delivery) (any, error) {
		return nil, nil
	}, newExecutor(true), nil, slog.Default())

	c.Handle(context.Background(), ch, &amqp.Delivery{Acknowledger: acks, ReplyTo: "client.queue"})

	assert.Empty(t, ch.sentMessages())
	assert.Len(t, acks.snapshot(), 1)
}

func TestHandle_ExhaustedRetriesReplyErrorAndAck(t *testing.T) {
	ch := newFakeChannel()
	acks := &fakeAcknowledger{}
	calls := 0
	c := New(Config{Queue: "rpc"}, nil, func(ctx context.Context, d *amqp.Delivery) (any, error) {
		calls++
		return nil, &fs.PathError{Op: "open", Path: "/data", Err: syscall.ENOENT}
	}, newExecutor(true), nil, slog.Default())

	c.Handle(context.Background(), ch, &amqp.Delivery{
		Acknowledger:  acks,
		DeliveryTag:   1,
		CorrelationId: "abc123",
		ReplyTo:       "client.queue",
	})

	assert.Equal(t, 3, calls)
	sent := ch.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, reply.ErrorReplyType, sent[0].Msg.Type)

	var result reply.RemoteInvocationResult
	require.NoError(t, json.Unmarshal(sent[0].Msg.Body, &result))
	assert.Equal(t, "syscall.Errno", result.Value)

	assert.Equal(t, []ackRecord{{tag: 1, ack: true}}, acks.snapshot())
}

func TestHandle_NoRecovererNacksWithoutRequeue(t *testing.T) {
	acks := &fakeAcknowledger{}
	c := New(Config{Queue: "rpc"}, nil, func(ctx context.Context, d *amqp.Delivery) (any, error) {
		return nil, errors.New("boom")
	}, newExecutor(false), nil, slog.Default())

	c.Handle(context.Background(), newFakeChannel(), &amqp.Delivery{Acknowledger: acks, DeliveryTag: 3})

	assert.Equal(t, []ackRecord{{tag: 3, requeue: false}}, acks.snapshot())
}

func TestHandle_UnsupportedContentTypeIsPermanent(t *testing.T) {
	ch := newFakeChannel()
	acks := &fakeAcknowledger{}
	calls := 0
	handler := Decode(codec.NewDefaultRegistry(), func(ctx context.Context, req map[string]any) (any, error) {
		calls++
		return req, nil
	})
	c := New(Config{Queue: "rpc"}, nil, handler, newExecutor(true), nil, slog.Default())

	c.Handle(context.Background(), ch, &amqp.Delivery{
		Acknowledger: acks,
		ContentType:  "text/csv",
		ReplyTo:      "client.queue",
		Body:         []byte("a,b"),
	})

	assert.Zero(t, calls)
	sent := ch.sentMessages()
	require.Len(t, sent, 1)

	var result reply.RemoteInvocationResult
	require.NoError(t, json.Unmarshal(sent[0].Msg.Body, &result))
	assert.Equal(t, "*codec.UnsupportedContentTypeError", result.Value)
}

func TestHandle_NestedYAMLRequestRepliesAsJSON(t *testing.T) {
	ch := newFakeChannel()
	acks := &fakeAcknowledger{}
	handler := Decode(codec.NewDefaultRegistry(), func(ctx context.Context, req map[string]any) (any, error) {
		return req, nil
	})
	c := New(Config{Queue: "rpc"}, nil, handler, newExecutor(true), reply.NewReplier(codec.JSON{}), slog.Default())

	c.Handle(context.Background(), ch, &amqp.Delivery{
		Acknowledger:  acks,
		DeliveryTag:   4,
		ContentType:   "application/yaml",
		CorrelationId: "abc123",
		ReplyTo:       "client.queue",
		Body:          []byte("order:\n  id: 1\n  lines:\n    - sku: A-1\n"),
	})

	sent := ch.sentMessages()
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].Msg.Type)
	assert.JSONEq(t, `{"order":{"id":1,"lines":[{"sku":"A-1"}]}}`, string(sent[0].Msg.Body))
	assert.Equal(t, []ackRecord{{tag: 4, ack: true}}, acks.snapshot())
}

func TestHandle_UnencodableResultSendsErrorReply(t *testing.T) {
	ch := newFakeChannel()
	acks := &fakeAcknowledger{}
	calls := 0
	c := New(Config{Queue: "rpc"}, nil, func(ctx context.Context, d *amqp.Delivery) (any, error) {
		calls++
		return map[string]any{"events": make(chan int)}, nil
	}, newExecutor(true), reply.NewReplier(codec.JSON{}), slog.Default())

	c.Handle(context.Background(), ch, &amqp.Delivery{
		Acknowledger:  acks,
		DeliveryTag:   5,
		CorrelationId: "abc123",
		ReplyTo:       "client.queue",
	})

	assert.Equal(t, 1, calls)
	sent := ch.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, reply.ErrorReplyType, sent[0].Msg.Type)

	var result reply.RemoteInvocationResult
	require.NoError(t, json.Unmarshal(sent[0].Msg.Body, &result))
	assert.Equal(t, "*json.UnsupportedTypeError", result.Value)

	assert.Equal(t, []ackRecord{{tag: 5, ack: true}}, acks.snapshot())
}

func TestHandle_MalformedRecoveryArgsDoNotStopConsumer(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	classifier := classify.New().Accept((*fs.PathError)(nil))
	executor := retry.NewExecutor(retry.DefaultPolicy(classifier),
		retry.WithRecoverer(recovery.NewChain(nil, nil, log)),
		retry.WithLogger(log),
	)

	ch := newFakeChannel()
	acks := &fakeAcknowledger{}
	c := New(Config{Queue: "rpc"}, nil, func(ctx context.Context, d *amqp.Delivery) (any, error) {
		return "pong", nil
	}, executor, reply.NewReplier(codec.JSON{}), log)

	err := executor.Execute(context.Background(), []any{"only-one"}, func(ctx context.Context) error {
		return errors.New("invalid order")
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Recovery args are not supported")
	assert.Empty(t, ch.sentMessages())

	c.Handle(context.Background(), ch, &amqp.Delivery{
		Acknowledger:  acks,
		DeliveryTag:   9,
		CorrelationId: "abc123",
		ReplyTo:       "client.queue",
	})

	sent := ch.sentMessages()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `"pong"`, string(sent[0].Msg.Body))
	assert.Equal(t, []ackRecord{{tag: 9, ack: true}}, acks.snapshot())
}

func TestDecode(t *testing.T) {
	type order struct {
		ID  int    `json:"id"  yaml:"id"`
		SKU string `json:"sku" yaml:"sku"`
	}
	handler := Decode(codec.NewDefaultRegistry(), func(ctx context.Context, req order) (any, error) {
		return req.SKU, nil
	})

	out, err := handler(context.Background(), &amqp.Delivery{
		ContentType: "application/json; charset=utf-8",
		Body:        []byte(`{"id":1,"sku":"A-1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "A-1", out)

	out, err = handler(context.Background(), &amqp.Delivery{
		ContentType: "application/yaml",
		Body:        []byte("id: 2\nsku: B-2\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "B-2", out)

	_, err = handler(context.Background(), &amqp.Delivery{ContentType: "text/csv"})
	assert.ErrorIs(t, err, codec.ErrUnsupportedContentType)
}

// =============================================================================
// Run
// =============================================================================

func TestRun_WorkersOwnChannels(t *testing.T) {
	var (
		mu       sync.Mutex
		channels []*fakeChannel
	)
	open := func() (Channel, error) {
		mu.Lock()
		defer mu.Unlock()
		ch := newFakeChannel()
		channels = append(channels, ch)
		return ch, nil
	}

	handled := make(chan string, 4)
	c := New(Config{Queue: "rpc", Consumers: 2, Prefetch: 4}, open,
		func(ctx context.Context, d *amqp.Delivery) (any, error) {
			handled <- d.MessageId
			return "pong", nil
		}, newExecutor(true), nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(channels) == 2
	}, time.Second, 10*time.Millisecond)

	acks := &fakeAcknowledger{}
	mu.Lock()
	channels[0].deliveries <- amqp.Delivery{Acknowledger: acks, MessageId: "m-0", ReplyTo: "client.queue"}
	channels[1].deliveries <- amqp.Delivery{Acknowledger: acks, MessageId: "m-1", ReplyTo: "client.queue"}
	mu.Unlock()

	got := map[string]bool{<-handled: true, <-handled: true}
	assert.Equal(t, map[string]bool{"m-0": true, "m-1": true}, got)

	require.Eventually(t, func() bool { return len(acks.snapshot()) == 2 }, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	for _, ch := range channels {
		// replies go out on the channel the request arrived on
		assert.Len(t, ch.sentMessages(), 1)
		assert.Equal(t, 4, ch.qos)
		assert.True(t, ch.closed)
	}
	assert.ElementsMatch(t, []string{"rpcworker-0", "rpcworker-1"}, []string{channels[0].tag, channels[1].tag})
}

func TestRun_ClosedDeliveriesFail(t *testing.T) {
	ch := newFakeChannel()
	close(ch.deliveries)
	c := New(Config{Queue: "rpc"}, func() (Channel, error) { return ch, nil },
		func(ctx context.Context, d *amqp.Delivery) (any, error) { return nil, nil },
		newExecutor(true), nil, slog.Default())

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrDeliveriesClosed)
}

func TestRun_OpenFailure(t *testing.T) {
	c := New(Config{Queue: "rpc"}, func() (Channel, error) { return nil, errors.New("no connection") },
		func(ctx context.Context, d *amqp.Delivery) (any, error) { return nil, nil },
		newExecutor(true), nil, slog.Default())

	assert.ErrorContains(t, c.Run(context.Background()), "no connection")
}
