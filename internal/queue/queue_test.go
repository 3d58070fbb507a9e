package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

type published struct {
	key string
	msg amqp091.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	published  []published
	declared   map[string]amqp091.Table
	deliveries chan amqp091.Delivery
	failOn     string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{declared: map[string]amqp091.Table{}, deliveries: make(chan amqp091.Delivery, 4)}
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	if key == f.failOn {
		return errors.New("channel closed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{key: key, msg: msg})
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	f.declared[name] = args
	return amqp091.Queue{Name: name}, nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error) {
	return f.deliveries, nil
}

type fakeAck struct {
	acked, nacked, requeued int
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error { a.acked++; return nil }
func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked++
	if requeue {
		a.requeued++
	}
	return nil
}
func (a *fakeAck) Reject(tag uint64, requeue bool) error { return nil }

func delivery(ack *fakeAck, headers amqp091.Table) amqp091.Delivery {
	return amqp091.Delivery{Acknowledger: ack, Headers: headers, Body: []byte(`{}`), ContentType: "application/json"}
}

func TestSetupQueues(t *testing.T) {
	ch := newFakeChannel()
	if err := SetupQueues(ch, IngestQueue); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, name := range []string{"ingest_queue", "ingest_queue_dlq", "ingest_queue_retry"} {
		if _, ok := ch.declared[name]; !ok {
			t.Fatalf("expected %s to be declared", name)
		}
	}
	args := ch.declared["ingest_queue_retry"]
	if args["x-message-ttl"] != int32(10000) || args["x-dead-letter-routing-key"] != "ingest_queue" {
		t.Fatalf("unexpected retry queue args: %v", args)
	}
}

func TestHandleFailureRetries(t *testing.T) {
	ch := newFakeChannel()
	c := NewConsumer(ch, IngestQueue, nil, 3)
	ack := &fakeAck{}

	c.HandleFailure(context.Background(), delivery(ack, amqp091.Table{"x-retries": int32(1)}), common.NewError(common.LLMUnavailable, "down"))

	if len(ch.published) != 1 || ch.published[0].key != "ingest_queue_retry" {
		t.Fatalf("expected one publish to the retry queue, got %+v", ch.published)
	}
	if got := ch.published[0].msg.Headers["x-retries"]; got != int32(2) {
		t.Fatalf("expected x-retries 2, got %v", got)
	}
	if ack.acked != 1 {
		t.Fatalf("expected the original to be acked, got %d", ack.acked)
	}
}

func TestHandleFailureDeadLetters(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp091.Table
		err     error
	}{
		{"retries exhausted", amqp091.Table{"x-retries": int64(3)}, errors.New("boom")},
		{"malformed job", nil, common.NewError(common.InvalidConfig, "bad json")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newFakeChannel()
			c := NewConsumer(ch, IngestQueue, nil, 3)
			ack := &fakeAck{}
			c.HandleFailure(context.Background(), delivery(ack, tt.headers), tt.err)
			if len(ch.published) != 1 || ch.published[0].key != "ingest_queue_dlq" {
				t.Fatalf("expected one publish to the DLQ, got %+v", ch.published)
			}
			if ack.acked != 1 {
				t.Fatalf("expected ack, got %d", ack.acked)
			}
		})
	}
}

func TestHandleFailureRequeuesWhenPublishFails(t *testing.T) {
	ch := newFakeChannel()
	ch.failOn = "ingest_queue_retry"
	c := NewConsumer(ch, IngestQueue, nil, 3)
	ack := &fakeAck{}

	c.HandleFailure(context.Background(), delivery(ack, nil), errors.New("boom"))

	if ack.acked != 0 || ack.requeued != 1 {
		t.Fatalf("expected a requeueing nack, got %+v", ack)
	}
}

func TestConsumerRun(t *testing.T) {
	ch := newFakeChannel()
	var handled [][]byte
	done := make(chan struct{})
	c := NewConsumer(ch, IngestQueue, func(ctx context.Context, body []byte) error {
		handled = append(handled, body)
		if len(handled) == 2 {
			return errors.New("transient")
		}
		return nil
	}, 0)
	c.AfterMessage = func(time.Duration) {
		if len(handled) == 2 {
			close(done)
		}
	}

	first, second := &fakeAck{}, &fakeAck{}
	ch.deliveries <- delivery(first, nil)
	ch.deliveries <- delivery(second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected both messages to be handled")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if first.acked != 1 {
		t.Fatalf("expected first message acked, got %+v", first)
	}
	if second.acked != 1 || len(ch.published) != 1 || ch.published[0].key != "ingest_queue_retry" {
		t.Fatalf("expected second message moved to retry, got %+v %+v", second, ch.published)
	}
}

func TestDecodeJob(t *testing.T) {
	if _, err := DecodeJob([]byte(`not json`)); !common.IsKind(err, common.InvalidConfig) {
		t.Fatalf("expected InvalidConfig, got %v", err)
	}
	if _, err := DecodeJob([]byte(`{"job_id":"job_1","files":[]}`)); !common.IsKind(err, common.InvalidConfig) {
		t.Fatalf("expected InvalidConfig for empty job, got %v", err)
	}
	job, err := DecodeJob([]byte(`{"job_id":"job_1","files":[{"key":"jobs/job_1/a.txt","name":"a.txt"}],"options":{"mode":"direct"}}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if job.Files[0].Name != "a.txt" || string(job.Options) != `{"mode":"direct"}` {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestSubmit(t *testing.T) {
	ch := newFakeChannel()
	job := IngestJob{JobID: "job_1", Files: []JobFile{{Key: "k", Name: "a.txt"}}}
	if err := Submit(context.Background(), ch, IngestQueue, job); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(ch.published) != 1 || ch.published[0].msg.DeliveryMode != amqp091.Persistent {
		t.Fatalf("expected one persistent message, got %+v", ch.published)
	}
	if _, err := DecodeJob(ch.published[0].msg.Body); err != nil {
		t.Fatalf("expected published job to decode, got %v", err)
	}
}
