package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeSource struct {
	deliveries chan amqp.Delivery
	err        error
}

func (s *fakeSource) Consume(string, int) (<-chan amqp.Delivery, error) {
	return s.deliveries, s.err
}

func TestConsumer_AcksValidAndRejectsMalformed(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ack := &fakeAcknowledger{}
	source := &fakeSource{deliveries: make(chan amqp.Delivery, 4)}

	bodies := []string{
		`{"job_id": 1, "job_type": "email"}`,
		`not json`,
		`{"job_id": 2, "job_type": "unknown"}`,
		`{"job_id": 0, "job_type": "email"}`,
	}
	for i, body := range bodies {
		source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: uint64(i + 1), Body: []byte(body)}
	}
	close(source.deliveries)

	c := NewConsumer(source, env.m, "test", 10, env.m.logger)
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []uint64{1}, ack.acked)
	assert.Equal(t, []uint64{2, 3, 4}, ack.nacked)
	assert.Equal(t, []bool{false, false, false}, ack.requeue)
}

func TestConsumer_StopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	source := &fakeSource{deliveries: make(chan amqp.Delivery)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewConsumer(source, env.m, "test", 1, env.m.logger).Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumer_ConsumeError(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	source := &fakeSource{err: errors.New("channel closed")}

	err := NewConsumer(source, env.m, "test", 1, env.m.logger).Run(context.Background())
	assert.ErrorContains(t, err, "failed to start consuming")
}
