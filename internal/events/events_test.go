package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/mail-scheduler/internal/dispatch"
	"github.com/cuongbtq/mail-scheduler/shared/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) published() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

type recordingBroker struct {
	msgs []rabbitmq.Message
}

func (b *recordingBroker) PublishWithRetry(_ context.Context, msg rabbitmq.Message) error {
	b.msgs = append(b.msgs, msg)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func failure(id string) dispatch.FailureEvent {
	return dispatch.FailureEvent{
		ID:       id,
		Payload:  dispatch.Payload{JobID: id, Recipient: id + "@example.com"},
		Attempts: 3,
		Reason:   "550 mailbox unavailable",
		FailedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestFromFailure(t *testing.T) {
	ev := FromFailure(failure("job-1"))

	assert.Equal(t, TypeEmailFailed, ev.Type)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, "job-1@example.com", ev.Recipient)
	assert.Equal(t, 3, ev.Attempts)
	assert.Equal(t, "550 mailbox unavailable", ev.Reason)
	assert.Equal(t, "job-1:email.failed", ev.ID)
}

func TestForwarder_ForwardsAndDrainsOnCancel(t *testing.T) {
	source := make(chan dispatch.FailureEvent, 8)
	pub := &recordingPublisher{}
	f := NewForwarder(&ForwarderConfig{
		Logger:    discardLogger(),
		Source:    source,
		Publisher: pub,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	source <- failure("job-1")
	require.Eventually(t, func() bool { return len(pub.published()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	// Events that arrive after Run returned are flushed by drain.
	source <- failure("job-2")
	source <- failure("job-3")
	f.drain()

	var ids []string
	for _, ev := range pub.published() {
		ids = append(ids, ev.JobID)
	}
	assert.Equal(t, []string{"job-1", "job-2", "job-3"}, ids)
}

func TestForwarder_StopsWhenSourceCloses(t *testing.T) {
	source := make(chan dispatch.FailureEvent)
	f := NewForwarder(&ForwarderConfig{
		Logger:    discardLogger(),
		Source:    source,
		Publisher: &recordingPublisher{},
	})

	done := make(chan struct{})
	go func() {
		f.Run(context.Background())
		close(done)
	}()
	close(source)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop")
	}
}

func TestForwarder_PublishErrorDoesNotStop(t *testing.T) {
	source := make(chan dispatch.FailureEvent, 2)
	pub := &recordingPublisher{err: errors.New("broker down")}
	f := NewForwarder(&ForwarderConfig{
		Logger:    discardLogger(),
		Source:    source,
		Publisher: pub,
	})

	source <- failure("job-1")
	close(source)
	f.Run(context.Background())

	assert.Empty(t, pub.published())
}

func TestRabbitPublisher_Publish(t *testing.T) {
	broker := &recordingBroker{}
	p := NewRabbitPublisher(broker)

	ev := FromFailure(failure("job-1"))
	require.NoError(t, p.Publish(context.Background(), ev))
	require.Len(t, broker.msgs, 1)

	msg := broker.msgs[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, TypeEmailFailed, msg.Type)
	assert.Equal(t, ev.ID, msg.ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "email.failed", decoded["type"])
	assert.Equal(t, "job-1", decoded["job_id"])
	assert.Equal(t, "2026-03-01T10:00:00Z", decoded["failed_at"])
	assert.EqualValues(t, 3, decoded["attempts"])
}

func TestQueueFailuresReachPublisher(t *testing.T) {
	q := dispatch.NewMemoryQueue(dispatch.Options{})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "job-1", dispatch.Payload{JobID: "job-1", Recipient: "a@example.com"}, 0))
	_, err := q.DequeueReady(ctx, "w")
	require.NoError(t, err)
	_, err = q.RetryOrFail(ctx, "job-1", errors.New("boom"), time.Millisecond, 1)
	require.NoError(t, err)

	pub := &recordingPublisher{}
	f := NewForwarder(&ForwarderConfig{Logger: discardLogger(), Source: q.Failures(), Publisher: pub})
	f.drain()

	require.Len(t, pub.published(), 1)
	assert.Equal(t, "a@example.com", pub.published()[0].Recipient)
	assert.Equal(t, "boom", pub.published()[0].Reason)
}
