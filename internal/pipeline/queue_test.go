package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/watchtower-hq/watchtower/internal/config"
	"github.com/watchtower-hq/watchtower/internal/resilience"
)

func queueConfig() config.PipelineConfig {
	return config.PipelineConfig{Workers: 2, QueueSize: 8, MaxDocumentRetry: 3}
}

func TestQueue_ProcessesEnqueuedDocuments(t *testing.T) {
	t.Parallel()

	proc := &mockProcessor{}
	proc.On("Process", mock.Anything, "doc-1").Return(&Result{DocumentID: "doc-1"}, nil).Once()
	proc.On("Process", mock.Anything, "doc-2").Return(&Result{DocumentID: "doc-2"}, nil).Once()

	q := NewQueue(proc, &mockDeadLetterer{}, queueConfig())
	q.Start(context.Background())

	require.NoError(t, q.Enqueue("doc-1"))
	require.NoError(t, q.Enqueue("doc-2"))
	q.Stop()

	proc.AssertExpectations(t)
}

func TestQueue_FullBufferRejects(t *testing.T) {
	t.Parallel()

	q := NewQueue(&mockProcessor{}, &mockDeadLetterer{}, config.PipelineConfig{
		Workers: 1, QueueSize: 1, MaxDocumentRetry: 1,
	})
	// Workers not started; the single buffer slot fills immediately.
	require.NoError(t, q.Enqueue("doc-1"))
	assert.ErrorIs(t, q.Enqueue("doc-2"), ErrQueueFull)
}

func TestQueue_RetriesThenDeadLetters(t *testing.T) {
	t.Parallel()

	proc := &mockProcessor{}
	proc.On("Process", mock.Anything, "doc-1").Return(nil, assert.AnError).Times(3)

	dlqDone := make(chan resilience.DLQEntry, 1)
	dlq := &mockDeadLetterer{}
	dlq.On("EnqueueDLQ", mock.Anything, mock.MatchedBy(func(e resilience.DLQEntry) bool {
		return e.DocumentID == "doc-1"
	})).Run(func(args mock.Arguments) {
		dlqDone <- args.Get(1).(resilience.DLQEntry)
	}).Return(nil).Once()

	q := NewQueue(proc, dlq, queueConfig())
	q.Start(context.Background())
	require.NoError(t, q.Enqueue("doc-1"))

	select {
	case entry := <-dlqDone:
		assert.Equal(t, 3, entry.RetryCount)
		assert.Equal(t, 3, entry.MaxRetries)
		assert.Equal(t, "permanent", entry.ErrorType)
		assert.NotEmpty(t, entry.ID)
		assert.False(t, entry.CanRetry())
	case <-time.After(5 * time.Second):
		t.Fatal("document was never dead-lettered")
	}
	q.Stop()
	proc.AssertExpectations(t)
}

func TestQueue_TransientFailureClassified(t *testing.T) {
	t.Parallel()

	proc := &mockProcessor{}
	proc.On("Process", mock.Anything, "doc-1").
		Return(nil, resilience.NewTransientError(assert.AnError, 503)).Times(3)

	dlqDone := make(chan resilience.DLQEntry, 1)
	dlq := &mockDeadLetterer{}
	dlq.On("EnqueueDLQ", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		dlqDone <- args.Get(1).(resilience.DLQEntry)
	}).Return(nil).Once()

	q := NewQueue(proc, dlq, queueConfig())
	q.Start(context.Background())
	require.NoError(t, q.Enqueue("doc-1"))

	select {
	case entry := <-dlqDone:
		assert.Equal(t, "transient", entry.ErrorType)
	case <-time.After(5 * time.Second):
		t.Fatal("document was never dead-lettered")
	}
	q.Stop()
}

func TestQueue_StopDrainsInFlightWork(t *testing.T) {
	t.Parallel()

	proc := &mockProcessor{}
	proc.On("Process", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { time.Sleep(20 * time.Millisecond) }).
		Return(&Result{}, nil)

	q := NewQueue(proc, &mockDeadLetterer{}, queueConfig())
	q.Start(context.Background())
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(id))
	}
	q.Stop()

	proc.AssertNumberOfCalls(t, "Process", 4)
}

func TestQueue_ContextCancelStopsWorkers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	proc := &mockProcessor{}
	q := NewQueue(proc, &mockDeadLetterer{}, queueConfig())
	q.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not exit on cancel")
	}
}
