package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"game-library-sync/config"
	"game-library-sync/models"
	"game-library-sync/services"
)

type recordingRunner struct {
	mu    sync.Mutex
	tasks []services.SyncTask
	got   chan services.SyncTask
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{got: make(chan services.SyncTask, 16)}
}

func (r *recordingRunner) Run(_ context.Context, task services.SyncTask) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	r.got <- task
	return nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func startWorker(t *testing.T, runner TaskRunner) (*Queue, *Dispatcher) {
	t.Helper()
	cfg := config.QueueConfig{Backend: "memory", CloseTimeout: time.Second}
	queue, err := NewQueue(cfg, watermill.NopLogger{})
	require.NoError(t, err)

	worker, err := NewSyncWorker(queue.Subscriber, runner, []models.Platform{models.PlatformSteam, models.PlatformGOG}, cfg, watermill.NopLogger{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)

	dispatcher := NewDispatcher(queue.Publisher)
	t.Cleanup(func() {
		dispatcher.Close()
		cancel()
		_ = worker.Close()
		_ = queue.Close()
	})
	return queue, dispatcher
}

func receive(t *testing.T, ch <-chan services.SyncTask) services.SyncTask {
	t.Helper()
	select {
	case task := <-ch:
		return task
	case <-time.After(5 * time.Second):
		t.Fatal("task was not delivered")
		return services.SyncTask{}
	}
}

func TestDispatcher_DeliversToPlatformHandler(t *testing.T) {
	runner := newRecordingRunner()
	_, dispatcher := startWorker(t, runner)

	task := services.SyncTask{UserID: "user-1", Platform: models.PlatformGOG, IsSync: true, IsFast: true}
	require.NoError(t, dispatcher.Dispatch(context.Background(), task))

	got := receive(t, runner.got)
	assert.Equal(t, task, got)
}

func TestDispatcher_DelayedDispatch(t *testing.T) {
	runner := newRecordingRunner()
	_, dispatcher := startWorker(t, runner)

	task := services.SyncTask{UserID: "user-1", Platform: models.PlatformSteam, RunID: "run-1", Attempt: 2}
	require.NoError(t, dispatcher.DispatchAfter(context.Background(), task, 50*time.Millisecond))
	assert.Equal(t, 1, dispatcher.Pending())

	got := receive(t, runner.got)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 2, got.Attempt)
	assert.Eventually(t, func() bool { return dispatcher.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDispatcher_CloseDropsPending(t *testing.T) {
	runner := newRecordingRunner()
	_, dispatcher := startWorker(t, runner)

	task := services.SyncTask{UserID: "user-1", Platform: models.PlatformSteam}
	require.NoError(t, dispatcher.DispatchAfter(context.Background(), task, time.Hour))
	dispatcher.Close()

	assert.Equal(t, 0, dispatcher.Pending())
	assert.ErrorIs(t, dispatcher.Dispatch(context.Background(), task), ErrDispatcherClosed)
	assert.ErrorIs(t, dispatcher.DispatchAfter(context.Background(), task, time.Minute), ErrDispatcherClosed)
}

func TestSyncWorker_DropsBadPayloads(t *testing.T) {
	runner := newRecordingRunner()
	w := &SyncWorker{runner: runner}

	assert.NoError(t, w.handle(message.NewMessage("1", []byte("{not json"))))
	assert.NoError(t, w.handle(message.NewMessage("2", []byte(`{"user_id":"u","platform":"atari"}`))))
	assert.Equal(t, 0, runner.count())

	require.NoError(t, w.handle(message.NewMessage("3", []byte(`{"user_id":"u","platform":"steam","is_sync":true}`))))
	assert.Equal(t, 1, runner.count())
}

func TestResultPublisher_PublishesJSON(t *testing.T) {
	queue, err := NewQueue(config.QueueConfig{Backend: "memory"}, watermill.NopLogger{})
	require.NoError(t, err)
	defer queue.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := queue.Subscriber.Subscribe(ctx, ResultTopic)
	require.NoError(t, err)

	result := services.RunResult{
		RunID:    "run-1",
		UserID:   "user-1",
		Platform: models.PlatformSteam,
		State:    models.RunStateSuccess,
		Outcome:  models.RunOutcomeSuccess,
		Stats:    services.RunStats{Added: 3},
	}
	require.NoError(t, NewResultPublisher(queue.Publisher).Notify(ctx, result))

	select {
	case msg := <-messages:
		msg.Ack()
		var got services.RunResult
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, "run-1", got.RunID)
		assert.Equal(t, 3, got.Stats.Added)
		assert.Equal(t, "success", msg.Metadata.Get("state"))
	case <-time.After(5 * time.Second):
		t.Fatal("result was not published")
	}
}

func TestNewQueue_UnknownBackend(t *testing.T) {
	_, err := NewQueue(config.QueueConfig{Backend: "kafka"}, watermill.NopLogger{})
	assert.Error(t, err)
}
