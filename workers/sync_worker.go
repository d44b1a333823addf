// workers/sync_worker.go
package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/goccy/go-json"

	"game-library-sync/config"
	"game-library-sync/logging"
	"game-library-sync/models"
	"game-library-sync/services"
)

// TaskRunner executes one sync task. *services.Coordinator implements it.
type TaskRunner interface {
	Run(ctx context.Context, task services.SyncTask) error
}

// SyncWorker consumes sync tasks, one handler per platform topic.
type SyncWorker struct {
	router *message.Router
	runner TaskRunner
}

func NewSyncWorker(sub message.Subscriber, runner TaskRunner, platforms []models.Platform, cfg config.QueueConfig, logger watermill.LoggerAdapter) (*SyncWorker, error) {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}
	retry := middleware.Retry{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		Logger:          logger,
	}
	router.AddMiddleware(dropFailed, middleware.Recoverer, retry.Middleware)

	w := &SyncWorker{router: router, runner: runner}
	for _, p := range platforms {
		router.AddConsumerHandler("library-sync-"+string(p), TaskTopic(p), sub, w.handle)
	}
	return w, nil
}

// dropFailed acks a task that still fails after retries. The sweeper and
// the auto-sync schedule pick the account up again.
func dropFailed(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err != nil {
			logging.Error().Err(err).
				Str("message_id", msg.UUID).
				Str("user_id", msg.Metadata.Get("user_id")).
				Str("platform", msg.Metadata.Get("platform")).
				Msg("[SYNC] Giving up on task")
			return nil, nil
		}
		return out, nil
	}
}

func (w *SyncWorker) handle(msg *message.Message) error {
	var task services.SyncTask
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		// Redelivering a malformed payload cannot help.
		logging.Error().Err(err).Str("message_id", msg.UUID).Msg("[SYNC] Dropping undecodable task")
		return nil
	}
	if task.UserID == "" || !task.Platform.Valid() {
		logging.Error().Str("message_id", msg.UUID).Msg("[SYNC] Dropping task without user or platform")
		return nil
	}
	return w.runner.Run(msg.Context(), task)
}

// Start runs the router in the background and returns once it is consuming.
func (w *SyncWorker) Start(ctx context.Context) {
	logging.Info().Msg("[SYNC] Starting sync worker")
	go func() {
		if err := w.router.Run(ctx); err != nil {
			logging.Error().Err(err).Msg("[SYNC] Router stopped with error")
		}
	}()
	<-w.router.Running()
}

func (w *SyncWorker) Close() error {
	return w.router.Close()
}

// ResultPublisher publishes run results for the host application.
type ResultPublisher struct {
	publisher message.Publisher
}

func NewResultPublisher(publisher message.Publisher) *ResultPublisher {
	return &ResultPublisher{publisher: publisher}
}

func (p *ResultPublisher) Notify(_ context.Context, result services.RunResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode run result: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("user_id", result.UserID)
	msg.Metadata.Set("platform", string(result.Platform))
	msg.Metadata.Set("state", string(result.State))
	return p.publisher.Publish(ResultTopic, msg)
}
