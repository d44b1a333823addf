// workers/dispatcher.go
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"game-library-sync/logging"
	"game-library-sync/services"
)

var ErrDispatcherClosed = errors.New("dispatcher is closed")

// Dispatcher publishes sync tasks onto the queue. Delayed tasks wait on an
// in-process timer; pending timers are lost on shutdown.
type Dispatcher struct {
	publisher message.Publisher

	mu      sync.Mutex
	pending map[*time.Timer]struct{}
	closed  bool
}

func NewDispatcher(publisher message.Publisher) *Dispatcher {
	return &Dispatcher{publisher: publisher, pending: make(map[*time.Timer]struct{})}
}

func (d *Dispatcher) Dispatch(_ context.Context, task services.SyncTask) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrDispatcherClosed
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode sync task: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("user_id", task.UserID)
	msg.Metadata.Set("platform", string(task.Platform))
	if task.RunID != "" {
		msg.Metadata.Set("run_id", task.RunID)
	}

	if err := d.publisher.Publish(TaskTopic(task.Platform), msg); err != nil {
		return fmt.Errorf("publish sync task: %w", err)
	}
	return nil
}

func (d *Dispatcher) DispatchAfter(ctx context.Context, task services.SyncTask, delay time.Duration) error {
	if delay <= 0 {
		return d.Dispatch(ctx, task)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.pending, timer)
		d.mu.Unlock()

		if err := d.Dispatch(context.Background(), task); err != nil && !errors.Is(err, ErrDispatcherClosed) {
			logging.Error().Err(err).Str("user_id", task.UserID).Str("platform", string(task.Platform)).Msg("[QUEUE] Delayed dispatch failed")
		}
	})
	d.pending[timer] = struct{}{}
	return nil
}

// Pending returns the number of delayed tasks not yet published.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops pending timers. Tasks dispatched afterwards are refused.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for t := range d.pending {
		t.Stop()
	}
	if n := len(d.pending); n > 0 {
		logging.Info().Int("dropped", n).Msg("[QUEUE] Dropped delayed tasks on shutdown")
	}
	d.pending = make(map[*time.Timer]struct{})
}
