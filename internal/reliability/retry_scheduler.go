package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/cqrsbus-go/messaging"
)

// Publisher publishes messages. Every messaging.Broker is one.
type Publisher interface {
	Publish(ctx context.Context, msg messaging.Publishing) error
}

// RetryScheduler publishes messages again after a delay, so a failed delivery
// can be acknowledged instead of blocking its queue while it waits.
type RetryScheduler struct {
	publisher      Publisher
	logger         *slog.Logger
	publishTimeout time.Duration

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewRetryScheduler creates a scheduler publishing through publisher
func NewRetryScheduler(publisher Publisher, logger *slog.Logger) *RetryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryScheduler{
		publisher:      publisher,
		logger:         logger,
		publishTimeout: 10 * time.Second,
		timers:         make(map[*time.Timer]struct{}),
	}
}

// Schedule publishes msg once delay has passed
func (s *RetryScheduler) Schedule(msg messaging.Publishing, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}

	s.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
		defer cancel()

		if err := s.publisher.Publish(ctx, msg); err != nil {
			s.logger.Error("failed to publish scheduled retry", "router", msg.Router, "routingKey", msg.RoutingKey, "error", err)
			return
		}
		s.logger.Debug("published scheduled retry", "router", msg.Router, "routingKey", msg.RoutingKey)
	})
	s.timers[timer] = struct{}{}
	return nil
}

// Pending counts retries that have not been published yet
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close drops retries still waiting and waits for publishes in flight
func (s *RetryScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	dropped := 0
	for timer := range s.timers {
		if timer.Stop() {
			dropped++
			s.wg.Done()
		}
		delete(s.timers, timer)
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Warn("dropped scheduled retries", "count", dropped)
	}
	s.wg.Wait()
}
