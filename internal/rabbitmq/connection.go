package rabbitmq

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the AMQP connection and re-dials it when the broker
// closes it
type ConnectionManager struct {
	url            string
	dial           func(url string) (*amqp.Connection, error)
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	done        chan struct{}

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries limits reconnection attempts. Negative means unlimited.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.Dial,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect dials the broker. It returns when the connection is up, the dial
// fails or ctx is done.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if !strings.HasPrefix(cm.url, "amqp://") && !strings.HasPrefix(cm.url, "amqps://") {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: ErrInvalidConfiguration, Timestamp: time.Now()}
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now(), Attempts: 1}
	}

	cm.done = make(chan struct{})
	cm.attach(conn)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notify(func(l ConnectionStateListener) { l.OnConnected() })
	return nil
}

// dialContext runs the blocking dial in the background so ctx can abandon it
func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		results <- result{conn, err}
	}()

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-dialCtx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// attach installs conn and watches it for closure. Callers hold cm.mu.
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(closed, cm.done)
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.done == nil {
		return nil
	}
	close(cm.done)
	cm.done = nil
	cm.isConnected = false

	if cm.conn == nil {
		return nil
	}
	err := cm.conn.Close()
	cm.conn = nil
	return err
}

func (cm *ConnectionManager) watch(closed <-chan *amqp.Error, done <-chan struct{}) {
	select {
	case <-done:
		return
	case err, ok := <-closed:
		if !ok {
			// Closed by us
			return
		}
		cm.logger.Error("connection closed", "error", err)

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notify(func(l ConnectionStateListener) { l.OnDisconnected(err) })
		cm.reconnect(done)
	}
}

func (cm *ConnectionManager) reconnect(done <-chan struct{}) {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		if cm.maxRetries >= 0 && attempt > cm.maxRetries {
			err := &ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt - 1,
			}
			cm.logger.Error("max reconnection attempts reached", "attempts", attempt-1, "duration", time.Since(start))
			cm.notify(func(l ConnectionStateListener) { l.OnDisconnected(err) })
			return
		}

		cm.notify(func(l ConnectionStateListener) { l.OnReconnecting(attempt) })

		delay := cm.calculateBackoff(attempt - 1)
		select {
		case <-time.After(delay):
		case <-done:
			return
		}

		conn, err := cm.dial(cm.url)
		if err != nil {
			cm.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
			continue
		}

		cm.mu.Lock()
		if cm.done == nil {
			// Closed while dialing
			cm.mu.Unlock()
			_ = conn.Close()
			return
		}
		cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ", "attempts", attempt, "duration", time.Since(start))
		cm.notify(func(l ConnectionStateListener) { l.OnConnected() })
		return
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			return
		}
	}
}

func (cm *ConnectionManager) notify(fn func(ConnectionStateListener)) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, l := range cm.stateListeners {
		go fn(l)
	}
}

// calculateBackoff doubles the reconnect delay per attempt up to five minutes,
// with ±25% jitter
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	if attempt == 0 {
		return 0
	}

	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}

	delay := base << min(attempt-1, 16)
	if maxDelay := 5 * time.Minute; delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	jitter := float64(delay) * 0.25
	return delay + time.Duration(jitter*(2*rand.Float64()-1))
}
