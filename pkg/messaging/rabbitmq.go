package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitConfig holds connection and resilience settings for the queue client.
type RabbitConfig struct {
	URL               string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	MaxRetries        int // -1 retries forever
	HeartbeatTimeout  time.Duration

	CircuitBreakerEnabled   bool
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// DefaultRabbitConfig returns settings suitable for long-running services.
func DefaultRabbitConfig(url string) RabbitConfig {
	return RabbitConfig{
		URL:                     url,
		ReconnectDelay:          time.Second,
		MaxReconnectDelay:       time.Minute,
		MaxRetries:              -1,
		HeartbeatTimeout:        10 * time.Second,
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// RabbitClient is a resilient RabbitMQ client: it reconnects with exponential
// backoff when the broker drops the connection and guards publishes with a
// circuit breaker so a dead broker fails fast instead of piling up goroutines.
type RabbitClient struct {
	cfg    RabbitConfig
	logger *slog.Logger

	mu              sync.RWMutex
	conn            *amqp.Connection
	ch              *amqp.Channel
	notifyConnClose chan *amqp.Error
	reconnecting    bool
	closed          bool

	breaker *circuitBreaker
}

func NewRabbitClient(cfg RabbitConfig, logger *slog.Logger) (*RabbitClient, error) {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay == 0 {
		cfg.MaxReconnectDelay = time.Minute
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 10 * time.Second
	}

	c := &RabbitClient{
		cfg:    cfg,
		logger: logger,
		breaker: &circuitBreaker{
			threshold: cfg.CircuitBreakerThreshold,
			timeout:   cfg.CircuitBreakerTimeout,
		},
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.watchConnection()
	return c, nil
}

func (c *RabbitClient) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("connecting to rabbitmq", "url", maskAMQPURL(c.cfg.URL))

	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{Heartbeat: c.cfg.HeartbeatTimeout})
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.conn = conn
	c.ch = ch
	c.notifyConnClose = conn.NotifyClose(make(chan *amqp.Error, 1))
	c.reconnecting = false
	return nil
}

func (c *RabbitClient) watchConnection() {
	for {
		c.mu.RLock()
		if c.closed {
			c.mu.RUnlock()
			return
		}
		notify := c.notifyConnClose
		c.mu.RUnlock()

		err, ok := <-notify
		if !ok || err == nil {
			return
		}
		c.logger.Warn("rabbitmq connection lost, reconnecting", "error", err)
		if !c.redial() {
			return
		}
	}
}

// redial retries the connection with exponential backoff. Returns false when
// the client was closed or the retry budget ran out.
func (c *RabbitClient) redial() bool {
	c.mu.Lock()
	c.reconnecting = true
	c.mu.Unlock()

	backoff := c.cfg.ReconnectDelay
	for attempt := 0; ; attempt++ {
		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return false
		}
		if c.cfg.MaxRetries != -1 && attempt >= c.cfg.MaxRetries {
			c.logger.Error("rabbitmq reconnect retries exhausted")
			return false
		}

		if err := c.connect(); err == nil {
			c.logger.Info("rabbitmq reconnected")
			return true
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > c.cfg.MaxReconnectDelay {
			backoff = c.cfg.MaxReconnectDelay
		}
	}
}

// DeclareQueueWithDLQ declares a durable queue whose rejected messages dead-
// letter into "<name>.dlq".
func (c *RabbitClient) DeclareQueueWithDLQ(name string) (amqp.Queue, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ch == nil {
		return amqp.Queue{}, fmt.Errorf("channel not initialized")
	}

	dlq := name + ".dlq"
	if _, err := c.ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("declare dlq: %w", err)
	}
	return c.ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	})
}

// Publish sends one message to the named queue via the default exchange.
func (c *RabbitClient) Publish(ctx context.Context, queue string, body []byte) error {
	if c.cfg.CircuitBreakerEnabled && !c.breaker.allow() {
		return fmt.Errorf("rabbitmq circuit breaker open")
	}

	c.mu.RLock()
	if c.reconnecting || c.ch == nil {
		c.mu.RUnlock()
		return fmt.Errorf("rabbitmq connection unavailable")
	}
	ch := c.ch
	c.mu.RUnlock()

	err := ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})

	if c.cfg.CircuitBreakerEnabled {
		if err != nil {
			c.breaker.recordFailure()
		} else {
			c.breaker.recordSuccess()
		}
	}
	return err
}

// Consume delivers messages from the queue to the handler until ctx is done.
// A handler error nacks the message with requeue=false so it dead-letters
// rather than spinning hot; losses on the consumer channel trigger a wait for
// the redial loop.
func (c *RabbitClient) Consume(ctx context.Context, queue string, handler func(body []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		c.mu.RLock()
		if c.reconnecting || c.ch == nil {
			c.mu.RUnlock()
			time.Sleep(time.Second)
			continue
		}
		ch := c.ch
		c.mu.RUnlock()

		msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			c.logger.Warn("failed to register consumer", "queue", queue, "error", err)
			time.Sleep(2 * time.Second)
			continue
		}

		open := true
		for open {
			select {
			case <-ctx.Done():
				return nil
			case d, ok := <-msgs:
				if !ok {
					open = false
					break
				}
				if err := handler(d.Body); err != nil {
					c.logger.Error("message handler failed", "queue", queue, "error", err)
					d.Nack(false, false)
				} else {
					d.Ack(false)
				}
			}
		}

		c.logger.Warn("consumer channel closed, waiting for reconnection", "queue", queue)
		time.Sleep(c.cfg.ReconnectDelay)
	}
}

func (c *RabbitClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *RabbitClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed() && !c.reconnecting
}

func maskAMQPURL(url string) string {
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at == -1 || scheme == -1 {
		return url
	}
	return url[:scheme+3] + "***:***" + url[at:]
}

// circuitBreaker is a minimal closed/open/half-open breaker around publishes.
type circuitBreaker struct {
	mu          sync.Mutex
	failures    int
	successes   int
	threshold   int
	timeout     time.Duration
	lastFailure time.Time
	open        bool
	halfOpen    bool
}

func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if time.Since(b.lastFailure) > b.timeout {
		b.halfOpen = true
		return true
	}
	return false
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halfOpen {
		b.successes++
		if b.successes >= 3 {
			b.open = false
			b.halfOpen = false
			b.failures = 0
			b.successes = 0
		}
		return
	}
	b.failures = 0
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	if b.halfOpen || b.failures >= b.threshold {
		b.open = true
		b.halfOpen = false
		b.successes = 0
	}
}
