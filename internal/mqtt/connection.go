package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ASDEAhardware/bfg-sub000/internal/store"
	"github.com/ASDEAhardware/bfg-sub000/pkg/metrics"
)

const (
	// Cooldown after a broker-initiated disconnect, breaking duplicate
	// client-id fight loops without a DB round-trip.
	duplicateClientCooldown = 30 * time.Second

	// Grace on clean shutdown for the in-flight disconnect packet.
	disconnectQuiesceMillis = 250

	defaultQueueSize  = 256
	defaultKeepAlive  = 60
	defaultMaxRetries = 10
	defaultRetryBase  = 5
	defaultRetryMax   = 300

	statusTopicSuffix = "/backend/status"
)

// ErrCooldownActive is returned by Start while the duplicate-client cooldown
// has not elapsed.
var ErrCooldownActive = errors.New("connection is in duplicate-client cooldown")

// MessageHandler receives every inbound message off the worker, in broker
// delivery order. A non-nil error leaves the delivery unacked.
type MessageHandler interface {
	Process(ctx context.Context, siteID uint, siteCode, topic string, payload []byte, qos byte, retained bool) error
}

// ConnectionConfig holds the configuration for a Connection.
type ConnectionConfig struct {
	Logger     *slog.Logger
	Repository *store.Repository
	Handler    MessageHandler
	Metrics    *metrics.MQTTMetrics

	// Row is a snapshot of the connection's database row, subscriptions
	// included.
	Row store.ConnectionConfig

	InstanceID string
	QueueSize  int
}

// Connection is a single MQTT session bound to one connection row. It owns
// the paho client, keeps the row's status fields authoritative and hands
// inbound messages to the handler through a bounded queue so the paho network
// goroutine never holds a DB transaction.
type Connection struct {
	logger  *slog.Logger
	repo    *store.Repository
	handler MessageHandler
	metrics *metrics.MQTTMetrics

	row        store.ConnectionConfig
	clientID   string
	instanceID string

	client pahomqtt.Client
	queue  chan pahomqtt.Message

	mu            sync.Mutex
	state         string
	cooldownUntil time.Time
	retryCount    int
	stopped       bool

	createdAt  time.Time
	done       chan struct{}
	workerDone chan struct{}
	failedSubs map[uint]bool
}

// NewConnection creates a Connection for one row. It does not dial; call
// Start.
func NewConnection(cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, errors.New("connection config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Repository == nil {
		return nil, errors.New("repository cannot be nil")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler cannot be nil")
	}
	if cfg.Row.BrokerHost == "" {
		return nil, errors.New("broker host cannot be empty")
	}
	if cfg.Row.ClientIDPrefix == "" {
		return nil, errors.New("client id prefix cannot be empty")
	}

	row := cfg.Row
	if row.KeepAliveSeconds <= 0 {
		row.KeepAliveSeconds = defaultKeepAlive
	}
	if row.MaxRetries <= 0 {
		row.MaxRetries = defaultMaxRetries
	}
	if row.RetryBaseSeconds <= 0 {
		row.RetryBaseSeconds = defaultRetryBase
	}
	if row.RetryMaxSeconds <= 0 {
		row.RetryMaxSeconds = defaultRetryMax
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = InstanceID()
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Connection{
		logger: cfg.Logger.With(
			"site_id", row.SiteID,
			"site_code", row.SiteCode,
		),
		repo:       cfg.Repository,
		handler:    cfg.Handler,
		metrics:    cfg.Metrics,
		row:        row,
		clientID:   ClientID(row.ClientIDPrefix, instanceID),
		instanceID: instanceID,
		retryCount: row.RetryCount,
		state:      store.StateDisconnected,
		createdAt:  time.Now().UTC(),
		queue:      make(chan pahomqtt.Message, queueSize),
		done:       make(chan struct{}),
		workerDone: make(chan struct{}),
		failedSubs: make(map[uint]bool),
	}, nil
}

// BackoffDelay computes the exponential retry delay base·2^retryCount capped
// at max.
func BackoffDelay(base, max time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		return max
	}
	d := base << uint(retryCount)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// State returns the current connection state.
func (c *Connection) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the broker session is live.
func (c *Connection) IsConnected() bool {
	return c.State() == store.StateConnected
}

// CreatedAt returns the creation time, used for the supervisor grace period.
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// InCooldown reports whether the duplicate-client cooldown is active at now.
func (c *Connection) InCooldown(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Before(c.cooldownUntil)
}

// CooldownUntil returns the cooldown deadline, zero when none was entered.
func (c *Connection) CooldownUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooldownUntil
}

// Row returns the configuration snapshot this session was built from.
func (c *Connection) Row() store.ConnectionConfig {
	return c.row
}

// Start dials the broker. It refuses during the duplicate-client cooldown
// and surfaces connect failures after scheduling the retry on the row.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return errors.New("connection already stopped")
	}
	if time.Now().Before(c.cooldownUntil) {
		c.mu.Unlock()
		return ErrCooldownActive
	}
	c.state = store.StateConnecting
	c.mu.Unlock()

	if err := c.repo.UpdateConnectionStatus(ctx, c.row.ID, store.ConnectionStatusUpdate{
		State:          store.StateConnecting,
		ClearNextRetry: true,
	}); err != nil {
		c.logger.Error("failed to record connecting state", "error", err)
	}

	opts, err := c.clientOptions()
	if err != nil {
		c.scheduleRetry(ctx, err)
		return err
	}

	c.client = pahomqtt.NewClient(opts)
	go c.worker()

	if c.metrics != nil {
		c.metrics.ConnectAttempts.WithLabelValues(c.row.SiteCode).Inc()
	}

	c.logger.Info("connecting to broker",
		"host", c.row.BrokerHost,
		"port", c.row.BrokerPort,
		"client_id", c.clientID,
	)

	token := c.client.Connect()
	deadline := time.Duration(c.row.KeepAliveSeconds) * time.Second
	if !token.WaitTimeout(deadline) {
		err := fmt.Errorf("connect to %s:%d timed out after %s", c.row.BrokerHost, c.row.BrokerPort, deadline)
		c.scheduleRetry(ctx, err)
		return err
	}
	if err := token.Error(); err != nil {
		c.scheduleRetry(ctx, err)
		return fmt.Errorf("connect to %s:%d failed: %w", c.row.BrokerHost, c.row.BrokerPort, err)
	}
	return nil
}

// Stop performs a clean shutdown: retained offline status, disconnect, drain
// the worker. Bounded by ctx.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	client := c.client
	c.state = store.StateDisconnected
	c.mu.Unlock()

	if client != nil && client.IsConnected() {
		c.publishStatus(client, "offline", "shutdown")
		client.Disconnect(disconnectQuiesceMillis)
	}
	close(c.done)

	select {
	case <-c.workerDone:
	case <-ctx.Done():
		c.logger.Warn("worker did not drain before shutdown deadline")
	}

	if c.metrics != nil {
		c.metrics.ConnectionStatus.WithLabelValues(c.row.SiteCode).Set(0)
	}
	if err := c.repo.UpdateConnectionStatus(ctx, c.row.ID, store.ConnectionStatusUpdate{
		State: store.StateDisconnected,
	}); err != nil {
		return fmt.Errorf("failed to record disconnected state: %w", err)
	}
	c.logger.Info("connection stopped")
	return nil
}

func (c *Connection) clientOptions() (*pahomqtt.ClientOptions, error) {
	scheme := "tcp"
	if c.row.UseTLS {
		scheme = "ssl"
	}

	will, err := json.Marshal(map[string]any{
		"status":      "offline",
		"instance_id": c.instanceID,
		"client_id":   c.clientID,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"reason":      "unexpected_disconnect",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build will payload: %w", err)
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, c.row.BrokerHost, c.row.BrokerPort)).
		SetClientID(c.clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetAutoAckDisabled(true).
		SetKeepAlive(time.Duration(c.row.KeepAliveSeconds) * time.Second).
		SetConnectTimeout(time.Duration(c.row.KeepAliveSeconds) * time.Second).
		SetBinaryWill(c.statusTopic(), will, 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if c.row.Username != "" {
		opts.SetUsername(c.row.Username)
		opts.SetPassword(c.row.Password)
	}

	if c.row.UseTLS {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if c.row.CACertPath != "" {
			pem, err := os.ReadFile(c.row.CACertPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA certificate: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates parsed from %s", c.row.CACertPath)
			}
			tlsCfg.RootCAs = pool
		}
		opts.SetTLSConfig(tlsCfg)
	}

	return opts, nil
}

func (c *Connection) statusTopic() string {
	return c.row.ClientIDPrefix + statusTopicSuffix
}

func (c *Connection) onConnect(client pahomqtt.Client) {
	now := time.Now().UTC()

	c.mu.Lock()
	c.state = store.StateConnected
	c.retryCount = 0
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ConnectionStatus.WithLabelValues(c.row.SiteCode).Set(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	zero := 0
	if err := c.repo.UpdateConnectionStatus(ctx, c.row.ID, store.ConnectionStatusUpdate{
		State:           store.StateConnected,
		LastConnectedAt: &now,
		RetryCount:      &zero,
		ClearNextRetry:  true,
	}); err != nil {
		c.logger.Error("failed to record connected state", "error", err)
	}

	c.publishStatus(client, "online", "")
	c.subscribeAll(client)

	c.logger.Info("connected to broker", "client_id", c.clientID)
}

func (c *Connection) publishStatus(client pahomqtt.Client, status, reason string) {
	body := map[string]any{
		"status":      status,
		"instance_id": c.instanceID,
		"client_id":   c.clientID,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	if reason != "" {
		body["reason"] = reason
	}
	payload, err := json.Marshal(body)
	if err != nil {
		c.logger.Error("failed to encode status payload", "error", err)
		return
	}

	token := client.Publish(c.statusTopic(), 1, true, payload)
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		if c.metrics != nil {
			c.metrics.PublishFailures.WithLabelValues(c.row.SiteCode).Inc()
		}
		c.logger.Warn("failed to publish status", "status", status, "error", token.Error())
	}
}

func (c *Connection) subscribeAll(client pahomqtt.Client) {
	for _, sub := range c.row.Subscriptions {
		if !sub.Active {
			continue
		}
		if c.failedSubs[sub.ID] && !sub.AutoRetry {
			continue
		}

		token := client.Subscribe(sub.TopicPattern, sub.QoS, c.onMessage)
		if !token.WaitTimeout(time.Duration(c.row.KeepAliveSeconds)*time.Second) || token.Error() != nil {
			c.failedSubs[sub.ID] = true
			if c.metrics != nil {
				c.metrics.SubscribeFailures.WithLabelValues(c.row.SiteCode, sub.TopicPattern).Inc()
			}
			c.logger.Error("failed to subscribe",
				"pattern", sub.TopicPattern,
				"qos", sub.QoS,
				"error", token.Error(),
			)
			continue
		}
		delete(c.failedSubs, sub.ID)
		c.logger.Info("subscribed", "pattern", sub.TopicPattern, "qos", sub.QoS)
	}
}

// onMessage runs on the paho network goroutine. It only enqueues; blocking
// here applies TCP backpressure when the worker falls behind.
func (c *Connection) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	select {
	case c.queue <- msg:
	case <-c.done:
	}
}

func (c *Connection) worker() {
	defer close(c.workerDone)
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			c.handleMessage(msg)
		}
	}
}

func (c *Connection) handleMessage(msg pahomqtt.Message) {
	now := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if c.metrics != nil {
		c.metrics.MessagesReceived.WithLabelValues(c.row.SiteCode).Inc()
	}
	if err := c.repo.TouchLastMessage(ctx, c.row.ID, now); err != nil {
		c.logger.Error("failed to record message arrival", "error", err)
	}

	err := c.handler.Process(ctx, c.row.SiteID, c.row.SiteCode, msg.Topic(), msg.Payload(), msg.Qos(), msg.Retained())
	if err != nil {
		// No ack: the broker redelivers QoS 1/2 messages.
		c.logger.Error("message processing failed, leaving delivery unacked",
			"topic", msg.Topic(),
			"error", err,
		)
		return
	}
	msg.Ack()
}

func (c *Connection) onConnectionLost(_ pahomqtt.Client, lostErr error) {
	c.mu.Lock()
	wasConnected := c.state == store.StateConnected
	c.state = store.StateDisconnected
	brokerInitiated := wasConnected && isBrokerInitiated(lostErr)
	if brokerInitiated {
		c.cooldownUntil = time.Now().Add(duplicateClientCooldown)
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ConnectionStatus.WithLabelValues(c.row.SiteCode).Set(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if brokerInitiated {
		if c.metrics != nil {
			c.metrics.CooldownsEntered.WithLabelValues(c.row.SiteCode).Inc()
		}
		c.logger.Warn("broker closed the session, entering duplicate-client cooldown",
			"cooldown", duplicateClientCooldown,
			"error", lostErr,
		)
		if err := c.repo.UpdateConnectionStatus(ctx, c.row.ID, store.ConnectionStatusUpdate{
			State: store.StateDisconnected,
		}); err != nil {
			c.logger.Error("failed to record disconnected state", "error", err)
		}
		return
	}

	c.logger.Warn("connection lost", "error", lostErr)
	c.scheduleRetry(ctx, lostErr)
}

// scheduleRetry applies the backoff policy after a failed connect or a lost
// connection and writes the outcome on the row.
func (c *Connection) scheduleRetry(ctx context.Context, cause error) {
	c.mu.Lock()
	c.retryCount++
	retryCount := c.retryCount
	c.state = store.StateError
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ConnectFailures.WithLabelValues(c.row.SiteCode, failureReason(cause)).Inc()
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	update := store.ConnectionStatusUpdate{
		State:      store.StateError,
		LastError:  &msg,
		RetryCount: &retryCount,
	}
	errorCount := c.row.ErrorCount + retryCount
	update.ErrorCount = &errorCount

	if retryCount > c.row.MaxRetries {
		update.ClearNextRetry = true
		c.logger.Error("retry budget exhausted, waiting for operator",
			"retry_count", retryCount,
			"max_retries", c.row.MaxRetries,
			"error", cause,
		)
	} else {
		delay := BackoffDelay(
			time.Duration(c.row.RetryBaseSeconds)*time.Second,
			time.Duration(c.row.RetryMaxSeconds)*time.Second,
			retryCount,
		)
		next := time.Now().UTC().Add(delay)
		update.NextRetryAt = &next
		c.logger.Warn("connect failed, retry scheduled",
			"retry_count", retryCount,
			"next_retry_at", next,
			"error", cause,
		)
	}

	if err := c.repo.UpdateConnectionStatus(ctx, c.row.ID, update); err != nil {
		c.logger.Error("failed to record retry state", "error", err)
	}
}

// isBrokerInitiated recognises the duplicate-client signature: the broker
// dropping an established session by closing the socket.
func isBrokerInitiated(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	return strings.Contains(err.Error(), "EOF")
}

func failureReason(err error) string {
	if err == nil {
		return "unknown"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not authorized"), strings.Contains(msg, "bad user name or password"):
		return "auth"
	case strings.Contains(msg, "timed out"):
		return "timeout"
	default:
		return "network"
	}
}
