package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/querystate/errors"
	"github.com/c360/querystate/pkg/retry"
	"github.com/c360/querystate/signal"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrClosed       = stderrors.New("client is closed")
)

// Client manages one NATS connection and reports its state to subscribers.
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	subs []*nats.Subscription

	// Connection options
	maxReconnects  int
	reconnectWait  time.Duration
	pingInterval   time.Duration
	timeout        time.Duration
	drainTimeout   time.Duration
	requestTimeout time.Duration
	connectRetry   retry.Config

	// Authentication - sensitive fields cleared on close
	username string
	password string
	token    string

	clientName string
	tlsConfig  *tls.Config
	metrics    *clientMetrics

	listeners  map[uint64]func(connected bool)
	listenerID uint64

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:            url,
		logger:         slog.Default(),
		maxReconnects:  -1,
		reconnectWait:  2 * time.Second,
		pingInterval:   30 * time.Second,
		timeout:        5 * time.Second,
		drainTimeout:   30 * time.Second,
		requestTimeout: 5 * time.Second,
		connectRetry:   retry.Quick(),
		listeners:      make(map[uint64]func(bool)),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient", "url", url)
	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsConnected reports whether the connection is usable.
func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// setStatus records status and notifies listeners when connectivity flips.
func (c *Client) setStatus(status ConnectionStatus) {
	prev := c.Status()
	c.status.Store(status)
	c.metrics.setStatus(status)

	was, is := prev == StatusConnected, status == StatusConnected
	if was == is {
		return
	}
	c.logger.Info("NATS connectivity changed", "status", status.String())

	c.mu.RLock()
	listeners := make([]func(bool), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.RUnlock()
	for _, l := range listeners {
		l(is)
	}
}

// OnStatusChange registers fn for connectivity changes. Call the returned function
// to unregister.
func (c *Client) OnStatusChange(fn func(connected bool)) func() {
	c.mu.Lock()
	c.listenerID++
	id := c.listenerID
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// OnlineSource reports the connection state to an online manager. The current state
// is reported when the source is installed.
func (c *Client) OnlineSource() signal.EventSource {
	return func(set func(bool)) func() {
		unsubscribe := c.OnStatusChange(set)
		set(c.IsConnected())
		return unsubscribe
	}
}

// WaitForConnection waits for the connection to be established
func (c *Client) WaitForConnection(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	ready := make(chan struct{})
	var once sync.Once
	unsubscribe := c.OnStatusChange(func(connected bool) {
		if connected {
			once.Do(func() { close(ready) })
		}
	})
	defer unsubscribe()
	if c.IsConnected() {
		return nil
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionTimeout, ctx.Err()),
			"Client", "WaitForConnection", "wait for connection")
	}
}

// buildConnectionOptions builds NATS connection options from client configuration
func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	if c.tlsConfig != nil {
		opts = append(opts, nats.Secure(c.tlsConfig))
	}
	return opts
}

// Connect dials the server, retrying with the configured backoff.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapFatal(ErrClosed, "Client", "Connect", "check state")
	}
	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS")

	opts := c.buildConnectionOptions()
	conn, err := retry.DoWithResult(ctx, c.connectRetry, func() (*nats.Conn, error) {
		conn, err := nats.Connect(c.url, opts...)
		if err != nil {
			c.logger.Debug("NATS connection attempt failed", "error", err)
		}
		return conn, err
	})
	if err != nil {
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrNoConnection, err),
			"Client", "Connect", "establish connection")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setStatus(StatusConnected)
	return nil
}

// Close drains and closes the connection.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	subs := c.subs
	c.conn, c.subs = nil, nil
	c.username, c.password, c.token = "", "", ""
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}

	if conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}
		drainDone := make(chan error, 1)
		go func() {
			drainDone <- conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain connection"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain connection"))
		}
		conn.Close()
	}

	c.setStatus(StatusClosed)
	return stderrors.Join(errs...)
}

func (c *Client) connection() (*nats.Conn, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "connection", "check connection")
	}
	return conn, nil
}

// RTT returns the round-trip time to the NATS server
func (c *Client) RTT() (time.Duration, error) {
	conn, err := c.connection()
	if err != nil {
		return 0, err
	}
	return conn.RTT()
}

// Subscribe delivers messages on subject to handler until the client closes.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Publish publishes a message to a NATS subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}
	return nil
}

// Request sends data on subject and waits for the reply. Without a deadline on ctx
// the configured request timeout applies.
func (c *Client) Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	start := time.Now()
	msg, err := conn.RequestWithContext(ctx, subject, data)
	c.metrics.recordRequest(subject, err, time.Since(start))
	if err != nil {
		return nil, classifyRequestError(err, subject)
	}
	return msg, nil
}

func classifyRequestError(err error, subject string) error {
	switch {
	case stderrors.Is(err, context.Canceled):
		return err
	case stderrors.Is(err, nats.ErrNoResponders):
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrServiceUnavailable, err),
			"Client", "Request", "request "+subject)
	case stderrors.Is(err, nats.ErrTimeout), stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionTimeout, err),
			"Client", "Request", "request "+subject)
	case stderrors.Is(err, nats.ErrConnectionClosed), stderrors.Is(err, nats.ErrConnectionDraining):
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionLost, err),
			"Client", "Request", "request "+subject)
	default:
		return errors.WrapTransient(err, "Client", "Request", "request "+subject)
	}
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.logger.Warn("NATS disconnected", "error", err)
	c.setStatus(StatusReconnecting)
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.logger.Info("NATS reconnected")
	c.setStatus(StatusConnected)
}

func (c *Client) handleClosed(_ *nats.Conn) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusDisconnected)
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Error("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	c.logger.Error("NATS error", "error", err)
}
