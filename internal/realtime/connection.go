// Package realtime owns the persistent push-messaging connection: the
// negotiate handshake, the transport lifecycle, and normalization of the
// heterogeneous inbound message shapes.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"mailpulse/internal/logging"
	"mailpulse/internal/negotiate"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Disconnected"
	}
}

// TokenProvider is the slice of a token manager the connection needs.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type Handler func(Message)

// Config describes one connection attempt. Bearer providers apply in
// priority order: TokenFactory, then Delegated, then AppCredentials, then
// StaticToken.
type Config struct {
	HubURL            string
	NegotiateEndpoint string
	TokenFactory      TokenFactory
	Delegated         TokenProvider
	AppCredentials    TokenProvider
	StaticToken       string
	BackoffSchedule   []time.Duration
	Handlers          map[string]Handler
}

// Connection drives the transport through its state machine. The transport
// handle stays private so callers cannot start it before handlers are
// bound.
type Connection struct {
	logger       *logging.Logger
	negotiator   *negotiate.Client
	newTransport func(url string, tokens TokenFactory, schedule []time.Duration) Transport

	mu          sync.Mutex
	cfg         Config
	state       State
	transport   Transport
	session     *negotiate.Result
	runCancel   context.CancelFunc
	lastMessage *Message
	onState     func(State)
	onMessage   func(Message)
}

func NewConnection(httpClient *http.Client, negotiator *negotiate.Client, logger *logging.Logger) *Connection {
	if logger == nil {
		panic("realtime.NewConnection: logger must not be nil")
	}
	if negotiator == nil {
		negotiator = &negotiate.Client{HTTP: httpClient, Logger: logger}
	}
	c := &Connection{logger: logger, negotiator: negotiator}
	c.newTransport = func(url string, tokens TokenFactory, schedule []time.Duration) Transport {
		return NewSSETransport(url, tokens, schedule, httpClient, logger)
	}
	return c
}

// SetStateListener registers the single state observer. Must be called
// before Connect.
func (c *Connection) SetStateListener(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) SetMessageListener(fn func(Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// Connect negotiates (when configured), binds every handler, and starts the
// transport. It returns once the transport is established.
func (c *Connection) Connect(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cfg = cfg
	c.runCancel = cancel
	c.mu.Unlock()

	c.setState(StateConnecting)
	if err := c.establish(runCtx, cfg); err != nil {
		cancel()
		c.mu.Lock()
		c.runCancel = nil
		c.session = nil
		c.transport = nil
		c.mu.Unlock()
		c.setState(StateDisconnected)
		return err
	}
	c.setState(StateConnected)
	return nil
}

func (c *Connection) establish(ctx context.Context, cfg Config) error {
	provider, err := resolveProvider(cfg)
	if err != nil {
		return err
	}

	transportURL := cfg.HubURL
	transportTokens := provider
	if cfg.NegotiateEndpoint != "" {
		bearer, bearerErr := provider(ctx)
		if bearerErr != nil {
			return bearerErr
		}
		result, negotiateErr := c.negotiator.Negotiate(ctx, cfg.NegotiateEndpoint, bearer)
		if negotiateErr != nil {
			return negotiateErr
		}
		c.mu.Lock()
		c.session = &result
		c.mu.Unlock()

		// The transport token is scoped to this negotiated session and is
		// reused across the transport's own seamless reconnects. A full
		// restart goes back through Connect and renegotiates.
		transportURL = result.URL
		sessionToken := result.AccessToken
		transportTokens = func(context.Context) (string, error) { return sessionToken, nil }
	}

	transport := c.newTransport(transportURL, transportTokens, cfg.BackoffSchedule)

	// Handlers bind strictly before Start: the hub may deliver a message
	// synchronously upon connect, and an unregistered handler drops it.
	for method, handler := range cfg.Handlers {
		bound := handler
		transport.On(method, func(args []any) {
			c.deliver(bound, args)
		})
	}
	transport.OnReconnecting(func(err error) {
		c.logger.Debug("transport reconnecting", logging.Field("error", err))
		c.setState(StateReconnecting)
	})
	transport.OnReconnected(func() {
		c.logger.Info("transport reconnected")
		c.setState(StateConnected)
	})
	transport.OnClose(func(err error) {
		c.handleTransportClose(ctx, err)
	})

	if startErr := transport.Start(ctx); startErr != nil {
		return startErr
	}

	c.mu.Lock()
	c.transport = transport
	c.mu.Unlock()
	return nil
}

// handleTransportClose runs when the transport fully drops (reconnect
// schedule exhausted or unrecoverable failure). Session parameters are
// discarded so the next Connect renegotiates.
func (c *Connection) handleTransportClose(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	c.logger.Warn("realtime connection closed", logging.Field("error", err))
	c.mu.Lock()
	c.session = nil
	c.transport = nil
	cancel := c.runCancel
	c.runCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.setState(StateDisconnected)
}

// Stop gracefully closes the transport and clears all session state. Safe
// to call repeatedly and before any Connect.
func (c *Connection) Stop() {
	c.mu.Lock()
	cancel := c.runCancel
	transport := c.transport
	c.runCancel = nil
	c.transport = nil
	c.session = nil
	c.cfg = Config{}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		_ = transport.Stop(context.Background())
	}
	c.setState(StateDisconnected)
}

func (c *Connection) Invoke(ctx context.Context, method string, data any) error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return errors.New("not connected")
	}
	return transport.Invoke(ctx, method, data)
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) LastMessage() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastMessage == nil {
		return Message{}, false
	}
	return *c.lastMessage, true
}

func (c *Connection) deliver(handler Handler, args []any) {
	msg := Normalize(args)
	c.mu.Lock()
	c.lastMessage = &msg
	observer := c.onMessage
	c.mu.Unlock()

	handler(msg)
	if observer != nil {
		observer(msg)
	}
}

func (c *Connection) setState(next State) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	previous := c.state
	c.state = next
	observer := c.onState
	c.mu.Unlock()

	c.logger.Debug("connection state transition",
		logging.Field("from", previous.String()),
		logging.Field("to", next.String()),
	)
	if observer != nil {
		observer(next)
	}
}

func resolveProvider(cfg Config) (TokenFactory, error) {
	switch {
	case cfg.TokenFactory != nil:
		return cfg.TokenFactory, nil
	case cfg.Delegated != nil:
		return cfg.Delegated.Token, nil
	case cfg.AppCredentials != nil:
		return cfg.AppCredentials.Token, nil
	case cfg.StaticToken != "":
		static := cfg.StaticToken
		return func(context.Context) (string, error) { return static, nil }, nil
	default:
		return nil, errors.New("no bearer token provider configured")
	}
}
