// Package app wires the token managers and the realtime connection into one
// explicitly-managed agent instance: no globals, lifecycle owned by the
// caller.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mailpulse/internal/config"
	"mailpulse/internal/connstate"
	"mailpulse/internal/logging"
	"mailpulse/internal/negotiate"
	"mailpulse/internal/realtime"
	"mailpulse/internal/token"
	"mailpulse/internal/token/hostbridge"
)

const (
	httpTimeout       = 30 * time.Second
	restartDelay      = 5 * time.Second
	restartMaxDelay   = 30 * time.Second
	defaultHubMethods = "newMail,mailUpdated,notification"
)

// reconnectSchedule is the transport-level backoff: an immediate retry,
// then widening gaps.
var reconnectSchedule = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

type Callbacks struct {
	OnStatusChange func(string)
	OnMessage      func(realtime.Message)
}

// Agent is the single active instance owning both token managers and the
// push connection.
type Agent struct {
	opts      config.Options
	endpoints config.APIEndpoints
	logger    *logging.Logger
	hooks     Callbacks

	delegated *token.Manager
	appCreds  *token.Manager
	conn      *realtime.Connection

	watcher *secretWatcher

	mu            sync.Mutex
	runCtx        context.Context
	runCancel     context.CancelFunc
	status        string
	wantConnected bool
	establishing  bool
	restarting    bool
}

func New(opts config.Options, logger *logging.Logger, hooks Callbacks) (*Agent, error) {
	if logger == nil {
		panic("app.New: logger must not be nil")
	}
	endpoints, err := config.BuildEndpoints(opts)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateRequired(opts); err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: httpTimeout}
	a := &Agent{
		opts:      opts,
		endpoints: endpoints,
		logger:    logger,
		hooks:     hooks,
		status:    connstate.Idle,
	}

	if bridgeURL := strings.TrimSpace(opts.HostBridgeURL); bridgeURL != "" {
		a.delegated = token.NewManager(&token.DelegatedSource{
			Host:   &hostbridge.Client{HTTP: httpClient, URL: strings.TrimRight(bridgeURL, "/"), Logger: logger},
			Logger: logger,
		}, logger)
	}
	if strings.TrimSpace(opts.ClientID) != "" {
		a.appCreds = token.NewManager(&token.ClientCredentialsSource{
			TokenURL: endpoints.TokenURL,
			ClientID: strings.TrimSpace(opts.ClientID),
			Scope:    strings.TrimSpace(opts.Scope),
			Secret:   secretReader(opts),
			HTTP:     httpClient,
			Logger:   logger,
		}, logger)
	}

	negotiator := &negotiate.Client{HTTP: httpClient, Logger: logger}
	a.conn = realtime.NewConnection(httpClient, negotiator, logger)
	a.conn.SetStateListener(a.onConnectionState)
	a.conn.SetMessageListener(a.onHubMessage)
	return a, nil
}

// secretReader resolves the client secret at acquisition time so on-disk
// rotation takes effect without a restart.
func secretReader(opts config.Options) func() (string, error) {
	if file := strings.TrimSpace(opts.ClientSecretFile); file != "" {
		return func() (string, error) {
			data, err := os.ReadFile(file)
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(string(data)), nil
		}
	}
	secret := strings.TrimSpace(opts.ClientSecret)
	return func() (string, error) { return secret, nil }
}

// Start begins proactive token renewal and secret-rotation watching, and
// connects immediately when auto-connect is configured.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.runCancel != nil {
		a.mu.Unlock()
		return errors.New("agent already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.runCtx = runCtx
	a.runCancel = cancel
	a.mu.Unlock()

	if a.delegated != nil {
		a.delegated.StartAutoRefresh(runCtx)
	}
	if a.appCreds != nil {
		a.appCreds.StartAutoRefresh(runCtx)
	}
	if file := strings.TrimSpace(a.opts.ClientSecretFile); file != "" && a.appCreds != nil {
		watcher, err := watchSecretFile(runCtx, file, a.appCreds, a.logger)
		if err != nil {
			a.logger.Warn("secret rotation watch unavailable", logging.Field("error", err))
		} else {
			a.watcher = watcher
		}
	}

	a.logger.Info("agent started",
		logging.Field("delegated", a.delegated != nil),
		logging.Field("client_credentials", a.appCreds != nil),
		logging.Field("auto_connect", a.opts.AutoConnect),
	)

	if a.opts.AutoConnect {
		if err := a.Connect(runCtx); err != nil {
			a.logger.Warn("auto-connect failed", logging.Field("error", err))
		}
	}
	return nil
}

// Connect establishes the push connection. Unplanned disconnects after a
// successful connect trigger a supervised full restart (renegotiation
// included) with exponential backoff.
func (a *Agent) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.wantConnected = true
	a.establishing = true
	a.mu.Unlock()

	a.setStatus(connstate.Connecting)
	err := a.conn.Connect(ctx, a.connectionConfig())

	// Clear the establishing flag before reporting: state callbacks for the
	// attempt itself have already fired synchronously, and the restart
	// supervisor must only ever react to drops of an established session.
	a.mu.Lock()
	a.establishing = false
	if err != nil {
		a.wantConnected = false
	}
	a.mu.Unlock()

	if err != nil {
		if a.isAuthFailure(err) {
			a.setStatus(connstate.DisconnectedAuth)
		} else {
			a.setStatus(connstate.Disconnected)
		}
		return err
	}
	return nil
}

func (a *Agent) Disconnect() {
	a.mu.Lock()
	a.wantConnected = false
	a.mu.Unlock()
	a.conn.Stop()
	a.setStatus(connstate.Disconnected)
}

// SignOut tears down the connection and clears every cached credential.
func (a *Agent) SignOut() {
	a.Disconnect()
	if a.delegated != nil {
		a.delegated.Clear()
	}
	if a.appCreds != nil {
		a.appCreds.Clear()
	}
	a.logger.Info("signed out, credentials cleared")
	a.setStatus(connstate.Idle)
}

func (a *Agent) Close() {
	a.Disconnect()
	if a.delegated != nil {
		a.delegated.StopAutoRefresh()
	}
	if a.appCreds != nil {
		a.appCreds.StopAutoRefresh()
	}
	if a.watcher != nil {
		a.watcher.Close()
		a.watcher = nil
	}
	a.mu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.logger.Info("agent stopped")
}

// Token returns a valid bearer from the highest-priority configured source.
func (a *Agent) Token(ctx context.Context) (string, error) {
	switch {
	case a.delegated != nil:
		return a.delegated.Token(ctx)
	case a.appCreds != nil:
		return a.appCreds.Token(ctx)
	case strings.TrimSpace(a.opts.StaticToken) != "":
		return strings.TrimSpace(a.opts.StaticToken), nil
	default:
		return "", errors.New("no token source configured")
	}
}

// TokenStatuses is the display snapshot of both identity sources.
type TokenStatuses struct {
	Delegated      *token.Status
	AppCredentials *token.Status
}

func (a *Agent) TokenStatus() TokenStatuses {
	statuses := TokenStatuses{}
	if a.delegated != nil {
		s := a.delegated.Status()
		statuses.Delegated = &s
	}
	if a.appCreds != nil {
		s := a.appCreds.Status()
		statuses.AppCredentials = &s
	}
	return statuses
}

func (a *Agent) ConnectionState() realtime.State {
	return a.conn.State()
}

func (a *Agent) LastMessage() (realtime.Message, bool) {
	return a.conn.LastMessage()
}

func (a *Agent) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) connectionConfig() realtime.Config {
	cfg := realtime.Config{
		HubURL:            a.endpoints.HubURL,
		NegotiateEndpoint: a.endpoints.NegotiateURL,
		StaticToken:       strings.TrimSpace(a.opts.StaticToken),
		BackoffSchedule:   reconnectSchedule,
		Handlers:          map[string]realtime.Handler{},
	}
	if a.delegated != nil {
		cfg.Delegated = a.delegated
	}
	if a.appCreds != nil {
		cfg.AppCredentials = a.appCreds
	}
	for _, method := range strings.Split(defaultHubMethods, ",") {
		bound := method
		cfg.Handlers[bound] = func(msg realtime.Message) {
			a.logger.Debug("hub message handled",
				logging.Field("method", bound),
				logging.Field("type", msg.Type),
				logging.Field("id", msg.ID),
			)
		}
	}
	return cfg
}

func (a *Agent) onConnectionState(state realtime.State) {
	switch state {
	case realtime.StateConnecting:
		a.setStatus(connstate.Connecting)
	case realtime.StateConnected:
		a.setStatus(connstate.Connected)
	case realtime.StateReconnecting:
		a.setStatus(connstate.Reconnecting)
	case realtime.StateDisconnected:
		a.mu.Lock()
		wants := a.wantConnected
		establishing := a.establishing
		ctx := a.runCtx
		a.mu.Unlock()
		// A failed Connect emits Disconnected before it returns; the
		// caller reports that outcome itself, and a session that never
		// existed has nothing to restart.
		if establishing {
			return
		}
		if wants && ctx != nil && ctx.Err() == nil {
			a.setStatus(connstate.Reconnecting)
			go a.restartLoop(ctx)
			return
		}
		a.setStatus(connstate.Disconnected)
	}
}

// restartLoop supervises full connection restarts after the transport has
// fully dropped. Each attempt renegotiates; auth failures end the loop.
func (a *Agent) restartLoop(ctx context.Context) {
	a.mu.Lock()
	if a.restarting {
		a.mu.Unlock()
		return
	}
	a.restarting = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.restarting = false
		a.mu.Unlock()
	}()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = restartDelay
	retry.MaxInterval = restartMaxDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		a.mu.Lock()
		wants := a.wantConnected
		a.mu.Unlock()
		if !wants {
			return struct{}{}, backoff.Permanent(context.Canceled)
		}
		connectErr := a.conn.Connect(ctx, a.connectionConfig())
		if connectErr == nil {
			return struct{}{}, nil
		}
		if a.isAuthFailure(connectErr) {
			return struct{}{}, backoff.Permanent(connectErr)
		}
		return struct{}{}, connectErr
	},
		backoff.WithBackOff(retry),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Debug("retrying connection restart",
				logging.Field("error", err),
				logging.Field("next_retry", next.String()),
			)
		}),
	)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if a.isAuthFailure(err) {
		a.setStatus(connstate.DisconnectedAuth)
	} else {
		a.setStatus(connstate.Disconnected)
	}
	a.logger.Warn("connection restart abandoned", logging.Field("error", err))
}

func (a *Agent) isAuthFailure(err error) bool {
	return token.IsAuthError(err) || negotiate.IsAuthFailed(err) || realtime.IsUnauthorized(err)
}

func (a *Agent) onHubMessage(msg realtime.Message) {
	if a.hooks.OnMessage != nil {
		a.hooks.OnMessage(msg)
	}
}

func (a *Agent) setStatus(status string) {
	a.mu.Lock()
	if a.status == status {
		a.mu.Unlock()
		return
	}
	previous := a.status
	a.status = status
	a.mu.Unlock()

	a.logger.Debug("agent status transition",
		logging.Field("from", previous),
		logging.Field("to", status),
	)
	if a.hooks.OnStatusChange != nil {
		a.hooks.OnStatusChange(status)
	}
}
