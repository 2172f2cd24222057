package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"mailpulse/internal/logging"
)

// SSETransport is the concrete push transport: a server-sent-events stream
// for inbound messages plus an HTTP invoke channel for outbound calls. The
// handshake re-authenticates through the token factory on every connect and
// reconnect attempt.
type SSETransport struct {
	url      string
	tokens   TokenFactory
	schedule []time.Duration
	http     *http.Client
	logger   *logging.Logger

	mu             sync.Mutex
	handlers       map[string]func(args []any)
	onClose        func(err error)
	onReconnecting func(err error)
	onReconnected  func()
	cancel         context.CancelFunc
	started        bool
}

type connectEvent struct {
	ConnectionID string `json:"connectionId"`
}

type invokePayload struct {
	Target    string `json:"target"`
	Arguments []any  `json:"arguments"`
}

func NewSSETransport(url string, tokens TokenFactory, schedule []time.Duration, httpClient *http.Client, logger *logging.Logger) *SSETransport {
	if tokens == nil {
		panic("realtime.NewSSETransport: token factory must not be nil")
	}
	if logger == nil {
		panic("realtime.NewSSETransport: logger must not be nil")
	}
	return &SSETransport{
		url:      url,
		tokens:   tokens,
		schedule: schedule,
		http:     httpClient,
		logger:   logger,
		handlers: map[string]func(args []any){},
	}
}

func (t *SSETransport) On(method string, handler func(args []any)) {
	t.mu.Lock()
	t.handlers[method] = handler
	t.mu.Unlock()
}

func (t *SSETransport) Off(method string) {
	t.mu.Lock()
	delete(t.handlers, method)
	t.mu.Unlock()
}

func (t *SSETransport) OnClose(fn func(err error)) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

func (t *SSETransport) OnReconnecting(fn func(err error)) {
	t.mu.Lock()
	t.onReconnecting = fn
	t.mu.Unlock()
}

func (t *SSETransport) OnReconnected(fn func()) {
	t.mu.Lock()
	t.onReconnected = fn
	t.mu.Unlock()
}

// Start establishes the stream and returns once connected. The read loop
// then runs until Stop, an unrecoverable failure, or reconnect exhaustion.
func (t *SSETransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.started = true
	t.mu.Unlock()

	body, err := t.connect(runCtx)
	if err != nil {
		cancel()
		t.mu.Lock()
		t.started = false
		t.mu.Unlock()
		return err
	}
	go t.run(runCtx, body)
	return nil
}

func (t *SSETransport) Stop(_ context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.started = false
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (t *SSETransport) Invoke(ctx context.Context, method string, data any) error {
	token, err := t.tokens(ctx)
	if err != nil {
		return fmt.Errorf("invoke credentials: %w", err)
	}
	payload := invokePayload{Target: method}
	if data != nil {
		payload.Arguments = []any{data}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url+"/invoke", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	t.logger.Debugf("POST %s/invoke -> %s", t.url, resp.Status)

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		t.logger.Warn("invoke rejected",
			logging.Field("method", method),
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

func (t *SSETransport) run(ctx context.Context, body io.ReadCloser) {
	current := body
	for {
		err := t.consume(ctx, current)
		if ctx.Err() != nil {
			return
		}
		t.logger.Debug("realtime stream ended", logging.Field("error", err))
		t.notifyReconnecting(err)

		next, reconnectErr := t.reconnect(ctx)
		if reconnectErr != nil {
			if ctx.Err() == nil {
				t.logger.Warn("realtime stream closed", logging.Field("error", reconnectErr))
				t.notifyClose(reconnectErr)
			}
			return
		}
		t.notifyReconnected()
		current = next
	}
}

// consume reads one stream session until it ends. Returns the stream error
// (io.EOF for clean server disconnect) or ctx.Err on cancellation.
func (t *SSETransport) consume(ctx context.Context, body io.ReadCloser) error {
	defer body.Close()

	events := make(chan sseEvent, 16)
	streamErrs := make(chan error, 1)
	go readSSEEvents(ctx, t.logger, body, events, streamErrs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case streamErr := <-streamErrs:
			// The reader has finished; flush anything it buffered before
			// reporting the stream end.
			for event := range events {
				t.dispatch(event)
			}
			return streamErr
		case event, ok := <-events:
			if !ok {
				return io.EOF
			}
			t.dispatch(event)
		}
	}
}

// reconnect walks the configured backoff schedule. An auth rejection on
// reconnect is unrecoverable: the stale credential cannot succeed on retry.
func (t *SSETransport) reconnect(ctx context.Context) (io.ReadCloser, error) {
	if len(t.schedule) == 0 {
		return nil, errors.New("no reconnect schedule configured")
	}
	var last error
	for attempt, delay := range t.schedule {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		t.logger.Debug("attempting realtime reconnect",
			logging.Field("attempt", attempt+1),
			logging.Field("delay", delay.String()),
		)
		body, err := t.connect(ctx)
		if err == nil {
			return body, nil
		}
		if IsUnauthorized(err) {
			return nil, err
		}
		last = err
	}
	return nil, fmt.Errorf("reconnect attempts exhausted: %w", last)
}

func (t *SSETransport) connect(ctx context.Context) (io.ReadCloser, error) {
	token, err := t.tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	// The stream stays open until a disconnect boundary; a whole-request
	// timeout would sever it mid-session.
	streamHTTP := *t.httpClient()
	streamHTTP.Timeout = 0

	resp, err := streamHTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		t.logger.Warn("realtime connect failed",
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	t.logger.Debug("realtime stream connected", logging.Field("url", t.url))
	return resp.Body, nil
}

func (t *SSETransport) dispatch(event sseEvent) {
	if event.Name == "connect" {
		handshake := connectEvent{}
		if err := json.Unmarshal(event.Data, &handshake); err == nil && handshake.ConnectionID != "" {
			t.logger.Debug("realtime handshake complete", logging.Field("connection_id", handshake.ConnectionID))
		}
		return
	}

	t.mu.Lock()
	handler := t.handlers[event.Name]
	t.mu.Unlock()
	if handler == nil {
		t.logger.Debug("ignoring realtime event with no handler", logging.Field("event", event.Name))
		return
	}
	handler(decodeArgs(event.Data))
}

// decodeArgs maps an event body onto positional invocation arguments: a
// JSON array becomes the argument list, any other JSON value a single
// argument, and non-JSON data one raw string argument.
func decodeArgs(data []byte) []any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var list []any
	if err := json.Unmarshal(data, &list); err == nil {
		return list
	}
	var single any
	if err := json.Unmarshal(data, &single); err == nil {
		return []any{single}
	}
	return []any{string(data)}
}

func (t *SSETransport) httpClient() *http.Client {
	if t.http != nil {
		return t.http
	}
	return http.DefaultClient
}

func (t *SSETransport) notifyReconnecting(err error) {
	t.mu.Lock()
	fn := t.onReconnecting
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (t *SSETransport) notifyReconnected() {
	t.mu.Lock()
	fn := t.onReconnected
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *SSETransport) notifyClose(err error) {
	t.mu.Lock()
	fn := t.onClose
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
