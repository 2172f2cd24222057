package realtime

import "context"

// TokenFactory supplies a bearer token whenever the transport needs fresh
// credentials, including on every reconnect attempt.
type TokenFactory func(ctx context.Context) (string, error)

// Transport is the push-messaging wire. Implementations must re-auth the
// handshake on every (re)connect and may deliver a method invocation
// immediately after Start, which is why all handlers have to be bound
// before Start is invoked.
type Transport interface {
	On(method string, handler func(args []any))
	Off(method string)
	OnClose(fn func(err error))
	OnReconnecting(fn func(err error))
	OnReconnected(fn func())

	// Start connects and returns once the stream is established.
	Start(ctx context.Context) error
	// Stop halts the stream and any pending reconnect attempts. Idempotent.
	Stop(ctx context.Context) error
	Invoke(ctx context.Context, method string, data any) error
}
