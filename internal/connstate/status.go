package connstate

import "strings"

const (
	Idle             = "Idle"
	Connecting       = "Connecting"
	Authenticated    = "Authenticated"
	Connected        = "Connected"
	Reconnecting     = "Reconnecting"
	Disconnected     = "Disconnected"
	DisconnectedAuth = "Disconnected (auth)"
)

const (
	KeyIdle             = "idle"
	KeyConnecting       = "connecting"
	KeyAuthenticated    = "authenticated"
	KeyConnected        = "connected"
	KeyReconnecting     = "reconnecting"
	KeyDisconnected     = "disconnected"
	KeyDisconnectedAuth = "disconnected (auth)"
)

func Key(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}
