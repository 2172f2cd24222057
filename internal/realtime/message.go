package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Message is the canonical form every inbound hub invocation is normalized
// into. The upstream wire shape is not contractually fixed, so the four
// recognized shapes (no args, one object, one scalar, positional args) all
// funnel through Normalize.
type Message struct {
	Type      string
	Payload   any
	Timestamp time.Time
	ID        string
}

const defaultMessageType = "notification"

// Key casings seen in the wild for each canonical field.
var (
	typeKeys      = []string{"type", "Type", "TYPE", "messageType", "MessageType"}
	payloadKeys   = []string{"payload", "Payload", "data", "Data", "body", "Body"}
	timestampKeys = []string{"timestamp", "Timestamp", "time", "Time"}
	idKeys        = []string{"id", "Id", "ID", "messageId", "MessageId"}
)

func Normalize(args []any) Message {
	switch len(args) {
	case 0:
		return emptyMessage()
	case 1:
		if obj, ok := args[0].(map[string]any); ok {
			return fromObject(obj)
		}
		msg := emptyMessage()
		msg.Payload = args[0]
		return msg
	default:
		msg := emptyMessage()
		if leading, ok := args[0].(string); ok {
			msg.Type = leading
			rest := args[1:]
			if len(rest) == 1 {
				msg.Payload = rest[0]
			} else {
				msg.Payload = rest
			}
			return msg
		}
		msg.Payload = args
		return msg
	}
}

func emptyMessage() Message {
	return Message{
		Type:      defaultMessageType,
		Timestamp: time.Now(),
		ID:        uuid.NewString(),
	}
}

func fromObject(obj map[string]any) Message {
	msg := emptyMessage()
	if value, ok := firstString(obj, typeKeys); ok {
		msg.Type = value
	}
	if value, ok := firstValue(obj, payloadKeys); ok {
		msg.Payload = value
	}
	if value, ok := firstValue(obj, timestampKeys); ok {
		if ts, parsed := parseTimestamp(value); parsed {
			msg.Timestamp = ts
		}
	}
	if value, ok := firstString(obj, idKeys); ok {
		msg.ID = value
	}
	return msg
}

func firstValue(obj map[string]any, keys []string) (any, bool) {
	for _, key := range keys {
		if value, ok := obj[key]; ok {
			return value, true
		}
	}
	return nil, false
}

func firstString(obj map[string]any, keys []string) (string, bool) {
	value, ok := firstValue(obj, keys)
	if !ok {
		return "", false
	}
	str, isString := value.(string)
	if !isString || str == "" {
		return "", false
	}
	return str, true
}

func parseTimestamp(value any) (time.Time, bool) {
	switch v := value.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts, true
		}
	case float64:
		// JSON numbers arrive as float64; treat as unix milliseconds.
		return time.UnixMilli(int64(v)), true
	}
	return time.Time{}, false
}
