package realtime

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"

	"mailpulse/internal/logging"
	"mailpulse/internal/runctx"
)

type sseEvent struct {
	Name string
	Data []byte
}

// readSSEEvents scans a text/event-stream body into discrete events. The
// stream is long-lived; termination is reported through errs (io.EOF for a
// clean server disconnect, ctx.Err when the consumer went away mid-send).
func readSSEEvents(ctx context.Context, logger *logging.Logger, reader io.Reader, out chan<- sseEvent, errs chan<- error) {
	defer close(out)

	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	name := ""
	var data bytes.Buffer
	emit := func() bool {
		if name == "" && data.Len() == 0 {
			return true
		}
		event := sseEvent{Name: strings.TrimSpace(name), Data: append([]byte{}, data.Bytes()...)}
		name = ""
		data.Reset()
		return runctx.SendOrDone(ctx, "event stream reader", logger, out, event)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if !emit() {
				errs <- ctx.Err()
				return
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "event:"); ok {
			name = strings.TrimSpace(rest)
			continue
		}
		if segment, ok := strings.CutPrefix(line, "data:"); ok {
			if len(segment) > 0 && segment[0] == ' ' {
				segment = segment[1:]
			}
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(segment)
		}
	}

	if !emit() {
		errs <- ctx.Err()
		return
	}
	if scanErr := scanner.Err(); scanErr != nil {
		errs <- scanErr
		return
	}
	errs <- io.EOF
}
