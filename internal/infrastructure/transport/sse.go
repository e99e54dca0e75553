package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	gosync "sync"

	"driftsync/internal/core/apperror"
	"driftsync/internal/domain/sync"
)

// eventStream reads server-sent events off a response body. Frames are
// `data:` lines terminated by a blank line; comment lines (leading ':',
// used by the server as heartbeats) are skipped.
type eventStream struct {
	body   io.ReadCloser
	reader *bufio.Reader

	closeOnce gosync.Once
	closeErr  error
}

func newEventStream(body io.ReadCloser) *eventStream {
	return &eventStream{
		body:   body,
		reader: bufio.NewReader(body),
	}
}

// Next blocks until a complete event frame arrives. Returns io.EOF when
// the server ends the stream cleanly.
func (s *eventStream) Next() (sync.Event, error) {
	var data strings.Builder

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && data.Len() == 0 {
				return sync.Event{}, io.EOF
			}
			return sync.Event{}, apperror.NewStreamDisconnected(err)
		}

		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			// Blank line dispatches the accumulated frame. Heartbeats
			// produce empty frames; keep reading.
			if data.Len() == 0 {
				continue
			}
			var ev sync.Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return sync.Event{}, fmt.Errorf("decode event frame: %w", err)
			}
			return ev, nil

		case strings.HasPrefix(line, ":"):
			// Comment / heartbeat line.
			continue

		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))

		default:
			// Field we don't use (event:, id:, retry:). Ignore.
		}
	}
}

// Close terminates the stream. Safe to call concurrently with Next; a
// blocked Next unblocks with a read error.
func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
