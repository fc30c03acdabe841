package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Stream is a single-pass, non-restartable sequence of text increments from
// a streaming chat call. Iterate with Next/Text until Next returns false,
// then check Err. Abandoning iteration and calling Close tears down the
// underlying connection rather than draining it.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	text    string
	usage   Usage
	gotUse  bool
	done    bool
	err     error
}

// StreamMessage starts a streaming chat call and returns the increment
// stream. The caller must Close the stream.
func (c *Client) StreamMessage(ctx context.Context, req Request) (*Stream, error) {
	req = c.resolve(req)
	if err := c.validate(req); err != nil {
		return nil, err
	}

	body, err := c.wireBody(req, true)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	resp, err := c.invoker.Do(ctx, func() (*http.Request, error) {
		r, err := c.newRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		r.Header.Set("Accept", "text/event-stream")
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Stream{body: resp.Body, scanner: scanner}, nil
}

var dataPrefix = []byte("data:")

// Next advances to the next text increment. It returns false at the
// provider's completion sentinel, on error, or at connection end.
func (s *Stream) Next() bool {
	if s.done || s.err != nil {
		return false
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		data := bytes.TrimSpace(line[len(dataPrefix):])
		if len(data) == 0 {
			continue
		}

		ev, err := decodeStreamEvent(data)
		if err != nil {
			s.err = fmt.Errorf("llm: decode stream event: %w", err)
			return false
		}

		switch ev.Type {
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" {
				s.text = ev.Delta.Text
				return true
			}
		case "message_delta":
			if ev.Usage != nil {
				s.usage = *ev.Usage
				s.gotUse = true
			}
		case "message_stop":
			s.done = true
			return false
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.err = fmt.Errorf("llm: stream read: %w", err)
	} else if !s.done {
		s.err = fmt.Errorf("llm: stream ended without completion sentinel")
	}
	return false
}

// Text returns the current increment.
func (s *Stream) Text() string { return s.text }

// Usage returns the token usage reported on the stream, if any arrived
// before the completion sentinel.
func (s *Stream) Usage() (Usage, bool) { return s.usage, s.gotUse }

// Err returns the first error encountered while iterating.
func (s *Stream) Err() error { return s.err }

// Close tears down the underlying connection. Safe to call at any point;
// unread chunks are discarded, not drained.
func (s *Stream) Close() error {
	return s.body.Close()
}
