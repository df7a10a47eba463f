// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/stacklok/modelbridge/pkg/errors"
)

// maxStreamLine bounds a single streamed chunk.
const maxStreamLine = 10 << 20

// StreamEvent is one parsed chunk of a streaming response, or a terminal
// error. After an event with Err != nil the channel is closed.
type StreamEvent struct {
	Raw []byte
	Err error
}

// StreamGenerateContent calls models/<name>:streamGenerateContent and
// yields parsed JSON chunks. The upstream protocol differs between
// deployments, so the decoder is chosen by probing Content-Type:
// text/event-stream is parsed as SSE, everything else as newline-delimited
// JSON (tolerating JSON-array framing). Callers stop early by cancelling
// ctx.
func (c *Client) StreamGenerateContent(ctx context.Context, model string, req *GenerateRequest) (<-chan StreamEvent, error) {
	body, err := marshal(req)
	if err != nil {
		return nil, err
	}

	streamURL := c.modelURL(model, "streamGenerateContent") + "?alt=sse"
	resp, err := c.do(ctx, http.MethodPost, streamURL, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, apiError(resp.StatusCode, data)
	}

	events := make(chan StreamEvent)
	sse := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")

	go func() {
		defer close(events)
		defer resp.Body.Close()

		var err error
		if sse {
			err = decodeSSE(ctx, resp.Body, events)
		} else {
			err = decodeJSONLines(ctx, resp.Body, events)
		}
		if err != nil {
			if ctx.Err() != nil {
				err = errors.NewCancelledError(ctx.Err())
			}
			emit(ctx, events, StreamEvent{Err: err})
		}
	}()

	return events, nil
}

// emit sends without wedging the goroutine when the caller went away.
func emit(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// decodeSSE parses "data:" lines from a server-sent-events body.
func decodeSSE(ctx context.Context, body io.Reader, events chan<- StreamEvent) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		payload, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		payload = bytes.TrimSpace(payload)
		if len(payload) == 0 {
			continue
		}
		chunk := make([]byte, len(payload))
		copy(chunk, payload)
		if !emit(ctx, events, StreamEvent{Raw: chunk}) {
			return nil
		}
	}
	return scanner.Err()
}

// decodeJSONLines parses a newline-delimited JSON stream. Some deployments
// frame the chunks as one big JSON array instead; the decoder handles both.
func decodeJSONLines(ctx context.Context, body io.Reader, events chan<- StreamEvent) error {
	reader := bufio.NewReaderSize(body, 64*1024)

	first, err := peekNonSpace(reader)
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if first == '[' {
		dec := json.NewDecoder(reader)
		if _, err := dec.Token(); err != nil {
			return err
		}
		for dec.More() {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return err
			}
			if !emit(ctx, events, StreamEvent{Raw: raw}) {
				return nil
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		chunk := make([]byte, len(line))
		copy(chunk, line)
		if !emit(ctx, events, StreamEvent{Raw: chunk}) {
			return nil
		}
	}
	return scanner.Err()
}

// peekNonSpace returns the first non-whitespace byte without consuming it.
func peekNonSpace(reader *bufio.Reader) (byte, error) {
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			if err := reader.UnreadByte(); err != nil {
				return 0, err
			}
			return b, nil
		}
	}
}
