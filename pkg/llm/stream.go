package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const readChunkSize = 4096

// Stream performs a streaming completion. Every `data:` frame is decoded and
// handed to onEvent; a frame with stop set ends the stream. `error:` frames are
// logged and skipped. A malformed `data:` payload aborts with *ProtocolError.
// Cancelling ctx aborts the read and returns an error matched by
// IsCancellation; no event is delivered once cancellation is observed. The
// content received so far is returned in every case.
func (c *ServerClient) Stream(ctx context.Context, req CompletionRequest, onEvent func(ContentEvent) error) (string, error) {
	bodyBytes, err := json.Marshal(c.buildBody(req, true))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/completion", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", canceled(ctx)
		}
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		return "", &ServerError{StatusCode: resp.StatusCode, Body: string(errorBody)}
	}

	d := &streamDecoder{ctx: ctx, onEvent: onEvent, logger: c.logger}
	return d.run(resp.Body)
}

// streamDecoder turns raw body chunks into content events.
type streamDecoder struct {
	ctx     context.Context
	onEvent func(ContentEvent) error
	logger  *zap.Logger
	content strings.Builder
}

func (d *streamDecoder) run(body io.Reader) (string, error) {
	var acc Accumulator
	buf := make([]byte, readChunkSize)

	for {
		if d.ctx.Err() != nil {
			return d.content.String(), canceled(d.ctx)
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			var lines []string
			acc, lines = acc.Feed(buf[:n])
			done, err := d.handle(lines)
			if err != nil || done {
				return d.content.String(), err
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			_, err := d.handle(acc.Flush())
			return d.content.String(), err
		}
		if d.ctx.Err() != nil {
			return d.content.String(), canceled(d.ctx)
		}
		return d.content.String(), fmt.Errorf("read stream: %w", readErr)
	}
}

// handle processes complete lines. It reports true once a stop frame was seen.
func (d *streamDecoder) handle(lines []string) (bool, error) {
	for _, line := range lines {
		frame, ok := ParseFrame(line)
		if !ok {
			continue
		}

		switch frame.Field {
		case "data":
			var event ContentEvent
			if err := json.Unmarshal([]byte(frame.Value), &event); err != nil {
				return false, &ProtocolError{Line: line, Err: err}
			}
			if d.ctx.Err() != nil {
				return false, canceled(d.ctx)
			}
			d.content.WriteString(event.Content)
			if d.onEvent != nil {
				if err := d.onEvent(event); err != nil {
					return false, err
				}
			}
			if event.Stop {
				return true, nil
			}
		case "error":
			d.logger.Warn("llama.cpp stream error", zap.String("error", errorContent(frame.Value)))
		}
	}
	return false, nil
}

// errorContent extracts the message of an `error:` frame, falling back to the
// raw value when it is not JSON.
func errorContent(value string) string {
	var payload struct {
		Content string `json:"content"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(value), &payload); err != nil {
		return value
	}
	if payload.Content != "" {
		return payload.Content
	}
	if payload.Message != "" {
		return payload.Message
	}
	return value
}
