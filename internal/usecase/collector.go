package usecase

import (
	"context"
	"errors"
	"io"
	"strings"

	"tutor-assistant/internal/domain"
)

type CollectorState int

const (
	StateIdle CollectorState = iota
	StateStreaming
	StateComplete
	StateFailed
)

func (s CollectorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// CollectResult is a fully received answer.
type CollectResult struct {
	Content          string
	CompletionTokens int
}

// Collector relays one streamed answer to the caller while accumulating it.
// A Collector is single use.
type Collector struct {
	state CollectorState
	used  bool
	buf   strings.Builder
	usage *domain.Usage
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) State() CollectorState {
	return c.state
}

// Collect writes every text fragment of stream to out as it arrives and
// returns the accumulated answer once the stream ends cleanly with a usage
// record. Any failure discards the partial text: an upstream error, a stream
// without usage, ctx being done, or a failed write to out.
func (c *Collector) Collect(ctx context.Context, stream domain.ChatStream, out io.Writer) (CollectResult, error) {
	if c.used {
		return CollectResult{}, errors.New("usecase: collector already used")
	}
	c.used = true
	defer stream.Close()

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return c.fail(newError(ErrorUpstream, "cancelled", err))
		}
		// Idle until the first chunk arrives.
		c.state = StateStreaming
		chunk := stream.Chunk()
		if chunk.Delta != "" {
			if _, err := io.WriteString(out, chunk.Delta); err != nil {
				return c.fail(newError(ErrorUpstream, "caller_disconnected", err))
			}
			c.buf.WriteString(chunk.Delta)
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			c.usage = &u
		}
	}
	if err := stream.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.fail(newError(ErrorUpstream, "cancelled", ctxErr))
		}
		return c.fail(upstreamError("stream_error", err))
	}
	if err := ctx.Err(); err != nil {
		return c.fail(newError(ErrorUpstream, "cancelled", err))
	}
	if c.usage == nil {
		return c.fail(newError(ErrorUpstream, "stream_incomplete", nil))
	}

	c.state = StateComplete
	return CollectResult{Content: c.buf.String(), CompletionTokens: c.usage.CompletionTokens}, nil
}

func (c *Collector) fail(err error) (CollectResult, error) {
	c.state = StateFailed
	c.buf.Reset()
	c.usage = nil
	return CollectResult{}, err
}
