package translate

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/arclight-dev/vertexgw/internal/upstream"
)

const (
	objectCompletion = "chat.completion"
	objectChunk      = "chat.completion.chunk"
)

// finishReason converts an upstream finish reason to the OpenAI vocabulary.
func finishReason(upstreamReason string) string {
	switch strings.ToUpper(upstreamReason) {
	case "", "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "content_filter"
	default:
		return strings.ToLower(upstreamReason)
	}
}

// newCompletionID produces a fresh OpenAI-style response id.
func newCompletionID() string {
	return fmt.Sprintf("chatcmpl-%x", rand.Int63())
}

// Completion converts a terminal upstream result into the OpenAI response
// envelope. The response is tagged with the original client-facing model id
// so the registry round-trip stays invisible to the client.
func Completion(res *upstream.Result, clientModel string) *ChatCompletion {
	return &ChatCompletion{
		ID:      newCompletionID(),
		Object:  objectCompletion,
		Created: time.Now().Unix(),
		Model:   clientModel,
		Choices: []ChatCompletionChoice{
			{
				Index:        0,
				Message:      ChatMessage{Role: "assistant", Content: res.Text},
				FinishReason: finishReason(res.FinishReason),
			},
		},
		Usage: Usage{
			PromptTokens:     res.Usage.InputTokens,
			CompletionTokens: res.Usage.OutputTokens,
			TotalTokens:      res.Usage.InputTokens + res.Usage.OutputTokens,
		},
	}
}

// StreamTranslator converts upstream chunks to OpenAI chunks one at a time,
// keeping the stream id and creation timestamp stable across the whole
// stream. It never reorders chunks; an upstream chunk that carries both a
// text delta and a finish reason is split into a content chunk followed by
// the terminal chunk, preserving arrival order.
type StreamTranslator struct {
	id      string
	created int64
	model   string
	started bool
}

// NewStreamTranslator creates a translator for one response stream.
func NewStreamTranslator(clientModel string) *StreamTranslator {
	return &StreamTranslator{
		id:      newCompletionID(),
		created: time.Now().Unix(),
		model:   clientModel,
	}
}

// Translate maps one upstream chunk to the OpenAI chunks to emit, in order.
// The first emitted chunk of the stream carries delta.role = "assistant";
// the terminal chunk carries the finish reason and an empty delta.
func (t *StreamTranslator) Translate(c upstream.Chunk) []*ChatCompletionChunk {
	var out []*ChatCompletionChunk

	if c.Delta != "" {
		out = append(out, t.chunk(ChunkDelta{Content: c.Delta}, nil, nil))
	}

	if c.FinishReason != "" {
		reason := finishReason(c.FinishReason)
		var usage *Usage
		if c.Usage != nil {
			usage = &Usage{
				PromptTokens:     c.Usage.InputTokens,
				CompletionTokens: c.Usage.OutputTokens,
				TotalTokens:      c.Usage.InputTokens + c.Usage.OutputTokens,
			}
		}
		out = append(out, t.chunk(ChunkDelta{}, &reason, usage))
	}

	return out
}

func (t *StreamTranslator) chunk(delta ChunkDelta, reason *string, usage *Usage) *ChatCompletionChunk {
	if !t.started {
		delta.Role = "assistant"
		t.started = true
	}
	return &ChatCompletionChunk{
		ID:      t.id,
		Object:  objectChunk,
		Created: t.created,
		Model:   t.model,
		Choices: []ChunkChoice{
			{Index: 0, Delta: delta, FinishReason: reason},
		},
		Usage: usage,
	}
}
