// Package upstream issues content-generation calls against Vertex AI via
// the official google.golang.org/genai SDK.
//
// It owns the outbound half of the protocol translation: the gateway hands
// it an already-translated GenerationRequest and receives either one
// terminal Result or a lazy, finite, non-restartable sequence of Chunks.
// Credentials are an injected capability (TokenSource); by default the SDK
// resolves Application Default Credentials established out-of-band.
package upstream

import (
	"context"

	"google.golang.org/genai"
)

// Usage carries upstream token accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// GenerationRequest is the upstream-shaped request produced by the request
// translator. Contents never include a system turn — system instructions
// live in Config.SystemInstruction.
type GenerationRequest struct {
	Model    string
	Region   string
	Contents []*genai.Content
	Config   *genai.GenerateContentConfig
}

// Result is the terminal payload of a non-streaming call.
type Result struct {
	ResponseID   string
	Text         string
	FinishReason string
	Usage        Usage
}

// Chunk is one element of a streaming response. Exactly one of the
// following holds:
//   - Err is set: the stream failed; no further chunks follow.
//   - FinishReason is set: this is the final chunk; Usage, when the
//     upstream reports it, rides along.
//   - otherwise: an incremental text delta (possibly empty).
type Chunk struct {
	Delta        string
	FinishReason string
	Usage        *Usage
	Err          error
}

// Invoker is the call surface the gateway depends on. *Client implements
// it; tests substitute stubs.
type Invoker interface {
	Generate(ctx context.Context, req *GenerationRequest) (*Result, error)
	GenerateStream(ctx context.Context, req *GenerationRequest) (<-chan Chunk, error)
}
