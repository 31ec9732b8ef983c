// Package translate implements the bidirectional protocol translation
// between the OpenAI Chat Completions schema and the Vertex AI
// content-generation schema.
//
// The request side turns a validated ChatCompletionRequest into an
// upstream.GenerationRequest; the response side turns upstream results and
// stream chunks back into OpenAI-shaped payloads. All optional inputs are
// explicit pointer fields with declared defaults and validity checks —
// nothing is inferred from key absence at depth.
package translate

// ChatMessage is one turn of the conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest mirrors the OpenAI POST /v1/chat/completions body.
// Temperature and MaxTokens are pointers so "absent" and "zero" stay
// distinguishable at the validation boundary.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// Usage is the OpenAI token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChoice is one generated alternative. The gateway always
// emits exactly one.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletion is the non-streaming response envelope.
type ChatCompletion struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   Usage                  `json:"usage"`
}

// ChunkDelta is the incremental message fragment inside a stream chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice wraps one delta. FinishReason is null until the terminal
// chunk, matching the OpenAI wire contract exactly.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE frame body of a streaming response.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}
