package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/arclight-dev/vertexgw/internal/translate"
	"github.com/arclight-dev/vertexgw/internal/upstream"
	"github.com/arclight-dev/vertexgw/pkg/apierr"
)

// readSSE consumes the whole response body and returns the data payloads of
// each frame in order, verifying the exact "data: ...\n\n" framing.
func readSSE(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer resp.Body.Close()

	var frames []string
	r := bufio.NewReader(resp.Body)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			break
		}
		if line == "\n" {
			continue // frame separator
		}
		if !strings.HasPrefix(line, "data: ") || !strings.HasSuffix(line, "\n") {
			t.Fatalf("malformed SSE line: %q", line)
		}
		// The separator blank line must follow immediately.
		sep, err := r.ReadString('\n')
		if err != nil || sep != "\n" {
			t.Fatalf("frame %q not followed by blank line (got %q, err %v)", line, sep, err)
		}
		frames = append(frames, strings.TrimSuffix(strings.TrimPrefix(line, "data: "), "\n"))
	}
	return frames
}

func streamRequest(t *testing.T, client *http.Client, model string) *http.Response {
	t.Helper()
	body := `{"model":"` + model + `","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	return doChat(t, client, body)
}

func TestStream_FramingAndOrder(t *testing.T) {
	inv := &stubInvoker{
		streamFn: chunkStream(
			upstream.Chunk{Delta: "one "},
			upstream.Chunk{Delta: "two "},
			upstream.Chunk{Delta: "three", FinishReason: "STOP",
				Usage: &upstream.Usage{InputTokens: 5, OutputTokens: 3}},
		),
	}
	client := serveGateway(t, testGateway(t, inv))

	resp := streamRequest(t, client, "google/gemini-2.5-flash")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}

	frames := readSSE(t, resp)
	if len(frames) == 0 {
		t.Fatal("no frames")
	}

	// Exactly one [DONE], and it is the final frame.
	if frames[len(frames)-1] != "[DONE]" {
		t.Fatalf("last frame = %q, want [DONE]", frames[len(frames)-1])
	}
	for _, f := range frames[:len(frames)-1] {
		if f == "[DONE]" {
			t.Fatal("[DONE] must appear exactly once, at the end")
		}
	}

	// Frame content: split combined chunk → 4 data frames before [DONE].
	chunks := make([]translate.ChatCompletionChunk, 0, len(frames)-1)
	for _, f := range frames[:len(frames)-1] {
		var c translate.ChatCompletionChunk
		if err := json.Unmarshal([]byte(f), &c); err != nil {
			t.Fatalf("frame %q: %v", f, err)
		}
		chunks = append(chunks, c)
	}
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4 (three deltas + terminal)", len(chunks))
	}

	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Error("first chunk must carry delta.role=assistant")
	}
	var text strings.Builder
	for _, c := range chunks {
		text.WriteString(c.Choices[0].Delta.Content)
	}
	if text.String() != "one two three" {
		t.Errorf("reassembled text = %q", text.String())
	}

	term := chunks[len(chunks)-1]
	if term.Choices[0].FinishReason == nil || *term.Choices[0].FinishReason != "stop" {
		t.Error("terminal chunk missing finish_reason")
	}
	if term.Usage == nil || term.Usage.TotalTokens != 8 {
		t.Errorf("terminal usage = %+v", term.Usage)
	}

	// Stream identity is stable.
	for _, c := range chunks[1:] {
		if c.ID != chunks[0].ID {
			t.Error("chunk id changed mid-stream")
		}
		if c.Model != "google/gemini-2.5-flash" {
			t.Errorf("chunk model = %q", c.Model)
		}
	}
}

func TestStream_ReasoningVariant(t *testing.T) {
	inv := &stubInvoker{
		streamFn: chunkStream(
			upstream.Chunk{Delta: "4"},
			upstream.Chunk{FinishReason: "STOP"},
		),
	}
	client := serveGateway(t, testGateway(t, inv))

	frames := readSSE(t, streamRequest(t, client, "google/gemini-2.5-flash-low"))
	if len(frames) < 2 || frames[len(frames)-1] != "[DONE]" {
		t.Fatalf("frames = %v", frames)
	}

	var first translate.ChatCompletionChunk
	if err := json.Unmarshal([]byte(frames[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Choices[0].Delta.Content == "" {
		t.Error("first frame must carry a non-empty delta")
	}
	if first.Model != "google/gemini-2.5-flash-low" {
		t.Errorf("chunk model = %q, want the requested variant id", first.Model)
	}
}

func TestStream_SingleChunk(t *testing.T) {
	inv := &stubInvoker{
		streamFn: chunkStream(
			upstream.Chunk{Delta: "hi", FinishReason: "STOP"},
		),
	}
	client := serveGateway(t, testGateway(t, inv))

	frames := readSSE(t, streamRequest(t, client, "google/gemini-2.5-flash"))

	// content + terminal + [DONE]
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3: %v", len(frames), frames)
	}
	if frames[2] != "[DONE]" {
		t.Errorf("last frame = %q", frames[2])
	}
}

func TestStream_EmptyStreamStillDone(t *testing.T) {
	client := serveGateway(t, testGateway(t, &stubInvoker{})) // default: closed empty stream

	frames := readSSE(t, streamRequest(t, client, "google/gemini-2.5-flash"))
	if len(frames) != 1 || frames[0] != "[DONE]" {
		t.Errorf("frames = %v, want just [DONE]", frames)
	}
}

func TestStream_UnknownModelFailsBeforeStreaming(t *testing.T) {
	inv := &stubInvoker{}
	client := serveGateway(t, testGateway(t, inv))

	resp := streamRequest(t, client, "google/nope")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if strings.Contains(string(body), "[DONE]") {
		t.Error("pre-stream failures must be plain JSON, not SSE")
	}
	if inv.calls.Load() != 0 {
		t.Error("invoker must not be called")
	}
}

func TestStream_OpenErrorIsPlainJSON(t *testing.T) {
	inv := &stubInvoker{
		streamFn: func(context.Context, *upstream.GenerationRequest) (<-chan upstream.Chunk, error) {
			return nil, apierr.New(apierr.KindAuthError, "credentials rejected")
		},
	}
	client := serveGateway(t, testGateway(t, inv))

	resp := streamRequest(t, client, "google/gemini-2.5-flash")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if errorCode(t, body) != "auth_error" {
		t.Errorf("code = %q", errorCode(t, body))
	}
}

func TestStream_MidStreamErrorFrame(t *testing.T) {
	inv := &stubInvoker{
		streamFn: chunkStream(
			upstream.Chunk{Delta: "partial "},
			upstream.Chunk{Err: apierr.New(apierr.KindUpstreamUnavailable, "connection reset")},
		),
	}
	client := serveGateway(t, testGateway(t, inv))

	resp := streamRequest(t, client, "google/gemini-2.5-flash")
	// Headers were already sent before the failure.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	frames := readSSE(t, resp)
	if len(frames) != 3 {
		t.Fatalf("frames = %v, want delta + error + [DONE]", frames)
	}

	var errFrame struct {
		Error apierr.Payload `json:"error"`
	}
	if err := json.Unmarshal([]byte(frames[1]), &errFrame); err != nil {
		t.Fatalf("frame %q: %v", frames[1], err)
	}
	if errFrame.Error.Code != "upstream_unavailable" {
		t.Errorf("error code = %q", errFrame.Error.Code)
	}
	if frames[2] != "[DONE]" {
		t.Error("stream must still terminate with [DONE] after an error frame")
	}
}

func TestStream_ClientDisconnectCancelsUpstream(t *testing.T) {
	upstreamCancelled := make(chan struct{})
	inv := &stubInvoker{
		streamFn: func(ctx context.Context, _ *upstream.GenerationRequest) (<-chan upstream.Chunk, error) {
			ch := make(chan upstream.Chunk)
			go func() {
				defer close(ch)
				for i := 0; ; i++ {
					select {
					case ch <- upstream.Chunk{Delta: "word "}:
						time.Sleep(5 * time.Millisecond)
					case <-ctx.Done():
						close(upstreamCancelled)
						return
					}
				}
			}()
			return ch, nil
		},
	}
	client := serveGateway(t, testGateway(t, inv))

	resp := streamRequest(t, client, "google/gemini-2.5-flash")

	// Read a little, then hang up mid-stream.
	buf := make([]byte, 64)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	select {
	case <-upstreamCancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream context not cancelled after client disconnect")
	}
}

func TestStream_SlotReleasedAfterStream(t *testing.T) {
	inv := &stubInvoker{
		streamFn: chunkStream(upstream.Chunk{Delta: "hi", FinishReason: "STOP"}),
	}
	gw := NewGateway(context.Background(), testRegistry(t), inv, GatewayOptions{
		UpstreamTimeout:       time.Second,
		MaxConcurrentUpstream: 1,
		Version:               "test",
	})
	client := serveGateway(t, gw)

	// With a single slot, back-to-back streams only work if the relay
	// gives the slot back.
	for i := 0; i < 3; i++ {
		frames := readSSE(t, streamRequest(t, client, "google/gemini-2.5-flash"))
		if len(frames) == 0 || frames[len(frames)-1] != "[DONE]" {
			t.Fatalf("round %d: frames = %v", i, frames)
		}
	}
}
