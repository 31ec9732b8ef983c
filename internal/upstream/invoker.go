package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/arclight-dev/vertexgw/pkg/apierr"
)

// streamBuffer is the channel capacity between the SDK iterator and the
// relay. Small: the relay must see chunks as they arrive, not batched.
const streamBuffer = 8

// Client implements Invoker on top of one genai.Client per region.
// All clients are created at startup so a misconfigured project fails fast.
type Client struct {
	project string
	clients map[string]*genai.Client

	tokens     TokenSource
	httpClient *http.Client
	baseURL    string
}

// Option configures a Client.
type Option func(*Client)

// WithTokenSource injects the credential capability. Without it the SDK
// resolves Application Default Credentials.
func WithTokenSource(src TokenSource) Option {
	return func(c *Client) { c.tokens = src }
}

// WithHTTPClient overrides the SDK's HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the API endpoint (useful for tests and mocks).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// New creates a Client with one underlying SDK client per region.
func New(ctx context.Context, project string, regions []string, opts ...Option) (*Client, error) {
	if project == "" {
		return nil, fmt.Errorf("upstream: project must not be empty")
	}
	c := &Client{
		project: project,
		clients: make(map[string]*genai.Client, len(regions)),
	}
	for _, o := range opts {
		o(c)
	}

	creds := credentialsFor(c.tokens)

	for _, region := range regions {
		cfg := &genai.ClientConfig{
			Project:     c.project,
			Location:    region,
			Backend:     genai.BackendVertexAI,
			Credentials: creds,
		}
		if c.httpClient != nil {
			cfg.HTTPClient = c.httpClient
		}
		if c.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
		}
		cl, err := genai.NewClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("upstream: create client for %s: %w", region, err)
		}
		c.clients[region] = cl
	}

	return c, nil
}

func (c *Client) clientFor(region string) (*genai.Client, error) {
	cl, ok := c.clients[region]
	if !ok {
		return nil, apierr.New(apierr.KindInternal, "no upstream client for region %q", region)
	}
	return cl, nil
}

// Generate issues one blocking call and returns the complete payload.
func (c *Client) Generate(ctx context.Context, req *GenerationRequest) (*Result, error) {
	cl, err := c.clientFor(req.Region)
	if err != nil {
		return nil, err
	}

	resp, err := cl.Models.GenerateContent(ctx, req.Model, req.Contents, req.Config)
	if err != nil {
		return nil, mapError(err)
	}
	return resultFrom(resp), nil
}

// GenerateStream opens a streaming call and returns the chunk sequence.
// The channel is closed after the final chunk (finish reason) or after a
// single error chunk. The producer goroutine honors ctx: cancelling the
// context aborts the upstream connection and ends the sequence promptly.
func (c *Client) GenerateStream(ctx context.Context, req *GenerationRequest) (<-chan Chunk, error) {
	cl, err := c.clientFor(req.Region)
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk, streamBuffer)

	go func() {
		defer close(ch)

		for resp, err := range cl.Models.GenerateContentStream(ctx, req.Model, req.Contents, req.Config) {
			if err != nil {
				send(ctx, ch, Chunk{Err: mapError(err)})
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			cand := resp.Candidates[0]
			chunk := Chunk{
				Delta:        candidateText(cand),
				FinishReason: string(cand.FinishReason),
			}
			if chunk.FinishReason != "" && resp.UsageMetadata != nil {
				chunk.Usage = &Usage{
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				}
			}
			if chunk.Delta == "" && chunk.FinishReason == "" {
				continue
			}
			if !send(ctx, ch, chunk) {
				return
			}
		}
	}()

	return ch, nil
}

// send delivers chunk unless ctx is done. Returns false when the consumer
// is gone and the producer should stop pulling from the upstream.
func send(ctx context.Context, ch chan<- Chunk, chunk Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func resultFrom(resp *genai.GenerateContentResponse) *Result {
	res := &Result{}
	if resp == nil {
		return res
	}
	res.ResponseID = resp.ResponseID
	res.Text = resp.Text()
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		res.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if resp.UsageMetadata != nil {
		res.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return res
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	out := ""
	for _, p := range c.Content.Parts {
		if p != nil {
			out += p.Text
		}
	}
	return out
}

// mapError converts SDK and transport failures into the gateway taxonomy.
//
//	context deadline        → Timeout
//	upstream 401/403        → AuthError (no local retry; refresh belongs to
//	                          the TokenSource)
//	upstream 4xx            → InvalidRequest (the upstream rejected the body)
//	upstream 5xx / network  → UpstreamUnavailable
func mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.KindTimeout, err, "upstream request exceeded deadline")
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return apierr.Wrap(apierr.KindAuthError, err, "upstream rejected credentials: %s", apiErr.Message)
		case apiErr.Code >= 400 && apiErr.Code < 500:
			return apierr.Wrap(apierr.KindInvalidRequest, err, "upstream rejected request: %s", apiErr.Message)
		default:
			return apierr.Wrap(apierr.KindUpstreamUnavailable, err, "upstream error: %s", apiErr.Message)
		}
	}

	return apierr.Wrap(apierr.KindUpstreamUnavailable, err, "upstream unreachable")
}
