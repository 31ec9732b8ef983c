// Package proxy is the HTTP face of the gateway.
//
// The Gateway receives OpenAI-compatible chat-completion requests, resolves
// the model through the registry, translates the body, and forwards it to
// the Vertex AI invoker — returning either one JSON response or a relayed
// SSE stream.
//
// Key design constraints:
//   - All translation is synchronous CPU work; the upstream call is the
//     only suspension point of a request.
//   - Requests are independent: no shared mutable per-request state.
//   - Upstream concurrency is bounded by a weighted semaphore.
//   - Client disconnects cancel the in-flight upstream call. Mandatory
//     cleanup, not best-effort.
package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/semaphore"

	"github.com/arclight-dev/vertexgw/internal/logger"
	"github.com/arclight-dev/vertexgw/internal/metrics"
	"github.com/arclight-dev/vertexgw/internal/registry"
	"github.com/arclight-dev/vertexgw/internal/translate"
	"github.com/arclight-dev/vertexgw/internal/upstream"
	"github.com/arclight-dev/vertexgw/pkg/apierr"
)

const (
	routeChat = "chat_completions"

	defaultUpstreamTimeout = 300 * time.Second
	defaultMaxConcurrent   = 32
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. Nil disables.
	Metrics *metrics.Registry

	// RequestLogger is the async request log sink. Nil disables.
	RequestLogger *logger.Logger

	// UpstreamTimeout is the per-request upstream deadline. Default: 300s.
	UpstreamTimeout time.Duration

	// MaxConcurrentUpstream bounds simultaneously open upstream calls.
	// Default: 32.
	MaxConcurrentUpstream int64

	// Version is reported by /health.
	Version string
}

// Gateway dispatches /v1/chat/completions. Dependencies are injected so
// tests can substitute a stub invoker.
type Gateway struct {
	registry *registry.Registry
	invoker  upstream.Invoker

	sem     *semaphore.Weighted
	baseCtx context.Context

	log       *slog.Logger
	metrics   *metrics.Registry
	reqLogger *logger.Logger

	upstreamTimeout time.Duration
	corsOrigins     []string
	version         string
}

// NewGateway creates a fully configured Gateway.
func NewGateway(baseCtx context.Context, reg *registry.Registry, inv upstream.Invoker, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}

	maxConc := opts.MaxConcurrentUpstream
	if maxConc < 1 {
		maxConc = defaultMaxConcurrent
	}

	return &Gateway{
		registry:        reg,
		invoker:         inv,
		sem:             semaphore.NewWeighted(maxConc),
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		reqLogger:       opts.RequestLogger,
		upstreamTimeout: timeout,
		version:         opts.Version,
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// dispatchChat is the core handler for /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming is finalised by the relay
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeChat, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse request body. Optional fields stay pointers so absence is
	// distinguishable from zero.
	var req translate.ChatCompletionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, apierr.New(apierr.KindInvalidRequest, "invalid JSON: %s", err.Error()))
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, apierr.New(apierr.KindInvalidRequest, "field 'model' is required"))
		return
	}

	// 2. Resolve the model. An unknown id never reaches the invoker.
	mapping, err := g.registry.Resolve(req.Model)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}

	// 3. Translate. All validation failures happen before any upstream call.
	genReq, err := translate.BuildGenerationRequest(&req, mapping)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("upstream_model", mapping.UpstreamModel),
		slog.String("region", mapping.Region),
		slog.Bool("stream", req.Stream),
	)

	// 4. Bound concurrent upstream connections. Acquisition respects the
	// request context, so a client hanging up while queued gives the slot
	// back immediately.
	if err := g.sem.Acquire(ctx, 1); err != nil {
		apierr.Write(ctx, apierr.Wrap(apierr.KindUpstreamUnavailable, err, "gateway shutting down"))
		return
	}

	if req.Stream {
		streaming = true
		g.dispatchStream(ctx, genReq, req.Model, reqID, start)
		return
	}

	defer g.sem.Release(1)
	g.dispatchOnce(ctx, genReq, req.Model, reqID, start)
}

// dispatchOnce handles the non-streaming path.
func (g *Gateway) dispatchOnce(ctx *fasthttp.RequestCtx, genReq *upstream.GenerationRequest, clientModel, reqID string, start time.Time) {
	provCtx, cancel := context.WithTimeout(ctx, g.upstreamTimeout)
	defer cancel()

	upStart := time.Now()
	res, err := g.invoker.Generate(provCtx, genReq)
	upDur := time.Since(upStart)

	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveUpstream(clientModel, "sync", string(apierr.KindOf(err)), upDur)
		}
		g.log.ErrorContext(ctx, "upstream_error",
			slog.String("request_id", reqID),
			slog.String("model", clientModel),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		apierr.Write(ctx, err)
		g.logRequest(reqID, clientModel, false, 0, 0, time.Since(start), ctx.Response.StatusCode())
		return
	}

	if g.metrics != nil {
		g.metrics.ObserveUpstream(clientModel, "sync", "success", upDur)
		g.metrics.AddTokens(clientModel, res.Usage.InputTokens, res.Usage.OutputTokens)
	}

	out := translate.Completion(res, clientModel)
	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, apierr.Wrap(apierr.KindInternal, err, "failed to serialize response"))
		return
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("model", clientModel),
		slog.String("finish_reason", out.Choices[0].FinishReason),
		slog.Int("input_tokens", res.Usage.InputTokens),
		slog.Int("output_tokens", res.Usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	g.logRequest(reqID, clientModel, false,
		res.Usage.InputTokens, res.Usage.OutputTokens,
		time.Since(start), fasthttp.StatusOK)
}

// dispatchStream opens the upstream stream and hands it to the relay.
// The semaphore slot and the upstream context are released by the relay
// when the stream ends, whichever way it ends.
func (g *Gateway) dispatchStream(ctx *fasthttp.RequestCtx, genReq *upstream.GenerationRequest, clientModel, reqID string, start time.Time) {
	provCtx, cancel := context.WithTimeout(g.baseCtx, g.upstreamTimeout)

	chunks, err := g.invoker.GenerateStream(provCtx, genReq)
	if err != nil {
		cancel()
		g.sem.Release(1)
		if g.metrics != nil {
			g.metrics.ObserveUpstream(clientModel, "stream", string(apierr.KindOf(err)), 0)
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(routeChat, apierrStatus(err), time.Since(start))
		}
		apierr.Write(ctx, err)
		return
	}

	g.relayStream(ctx, chunks, cancel, relayInfo{
		clientModel: clientModel,
		requestID:   reqID,
		start:       start,
	})
}

// logRequest enqueues an entry to the async request logger. Never blocks.
func (g *Gateway) logRequest(requestID, model string, stream bool, inputTokens, outputTokens int, latency time.Duration, status int) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Model:        model,
		Stream:       stream,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    uint32(latency.Milliseconds()),
		Status:       uint16(status),
		CreatedAt:    time.Now(),
	})
}

func apierrStatus(err error) int {
	type statusCoder interface{ HTTPStatus() int }
	if sc, ok := err.(statusCoder); ok {
		return sc.HTTPStatus()
	}
	return fasthttp.StatusInternalServerError
}
