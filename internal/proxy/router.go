package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds optional management handlers registered alongside
// the proxy routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Start starts the HTTP server on addr (e.g. "127.0.0.1:8000").
// Pass nil for mgmt to start without management routes.
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: SSE responses legitimately stay open for the
		// whole generation; the upstream deadline bounds them instead.
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

// handleHealth confirms the process accepts connections. It deliberately
// makes no upstream call — valid credentials are not a liveness condition.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok", "version": g.version})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
