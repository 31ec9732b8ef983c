package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/arclight-dev/vertexgw/internal/translate"
	"github.com/arclight-dev/vertexgw/internal/upstream"
	"github.com/arclight-dev/vertexgw/pkg/apierr"
)

// doneFrame is the terminal SSE frame of every completed stream.
const doneFrame = "data: [DONE]\n\n"

// Stream termination labels for metrics.
const (
	termDone       = "done"
	termError      = "error"
	termClientGone = "client_gone"
)

type relayInfo struct {
	clientModel string
	requestID   string
	start       time.Time
}

// relayStream pumps upstream chunks through the response translator to the
// client as Server-Sent Events, flushing each frame before pulling the next
// so chunks reach the client in exactly their arrival order, unbuffered.
//
// Lifecycle: the relay owns cancel and the semaphore slot acquired by the
// dispatcher; both are released when the stream ends. A failed flush means
// the client is gone — the upstream context is cancelled immediately so an
// abandoned stream never keeps consuming upstream capacity.
//
// Mid-stream upstream failure: the relay emits one in-band
// data: {"error": ...} frame followed by the normal [DONE] frame, then
// closes. Already-sent partial content cannot be retracted; the error frame
// lets clients distinguish a truncated stream from a completed one.
func (g *Gateway) relayStream(ctx *fasthttp.RequestCtx, chunks <-chan upstream.Chunk, cancel context.CancelFunc, info relayInfo) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	tr := translate.NewStreamTranslator(info.clientModel)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer g.sem.Release(1)
		defer cancel()

		termination := termDone
		var usage upstream.Usage

	pump:
		for chunk := range chunks {
			if chunk.Err != nil {
				g.log.Error("stream_upstream_error",
					slog.String("request_id", info.requestID),
					slog.String("model", info.clientModel),
					slog.String("error", chunk.Err.Error()),
				)
				if writeErrorFrame(w, chunk.Err) != nil {
					termination = termClientGone
				} else {
					termination = termError
				}
				break pump
			}

			if chunk.Usage != nil {
				usage = *chunk.Usage
			}

			for _, oc := range tr.Translate(chunk) {
				if err := writeFrame(w, oc); err != nil {
					// Client disconnected. Cancelling the upstream context
					// (via the deferred cancel) stops the producer promptly.
					termination = termClientGone
					break pump
				}
				if g.metrics != nil {
					g.metrics.IncStreamChunk()
				}
			}
		}

		if termination != termClientGone {
			fmt.Fprint(w, doneFrame)
			_ = w.Flush()
		}

		elapsed := time.Since(info.start)
		if g.metrics != nil {
			g.metrics.ObserveStreamEnd(termination)
			g.metrics.ObserveUpstream(info.clientModel, "stream", termination, elapsed)
			g.metrics.AddTokens(info.clientModel, usage.InputTokens, usage.OutputTokens)
			g.metrics.ObserveHTTP(routeChat, fasthttp.StatusOK, elapsed)
			g.metrics.DecInFlight()
		}
		g.logRequest(info.requestID, info.clientModel, true,
			usage.InputTokens, usage.OutputTokens, elapsed, fasthttp.StatusOK)
	})
}

// writeFrame serializes one chunk as an SSE frame and flushes it. The flush
// error is the disconnect signal fasthttp gives us.
func writeFrame(w *bufio.Writer, chunk *translate.ChatCompletionChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

// writeErrorFrame emits the in-band error event for a stream that failed
// after partial content was already sent.
func writeErrorFrame(w *bufio.Writer, cause error) error {
	data, err := json.Marshal(struct {
		Error apierr.Payload `json:"error"`
	}{Error: apierr.PayloadOf(cause)})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}
