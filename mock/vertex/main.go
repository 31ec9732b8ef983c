// Command vertex runs a lightweight HTTP mock of the Vertex AI
// content-generation API. It is used for E2E/load testing the gateway
// without real Google Cloud credentials.
//
// The genai SDK with the Vertex backend communicates with:
//
//	POST {base}/v1beta1/projects/{p}/locations/{l}/publishers/google/models/{m}:generateContent
//	POST {base}/v1beta1/projects/{p}/locations/{l}/publishers/google/models/{m}:streamGenerateContent?alt=sse
//
// Point the gateway at the mock via VERTEX_BASE_URL=http://127.0.0.1:19100.
//
// Behaviour flags (via env):
//
//	PORT              — listen port (default 19100)
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS — words in the generated response (default 10)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Config holds runtime behaviour of the mock server.
type Config struct {
	Port        string
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{Port: "19100", StreamWords: 10}

	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg := loadConfig()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newVertexHandler(cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("mock vertex listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("mock vertex failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newVertexHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		model := extractModel(path)

		switch {
		case strings.HasSuffix(path, ":generateContent"):
			if r.Method != http.MethodPost {
				writeVertexError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeVertexError(w, http.StatusInternalServerError, "mock internal error")
				return
			}
			handleGenerate(w, cfg, model)

		case strings.HasSuffix(path, ":streamGenerateContent"):
			if r.Method != http.MethodPost {
				writeVertexError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeVertexError(w, http.StatusInternalServerError, "mock internal error")
				return
			}
			handleStreamGenerate(w, cfg, model)

		default:
			writeVertexError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
		}
	})

	return mux
}

// handleGenerate writes a single complete GenerateContentResponse.
func handleGenerate(w http.ResponseWriter, cfg Config, model string) {
	text := fakeSentence(cfg.StreamWords)
	writeJSON(w, http.StatusOK, generateResponse(model, text, "STOP", 10, cfg.StreamWords))
}

// handleStreamGenerate writes the response one word per SSE event, the way
// Vertex streams with alt=sse, finishing with a usage-bearing final event.
func handleStreamGenerate(w http.ResponseWriter, cfg Config, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeVertexError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	words := strings.Fields(fakeSentence(cfg.StreamWords))
	for i, word := range words {
		delta := word
		if i < len(words)-1 {
			delta += " "
		}

		var resp map[string]any
		if i == len(words)-1 {
			resp = generateResponse(model, delta, "STOP", 10, cfg.StreamWords)
		} else {
			resp = generateResponse(model, delta, "", 0, 0)
		}

		b, _ := json.Marshal(resp)
		fmt.Fprintf(w, "data: %s\r\n\r\n", b)
		flusher.Flush()
	}
}

// generateResponse builds a GenerateContentResponse body. An empty
// finishReason omits the finish and usage fields, matching intermediate
// stream events.
func generateResponse(model, text, finishReason string, inTokens, outTokens int) map[string]any {
	candidate := map[string]any{
		"content": map[string]any{
			"role": "model",
			"parts": []map[string]string{
				{"text": text},
			},
		},
		"index": 0,
	}

	resp := map[string]any{
		"candidates":   []any{candidate},
		"responseId":   fmt.Sprintf("vertex-%x", rand.Int64()),
		"modelVersion": model,
	}

	if finishReason != "" {
		candidate["finishReason"] = finishReason
		resp["usageMetadata"] = map[string]int{
			"promptTokenCount":     inTokens,
			"candidatesTokenCount": outTokens,
			"totalTokenCount":      inTokens + outTokens,
		}
	}

	return resp
}

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "vertex", "backend", "for", "development", "and", "testing",
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError returns true if this request should simulate an error.
func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeVertexError writes a google.rpc.Status-shaped error envelope.
func writeVertexError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  "INTERNAL",
		},
	})
}

// extractModel pulls the model name out of a path like
// /v1beta1/projects/p/locations/l/publishers/google/models/gemini-2.5-flash:generateContent
func extractModel(path string) string {
	const marker = "/models/"
	if idx := strings.LastIndex(path, marker); idx >= 0 {
		rest := path[idx+len(marker):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-2.5-flash"
}
