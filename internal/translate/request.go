package translate

import (
	"strings"

	"google.golang.org/genai"

	"github.com/arclight-dev/vertexgw/internal/registry"
	"github.com/arclight-dev/vertexgw/internal/upstream"
	"github.com/arclight-dev/vertexgw/pkg/apierr"
)

// Temperature bounds accepted from clients (OpenAI convention).
const (
	minTemperature = 0.0
	maxTemperature = 2.0
)

// effortLevels maps registry reasoning-effort strings to SDK thinking
// levels. Unlisted values pass through upper-cased — the value range is
// owned by the model table, not by code.
var effortLevels = map[string]genai.ThinkingLevel{
	"low":  genai.ThinkingLevelLow,
	"high": genai.ThinkingLevelHigh,
}

// BuildGenerationRequest validates req and converts it into the upstream
// shape using the resolved mapping.
//
// Rules:
//   - one leading system message becomes Config.SystemInstruction; the
//     upstream protocol has no in-band system role, so it never appears as
//     a turn. A system message anywhere else is rejected.
//   - user → RoleUser, assistant → RoleModel; anything else is
//     UnsupportedRole.
//   - client Temperature / MaxTokens override the mapping defaults;
//     MaxTokens must be positive, Temperature within [0, 2].
//   - req.Stream is intentionally ignored here — it selects the invoker
//     method, not the body.
func BuildGenerationRequest(req *ChatCompletionRequest, m registry.Mapping) (*upstream.GenerationRequest, error) {
	if len(req.Messages) == 0 {
		return nil, apierr.New(apierr.KindInvalidRequest, "'messages' must not be empty")
	}

	msgs := req.Messages
	var system string
	if strings.ToLower(msgs[0].Role) == "system" {
		system = msgs[0].Content
		msgs = msgs[1:]
	}

	if len(msgs) == 0 {
		return nil, apierr.New(apierr.KindInvalidRequest,
			"'messages' must contain at least one non-system message")
	}

	contents := make([]*genai.Content, 0, len(msgs))
	for _, msg := range msgs {
		switch strings.ToLower(msg.Role) {
		case "user":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case "assistant":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		case "system":
			return nil, apierr.New(apierr.KindInvalidRequest,
				"a system message is only allowed in the leading position")
		default:
			return nil, apierr.New(apierr.KindUnsupportedRole, "unsupported message role %q", msg.Role)
		}
	}

	cfg, err := buildConfig(req, m, system)
	if err != nil {
		return nil, err
	}

	return &upstream.GenerationRequest{
		Model:    m.UpstreamModel,
		Region:   m.Region,
		Contents: contents,
		Config:   cfg,
	}, nil
}

// buildConfig merges mapping defaults with explicit client overrides into
// the upstream generation config. Returns nil when nothing is set so the
// request body stays minimal.
func buildConfig(req *ChatCompletionRequest, m registry.Mapping, system string) (*genai.GenerateContentConfig, error) {
	temperature := m.Defaults.Temperature
	if req.Temperature != nil {
		if *req.Temperature < minTemperature || *req.Temperature > maxTemperature {
			return nil, apierr.New(apierr.KindInvalidParameter,
				"'temperature' must be between %g and %g, got %g", minTemperature, maxTemperature, *req.Temperature)
		}
		temperature = req.Temperature
	}

	maxTokens := m.Defaults.MaxTokens
	if req.MaxTokens != nil {
		if *req.MaxTokens <= 0 {
			return nil, apierr.New(apierr.KindInvalidParameter,
				"'max_tokens' must be a positive integer, got %d", *req.MaxTokens)
		}
		mt := int32(*req.MaxTokens)
		maxTokens = &mt
	}

	if system == "" && temperature == nil && maxTokens == nil && m.ReasoningEffort == "" {
		return nil, nil
	}

	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*temperature))
	}
	if maxTokens != nil {
		cfg.MaxOutputTokens = *maxTokens
	}
	if m.ReasoningEffort != "" {
		level, ok := effortLevels[strings.ToLower(m.ReasoningEffort)]
		if !ok {
			level = genai.ThinkingLevel(strings.ToUpper(m.ReasoningEffort))
		}
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingLevel: level}
	}

	return cfg, nil
}
