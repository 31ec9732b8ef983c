// Package registry holds the static mapping from client-facing model
// identifiers to Vertex AI model names, regions, and default generation
// parameters.
//
// The table is built once at startup and is read-only afterwards, so it is
// safe for unsynchronized concurrent reads from request handlers. A table
// that fails validation prevents the process from serving any request —
// this is deliberately the only fatal startup condition besides config.
package registry

import (
	"fmt"

	"github.com/arclight-dev/vertexgw/pkg/apierr"
)

// GlobalRegion routes a model to the region-less global Vertex AI endpoint.
// Gemini 3 preview models are only served there.
const GlobalRegion = "global"

// Defaults holds per-model default generation parameters. Client-supplied
// values take precedence; nil fields mean "let the upstream decide".
type Defaults struct {
	Temperature *float64
	MaxTokens   *int32
}

// Mapping describes one client-visible model.
type Mapping struct {
	// ClientID is the exact id clients send, e.g. "google/gemini-2.5-flash-low".
	ClientID string

	// UpstreamModel is the Vertex AI model name, e.g. "gemini-2.5-flash".
	// Variants differing only by a reasoning-effort suffix share one
	// upstream model.
	UpstreamModel string

	// Region overrides the configured default region when non-empty.
	// "global" selects the global endpoint.
	Region string

	// ReasoningEffort is the opaque effort level passed to the upstream
	// thinking config ("low", "high", ...). Empty means none requested.
	ReasoningEffort string

	Defaults Defaults
}

// Registry resolves client model ids. Immutable after New.
type Registry struct {
	byID          map[string]Mapping
	defaultRegion string
}

// builtin is the fixed model table. The -low / -high variants differ from
// the base entry only in ReasoningEffort.
func builtin() []Mapping {
	return []Mapping{
		{ClientID: "google/gemini-2.5-flash", UpstreamModel: "gemini-2.5-flash"},
		{ClientID: "google/gemini-2.5-flash-low", UpstreamModel: "gemini-2.5-flash", ReasoningEffort: "low"},
		{ClientID: "google/gemini-2.5-flash-high", UpstreamModel: "gemini-2.5-flash", ReasoningEffort: "high"},
		{ClientID: "google/gemini-2.5-pro", UpstreamModel: "gemini-2.5-pro"},

		{ClientID: "google/gemini-3-flash-preview", UpstreamModel: "gemini-3-flash-preview", Region: GlobalRegion},
		{ClientID: "google/gemini-3-flash-preview-low", UpstreamModel: "gemini-3-flash-preview", Region: GlobalRegion, ReasoningEffort: "low"},
		{ClientID: "google/gemini-3-flash-preview-high", UpstreamModel: "gemini-3-flash-preview", Region: GlobalRegion, ReasoningEffort: "high"},
		{ClientID: "google/gemini-3-pro-preview", UpstreamModel: "gemini-3-pro-preview", Region: GlobalRegion},
	}
}

// New builds a Registry from the built-in table plus optional overrides
// (typically from the models: section of config.yaml). An override whose
// ClientID matches a built-in entry replaces it.
func New(defaultRegion string, overrides []Mapping) (*Registry, error) {
	if defaultRegion == "" {
		return nil, fmt.Errorf("registry: default region must not be empty")
	}

	byID := make(map[string]Mapping)
	for _, m := range builtin() {
		byID[m.ClientID] = m
	}
	for _, m := range overrides {
		if m.ClientID == "" {
			return nil, fmt.Errorf("registry: override with empty client id")
		}
		if m.UpstreamModel == "" {
			return nil, fmt.Errorf("registry: model %q has no upstream model", m.ClientID)
		}
		byID[m.ClientID] = m
	}

	return &Registry{byID: byID, defaultRegion: defaultRegion}, nil
}

// Resolve returns the mapping for clientID with the region defaulted.
// An unknown id yields apierr.KindUnknownModel; the caller must not contact
// the upstream in that case.
func (r *Registry) Resolve(clientID string) (Mapping, error) {
	m, ok := r.byID[clientID]
	if !ok {
		return Mapping{}, apierr.New(apierr.KindUnknownModel, "model %q is not available", clientID)
	}
	if m.Region == "" {
		m.Region = r.defaultRegion
	}
	return m, nil
}

// Regions returns the distinct set of regions the table routes to,
// including the default. Used to pre-build one upstream client per region.
func (r *Registry) Regions() []string {
	seen := map[string]bool{r.defaultRegion: true}
	out := []string{r.defaultRegion}
	for _, m := range r.byID {
		if m.Region != "" && !seen[m.Region] {
			seen[m.Region] = true
			out = append(out, m.Region)
		}
	}
	return out
}

// Len returns the number of models in the table.
func (r *Registry) Len() int { return len(r.byID) }
