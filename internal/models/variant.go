// Package models defines the client-facing model catalog and the feature
// markers encoded in model names. Clients select gateway behavior by model
// name alone: prefixes toggle the streaming mode, suffixes tune thinking
// and search, and the remainder names the upstream Code Assist model.
package models

import (
	"strings"

	"gcliproxy/internal/constants"
)

// Feature markers recognized in model names. The Chinese prefixes are
// carried verbatim from the proxy's lineage so existing client
// configurations keep resolving.
const (
	// PseudoStreamPrefix marks a variant whose streaming responses are
	// synthesized from a single non-stream upstream call.
	PseudoStreamPrefix = "假流式/"
	// AntiTruncationPrefix marks a variant that re-prompts the model until
	// the response carries the completion marker.
	AntiTruncationPrefix = "流式抗截断/"

	// SearchSuffix enables Google Search grounding.
	SearchSuffix = "-search"
	// NoThinkingSuffix pins the thinking budget to its floor.
	NoThinkingSuffix = "-nothinking"
	// MaxThinkingSuffix pins the thinking budget to its ceiling.
	MaxThinkingSuffix = "-maxthinking"

	// legacyPseudoStreamSuffix is the pre-prefix spelling of the
	// pseudo-stream marker, still honored for old client configs.
	legacyPseudoStreamSuffix = "-假流式"
)

// variantSuffixes in base-name strip order. Only the first matching suffix
// is removed when resolving the upstream model name.
var variantSuffixes = []string{MaxThinkingSuffix, NoThinkingSuffix, SearchSuffix}

// Variant is a parsed model name: the upstream base model plus every
// feature flag the name encodes.
type Variant struct {
	// Name is the model name exactly as the client sent it.
	Name string
	// BaseModel is the upstream model id with feature markers stripped.
	BaseModel string

	PseudoStream   bool
	AntiTruncation bool
	Search         bool
	NoThinking     bool
	MaxThinking    bool
}

// Parse decodes the feature markers in a model name. Unknown names parse
// as a plain base model; validation is left to the upstream API.
func Parse(name string) Variant {
	v := Variant{Name: name}

	rest := name
	if strings.HasPrefix(rest, PseudoStreamPrefix) {
		v.PseudoStream = true
		rest = strings.TrimPrefix(rest, PseudoStreamPrefix)
	} else if strings.HasPrefix(rest, AntiTruncationPrefix) {
		v.AntiTruncation = true
		rest = strings.TrimPrefix(rest, AntiTruncationPrefix)
	}
	if strings.HasSuffix(rest, legacyPseudoStreamSuffix) {
		v.PseudoStream = true
		rest = strings.TrimSuffix(rest, legacyPseudoStreamSuffix)
	}

	v.Search = strings.Contains(rest, SearchSuffix)
	v.NoThinking = strings.Contains(rest, NoThinkingSuffix)
	v.MaxThinking = strings.Contains(rest, MaxThinkingSuffix)
	v.BaseModel = stripVariantSuffix(rest)
	return v
}

// StripFeaturePrefix removes the streaming-mode prefix, leaving any
// thinking or search suffix in place.
func StripFeaturePrefix(name string) string {
	for _, prefix := range []string{PseudoStreamPrefix, AntiTruncationPrefix} {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimPrefix(name, prefix)
		}
	}
	return name
}

// stripVariantSuffix removes the first matching feature suffix.
func stripVariantSuffix(name string) string {
	for _, suffix := range variantSuffixes {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}

// ThinkingBudget returns the token budget the variant requests.
// ThinkingBudgetDefault (-1) leaves the choice to the model.
func (v Variant) ThinkingBudget() int {
	switch {
	case v.NoThinking:
		return constants.ThinkingBudgetMin
	case v.MaxThinking:
		return constants.ThinkingBudgetMax
	default:
		return constants.ThinkingBudgetDefault
	}
}

// IncludeThoughts reports whether the upstream request should ask for
// thought parts. With thinking floored, only the pro models still get
// them; every other variant always includes thoughts.
func (v Variant) IncludeThoughts() bool {
	if v.NoThinking {
		return strings.Contains(v.BaseModel, "gemini-2.5-pro")
	}
	return true
}
