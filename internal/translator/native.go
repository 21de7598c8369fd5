package translator

import (
	"encoding/json"

	"github.com/tidwall/sjson"

	"gcliproxy/internal/models"
)

// nativeToUpstream prepares a native Gemini body for the upstream: harm
// filters are forced off and the variant's thinking configuration is
// stamped on, overriding those keys if the client set them. Everything
// else passes through untouched.
func nativeToUpstream(raw []byte, variant models.Variant) []byte {
	out := raw

	// Routing fields from mixed-shape endpoints are not part of the
	// upstream request schema.
	out, _ = sjson.DeleteBytes(out, "model")
	out, _ = sjson.DeleteBytes(out, "stream")

	safety, _ := json.Marshal(defaultSafetySettings)
	out, _ = sjson.SetRawBytes(out, "safetySettings", safety)
	out, _ = sjson.SetBytes(out, "generationConfig.thinkingConfig.includeThoughts", variant.IncludeThoughts())
	out, _ = sjson.SetBytes(out, "generationConfig.thinkingConfig.thinkingBudget", variant.ThinkingBudget())
	return out
}
