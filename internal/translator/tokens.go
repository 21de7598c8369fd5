package translator

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// EstimateTokens approximates the token count of a Gemini-shape request
// at four characters per token, floored at one. It backs countTokens when
// the upstream cannot be reached.
func EstimateTokens(raw []byte) int64 {
	var total int64
	for _, content := range gjson.GetBytes(raw, "contents").Array() {
		for _, part := range content.Get("parts").Array() {
			if text := part.Get("text"); text.Exists() {
				total += int64(len(text.String()) / 4)
			}
		}
	}
	if total < 1 {
		total = 1
	}
	return total
}

// CountTokensResponse is the countTokens response body.
func CountTokensResponse(totalTokens int64) []byte {
	out, _ := json.Marshal(map[string]int64{"totalTokens": totalTokens})
	return out
}
