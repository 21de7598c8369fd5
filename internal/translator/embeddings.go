package translator

import (
	"encoding/json"
	"math/rand"

	"github.com/tidwall/gjson"
)

const embeddingDimensions = 768

// MockEmbeddings answers batchEmbedContents locally with random unit-range
// vectors, one per request entry. The upstream Code Assist API has no
// embedding endpoint, but some gemini-cli tooling probes this route and
// only needs a well-shaped response.
func MockEmbeddings(raw []byte) []byte {
	requests := gjson.GetBytes(raw, "requests").Array()

	type embedding struct {
		Values []float64 `json:"values"`
	}
	type entry struct {
		Embedding embedding `json:"embedding"`
	}

	embeddings := make([]entry, 0, len(requests))
	for range requests {
		values := make([]float64, embeddingDimensions)
		for i := range values {
			values[i] = rand.Float64()*2 - 1
		}
		embeddings = append(embeddings, entry{Embedding: embedding{Values: values}})
	}

	out, _ := json.Marshal(map[string]interface{}{"embeddings": embeddings})
	return out
}

// OpenAIEmbeddings is the OpenAI-shape counterpart: one vector per
// input entry, where input may be a single string or an array.
func OpenAIEmbeddings(raw []byte) []byte {
	input := gjson.GetBytes(raw, "input")
	count := 1
	if input.IsArray() {
		count = len(input.Array())
	}

	type row struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	}
	data := make([]row, count)
	for i := range data {
		values := make([]float64, embeddingDimensions)
		for j := range values {
			values[j] = rand.Float64()*2 - 1
		}
		data[i] = row{Object: "embedding", Index: i, Embedding: values}
	}

	out, _ := json.Marshal(map[string]interface{}{
		"object": "list",
		"data":   data,
		"model":  gjson.GetBytes(raw, "model").String(),
		"usage":  map[string]int64{"prompt_tokens": 0, "total_tokens": 0},
	})
	return out
}
