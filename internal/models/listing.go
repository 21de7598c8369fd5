package models

import (
	"time"

	"gcliproxy/internal/constants"
)

// Published token limits and sampling defaults. The list endpoint
// advertises the full context window; the single-model endpoint keeps the
// older 128k figure that gemini-cli clients expect there.
const (
	listInputTokenLimit = 1000000
	infoInputTokenLimit = 128000
	outputTokenLimit    = 8192

	defaultTemperature = 1.0
	maxTemperature     = 2.0
	defaultTopP        = 0.95
)

var generationMethods = []string{"generateContent", "streamGenerateContent"}

// OpenAIModel is one entry in the OpenAI /v1/models listing.
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
}

// OpenAIModelList is the OpenAI /v1/models response body.
type OpenAIModelList struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

// OpenAIListing returns the catalog in the OpenAI listing shape.
func OpenAIListing() OpenAIModelList {
	created := time.Now().Unix()
	list := OpenAIModelList{
		Object: "list",
		Data:   make([]OpenAIModel, 0, len(BaseModels)*variantsPerBase),
	}
	for _, name := range Catalog() {
		list.Data = append(list.Data, OpenAIModel{ID: name, Object: "model", Created: created})
	}
	return list
}

// GeminiModel mirrors the per-model metadata block the Gemini API
// publishes.
type GeminiModel struct {
	Name                       string   `json:"name"`
	BaseModelID                string   `json:"baseModelId"`
	Version                    string   `json:"version"`
	DisplayName                string   `json:"displayName"`
	Description                string   `json:"description"`
	InputTokenLimit            int      `json:"inputTokenLimit"`
	OutputTokenLimit           int      `json:"outputTokenLimit"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	Temperature                float64  `json:"temperature"`
	MaxTemperature             float64  `json:"maxTemperature"`
	TopP                       float64  `json:"topP"`
	TopK                       int      `json:"topK"`
}

// GeminiModelList is the Gemini /v1beta/models response body.
type GeminiModelList struct {
	Models []GeminiModel `json:"models"`
}

// GeminiListing returns the catalog in the Gemini listing shape. The
// baseModelId keeps any feature suffix: only the streaming-mode prefix is
// stripped, so suffix variants list as distinct base ids.
func GeminiListing() GeminiModelList {
	list := GeminiModelList{Models: make([]GeminiModel, 0, len(BaseModels)*variantsPerBase)}
	for _, name := range Catalog() {
		base := StripFeaturePrefix(name)
		list.Models = append(list.Models, GeminiModel{
			Name:                       "models/" + name,
			BaseModelID:                base,
			Version:                    "001",
			DisplayName:                name,
			Description:                "Gemini " + base + " model",
			InputTokenLimit:            listInputTokenLimit,
			OutputTokenLimit:           outputTokenLimit,
			SupportedGenerationMethods: generationMethods,
			Temperature:                defaultTemperature,
			MaxTemperature:             maxTemperature,
			TopP:                       defaultTopP,
			TopK:                       constants.DefaultTopK,
		})
	}
	return list
}

// GeminiModelInfo returns the single-model metadata for a model name,
// resolved to its base model.
func GeminiModelInfo(name string) GeminiModel {
	base := stripVariantSuffix(StripFeaturePrefix(name))
	return GeminiModel{
		Name:                       "models/" + base,
		BaseModelID:                base,
		Version:                    "001",
		DisplayName:                base,
		Description:                "Gemini " + base + " model",
		InputTokenLimit:            infoInputTokenLimit,
		OutputTokenLimit:           outputTokenLimit,
		SupportedGenerationMethods: generationMethods,
		Temperature:                defaultTemperature,
		MaxTemperature:             maxTemperature,
		TopP:                       defaultTopP,
		TopK:                       constants.DefaultTopK,
	}
}
