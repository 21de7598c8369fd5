package translator

import (
	"encoding/json"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"gcliproxy/internal/constants"
	"gcliproxy/internal/models"
)

// defaultSafetySettings disable every harm filter. The upstream serves a
// coding CLI and ships with filters off; clients expecting the OpenAI
// protocol have no field to control them anyway.
var defaultSafetySettings = []map[string]string{
	{"category": "HARM_CATEGORY_HARASSMENT", "threshold": "BLOCK_NONE"},
	{"category": "HARM_CATEGORY_HATE_SPEECH", "threshold": "BLOCK_NONE"},
	{"category": "HARM_CATEGORY_SEXUALLY_EXPLICIT", "threshold": "BLOCK_NONE"},
	{"category": "HARM_CATEGORY_DANGEROUS_CONTENT", "threshold": "BLOCK_NONE"},
	{"category": "HARM_CATEGORY_CIVIC_INTEGRITY", "threshold": "BLOCK_NONE"},
}

// inlineImagePattern matches the markdown spelling this gateway itself
// uses when rendering inline images back to OpenAI clients, so assistant
// turns replayed from history round-trip into inlineData parts.
var inlineImagePattern = regexp.MustCompile(`!\[image\]\((data:[^)]+)\)`)

// openAIToUpstream renders an OpenAI chat completions body as the
// upstream request object: contents, systemInstruction, generationConfig,
// tools, and safety settings in the Code Assist schema.
func openAIToUpstream(body gjson.Result, variant models.Variant) []byte {
	messages := body.Get("messages").Array()

	request := map[string]interface{}{
		"contents":       convertMessages(messages),
		"safetySettings": defaultSafetySettings,
	}

	if system := collectSystemInstruction(messages); system != "" {
		request["systemInstruction"] = map[string]interface{}{
			"parts": []interface{}{map[string]interface{}{"text": system}},
		}
	}

	generation := buildGenerationConfig(body)
	applyThinking(generation, body, variant)
	if len(generation) > 0 {
		request["generationConfig"] = generation
	}

	applyTools(request, body, variant)
	applyToolChoice(request, body)

	payload, err := json.Marshal(request)
	if err != nil {
		// Inputs come from gjson and plain maps; this cannot fail.
		log.WithError(err).Error("marshaling upstream request")
		return []byte("{}")
	}
	return payload
}

// collectSystemInstruction joins every system turn into one instruction
// block. List-shaped system content contributes its text parts.
func collectSystemInstruction(messages []gjson.Result) string {
	var parts []string
	for _, msg := range messages {
		if msg.Get("role").String() != "system" {
			continue
		}
		content := msg.Get("content")
		if content.IsArray() {
			for _, part := range content.Array() {
				if part.Get("type").String() == "text" {
					if text := part.Get("text").String(); text != "" {
						parts = append(parts, text)
					}
				}
			}
		} else if text := content.String(); strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// toolCallNames maps tool_call ids to function names so tool-result turns
// can be attributed to the call that produced them.
func toolCallNames(messages []gjson.Result) map[string]string {
	names := make(map[string]string)
	for _, msg := range messages {
		if msg.Get("role").String() != "assistant" {
			continue
		}
		for _, tc := range msg.Get("tool_calls").Array() {
			id := tc.Get("id").String()
			name := tc.Get("function.name").String()
			if id != "" && name != "" {
				names[id] = name
			}
		}
	}
	return names
}

// convertMessages maps the conversation turns to Gemini contents:
// assistant becomes model, tool results become function turns, and
// consecutive turns of the same role merge into one.
func convertMessages(messages []gjson.Result) []map[string]interface{} {
	callNames := toolCallNames(messages)
	contents := make([]map[string]interface{}, 0, len(messages))

	appendMerged := func(role string, parts []interface{}) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1]["role"] == role {
			contents[n-1]["parts"] = append(contents[n-1]["parts"].([]interface{}), parts...)
			return
		}
		contents = append(contents, map[string]interface{}{"role": role, "parts": parts})
	}

	for _, msg := range messages {
		role := msg.Get("role").String()
		content := msg.Get("content")

		switch role {
		case "system":
			continue

		case "tool":
			id := msg.Get("tool_call_id").String()
			name := callNames[id]
			if name == "" {
				log.WithField("tool_call_id", id).Warn("tool result references an unknown call, skipping")
				continue
			}
			contents = append(contents, map[string]interface{}{
				"role":  "function",
				"parts": []interface{}{functionResponsePart(name, content.String())},
			})
			continue

		case "assistant":
			if toolCalls := msg.Get("tool_calls").Array(); len(toolCalls) > 0 {
				parts := make([]interface{}, 0, len(toolCalls))
				for _, tc := range toolCalls {
					parts = append(parts, functionCallPart(tc))
				}
				contents = append(contents, map[string]interface{}{"role": "model", "parts": parts})
				if content.String() == "" {
					continue
				}
			}
			appendMerged("model", contentParts(content, true))

		default:
			appendMerged(role, contentParts(content, false))
		}
	}
	return contents
}

// functionResponsePart wraps a tool result. JSON results pass through
// structured; anything else is carried as a plain content string.
func functionResponsePart(name, result string) map[string]interface{} {
	var response interface{}
	if err := json.Unmarshal([]byte(result), &response); err != nil || response == nil {
		response = map[string]interface{}{"content": result}
	}
	return map[string]interface{}{
		"functionResponse": map[string]interface{}{
			"name":     name,
			"response": response,
		},
	}
}

// functionCallPart maps one OpenAI tool_call to a functionCall part.
// Unparseable argument strings degrade to an empty argument object.
func functionCallPart(tc gjson.Result) map[string]interface{} {
	var args interface{}
	raw := tc.Get("function.arguments").String()
	if raw == "" || json.Unmarshal([]byte(raw), &args) != nil || args == nil {
		args = map[string]interface{}{}
	}
	return map[string]interface{}{
		"functionCall": map[string]interface{}{
			"name": tc.Get("function.name").String(),
			"args": args,
		},
	}
}

// contentParts converts OpenAI message content (string or part list) into
// Gemini parts. Assistant history may embed images this gateway rendered
// as markdown; those are split back into inlineData.
func contentParts(content gjson.Result, assistant bool) []interface{} {
	if content.IsArray() {
		var parts []interface{}
		for _, part := range content.Array() {
			switch part.Get("type").String() {
			case "text":
				if text := part.Get("text").String(); strings.TrimSpace(text) != "" {
					parts = append(parts, map[string]interface{}{"text": text})
				}
			case "image_url":
				url := part.Get("image_url.url").String()
				if !strings.HasPrefix(url, "data:") {
					continue
				}
				if inline, ok := inlineDataPart(url); ok {
					parts = append(parts, inline)
				} else {
					log.WithField("prefix", truncateForLog(url)).Warn("unparseable image data URI, dropping part")
				}
			}
		}
		return parts
	}

	text := content.String()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if assistant && strings.Contains(text, "![image](data:") {
		return splitInlineImages(text)
	}
	return []interface{}{map[string]interface{}{"text": text}}
}

// splitInlineImages cuts a markdown-with-images string into alternating
// text and inlineData parts, preserving order.
func splitInlineImages(text string) []interface{} {
	var parts []interface{}
	last := 0
	for _, loc := range inlineImagePattern.FindAllStringSubmatchIndex(text, -1) {
		if leading := strings.TrimSpace(text[last:loc[0]]); leading != "" {
			parts = append(parts, map[string]interface{}{"text": leading})
		}
		uri := text[loc[2]:loc[3]]
		if inline, ok := inlineDataPart(uri); ok {
			parts = append(parts, inline)
		} else {
			// Keep the raw markdown rather than losing the turn.
			parts = append(parts, map[string]interface{}{"text": text[loc[0]:loc[1]]})
		}
		last = loc[1]
	}
	if trailing := strings.TrimSpace(text[last:]); trailing != "" {
		parts = append(parts, map[string]interface{}{"text": trailing})
	}
	return parts
}

// inlineDataPart parses a data: URI into an inlineData part.
func inlineDataPart(uri string) (map[string]interface{}, bool) {
	header, data, ok := strings.Cut(uri, ",")
	if !ok {
		return nil, false
	}
	mime := strings.TrimPrefix(header, "data:")
	mime, _, _ = strings.Cut(mime, ";")
	if mime == "" {
		return nil, false
	}
	return map[string]interface{}{
		"inlineData": map[string]interface{}{
			"mimeType": mime,
			"data":     data,
		},
	}, true
}

// buildGenerationConfig maps the OpenAI sampling parameters onto the
// Gemini generationConfig, clamping to upstream limits.
func buildGenerationConfig(body gjson.Result) map[string]interface{} {
	generation := map[string]interface{}{}
	if v := body.Get("temperature"); v.Exists() {
		generation["temperature"] = v.Value()
	}
	if v := body.Get("top_p"); v.Exists() {
		generation["topP"] = v.Value()
	}
	if v := body.Get("top_k"); v.Exists() {
		topK := v.Int()
		if topK > constants.MaxTopK {
			topK = constants.MaxTopK
		}
		generation["topK"] = topK
	}
	if v := body.Get("max_tokens"); v.Exists() {
		limit := v.Int()
		if limit > constants.MaxOutputTokens {
			limit = constants.MaxOutputTokens
		}
		generation["maxOutputTokens"] = limit
	}
	if v := body.Get("stop"); v.Exists() {
		if v.IsArray() {
			var stops []interface{}
			for _, s := range v.Array() {
				stops = append(stops, s.String())
			}
			generation["stopSequences"] = stops
		} else {
			generation["stopSequences"] = []interface{}{v.String()}
		}
	}
	if v := body.Get("n"); v.Exists() {
		generation["candidateCount"] = v.Int()
	}
	if body.Get("response_format.type").String() == "json_object" {
		generation["responseMimeType"] = "application/json"
	}
	return generation
}

// applyThinking decides the thinkingConfig. A thinking_budget extension
// field wins over the model-name variant: true or a positive integer
// enables thoughts (with the variant's or the given budget), false or a
// non-positive integer disables them.
func applyThinking(generation map[string]interface{}, body gjson.Result, variant models.Variant) {
	include := false
	budget := 0
	hasBudget := false

	if tb := body.Get("thinking_budget"); tb.Exists() {
		switch tb.Type {
		case gjson.True:
			include = true
			budget, hasBudget = variant.ThinkingBudget(), true
		case gjson.Number:
			if n := int(tb.Int()); n > 0 {
				include = true
				budget, hasBudget = n, true
			}
		}
	} else if variant.IncludeThoughts() {
		include = true
		budget, hasBudget = variant.ThinkingBudget(), true
	}

	if !include {
		return
	}
	thinking := map[string]interface{}{"includeThoughts": true}
	if hasBudget {
		thinking["thinkingBudget"] = budget
	}
	generation["thinkingConfig"] = thinking
}

// applyTools attaches function declarations, or the Google Search tool
// for -search variants, which replaces any client-declared tools.
func applyTools(request map[string]interface{}, body gjson.Result, variant models.Variant) {
	if variant.Search {
		request["tools"] = []interface{}{map[string]interface{}{"googleSearch": map[string]interface{}{}}}
		return
	}
	var declarations []interface{}
	for _, tool := range body.Get("tools").Array() {
		if tool.Get("type").String() != "function" {
			continue
		}
		fn := tool.Get("function")
		name := fn.Get("name").String()
		if name == "" {
			continue
		}
		decl := map[string]interface{}{"name": name}
		if d := fn.Get("description"); d.Exists() {
			decl["description"] = d.String()
		}
		if p := fn.Get("parameters"); p.Exists() {
			decl["parameters"] = p.Value()
		}
		declarations = append(declarations, decl)
	}
	if len(declarations) > 0 {
		request["tools"] = []interface{}{map[string]interface{}{"functionDeclarations": declarations}}
	}
}

// applyToolChoice maps tool_choice onto functionCallingConfig. Only the
// spellings the upstream understands are forwarded.
func applyToolChoice(request map[string]interface{}, body gjson.Result) {
	choice := body.Get("tool_choice")
	if !choice.Exists() {
		return
	}
	if choice.Type == gjson.String {
		mode := choice.String()
		if mode == "none" || mode == "auto" {
			request["toolConfig"] = map[string]interface{}{
				"functionCallingConfig": map[string]interface{}{"mode": strings.ToUpper(mode)},
			}
		}
		return
	}
	if name := choice.Get("function.name").String(); name != "" {
		request["toolConfig"] = map[string]interface{}{
			"functionCallingConfig": map[string]interface{}{
				"mode":                 "ANY",
				"allowedFunctionNames": []interface{}{name},
			},
		}
	}
}

func truncateForLog(s string) string {
	if len(s) > 50 {
		return s[:50]
	}
	return s
}
