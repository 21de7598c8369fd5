package translator

import "github.com/tidwall/gjson"

// The liveness probe is a single user turn saying exactly "Hi". Monitoring
// setups in the wild send it at a fixed cadence; answering locally keeps
// the probes from burning upstream quota.

func isOpenAIHealthCheck(messages gjson.Result) bool {
	arr := messages.Array()
	if len(arr) != 1 {
		return false
	}
	return arr[0].Get("role").String() == "user" && arr[0].Get("content").String() == "Hi"
}

func isGeminiHealthCheck(contents gjson.Result) bool {
	arr := contents.Array()
	if len(arr) != 1 {
		return false
	}
	return arr[0].Get("role").String() == "user" && arr[0].Get("parts.0.text").String() == "Hi"
}

// OpenAIHealthResponse is the canned body returned for the OpenAI-shape
// liveness probe.
func OpenAIHealthResponse() []byte {
	return []byte(`{"choices":[{"message":{"role":"assistant","content":"gcliproxy正常工作中"}}]}`)
}

// GeminiHealthResponse is the canned body returned for the Gemini-shape
// liveness probe.
func GeminiHealthResponse() []byte {
	return []byte(`{"candidates":[{"content":{"parts":[{"text":"公益站正常工作中"}],"role":"model"},"finishReason":"STOP","index":0}]}`)
}
