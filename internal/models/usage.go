package models

import "encoding/json"

// Usage holds normalized token counts extracted from provider responses.
// Fields missing from the provider payload stay zero.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CachedTokens        int `json:"cached_tokens"`
	ReasoningTokens     int `json:"reasoning_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
}

// IsZero reports whether no token counts were extracted.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// ExtractUsage pulls normalized token usage out of a decoded provider payload.
// It understands OpenAI chat completions (`usage.prompt_tokens`), the OpenAI
// Responses API (`usage.input_tokens`, also nested under `response.usage`),
// and Anthropic messages (`usage.input_tokens` plus cache fields).
// Returns false when the payload carries no usage object, or a usage object
// with none of the prompt/input/output token fields.
func ExtractUsage(payload map[string]any) (Usage, bool) {
	raw, ok := payload["usage"].(map[string]any)
	if !ok {
		// OpenAI Responses API streams usage under response.usage.
		if resp, respOK := payload["response"].(map[string]any); respOK {
			raw, ok = resp["usage"].(map[string]any)
		}
	}
	if !ok || raw == nil {
		return Usage{}, false
	}

	var u Usage
	if prompt, hasPrompt := intField(raw, "prompt_tokens"); hasPrompt {
		// OpenAI chat completions schema.
		u.PromptTokens = prompt
		u.CompletionTokens, _ = intField(raw, "completion_tokens")
		if total, hasTotal := intField(raw, "total_tokens"); hasTotal {
			u.TotalTokens = total
		} else {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		if details, detOK := raw["prompt_tokens_details"].(map[string]any); detOK {
			u.CachedTokens, _ = intField(details, "cached_tokens")
		}
		if details, detOK := raw["completion_tokens_details"].(map[string]any); detOK {
			u.ReasoningTokens, _ = intField(details, "reasoning_tokens")
		}
		return u, true
	}

	input, hasInput := intField(raw, "input_tokens")
	output, hasOutput := intField(raw, "output_tokens")
	if !hasInput && !hasOutput {
		return Usage{}, false
	}

	// Anthropic messages and OpenAI Responses both use input/output tokens.
	u.PromptTokens = input
	u.CompletionTokens = output
	if total, hasTotal := intField(raw, "total_tokens"); hasTotal {
		u.TotalTokens = total
	} else {
		u.TotalTokens = input + output
	}
	u.CacheCreationTokens, _ = intField(raw, "cache_creation_input_tokens")
	u.CacheReadTokens, _ = intField(raw, "cache_read_input_tokens")
	if details, detOK := raw["input_tokens_details"].(map[string]any); detOK {
		u.CachedTokens, _ = intField(details, "cached_tokens")
	}
	if u.CacheReadTokens > u.CachedTokens {
		u.CachedTokens = u.CacheReadTokens
	}
	return u, true
}

// ExtractUsageJSON decodes raw JSON and extracts usage from it.
func ExtractUsageJSON(data []byte) (Usage, bool) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return Usage{}, false
	}
	return ExtractUsage(payload)
}

func intField(m map[string]any, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
