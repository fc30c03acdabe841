package llm

import (
	"encoding/json"

	"github.com/drjanduffy/heyberkshire/internal/resilience"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request.
type Request struct {
	// Model overrides the client default when set.
	Model string
	// System is the optional system/context prompt. When EnableCache is
	// set it is marked for provider-side prompt caching.
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// EnableCache marks the system prompt cacheable on the provider side.
	// Distinct from the local response cache, which stores whole
	// request/response pairs.
	EnableCache bool
}

// Usage is the token accounting returned by the provider.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheWriteTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens  int `json:"cache_read_input_tokens"`
}

// Response is a completed chat call: content plus usage and computed cost.
type Response struct {
	Content string
	Model   string
	Usage   Usage
	Cost    resilience.Cost
	// Cached reports the response came from the local response cache.
	Cached bool
}

// Wire types for the messages endpoint.

type wireSystemBlock struct {
	Type         string            `json:"type"`
	Text         string            `json:"text"`
	CacheControl *wireCacheControl `json:"cache_control,omitempty"`
}

type wireCacheControl struct {
	Type string `json:"type"`
}

type wireRequest struct {
	Model       string            `json:"model"`
	MaxTokens   int               `json:"max_tokens"`
	System      []wireSystemBlock `json:"system,omitempty"`
	Messages    []Message         `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
}

type wireContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []wireContentBlock `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      *Usage             `json:"usage"`
}

// Streaming event payloads. Only the fields consumed are declared.

type wireStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage *Usage `json:"usage"`
}

func decodeStreamEvent(data []byte) (wireStreamEvent, error) {
	var ev wireStreamEvent
	err := json.Unmarshal(data, &ev)
	return ev, err
}
