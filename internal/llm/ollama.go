package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marlowbot/marlow/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		baseURL: baseURL,
		// Large models with tools need time before the first token.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
	}
}

// Ollama wire types.

type ollamaChatRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	Message    Message   `json:"message"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason,omitempty"`

	// Usage stats (when done=true)
	TotalDuration   int64 `json:"total_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

func (r *ollamaChatResponse) toChatResponse() *ChatResponse {
	return &ChatResponse{
		Model:         r.Model,
		CreatedAt:     r.CreatedAt,
		Message:       r.Message,
		Done:          r.Done,
		FinishReason:  r.DoneReason,
		InputTokens:   r.PromptEvalCount,
		OutputTokens:  r.EvalCount,
		TotalDuration: time.Duration(r.TotalDuration),
		EvalDuration:  time.Duration(r.EvalDuration),
	}
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, opts *Options) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, opts, nil)
}

// ChatStream sends a streaming chat request to Ollama.
// If callback is non-nil, tokens are streamed to it.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, opts *Options, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Tools:    tools,
	}
	if opts != nil {
		req.Options = &ollamaOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		}
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	validTools := extractToolNames(tools)

	if !stream {
		// Non-streaming: single JSON response
		var wire ollamaChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		chatResp := wire.toChatResponse()
		// Try to parse text-based tool calls if no native tool_calls
		if len(chatResp.Message.ToolCalls) == 0 && chatResp.Message.Content != "" {
			if parsed := parseTextToolCalls(chatResp.Message.Content, validTools); len(parsed) > 0 {
				chatResp.Message.ToolCalls = parsed
				chatResp.Message.Content = "" // Clear content since it was a tool call
			}
		}
		return chatResp, nil
	}

	// Streaming: read newline-delimited JSON
	var final *ChatResponse
	var contentBuilder strings.Builder
	var toolCalls []ToolCall
	decoder := json.NewDecoder(resp.Body)

	for {
		var chunk ollamaChatResponse
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		// Accumulate content
		if chunk.Message.Content != "" {
			contentBuilder.WriteString(chunk.Message.Content)
			callback(chunk.Message.Content)
		}

		// Tool calls come in the final message
		if len(chunk.Message.ToolCalls) > 0 {
			toolCalls = chunk.Message.ToolCalls
		}

		// Capture final metadata
		if chunk.Done {
			final = chunk.toChatResponse()
			break
		}
	}

	if final == nil {
		final = &ChatResponse{Model: model, Done: true}
	}
	final.Message.Content = contentBuilder.String()
	final.Message.ToolCalls = toolCalls
	if final.Message.Role == "" {
		final.Message.Role = "assistant"
	}

	// Try to parse text-based tool calls if no native tool_calls
	if len(final.Message.ToolCalls) == 0 && final.Message.Content != "" {
		if parsed := parseTextToolCalls(final.Message.Content, validTools); len(parsed) > 0 {
			final.Message.ToolCalls = parsed
			final.Message.Content = "" // Clear content since it was a tool call
		}
	}

	return final, nil
}

// extractToolNames pulls the function names out of OpenAI-format tool
// definitions for validating text-parsed tool calls.
func extractToolNames(tools []map[string]any) []string {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := fn["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many models output tool calls as JSON in the content rather than using
// the native tool_calls field. Handled formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Concatenated objects: {...}{...}{...}
//   - Tagged: <tool_call>...</tool_call>
//   - Prefixed: tool_name {...}
//
// When validTools is non-empty, calls naming unknown tools are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	isValid := func(name string) bool {
		if name == "" {
			return false
		}
		if len(validTools) == 0 {
			return true
		}
		for _, v := range validTools {
			if v == name {
				return true
			}
		}
		return false
	}

	// Try to extract from <tool_call> tags
	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if start != -1 && end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else if start != -1 {
			// No closing tag, take rest of content
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	type rawCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	makeCalls := func(raw []rawCall) []ToolCall {
		var result []ToolCall
		for _, c := range raw {
			if !isValid(c.Name) {
				continue
			}
			result = append(result, ToolCall{
				Function: FunctionCall{Name: c.Name, Arguments: c.Arguments},
			})
		}
		return result
	}

	// Try parsing as array of tool calls
	var calls []rawCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		return makeCalls(calls)
	}

	// Try concatenated JSON objects, possibly with trailing prose:
	// {...}{...}{...}extra text
	if strings.HasPrefix(content, "{") {
		dec := json.NewDecoder(strings.NewReader(content))
		var seq []rawCall
		for {
			var c rawCall
			if err := dec.Decode(&c); err != nil {
				break
			}
			if c.Name == "" {
				break
			}
			seq = append(seq, c)
		}
		if len(seq) > 0 {
			return makeCalls(seq)
		}
	}

	// Try "tool_name {json}" format
	if idx := strings.Index(content, "{"); idx > 0 {
		name := strings.TrimSpace(content[:idx])
		if !strings.ContainsAny(name, " \t\n") && isValid(name) {
			dec := json.NewDecoder(strings.NewReader(content[idx:]))
			var args map[string]any
			if err := dec.Decode(&args); err == nil {
				return []ToolCall{{Function: FunctionCall{Name: name, Arguments: args}}}
			}
		}
	}

	return nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}

	return nil
}

// ListModels returns available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
