package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		validTools []string
		wantCount  int
		wantName   string // First tool name if wantCount > 0
	}{
		{
			name:      "empty content",
			content:   "",
			wantCount: 0,
		},
		{
			name:      "whitespace only",
			content:   "   \n\t  ",
			wantCount: 0,
		},
		{
			name:      "plain text no JSON",
			content:   "Nothing on the calendar today.",
			wantCount: 0,
		},
		{
			name:      "single tool call object",
			content:   `{"name": "web_search", "arguments": {"query": "weather tomorrow"}}`,
			wantCount: 1,
			wantName:  "web_search",
		},
		{
			name:      "single tool call with whitespace",
			content:   `  {"name": "web_search", "arguments": {"query": "weather"}}  `,
			wantCount: 1,
			wantName:  "web_search",
		},
		{
			name:      "array of tool calls",
			content:   `[{"name": "web_search", "arguments": {"query": "go releases"}}, {"name": "read_file", "arguments": {}}]`,
			wantCount: 2,
			wantName:  "web_search",
		},
		{
			name:      "tagged tool call",
			content:   `<tool_call>{"name": "fetch_url", "arguments": {"url": "https://example.com"}}</tool_call>`,
			wantCount: 1,
			wantName:  "fetch_url",
		},
		{
			name:      "tagged tool call without closing tag",
			content:   `<tool_call>{"name": "web_search", "arguments": {"query": "news"}}`,
			wantCount: 1,
			wantName:  "web_search",
		},
		{
			name:      "tagged with preamble",
			content:   `Let me check that for you. <tool_call>{"name": "web_search", "arguments": {"query": "news"}}</tool_call>`,
			wantCount: 1,
			wantName:  "web_search",
		},
		{
			name:      "malformed JSON",
			content:   `{"name": "web_search", "arguments": {`,
			wantCount: 0,
		},
		{
			name:      "JSON without name field",
			content:   `{"foo": "bar", "arguments": {}}`,
			wantCount: 0,
		},
		{
			name:      "JSON with empty name",
			content:   `{"name": "", "arguments": {}}`,
			wantCount: 0,
		},
		{
			name:       "valid tool with validation",
			content:    `{"name": "web_search", "arguments": {"query": "x"}}`,
			validTools: []string{"web_search", "fetch_url"},
			wantCount:  1,
			wantName:   "web_search",
		},
		{
			name:       "invalid tool rejected by validation",
			content:    `{"name": "hack_the_planet", "arguments": {}}`,
			validTools: []string{"web_search", "fetch_url"},
			wantCount:  0,
		},
		{
			name:       "mixed valid/invalid in array",
			content:    `[{"name": "web_search", "arguments": {}}, {"name": "invalid_tool", "arguments": {}}]`,
			validTools: []string{"web_search", "fetch_url"},
			wantCount:  1,
			wantName:   "web_search",
		},
		{
			name:       "no validation (nil validTools)",
			content:    `{"name": "any_tool_name", "arguments": {}}`,
			validTools: nil,
			wantCount:  1,
			wantName:   "any_tool_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content, tt.validTools)

			if len(got) != tt.wantCount {
				t.Errorf("parseTextToolCalls() returned %d tools, want %d", len(got), tt.wantCount)
				return
			}

			if tt.wantCount > 0 && got[0].Function.Name != tt.wantName {
				t.Errorf("parseTextToolCalls() first tool name = %q, want %q", got[0].Function.Name, tt.wantName)
			}
		})
	}
}

func TestParseTextToolCalls_ConcatenatedJSON(t *testing.T) {
	// Concatenated JSON objects (qwen-style): {...}{...}{...}
	content := `{"name": "web_search", "arguments": {"query": "solar panels"}}{"name": "web_search", "arguments": {"query": "inverter sizing"}}{"name": "read_file", "arguments": {"path": "notes/solar.md"}}`
	validTools := []string{"web_search", "read_file"}

	calls := parseTextToolCalls(content, validTools)
	if len(calls) != 3 {
		t.Fatalf("expected 3 tool calls, got %d", len(calls))
	}

	if calls[0].Function.Name != "web_search" {
		t.Errorf("call[0] name = %q, want web_search", calls[0].Function.Name)
	}
	if calls[2].Function.Name != "read_file" {
		t.Errorf("call[2] name = %q, want read_file", calls[2].Function.Name)
	}
	if calls[2].Function.Arguments["path"] != "notes/solar.md" {
		t.Errorf("call[2] path = %v, want notes/solar.md", calls[2].Function.Arguments["path"])
	}
}

func TestParseTextToolCalls_PrefixedFormat(t *testing.T) {
	// "tool_name {json}" format that some models output
	content := `web_search {"query": "train schedule"}`
	calls := parseTextToolCalls(content, []string{"web_search"})
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].Function.Name != "web_search" {
		t.Errorf("name = %q, want web_search", calls[0].Function.Name)
	}
	if calls[0].Function.Arguments["query"] != "train schedule" {
		t.Errorf("query = %v, want 'train schedule'", calls[0].Function.Arguments["query"])
	}

	// Unknown prefix should be ignored.
	calls = parseTextToolCalls(`unknown_tool {"foo": "bar"}`, []string{"web_search"})
	if len(calls) != 0 {
		t.Errorf("expected no tool calls for unknown prefix, got %d", len(calls))
	}
}

func TestExtractToolNames(t *testing.T) {
	tests := []struct {
		name  string
		tools []map[string]any
		want  []string
	}{
		{
			name:  "nil tools",
			tools: nil,
			want:  nil,
		},
		{
			name: "multiple tools",
			tools: []map[string]any{
				{"function": map[string]any{"name": "web_search"}},
				{"function": map[string]any{"name": "fetch_url"}},
			},
			want: []string{"web_search", "fetch_url"},
		},
		{
			name: "malformed tool (no function)",
			tools: []map[string]any{
				{"name": "orphan_name"},
			},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractToolNames(tt.tools)
			if len(got) != len(tt.want) {
				t.Errorf("extractToolNames() = %v, want %v", got, tt.want)
				return
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("extractToolNames()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestOllamaChat_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:           req.Model,
			Message:         Message{Role: "assistant", Content: "hello"},
			Done:            true,
			DoneReason:      "stop",
			PromptEvalCount: 12,
			EvalCount:       3,
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	resp, err := c.Chat(context.Background(), "qwen3:8b", []Message{{Role: "user", Content: "hi"}}, nil, nil)
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if resp.Message.Content != "hello" {
		t.Errorf("content = %q, want %q", resp.Message.Content, "hello")
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d, want 12/3", resp.InputTokens, resp.OutputTokens)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", resp.FinishReason)
	}
}

func TestOllamaChat_Streaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(ollamaChatResponse{Message: Message{Role: "assistant", Content: "hel"}})
		enc.Encode(ollamaChatResponse{Message: Message{Role: "assistant", Content: "lo"}})
		enc.Encode(ollamaChatResponse{Message: Message{Role: "assistant"}, Done: true, EvalCount: 2})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	var tokens []string
	resp, err := c.ChatStream(context.Background(), "qwen3:8b",
		[]Message{{Role: "user", Content: "hi"}}, nil, nil,
		func(token string) { tokens = append(tokens, token) })
	if err != nil {
		t.Fatalf("ChatStream error: %v", err)
	}
	if resp.Message.Content != "hello" {
		t.Errorf("content = %q, want %q", resp.Message.Content, "hello")
	}
	if len(tokens) != 2 {
		t.Errorf("got %d tokens, want 2", len(tokens))
	}
}

func TestOllamaChat_Options(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Options == nil {
			t.Fatal("expected options in request")
		}
		if req.Options.Temperature != 0.3 {
			t.Errorf("temperature = %v, want 0.3", req.Options.Temperature)
		}
		if req.Options.NumPredict != 512 {
			t.Errorf("num_predict = %d, want 512", req.Options.NumPredict)
		}
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: Message{Role: "assistant", Content: "ok"},
			Done:    true,
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	_, err := c.Chat(context.Background(), "qwen3:8b", nil, nil,
		&Options{Temperature: 0.3, MaxTokens: 512})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping error: %v", err)
	}
}
