package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/marlowbot/marlow/internal/llm"
	"github.com/marlowbot/marlow/internal/oracle"
	"github.com/marlowbot/marlow/internal/tools"
)

// fakeLLM replays a scripted response sequence and records every
// request's message list. When the script runs out, the last response
// repeats.
type fakeLLM struct {
	responses []*llm.ChatResponse
	err       error
	calls     int
	requests  [][]llm.Message
}

func (f *fakeLLM) Chat(_ context.Context, _ string, messages []llm.Message, _ []map[string]any, _ *llm.Options) (*llm.ChatResponse, error) {
	f.requests = append(f.requests, append([]llm.Message(nil), messages...))
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, toolDefs []map[string]any, opts *llm.Options, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	return f.Chat(ctx, model, messages, toolDefs, opts)
}

func (f *fakeLLM) Ping(context.Context) error { return nil }

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: content}, Done: true}
}

func toolResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", ToolCalls: calls}, Done: true}
}

func call(name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: "tc_" + name, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

// echoTool returns its text argument; failTool returns an error-shaped
// result without a Go error, matching how real tools report failures.
func testRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(&tools.Func{
		ToolName:        "echo",
		ToolDescription: "echoes text",
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return "echo: " + text, nil
		},
	})
	reg.Register(&tools.Func{
		ToolName:        "flaky",
		ToolDescription: "always fails",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "Error: permission denied", nil
		},
	})
	return reg
}

func testAgent(client llm.Client, maxIter int) *Agent {
	return New(Config{
		Logger:        slog.New(slog.DiscardHandler),
		LLM:           client,
		Registry:      testRegistry(),
		Oracle:        oracle.New(nil, oracle.Config{Mode: oracle.ModeNone}, nil),
		Model:         "test-model",
		MaxIterations: maxIter,
	})
}

func userTurn(content string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: "system"},
		{Role: "user", Content: content},
	}
}

func TestRunTurnPlainAnswer(t *testing.T) {
	client := &fakeLLM{responses: []*llm.ChatResponse{textResponse("the answer is 4")}}
	a := testAgent(client, 5)

	res := a.runTurn(context.Background(), userTurn("2+2?"), nil)
	if res.FinalContent == nil || *res.FinalContent != "the answer is 4" {
		t.Fatalf("final = %v", res.FinalContent)
	}
	if res.Iterations != 1 || len(res.ToolsUsed) != 0 || res.TotalErrors != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunTurnToolRound(t *testing.T) {
	client := &fakeLLM{responses: []*llm.ChatResponse{
		toolResponse(call("echo", map[string]any{"text": "hi"})),
		textResponse("done"),
	}}
	a := testAgent(client, 5)

	res := a.runTurn(context.Background(), userTurn("say hi"), nil)
	if res.FinalContent == nil || *res.FinalContent != "done" {
		t.Fatalf("final = %v", res.FinalContent)
	}
	if len(res.ToolsUsed) != 1 || res.ToolsUsed[0] != "echo" {
		t.Errorf("tools used = %v", res.ToolsUsed)
	}
	if len(res.ToolTrace) != 1 || !strings.Contains(res.ToolTrace[0], "echo") || !strings.HasSuffix(res.ToolTrace[0], ": ok") {
		t.Errorf("trace = %v", res.ToolTrace)
	}

	// The second request must carry the assistant tool-call message
	// and the tool result, correlated by ID.
	second := client.requests[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "tc_echo" || last.Content != "echo: hi" {
		t.Errorf("tool message = %+v", last)
	}
}

func TestRunTurnExhaustsBudget(t *testing.T) {
	client := &fakeLLM{responses: []*llm.ChatResponse{
		toolResponse(call("echo", map[string]any{"text": "again"})),
	}}
	a := testAgent(client, 4)

	res := a.runTurn(context.Background(), userTurn("loop forever"), nil)
	if res.FinalContent != nil {
		t.Errorf("final = %q, want nil on exhaustion", *res.FinalContent)
	}
	if res.Iterations != 4 || client.calls != 4 {
		t.Errorf("iterations = %d, calls = %d, want 4", res.Iterations, client.calls)
	}
}

func TestRunTurnProviderError(t *testing.T) {
	client := &fakeLLM{err: fmt.Errorf("connection refused")}
	a := testAgent(client, 5)

	res := a.runTurn(context.Background(), userTurn("hi"), nil)
	if res.FinalContent != nil {
		t.Error("provider failure produced final content")
	}
	if res.providerErr == nil {
		t.Error("provider error not recorded")
	}
}

func TestErrorStreakEscalation(t *testing.T) {
	client := &fakeLLM{responses: []*llm.ChatResponse{
		toolResponse(call("flaky", map[string]any{"query": "a"})),
		toolResponse(call("flaky", map[string]any{"query": "b"})),
		toolResponse(call("flaky", map[string]any{"query": "c"})),
		textResponse("giving up"),
	}}
	a := testAgent(client, 10)

	res := a.runTurn(context.Background(), userTurn("try things"), nil)
	if res.TotalErrors != 3 {
		t.Errorf("total errors = %d, want 3", res.TotalErrors)
	}

	// After the first failure: mild corrective without direction list.
	req2 := client.requests[1]
	if got := req2[len(req2)-1]; got.Role != "user" || !strings.Contains(got.Content, "different approach") {
		t.Errorf("after 1 error, last message = %+v", got)
	}
	// After the second: mild corrective listing recent failures.
	req3 := client.requests[2]
	if got := req3[len(req3)-1]; !strings.Contains(got.Content, "flaky(a)") || !strings.Contains(got.Content, "flaky(b)") {
		t.Errorf("after 2 errors, corrective lacks failed directions: %q", got.Content)
	}
	// After the third: escalated corrective.
	req4 := client.requests[3]
	if got := req4[len(req4)-1]; !strings.Contains(got.Content, "STOP") {
		t.Errorf("after 3 errors, no escalation: %q", got.Content)
	}
}

func TestErrorStreakResetOnSuccess(t *testing.T) {
	client := &fakeLLM{responses: []*llm.ChatResponse{
		toolResponse(call("flaky", nil)),
		toolResponse(call("flaky", nil)),
		toolResponse(call("echo", map[string]any{"text": "ok"})),
		toolResponse(call("flaky", nil)),
		textResponse("done"),
	}}
	a := testAgent(client, 10)

	res := a.runTurn(context.Background(), userTurn("mixed run"), nil)
	if res.TotalErrors != 3 {
		t.Errorf("total errors = %d, want 3 (cumulative counter never resets)", res.TotalErrors)
	}
	// The success reset the streak, so no request ever saw the
	// escalated corrective.
	for i, req := range client.requests {
		for _, m := range req {
			if strings.Contains(m.Content, "STOP") {
				t.Errorf("request %d carries an escalation despite the reset", i)
			}
		}
	}
}

func TestMildCorrectiveKeepsEarlierFailedDirections(t *testing.T) {
	// A fresh single error after a success still lists the direction
	// that failed earlier in the turn.
	client := &fakeLLM{responses: []*llm.ChatResponse{
		toolResponse(call("flaky", map[string]any{"query": "a"})),
		toolResponse(call("echo", map[string]any{"text": "ok"})),
		toolResponse(call("flaky", map[string]any{"query": "b"})),
		textResponse("done"),
	}}
	a := testAgent(client, 10)

	a.runTurn(context.Background(), userTurn("mixed run"), nil)

	req4 := client.requests[3]
	got := req4[len(req4)-1]
	if got.Role != "user" || !strings.Contains(got.Content, "flaky(a)") || !strings.Contains(got.Content, "flaky(b)") {
		t.Errorf("corrective after renewed failure lacks earlier direction: %q", got.Content)
	}
}

func TestCheckpointInjection(t *testing.T) {
	// Five tool calls in one round, then answers. Mode-none oracle
	// still produces a deterministic checkpoint.
	calls := make([]llm.ToolCall, 5)
	for i := range calls {
		calls[i] = call("echo", map[string]any{"text": fmt.Sprintf("step %d", i)})
	}
	client := &fakeLLM{responses: []*llm.ChatResponse{
		toolResponse(calls...),
		toolResponse(call("echo", map[string]any{"text": "more"})),
		textResponse("done"),
	}}
	a := testAgent(client, 10)

	a.runTurn(context.Background(), userTurn("do five things"), nil)

	// The checkpoint lands at the start of the iteration after the
	// trace reached five entries.
	req2 := client.requests[1]
	found := false
	for _, m := range req2 {
		if m.Role == "user" && strings.Contains(m.Content, "State checkpoint") {
			found = true
		}
	}
	if !found {
		t.Error("no checkpoint injected after 5 trace entries")
	}
}

func TestCheckpointCarriesPriorSummaryForward(t *testing.T) {
	// The oracle answers every compression with the same summary; the
	// second compression request must quote the first summary back so
	// standing conclusions survive the rollover.
	oracleClient := &fakeLLM{responses: []*llm.ChatResponse{
		textResponse(`{"conclusions": ["the port is already bound"],
			"evidence": ["lsof output"], "unexplored": ["unit files"]}`),
	}}
	orc := oracle.New(oracleClient, oracle.Config{Mode: oracle.ModeUtility, UtilityModel: "u"}, nil)

	calls := make([]llm.ToolCall, 5)
	for i := range calls {
		calls[i] = call("echo", map[string]any{"text": fmt.Sprintf("step %d", i)})
	}
	client := &fakeLLM{responses: []*llm.ChatResponse{
		toolResponse(calls...),
		toolResponse(calls...),
		textResponse("done"),
	}}
	a := testAgent(client, 10)
	a.oracle = orc

	a.runTurn(context.Background(), userTurn("why won't the server start?"), nil)

	if len(oracleClient.requests) != 2 {
		t.Fatalf("oracle calls = %d, want 2 compressions", len(oracleClient.requests))
	}
	first := oracleClient.requests[0][0].Content
	if !strings.Contains(first, "(none)") {
		t.Errorf("first compression should carry no prior checkpoint: %q", truncate(first, 200))
	}
	second := oracleClient.requests[1][0].Content
	if !strings.Contains(second, "the port is already bound") || !strings.Contains(second, "unit files") {
		t.Errorf("second compression lacks the prior summary: %q", truncate(second, 400))
	}
}

func TestSufficiencyDirectiveInjection(t *testing.T) {
	// Oracle client always answers sufficient.
	oracleClient := &fakeLLM{responses: []*llm.ChatResponse{
		textResponse(`{"sufficient": true, "reason": "enough"}`),
	}}
	// Main client performs 4 tool calls per round.
	var calls []llm.ToolCall
	for i := range 4 {
		calls = append(calls, call("echo", map[string]any{"text": fmt.Sprintf("s%d", i)}))
	}
	client := &fakeLLM{responses: []*llm.ChatResponse{
		toolResponse(calls...),
		toolResponse(calls...),
		textResponse("answered"),
	}}

	a := testAgent(client, 10)
	a.oracle = oracle.New(oracleClient, oracle.Config{Mode: oracle.ModeUtility, UtilityModel: "u"}, slog.New(slog.DiscardHandler))

	a.runTurn(context.Background(), userTurn("research"), nil)

	// 8 trace entries after round two: the third request must carry
	// the stop-exploring directive.
	req3 := client.requests[2]
	found := false
	for _, m := range req3 {
		if strings.Contains(m.Content, "Stop exploring") {
			found = true
		}
	}
	if !found {
		t.Error("sufficiency directive not injected at 8 trace entries")
	}
}

func TestIsErrorResult(t *testing.T) {
	tests := []struct {
		result string
		want   bool
	}{
		{"Error: no such file", true},
		{"Traceback (most recent call last):", true},
		{"operation FAILED", true},
		{"java.lang.NullPointerException", true},
		{"permission denied", true},
		{"contents of the file", false},
		{"", false},
		{"error-free output", false},
	}
	for _, tt := range tests {
		if got := isErrorResult(tt.result); got != tt.want {
			t.Errorf("isErrorResult(%q) = %v, want %v", tt.result, got, tt.want)
		}
	}
}

func TestStripThink(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"no markup", "plain answer", "plain answer"},
		{"closed block", "<think>hmm</think>the answer", "the answer"},
		{"unclosed block", "prefix <think>never closed", "prefix"},
		{"two blocks", "<think>a</think>x<think>b</think>y", "xy"},
		{"only think", "<think>all reasoning</think>", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripThink(tt.in); got != tt.want {
				t.Errorf("stripThink(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtractThink(t *testing.T) {
	if got := extractThink("<think>  check the logs first </think>x"); got != "check the logs first" {
		t.Errorf("extractThink = %q", got)
	}
	if got := extractThink("no reasoning"); got != "" {
		t.Errorf("extractThink = %q, want empty", got)
	}
	long := "<think>" + strings.Repeat("reason ", 100) + "</think>"
	if got := extractThink(long); len(got) > reasoningSnippetLen+len("…") {
		t.Errorf("snippet not truncated: %d bytes", len(got))
	}
}

func TestReasoningSnippetPrefersProviderField(t *testing.T) {
	msg := llm.Message{Content: "<think>from tags</think>answer", ReasoningContent: "from the field"}
	if got := reasoningSnippet(msg); got != "from the field" {
		t.Errorf("snippet = %q, want provider field", got)
	}
	msg.ReasoningContent = ""
	if got := reasoningSnippet(msg); got != "from tags" {
		t.Errorf("snippet = %q, want tag fallback", got)
	}
}

func TestToolHints(t *testing.T) {
	hints := toolHints([]llm.ToolCall{
		call("web_search", map[string]any{"query": "nginx 502 bad gateway fix"}),
		call("read_file", map[string]any{"path": "/etc/nginx/nginx.conf"}),
	})
	if !strings.Contains(hints, `web_search("nginx 502 bad gateway fix")`) {
		t.Errorf("hints = %q", hints)
	}
	if !strings.Contains(hints, "read_file") {
		t.Errorf("hints = %q", hints)
	}

	long := strings.Repeat("x", 60)
	hint := toolHints([]llm.ToolCall{call("echo", map[string]any{"text": long})})
	if strings.Contains(hint, long) {
		t.Error("long argument not truncated in hint")
	}
}

func TestPrimaryArg(t *testing.T) {
	if got := primaryArg(map[string]any{"count": 3, "query": "cats"}); got != "cats" {
		t.Errorf("primaryArg = %q, want preferred key value", got)
	}
	if got := primaryArg(map[string]any{"zeta": "z", "alpha": "a"}); got != "a" {
		t.Errorf("primaryArg fallback = %q, want first sorted key", got)
	}
	if got := primaryArg(nil); got != "" {
		t.Errorf("primaryArg(nil) = %q", got)
	}
}
