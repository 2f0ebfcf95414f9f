package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/k2gate/k2gate/pkg/config"
	"github.com/k2gate/k2gate/pkg/tokenpool"
	"github.com/k2gate/k2gate/pkg/upstream"
)

func sseBody(contents ...string) string {
	var sb strings.Builder
	for _, c := range contents {
		ev, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"delta": map[string]any{"content": c}}},
		})
		sb.WriteString("data: ")
		sb.Write(ev)
		sb.WriteString("\n\n")
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

func newTestServer(t *testing.T, handler http.HandlerFunc, tokens []string, mutate func(*config.Config)) (*Server, *tokenpool.Pool) {
	t.Helper()
	up := httptest.NewServer(handler)
	t.Cleanup(up.Close)

	cfg := config.NewDefaultConfig()
	cfg.AllowAnyAPIKey = true
	cfg.UpstreamChatURL = up.URL + "/api/chat/completions"
	cfg.UpstreamLoginURL = up.URL + "/api/v1/auths/signin"
	if mutate != nil {
		mutate(cfg)
	}
	cfg.Normalize()

	pool := tokenpool.NewFromTokens(tokens, cfg.MaxTokenFailures)
	client := upstream.NewClient(
		cfg.UpstreamChatURL,
		cfg.UpstreamLoginURL,
		time.Duration(cfg.RequestTimeoutSeconds)*time.Second,
		time.Duration(cfg.ConnectTimeoutSeconds)*time.Second,
	)
	return NewServer(cfg, pool, nil, client), pool
}

func postChat(t *testing.T, s *Server, reqBody any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(reqBody)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// parseStream splits an SSE response into its data payloads.
func parseStream(t *testing.T, body string) (events []string) {
	t.Helper()
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if !strings.HasPrefix(block, "data: ") {
			t.Fatalf("unexpected SSE block %q", block)
		}
		events = append(events, strings.TrimPrefix(block, "data: "))
	}
	return events
}

func TestNonStreamPlainText(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody("<answer>Hello</answer>"))
	}, []string{"tok-a"}, nil)

	w := postChat(t, s, openai.ChatCompletionRequest{
		Model:    "gpt-4",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "Hi"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", w.Code, w.Body.String())
	}
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Model != "MBZUAI-IFM/K2-Think" {
		t.Fatalf("model = %q", resp.Model)
	}
	if resp.Choices[0].Message.Content != "Hello" {
		t.Fatalf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != openai.FinishReasonStop {
		t.Fatalf("finish = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Fatalf("usage inconsistent: %+v", resp.Usage)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Fatalf("id = %q", resp.ID)
	}
}

func TestStreamThinkingSuppressed(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody("<think>reasoning</think>", "<answer>The answer is", " 42</answer>"))
	}, []string{"tok-a"}, func(c *config.Config) { c.OutputThinking = false })

	w := postChat(t, s, openai.ChatCompletionRequest{
		Model:    "gpt-4",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "Hi"}},
		Stream:   true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := parseStream(t, w.Body.String())
	if events[len(events)-1] != "[DONE]" {
		t.Fatalf("stream not terminated with [DONE]: %v", events)
	}

	var content strings.Builder
	var finish string
	var firstRole string
	var ids []string
	for i, ev := range events[:len(events)-1] {
		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(ev), &chunk); err != nil {
			t.Fatalf("decode chunk %q: %v", ev, err)
		}
		ids = append(ids, chunk.ID)
		if i == 0 {
			firstRole = chunk.Choices[0].Delta.Role
		}
		content.WriteString(chunk.Choices[0].Delta.Content)
		if chunk.Choices[0].FinishReason != "" {
			finish = string(chunk.Choices[0].FinishReason)
			if chunk.Choices[0].Delta.Content != "" {
				t.Fatal("finish chunk must carry an empty delta")
			}
		}
	}
	if content.String() != "The answer is 42" {
		t.Fatalf("streamed content = %q", content.String())
	}
	if finish != "stop" {
		t.Fatalf("finish = %q", finish)
	}
	if firstRole != "assistant" {
		t.Fatalf("first chunk role = %q", firstRole)
	}
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("chunk ids not stable: %v", ids)
		}
	}
}

func TestStreamThinkingEmitted(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody("<think>reasoning</think><answer>ok</answer>"))
	}, []string{"tok-a"}, nil)

	w := postChat(t, s, openai.ChatCompletionRequest{
		Model:    "gpt-4",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "Hi"}},
		Stream:   true,
	})
	events := parseStream(t, w.Body.String())
	var content strings.Builder
	for _, ev := range events[:len(events)-1] {
		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(ev), &chunk); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		content.WriteString(chunk.Choices[0].Delta.Content)
	}
	if content.String() != "<think>reasoning</think>ok" {
		t.Fatalf("content = %q", content.String())
	}
}

func TestTokenFailover(t *testing.T) {
	var attempts []string
	s, pool := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		attempts = append(attempts, token)
		if token == "tok-a" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody("<answer>from "+token+"</answer>"))
	}, []string{"tok-a", "tok-b", "tok-c"}, nil)

	w := postChat(t, s, openai.ChatCompletionRequest{
		Model:    "gpt-4",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "Hi"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", w.Code, w.Body.String())
	}
	var resp openai.ChatCompletionResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Choices[0].Message.Content != "from tok-b" {
		t.Fatalf("content = %q", resp.Choices[0].Message.Content)
	}
	if len(attempts) != 2 || attempts[0] != "tok-a" || attempts[1] != "tok-b" {
		t.Fatalf("attempts = %v", attempts)
	}
	st := pool.Stats()
	if st.Entries[0].FailureCount != 1 || st.Entries[0].Disabled {
		t.Fatalf("tok-a accounting wrong: %+v", st.Entries[0])
	}
	if st.Entries[1].FailureCount != 0 {
		t.Fatalf("tok-b accounting wrong: %+v", st.Entries[1])
	}
}

func TestConsecutiveDisablesForceRefresh(t *testing.T) {
	s, pool := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "tok-a" || token == "tok-b" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody("<answer>ok</answer>"))
	}, []string{"tok-a", "tok-b", "tok-c", "tok-d"}, func(c *config.Config) { c.MaxTokenFailures = 1 })

	dir := t.TempDir()
	accountsPath := filepath.Join(dir, "accounts.txt")
	tokensPath := filepath.Join(dir, "tokens.txt")
	if err := os.WriteFile(accountsPath, []byte(`{"email":"a@example.com","password":"pw"}`+"\n"), 0o600); err != nil {
		t.Fatalf("write accounts: %v", err)
	}
	// Wire a refresher whose login signals that a refresh ran. It never
	// returns tokens, so the pool under test stays as-is.
	refreshed := make(chan struct{}, 1)
	s.refresher = tokenpool.NewRefresher(pool, accountsPath, tokensPath, time.Hour, time.Second,
		func(_ context.Context, _, _ string) (string, error) {
			select {
			case refreshed <- struct{}{}:
			default:
			}
			return "", errors.New("no token in test")
		})
	s.refresher.Start()
	defer s.refresher.Stop()

	w := postChat(t, s, openai.ChatCompletionRequest{
		Model:    "gpt-4",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "Hi"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", w.Code, w.Body.String())
	}
	st := pool.Stats()
	if st.Disabled < 2 {
		t.Fatalf("expected tok-a and tok-b disabled, got %+v", st)
	}
	select {
	case <-refreshed:
	case <-time.After(5 * time.Second):
		t.Fatal("force refresh was not triggered")
	}
}

func TestToolCallExtraction(t *testing.T) {
	upstreamText := "<answer>Sure.\n```json\n{\"tool_calls\":[{\"name\":\"get_weather\",\"arguments\":{\"city\":\"Paris\"}}]}\n```\n</answer>"
	s, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody(upstreamText))
	}, []string{"tok-a"}, nil)

	w := postChat(t, s, openai.ChatCompletionRequest{
		Model:    "gpt-4",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "Weather in Paris?"}},
		Tools: []openai.Tool{{
			Type:     openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{Name: "get_weather", Description: "Get weather"},
		}},
		ToolChoice: "auto",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", w.Code, w.Body.String())
	}
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg := resp.Choices[0].Message
	if msg.Content != "Sure." {
		t.Fatalf("content = %q", msg.Content)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", msg.ToolCalls)
	}
	call := msg.ToolCalls[0]
	if call.ID != "call_0" || call.Type != openai.ToolTypeFunction {
		t.Fatalf("call identity: %+v", call)
	}
	if call.Function.Name != "get_weather" || call.Function.Arguments != `{"city":"Paris"}` {
		t.Fatalf("call function: %+v", call.Function)
	}
	if resp.Choices[0].FinishReason != openai.FinishReasonToolCalls {
		t.Fatalf("finish = %q", resp.Choices[0].FinishReason)
	}
}

func TestStreamToolCallsInFinalChunk(t *testing.T) {
	upstreamText := "<answer>```json\n{\"tool_calls\":[{\"name\":\"get_weather\",\"arguments\":{\"city\":\"Oslo\"}}]}\n```</answer>"
	s, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody(upstreamText))
	}, []string{"tok-a"}, nil)

	w := postChat(t, s, openai.ChatCompletionRequest{
		Model:    "gpt-4",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "Weather?"}},
		Stream:   true,
		Tools: []openai.Tool{{
			Type:     openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{Name: "get_weather"},
		}},
		ToolChoice: "auto",
	})
	events := parseStream(t, w.Body.String())
	var final openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(events[len(events)-2]), &final); err != nil {
		t.Fatalf("decode final chunk: %v", err)
	}
	if string(final.Choices[0].FinishReason) != "tool_calls" {
		t.Fatalf("finish = %q", final.Choices[0].FinishReason)
	}
	if len(final.Choices[0].Delta.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", final.Choices[0].Delta.ToolCalls)
	}
	if final.Choices[0].Delta.ToolCalls[0].Function.Arguments != `{"city":"Oslo"}` {
		t.Fatalf("arguments = %q", final.Choices[0].Delta.ToolCalls[0].Function.Arguments)
	}
}

func TestToolPromptPrependedUpstream(t *testing.T) {
	var gotPayload upstream.ChatPayload
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotPayload)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody("<answer>ok</answer>"))
	}, []string{"tok-a"}, nil)

	postChat(t, s, openai.ChatCompletionRequest{
		Model:    "gpt-4",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "Hi"}},
		Tools: []openai.Tool{{
			Type:     openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{Name: "get_weather"},
		}},
	})
	if len(gotPayload.Messages) != 2 {
		t.Fatalf("messages = %+v", gotPayload.Messages)
	}
	if gotPayload.Messages[0].Role != "system" || !strings.Contains(gotPayload.Messages[0].Content, "get_weather") {
		t.Fatalf("tool prompt not prepended: %+v", gotPayload.Messages[0])
	}
	if gotPayload.Model != "MBZUAI-IFM/K2-Think" {
		t.Fatalf("model override not applied: %q", gotPayload.Model)
	}
}

func TestMultipartContentFlattened(t *testing.T) {
	var gotPayload upstream.ChatPayload
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotPayload)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody("<answer>ok</answer>"))
	}, []string{"tok-a"}, nil)

	raw := `{"model":"gpt-4","messages":[{"role":"user","content":[` +
		`{"type":"text","text":"Describe "},` +
		`{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}},` +
		`{"type":"text","text":" briefly"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(raw))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", w.Code, w.Body.String())
	}
	want := "Describe [image: https://example.com/cat.png] briefly"
	if gotPayload.Messages[0].Content != want {
		t.Fatalf("flattened content = %q, want %q", gotPayload.Messages[0].Content, want)
	}
}

func TestEmptyPoolReturns503(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("upstream should not be called")
	}, nil, nil)

	w := postChat(t, s, openai.ChatCompletionRequest{
		Model:    "gpt-4",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "Hi"}},
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "no_tokens_available") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestSingleTokenDisabledThen503(t *testing.T) {
	s, pool := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}, []string{"tok-a"}, func(c *config.Config) { c.MaxTokenFailures = 1 })

	w := postChat(t, s, openai.ChatCompletionRequest{
		Model:    "gpt-4",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "Hi"}},
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("first request status = %d", w.Code)
	}
	if st := pool.Stats(); st.Active != 0 {
		t.Fatalf("token should be disabled: %+v", st)
	}

	w = postChat(t, s, openai.ChatCompletionRequest{
		Model:    "gpt-4",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "Hi"}},
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("second request status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "no_tokens_available") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestUpstream5xxIsNotRetried(t *testing.T) {
	calls := 0
	s, pool := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}, []string{"tok-a", "tok-b"}, nil)

	w := postChat(t, s, openai.ChatCompletionRequest{
		Model:    "gpt-4",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "Hi"}},
	})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}
	if calls != 1 {
		t.Fatalf("5xx retried %d times", calls)
	}
	if st := pool.Stats(); st.Entries[0].FailureCount != 0 {
		t.Fatalf("5xx must not burn the token: %+v", st.Entries[0])
	}
}

func TestUpstreamTimeoutReturns504(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(1500 * time.Millisecond)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody("<answer>late</answer>"))
	}, []string{"tok-a"}, func(c *config.Config) { c.RequestTimeoutSeconds = 1 })

	w := postChat(t, s, openai.ChatCompletionRequest{
		Model:    "gpt-4",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "Hi"}},
	})
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
}

func TestBadRequests(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("upstream should not be called")
	}, []string{"tok-a"}, nil)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"model": `},
		{"missing messages", `{"model":"gpt-4"}`},
		{"bad tool_choice", `{"model":"gpt-4","messages":[{"role":"user","content":"x"}],"tool_choice":"sometimes"}`},
		{"tool_choice names undeclared tool", `{"model":"gpt-4","messages":[{"role":"user","content":"x"}],"tools":[{"type":"function","function":{"name":"a"}}],"tool_choice":{"type":"function","function":{"name":"b"}}}`},
		{"unknown role", `{"model":"gpt-4","messages":[{"role":"wizard","content":"x"}]}`},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(tc.body))
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d body=%s", tc.name, w.Code, w.Body.String())
		}
	}
}
