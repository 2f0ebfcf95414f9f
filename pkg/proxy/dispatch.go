package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/k2gate/k2gate/pkg/tokenpool"
	"github.com/k2gate/k2gate/pkg/tools"
	"github.com/k2gate/k2gate/pkg/translate"
	"github.com/k2gate/k2gate/pkg/upstream"
)

const maxRequestBody = 8 << 20

// forceRefreshThreshold is the number of consecutive distinct tokens that
// must be disabled within one request before a refresh is forced;
// forceRefreshMinPool is the pool size at or below which the check is skipped.
const (
	forceRefreshThreshold = 2
	forceRefreshMinPool   = 2
)

// requestContext carries one normalized chat request through the dispatcher.
type requestContext struct {
	req        openai.ChatCompletionRequest
	payload    upstream.ChatPayload
	promptText string

	hasTools   bool
	declared   map[string]bool
	choiceMode string

	opts translate.Options
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := s.dispatchChat(w, r)
	requestDuration.Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
	s.updatePoolGauges()
}

// dispatchChat runs the request pipeline and returns the HTTP status it
// resolved to (200 for any response that started streaming).
func (s *Server) dispatchChat(w http.ResponseWriter, r *http.Request) int {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error", "")
		return http.StatusBadRequest
	}
	defer r.Body.Close()

	rc, errStatus := s.normalizeRequest(w, body)
	if errStatus != 0 {
		return errStatus
	}

	// Dispatch loop: round-robin over tokens, retrying only on failures
	// attributable to the token itself. Attempts are bounded by the pool
	// size at the start of the request.
	attempts := s.pool.Size()
	if attempts == 0 {
		writeError(w, http.StatusServiceUnavailable, "no upstream tokens available", "api_error", "no_tokens_available")
		return http.StatusServiceUnavailable
	}

	disabledStreak := 0
	var lastDisabled *tokenpool.Entry
	for attempt := 0; attempt < attempts; attempt++ {
		entry, err := s.pool.Next()
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "no upstream tokens available", "api_error", "no_tokens_available")
			return http.StatusServiceUnavailable
		}
		sizeBefore := s.pool.Size()

		resp, err := s.upstream.Chat(r.Context(), entry.Value, rc.payload)
		if err != nil {
			if upstream.IsTimeout(err) {
				s.logger.Warn("upstream timeout", "err", err)
				writeError(w, http.StatusGatewayTimeout, "upstream request timed out", "api_error", "")
				return http.StatusGatewayTimeout
			}
			if upstream.IsAuthError(err) || isTransportError(err) {
				failures, disabledNow := s.pool.RecordFailure(entry)
				tokenFailuresTotal.Inc()
				s.logger.Warn("token failure", "attempt", attempt+1, "failures", failures, "disabled", disabledNow, "err", err)
				if disabledNow {
					tokensDisabledTotal.Inc()
					if entry != lastDisabled {
						disabledStreak++
						lastDisabled = entry
					}
					if sizeBefore > forceRefreshMinPool && disabledStreak >= forceRefreshThreshold && s.refresher != nil {
						s.logger.Warn("consecutive tokens disabled, forcing refresh", "streak", disabledStreak)
						forceRefreshTotal.Inc()
						s.refresher.ForceUpdate()
						disabledStreak = 0
						lastDisabled = nil
					}
				}
				continue
			}
			s.logger.Error("upstream error", "err", err)
			writeError(w, http.StatusBadGateway, "upstream error: "+err.Error(), "api_error", "")
			return http.StatusBadGateway
		}

		s.pool.RecordSuccess(entry)
		if rc.req.Stream {
			s.respondStream(w, resp, rc)
		} else {
			if !s.respondJSON(w, resp, rc) {
				return http.StatusBadGateway
			}
		}
		return http.StatusOK
	}

	writeError(w, http.StatusServiceUnavailable, "all upstream tokens failed", "api_error", "no_tokens_available")
	return http.StatusServiceUnavailable
}

// normalizeRequest parses and validates the client body and builds the
// upstream payload. On failure it writes the error response and returns the
// status; 0 means success.
func (s *Server) normalizeRequest(w http.ResponseWriter, body []byte) (*requestContext, int) {
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error", "")
		return nil, http.StatusBadRequest
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages is required", "invalid_request_error", "")
		return nil, http.StatusBadRequest
	}

	choiceMode, choiceName, err := tools.NormalizeToolChoice(req.ToolChoice)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "")
		return nil, http.StatusBadRequest
	}
	declared := tools.DeclaredNames(req.Tools)
	if choiceMode == tools.ChoiceFunction && !declared[choiceName] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("tool_choice names undeclared tool %q", choiceName), "invalid_request_error", "")
		return nil, http.StatusBadRequest
	}
	if choiceMode == tools.ChoiceRequired && len(declared) == 0 {
		writeError(w, http.StatusBadRequest, "tool_choice is required but no tools were declared", "invalid_request_error", "")
		return nil, http.StatusBadRequest
	}
	hasTools := s.cfg.ToolSupport && len(req.Tools) > 0 && choiceMode != tools.ChoiceNone

	upstreamModel := s.cfg.UpstreamModelID
	if !s.cfg.ModelOverride && strings.TrimSpace(req.Model) != "" {
		upstreamModel = strings.TrimSpace(req.Model)
	}
	if s.cfg.ModelOverride && req.Model != upstreamModel {
		s.logger.Debug("model override", "requested", req.Model, "using", upstreamModel)
	}

	messages, promptText, err := flattenMessages(req.Messages)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "")
		return nil, http.StatusBadRequest
	}
	if hasTools {
		prompt := tools.BuildSystemPrompt(req.Tools, choiceMode, choiceName)
		messages = append([]upstream.ChatMessage{{Role: "system", Content: prompt}}, messages...)
		promptText = prompt + "\n" + promptText
	}

	payload := upstream.NewChatPayload(upstreamModel, s.cfg.ModelOwner, messages, req.Stream, samplingParams(req))

	return &requestContext{
		req:        req,
		payload:    payload,
		promptText: promptText,
		hasTools:   hasTools,
		declared:   declared,
		choiceMode: choiceMode,
		opts: translate.Options{
			ResponseID:     "chatcmpl-" + uuid.NewString(),
			Model:          upstreamModel,
			Created:        time.Now().Unix(),
			OutputThinking: s.cfg.OutputThinking,
		},
	}, 0
}

// samplingParams collects the pass-through OpenAI sampling fields.
func samplingParams(req openai.ChatCompletionRequest) map[string]any {
	params := map[string]any{}
	if req.Temperature != 0 {
		params["temperature"] = req.Temperature
	}
	if req.MaxTokens != 0 {
		params["max_tokens"] = req.MaxTokens
	}
	if req.TopP != 0 {
		params["top_p"] = req.TopP
	}
	if len(req.Stop) > 0 {
		params["stop"] = req.Stop
	}
	return params
}

// flattenMessages reduces every message to a single text string. Multipart
// content concatenates its text parts in order; image parts become a text
// placeholder so the upstream still receives a well-formed prompt.
func flattenMessages(msgs []openai.ChatCompletionMessage) ([]upstream.ChatMessage, string, error) {
	out := make([]upstream.ChatMessage, 0, len(msgs))
	var promptParts []string
	for _, m := range msgs {
		role := strings.TrimSpace(m.Role)
		switch role {
		case openai.ChatMessageRoleSystem, openai.ChatMessageRoleUser,
			openai.ChatMessageRoleAssistant, openai.ChatMessageRoleTool:
		default:
			return nil, "", fmt.Errorf("unsupported message role %q", m.Role)
		}
		content := flattenContent(m)
		out = append(out, upstream.ChatMessage{Role: role, Content: content})
		promptParts = append(promptParts, content)
	}
	return out, strings.Join(promptParts, "\n"), nil
}

func flattenContent(m openai.ChatCompletionMessage) string {
	if len(m.MultiContent) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, part := range m.MultiContent {
		switch part.Type {
		case openai.ChatMessagePartTypeText:
			sb.WriteString(part.Text)
		case openai.ChatMessagePartTypeImageURL:
			ref := ""
			if part.ImageURL != nil {
				ref = part.ImageURL.URL
			}
			sb.WriteString("[image: " + ref + "]")
		}
	}
	return sb.String()
}

// isTransportError distinguishes connection-level failures (retryable with
// another token) from upstream HTTP errors, which carry their own status.
func isTransportError(err error) bool {
	var httpErr *upstream.HTTPError
	return !errors.As(err, &httpErr)
}

// respondStream relays the upstream SSE stream as translated OpenAI chunks.
func (s *Server) respondStream(w http.ResponseWriter, resp *http.Response, rc *requestContext) {
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	writeEvent := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	acc := translate.NewAccumulator(rc.opts.OutputThinking)
	first := true
	emit := func(text string) {
		if text == "" {
			return
		}
		writeEvent(translate.NewChunk(rc.opts, text, first))
		first = false
	}

	streamErr := translate.ScanSSE(resp.Body, func(delta string) error {
		emit(acc.Feed(delta))
		return nil
	})
	emit(acc.Close())

	var toolCalls []openai.ToolCall
	if rc.hasTools {
		ext := tools.Extract(acc.AnswerText(), rc.declared, rc.choiceMode == tools.ChoiceAuto, s.cfg.ScanLimit)
		toolCalls = ext.Calls
	}
	reason := openai.FinishReasonStop
	if len(toolCalls) > 0 {
		reason = openai.FinishReasonToolCalls
	}

	if streamErr != nil {
		s.logger.Warn("upstream stream interrupted", "err", streamErr)
		writeEvent(errorChunk(rc.opts, reason, streamErr))
	} else {
		writeEvent(translate.NewFinishChunk(rc.opts, reason, toolCalls))
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// errorChunk is the terminating chunk for a stream that broke after it
// started: normal chunk shape plus a top-level error field.
func errorChunk(opts translate.Options, reason openai.FinishReason, cause error) map[string]any {
	return map[string]any{
		"id":      opts.ResponseID,
		"object":  "chat.completion.chunk",
		"created": opts.Created,
		"model":   opts.Model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": string(reason),
		}},
		"error": map[string]any{
			"message": cause.Error(),
			"type":    "api_error",
		},
	}
}

// respondJSON handles the non-streaming path. Returns false if the upstream
// body could not be translated (502 already written).
func (s *Server) respondJSON(w http.ResponseWriter, resp *http.Response, rc *requestContext) bool {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to read upstream response", "api_error", "")
		return false
	}
	raw, err := translate.ParseBody(body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "unexpected upstream response: "+err.Error(), "api_error", "")
		return false
	}

	acc := translate.NewAccumulator(rc.opts.OutputThinking)
	acc.Feed(raw)
	acc.Close()
	content := acc.Content()

	var toolCalls []openai.ToolCall
	if rc.hasTools {
		ext := tools.Extract(acc.AnswerText(), rc.declared, rc.choiceMode == tools.ChoiceAuto, s.cfg.ScanLimit)
		if len(ext.Calls) > 0 {
			toolCalls = ext.Calls
			content = ext.Scrub(content)
		}
	}

	promptTokens := translate.EstimateTokens(rc.promptText)
	completionTokens := translate.EstimateTokens(content)
	writeJSON(w, http.StatusOK, translate.NewCompletion(rc.opts, content, toolCalls, promptTokens, completionTokens))
	return true
}
