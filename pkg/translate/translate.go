package translate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

// Options controls one translation pass. ResponseID is generated once per
// request and reused across every chunk of that response.
type Options struct {
	ResponseID     string
	Model          string
	Created        int64
	OutputThinking bool
}

// upstreamEvent is the envelope the upstream nests its tagged text in; only
// the delta (or message) content matters.
type upstreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func eventContent(data []byte) (string, bool) {
	var ev upstreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", false
	}
	if len(ev.Choices) == 0 {
		return "", false
	}
	if c := ev.Choices[0].Delta.Content; c != "" {
		return c, true
	}
	if c := ev.Choices[0].Message.Content; c != "" {
		return c, true
	}
	return "", false
}

// ScanSSE reads upstream server-sent events from r and calls onDelta for
// each non-empty delta content. It returns when the stream ends or a
// [DONE] sentinel arrives.
func ScanSSE(r io.Reader, onDelta func(string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		content, ok := eventContent([]byte(data))
		if !ok || content == "" {
			continue
		}
		if err := onDelta(content); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ParseBody extracts the tagged text from a non-streaming upstream body.
// The upstream sometimes answers non-stream requests with SSE framing, so a
// body starting with "data:" is folded through the SSE scanner.
func ParseBody(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", errors.New("empty upstream body")
	}
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		var sb strings.Builder
		err := ScanSSE(bytes.NewReader(trimmed), func(delta string) error {
			sb.WriteString(delta)
			return nil
		})
		if err != nil {
			return "", err
		}
		return sb.String(), nil
	}
	content, ok := eventContent(trimmed)
	if !ok {
		return "", fmt.Errorf("unrecognized upstream body")
	}
	return content, nil
}

// Accumulator drives the tag parser over upstream deltas and assembles the
// client-facing content. Thinking spans are re-wrapped with their literal
// delimiters when enabled, or dropped entirely when not. The answer-only
// buffer feeds tool-call extraction.
type Accumulator struct {
	parser         *TagParser
	outputThinking bool
	inThinkOut     bool

	content strings.Builder
	answer  strings.Builder
}

func NewAccumulator(outputThinking bool) *Accumulator {
	return &Accumulator{parser: NewTagParser(), outputThinking: outputThinking}
}

// Feed consumes one upstream delta and returns the client-visible text it
// releases (possibly empty while tag bytes are withheld).
func (a *Accumulator) Feed(delta string) string {
	return a.render(a.parser.Feed(delta))
}

// Close flushes withheld bytes and closes an unterminated think wrapper.
func (a *Accumulator) Close() string {
	out := a.render(a.parser.Close())
	if a.inThinkOut {
		a.inThinkOut = false
		out += tagThinkClose
		a.content.WriteString(tagThinkClose)
	}
	return out
}

func (a *Accumulator) render(segs []Segment) string {
	var sb strings.Builder
	for _, seg := range segs {
		if seg.Thinking {
			if !a.outputThinking {
				continue
			}
			if !a.inThinkOut {
				a.inThinkOut = true
				sb.WriteString(tagThinkOpen)
			}
			sb.WriteString(seg.Text)
			continue
		}
		if a.inThinkOut {
			a.inThinkOut = false
			sb.WriteString(tagThinkClose)
		}
		sb.WriteString(seg.Text)
		a.answer.WriteString(seg.Text)
	}
	out := sb.String()
	a.content.WriteString(out)
	return out
}

// Content returns everything rendered so far, thinking included when enabled.
func (a *Accumulator) Content() string { return a.content.String() }

// AnswerText returns the answer-only text, for the tool-call extractor.
func (a *Accumulator) AnswerText() string { return a.answer.String() }

// EstimateTokens is the conservative usage estimator: roughly one token per
// four runes, never negative, monotone in the input length.
func EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	return (runes + 3) / 4
}

// NewChunk builds one OpenAI stream chunk carrying delta content.
func NewChunk(opts Options, content string, first bool) openai.ChatCompletionStreamResponse {
	delta := openai.ChatCompletionStreamChoiceDelta{Content: content}
	if first {
		delta.Role = openai.ChatMessageRoleAssistant
	}
	return openai.ChatCompletionStreamResponse{
		ID:      opts.ResponseID,
		Object:  "chat.completion.chunk",
		Created: opts.Created,
		Model:   opts.Model,
		Choices: []openai.ChatCompletionStreamChoice{{Index: 0, Delta: delta}},
	}
}

// NewFinishChunk builds the terminating chunk with an empty delta and the
// given finish reason, optionally carrying extracted tool calls.
func NewFinishChunk(opts Options, reason openai.FinishReason, toolCalls []openai.ToolCall) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      opts.ResponseID,
		Object:  "chat.completion.chunk",
		Created: opts.Created,
		Model:   opts.Model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        openai.ChatCompletionStreamChoiceDelta{ToolCalls: toolCalls},
			FinishReason: reason,
		}},
	}
}

// NewCompletion builds the single non-streaming completion object.
func NewCompletion(opts Options, content string, toolCalls []openai.ToolCall, promptTokens, completionTokens int) openai.ChatCompletionResponse {
	reason := openai.FinishReasonStop
	if len(toolCalls) > 0 {
		reason = openai.FinishReasonToolCalls
	}
	return openai.ChatCompletionResponse{
		ID:      opts.ResponseID,
		Object:  "chat.completion",
		Created: opts.Created,
		Model:   opts.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   content,
				ToolCalls: toolCalls,
			},
			FinishReason: reason,
		}},
		Usage: openai.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}
