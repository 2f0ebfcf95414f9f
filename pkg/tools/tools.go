package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Tool-choice modes after normalization.
const (
	ChoiceAuto     = "auto"
	ChoiceNone     = "none"
	ChoiceRequired = "required"
	ChoiceFunction = "function"
)

// NormalizeToolChoice folds the OpenAI tool_choice field (string or object)
// into a mode and, for the object form, the forced function name.
func NormalizeToolChoice(raw any) (mode string, name string, err error) {
	switch v := raw.(type) {
	case nil:
		return ChoiceAuto, "", nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "", ChoiceAuto:
			return ChoiceAuto, "", nil
		case ChoiceNone:
			return ChoiceNone, "", nil
		case ChoiceRequired:
			return ChoiceRequired, "", nil
		default:
			return "", "", fmt.Errorf("unsupported tool_choice %q", v)
		}
	case map[string]any:
		fn, _ := v["function"].(map[string]any)
		if fn == nil {
			// {"name": "..."} shorthand
			if n, ok := v["name"].(string); ok && strings.TrimSpace(n) != "" {
				return ChoiceFunction, strings.TrimSpace(n), nil
			}
			return "", "", fmt.Errorf("invalid tool_choice object")
		}
		n, _ := fn["name"].(string)
		if strings.TrimSpace(n) == "" {
			return "", "", fmt.Errorf("tool_choice function name missing")
		}
		return ChoiceFunction, strings.TrimSpace(n), nil
	default:
		return "", "", fmt.Errorf("invalid tool_choice")
	}
}

// DeclaredNames collects the function names of the request's tools.
func DeclaredNames(ts []openai.Tool) map[string]bool {
	names := make(map[string]bool, len(ts))
	for _, t := range ts {
		if t.Function != nil && strings.TrimSpace(t.Function.Name) != "" {
			names[strings.TrimSpace(t.Function.Name)] = true
		}
	}
	return names
}

// BuildSystemPrompt renders the tool declarations into the system message
// prepended to the upstream conversation. The upstream never sees a
// structured tool field; this text is the only tool-aware behavior it gets.
func BuildSystemPrompt(ts []openai.Tool, choiceMode, choiceName string) string {
	var sb strings.Builder
	sb.WriteString("You have access to the following tools:\n")
	for _, t := range ts {
		if t.Function == nil || strings.TrimSpace(t.Function.Name) == "" {
			continue
		}
		sb.WriteString("\n### ")
		sb.WriteString(t.Function.Name)
		sb.WriteString("\n")
		if desc := strings.TrimSpace(t.Function.Description); desc != "" {
			sb.WriteString("Description: ")
			sb.WriteString(desc)
			sb.WriteString("\n")
		}
		if t.Function.Parameters != nil {
			if schema, err := json.Marshal(t.Function.Parameters); err == nil {
				sb.WriteString("Parameters (JSON Schema): ")
				sb.Write(schema)
				sb.WriteString("\n")
			}
		}
	}
	sb.WriteString("\nTo call one or more tools, respond with a fenced JSON code block of this exact form:\n")
	sb.WriteString("```json\n{\"tool_calls\": [{\"name\": \"<tool name>\", \"arguments\": {<arguments object>}}]}\n```\n")
	sb.WriteString("Use only the tool names listed above and pass arguments matching the declared schema.\n")
	switch choiceMode {
	case ChoiceRequired:
		sb.WriteString("You MUST call at least one tool before answering.\n")
	case ChoiceFunction:
		sb.WriteString("You MUST call the tool \"" + choiceName + "\".\n")
	default:
		sb.WriteString("If no tool is needed, answer normally without any tool-call block.\n")
	}
	return sb.String()
}

// Extraction is the result of lifting tool calls out of answer text.
type Extraction struct {
	Calls   []openai.ToolCall
	Cleaned string
	// Fragments are the exact matched substrings, so callers can scrub
	// other buffers assembled from the same stream.
	Fragments []string
}

type rawCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type span struct{ start, end int }

var (
	fencedJSONRe  = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	naturalCallRe = regexp.MustCompile(`(?i)\bcall\s+([A-Za-z0-9_.\-]+)\s+with\s+(\{)`)
)

// Extract scans the last scanLimit bytes of text for embedded tool-call
// JSON. Recognized forms, tried in order: a fenced json block with a
// tool_calls/function_call key or a bare {name, arguments} object (or an
// array of them); an inline JSON object of the same shapes; and a
// "call <name> with {...}" phrase. Matched fragments are removed from the
// returned text; malformed JSON is left in place as answer content.
func Extract(text string, declared map[string]bool, keepUndeclared bool, scanLimit int) Extraction {
	prefix := ""
	scanned := text
	if scanLimit > 0 && len(text) > scanLimit {
		prefix = text[:len(text)-scanLimit]
		scanned = text[len(text)-scanLimit:]
	}

	raws, spans := findFenced(scanned, declared)
	if len(raws) == 0 {
		raws, spans = findInline(scanned, declared)
	}
	if len(raws) == 0 {
		raws, spans = findNatural(scanned)
	}

	calls := normalize(raws, declared, keepUndeclared)
	if len(calls) == 0 {
		return Extraction{Cleaned: text}
	}

	fragments := make([]string, 0, len(spans))
	for _, sp := range spans {
		fragments = append(fragments, scanned[sp.start:sp.end])
	}
	return Extraction{
		Calls:     calls,
		Cleaned:   strings.TrimSpace(prefix + cut(scanned, spans)),
		Fragments: fragments,
	}
}

// Scrub removes the extraction's fragments from another text buffer, used to
// clean the thinking-inclusive content that was assembled in parallel.
func (e Extraction) Scrub(text string) string {
	for _, f := range e.Fragments {
		text = strings.Replace(text, f, "", 1)
	}
	return strings.TrimSpace(text)
}

func findFenced(text string, declared map[string]bool) ([]rawCall, []span) {
	var raws []rawCall
	var spans []span
	for _, m := range fencedJSONRe.FindAllStringSubmatchIndex(text, -1) {
		inner := text[m[2]:m[3]]
		got, ok := parseCandidate(inner, declared)
		if !ok {
			continue
		}
		raws = append(raws, got...)
		spans = append(spans, span{m[0], m[1]})
	}
	return raws, spans
}

func findInline(text string, declared map[string]bool) ([]rawCall, []span) {
	var raws []rawCall
	var spans []span
	for i := 0; i < len(text); {
		open := strings.IndexByte(text[i:], '{')
		if open < 0 {
			break
		}
		start := i + open
		end, ok := balancedEnd(text, start)
		if !ok {
			i = start + 1
			continue
		}
		got, matched := parseCandidate(text[start:end], declared)
		if !matched {
			i = start + 1
			continue
		}
		raws = append(raws, got...)
		spans = append(spans, span{start, end})
		i = end
	}
	return raws, spans
}

func findNatural(text string) ([]rawCall, []span) {
	var raws []rawCall
	var spans []span
	for _, m := range naturalCallRe.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		braceStart := m[4]
		end, ok := balancedEnd(text, braceStart)
		if !ok {
			continue
		}
		argText := text[braceStart:end]
		if !json.Valid([]byte(argText)) {
			continue
		}
		raws = append(raws, rawCall{Name: name, Arguments: json.RawMessage(argText)})
		spans = append(spans, span{m[0], end})
	}
	return raws, spans
}

// balancedEnd scans a JSON object from the opening brace at start, honoring
// string literals and escapes, and returns the index one past the close.
func balancedEnd(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// parseCandidate tries the accepted JSON shapes. A bare {name, arguments}
// object only matches when the name is a declared tool, so ordinary JSON in
// prose does not get lifted.
func parseCandidate(s string, declared map[string]bool) ([]rawCall, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	if strings.HasPrefix(s, "[") {
		var arr []rawCall
		if err := json.Unmarshal([]byte(s), &arr); err != nil {
			return nil, false
		}
		for _, c := range arr {
			if strings.TrimSpace(c.Name) == "" {
				return nil, false
			}
		}
		if len(arr) == 0 {
			return nil, false
		}
		return arr, true
	}
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var wrapper struct {
		ToolCalls    []rawCall `json:"tool_calls"`
		FunctionCall *rawCall  `json:"function_call"`
	}
	if err := json.Unmarshal([]byte(s), &wrapper); err == nil {
		if len(wrapper.ToolCalls) > 0 {
			return wrapper.ToolCalls, true
		}
		if wrapper.FunctionCall != nil && strings.TrimSpace(wrapper.FunctionCall.Name) != "" {
			return []rawCall{*wrapper.FunctionCall}, true
		}
	}
	var single rawCall
	if err := json.Unmarshal([]byte(s), &single); err != nil {
		return nil, false
	}
	if strings.TrimSpace(single.Name) == "" || !declared[strings.TrimSpace(single.Name)] {
		return nil, false
	}
	return []rawCall{single}, true
}

// normalize assigns stable ids, serializes arguments back to a JSON string,
// and drops calls for undeclared tools unless the caller keeps them.
func normalize(raws []rawCall, declared map[string]bool, keepUndeclared bool) []openai.ToolCall {
	calls := make([]openai.ToolCall, 0, len(raws))
	for _, rc := range raws {
		name := strings.TrimSpace(rc.Name)
		if name == "" {
			continue
		}
		if !declared[name] && !keepUndeclared {
			continue
		}
		calls = append(calls, openai.ToolCall{
			ID:   fmt.Sprintf("call_%d", len(calls)),
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      name,
				Arguments: argumentsString(rc.Arguments),
			},
		})
	}
	return calls
}

// argumentsString serializes the arguments value as a compact JSON string,
// preserving the key order the model emitted. A string value that already
// holds JSON is passed through.
func argumentsString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "{}"
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}
	return buf.String()
}

// cut removes the spans from text. Each cut widens over the whitespace
// immediately before the fragment so no doubled separator is left behind.
func cut(text string, spans []span) string {
	if len(spans) == 0 {
		return text
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	var sb strings.Builder
	prev := 0
	for _, sp := range spans {
		start, end := sp.start, sp.end
		for start > prev && (text[start-1] == ' ' || text[start-1] == '\t' || text[start-1] == '\n' || text[start-1] == '\r') {
			start--
		}
		if start < prev {
			start = prev
		}
		sb.WriteString(text[prev:start])
		prev = end
	}
	if prev < len(text) {
		sb.WriteString(text[prev:])
	}
	return sb.String()
}
