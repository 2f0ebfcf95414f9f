package translate

import "strings"

// The upstream interleaves hidden reasoning and the visible reply with
// literal tags. Text outside any tag is treated as answer content.
const (
	tagThinkOpen   = "<think>"
	tagThinkClose  = "</think>"
	tagAnswerOpen  = "<answer>"
	tagAnswerClose = "</answer>"
)

var tagLiterals = []string{tagThinkOpen, tagThinkClose, tagAnswerOpen, tagAnswerClose}

// maxTagLen bounds the look-behind carry: bytes that might still turn into a
// tag are held back until the next chunk disambiguates them.
var maxTagLen = func() int {
	n := 0
	for _, t := range tagLiterals {
		if len(t) > n {
			n = len(t)
		}
	}
	return n
}()

type parseState int

const (
	stateOutside parseState = iota
	stateThink
	stateAnswer
)

// Segment is a run of content released by the parser. Thinking marks content
// that appeared inside <think>...</think>.
type Segment struct {
	Thinking bool
	Text     string
}

// TagParser is a single-pass state machine over the concatenated upstream
// deltas. Tags may be split across chunk boundaries; work stays O(bytes).
type TagParser struct {
	state parseState
	carry []byte
}

func NewTagParser() *TagParser {
	return &TagParser{state: stateOutside}
}

// Feed consumes one chunk and returns the content segments it releases.
// Bytes that could begin a tag are withheld until disambiguated.
func (p *TagParser) Feed(chunk string) []Segment {
	if chunk == "" {
		return nil
	}
	data := chunk
	if len(p.carry) > 0 {
		data = string(p.carry) + chunk
		p.carry = p.carry[:0]
	}

	var segs []Segment
	emit := func(text string) {
		if text == "" {
			return
		}
		thinking := p.state == stateThink
		if n := len(segs); n > 0 && segs[n-1].Thinking == thinking {
			segs[n-1].Text += text
			return
		}
		segs = append(segs, Segment{Thinking: thinking, Text: text})
	}

	i := 0
	for i < len(data) {
		lt := strings.IndexByte(data[i:], '<')
		if lt < 0 {
			emit(data[i:])
			break
		}
		emit(data[i : i+lt])
		i += lt
		rest := data[i:]

		if tag := matchTag(rest); tag != "" {
			p.transition(tag)
			i += len(tag)
			continue
		}
		if len(rest) < maxTagLen && isTagPrefix(rest) {
			p.carry = append(p.carry, rest...)
			break
		}
		emit("<")
		i++
	}
	return segs
}

// Close flushes any withheld bytes as content. An unterminated tag prefix at
// end-of-stream is released verbatim.
func (p *TagParser) Close() []Segment {
	if len(p.carry) == 0 {
		return nil
	}
	text := string(p.carry)
	p.carry = nil
	return []Segment{{Thinking: p.state == stateThink, Text: text}}
}

// InThink reports whether the parser currently sits inside a think span.
func (p *TagParser) InThink() bool {
	return p.state == stateThink
}

func (p *TagParser) transition(tag string) {
	switch tag {
	case tagThinkOpen:
		p.state = stateThink
	case tagThinkClose:
		p.state = stateOutside
	case tagAnswerOpen:
		p.state = stateAnswer
	case tagAnswerClose:
		p.state = stateOutside
	}
}

func matchTag(s string) string {
	for _, t := range tagLiterals {
		if strings.HasPrefix(s, t) {
			return t
		}
	}
	return ""
}

func isTagPrefix(s string) bool {
	for _, t := range tagLiterals {
		if len(s) < len(t) && t[:len(s)] == s {
			return true
		}
	}
	return false
}
