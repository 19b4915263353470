package ollama

import "strings"

// Reasoning models wrap their chain of thought in <think> tags inside the
// token stream. thinkSplitter separates those spans from the answer as
// tokens arrive, handling tags that arrive split across chunk boundaries.
type thinkSplitter struct {
	inThink bool
	pending string
}

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// feed consumes one raw chunk and returns the tokens it completes.
func (s *thinkSplitter) feed(chunk string) []Token {
	data := s.pending + chunk
	s.pending = ""

	var out []Token
	for data != "" {
		tag := thinkOpen
		if s.inThink {
			tag = thinkClose
		}

		i := strings.Index(data, tag)
		if i >= 0 {
			if i > 0 {
				out = append(out, Token{Text: data[:i], Thinking: s.inThink})
			}
			s.inThink = !s.inThink
			data = data[i+len(tag):]
			continue
		}

		// No full tag. Hold back any suffix that could be the start of
		// one so a tag split across chunks is still recognized.
		emit := data
		if n := tagPrefixLen(data, tag); n > 0 {
			emit = data[:len(data)-n]
			s.pending = data[len(data)-n:]
		}
		if emit != "" {
			out = append(out, Token{Text: emit, Thinking: s.inThink})
		}
		data = ""
	}
	return out
}

// flush returns whatever is still held back once the stream ends.
func (s *thinkSplitter) flush() []Token {
	if s.pending == "" {
		return nil
	}
	tok := Token{Text: s.pending, Thinking: s.inThink}
	s.pending = ""
	return []Token{tok}
}

// tagPrefixLen returns the length of the longest suffix of data that is a
// proper prefix of tag.
func tagPrefixLen(data, tag string) int {
	max := len(tag) - 1
	if max > len(data) {
		max = len(data)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, data[len(data)-n:]) {
			return n
		}
	}
	return 0
}
