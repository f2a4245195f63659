package cmdfilter

import (
	"errors"
	"path"
	"strings"
)

var ErrCommandBlocked = errors.New("command blocked")

// Verdict is the outcome of checking one command line.
type Verdict struct {
	Blocked bool
	Verb    string
	Reason  string
}

type Filter struct {
	verbs    map[string]bool
	prefixes map[string]bool
	warning  string
}

func New(p *Policy) *Filter {
	if p == nil {
		p = DefaultPolicy()
	}
	f := &Filter{
		verbs:    make(map[string]bool, len(p.MutatingVerbs)),
		prefixes: make(map[string]bool, len(p.CommandPrefixes)),
		warning:  p.Warning,
	}
	for _, v := range p.MutatingVerbs {
		f.verbs[v] = true
	}
	for _, v := range p.CommandPrefixes {
		f.prefixes[v] = true
	}
	return f
}

// Warning is the terminal message shown for a blocked line.
func (f *Filter) Warning() string { return f.warning }

// Check classifies a finalized command line.
func (f *Filter) Check(line string) Verdict {
	line = strings.TrimSpace(line)
	if line == "" || !strings.Contains(line, "..") {
		return Verdict{}
	}

	segments := splitSegments(line)
	if !hasTraversal(line, segments) {
		return Verdict{}
	}
	for _, seg := range segments {
		if verb := f.segmentVerb(seg); verb != "" && f.verbs[verb] {
			return Verdict{
				Blocked: true,
				Verb:    verb,
				Reason:  "'" + verb + "' with a parent directory reference",
			}
		}
	}
	return Verdict{}
}

// segmentVerb returns the command name of a segment, skipping env
// assignments, wrapper commands and their flags.
func (f *Filter) segmentVerb(tokens []string) string {
	skippingFlags := false
	for _, tok := range tokens {
		switch {
		case skippingFlags && strings.HasPrefix(tok, "-"):
			continue
		case isAssignment(tok):
			continue
		case f.prefixes[path.Base(tok)]:
			skippingFlags = true
			continue
		}
		return path.Base(tok)
	}
	return ""
}

func isAssignment(tok string) bool {
	eq := strings.IndexByte(tok, '=')
	if eq <= 0 {
		return false
	}
	for i, r := range tok[:eq] {
		if !(r == '_' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || i > 0 && r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func hasTraversal(line string, segments [][]string) bool {
	if strings.Contains(line, "../") || strings.Contains(line, `..\`) {
		return true
	}
	for _, seg := range segments {
		for _, tok := range seg {
			if tok == ".." || strings.HasSuffix(tok, "/..") {
				return true
			}
		}
	}
	for _, sub := range substitutions(line) {
		if strings.Contains(sub, "..") {
			return true
		}
	}
	return false
}

// substitutions returns the bodies of $(...) and `...` in line.
func substitutions(line string) []string {
	var out []string
	for i := 0; i < len(line); i++ {
		switch {
		case line[i] == '$' && i+1 < len(line) && line[i+1] == '(':
			depth := 0
			start := i + 2
			for j := i + 1; j < len(line); j++ {
				if line[j] == '(' {
					depth++
				} else if line[j] == ')' {
					depth--
					if depth == 0 {
						out = append(out, line[start:j])
						i = j
						break
					}
				}
				if j == len(line)-1 {
					out = append(out, line[start:])
					i = j
				}
			}
		case line[i] == '`':
			end := strings.IndexByte(line[i+1:], '`')
			if end < 0 {
				out = append(out, line[i+1:])
				return out
			}
			out = append(out, line[i+1:i+1+end])
			i += end + 1
		}
	}
	return out
}

// splitSegments tokenizes line shell-style and splits it into command
// segments at ;, &&, || and |. Quotes group words and are removed.
func splitSegments(line string) [][]string {
	var (
		segments [][]string
		current  []string
		word     strings.Builder
		inWord   bool
		quote    byte
	)
	flushWord := func() {
		if inWord {
			current = append(current, word.String())
			word.Reset()
			inWord = false
		}
	}
	flushSegment := func() {
		flushWord()
		if len(current) > 0 {
			segments = append(segments, current)
			current = nil
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			} else {
				word.WriteByte(c)
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			inWord = true
		case ' ', '\t':
			flushWord()
		case ';', '\n':
			flushSegment()
		case '&', '|':
			if i+1 < len(line) && line[i+1] == c {
				i++
			}
			flushSegment()
		case '\\':
			if i+1 < len(line) {
				i++
				word.WriteByte('\\')
				word.WriteByte(line[i])
			} else {
				word.WriteByte(c)
			}
			inWord = true
		default:
			word.WriteByte(c)
			inWord = true
		}
	}
	flushSegment()
	return segments
}
