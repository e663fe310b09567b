package toolcall

import (
	"sort"
	"strings"
)

// scanState is the lexical state of the object scanner.
type scanState int

const (
	stateNormal scanState = iota
	stateInString
	stateEscaped
)

// span is a half-open byte range [start, end) of the scanned text.
type span struct {
	start, end int
}

// scanObjects returns the top-level brace-balanced object literals in s
// in document order. Braces inside string literals (double- or, inside
// an object, single-quoted) and comments do not count toward balance.
// When an object is still open at the end of the text its start offset
// is returned as unterminated (otherwise -1) and scanning resumes just
// past that brace, so a stray "{" in prose cannot swallow later calls.
func scanObjects(s string) (spans []span, unterminated int) {
	unterminated = -1
	offset := 0
	for {
		found, open := scanFrom(s[offset:])
		for _, sp := range found {
			spans = append(spans, span{sp.start + offset, sp.end + offset})
		}
		if open < 0 {
			return spans, unterminated
		}
		if unterminated < 0 {
			unterminated = open + offset
		}
		offset += open + 1
	}
}

func scanFrom(s string) (spans []span, open int) {
	state := stateNormal
	var quote byte
	depth, start := 0, -1

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch state {
		case stateEscaped:
			state = stateInString
			continue
		case stateInString:
			switch c {
			case '\\':
				state = stateEscaped
			case quote:
				state = stateNormal
			}
			continue
		}

		switch c {
		case '"', '\'':
			// Outside an object quotes are prose.
			if depth > 0 {
				state = stateInString
				quote = c
			}
		case '/':
			if depth == 0 || i+1 >= len(s) {
				continue
			}
			switch s[i+1] {
			case '/':
				if nl := strings.IndexByte(s[i:], '\n'); nl >= 0 {
					i += nl
				} else {
					i = len(s)
				}
			case '*':
				if end := strings.Index(s[i+2:], "*/"); end >= 0 {
					i += end + 3
				} else {
					i = len(s)
				}
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				spans = append(spans, span{start, i + 1})
				start = -1
			}
		}
	}
	if depth > 0 {
		return spans, start
	}
	return spans, -1
}

const fenceMarker = "```"

// fencedBlock is one ``` fenced region. Body excludes the markers and
// the info string (language tag).
type fencedBlock struct {
	body span
	lang string
}

// fences indexes the fence markers of a text.
type fences struct {
	markers []int
	blocks  []fencedBlock
}

// findFences locates fence markers and pairs them into blocks. A final
// unpaired marker opens a block that runs to the end of the text.
func findFences(s string) fences {
	var f fences
	for i := 0; i < len(s); {
		j := strings.Index(s[i:], fenceMarker)
		if j < 0 {
			break
		}
		pos := i + j
		f.markers = append(f.markers, pos)
		i = pos + len(fenceMarker)
		// Swallow longer runs like ```` so they count once.
		for i < len(s) && s[i] == '`' {
			i++
		}
	}

	for k := 0; k < len(f.markers); k += 2 {
		open := f.markers[k]
		bodyStart := skipBackticks(s, open)
		lang := ""
		if nl := strings.IndexByte(s[bodyStart:], '\n'); nl >= 0 {
			info := s[bodyStart : bodyStart+nl]
			if !strings.ContainsAny(info, "{[") {
				lang = strings.TrimSpace(info)
				bodyStart += nl + 1
			}
		} else if info := s[bodyStart:]; !strings.ContainsAny(info, "{[") {
			lang = strings.TrimSpace(info)
			bodyStart = len(s)
		}

		bodyEnd := len(s)
		if k+1 < len(f.markers) {
			bodyEnd = f.markers[k+1]
		}
		if bodyStart > bodyEnd {
			bodyStart = bodyEnd
		}
		f.blocks = append(f.blocks, fencedBlock{body: span{bodyStart, bodyEnd}, lang: lang})
	}
	return f
}

// inside reports whether pos lies within a fenced block, decided by the
// parity of the markers that precede it.
func (f fences) inside(pos int) bool {
	return sort.SearchInts(f.markers, pos)%2 == 1
}

func skipBackticks(s string, i int) int {
	for i < len(s) && s[i] == '`' {
		i++
	}
	return i
}

// identifierBefore returns the identifier that ends immediately before
// pos, ignoring horizontal whitespace, as in `find_entity {"area": "x"}`.
func identifierBefore(s string, pos int) string {
	end := pos
	for end > 0 && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	start := end
	for start > 0 && isIdentByte(s[start-1]) {
		start--
	}
	if start == end || !isIdentStart(s[start]) {
		return ""
	}
	return s[start:end]
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentByte(c byte) bool {
	return isIdentStart(c) || c == '-' || (c >= '0' && c <= '9')
}
