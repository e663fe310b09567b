package toolcall

import "strings"

// Repair rewrites near-JSON into JSON by fixing the mistakes models make
// most often, in order:
//
//   - // line and /* */ block comments outside strings are removed
//   - single-quoted strings become double-quoted
//   - bare identifier keys are quoted ({name: "x"} → {"name": "x"})
//   - trailing commas before } or ] are removed
//
// Valid JSON passes through unchanged. Repair does not guarantee the
// result parses.
func Repair(s string) string {
	s = stripComments(s)
	s = normalizeQuotes(s)
	s = quoteKeys(s)
	return stripTrailingCommas(s)
}

func stripComments(s string) string {
	if !strings.Contains(s, "/") {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	state := stateNormal
	var quote byte

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch state {
		case stateEscaped:
			state = stateInString
			sb.WriteByte(c)
			continue
		case stateInString:
			switch c {
			case '\\':
				state = stateEscaped
			case quote:
				state = stateNormal
			}
			sb.WriteByte(c)
			continue
		}

		switch {
		case c == '"' || c == '\'':
			state = stateInString
			quote = c
			sb.WriteByte(c)
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			nl := strings.IndexByte(s[i:], '\n')
			if nl < 0 {
				return sb.String()
			}
			i += nl - 1
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return sb.String()
			}
			i += end + 3
			sb.WriteByte(' ')
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func normalizeQuotes(s string) string {
	if !strings.Contains(s, "'") {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	state := stateNormal
	var quote byte

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch state {
		case stateEscaped:
			state = stateInString
			if quote == '\'' && c == '\'' {
				// \' needs no escape once the delimiter is ".
				sb.WriteByte(c)
			} else {
				sb.WriteByte('\\')
				sb.WriteByte(c)
			}
			continue
		case stateInString:
			switch {
			case c == '\\':
				state = stateEscaped
			case c == quote:
				state = stateNormal
				sb.WriteByte('"')
			case c == '"' && quote == '\'':
				sb.WriteString(`\"`)
			default:
				sb.WriteByte(c)
			}
			continue
		}

		switch c {
		case '"', '\'':
			state = stateInString
			quote = c
			sb.WriteByte('"')
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func quoteKeys(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 8)
	state := stateNormal
	var last byte // last significant byte outside strings

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch state {
		case stateEscaped:
			state = stateInString
			sb.WriteByte(c)
			continue
		case stateInString:
			switch c {
			case '\\':
				state = stateEscaped
			case '"':
				state = stateNormal
			}
			sb.WriteByte(c)
			continue
		}

		if c == '"' {
			state = stateInString
			last = c
			sb.WriteByte(c)
			continue
		}
		if (last == '{' || last == ',') && isIdentStart(c) {
			j := i
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			k := j
			for k < len(s) && isSpace(s[k]) {
				k++
			}
			if k < len(s) && s[k] == ':' {
				sb.WriteByte('"')
				sb.WriteString(s[i:j])
				sb.WriteByte('"')
			} else {
				sb.WriteString(s[i:j])
			}
			last = s[j-1]
			i = j - 1
			continue
		}
		if !isSpace(c) {
			last = c
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func stripTrailingCommas(s string) string {
	if !strings.Contains(s, ",") {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	state := stateNormal

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch state {
		case stateEscaped:
			state = stateInString
			sb.WriteByte(c)
			continue
		case stateInString:
			switch c {
			case '\\':
				state = stateEscaped
			case '"':
				state = stateNormal
			}
			sb.WriteByte(c)
			continue
		}

		switch c {
		case '"':
			state = stateInString
		case ',':
			k := i + 1
			for k < len(s) && isSpace(s[k]) {
				k++
			}
			if k < len(s) && (s[k] == '}' || s[k] == ']') {
				continue
			}
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
