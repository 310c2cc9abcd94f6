package subkernel

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// SyntaxError is returned when a value is not a Python literal.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid literal at offset %d: %s", e.Offset, e.Msg)
}

// ParseLiteral evaluates the repr of a Python value the way ast.literal_eval
// does. Strings and bytes become string, ints become int64 (float64 when they
// overflow), floats become float64, True/False become bool, None becomes nil,
// lists, tuples and sets become []any and dicts become map[string]any. Dict keys
// that are not strings are formatted with their Python repr.
func ParseLiteral(src string) (any, error) {
	p := &literalParser{src: strings.TrimSpace(src)}
	if p.src == "" {
		return nil, &SyntaxError{Msg: "empty input"}
	}
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return nil, p.errorf("unexpected %q", p.src[p.pos:p.pos+1])
	}
	return v, nil
}

type literalParser struct {
	src string
	pos int
}

func (p *literalParser) errorf(format string, args ...any) error {
	return &SyntaxError{Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r', '\f':
			p.pos++
		case '\\':
			// explicit line joining
			if p.pos+1 < len(p.src) && p.src[p.pos+1] == '\n' {
				p.pos += 2
				continue
			}
			return
		default:
			return
		}
	}
}

func (p *literalParser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *literalParser) value() (any, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, p.errorf("unexpected end of input")
	}

	c := p.src[p.pos]
	switch {
	case c == '[':
		p.pos++
		return p.sequence(']')
	case c == '(':
		p.pos++
		return p.tuple()
	case c == '{':
		p.pos++
		return p.dictOrSet()
	case c == '-' || c == '+':
		p.pos++
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		return negate(v, c == '-', p)
	case c == '.' || (c >= '0' && c <= '9'):
		return p.number()
	case c == '\'' || c == '"':
		return p.concatStrings()
	case isIdentStart(c):
		return p.name()
	}
	return nil, p.errorf("unexpected %q", string(c))
}

func negate(v any, neg bool, p *literalParser) (any, error) {
	switch n := v.(type) {
	case int64:
		if neg {
			return -n, nil
		}
		return n, nil
	case float64:
		if neg {
			return -n, nil
		}
		return n, nil
	case bool:
		// -True is valid Python and evaluates to -1
		i := int64(0)
		if n {
			i = 1
		}
		if neg {
			i = -i
		}
		return i, nil
	}
	return nil, p.errorf("bad operand for unary operator")
}

func (p *literalParser) name() (any, error) {
	start := p.pos
	for p.pos < len(p.src) && isIdentPart(p.src[p.pos]) {
		p.pos++
	}
	word := p.src[start:p.pos]

	// string prefixes
	if p.pos < len(p.src) && (p.src[p.pos] == '\'' || p.src[p.pos] == '"') {
		switch strings.ToLower(word) {
		case "r", "u", "b", "br", "rb":
			p.pos = start
			return p.concatStrings()
		}
	}

	switch word {
	case "True":
		return true, nil
	case "False":
		return false, nil
	case "None":
		return nil, nil
	case "set":
		// set() is the repr of an empty set
		p.skipSpace()
		if strings.HasPrefix(p.src[p.pos:], "()") {
			p.pos += 2
			return []any{}, nil
		}
	}
	p.pos = start
	return nil, p.errorf("name %q is not a literal", word)
}

func (p *literalParser) sequence(closer byte) ([]any, error) {
	items := []any{}
	for {
		p.skipSpace()
		if p.peek() == closer {
			p.pos++
			return items, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case closer:
			p.pos++
			return items, nil
		default:
			return nil, p.errorf("expected ',' or %q", string(closer))
		}
	}
}

func (p *literalParser) tuple() (any, error) {
	p.skipSpace()
	if p.peek() == ')' {
		p.pos++
		return []any{}, nil
	}
	first, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	switch p.peek() {
	case ')':
		// parenthesized expression, not a tuple
		p.pos++
		return first, nil
	case ',':
		p.pos++
		rest, err := p.sequence(')')
		if err != nil {
			return nil, err
		}
		return append([]any{first}, rest...), nil
	}
	return nil, p.errorf("expected ',' or ')'")
}

func (p *literalParser) dictOrSet() (any, error) {
	p.skipSpace()
	if p.peek() == '}' {
		p.pos++
		return map[string]any{}, nil
	}

	first, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.peek() != ':' {
		switch p.peek() {
		case ',':
			p.pos++
			rest, err := p.sequence('}')
			if err != nil {
				return nil, err
			}
			return append([]any{first}, rest...), nil
		case '}':
			p.pos++
			return []any{first}, nil
		}
		return nil, p.errorf("expected ':' or ','")
	}

	out := map[string]any{}
	key := first
	for {
		p.pos++ // ':'
		val, err := p.value()
		if err != nil {
			return nil, err
		}
		k, err := dictKey(key)
		if err != nil {
			return nil, p.errorf("%v", err)
		}
		out[k] = val

		p.skipSpace()
		switch p.peek() {
		case '}':
			p.pos++
			return out, nil
		case ',':
			p.pos++
		default:
			return nil, p.errorf("expected ',' or '}'")
		}

		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return out, nil
		}
		key, err = p.value()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ':' {
			return nil, p.errorf("expected ':'")
		}
	}
}

func dictKey(k any) (string, error) {
	switch v := k.(type) {
	case string:
		return v, nil
	case nil:
		return "None", nil
	case bool:
		if v {
			return "True", nil
		}
		return "False", nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return formatPyFloat(v), nil
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			s, err := dictKey(item)
			if err != nil {
				return "", err
			}
			if str, ok := item.(string); ok {
				s = "'" + str + "'"
			}
			parts[i] = s
		}
		if len(parts) == 1 {
			return "(" + parts[0] + ",)", nil
		}
		return "(" + strings.Join(parts, ", ") + ")", nil
	}
	return "", fmt.Errorf("unhashable dict key %T", k)
}

func formatPyFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

func (p *literalParser) number() (any, error) {
	start := p.pos
	src := p.src

	if p.peek() == '0' && p.pos+1 < len(src) {
		base := 0
		switch src[p.pos+1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 0 {
			p.pos += 2
			digits := p.pos
			for p.pos < len(src) && (isHex(src[p.pos]) || src[p.pos] == '_') {
				p.pos++
			}
			text := strings.ReplaceAll(src[digits:p.pos], "_", "")
			n, err := strconv.ParseInt(text, base, 64)
			if err != nil {
				u, uerr := strconv.ParseUint(text, base, 64)
				if uerr != nil {
					bad := src[start:p.pos]
					p.pos = start
					return nil, p.errorf("invalid number %q", bad)
				}
				return float64(u), nil
			}
			return n, nil
		}
	}

	isFloat := false
	for p.pos < len(src) {
		c := src[p.pos]
		switch {
		case c >= '0' && c <= '9', c == '_':
			p.pos++
		case c == '.':
			isFloat = true
			p.pos++
		case c == 'e' || c == 'E':
			isFloat = true
			p.pos++
			if p.pos < len(src) && (src[p.pos] == '+' || src[p.pos] == '-') {
				p.pos++
			}
		case c == 'j' || c == 'J':
			return nil, p.errorf("complex numbers are not supported")
		default:
			goto done
		}
	}
done:
	text := strings.ReplaceAll(src[start:p.pos], "_", "")
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil && !isRangeErr(err) {
			return nil, p.errorf("invalid number %q", text)
		}
		return f, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		if isRangeErr(err) {
			f, _ := strconv.ParseFloat(text, 64)
			return f, nil
		}
		return nil, p.errorf("invalid number %q", text)
	}
	return n, nil
}

func isRangeErr(err error) bool {
	ne, ok := err.(*strconv.NumError)
	return ok && ne.Err == strconv.ErrRange
}

// concatStrings parses one or more adjacent string literals and concatenates them.
func (p *literalParser) concatStrings() (any, error) {
	var b strings.Builder
	for {
		s, err := p.stringLiteral()
		if err != nil {
			return nil, err
		}
		b.WriteString(s)

		save := p.pos
		p.skipSpace()
		if !p.atStringStart() {
			p.pos = save
			return b.String(), nil
		}
	}
}

func (p *literalParser) atStringStart() bool {
	i := p.pos
	for i < len(p.src) && i-p.pos < 2 && strings.ContainsRune("rRbBuU", rune(p.src[i])) {
		i++
	}
	return i < len(p.src) && (p.src[i] == '\'' || p.src[i] == '"')
}

func (p *literalParser) stringLiteral() (string, error) {
	raw, isBytes := false, false
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case 'r', 'R':
			raw = true
		case 'b', 'B':
			isBytes = true
		case 'u', 'U':
		default:
			goto quote
		}
		p.pos++
	}
quote:
	if p.pos >= len(p.src) {
		return "", p.errorf("unexpected end of input")
	}
	q := p.src[p.pos]
	delim := string(q)
	if strings.HasPrefix(p.src[p.pos:], strings.Repeat(delim, 3)) {
		delim = strings.Repeat(delim, 3)
	}
	p.pos += len(delim)

	var b strings.Builder
	for {
		if p.pos >= len(p.src) {
			return "", p.errorf("unterminated string")
		}
		if strings.HasPrefix(p.src[p.pos:], delim) {
			p.pos += len(delim)
			return b.String(), nil
		}

		c := p.src[p.pos]
		if c == '\n' && len(delim) == 1 {
			return "", p.errorf("newline in string")
		}
		if c != '\\' {
			r, size := utf8.DecodeRuneInString(p.src[p.pos:])
			b.WriteRune(r)
			p.pos += size
			continue
		}

		if p.pos+1 >= len(p.src) {
			return "", p.errorf("unterminated string")
		}
		if raw {
			// raw strings keep the backslash, but it still protects the quote
			b.WriteByte('\\')
			b.WriteByte(p.src[p.pos+1])
			p.pos += 2
			continue
		}
		if err := p.escape(&b, isBytes); err != nil {
			return "", err
		}
	}
}

func (p *literalParser) escape(b *strings.Builder, isBytes bool) error {
	e := p.src[p.pos+1]
	p.pos += 2
	switch e {
	case '\n':
	case '\\', '\'', '"':
		b.WriteByte(e)
	case 'a':
		b.WriteByte('\a')
	case 'b':
		b.WriteByte('\b')
	case 'f':
		b.WriteByte('\f')
	case 'n':
		b.WriteByte('\n')
	case 'r':
		b.WriteByte('\r')
	case 't':
		b.WriteByte('\t')
	case 'v':
		b.WriteByte('\v')
	case '0', '1', '2', '3', '4', '5', '6', '7':
		start := p.pos - 1
		for p.pos < len(p.src) && p.pos-start < 3 && p.src[p.pos] >= '0' && p.src[p.pos] <= '7' {
			p.pos++
		}
		n, _ := strconv.ParseUint(p.src[start:p.pos], 8, 32)
		writeCode(b, rune(n), isBytes)
	case 'x':
		return p.hexEscape(b, 2, isBytes)
	case 'u':
		if isBytes {
			b.WriteString(`\u`)
			return nil
		}
		return p.hexEscape(b, 4, false)
	case 'U':
		if isBytes {
			b.WriteString(`\U`)
			return nil
		}
		return p.hexEscape(b, 8, false)
	case 'N':
		return p.errorf("named unicode escapes are not supported")
	default:
		b.WriteByte('\\')
		b.WriteByte(e)
	}
	return nil
}

func (p *literalParser) hexEscape(b *strings.Builder, width int, isBytes bool) error {
	if p.pos+width > len(p.src) {
		return p.errorf("truncated escape")
	}
	n, err := strconv.ParseUint(p.src[p.pos:p.pos+width], 16, 32)
	if err != nil || n > unicode.MaxRune {
		return p.errorf("invalid escape %q", p.src[p.pos-2:p.pos+width])
	}
	p.pos += width
	writeCode(b, rune(n), isBytes)
	return nil
}

func writeCode(b *strings.Builder, r rune, isBytes bool) {
	if isBytes && r <= math.MaxUint8 {
		b.WriteByte(byte(r))
		return
	}
	b.WriteRune(r)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
