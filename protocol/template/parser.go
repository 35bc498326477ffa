package template

import (
	"fmt"
	"strconv"
	"strings"
)

type token struct {
	text string
	line int
}

type lexer struct {
	tokens []token
	pos    int
}

func newLexer(data []byte) *lexer {
	var toks []token
	for i, raw := range strings.Split(string(data), "\n") {
		line := raw
		if idx := strings.Index(line, "//"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.NewReplacer("{", " { ", "}", " } ").Replace(line)
		for _, f := range strings.Fields(line) {
			toks = append(toks, token{text: f, line: i + 1})
		}
	}
	return &lexer{tokens: toks}
}

func (l *lexer) eof() bool {
	return l.pos >= len(l.tokens)
}

func (l *lexer) peek() token {
	if l.eof() {
		return token{line: l.lastLine()}
	}
	return l.tokens[l.pos]
}

func (l *lexer) next() token {
	t := l.peek()
	if !l.eof() {
		l.pos++
	}
	return t
}

func (l *lexer) lastLine() int {
	if len(l.tokens) == 0 {
		return 0
	}
	return l.tokens[len(l.tokens)-1].line
}

type parser struct {
	lex *lexer
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SchemaError{Line: t.line, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(text string) (token, error) {
	t := p.lex.next()
	if t.text != text {
		if t.text == "" {
			return t, p.errorf(t, "expected %q, got end of input", text)
		}
		return t, p.errorf(t, "expected %q, got %q", text, t.text)
	}
	return t, nil
}

func (p *parser) word(what string) (token, error) {
	t := p.lex.next()
	if t.text == "" || t.text == "{" || t.text == "}" {
		return t, p.errorf(t, "expected %s, got %q", what, t.text)
	}
	return t, nil
}

func (p *parser) parse() (*Schema, error) {
	s := &Schema{
		byName:   make(map[string]*Message),
		byWireID: make(map[WireID]*Message),
	}
	if p.lex.peek().text == "version" {
		p.lex.next()
		v, err := p.word("version number")
		if err != nil {
			return nil, err
		}
		s.Version = v.text
	}
	for !p.lex.eof() {
		start := p.lex.peek()
		m, err := p.parseMessage()
		if err != nil {
			return nil, err
		}
		if err := s.add(m, start.line); err != nil {
			return nil, err
		}
	}
	if s.Len() == 0 {
		return nil, &SchemaError{Msg: "no message templates defined"}
	}
	return s, nil
}

func (p *parser) parseMessage() (*Message, error) {
	if _, err := p.expect("{"); err != nil {
		return nil, err
	}
	name, err := p.word("message name")
	if err != nil {
		return nil, err
	}
	m := &Message{Name: name.text, blockIndex: make(map[string]int)}

	freq, err := p.word("frequency")
	if err != nil {
		return nil, err
	}
	num, err := p.word("message number")
	if err != nil {
		return nil, err
	}
	if err := p.setNumber(m, freq, num); err != nil {
		return nil, err
	}

	trust, err := p.word("trust level")
	if err != nil {
		return nil, err
	}
	switch trust.text {
	case "Trusted":
		m.Trust = Trusted
	case "NotTrusted":
		m.Trust = NotTrusted
	default:
		return nil, p.errorf(trust, "unknown trust level %q", trust.text)
	}

	enc, err := p.word("encoding")
	if err != nil {
		return nil, err
	}
	switch enc.text {
	case "Zerocoded":
		m.Encoding = Zerocoded
	case "Unencoded":
		m.Encoding = Unencoded
	default:
		return nil, p.errorf(enc, "unknown encoding %q", enc.text)
	}

	switch t := p.lex.peek(); t.text {
	case "Deprecated":
		m.Deprecation = Deprecated
		p.lex.next()
	case "UDPDeprecated":
		m.Deprecation = UDPDeprecated
		p.lex.next()
	case "UDPBlackListed":
		m.Deprecation = UDPBlackListed
		p.lex.next()
	case "NotDeprecated":
		p.lex.next()
	}

	for p.lex.peek().text == "{" {
		start := p.lex.peek()
		b, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		if _, dup := m.blockIndex[b.Name]; dup {
			return nil, p.errorf(start, "duplicate block %q in message %q", b.Name, m.Name)
		}
		m.blockIndex[b.Name] = len(m.Blocks)
		m.Blocks = append(m.Blocks, b)
	}
	if _, err := p.expect("}"); err != nil {
		return nil, err
	}
	return m, nil
}

func (p *parser) setNumber(m *Message, freq, num token) error {
	n, err := strconv.ParseUint(num.text, 0, 32)
	if err != nil {
		return p.errorf(num, "invalid message number %q", num.text)
	}
	switch freq.text {
	case "High":
		if n == 0 || n >= 0xFF {
			return p.errorf(num, "High message number %d out of range", n)
		}
		m.Frequency = FrequencyHigh
	case "Medium":
		if n == 0 || n >= 0xFF {
			return p.errorf(num, "Medium message number %d out of range", n)
		}
		m.Frequency = FrequencyMedium
	case "Low":
		if n == 0 || n >= 0xFF00 {
			return p.errorf(num, "Low message number %d out of range", n)
		}
		m.Frequency = FrequencyLow
	case "Fixed":
		if n&0xFFFFFF00 != 0xFFFFFF00 || n == 0xFFFFFFFF {
			return p.errorf(num, "Fixed message number %#x out of range", n)
		}
		m.Frequency = FrequencyFixed
		n &= 0xFF
	default:
		return p.errorf(freq, "unknown frequency %q", freq.text)
	}
	m.Number = uint16(n)
	return nil
}

func (p *parser) parseBlock() (*Block, error) {
	if _, err := p.expect("{"); err != nil {
		return nil, err
	}
	name, err := p.word("block name")
	if err != nil {
		return nil, err
	}
	b := &Block{Name: name.text, Count: 1, fieldIndex: make(map[string]int)}

	kind, err := p.word("block kind")
	if err != nil {
		return nil, err
	}
	switch kind.text {
	case "Single":
		b.Kind = BlockSingle
	case "Variable":
		b.Kind = BlockVariable
		b.Count = 0
	case "Multiple":
		b.Kind = BlockMultiple
		cnt, err := p.word("repeat count")
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(cnt.text)
		if err != nil || n < 1 || n > 255 {
			return nil, p.errorf(cnt, "invalid repeat count %q", cnt.text)
		}
		b.Count = n
	default:
		return nil, p.errorf(kind, "unknown block kind %q", kind.text)
	}

	for p.lex.peek().text == "{" {
		start := p.lex.peek()
		f, err := p.parseField()
		if err != nil {
			return nil, err
		}
		if _, dup := b.fieldIndex[f.Name]; dup {
			return nil, p.errorf(start, "duplicate field %q in block %q", f.Name, b.Name)
		}
		b.fieldIndex[f.Name] = len(b.Fields)
		b.Fields = append(b.Fields, f)
	}
	if _, err := p.expect("}"); err != nil {
		return nil, err
	}
	return b, nil
}

var scalarTypes = map[string]FieldType{
	"U8":           TypeU8,
	"U16":          TypeU16,
	"U32":          TypeU32,
	"U64":          TypeU64,
	"S8":           TypeS8,
	"S16":          TypeS16,
	"S32":          TypeS32,
	"S64":          TypeS64,
	"F32":          TypeF32,
	"F64":          TypeF64,
	"LLVector3":    TypeVector3,
	"LLVector3d":   TypeVector3d,
	"LLVector4":    TypeVector4,
	"LLQuaternion": TypeQuaternion,
	"LLUUID":       TypeUUID,
	"BOOL":         TypeBool,
	"IPADDR":       TypeIPAddr,
	"IPPORT":       TypeIPPort,
}

func (p *parser) parseField() (*Field, error) {
	if _, err := p.expect("{"); err != nil {
		return nil, err
	}
	name, err := p.word("field name")
	if err != nil {
		return nil, err
	}
	typ, err := p.word("field type")
	if err != nil {
		return nil, err
	}
	f := &Field{Name: name.text}
	if t, ok := scalarTypes[typ.text]; ok {
		f.Type = t
	} else {
		switch typ.text {
		case "Fixed":
			f.Type = TypeFixed
		case "Variable":
			f.Type = TypeVariable
		default:
			return nil, p.errorf(typ, "unknown field type %q", typ.text)
		}
		sz, err := p.word("field size")
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(sz.text)
		if err != nil {
			return nil, p.errorf(sz, "invalid field size %q", sz.text)
		}
		if f.Type == TypeVariable && n != 1 && n != 2 {
			return nil, p.errorf(sz, "variable length prefix must be 1 or 2 bytes, got %d", n)
		}
		if f.Type == TypeFixed && n < 1 {
			return nil, p.errorf(sz, "fixed field size must be positive, got %d", n)
		}
		f.Size = n
	}
	if _, err := p.expect("}"); err != nil {
		return nil, err
	}
	return f, nil
}
