package generic

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Common errors
var (
	ErrUnexpectedEOF = errors.New("unexpected end of data")
	ErrInvalidObject = errors.New("invalid PDF object")
	ErrInvalidStream = errors.New("invalid PDF stream")
	ErrTooDeep       = errors.New("PDF object nesting too deep")
)

const maxDepth = 200

// IndirectObject is a parsed "n g obj ... endobj" definition.
type IndirectObject struct {
	Reference
	Object PdfObject
}

// Parser reads PDF objects from an in-memory buffer.
type Parser struct {
	data  []byte
	pos   int
	depth int

	// ResolveLength resolves an indirect stream /Length. When it is nil or
	// fails, the stream extent is found by scanning for endstream.
	ResolveLength func(Reference) (int64, bool)
}

// NewParser creates a parser positioned at the start of data.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

// Pos returns the current offset.
func (p *Parser) Pos() int { return p.pos }

// Seek moves to offset.
func (p *Parser) Seek(offset int) { p.pos = offset }

func isWhitespace(c byte) bool {
	switch c {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func isRegular(c byte) bool {
	return !isWhitespace(c) && !isDelimiter(c)
}

// SkipSpace skips whitespace and comments.
func (p *Parser) SkipSpace() {
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		if isWhitespace(c) {
			p.pos++
			continue
		}
		if c != '%' {
			return
		}
		for p.pos < len(p.data) && p.data[p.pos] != '\n' && p.data[p.pos] != '\r' {
			p.pos++
		}
	}
}

// Keyword reads the next run of regular characters.
func (p *Parser) Keyword() string {
	p.SkipSpace()
	start := p.pos
	for p.pos < len(p.data) && isRegular(p.data[p.pos]) {
		p.pos++
	}
	return string(p.data[start:p.pos])
}

func (p *Parser) errorf(err error, format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", err, p.pos, fmt.Sprintf(format, args...))
}

// ParseObject parses one direct object or indirect reference.
func (p *Parser) ParseObject() (PdfObject, error) {
	p.SkipSpace()
	if p.pos >= len(p.data) {
		return nil, ErrUnexpectedEOF
	}
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxDepth {
		return nil, ErrTooDeep
	}

	switch c := p.data[p.pos]; {
	case c == '/':
		return p.parseName()
	case c == '(':
		return p.parseLiteral()
	case c == '<':
		if p.pos+1 < len(p.data) && p.data[p.pos+1] == '<' {
			return p.parseDictionary()
		}
		return p.parseHex()
	case c == '[':
		return p.parseArray()
	case c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9'):
		return p.parseNumberOrReference()
	default:
		start := p.pos
		switch kw := p.Keyword(); kw {
		case "true":
			return BooleanObject(true), nil
		case "false":
			return BooleanObject(false), nil
		case "null":
			return NullObject{}, nil
		default:
			p.pos = start
			return nil, p.errorf(ErrInvalidObject, "unexpected %q", kw)
		}
	}
}

func (p *Parser) parseName() (NameObject, error) {
	p.pos++
	var out []byte
	for p.pos < len(p.data) && isRegular(p.data[p.pos]) {
		c := p.data[p.pos]
		if c == '#' && p.pos+2 < len(p.data) {
			if v, err := strconv.ParseUint(string(p.data[p.pos+1:p.pos+3]), 16, 8); err == nil {
				out = append(out, byte(v))
				p.pos += 3
				continue
			}
		}
		out = append(out, c)
		p.pos++
	}
	return NameObject(out), nil
}

func (p *Parser) parseLiteral() (*StringObject, error) {
	p.pos++
	var out []byte
	depth := 1
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		p.pos++
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return &StringObject{Value: out}, nil
			}
		case '\\':
			if p.pos >= len(p.data) {
				return nil, ErrUnexpectedEOF
			}
			e := p.data[p.pos]
			p.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\r':
				if p.pos < len(p.data) && p.data[p.pos] == '\n' {
					p.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && p.pos < len(p.data) && p.data[p.pos] >= '0' && p.data[p.pos] <= '7'; i++ {
						v = v*8 + int(p.data[p.pos]-'0')
						p.pos++
					}
					out = append(out, byte(v))
				} else {
					out = append(out, e)
				}
			}
			continue
		}
		out = append(out, c)
	}
	return nil, p.errorf(ErrUnexpectedEOF, "unterminated string")
}

func (p *Parser) parseHex() (*StringObject, error) {
	p.pos++
	end := bytes.IndexByte(p.data[p.pos:], '>')
	if end < 0 {
		return nil, p.errorf(ErrUnexpectedEOF, "unterminated hex string")
	}
	raw := p.data[p.pos : p.pos+end]
	p.pos += end + 1

	var digits []byte
	for _, c := range raw {
		if !isWhitespace(c) {
			digits = append(digits, c)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	for i := range out {
		v, err := strconv.ParseUint(string(digits[2*i:2*i+2]), 16, 8)
		if err != nil {
			return nil, p.errorf(ErrInvalidObject, "bad hex string")
		}
		out[i] = byte(v)
	}
	return &StringObject{Value: out, IsHex: true}, nil
}

func (p *Parser) parseArray() (ArrayObject, error) {
	p.pos++
	arr := ArrayObject{}
	for {
		p.SkipSpace()
		if p.pos >= len(p.data) {
			return nil, p.errorf(ErrUnexpectedEOF, "unterminated array")
		}
		if p.data[p.pos] == ']' {
			p.pos++
			return arr, nil
		}
		item, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		arr = append(arr, item)
	}
}

func (p *Parser) parseDictionary() (*DictionaryObject, error) {
	p.pos += 2
	dict := NewDictionary()
	for {
		p.SkipSpace()
		if p.pos+1 >= len(p.data) {
			return nil, p.errorf(ErrUnexpectedEOF, "unterminated dictionary")
		}
		if p.data[p.pos] == '>' && p.data[p.pos+1] == '>' {
			p.pos += 2
			return dict, nil
		}
		if p.data[p.pos] != '/' {
			return nil, p.errorf(ErrInvalidObject, "dictionary key is not a name")
		}
		key, _ := p.parseName()
		value, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		// A null value is equivalent to an absent key.
		if _, isNull := value.(NullObject); !isNull {
			dict.Set(string(key), value)
		}
	}
}

func (p *Parser) readNumber() (PdfObject, error) {
	start := p.pos
	if p.pos < len(p.data) && (p.data[p.pos] == '+' || p.data[p.pos] == '-') {
		p.pos++
	}
	isReal := false
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		if c == '.' && !isReal {
			isReal = true
		} else if c < '0' || c > '9' {
			break
		}
		p.pos++
	}
	tok := string(p.data[start:p.pos])
	if isReal {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, p.errorf(ErrInvalidObject, "bad number %q", tok)
		}
		return RealObject(f), nil
	}
	i, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return nil, p.errorf(ErrInvalidObject, "bad number %q", tok)
	}
	return IntegerObject(i), nil
}

// parseNumberOrReference looks ahead for "g R" after a non-negative integer.
func (p *Parser) parseNumberOrReference() (PdfObject, error) {
	first, err := p.readNumber()
	if err != nil {
		return nil, err
	}
	num, ok := first.(IntegerObject)
	if !ok || num < 0 {
		return first, nil
	}
	save := p.pos
	p.SkipSpace()
	if p.pos < len(p.data) && p.data[p.pos] >= '0' && p.data[p.pos] <= '9' {
		if gen, err := p.readNumber(); err == nil {
			if g, ok := gen.(IntegerObject); ok {
				p.SkipSpace()
				if p.pos < len(p.data) && p.data[p.pos] == 'R' &&
					(p.pos+1 == len(p.data) || !isRegular(p.data[p.pos+1])) {
					p.pos++
					return Reference{ObjectNumber: int(num), GenerationNumber: int(g)}, nil
				}
			}
		}
	}
	p.pos = save
	return num, nil
}

// ParseIndirectObject parses an object definition at the current offset.
func (p *Parser) ParseIndirectObject() (*IndirectObject, error) {
	p.SkipSpace()
	num, err := p.readNumber()
	if err != nil {
		return nil, err
	}
	p.SkipSpace()
	gen, err := p.readNumber()
	if err != nil {
		return nil, err
	}
	n, ok1 := num.(IntegerObject)
	g, ok2 := gen.(IntegerObject)
	if !ok1 || !ok2 {
		return nil, p.errorf(ErrInvalidObject, "bad object header")
	}
	if kw := p.Keyword(); kw != "obj" {
		return nil, p.errorf(ErrInvalidObject, "expected obj, got %q", kw)
	}

	obj, err := p.ParseObject()
	if err != nil {
		return nil, err
	}
	if dict, ok := obj.(*DictionaryObject); ok {
		save := p.pos
		p.SkipSpace()
		if bytes.HasPrefix(p.data[p.pos:], []byte("stream")) {
			p.pos += len("stream")
			data, err := p.streamData(dict)
			if err != nil {
				return nil, err
			}
			obj = &StreamObject{Dictionary: dict, Data: data}
		} else {
			p.pos = save
		}
	}

	save := p.pos
	if p.Keyword() != "endobj" {
		p.pos = save
	}
	return &IndirectObject{
		Reference: Reference{ObjectNumber: int(n), GenerationNumber: int(g)},
		Object:    obj,
	}, nil
}

func (p *Parser) streamData(dict *DictionaryObject) ([]byte, error) {
	if p.pos < len(p.data) && p.data[p.pos] == '\r' {
		p.pos++
	}
	if p.pos < len(p.data) && p.data[p.pos] == '\n' {
		p.pos++
	}
	start := p.pos

	length := int64(-1)
	switch v := dict.Get("Length").(type) {
	case IntegerObject:
		length = int64(v)
	case Reference:
		if p.ResolveLength != nil {
			if l, ok := p.ResolveLength(v); ok {
				length = l
			}
		}
	}
	if length >= 0 && start+int(length) <= len(p.data) {
		p.pos = start + int(length)
		p.SkipSpace()
		if bytes.HasPrefix(p.data[p.pos:], []byte("endstream")) {
			p.pos += len("endstream")
			return p.data[start : start+int(length)], nil
		}
	}

	idx := bytes.Index(p.data[start:], []byte("endstream"))
	if idx < 0 {
		return nil, fmt.Errorf("%w: missing endstream for stream at offset %d", ErrInvalidStream, start)
	}
	end := start + idx
	if end > start && p.data[end-1] == '\n' {
		end--
	}
	if end > start && p.data[end-1] == '\r' {
		end--
	}
	p.pos = start + idx + len("endstream")
	return p.data[start:end], nil
}
