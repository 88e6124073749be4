// Package generic models PDF objects and their serialization.
package generic

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/georgepadayatti/docseal/pdf/filters"
)

// PdfObject is implemented by every PDF object type in this package.
type PdfObject interface {
	isPdfObject()
}

// Reference is an indirect reference "n g R".
type Reference struct {
	ObjectNumber     int
	GenerationNumber int
}

func (r Reference) String() string {
	return fmt.Sprintf("%d %d R", r.ObjectNumber, r.GenerationNumber)
}

// NullObject is the PDF null.
type NullObject struct{}

// BooleanObject is a PDF boolean.
type BooleanObject bool

// IntegerObject is a PDF integer.
type IntegerObject int64

// RealObject is a PDF real number.
type RealObject float64

// NameObject is a PDF name without the leading slash.
type NameObject string

// StringObject is a literal or hexadecimal PDF string.
type StringObject struct {
	Value []byte
	IsHex bool
}

// ArrayObject is a PDF array.
type ArrayObject []PdfObject

// DictionaryObject is a PDF dictionary that keeps insertion order.
type DictionaryObject struct {
	keys    []string
	entries map[string]PdfObject
}

// StreamObject is a dictionary followed by raw, still encoded, data.
type StreamObject struct {
	Dictionary *DictionaryObject
	Data       []byte
}

func (Reference) isPdfObject()         {}
func (NullObject) isPdfObject()        {}
func (BooleanObject) isPdfObject()     {}
func (IntegerObject) isPdfObject()     {}
func (RealObject) isPdfObject()        {}
func (NameObject) isPdfObject()        {}
func (*StringObject) isPdfObject()     {}
func (ArrayObject) isPdfObject()       {}
func (*DictionaryObject) isPdfObject() {}
func (*StreamObject) isPdfObject()     {}

// NewDictionary creates an empty dictionary.
func NewDictionary() *DictionaryObject {
	return &DictionaryObject{entries: make(map[string]PdfObject)}
}

// Set stores value under key, keeping the key's original position if present.
func (d *DictionaryObject) Set(key string, value PdfObject) {
	if _, ok := d.entries[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.entries[key] = value
}

// Get returns the raw value for key or nil.
func (d *DictionaryObject) Get(key string) PdfObject {
	if d == nil {
		return nil
	}
	return d.entries[key]
}

// Has reports whether key is present.
func (d *DictionaryObject) Has(key string) bool {
	if d == nil {
		return false
	}
	_, ok := d.entries[key]
	return ok
}

// Delete removes key.
func (d *DictionaryObject) Delete(key string) {
	if _, ok := d.entries[key]; !ok {
		return
	}
	delete(d.entries, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (d *DictionaryObject) Keys() []string {
	return append([]string(nil), d.keys...)
}

// Len returns the number of entries.
func (d *DictionaryObject) Len() int {
	return len(d.keys)
}

// GetName returns the name stored under key, or "".
func (d *DictionaryObject) GetName(key string) string {
	if n, ok := d.Get(key).(NameObject); ok {
		return string(n)
	}
	return ""
}

// GetInt returns the integer stored under key.
func (d *DictionaryObject) GetInt(key string) (int64, bool) {
	i, ok := d.Get(key).(IntegerObject)
	return int64(i), ok
}

// GetArray returns the array stored under key, without resolving references.
func (d *DictionaryObject) GetArray(key string) ArrayObject {
	a, _ := d.Get(key).(ArrayObject)
	return a
}

// GetDict returns the dictionary stored directly under key.
func (d *DictionaryObject) GetDict(key string) *DictionaryObject {
	v, _ := d.Get(key).(*DictionaryObject)
	return v
}

// GetString returns the decoded text of the string stored under key.
func (d *DictionaryObject) GetString(key string) string {
	if s, ok := d.Get(key).(*StringObject); ok {
		return s.Text()
	}
	return ""
}

// Copy returns a shallow copy. Values are shared.
func (d *DictionaryObject) Copy() *DictionaryObject {
	out := NewDictionary()
	for _, k := range d.keys {
		out.Set(k, d.entries[k])
	}
	return out
}

// NewLiteralString creates a literal string from raw bytes.
func NewLiteralString(s string) *StringObject {
	return &StringObject{Value: []byte(s)}
}

// NewHexString creates a hexadecimal string.
func NewHexString(data []byte) *StringObject {
	return &StringObject{Value: data, IsHex: true}
}

var utf16BOM = unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM)

// NewTextString encodes s as a PDF text string: PDFDocEncoding when every
// rune is Latin-1, UTF-16BE with a byte order mark otherwise.
func NewTextString(s string) *StringObject {
	if latin1, err := charmap.ISO8859_1.NewEncoder().String(s); err == nil && !hasC1Controls(s) {
		return &StringObject{Value: []byte(latin1)}
	}
	enc, err := utf16BOM.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return &StringObject{Value: []byte(s)}
	}
	return &StringObject{Value: enc}
}

// hasC1Controls reports runes in U+0080..U+009F, which PDFDocEncoding
// reassigns.
func hasC1Controls(s string) bool {
	for _, r := range s {
		if r >= 0x80 && r <= 0x9f {
			return true
		}
	}
	return false
}

// Text decodes the string as a PDF text string.
func (s *StringObject) Text() string {
	v := s.Value
	switch {
	case bytes.HasPrefix(v, []byte{0xFE, 0xFF}):
		out, err := utf16BOM.NewDecoder().Bytes(v)
		if err == nil {
			return string(out)
		}
	case bytes.HasPrefix(v, []byte{0xEF, 0xBB, 0xBF}) && utf8.Valid(v[3:]):
		return string(v[3:])
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(v)
	if err != nil {
		return string(v)
	}
	return string(out)
}

// NewStream creates a stream with unencoded data.
func NewStream(dict *DictionaryObject, data []byte) *StreamObject {
	if dict == nil {
		dict = NewDictionary()
	}
	return &StreamObject{Dictionary: dict, Data: data}
}

// NewFlateStream creates a FlateDecode stream holding data.
func NewFlateStream(dict *DictionaryObject, data []byte) (*StreamObject, error) {
	enc, err := filters.Flate(data)
	if err != nil {
		return nil, fmt.Errorf("failed to compress stream: %w", err)
	}
	s := NewStream(dict, enc)
	s.Dictionary.Set("Filter", NameObject(filters.FlateDecode))
	return s, nil
}

// Decode returns the stream data with all filters removed.
func (s *StreamObject) Decode() ([]byte, error) {
	var names []string
	switch f := s.Dictionary.Get("Filter").(type) {
	case nil:
		return s.Data, nil
	case NameObject:
		names = []string{string(f)}
	case ArrayObject:
		for _, item := range f {
			n, ok := item.(NameObject)
			if !ok {
				return nil, fmt.Errorf("%w: filter entry %T", filters.ErrUnsupportedFilter, item)
			}
			names = append(names, string(n))
		}
	default:
		return nil, fmt.Errorf("%w: filter %T", filters.ErrUnsupportedFilter, f)
	}

	var params []filters.Params
	switch p := s.Dictionary.Get("DecodeParms").(type) {
	case *DictionaryObject:
		params = []filters.Params{decodeParams(p)}
	case ArrayObject:
		for _, item := range p {
			d, _ := item.(*DictionaryObject)
			params = append(params, decodeParams(d))
		}
	}
	return filters.DecodeChain(s.Data, names, params)
}

func decodeParams(d *DictionaryObject) filters.Params {
	if d == nil {
		return filters.Params{}
	}
	get := func(key string) int {
		v, _ := d.GetInt(key)
		return int(v)
	}
	return filters.Params{
		Predictor:        get("Predictor"),
		Colors:           get("Colors"),
		BitsPerComponent: get("BitsPerComponent"),
		Columns:          get("Columns"),
	}
}

// Rectangle is a PDF rectangle normalized so that LL is the lower-left corner.
type Rectangle struct {
	LLX, LLY float64
	URX, URY float64
}

// RectangleFromArray reads a four-number array.
func RectangleFromArray(arr ArrayObject) (Rectangle, error) {
	if len(arr) != 4 {
		return Rectangle{}, fmt.Errorf("rectangle must have 4 elements, got %d", len(arr))
	}
	var v [4]float64
	for i, item := range arr {
		n, ok := Number(item)
		if !ok {
			return Rectangle{}, fmt.Errorf("rectangle element %d is %T", i, item)
		}
		v[i] = n
	}
	r := Rectangle{LLX: v[0], LLY: v[1], URX: v[2], URY: v[3]}
	if r.LLX > r.URX {
		r.LLX, r.URX = r.URX, r.LLX
	}
	if r.LLY > r.URY {
		r.LLY, r.URY = r.URY, r.LLY
	}
	return r, nil
}

// Width returns the rectangle width.
func (r Rectangle) Width() float64 { return r.URX - r.LLX }

// Height returns the rectangle height.
func (r Rectangle) Height() float64 { return r.URY - r.LLY }

// Number converts an integer or real object to float64.
func Number(obj PdfObject) (float64, bool) {
	switch v := obj.(type) {
	case IntegerObject:
		return float64(v), true
	case RealObject:
		return float64(v), true
	}
	return 0, false
}

// TypeName returns a short description of obj for error messages.
func TypeName(obj PdfObject) string {
	if obj == nil {
		return "missing"
	}
	name := strings.TrimPrefix(fmt.Sprintf("%T", obj), "*")
	return strings.TrimSuffix(strings.TrimPrefix(name, "generic."), "Object")
}
