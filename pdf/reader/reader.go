// Package reader parses PDF files held in memory: the revision chain of
// cross-reference sections, indirect objects and the page tree.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/georgepadayatti/docseal/pdf/generic"
)

// Common errors
var (
	ErrNotPDF        = errors.New("not a PDF file")
	ErrInvalidXRef   = errors.New("invalid cross-reference data")
	ErrInvalidObject = errors.New("invalid object")
	ErrObjectMissing = errors.New("object not found")
	ErrEncrypted     = errors.New("encrypted PDF files are not supported")
	ErrNoPages       = errors.New("document has no pages")
)

const maxSections = 1024

// PdfFileReader gives read access to a PDF file.
type PdfFileReader struct {
	data    []byte
	version string

	// sections are ordered newest first.
	sections []*XRefSection
	entries  map[int]XRefEntry
	trailer  *generic.DictionaryObject

	cache      map[int]generic.PdfObject
	objStreams map[int]*objectStream
	resolving  map[int]bool
	pages      []Page
}

// Page is a leaf of the page tree.
type Page struct {
	Reference  generic.Reference
	Dictionary *generic.DictionaryObject
}

// IsPDF reports whether data starts with a PDF header.
func IsPDF(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, []byte("%PDF-"))
}

// NewPdfFileReaderFromBytes parses data. The slice is retained and must not
// be modified.
func NewPdfFileReaderFromBytes(data []byte) (*PdfFileReader, error) {
	if !IsPDF(data) {
		return nil, ErrNotPDF
	}
	r := &PdfFileReader{
		data:       data,
		entries:    make(map[int]XRefEntry),
		cache:      make(map[int]generic.PdfObject),
		objStreams: make(map[int]*objectStream),
		resolving:  make(map[int]bool),
	}
	if i := bytes.Index(data, []byte("%PDF-")); i >= 0 && i+8 <= len(data) {
		r.version = string(data[i+5 : i+8])
	}
	if err := r.loadXRefChain(); err != nil {
		return nil, err
	}
	if r.trailer.Has("Encrypt") {
		return nil, ErrEncrypted
	}
	return r, nil
}

// StartXRef returns the offset named by the last startxref keyword.
func StartXRef(data []byte) (int64, error) {
	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return 0, fmt.Errorf("%w: startxref not found", ErrInvalidXRef)
	}
	p := generic.NewParser(data)
	p.Seek(idx + len("startxref"))
	off, err := strconv.ParseInt(p.Keyword(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad startxref value", ErrInvalidXRef)
	}
	return off, nil
}

func (r *PdfFileReader) loadXRefChain() error {
	offset, err := StartXRef(r.data)
	if err != nil {
		return err
	}
	seen := make(map[int64]bool)
	for offset >= 0 {
		if seen[offset] || len(r.sections) >= maxSections {
			return fmt.Errorf("%w: cycle in /Prev chain", ErrInvalidXRef)
		}
		seen[offset] = true
		section, err := r.parseXRefSection(offset)
		if err != nil {
			return err
		}
		r.sections = append(r.sections, section)
		for num, entry := range section.Entries {
			if _, newer := r.entries[num]; !newer {
				r.entries[num] = entry
			}
		}
		offset = section.Prev
	}
	r.trailer = r.sections[0].Trailer
	return nil
}

// Data returns the underlying bytes.
func (r *PdfFileReader) Data() []byte { return r.data }

// Version returns the header version, e.g. "1.7".
func (r *PdfFileReader) Version() string { return r.version }

// Trailer returns the newest trailer dictionary.
func (r *PdfFileReader) Trailer() *generic.DictionaryObject { return r.trailer }

// Sections returns the cross-reference sections, newest first.
func (r *PdfFileReader) Sections() []*XRefSection { return r.sections }

// LastXRefOffset returns the offset of the newest section.
func (r *PdfFileReader) LastXRefOffset() int64 { return r.sections[0].Offset }

// UsesXRefStream reports whether the newest section is an xref stream.
func (r *PdfFileReader) UsesXRefStream() bool { return r.sections[0].Stream }

// Size returns the trailer /Size, or one past the highest known object number.
func (r *PdfFileReader) Size() int {
	size, _ := r.trailer.GetInt("Size")
	for num := range r.entries {
		if num+1 > int(size) {
			size = int64(num + 1)
		}
	}
	return int(size)
}

// GetObject loads object num, following object streams.
func (r *PdfFileReader) GetObject(num int) (generic.PdfObject, error) {
	if obj, ok := r.cache[num]; ok {
		return obj, nil
	}
	entry, ok := r.entries[num]
	if !ok || entry.Kind == EntryFree {
		return nil, fmt.Errorf("%w: %d", ErrObjectMissing, num)
	}
	if r.resolving[num] {
		return nil, fmt.Errorf("%w: reference cycle at object %d", ErrInvalidObject, num)
	}
	r.resolving[num] = true
	defer delete(r.resolving, num)

	var obj generic.PdfObject
	var err error
	switch entry.Kind {
	case EntryInUse:
		obj, err = r.objectAt(num, entry.Offset)
	case EntryCompressed:
		obj, err = r.compressedObject(entry)
	}
	if err != nil {
		return nil, err
	}
	r.cache[num] = obj
	return obj, nil
}

func (r *PdfFileReader) objectAt(num int, offset int64) (generic.PdfObject, error) {
	if offset < 0 || offset >= int64(len(r.data)) {
		return nil, fmt.Errorf("%w: object %d offset %d out of range", ErrInvalidObject, num, offset)
	}
	p := generic.NewParser(r.data)
	p.Seek(int(offset))
	p.ResolveLength = r.resolveLength
	ind, err := p.ParseIndirectObject()
	if err != nil {
		return nil, fmt.Errorf("object %d: %w", num, err)
	}
	if ind.ObjectNumber != num {
		return nil, fmt.Errorf("%w: offset %d holds object %d, expected %d", ErrInvalidObject, offset, ind.ObjectNumber, num)
	}
	return ind.Object, nil
}

func (r *PdfFileReader) resolveLength(ref generic.Reference) (int64, bool) {
	obj, err := r.GetObject(ref.ObjectNumber)
	if err != nil {
		return 0, false
	}
	n, ok := obj.(generic.IntegerObject)
	return int64(n), ok
}

func (r *PdfFileReader) compressedObject(entry XRefEntry) (generic.PdfObject, error) {
	os, ok := r.objStreams[entry.StreamNumber]
	if !ok {
		obj, err := r.GetObject(entry.StreamNumber)
		if err != nil {
			return nil, err
		}
		stream, isStream := obj.(*generic.StreamObject)
		if !isStream {
			return nil, fmt.Errorf("%w: object %d is not a stream", ErrInvalidObject, entry.StreamNumber)
		}
		if os, err = parseObjectStream(stream); err != nil {
			return nil, err
		}
		r.objStreams[entry.StreamNumber] = os
	}
	return os.object(entry.Index)
}

// Resolve follows references until a direct object is reached. Missing
// objects resolve to null.
func (r *PdfFileReader) Resolve(obj generic.PdfObject) (generic.PdfObject, error) {
	for i := 0; i < 32; i++ {
		ref, ok := obj.(generic.Reference)
		if !ok {
			return obj, nil
		}
		next, err := r.GetObject(ref.ObjectNumber)
		if errors.Is(err, ErrObjectMissing) {
			return generic.NullObject{}, nil
		}
		if err != nil {
			return nil, err
		}
		obj = next
	}
	return nil, fmt.Errorf("%w: reference chain too long", ErrInvalidObject)
}

// ResolveDict resolves obj and requires a dictionary. A stream's dictionary
// is returned for streams.
func (r *PdfFileReader) ResolveDict(obj generic.PdfObject) (*generic.DictionaryObject, error) {
	v, err := r.Resolve(obj)
	if err != nil {
		return nil, err
	}
	switch d := v.(type) {
	case *generic.DictionaryObject:
		return d, nil
	case *generic.StreamObject:
		return d.Dictionary, nil
	}
	return nil, fmt.Errorf("%w: expected dictionary, got %s", ErrInvalidObject, generic.TypeName(v))
}

// Catalog returns the document catalog and its reference.
func (r *PdfFileReader) Catalog() (*generic.DictionaryObject, generic.Reference, error) {
	ref, ok := r.trailer.Get("Root").(generic.Reference)
	if !ok {
		return nil, generic.Reference{}, fmt.Errorf("%w: trailer has no /Root reference", ErrInvalidObject)
	}
	dict, err := r.ResolveDict(ref)
	if err != nil {
		return nil, ref, fmt.Errorf("catalog: %w", err)
	}
	return dict, ref, nil
}

// Info returns the document information dictionary, or nil when absent. The
// reference is nil when the dictionary is direct or absent.
func (r *PdfFileReader) Info() (*generic.DictionaryObject, *generic.Reference, error) {
	switch v := r.trailer.Get("Info").(type) {
	case nil:
		return nil, nil, nil
	case generic.Reference:
		dict, err := r.ResolveDict(v)
		if err != nil {
			return nil, nil, fmt.Errorf("info: %w", err)
		}
		return dict, &v, nil
	case *generic.DictionaryObject:
		return v, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: /Info is %s", ErrInvalidObject, generic.TypeName(v))
	}
}
