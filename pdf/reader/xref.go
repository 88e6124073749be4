package reader

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/georgepadayatti/docseal/pdf/generic"
)

// EntryKind distinguishes cross-reference entry types.
type EntryKind int

const (
	EntryFree EntryKind = iota
	EntryInUse
	EntryCompressed
)

// XRefEntry locates one object.
type XRefEntry struct {
	Kind       EntryKind
	Offset     int64
	Generation int

	// StreamNumber and Index locate compressed objects.
	StreamNumber int
	Index        int
}

// XRefSection is one cross-reference section and its trailer.
type XRefSection struct {
	// Offset is the byte position of the "xref" keyword or xref stream object.
	Offset int64
	// Prev is the offset of the previous section, or -1.
	Prev    int64
	Stream  bool
	Trailer *generic.DictionaryObject
	Entries map[int]XRefEntry
}

func (r *PdfFileReader) parseXRefSection(offset int64) (*XRefSection, error) {
	if offset < 0 || offset >= int64(len(r.data)) {
		return nil, fmt.Errorf("%w: xref offset %d out of range", ErrInvalidXRef, offset)
	}
	p := generic.NewParser(r.data)
	p.Seek(int(offset))
	p.SkipSpace()
	if bytes.HasPrefix(r.data[p.Pos():], []byte("xref")) {
		return r.parseXRefTable(p, offset)
	}
	return r.parseXRefStream(p, offset)
}

func (r *PdfFileReader) parseXRefTable(p *generic.Parser, offset int64) (*XRefSection, error) {
	p.Keyword()
	section := &XRefSection{Offset: offset, Prev: -1, Entries: make(map[int]XRefEntry)}
	for {
		save := p.Pos()
		kw := p.Keyword()
		if kw == "trailer" {
			break
		}
		start, err := strconv.Atoi(kw)
		if err != nil {
			p.Seek(save)
			return nil, fmt.Errorf("%w: bad subsection header %q", ErrInvalidXRef, kw)
		}
		count, err := strconv.Atoi(p.Keyword())
		if err != nil || count < 0 {
			return nil, fmt.Errorf("%w: bad subsection count", ErrInvalidXRef)
		}
		for i := 0; i < count; i++ {
			field1, field2, kind := p.Keyword(), p.Keyword(), p.Keyword()
			off, err1 := strconv.ParseInt(field1, 10, 64)
			gen, err2 := strconv.Atoi(field2)
			if err1 != nil || err2 != nil || (kind != "n" && kind != "f") {
				return nil, fmt.Errorf("%w: bad entry for object %d", ErrInvalidXRef, start+i)
			}
			entry := XRefEntry{Kind: EntryFree, Generation: gen}
			if kind == "n" {
				entry.Kind = EntryInUse
				entry.Offset = off
			}
			section.Entries[start+i] = entry
		}
	}

	obj, err := p.ParseObject()
	if err != nil {
		return nil, fmt.Errorf("%w: trailer: %v", ErrInvalidXRef, err)
	}
	trailer, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("%w: trailer is %s", ErrInvalidXRef, generic.TypeName(obj))
	}
	section.Trailer = trailer
	if prev, ok := trailer.GetInt("Prev"); ok {
		section.Prev = prev
	}

	// Hybrid-reference files keep additional entries in an xref stream.
	if stm, ok := trailer.GetInt("XRefStm"); ok {
		hybrid, err := r.parseXRefSection(stm)
		if err != nil {
			return nil, fmt.Errorf("XRefStm: %w", err)
		}
		for num, entry := range hybrid.Entries {
			if _, exists := section.Entries[num]; !exists {
				section.Entries[num] = entry
			}
		}
	}
	return section, nil
}

func (r *PdfFileReader) parseXRefStream(p *generic.Parser, offset int64) (*XRefSection, error) {
	ind, err := p.ParseIndirectObject()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidXRef, err)
	}
	stream, ok := ind.Object.(*generic.StreamObject)
	if !ok || stream.Dictionary.GetName("Type") != "XRef" {
		return nil, fmt.Errorf("%w: no xref at offset %d", ErrInvalidXRef, offset)
	}
	dict := stream.Dictionary

	widths := dict.GetArray("W")
	if len(widths) != 3 {
		return nil, fmt.Errorf("%w: /W must have 3 entries", ErrInvalidXRef)
	}
	var w [3]int
	for i, item := range widths {
		v, ok := item.(generic.IntegerObject)
		if !ok || v < 0 || v > 8 {
			return nil, fmt.Errorf("%w: bad /W", ErrInvalidXRef)
		}
		w[i] = int(v)
	}

	size, _ := dict.GetInt("Size")
	index := dict.GetArray("Index")
	if index == nil {
		index = generic.ArrayObject{generic.IntegerObject(0), generic.IntegerObject(size)}
	}
	if len(index)%2 != 0 {
		return nil, fmt.Errorf("%w: odd /Index", ErrInvalidXRef)
	}

	data, err := stream.Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidXRef, err)
	}

	section := &XRefSection{Offset: offset, Prev: -1, Stream: true, Trailer: dict, Entries: make(map[int]XRefEntry)}
	if prev, ok := dict.GetInt("Prev"); ok {
		section.Prev = prev
	}

	rowLen := w[0] + w[1] + w[2]
	pos := 0
	for i := 0; i < len(index); i += 2 {
		start, ok1 := index[i].(generic.IntegerObject)
		count, ok2 := index[i+1].(generic.IntegerObject)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: bad /Index", ErrInvalidXRef)
		}
		for j := 0; j < int(count); j++ {
			if pos+rowLen > len(data) {
				return nil, fmt.Errorf("%w: xref stream truncated", ErrInvalidXRef)
			}
			row := data[pos : pos+rowLen]
			pos += rowLen

			kind := int64(1)
			if w[0] > 0 {
				kind = readField(row[:w[0]])
			}
			f2 := readField(row[w[0] : w[0]+w[1]])
			f3 := readField(row[w[0]+w[1]:])

			num := int(start) + j
			switch kind {
			case 0:
				section.Entries[num] = XRefEntry{Kind: EntryFree, Generation: int(f3)}
			case 1:
				section.Entries[num] = XRefEntry{Kind: EntryInUse, Offset: f2, Generation: int(f3)}
			case 2:
				section.Entries[num] = XRefEntry{Kind: EntryCompressed, StreamNumber: int(f2), Index: int(f3)}
			}
		}
	}
	return section, nil
}

func readField(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

// objectStream is a decoded /Type /ObjStm.
type objectStream struct {
	data    []byte
	first   int
	offsets []int
}

func parseObjectStream(stream *generic.StreamObject) (*objectStream, error) {
	if stream.Dictionary.GetName("Type") != "ObjStm" {
		return nil, fmt.Errorf("%w: not an object stream", ErrInvalidObject)
	}
	n, _ := stream.Dictionary.GetInt("N")
	first, _ := stream.Dictionary.GetInt("First")
	data, err := stream.Decode()
	if err != nil {
		return nil, err
	}
	if first < 0 || int(first) > len(data) {
		return nil, fmt.Errorf("%w: bad /First", ErrInvalidObject)
	}

	p := generic.NewParser(data[:first])
	os := &objectStream{data: data, first: int(first)}
	for i := 0; i < int(n); i++ {
		p.Keyword()
		off, err := strconv.Atoi(p.Keyword())
		if err != nil {
			return nil, fmt.Errorf("%w: object stream header", ErrInvalidObject)
		}
		os.offsets = append(os.offsets, off)
	}
	return os, nil
}

func (os *objectStream) object(index int) (generic.PdfObject, error) {
	if index < 0 || index >= len(os.offsets) {
		return nil, fmt.Errorf("%w: index %d outside object stream", ErrInvalidObject, index)
	}
	p := generic.NewParser(os.data)
	p.Seek(os.first + os.offsets[index])
	return p.ParseObject()
}
