package embed

import (
	"errors"
	"fmt"
	"sort"

	"github.com/georgepadayatti/docseal/pdf/generic"
	"github.com/georgepadayatti/docseal/pdf/reader"
)

const catalogKey = "DocSeal"

// Format identifies how evidence is carried.
type Format int

const (
	FormatPDF Format = iota + 1
	FormatEnvelope
)

func (f Format) String() string {
	switch f {
	case FormatPDF:
		return "pdf"
	case FormatEnvelope:
		return "envelope"
	}
	return "unknown"
}

// Span is a byte range [Start, End) of the document.
type Span struct {
	Start, End int64
}

// Revision is one cross-reference section of a PDF.
type Revision struct {
	Offset int64
	// Prev is the offset of the preceding section, or -1.
	Prev int64
}

// Evidence is everything Extract found in a document.
type Evidence struct {
	Format  Format
	Records []Record
	// Length is the total document length.
	Length int64

	// Revisions lists PDF xref sections in file order.
	Revisions []Revision
	// Envelopes lists the envelope spans in file order.
	Envelopes []Span
}

type pdfRecord struct {
	raw    generic.PdfObject
	record *Record
}

// pdfRecords reads the records referenced from catalog. A catalog without
// evidence yields no records.
func pdfRecords(r *reader.PdfFileReader, catalog *generic.DictionaryObject) ([]pdfRecord, error) {
	if catalog.Get(catalogKey) == nil {
		return nil, nil
	}
	evidence, err := r.ResolveDict(catalog.Get(catalogKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvidence, err)
	}
	if evidence.GetName("Type") != "DocSealEvidence" {
		return nil, fmt.Errorf("%w: unexpected /Type %q", ErrMalformedEvidence, evidence.GetName("Type"))
	}
	if v, _ := evidence.GetInt("V"); v != RecordVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	arrObj, err := r.Resolve(evidence.Get("Records"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvidence, err)
	}
	arr, ok := arrObj.(generic.ArrayObject)
	if !ok {
		return nil, fmt.Errorf("%w: /Records is %s", ErrMalformedEvidence, generic.TypeName(arrObj))
	}
	out := make([]pdfRecord, 0, len(arr))
	for i, item := range arr {
		d, err := r.ResolveDict(item)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rec, err := recordFromDictionary(d)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, pdfRecord{raw: item, record: rec})
	}
	return out, nil
}

// Extract reads the evidence carried by document. ErrNoEvidence is returned
// when the document was never signed; other errors mean evidence is present
// but unreadable.
func Extract(document []byte) (*Evidence, error) {
	if reader.IsPDF(document) {
		return extractPDF(document)
	}
	return extractEnvelopes(document)
}

func extractPDF(document []byte) (*Evidence, error) {
	r, err := reader.NewPdfFileReaderFromBytes(document)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvidence, err)
	}
	catalog, _, err := r.Catalog()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvidence, err)
	}
	records, err := pdfRecords(r, catalog)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoEvidence
	}

	ev := &Evidence{Format: FormatPDF, Length: int64(len(document))}
	for _, p := range records {
		ev.Records = append(ev.Records, *p.record)
	}
	for _, s := range r.Sections() {
		ev.Revisions = append(ev.Revisions, Revision{Offset: s.Offset, Prev: s.Prev})
	}
	sort.Slice(ev.Revisions, func(i, j int) bool { return ev.Revisions[i].Offset < ev.Revisions[j].Offset })
	return ev, nil
}

// Records returns the records in document, or nil when there are none.
func Records(document []byte) ([]Record, error) {
	ev, err := Extract(document)
	if errors.Is(err, ErrNoEvidence) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev.Records, nil
}
