package reader

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"testing"

	"github.com/georgepadayatti/docseal/pdf/generic"
)

// buildPDF lays out objects (1-based) and a classic xref table.
func buildPDF(objects []string, trailerExtra string) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<</Size %d /Root 1 0 R%s>>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, trailerExtra, xref)
	return buf.Bytes()
}

func simpleObjects(pages int) []string {
	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", 3+i)
	}
	objs := []string{
		"<</Type /Catalog /Pages 2 0 R>>",
		fmt.Sprintf("<</Type /Pages /Kids [%s] /Count %d /MediaBox [0 0 595 842]>>", kids, pages),
	}
	for i := 0; i < pages; i++ {
		objs = append(objs, "<</Type /Page /Parent 2 0 R>>")
	}
	return objs
}

func TestNewPdfFileReader_ClassicXRef(t *testing.T) {
	objs := append(simpleObjects(2), "<</Title (Award)>>")
	data := buildPDF(objs, " /Info 5 0 R")

	r, err := NewPdfFileReaderFromBytes(data)
	if err != nil {
		t.Fatalf("NewPdfFileReaderFromBytes failed: %v", err)
	}
	if r.Version() != "1.7" {
		t.Errorf("Version = %q", r.Version())
	}
	if r.UsesXRefStream() {
		t.Error("expected classic xref table")
	}
	if r.Size() != 6 {
		t.Errorf("Size = %d, want 6", r.Size())
	}

	catalog, ref, err := r.Catalog()
	if err != nil {
		t.Fatalf("Catalog failed: %v", err)
	}
	if ref.ObjectNumber != 1 || catalog.GetName("Type") != "Catalog" {
		t.Errorf("catalog = %v %s", ref, generic.Serialize(catalog))
	}

	info, infoRef, err := r.Info()
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if infoRef == nil || infoRef.ObjectNumber != 5 || info.GetString("Title") != "Award" {
		t.Errorf("info = %v %s", infoRef, generic.Serialize(info))
	}

	pages, err := r.Pages()
	if err != nil {
		t.Fatalf("Pages failed: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2", len(pages))
	}
	last, _ := r.LastPage()
	if last.Reference.ObjectNumber != 4 {
		t.Errorf("last page = %v", last.Reference)
	}
	box := r.MediaBox(last.Dictionary)
	if box.Width() != 595 || box.Height() != 842 {
		t.Errorf("inherited MediaBox = %+v", box)
	}
}

func TestNewPdfFileReader_IncrementalUpdate(t *testing.T) {
	base := buildPDF(simpleObjects(1), "")
	firstXRef, err := StartXRef(base)
	if err != nil {
		t.Fatalf("StartXRef failed: %v", err)
	}

	var buf bytes.Buffer
	buf.Write(base)
	infoOff := buf.Len()
	buf.WriteString("4 0 obj\n<</Title (Revised)>>\nendobj\n")
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n4 1\n%010d 00000 n \ntrailer\n<</Size 5 /Root 1 0 R /Info 4 0 R /Prev %d>>\nstartxref\n%d\n%%%%EOF\n", infoOff, firstXRef, xref)

	r, err := NewPdfFileReaderFromBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("NewPdfFileReaderFromBytes failed: %v", err)
	}
	sections := r.Sections()
	if len(sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(sections))
	}
	if sections[0].Offset != int64(xref) || sections[0].Prev != firstXRef || sections[1].Prev != -1 {
		t.Errorf("sections = %+v %+v", sections[0], sections[1])
	}
	info, _, err := r.Info()
	if err != nil || info.GetString("Title") != "Revised" {
		t.Errorf("info = %v, %v", info, err)
	}
	// Objects from the original revision stay reachable.
	if _, err := r.LastPage(); err != nil {
		t.Errorf("LastPage failed: %v", err)
	}
}

func TestNewPdfFileReader_XRefStream(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")
	objs := simpleObjects(1)
	offsets := make([]int, len(objs))
	for i, body := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xrefOff := buf.Len()

	var rows bytes.Buffer
	rows.Write([]byte{0, 0, 0, 0xff})
	for _, off := range append(offsets, xrefOff) {
		rows.Write([]byte{1, byte(off >> 8), byte(off), 0})
	}
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	zw.Write(rows.Bytes())
	zw.Close()

	fmt.Fprintf(&buf, "4 0 obj\n<</Type /XRef /Size 5 /W [1 2 1] /Root 1 0 R /Filter /FlateDecode /Length %d>>\nstream\n", z.Len())
	buf.Write(z.Bytes())
	fmt.Fprintf(&buf, "\nendstream\nendobj\nstartxref\n%d\n%%%%EOF\n", xrefOff)

	r, err := NewPdfFileReaderFromBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("NewPdfFileReaderFromBytes failed: %v", err)
	}
	if !r.UsesXRefStream() {
		t.Error("expected xref stream")
	}
	pages, err := r.Pages()
	if err != nil || len(pages) != 1 {
		t.Fatalf("Pages = %v, %v", pages, err)
	}
	if box := r.MediaBox(pages[0].Dictionary); box.Width() != 595 {
		t.Errorf("MediaBox = %+v", box)
	}
}

func TestNewPdfFileReader_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"not pdf", []byte("hello world"), ErrNotPDF},
		{"no startxref", []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n"), ErrInvalidXRef},
		{"bad offset", []byte("%PDF-1.4\nstartxref\n99999\n%%EOF\n"), ErrInvalidXRef},
		{"encrypted", buildPDF(simpleObjects(1), " /Encrypt <</Filter /Standard>>"), ErrEncrypted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPdfFileReaderFromBytes(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPrevCycle(t *testing.T) {
	data := buildPDF(simpleObjects(1), "")
	xref, _ := StartXRef(data)
	cyclic := bytes.Replace(data, []byte("/Root 1 0 R>>"), []byte(fmt.Sprintf("/Root 1 0 R /Prev %d>>", xref)), 1)
	if _, err := NewPdfFileReaderFromBytes(cyclic); !errors.Is(err, ErrInvalidXRef) {
		t.Errorf("expected ErrInvalidXRef, got %v", err)
	}
}

func TestMediaBoxDefault(t *testing.T) {
	objs := []string{
		"<</Type /Catalog /Pages 2 0 R>>",
		"<</Type /Pages /Kids [3 0 R] /Count 1>>",
		"<</Type /Page /Parent 2 0 R>>",
	}
	r, err := NewPdfFileReaderFromBytes(buildPDF(objs, ""))
	if err != nil {
		t.Fatalf("NewPdfFileReaderFromBytes failed: %v", err)
	}
	page, err := r.LastPage()
	if err != nil {
		t.Fatalf("LastPage failed: %v", err)
	}
	if box := r.MediaBox(page.Dictionary); box != LetterMediaBox {
		t.Errorf("MediaBox = %+v, want letter", box)
	}
}
