// Package pdftest builds small PDF files for tests.
package pdftest

import (
	"bytes"
	"compress/zlib"
	"fmt"
)

// Options control the generated document.
type Options struct {
	Pages int
	// XRefStream writes a cross-reference stream instead of a table.
	XRefStream bool
	Title      string
	// MediaBox is "llx lly urx ury"; empty selects A4.
	MediaBox string
}

// Minimal returns a one-page PDF with a classic xref table.
func Minimal() []byte {
	return Build(Options{Pages: 1, Title: "Award"})
}

// Build returns a PDF with opts.Pages pages, each carrying a short content
// stream.
func Build(opts Options) []byte {
	if opts.Pages < 1 {
		opts.Pages = 1
	}
	if opts.MediaBox == "" {
		opts.MediaBox = "0 0 595 842"
	}

	// 1 catalog, 2 pages, 3 info, then page/content pairs.
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"",
		fmt.Sprintf("<< /Title (%s) /Producer (pdftest) >>", opts.Title),
	}
	var kids bytes.Buffer
	for i := 0; i < opts.Pages; i++ {
		pageNum := len(objs) + 1
		fmt.Fprintf(&kids, "%d 0 R ", pageNum)
		content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (Page %d) Tj ET", i+1)
		objs = append(objs,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /Contents %d 0 R >>", pageNum+1),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}
	objs[1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d /MediaBox [%s] /Resources << /Font << /F1 << /Type /Font /Subtype /Type1 /BaseFont /Times-Roman >> >> >> >>",
		bytes.TrimSpace(kids.Bytes()), opts.Pages, opts.MediaBox)

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")
	offsets := make([]int, len(objs))
	for i, body := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	size := len(objs) + 1
	if !opts.XRefStream {
		fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", size)
		for _, off := range offsets {
			fmt.Fprintf(&buf, "%010d 00000 n \n", off)
		}
		fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R /Info 3 0 R >>\nstartxref\n%d\n%%%%EOF\n", size, xref)
		return buf.Bytes()
	}

	// The xref stream is object number size and lists itself.
	var rows bytes.Buffer
	rows.Write([]byte{0, 0, 0, 0, 0, 0xff})
	for _, off := range append(offsets, xref) {
		rows.Write([]byte{1, byte(off >> 24), byte(off >> 16), byte(off >> 8), byte(off), 0})
	}
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	zw.Write(rows.Bytes())
	zw.Close()
	fmt.Fprintf(&buf, "%d 0 obj\n<< /Type /XRef /Size %d /W [1 4 1] /Root 1 0 R /Info 3 0 R /Filter /FlateDecode /Length %d >>\nstream\n",
		size, size+1, z.Len())
	buf.Write(z.Bytes())
	fmt.Fprintf(&buf, "\nendstream\nendobj\nstartxref\n%d\n%%%%EOF\n", xref)
	return buf.Bytes()
}
