// Package writer appends incremental updates to existing PDF files. The
// original bytes are never modified, so byte ranges covered by earlier
// signatures stay intact.
package writer

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/georgepadayatti/docseal/pdf/generic"
	"github.com/georgepadayatti/docseal/pdf/reader"
)

// Common errors
var (
	ErrNoRoot    = errors.New("document has no catalog reference")
	ErrNoChanges = errors.New("no objects to write")
)

// IncrementalWriter collects new and replaced objects and appends them as a
// new revision.
type IncrementalWriter struct {
	reader     *reader.PdfFileReader
	objects    map[int]indirect
	nextObjNum int

	rootRef generic.Reference
	infoRef *generic.Reference

	streamXRefs bool
}

type indirect struct {
	ref generic.Reference
	obj generic.PdfObject
}

// NewIncrementalWriter prepares an update of the file held by r. The xref
// format of the newest revision is kept.
func NewIncrementalWriter(r *reader.PdfFileReader) (*IncrementalWriter, error) {
	root, ok := r.Trailer().Get("Root").(generic.Reference)
	if !ok {
		return nil, ErrNoRoot
	}
	w := &IncrementalWriter{
		reader:      r,
		objects:     make(map[int]indirect),
		nextObjNum:  r.Size(),
		rootRef:     root,
		streamXRefs: r.UsesXRefStream(),
	}
	if info, ok := r.Trailer().Get("Info").(generic.Reference); ok {
		w.infoRef = &info
	}
	return w, nil
}

// Reader returns the reader of the base revision.
func (w *IncrementalWriter) Reader() *reader.PdfFileReader { return w.reader }

// RootRef returns the catalog reference.
func (w *IncrementalWriter) RootRef() generic.Reference { return w.rootRef }

// SetStreamXRefs overrides the cross-reference format of the new section.
func (w *IncrementalWriter) SetStreamXRefs(use bool) { w.streamXRefs = use }

// HasChanges reports whether any object was added or replaced.
func (w *IncrementalWriter) HasChanges() bool { return len(w.objects) > 0 }

// AddObject allocates a new object number for obj.
func (w *IncrementalWriter) AddObject(obj generic.PdfObject) generic.Reference {
	ref := generic.Reference{ObjectNumber: w.nextObjNum}
	w.nextObjNum++
	w.objects[ref.ObjectNumber] = indirect{ref: ref, obj: obj}
	return ref
}

// UpdateObject replaces the object behind ref in the new revision.
func (w *IncrementalWriter) UpdateObject(ref generic.Reference, obj generic.PdfObject) {
	w.objects[ref.ObjectNumber] = indirect{ref: ref, obj: obj}
	if ref.ObjectNumber >= w.nextObjNum {
		w.nextObjNum = ref.ObjectNumber + 1
	}
}

// GetObject returns the pending version of num, or the stored one.
func (w *IncrementalWriter) GetObject(num int) (generic.PdfObject, error) {
	if o, ok := w.objects[num]; ok {
		return o.obj, nil
	}
	return w.reader.GetObject(num)
}

// Catalog returns a copy of the catalog that can be modified and passed to
// UpdateObject.
func (w *IncrementalWriter) Catalog() (*generic.DictionaryObject, error) {
	obj, err := w.GetObject(w.rootRef.ObjectNumber)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	dict, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("catalog is %s", generic.TypeName(obj))
	}
	return dict.Copy(), nil
}

// SetInfo writes info as the document information dictionary, replacing the
// existing one in place when it is indirect.
func (w *IncrementalWriter) SetInfo(info *generic.DictionaryObject) generic.Reference {
	if w.infoRef != nil {
		w.UpdateObject(*w.infoRef, info)
		return *w.infoRef
	}
	ref := w.AddObject(info)
	w.infoRef = &ref
	return ref
}

// Info returns a copy of the current information dictionary, or an empty one.
func (w *IncrementalWriter) Info() *generic.DictionaryObject {
	if w.infoRef != nil {
		if obj, err := w.GetObject(w.infoRef.ObjectNumber); err == nil {
			if d, ok := obj.(*generic.DictionaryObject); ok {
				return d.Copy()
			}
		}
	}
	if d, _, err := w.reader.Info(); err == nil && d != nil {
		return d.Copy()
	}
	return generic.NewDictionary()
}

// Bytes returns the original file followed by the new revision.
func (w *IncrementalWriter) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes the original file and the new revision to out.
func (w *IncrementalWriter) WriteTo(out io.Writer) (int64, error) {
	if len(w.objects) == 0 {
		return 0, ErrNoChanges
	}
	original := w.reader.Data()
	var buf bytes.Buffer
	buf.Write(original)
	if n := len(original); n > 0 && original[n-1] != '\n' && original[n-1] != '\r' {
		buf.WriteByte('\n')
	}

	nums := make([]int, 0, len(w.objects))
	for num := range w.objects {
		nums = append(nums, num)
	}
	sort.Ints(nums)

	offsets := make(map[int]int64, len(nums))
	for _, num := range nums {
		o := w.objects[num]
		offsets[num] = int64(buf.Len())
		generic.WriteIndirect(&buf, o.ref, o.obj)
	}

	xrefOffset := int64(buf.Len())
	var err error
	if w.streamXRefs {
		err = w.writeXRefStream(&buf, nums, offsets, xrefOffset)
	} else {
		w.writeXRefTable(&buf, nums, offsets, xrefOffset)
	}
	if err != nil {
		return 0, err
	}
	n, err := out.Write(buf.Bytes())
	return int64(n), err
}

type subsection struct {
	start int
	nums  []int
}

func subsections(nums []int) []subsection {
	var subs []subsection
	for _, num := range nums {
		if k := len(subs); k > 0 && subs[k-1].start+len(subs[k-1].nums) == num {
			subs[k-1].nums = append(subs[k-1].nums, num)
			continue
		}
		subs = append(subs, subsection{start: num, nums: []int{num}})
	}
	return subs
}

func (w *IncrementalWriter) trailer(size int, digest []byte) *generic.DictionaryObject {
	t := generic.NewDictionary()
	t.Set("Size", generic.IntegerObject(size))
	t.Set("Root", w.rootRef)
	if w.infoRef != nil {
		t.Set("Info", *w.infoRef)
	}
	t.Set("Prev", generic.IntegerObject(w.reader.LastXRefOffset()))
	t.Set("ID", w.documentID(digest))
	return t
}

// documentID keeps the permanent identifier and derives the changing one from
// the new revision's content.
func (w *IncrementalWriter) documentID(digest []byte) generic.ArrayObject {
	id1 := digest[:16]
	if ids := w.reader.Trailer().GetArray("ID"); len(ids) > 0 {
		if s, ok := ids[0].(*generic.StringObject); ok && len(s.Value) > 0 {
			id1 = s.Value
		}
	}
	return generic.ArrayObject{generic.NewHexString(id1), generic.NewHexString(digest[16:32])}
}

func (w *IncrementalWriter) writeXRefTable(buf *bytes.Buffer, nums []int, offsets map[int]int64, xrefOffset int64) {
	sum := sha256.Sum256(buf.Bytes())
	buf.WriteString("xref\n")
	for _, sub := range subsections(nums) {
		fmt.Fprintf(buf, "%d %d\n", sub.start, len(sub.nums))
		for _, num := range sub.nums {
			fmt.Fprintf(buf, "%010d %05d n \n", offsets[num], w.objects[num].ref.GenerationNumber)
		}
	}
	buf.WriteString("trailer\n")
	generic.WriteObject(buf, w.trailer(w.nextObjNum, sum[:]))
	fmt.Fprintf(buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
}

func (w *IncrementalWriter) writeXRefStream(buf *bytes.Buffer, nums []int, offsets map[int]int64, xrefOffset int64) error {
	sum := sha256.Sum256(buf.Bytes())
	self := generic.Reference{ObjectNumber: w.nextObjNum}
	nums = append(nums, self.ObjectNumber)
	offsets[self.ObjectNumber] = xrefOffset

	offWidth := 1
	for v := xrefOffset; v > 0xff; v >>= 8 {
		offWidth++
	}

	var rows bytes.Buffer
	index := generic.ArrayObject{}
	for _, sub := range subsections(nums) {
		index = append(index, generic.IntegerObject(sub.start), generic.IntegerObject(len(sub.nums)))
		for _, num := range sub.nums {
			gen := 0
			if num != self.ObjectNumber {
				gen = w.objects[num].ref.GenerationNumber
			}
			rows.WriteByte(1)
			putField(&rows, offsets[num], offWidth)
			putField(&rows, int64(gen), 2)
		}
	}

	dict := w.trailer(self.ObjectNumber+1, sum[:])
	dict.Set("Type", generic.NameObject("XRef"))
	dict.Set("W", generic.ArrayObject{generic.IntegerObject(1), generic.IntegerObject(offWidth), generic.IntegerObject(2)})
	dict.Set("Index", index)
	stream, err := generic.NewFlateStream(dict, rows.Bytes())
	if err != nil {
		return fmt.Errorf("xref stream: %w", err)
	}
	generic.WriteIndirect(buf, self, stream)
	fmt.Fprintf(buf, "startxref\n%d\n%%%%EOF\n", xrefOffset)
	return nil
}

func putField(buf *bytes.Buffer, v int64, width int) {
	for i := width - 1; i >= 0; i-- {
		buf.WriteByte(byte(v >> (8 * i)))
	}
}
