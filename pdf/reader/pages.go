package reader

import (
	"fmt"

	"github.com/georgepadayatti/docseal/pdf/generic"
)

// LetterMediaBox is used when no MediaBox can be found.
var LetterMediaBox = generic.Rectangle{URX: 612, URY: 792}

// Pages returns the leaves of the page tree in document order.
func (r *PdfFileReader) Pages() ([]Page, error) {
	if r.pages != nil {
		return r.pages, nil
	}
	catalog, _, err := r.Catalog()
	if err != nil {
		return nil, err
	}
	root, ok := catalog.Get("Pages").(generic.Reference)
	if !ok {
		return nil, fmt.Errorf("%w: catalog /Pages is not a reference", ErrInvalidObject)
	}
	var pages []Page
	if err := r.walkPages(root, map[int]bool{}, &pages); err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, ErrNoPages
	}
	r.pages = pages
	return pages, nil
}

func (r *PdfFileReader) walkPages(ref generic.Reference, visited map[int]bool, out *[]Page) error {
	if visited[ref.ObjectNumber] {
		return fmt.Errorf("%w: page tree cycle at object %d", ErrInvalidObject, ref.ObjectNumber)
	}
	visited[ref.ObjectNumber] = true

	node, err := r.ResolveDict(ref)
	if err != nil {
		return fmt.Errorf("page tree: %w", err)
	}
	kidsObj, err := r.Resolve(node.Get("Kids"))
	if err != nil {
		return err
	}
	kids, isNode := kidsObj.(generic.ArrayObject)
	if node.GetName("Type") == "Page" || !isNode {
		*out = append(*out, Page{Reference: ref, Dictionary: node})
		return nil
	}
	for _, kid := range kids {
		kidRef, ok := kid.(generic.Reference)
		if !ok {
			return fmt.Errorf("%w: page tree kid is %s", ErrInvalidObject, generic.TypeName(kid))
		}
		if err := r.walkPages(kidRef, visited, out); err != nil {
			return err
		}
	}
	return nil
}

// LastPage returns the final page of the document.
func (r *PdfFileReader) LastPage() (Page, error) {
	pages, err := r.Pages()
	if err != nil {
		return Page{}, err
	}
	return pages[len(pages)-1], nil
}

// Inherited looks up key on the page and then on its ancestors.
func (r *PdfFileReader) Inherited(page *generic.DictionaryObject, key string) (generic.PdfObject, error) {
	node := page
	for depth := 0; node != nil && depth < 64; depth++ {
		if v := node.Get(key); v != nil {
			return r.Resolve(v)
		}
		parent := node.Get("Parent")
		if parent == nil {
			return nil, nil
		}
		next, err := r.ResolveDict(parent)
		if err != nil {
			return nil, err
		}
		node = next
	}
	return nil, nil
}

// MediaBox returns the page's media box, falling back to US Letter.
func (r *PdfFileReader) MediaBox(page *generic.DictionaryObject) generic.Rectangle {
	obj, err := r.Inherited(page, "MediaBox")
	if err != nil {
		return LetterMediaBox
	}
	arr, ok := obj.(generic.ArrayObject)
	if !ok {
		return LetterMediaBox
	}
	resolved := make(generic.ArrayObject, len(arr))
	for i, item := range arr {
		if resolved[i], err = r.Resolve(item); err != nil {
			return LetterMediaBox
		}
	}
	box, err := generic.RectangleFromArray(resolved)
	if err != nil || box.Width() <= 0 || box.Height() <= 0 {
		return LetterMediaBox
	}
	return box
}
