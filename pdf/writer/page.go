package writer

import (
	"fmt"

	"github.com/georgepadayatti/docseal/pdf/generic"
	"github.com/georgepadayatti/docseal/pdf/reader"
)

// Overlay is content drawn on top of an existing page.
type Overlay struct {
	// Content is the unencoded content stream.
	Content []byte
	// Fonts maps resource names used by Content to font dictionaries.
	Fonts map[string]generic.PdfObject
}

// AddOverlay draws overlay above the page's existing content. The existing
// content is wrapped in q/Q so its graphics state cannot leak into the
// overlay. The page's resources are copied and extended with the overlay's
// fonts.
func (w *IncrementalWriter) AddOverlay(page reader.Page, overlay Overlay) error {
	obj, err := w.GetObject(page.Reference.ObjectNumber)
	if err != nil {
		return fmt.Errorf("page %v: %w", page.Reference, err)
	}
	current, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return fmt.Errorf("page %v is %s", page.Reference, generic.TypeName(obj))
	}
	dict := current.Copy()

	r := w.reader
	contents, err := r.Resolve(dict.Get("Contents"))
	if err != nil {
		return fmt.Errorf("page contents: %w", err)
	}
	var existing generic.ArrayObject
	switch c := contents.(type) {
	case generic.ArrayObject:
		existing = c
	case *generic.StreamObject:
		existing = generic.ArrayObject{dict.Get("Contents")}
	}

	body, err := generic.NewFlateStream(nil, overlay.Content)
	if err != nil {
		return err
	}
	stack := generic.ArrayObject{}
	if len(existing) > 0 {
		stack = append(stack, w.AddObject(generic.NewStream(nil, []byte("q\n"))))
		stack = append(stack, existing...)
		stack = append(stack, w.AddObject(generic.NewStream(nil, []byte("\nQ\n"))))
	}
	stack = append(stack, w.AddObject(body))
	dict.Set("Contents", stack)

	if len(overlay.Fonts) > 0 {
		resources, err := w.pageResources(current)
		if err != nil {
			return err
		}
		fonts := generic.NewDictionary()
		if f, err := r.ResolveDict(resources.Get("Font")); err == nil {
			fonts = f.Copy()
		}
		for name, font := range overlay.Fonts {
			fonts.Set(name, font)
		}
		resources.Set("Font", fonts)
		dict.Set("Resources", resources)
	}

	w.UpdateObject(page.Reference, dict)
	return nil
}

func (w *IncrementalWriter) pageResources(page *generic.DictionaryObject) (*generic.DictionaryObject, error) {
	obj, err := w.reader.Inherited(page, "Resources")
	if err != nil {
		return nil, fmt.Errorf("page resources: %w", err)
	}
	if d, ok := obj.(*generic.DictionaryObject); ok {
		return d.Copy(), nil
	}
	return generic.NewDictionary(), nil
}
