// Package fonts provides the standard Type 1 fonts used for attestation
// text, with WinAnsi encoding and width metrics.
package fonts

import (
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"github.com/georgepadayatti/docseal/pdf/generic"
)

// StandardFont is one of the base 14 fonts, which every PDF reader provides
// without embedding.
type StandardFont struct {
	name string
	// widths covers the printable ASCII range 32..126 in 1/1000 em.
	widths       [95]int16
	defaultWidth float64

	Ascender  float64
	Descender float64
}

// Replacement is written for runes WinAnsi cannot represent.
const Replacement = '?'

var (
	// Helvetica is the regular sans-serif face.
	Helvetica = &StandardFont{
		name: "Helvetica",
		widths: [95]int16{
			278, 278, 355, 556, 556, 889, 667, 191, 333, 333, 389, 584, 278, 333, 278, 278, // space - /
			556, 556, 556, 556, 556, 556, 556, 556, 556, 556, // 0-9
			278, 278, 584, 584, 584, 556, 1015, // : - @
			667, 667, 722, 722, 667, 611, 778, 722, 278, 500, 667, 556, 833, // A-M
			722, 778, 667, 778, 722, 667, 611, 722, 667, 944, 667, 667, 611, // N-Z
			278, 278, 278, 469, 556, 333, // [ - `
			556, 556, 500, 556, 556, 278, 556, 556, 222, 222, 500, 222, 833, // a-m
			556, 556, 556, 556, 333, 500, 278, 556, 500, 722, 500, 500, 500, // n-z
			334, 260, 334, 584, // { - ~
		},
		defaultWidth: 556,
		Ascender:     718,
		Descender:    -207,
	}

	// HelveticaBold is used for headings.
	HelveticaBold = &StandardFont{
		name: "Helvetica-Bold",
		widths: [95]int16{
			278, 333, 474, 556, 556, 889, 722, 238, 333, 333, 389, 584, 278, 333, 278, 278,
			556, 556, 556, 556, 556, 556, 556, 556, 556, 556,
			333, 333, 584, 584, 584, 611, 975,
			722, 722, 722, 722, 667, 611, 778, 722, 278, 556, 722, 611, 833,
			722, 778, 667, 778, 722, 667, 611, 722, 667, 944, 667, 667, 611,
			333, 278, 333, 584, 556, 333,
			556, 611, 556, 611, 556, 333, 611, 611, 278, 278, 556, 278, 889,
			611, 611, 611, 611, 389, 556, 333, 611, 556, 778, 556, 556, 500,
			389, 280, 389, 584,
		},
		defaultWidth: 611,
		Ascender:     718,
		Descender:    -207,
	}
)

// Name returns the PostScript name.
func (f *StandardFont) Name() string { return f.name }

// Dictionary returns a font dictionary for the page resources.
func (f *StandardFont) Dictionary() *generic.DictionaryObject {
	d := generic.NewDictionary()
	d.Set("Type", generic.NameObject("Font"))
	d.Set("Subtype", generic.NameObject("Type1"))
	d.Set("BaseFont", generic.NameObject(f.name))
	d.Set("Encoding", generic.NameObject("WinAnsiEncoding"))
	return d
}

// Encode normalizes s to NFC and encodes it as WinAnsi (Windows-1252).
// Unrepresentable runes become Replacement.
func Encode(s string) []byte {
	s = norm.NFC.String(s)
	out := make([]byte, 0, len(s))
	for _, r := range s {
		b, ok := charmap.Windows1252.EncodeRune(r)
		if !ok || (r < 0x20 && r != '\t') {
			b = Replacement
		}
		out = append(out, b)
	}
	return out
}

func (f *StandardFont) codeWidth(c byte) float64 {
	if c >= 32 && c <= 126 {
		return float64(f.widths[c-32])
	}
	return f.defaultWidth
}

// Width returns the advance of s at size points, after encoding.
func (f *StandardFont) Width(s string, size float64) float64 {
	var w float64
	for _, c := range Encode(s) {
		w += f.codeWidth(c)
	}
	return w * size / 1000
}

// Fit shortens s with a trailing ellipsis until it fits maxWidth.
func (f *StandardFont) Fit(s string, size, maxWidth float64) string {
	if f.Width(s, size) <= maxWidth {
		return s
	}
	runes := []rune(norm.NFC.String(s))
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := strings.TrimRight(string(runes), " ") + "..."
		if f.Width(candidate, size) <= maxWidth {
			return candidate
		}
	}
	return ""
}

// LineHeight returns the distance between baselines at size points.
func (f *StandardFont) LineHeight(size float64) float64 {
	return (f.Ascender - f.Descender) * size / 1000
}
