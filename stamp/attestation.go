// Package stamp renders the visible attestation block that is drawn on the
// last page of a signed PDF.
package stamp

import (
	"bytes"
	"fmt"
	"image/color"
	"strings"
	"time"

	"github.com/georgepadayatti/docseal/pdf/fonts"
	"github.com/georgepadayatti/docseal/pdf/generic"
)

// Resource names used by the rendered content stream.
const (
	FontRegular = "DocSealF1"
	FontBold    = "DocSealF2"
)

// Style configures the appearance of an attestation block.
type Style struct {
	BackgroundColor color.RGBA
	BorderColor     color.RGBA
	BorderWidth     float64
	TextColor       color.RGBA
	FontSize        float64
	Padding         float64
	// Width of the block in points; text is shortened to fit.
	Width float64
	// Margin from the page's bottom-right corner.
	Margin float64
	// Gap between stacked blocks.
	Gap float64
}

// DefaultStyle returns the default attestation style.
func DefaultStyle() *Style {
	return &Style{
		BackgroundColor: color.RGBA{250, 250, 245, 255},
		BorderColor:     color.RGBA{40, 60, 120, 255},
		BorderWidth:     0.75,
		TextColor:       color.RGBA{20, 20, 20, 255},
		FontSize:        7,
		Padding:         5,
		Width:           220,
		Margin:          24,
		Gap:             6,
	}
}

// Attestation is the information shown in the block.
type Attestation struct {
	SignerName  string
	Role        string
	Reason      string
	Location    string
	SignedAt    time.Time
	Fingerprint string
	// Timestamp describes the timestamp authority, or is empty.
	Timestamp string
}

// Lines returns the text lines of the block. The first line is the heading.
func (a Attestation) Lines() []string {
	lines := []string{"Digitally signed by " + orDash(a.SignerName)}
	if a.Role != "" {
		lines = append(lines, "Role: "+a.Role)
	}
	if a.Reason != "" {
		lines = append(lines, "Reason: "+a.Reason)
	}
	if a.Location != "" {
		lines = append(lines, "Location: "+a.Location)
	}
	lines = append(lines, "Date: "+a.SignedAt.UTC().Format(time.RFC3339))
	lines = append(lines, "Certificate: "+a.Fingerprint)
	if a.Timestamp != "" {
		lines = append(lines, "Timestamp: "+a.Timestamp)
	}
	return lines
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// Block is a laid out attestation.
type Block struct {
	Style  *Style
	Lines  []string
	Width  float64
	Height float64
	// X and Y are the lower-left corner on the page.
	X, Y float64
}

// NewBlock lays out a for style; a nil style selects DefaultStyle.
func NewBlock(a Attestation, style *Style) *Block {
	if style == nil {
		style = DefaultStyle()
	}
	inner := style.Width - 2*style.Padding
	var lines []string
	for i, line := range a.Lines() {
		font := fonts.Helvetica
		if i == 0 {
			font = fonts.HelveticaBold
		}
		lines = append(lines, font.Fit(line, style.FontSize, inner))
	}
	lineHeight := fonts.Helvetica.LineHeight(style.FontSize) * 1.15
	return &Block{
		Style:  style,
		Lines:  lines,
		Width:  style.Width,
		Height: float64(len(lines))*lineHeight + 2*style.Padding,
	}
}

// Place positions the block in the bottom-right corner of page. Blocks with
// a higher index stack upwards so successive signatures do not overlap.
func (b *Block) Place(page generic.Rectangle, index int) {
	s := b.Style
	b.X = page.URX - s.Margin - b.Width
	if b.X < page.LLX {
		b.X = page.LLX
	}
	step := b.Height + s.Gap
	rows := int((page.Height() - 2*s.Margin) / step)
	if rows < 1 {
		rows = 1
	}
	b.Y = page.LLY + s.Margin + float64(index%rows)*step
}

// Render returns the content stream drawing the block at its position.
func (b *Block) Render() []byte {
	s := b.Style
	var buf bytes.Buffer
	buf.WriteString("q\n")

	if s.BackgroundColor.A > 0 {
		fmt.Fprintf(&buf, "%s rg\n", rgb(s.BackgroundColor))
		fmt.Fprintf(&buf, "%s %s %s %s re f\n", num(b.X), num(b.Y), num(b.Width), num(b.Height))
	}
	if s.BorderWidth > 0 {
		fmt.Fprintf(&buf, "%s RG\n%s w\n", rgb(s.BorderColor), num(s.BorderWidth))
		fmt.Fprintf(&buf, "%s %s %s %s re S\n", num(b.X), num(b.Y), num(b.Width), num(b.Height))
	}

	lineHeight := (b.Height - 2*s.Padding) / float64(max(len(b.Lines), 1))
	fmt.Fprintf(&buf, "%s rg\nBT\n", rgb(s.TextColor))
	y := b.Y + b.Height - s.Padding - s.FontSize
	for i, line := range b.Lines {
		font := FontRegular
		if i == 0 {
			font = FontBold
		}
		fmt.Fprintf(&buf, "/%s %s Tf\n", font, num(s.FontSize))
		fmt.Fprintf(&buf, "1 0 0 1 %s %s Tm\n", num(b.X+s.Padding), num(y))
		buf.Write(generic.Serialize(generic.NewLiteralString(string(fonts.Encode(line)))))
		buf.WriteString(" Tj\n")
		y -= lineHeight
	}
	buf.WriteString("ET\nQ\n")
	return buf.Bytes()
}

// Fonts returns the font dictionaries referenced by Render.
func (b *Block) Fonts() map[string]*generic.DictionaryObject {
	return map[string]*generic.DictionaryObject{
		FontRegular: fonts.Helvetica.Dictionary(),
		FontBold:    fonts.HelveticaBold.Dictionary(),
	}
}

func rgb(c color.RGBA) string {
	return fmt.Sprintf("%s %s %s", num(float64(c.R)/255), num(float64(c.G)/255), num(float64(c.B)/255))
}

func num(f float64) string {
	return string(generic.Serialize(generic.RealObject(f)))
}
