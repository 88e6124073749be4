package generic

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestParseObject(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"integer", "42", "42"},
		{"negative real", "-3.50", "-3.5"},
		{"name with escape", "/A#20B", "/A#20B"},
		{"reference", "12 0 R", "12 0 R"},
		{"two integers", "[1 2]", "[1 2]"},
		{"literal with escapes", `(a\(b\)\\c\101)`, `(a\(b\)\\cA)`},
		{"hex", "<48 65 6>", "<486560>"},
		{"nested dict", "<</Type /Page /Kids [3 0 R 4 0 R] /Count 2>>", "<</Type /Page/Kids [3 0 R 4 0 R]/Count 2>>"},
		{"null value dropped", "<</A null /B true>>", "<</B true>>"},
		{"comment", "% header\n[/X]", "[/X]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := NewParser([]byte(tt.input)).ParseObject()
			if err != nil {
				t.Fatalf("ParseObject failed: %v", err)
			}
			got := string(Serialize(obj))
			// Dictionary serialization omits the space between a value and
			// the following key.
			if got != tt.want && got != removeSpaceBeforeKeys(tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func removeSpaceBeforeKeys(s string) string {
	return string(bytes.ReplaceAll([]byte(s), []byte(" /"), []byte("/")))
}

func TestParseObject_Errors(t *testing.T) {
	tests := []string{"", "(unterminated", "<</A 1", "[1 2", "bogus"}
	for _, input := range tests {
		if _, err := NewParser([]byte(input)).ParseObject(); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}

func TestParseObject_Depth(t *testing.T) {
	input := bytes.Repeat([]byte("["), maxDepth+5)
	if _, err := NewParser(input).ParseObject(); !errors.Is(err, ErrTooDeep) {
		t.Errorf("Expected ErrTooDeep, got %v", err)
	}
}

func TestParseIndirectObject_Stream(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"direct length", "7 0 obj\n<</Length 5>>\nstream\nhello\nendstream\nendobj\n"},
		{"wrong length", "7 0 obj\n<</Length 99>>\nstream\nhello\nendstream\nendobj\n"},
		{"indirect length", "7 0 obj\n<</Length 8 0 R>>\nstream\r\nhello\r\nendstream\nendobj\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser([]byte(tt.input))
			p.ResolveLength = func(ref Reference) (int64, bool) { return 5, ref.ObjectNumber == 8 }
			obj, err := p.ParseIndirectObject()
			if err != nil {
				t.Fatalf("ParseIndirectObject failed: %v", err)
			}
			if obj.ObjectNumber != 7 || obj.GenerationNumber != 0 {
				t.Errorf("reference = %v", obj.Reference)
			}
			s, ok := obj.Object.(*StreamObject)
			if !ok {
				t.Fatalf("expected stream, got %T", obj.Object)
			}
			if string(s.Data) != "hello" {
				t.Errorf("data = %q", s.Data)
			}
		})
	}
}

func TestFlateStream(t *testing.T) {
	s, err := NewFlateStream(nil, []byte("BT /F1 9 Tf ET"))
	if err != nil {
		t.Fatalf("NewFlateStream failed: %v", err)
	}
	var buf bytes.Buffer
	WriteIndirect(&buf, Reference{ObjectNumber: 3}, s)

	parsed, err := NewParser(buf.Bytes()).ParseIndirectObject()
	if err != nil {
		t.Fatalf("ParseIndirectObject failed: %v", err)
	}
	data, err := parsed.Object.(*StreamObject).Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(data) != "BT /F1 9 Tf ET" {
		t.Errorf("decoded %q", data)
	}
}

func TestTextString(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		utf16   bool
		literal string
	}{
		{"ascii", "Signed by Ada", false, "(Signed by Ada)"},
		{"latin1", "Signed by José · 0a1b", false, `(Signed by Jos\351 \267 0a1b)`},
		{"cjk", "仲裁", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewTextString(tt.in)
			if got := s.Text(); got != tt.in {
				t.Errorf("Text() = %q, want %q", got, tt.in)
			}
			isUTF16 := bytes.HasPrefix(s.Value, []byte{0xFE, 0xFF})
			if isUTF16 != tt.utf16 {
				t.Errorf("utf16 = %v", isUTF16)
			}
			if tt.literal != "" && string(Serialize(s)) != tt.literal {
				t.Errorf("Serialize = %s", Serialize(s))
			}
		})
	}
}

func TestDates(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{"utc", time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC), "D:20260601080000Z"},
		{"east", time.Date(2026, 6, 1, 10, 0, 0, 0, time.FixedZone("", 2*3600)), "D:20260601100000+02'00'"},
		{"west", time.Date(2026, 6, 1, 3, 30, 0, 0, time.FixedZone("", -(4*3600 + 30*60))), "D:20260601033000-04'30'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatDate(tt.in)
			if got != tt.want {
				t.Errorf("FormatDate = %q, want %q", got, tt.want)
			}
			back, err := ParseDate(got)
			if err != nil {
				t.Fatalf("ParseDate failed: %v", err)
			}
			if !back.Equal(tt.in) {
				t.Errorf("ParseDate = %v, want %v", back, tt.in)
			}
		})
	}

	partial, err := ParseDate("D:2024")
	if err != nil || !partial.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("partial date = %v, %v", partial, err)
	}
}

func TestRectangleFromArray(t *testing.T) {
	r, err := RectangleFromArray(ArrayObject{IntegerObject(612), RealObject(792), IntegerObject(0), IntegerObject(0)})
	if err != nil {
		t.Fatalf("RectangleFromArray failed: %v", err)
	}
	if r.LLX != 0 || r.URY != 792 || r.Width() != 612 {
		t.Errorf("rectangle = %+v", r)
	}
	if _, err := RectangleFromArray(ArrayObject{IntegerObject(1)}); err == nil {
		t.Error("expected error for short array")
	}
}
