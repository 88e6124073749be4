package filters

import (
	"bytes"
	"errors"
	"testing"
)

func TestFlateRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("stream content "), 50)
	enc, err := Flate(data)
	if err != nil {
		t.Fatalf("Flate failed: %v", err)
	}
	dec, err := Decode(FlateDecode, enc, Params{})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(dec, data) {
		t.Error("round trip mismatch")
	}
}

func TestPNGUpPredictor(t *testing.T) {
	// Two rows of three columns, filter type Up on the second.
	raw := []byte{
		0, 1, 2, 3,
		2, 1, 1, 1,
	}
	enc, err := Flate(raw)
	if err != nil {
		t.Fatalf("Flate failed: %v", err)
	}
	dec, err := Decode(FlateDecode, enc, Params{Predictor: 12, Columns: 3})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := []byte{1, 2, 3, 2, 3, 4}
	if !bytes.Equal(dec, want) {
		t.Errorf("got %v, want %v", dec, want)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		in     string
		want   string
	}{
		{"hex", ASCIIHexDecode, "48 65 6C6C6F>", "Hello"},
		{"hex odd digits", ASCIIHexDecode, "414>", "A@"},
		{"ascii85", ASCII85Decode, "<~87cURDZ~>", "Hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.filter, []byte(tt.in), Params{})
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecode_Unsupported(t *testing.T) {
	if _, err := Decode("JBIG2Decode", nil, Params{}); !errors.Is(err, ErrUnsupportedFilter) {
		t.Errorf("Expected ErrUnsupportedFilter, got %v", err)
	}
}
