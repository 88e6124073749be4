// Package filters decodes and encodes PDF stream data.
package filters

import (
	"bytes"
	"compress/zlib"
	"encoding/ascii85"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Common errors
var (
	ErrUnsupportedFilter = errors.New("unsupported filter")
	ErrDecodeFailed      = errors.New("decode failed")
)

// Filter names
const (
	FlateDecode    = "FlateDecode"
	ASCIIHexDecode = "ASCIIHexDecode"
	ASCII85Decode  = "ASCII85Decode"
)

// maxDecodedSize bounds inflation of a single stream.
const maxDecodedSize = 256 << 20

// Params are the DecodeParms relevant to predictors.
type Params struct {
	Predictor        int
	Colors           int
	BitsPerComponent int
	Columns          int
}

func (p Params) normalized() Params {
	if p.Predictor == 0 {
		p.Predictor = 1
	}
	if p.Colors == 0 {
		p.Colors = 1
	}
	if p.BitsPerComponent == 0 {
		p.BitsPerComponent = 8
	}
	if p.Columns == 0 {
		p.Columns = 1
	}
	return p
}

// Decode applies a single named filter.
func Decode(name string, data []byte, params Params) ([]byte, error) {
	switch name {
	case FlateDecode, "Fl":
		out, err := inflate(data)
		if err != nil {
			return nil, err
		}
		return unpredict(out, params.normalized())
	case ASCIIHexDecode, "AHx":
		return decodeHex(data)
	case ASCII85Decode, "A85":
		return decode85(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFilter, name)
	}
}

// DecodeChain applies filters in order. params may be shorter than names.
func DecodeChain(data []byte, names []string, params []Params) ([]byte, error) {
	out := data
	for i, name := range names {
		var p Params
		if i < len(params) {
			p = params[i]
		}
		var err error
		if out, err = Decode(name, out, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Flate compresses data with zlib at the default level.
func Flate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxDecodedSize))
	// Truncated streams are common; keep what was inflated.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out, nil
}

func unpredict(data []byte, p Params) ([]byte, error) {
	switch {
	case p.Predictor == 1:
		return data, nil
	case p.Predictor >= 10:
		bpp := (p.Colors*p.BitsPerComponent + 7) / 8
		stride := (p.Columns*p.Colors*p.BitsPerComponent + 7) / 8
		return unpredictPNG(data, stride, bpp)
	default:
		return nil, fmt.Errorf("%w: predictor %d", ErrUnsupportedFilter, p.Predictor)
	}
}

// unpredictPNG reverses per-row PNG filtering. Each input row is one filter
// type byte followed by stride bytes.
func unpredictPNG(data []byte, stride, bpp int) ([]byte, error) {
	rowLen := stride + 1
	if len(data)%rowLen != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of row length %d", ErrDecodeFailed, len(data), rowLen)
	}
	out := make([]byte, 0, len(data)/rowLen*stride)
	prev := make([]byte, stride)
	cur := make([]byte, stride)
	for off := 0; off < len(data); off += rowLen {
		kind, row := data[off], data[off+1:off+rowLen]
		for i := range row {
			var left, upLeft byte
			if i >= bpp {
				left, upLeft = cur[i-bpp], prev[i-bpp]
			}
			up := prev[i]
			switch kind {
			case 0:
				cur[i] = row[i]
			case 1:
				cur[i] = row[i] + left
			case 2:
				cur[i] = row[i] + up
			case 3:
				cur[i] = row[i] + byte((int(left)+int(up))/2)
			case 4:
				cur[i] = row[i] + paeth(left, up, upLeft)
			default:
				return nil, fmt.Errorf("%w: PNG filter type %d", ErrDecodeFailed, kind)
			}
		}
		out = append(out, cur...)
		prev, cur = cur, prev
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := absInt(p-int(a)), absInt(p-int(b)), absInt(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func decodeHex(data []byte) ([]byte, error) {
	digits := make([]byte, 0, len(data))
	for _, c := range data {
		if c == '>' {
			break
		}
		switch c {
		case ' ', '\t', '\r', '\n', '\f', 0:
			continue
		}
		digits = append(digits, c)
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	if _, err := hex.Decode(out, digits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out, nil
}

func decode85(data []byte) ([]byte, error) {
	data = bytes.TrimPrefix(bytes.TrimSpace(data), []byte("<~"))
	if i := bytes.Index(data, []byte("~>")); i >= 0 {
		data = data[:i]
	}
	out := make([]byte, 4*len(data)/5+4)
	n, _, err := ascii85.Decode(out, data, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out[:n], nil
}
