package generic

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Serialize returns the PDF syntax for obj.
func Serialize(obj PdfObject) []byte {
	var buf bytes.Buffer
	WriteObject(&buf, obj)
	return buf.Bytes()
}

// WriteIndirect writes "n g obj ... endobj" followed by a newline.
func WriteIndirect(buf *bytes.Buffer, ref Reference, obj PdfObject) {
	fmt.Fprintf(buf, "%d %d obj\n", ref.ObjectNumber, ref.GenerationNumber)
	WriteObject(buf, obj)
	buf.WriteString("\nendobj\n")
}

// WriteObject appends the PDF syntax for obj to buf. A nil obj is written as
// null. Stream /Length entries are set from the data.
func WriteObject(buf *bytes.Buffer, obj PdfObject) {
	switch v := obj.(type) {
	case nil, NullObject:
		buf.WriteString("null")
	case BooleanObject:
		buf.WriteString(strconv.FormatBool(bool(v)))
	case IntegerObject:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case RealObject:
		buf.WriteString(formatReal(float64(v)))
	case NameObject:
		writeName(buf, string(v))
	case *StringObject:
		writeString(buf, v)
	case Reference:
		fmt.Fprintf(buf, "%d %d R", v.ObjectNumber, v.GenerationNumber)
	case ArrayObject:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(' ')
			}
			WriteObject(buf, item)
		}
		buf.WriteByte(']')
	case *DictionaryObject:
		buf.WriteString("<<")
		for _, k := range v.keys {
			writeName(buf, k)
			buf.WriteByte(' ')
			WriteObject(buf, v.entries[k])
		}
		buf.WriteString(">>")
	case *StreamObject:
		v.Dictionary.Set("Length", IntegerObject(len(v.Data)))
		WriteObject(buf, v.Dictionary)
		buf.WriteString("\nstream\n")
		buf.Write(v.Data)
		buf.WriteString("\nendstream")
	default:
		panic(fmt.Sprintf("generic: cannot serialize %T", obj))
	}
}

// formatReal avoids exponent notation, which PDF does not allow.
func formatReal(f float64) string {
	s := strconv.FormatFloat(f, 'f', 4, 64)
	s = trimZeros(s)
	if s == "-0" {
		return "0"
	}
	return s
}

func trimZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	for s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}

func writeName(buf *bytes.Buffer, name string) {
	buf.WriteByte('/')
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < '!' || c > '~' || c == '#' || isDelimiter(c) {
			fmt.Fprintf(buf, "#%02X", c)
			continue
		}
		buf.WriteByte(c)
	}
}

func writeString(buf *bytes.Buffer, s *StringObject) {
	if s.IsHex {
		buf.WriteByte('<')
		buf.WriteString(hex.EncodeToString(s.Value))
		buf.WriteByte('>')
		return
	}
	buf.WriteByte('(')
	for _, c := range s.Value {
		switch c {
		case '(', ')', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			if c < 0x20 || c > 0x7e {
				fmt.Fprintf(buf, "\\%03o", c)
			} else {
				buf.WriteByte(c)
			}
		}
	}
	buf.WriteByte(')')
}
