package cms

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	tagContext0 = cbasn1.Tag(0).ContextSpecific().Constructed()
	tagContext1 = cbasn1.Tag(1).ContextSpecific().Constructed()
	tagContext4 = cbasn1.Tag(4).ContextSpecific().Constructed()
	tagSKID     = cbasn1.Tag(0).ContextSpecific()
)

// Marshal encodes the SignedData wrapped in a ContentInfo.
func (sd *SignedData) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(OIDSignedData)
		b.AddASN1(tagContext0, func(b *cryptobyte.Builder) {
			sd.marshal(b)
		})
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode SignedData: %w", err)
	}
	return out, nil
}

func (sd *SignedData) marshal(b *cryptobyte.Builder) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(sd.Version))

		algs := make([][]byte, 0, len(sd.DigestAlgorithms))
		for _, alg := range sd.DigestAlgorithms {
			algs = append(algs, element(b, alg.marshal))
		}
		addSetOf(b, cbasn1.SET, algs)

		sd.EncapContentInfo.marshal(b)

		if len(sd.Certificates) > 0 {
			addSetOf(b, tagContext0, sd.Certificates)
		}

		infos := make([][]byte, 0, len(sd.SignerInfos))
		for i := range sd.SignerInfos {
			infos = append(infos, element(b, sd.SignerInfos[i].marshal))
		}
		addSetOf(b, cbasn1.SET, infos)
	})
}

func (eci *EncapsulatedContentInfo) marshal(b *cryptobyte.Builder) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(eci.EContentType)
		if eci.HasContent {
			b.AddASN1(tagContext0, func(b *cryptobyte.Builder) {
				b.AddASN1OctetString(eci.EContent)
			})
		}
	})
}

func (alg AlgorithmIdentifier) marshal(b *cryptobyte.Builder) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(alg.Algorithm)
		if alg.Parameters != nil {
			b.AddBytes(alg.Parameters)
		}
	})
}

func (si *SignerInfo) marshal(b *cryptobyte.Builder) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(si.Version))
		if si.SubjectKeyID != nil {
			b.AddASN1(tagSKID, func(b *cryptobyte.Builder) {
				b.AddBytes(si.SubjectKeyID)
			})
		} else {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddBytes(si.SID.Issuer)
				b.AddASN1BigInt(si.SID.SerialNumber)
			})
		}
		si.DigestAlgorithm.marshal(b)
		if len(si.SignedAttrs) > 0 {
			addSetOf(b, tagContext0, marshalAttributes(b, si.SignedAttrs))
		}
		si.SignatureAlgorithm.marshal(b)
		b.AddASN1OctetString(si.Signature)
		if len(si.UnsignedAttrs) > 0 {
			addSetOf(b, tagContext1, marshalAttributes(b, si.UnsignedAttrs))
		}
	})
}

func (a Attribute) marshal(b *cryptobyte.Builder) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(a.Type)
		addSetOf(b, cbasn1.SET, a.Values)
	})
}

func marshalAttributes(parent *cryptobyte.Builder, attrs []Attribute) [][]byte {
	out := make([][]byte, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, element(parent, a.marshal))
	}
	return out
}

// MarshalSignedAttributes returns the DER SET OF encoding of attrs, which is
// the input to the signature when signed attributes are present.
func MarshalSignedAttributes(attrs []Attribute) ([]byte, error) {
	var b cryptobyte.Builder
	addSetOf(&b, cbasn1.SET, marshalAttributes(&b, attrs))
	return b.Bytes()
}

// element encodes a single value into its own buffer. Errors are propagated
// into parent so that the enclosing Bytes call fails.
func element(parent *cryptobyte.Builder, fn func(*cryptobyte.Builder)) []byte {
	var b cryptobyte.Builder
	fn(&b)
	out, err := b.Bytes()
	if err != nil {
		parent.SetError(err)
		return nil
	}
	return out
}

// addSetOf writes a SET OF with its elements in DER order.
func addSetOf(b *cryptobyte.Builder, tag cbasn1.Tag, elems [][]byte) {
	sorted := make([][]byte, len(elems))
	copy(sorted, elems)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})
	b.AddASN1(tag, func(b *cryptobyte.Builder) {
		for _, e := range sorted {
			b.AddBytes(e)
		}
	})
}

// encodeValue runs fn in a fresh builder and returns its output.
func encodeValue(fn func(*cryptobyte.Builder)) ([]byte, error) {
	var b cryptobyte.Builder
	fn(&b)
	return b.Bytes()
}

// EncodeTime encodes t as UTCTime for years 1950-2049 and GeneralizedTime otherwise.
func EncodeTime(t time.Time) ([]byte, error) {
	t = t.UTC()
	return encodeValue(func(b *cryptobyte.Builder) {
		if t.Year() >= 1950 && t.Year() < 2050 {
			b.AddASN1UTCTime(t)
		} else {
			b.AddASN1GeneralizedTime(t)
		}
	})
}
