// Package cms implements the subset of CMS (RFC 5652) SignedData used for
// detached document signatures and RFC 3161 timestamp tokens. Structures are
// modelled explicitly and encoded/decoded field by field with cryptobyte.
package cms

import (
	"crypto"
	"encoding/asn1"
	"errors"
	"math/big"
)

// OIDs for CMS and signature algorithms
var (
	// Content types
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDTSTInfo    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

	// Digest algorithms
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	// Signature algorithms
	OIDRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}

	// Signed attributes
	OIDContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
)

// Common errors
var (
	ErrMalformed            = errors.New("malformed CMS structure")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMissingCertificate   = errors.New("missing certificate")
	ErrDigestMismatch       = errors.New("message digest mismatch")
	ErrMissingAttribute     = errors.New("missing signed attribute")
)

// AlgorithmIdentifier is an X.509 AlgorithmIdentifier. Parameters holds the
// raw DER of the parameters field, or nil when absent.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters []byte
}

// derNull is the DER encoding of an ASN.1 NULL.
var derNull = []byte{0x05, 0x00}

// Attribute is a CMS attribute with DER encoded values.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values [][]byte
}

// IssuerAndSerialNumber identifies a certificate by its issuer DN and serial.
type IssuerAndSerialNumber struct {
	Issuer       []byte
	SerialNumber *big.Int
}

// SignerInfo is a CMS SignerInfo. RawSignedAttrs keeps the signed attributes
// exactly as they were received so verification does not depend on re-encoding.
type SignerInfo struct {
	Version            int
	SID                IssuerAndSerialNumber
	SubjectKeyID       []byte
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        []Attribute
	RawSignedAttrs     []byte
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []Attribute
}

// EncapsulatedContentInfo carries the content type and, unless detached, the content.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     []byte
	HasContent   bool
}

// SignedData is a CMS SignedData.
type SignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier
	EncapContentInfo EncapsulatedContentInfo
	Certificates     [][]byte
	SignerInfos      []SignerInfo
}

// Detached reports whether the content is carried outside the structure.
func (sd *SignedData) Detached() bool {
	return !sd.EncapContentInfo.HasContent
}

// Attribute returns the first value of the attribute with the given type.
func (si *SignerInfo) Attribute(oid asn1.ObjectIdentifier) ([]byte, bool) {
	for _, attr := range si.SignedAttrs {
		if attr.Type.Equal(oid) && len(attr.Values) > 0 {
			return attr.Values[0], true
		}
	}
	return nil, false
}

// HashForOID maps a digest algorithm OID to a crypto.Hash.
func HashForOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, nil
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, nil
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, nil
	default:
		return 0, ErrUnsupportedAlgorithm
	}
}

// DigestOID returns the algorithm OID for a supported hash.
func DigestOID(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch h {
	case crypto.SHA256:
		return OIDSHA256, nil
	case crypto.SHA384:
		return OIDSHA384, nil
	case crypto.SHA512:
		return OIDSHA512, nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}
