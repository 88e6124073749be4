package cms

import (
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

func malformed(what string) error {
	return fmt.Errorf("%w: %s", ErrMalformed, what)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ParseSignedData decodes a ContentInfo wrapping a SignedData.
func ParseSignedData(der []byte) (*SignedData, error) {
	input := cryptobyte.String(der)

	var ci cryptobyte.String
	var contentType asn1.ObjectIdentifier
	if !input.ReadASN1(&ci, cbasn1.SEQUENCE) || !ci.ReadASN1ObjectIdentifier(&contentType) {
		return nil, malformed("ContentInfo")
	}
	if !contentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: content type %s is not signedData", ErrMalformed, contentType)
	}

	var content, body cryptobyte.String
	if !ci.ReadASN1(&content, tagContext0) || !content.ReadASN1(&body, cbasn1.SEQUENCE) {
		return nil, malformed("SignedData")
	}

	sd := &SignedData{}
	if !body.ReadASN1Integer(&sd.Version) {
		return nil, malformed("SignedData version")
	}

	var algs cryptobyte.String
	if !body.ReadASN1(&algs, cbasn1.SET) {
		return nil, malformed("digestAlgorithms")
	}
	for !algs.Empty() {
		alg, err := parseAlgorithmIdentifier(&algs)
		if err != nil {
			return nil, err
		}
		sd.DigestAlgorithms = append(sd.DigestAlgorithms, alg)
	}

	eci, err := parseEncapContentInfo(&body)
	if err != nil {
		return nil, err
	}
	sd.EncapContentInfo = eci

	var certs cryptobyte.String
	var hasCerts bool
	if !body.ReadOptionalASN1(&certs, &hasCerts, tagContext0) {
		return nil, malformed("certificates")
	}
	for hasCerts && !certs.Empty() {
		var cert cryptobyte.String
		var tag cbasn1.Tag
		if !certs.ReadAnyASN1Element(&cert, &tag) {
			return nil, malformed("certificate")
		}
		// Attribute and other certificate formats are skipped.
		if tag == cbasn1.SEQUENCE {
			sd.Certificates = append(sd.Certificates, clone(cert))
		}
	}

	if !body.SkipOptionalASN1(tagContext1) {
		return nil, malformed("crls")
	}

	var infos cryptobyte.String
	if !body.ReadASN1(&infos, cbasn1.SET) {
		return nil, malformed("signerInfos")
	}
	for !infos.Empty() {
		si, err := parseSignerInfo(&infos)
		if err != nil {
			return nil, err
		}
		sd.SignerInfos = append(sd.SignerInfos, *si)
	}

	return sd, nil
}

func parseEncapContentInfo(s *cryptobyte.String) (EncapsulatedContentInfo, error) {
	var eci EncapsulatedContentInfo
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !seq.ReadASN1ObjectIdentifier(&eci.EContentType) {
		return eci, malformed("encapContentInfo")
	}
	if seq.Empty() {
		return eci, nil
	}
	var explicit cryptobyte.String
	var content []byte
	if !seq.ReadASN1(&explicit, tagContext0) || !explicit.ReadASN1Bytes(&content, cbasn1.OCTET_STRING) {
		return eci, malformed("eContent")
	}
	eci.EContent = clone(content)
	eci.HasContent = true
	return eci, nil
}

func parseAlgorithmIdentifier(s *cryptobyte.String) (AlgorithmIdentifier, error) {
	var alg AlgorithmIdentifier
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !seq.ReadASN1ObjectIdentifier(&alg.Algorithm) {
		return alg, malformed("AlgorithmIdentifier")
	}
	if !seq.Empty() {
		alg.Parameters = clone(seq)
	}
	return alg, nil
}

func parseSignerInfo(s *cryptobyte.String) (*SignerInfo, error) {
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return nil, malformed("SignerInfo")
	}

	si := &SignerInfo{}
	if !seq.ReadASN1Integer(&si.Version) {
		return nil, malformed("SignerInfo version")
	}

	switch {
	case seq.PeekASN1Tag(cbasn1.SEQUENCE):
		var ias, issuer cryptobyte.String
		serial := new(big.Int)
		if !seq.ReadASN1(&ias, cbasn1.SEQUENCE) ||
			!ias.ReadASN1Element(&issuer, cbasn1.SEQUENCE) ||
			!ias.ReadASN1Integer(serial) {
			return nil, malformed("issuerAndSerialNumber")
		}
		si.SID = IssuerAndSerialNumber{Issuer: clone(issuer), SerialNumber: serial}
	case seq.PeekASN1Tag(tagSKID):
		var skid []byte
		if !seq.ReadASN1Bytes(&skid, tagSKID) {
			return nil, malformed("subjectKeyIdentifier")
		}
		si.SubjectKeyID = clone(skid)
	default:
		return nil, malformed("SignerIdentifier")
	}

	var err error
	if si.DigestAlgorithm, err = parseAlgorithmIdentifier(&seq); err != nil {
		return nil, err
	}

	if seq.PeekASN1Tag(tagContext0) {
		var raw cryptobyte.String
		if !seq.ReadASN1Element(&raw, tagContext0) {
			return nil, malformed("signedAttrs")
		}
		si.RawSignedAttrs = clone(raw)
		if si.SignedAttrs, err = parseAttributes(raw, tagContext0); err != nil {
			return nil, err
		}
	}

	if si.SignatureAlgorithm, err = parseAlgorithmIdentifier(&seq); err != nil {
		return nil, err
	}
	var sig []byte
	if !seq.ReadASN1Bytes(&sig, cbasn1.OCTET_STRING) {
		return nil, malformed("signature")
	}
	si.Signature = clone(sig)

	if seq.PeekASN1Tag(tagContext1) {
		var raw cryptobyte.String
		if !seq.ReadASN1Element(&raw, tagContext1) {
			return nil, malformed("unsignedAttrs")
		}
		if si.UnsignedAttrs, err = parseAttributes(raw, tagContext1); err != nil {
			return nil, err
		}
	}
	return si, nil
}

func parseAttributes(element cryptobyte.String, tag cbasn1.Tag) ([]Attribute, error) {
	var set cryptobyte.String
	if !element.ReadASN1(&set, tag) {
		return nil, malformed("attributes")
	}
	var attrs []Attribute
	for !set.Empty() {
		var seq, values cryptobyte.String
		var attr Attribute
		if !set.ReadASN1(&seq, cbasn1.SEQUENCE) ||
			!seq.ReadASN1ObjectIdentifier(&attr.Type) ||
			!seq.ReadASN1(&values, cbasn1.SET) {
			return nil, malformed("attribute")
		}
		for !values.Empty() {
			var v cryptobyte.String
			var vt cbasn1.Tag
			if !values.ReadAnyASN1Element(&v, &vt) {
				return nil, malformed("attribute value")
			}
			attr.Values = append(attr.Values, clone(v))
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

// ParseTime decodes a DER UTCTime or GeneralizedTime.
func ParseTime(der []byte) (time.Time, error) {
	s := cryptobyte.String(der)
	var t time.Time
	switch {
	case s.PeekASN1Tag(cbasn1.UTCTime):
		if !s.ReadASN1UTCTime(&t) {
			return t, malformed("UTCTime")
		}
	case s.PeekASN1Tag(cbasn1.GeneralizedTime):
		if !s.ReadASN1GeneralizedTime(&t) {
			return t, malformed("GeneralizedTime")
		}
	default:
		return t, malformed("time")
	}
	return t, nil
}

// SigningTime returns the signingTime signed attribute of the first signer.
func (sd *SignedData) SigningTime() (time.Time, error) {
	if len(sd.SignerInfos) == 0 {
		return time.Time{}, malformed("no signer")
	}
	v, ok := sd.SignerInfos[0].Attribute(OIDSigningTime)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: signingTime", ErrMissingAttribute)
	}
	return ParseTime(v)
}
