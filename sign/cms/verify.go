package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Verification describes a successfully verified SignedData.
type Verification struct {
	Signer        *x509.Certificate
	Certificates  []*x509.Certificate
	ContentType   asn1.ObjectIdentifier
	Content       []byte
	MessageDigest []byte
	SigningTime   time.Time
}

// Verify checks the signature of the first signer. For detached structures
// the signed content must be supplied; for encapsulated ones it is ignored.
// Certificate trust is not evaluated.
func Verify(der, detachedContent []byte) (*Verification, error) {
	sd, err := ParseSignedData(der)
	if err != nil {
		return nil, err
	}
	return sd.Verify(detachedContent)
}

// Verify checks the signature of the first signer of a parsed SignedData.
func (sd *SignedData) Verify(detachedContent []byte) (*Verification, error) {
	if len(sd.SignerInfos) == 0 {
		return nil, malformed("no signerInfos")
	}
	si := &sd.SignerInfos[0]

	content := detachedContent
	if sd.EncapContentInfo.HasContent {
		content = sd.EncapContentInfo.EContent
	}

	certs := make([]*x509.Certificate, 0, len(sd.Certificates))
	for _, raw := range sd.Certificates {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedded certificate: %w", err)
		}
		certs = append(certs, c)
	}
	signer := findSigner(si, certs)
	if signer == nil {
		return nil, ErrMissingCertificate
	}

	hashType, err := HashForOID(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return nil, err
	}
	h := hashType.New()
	h.Write(content)
	digest := h.Sum(nil)

	v := &Verification{
		Signer:       signer,
		Certificates: certs,
		ContentType:  sd.EncapContentInfo.EContentType,
		Content:      content,
	}

	signedDigest := digest
	if len(si.SignedAttrs) > 0 {
		if err := checkSignedAttributes(si, sd.EncapContentInfo.EContentType, digest, v); err != nil {
			return nil, err
		}
		// The signature covers the attributes re-tagged as a SET.
		signed := clone(si.RawSignedAttrs)
		signed[0] = 0x31
		h := hashType.New()
		h.Write(signed)
		signedDigest = h.Sum(nil)
	} else {
		v.MessageDigest = digest
	}

	if err := verifySignature(signer.PublicKey, si.SignatureAlgorithm.Algorithm, hashType, signedDigest, si.Signature); err != nil {
		return nil, err
	}
	return v, nil
}

func checkSignedAttributes(si *SignerInfo, contentType asn1.ObjectIdentifier, digest []byte, v *Verification) error {
	rawCT, ok := si.Attribute(OIDContentType)
	if !ok {
		return fmt.Errorf("%w: contentType", ErrMissingAttribute)
	}
	var ct asn1.ObjectIdentifier
	s := cryptobyte.String(rawCT)
	if !s.ReadASN1ObjectIdentifier(&ct) || !ct.Equal(contentType) {
		return fmt.Errorf("%w: contentType attribute does not match eContentType", ErrInvalidSignature)
	}

	rawMD, ok := si.Attribute(OIDMessageDigest)
	if !ok {
		return fmt.Errorf("%w: messageDigest", ErrMissingAttribute)
	}
	var md []byte
	s = cryptobyte.String(rawMD)
	if !s.ReadASN1Bytes(&md, cbasn1.OCTET_STRING) {
		return malformed("messageDigest")
	}
	if !bytes.Equal(md, digest) {
		return ErrDigestMismatch
	}
	v.MessageDigest = clone(md)

	if rawST, ok := si.Attribute(OIDSigningTime); ok {
		t, err := ParseTime(rawST)
		if err != nil {
			return err
		}
		v.SigningTime = t
	}
	return nil
}

func findSigner(si *SignerInfo, certs []*x509.Certificate) *x509.Certificate {
	for _, c := range certs {
		if si.SubjectKeyID != nil {
			if bytes.Equal(c.SubjectKeyId, si.SubjectKeyID) {
				return c
			}
			continue
		}
		if si.SID.SerialNumber != nil && c.SerialNumber.Cmp(si.SID.SerialNumber) == 0 &&
			bytes.Equal(c.RawIssuer, si.SID.Issuer) {
			return c
		}
	}
	return nil
}

func verifySignature(pub crypto.PublicKey, sigAlg asn1.ObjectIdentifier, hashType crypto.Hash, digest, sig []byte) error {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if !sigAlg.Equal(OIDRSAEncryption) && !sigAlg.Equal(OIDSHA256WithRSA) &&
			!sigAlg.Equal(OIDSHA384WithRSA) && !sigAlg.Equal(OIDSHA512WithRSA) {
			return fmt.Errorf("%w: signature algorithm %s", ErrUnsupportedAlgorithm, sigAlg)
		}
		if err := rsa.VerifyPKCS1v15(k, hashType, digest, sig); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, digest, sig) {
			return ErrInvalidSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: public key %T", ErrUnsupportedAlgorithm, pub)
	}
}
