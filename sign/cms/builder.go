package cms

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Builder produces SignedData structures for one signer.
type Builder struct {
	cert        *x509.Certificate
	key         crypto.Signer
	chain       []*x509.Certificate
	signingTime time.Time
	essCertID   bool
}

// NewBuilder creates a builder for an RSA signer.
func NewBuilder(cert *x509.Certificate, key crypto.Signer) *Builder {
	return &Builder{
		cert:        cert,
		key:         key,
		signingTime: time.Now(),
		essCertID:   true,
	}
}

// SetSigningTime sets the value of the signingTime attribute.
func (b *Builder) SetSigningTime(t time.Time) {
	b.signingTime = t
}

// SetCertificateChain adds extra certificates to the certificates field.
func (b *Builder) SetCertificateChain(chain []*x509.Certificate) {
	b.chain = chain
}

// SetSigningCertificateV2 toggles the ESS signingCertificateV2 attribute.
func (b *Builder) SetSigningCertificateV2(enabled bool) {
	b.essCertID = enabled
}

// SignDetached signs content and returns a DER ContentInfo whose SignedData
// carries no content.
func (b *Builder) SignDetached(content []byte) ([]byte, error) {
	sd, err := b.build(OIDData, content, false)
	if err != nil {
		return nil, err
	}
	return sd.Marshal()
}

// SignEncapsulated signs content and embeds it with the given content type.
func (b *Builder) SignEncapsulated(contentType asn1.ObjectIdentifier, content []byte) ([]byte, error) {
	sd, err := b.build(contentType, content, true)
	if err != nil {
		return nil, err
	}
	return sd.Marshal()
}

func (b *Builder) build(contentType asn1.ObjectIdentifier, content []byte, encapsulate bool) (*SignedData, error) {
	if b.cert == nil {
		return nil, ErrMissingCertificate
	}
	if _, ok := b.key.Public().(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("%w: only RSA signers are supported", ErrUnsupportedAlgorithm)
	}

	digest := sha256.Sum256(content)
	attrs, err := b.SignedAttributes(contentType, digest[:])
	if err != nil {
		return nil, err
	}
	signedBytes, err := MarshalSignedAttributes(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed attributes: %w", err)
	}
	attrDigest := sha256.Sum256(signedBytes)
	signature, err := b.key.Sign(rand.Reader, attrDigest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	certs := [][]byte{b.cert.Raw}
	for _, c := range b.chain {
		certs = append(certs, c.Raw)
	}

	sd := &SignedData{
		Version:          1,
		DigestAlgorithms: []AlgorithmIdentifier{{Algorithm: OIDSHA256}},
		EncapContentInfo: EncapsulatedContentInfo{EContentType: contentType},
		Certificates:     certs,
		SignerInfos: []SignerInfo{{
			Version: 1,
			SID: IssuerAndSerialNumber{
				Issuer:       b.cert.RawIssuer,
				SerialNumber: b.cert.SerialNumber,
			},
			DigestAlgorithm:    AlgorithmIdentifier{Algorithm: OIDSHA256},
			SignedAttrs:        attrs,
			SignatureAlgorithm: AlgorithmIdentifier{Algorithm: OIDRSAEncryption, Parameters: derNull},
			Signature:          signature,
		}},
	}
	if encapsulate {
		sd.EncapContentInfo.EContent = content
		sd.EncapContentInfo.HasContent = true
	}
	return sd, nil
}

// SignedAttributes returns the signed attributes for a content digest:
// contentType, signingTime, messageDigest and optionally signingCertificateV2.
func (b *Builder) SignedAttributes(contentType asn1.ObjectIdentifier, digest []byte) ([]Attribute, error) {
	ct, err := encodeValue(func(v *cryptobyte.Builder) { v.AddASN1ObjectIdentifier(contentType) })
	if err != nil {
		return nil, err
	}
	st, err := EncodeTime(b.signingTime)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signing time: %w", err)
	}
	md, err := encodeValue(func(v *cryptobyte.Builder) { v.AddASN1OctetString(digest) })
	if err != nil {
		return nil, err
	}

	attrs := []Attribute{
		{Type: OIDContentType, Values: [][]byte{ct}},
		{Type: OIDSigningTime, Values: [][]byte{st}},
		{Type: OIDMessageDigest, Values: [][]byte{md}},
	}

	if b.essCertID {
		ess, err := b.signingCertificateV2()
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, Attribute{Type: OIDSigningCertificateV2, Values: [][]byte{ess}})
	}
	return attrs, nil
}

// signingCertificateV2 encodes SigningCertificateV2 with a single ESSCertIDv2
// using the default SHA-256 hash algorithm.
func (b *Builder) signingCertificateV2() ([]byte, error) {
	certHash := sha256.Sum256(b.cert.Raw)
	return encodeValue(func(v *cryptobyte.Builder) {
		v.AddASN1(cbasn1.SEQUENCE, func(v *cryptobyte.Builder) {
			v.AddASN1(cbasn1.SEQUENCE, func(v *cryptobyte.Builder) {
				v.AddASN1(cbasn1.SEQUENCE, func(v *cryptobyte.Builder) {
					v.AddASN1OctetString(certHash[:])
					v.AddASN1(cbasn1.SEQUENCE, func(v *cryptobyte.Builder) {
						v.AddASN1(cbasn1.SEQUENCE, func(v *cryptobyte.Builder) {
							v.AddASN1(tagContext4, func(v *cryptobyte.Builder) {
								v.AddBytes(b.cert.RawIssuer)
							})
						})
						v.AddASN1BigInt(b.cert.SerialNumber)
					})
				})
			})
		})
	})
}
