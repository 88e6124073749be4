// Package timestamps implements the RFC 3161 time-stamp protocol: the client
// used while sealing documents, a local fallback authority, and a development
// TSA that can be served over HTTP.
package timestamps

import (
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/georgepadayatti/docseal/sign/cms"
)

// Media types for the HTTP transport.
const (
	ContentTypeQuery = "application/timestamp-query"
	ContentTypeReply = "application/timestamp-reply"
)

// Common errors
var (
	ErrMalformed          = errors.New("malformed time-stamp structure")
	ErrUnsupportedHash    = errors.New("unsupported message imprint algorithm")
	ErrTimestampRejected  = errors.New("timestamp request rejected")
	ErrTSAUnavailable     = errors.New("timestamp authority unavailable")
	ErrTimestampMismatch  = errors.New("timestamp message imprint mismatch")
	ErrNonceMismatch      = errors.New("timestamp nonce mismatch")
	ErrTimestampNotSigned = errors.New("timestamp token is not signed")
)

var (
	tagCtx0Constructed = cbasn1.Tag(0).ContextSpecific().Constructed()
	tagCtx1Constructed = cbasn1.Tag(1).ContextSpecific().Constructed()
	tagCtx0            = cbasn1.Tag(0).ContextSpecific()
	tagCtx1            = cbasn1.Tag(1).ContextSpecific()
	tagGeneralNameDNS  = cbasn1.Tag(2).ContextSpecific()
	tagGeneralNameDir  = cbasn1.Tag(4).ContextSpecific().Constructed()
	tagGeneralNameURI  = cbasn1.Tag(6).ContextSpecific()
	tagGeneralNameMail = cbasn1.Tag(1).ContextSpecific()
)

func malformed(what string) error {
	return fmt.Errorf("%w: %s", ErrMalformed, what)
}

// MessageImprint is the hash of the time-stamped data.
type MessageImprint struct {
	HashAlgorithm crypto.Hash
	HashedMessage []byte
}

func (m MessageImprint) marshal(b *cryptobyte.Builder) {
	oid, err := cms.DigestOID(m.HashAlgorithm)
	if err != nil {
		b.SetError(err)
		return
	}
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oid)
			b.AddASN1NULL()
		})
		b.AddASN1OctetString(m.HashedMessage)
	})
}

func parseMessageImprint(s *cryptobyte.String) (MessageImprint, error) {
	var seq, alg cryptobyte.String
	var oid asn1.ObjectIdentifier
	var digest []byte
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) ||
		!seq.ReadASN1(&alg, cbasn1.SEQUENCE) ||
		!alg.ReadASN1ObjectIdentifier(&oid) ||
		!seq.ReadASN1Bytes(&digest, cbasn1.OCTET_STRING) {
		return MessageImprint{}, malformed("messageImprint")
	}
	h, err := cms.HashForOID(oid)
	if err != nil {
		return MessageImprint{}, fmt.Errorf("%w: %s", ErrUnsupportedHash, oid)
	}
	if len(digest) != h.Size() {
		return MessageImprint{}, malformed("hashedMessage length")
	}
	return MessageImprint{HashAlgorithm: h, HashedMessage: digest}, nil
}

// Request is a TimeStampReq.
type Request struct {
	Version        int
	MessageImprint MessageImprint
	ReqPolicy      asn1.ObjectIdentifier
	Nonce          *big.Int
	CertReq        bool
}

// NewRequest builds a version 1 request for a SHA-256 digest that asks the
// TSA to include its certificate.
func NewRequest(digest []byte, nonce *big.Int) *Request {
	return &Request{
		Version:        1,
		MessageImprint: MessageImprint{HashAlgorithm: crypto.SHA256, HashedMessage: digest},
		Nonce:          nonce,
		CertReq:        true,
	}
}

// Marshal returns the DER encoding of the request.
func (r *Request) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(r.Version))
		r.MessageImprint.marshal(b)
		if len(r.ReqPolicy) > 0 {
			b.AddASN1ObjectIdentifier(r.ReqPolicy)
		}
		if r.Nonce != nil {
			b.AddASN1BigInt(r.Nonce)
		}
		// DEFAULT FALSE is omitted
		if r.CertReq {
			b.AddASN1Boolean(true)
		}
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode TimeStampReq: %w", err)
	}
	return out, nil
}

// ParseRequest decodes a DER TimeStampReq. Extensions are skipped.
func ParseRequest(der []byte) (*Request, error) {
	input := cryptobyte.String(der)
	var body cryptobyte.String
	if !input.ReadASN1(&body, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, malformed("TimeStampReq")
	}
	req := &Request{}
	if !body.ReadASN1Integer(&req.Version) {
		return nil, malformed("TimeStampReq version")
	}
	if req.Version != 1 {
		return nil, fmt.Errorf("%w: request version %d", ErrMalformed, req.Version)
	}
	mi, err := parseMessageImprint(&body)
	if err != nil {
		return nil, err
	}
	req.MessageImprint = mi

	if body.PeekASN1Tag(cbasn1.OBJECT_IDENTIFIER) {
		if !body.ReadASN1ObjectIdentifier(&req.ReqPolicy) {
			return nil, malformed("reqPolicy")
		}
	}
	if body.PeekASN1Tag(cbasn1.INTEGER) {
		req.Nonce = new(big.Int)
		if !body.ReadASN1Integer(req.Nonce) {
			return nil, malformed("nonce")
		}
	}
	if body.PeekASN1Tag(cbasn1.BOOLEAN) {
		if !body.ReadASN1Boolean(&req.CertReq) {
			return nil, malformed("certReq")
		}
	}
	if !body.SkipOptionalASN1(tagCtx0Constructed) || !body.Empty() {
		return nil, malformed("TimeStampReq trailing data")
	}
	return req, nil
}

// PKIStatus is the status code carried in a PKIStatusInfo.
type PKIStatus int

const (
	PKIStatusGranted                PKIStatus = 0
	PKIStatusGrantedWithMods        PKIStatus = 1
	PKIStatusRejection              PKIStatus = 2
	PKIStatusWaiting                PKIStatus = 3
	PKIStatusRevocationWarning      PKIStatus = 4
	PKIStatusRevocationNotification PKIStatus = 5
)

func (s PKIStatus) String() string {
	switch s {
	case PKIStatusGranted:
		return "granted"
	case PKIStatusGrantedWithMods:
		return "grantedWithMods"
	case PKIStatusRejection:
		return "rejection"
	case PKIStatusWaiting:
		return "waiting"
	case PKIStatusRevocationWarning:
		return "revocationWarning"
	case PKIStatusRevocationNotification:
		return "revocationNotification"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome maps the protocol status onto the three outcomes callers act on:
// code 0 is granted, code 2 is waiting and every other code, grantedWithMods
// included, is a rejection. Only an unmodified grant yields a usable token.
func (s PKIStatus) Outcome() Status {
	switch s {
	case PKIStatusGranted:
		return StatusGranted
	case 2:
		return StatusWaiting
	default:
		return StatusRejected
	}
}

// Status is the outcome of a timestamp request.
type Status int

const (
	StatusRejected Status = iota
	StatusGranted
	StatusWaiting
)

func (s Status) String() string {
	switch s {
	case StatusGranted:
		return "granted"
	case StatusWaiting:
		return "waiting"
	default:
		return "rejected"
	}
}

// FailureInfo is the PKIFailureInfo bit set.
type FailureInfo int

const (
	FailBadAlg              FailureInfo = 0
	FailBadRequest          FailureInfo = 2
	FailBadDataFormat       FailureInfo = 5
	FailTimeNotAvailable    FailureInfo = 14
	FailUnacceptedPolicy    FailureInfo = 15
	FailUnacceptedExtension FailureInfo = 16
	FailAddInfoNotAvailable FailureInfo = 17
	FailSystemFailure       FailureInfo = 25
)

var failureNames = map[FailureInfo]string{
	FailBadAlg:              "badAlg",
	FailBadRequest:          "badRequest",
	FailBadDataFormat:       "badDataFormat",
	FailTimeNotAvailable:    "timeNotAvailable",
	FailUnacceptedPolicy:    "unacceptedPolicy",
	FailUnacceptedExtension: "unacceptedExtension",
	FailAddInfoNotAvailable: "addInfoNotAvailable",
	FailSystemFailure:       "systemFailure",
}

func (f FailureInfo) String() string {
	if name, ok := failureNames[f]; ok {
		return name
	}
	return fmt.Sprintf("failure(%d)", int(f))
}

// StatusInfo is a PKIStatusInfo. Failures lists the bits set in failInfo.
type StatusInfo struct {
	Status   PKIStatus
	Text     []string
	Failures []FailureInfo
}

// String renders the status, free text and failure bits for humans. It is
// never empty.
func (si StatusInfo) String() string {
	var sb strings.Builder
	sb.WriteString(si.Status.String())
	if len(si.Text) > 0 {
		sb.WriteString(": ")
		sb.WriteString(strings.Join(si.Text, "; "))
	}
	if len(si.Failures) > 0 {
		names := make([]string, len(si.Failures))
		for i, f := range si.Failures {
			names[i] = f.String()
		}
		sb.WriteString(" (")
		sb.WriteString(strings.Join(names, ", "))
		sb.WriteString(")")
	}
	return sb.String()
}

func (si StatusInfo) marshal(b *cryptobyte.Builder) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(si.Status))
		if len(si.Text) > 0 {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				for _, text := range si.Text {
					b.AddASN1(cbasn1.UTF8String, func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(text))
					})
				}
			})
		}
		if len(si.Failures) > 0 {
			der, err := asn1.Marshal(failureBits(si.Failures))
			if err != nil {
				b.SetError(err)
				return
			}
			b.AddBytes(der)
		}
	})
}

func failureBits(failures []FailureInfo) asn1.BitString {
	highest := 0
	for _, f := range failures {
		if int(f) > highest {
			highest = int(f)
		}
	}
	bs := asn1.BitString{Bytes: make([]byte, highest/8+1), BitLength: highest + 1}
	for _, f := range failures {
		bs.Bytes[int(f)/8] |= 0x80 >> (uint(f) % 8)
	}
	return bs
}

func parseStatusInfo(s *cryptobyte.String) (StatusInfo, error) {
	var seq cryptobyte.String
	var si StatusInfo
	var status int
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !seq.ReadASN1Integer(&status) {
		return si, malformed("PKIStatusInfo")
	}
	si.Status = PKIStatus(status)

	if seq.PeekASN1Tag(cbasn1.SEQUENCE) {
		var texts cryptobyte.String
		if !seq.ReadASN1(&texts, cbasn1.SEQUENCE) {
			return si, malformed("statusString")
		}
		for !texts.Empty() {
			var text []byte
			if !texts.ReadASN1Bytes(&text, cbasn1.UTF8String) {
				return si, malformed("statusString entry")
			}
			si.Text = append(si.Text, string(text))
		}
	}
	if seq.PeekASN1Tag(cbasn1.BIT_STRING) {
		var bits asn1.BitString
		if !seq.ReadASN1BitString(&bits) {
			return si, malformed("failInfo")
		}
		for i := 0; i < bits.BitLength; i++ {
			if bits.At(i) == 1 {
				si.Failures = append(si.Failures, FailureInfo(i))
			}
		}
	}
	return si, nil
}

// ResponseMessage is a TimeStampResp. Token holds the raw ContentInfo.
type ResponseMessage struct {
	Status StatusInfo
	Token  []byte
}

// Marshal returns the DER encoding of the response.
func (m *ResponseMessage) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		m.Status.marshal(b)
		if len(m.Token) > 0 {
			b.AddBytes(m.Token)
		}
	})
	return b.Bytes()
}

// ParseResponse decodes a DER TimeStampResp.
func ParseResponse(der []byte) (*ResponseMessage, error) {
	input := cryptobyte.String(der)
	var body cryptobyte.String
	if !input.ReadASN1(&body, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, malformed("TimeStampResp")
	}
	status, err := parseStatusInfo(&body)
	if err != nil {
		return nil, err
	}
	msg := &ResponseMessage{Status: status}
	if !body.Empty() {
		var token cryptobyte.String
		if !body.ReadASN1Element(&token, cbasn1.SEQUENCE) || !body.Empty() {
			return nil, malformed("timeStampToken")
		}
		msg.Token = append([]byte(nil), token...)
	}
	return msg, nil
}

// Accuracy is the optional accuracy of genTime.
type Accuracy struct {
	Seconds int
	Millis  int
	Micros  int
}

// Duration returns the accuracy as a duration.
func (a Accuracy) Duration() time.Duration {
	return time.Duration(a.Seconds)*time.Second +
		time.Duration(a.Millis)*time.Millisecond +
		time.Duration(a.Micros)*time.Microsecond
}

// TSTInfo is the signed content of a time-stamp token.
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time
	Accuracy       Accuracy
	Ordering       bool
	Nonce          *big.Int

	// TSAName is a display form of the tsa GeneralName, empty when absent.
	TSAName string
}

// Marshal returns the DER encoding of the TSTInfo. A non-empty TSAName is
// written as a directoryName with that common name.
func (t *TSTInfo) Marshal() ([]byte, error) {
	var tsaName []byte
	if t.TSAName != "" {
		name, err := asn1.Marshal(pkix.Name{CommonName: t.TSAName}.ToRDNSequence())
		if err != nil {
			return nil, fmt.Errorf("failed to encode TSA name: %w", err)
		}
		tsaName = name
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(t.Version))
		b.AddASN1ObjectIdentifier(t.Policy)
		t.MessageImprint.marshal(b)
		b.AddASN1BigInt(t.SerialNumber)
		b.AddASN1GeneralizedTime(t.GenTime.UTC())
		if t.Accuracy != (Accuracy{}) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				if t.Accuracy.Seconds > 0 {
					b.AddASN1Int64(int64(t.Accuracy.Seconds))
				}
				if t.Accuracy.Millis > 0 {
					b.AddASN1Int64WithTag(int64(t.Accuracy.Millis), tagCtx0)
				}
				if t.Accuracy.Micros > 0 {
					b.AddASN1Int64WithTag(int64(t.Accuracy.Micros), tagCtx1)
				}
			})
		}
		if t.Ordering {
			b.AddASN1Boolean(true)
		}
		if t.Nonce != nil {
			b.AddASN1BigInt(t.Nonce)
		}
		if tsaName != nil {
			b.AddASN1(tagCtx0Constructed, func(b *cryptobyte.Builder) {
				b.AddASN1(tagGeneralNameDir, func(b *cryptobyte.Builder) {
					b.AddBytes(tsaName)
				})
			})
		}
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode TSTInfo: %w", err)
	}
	return out, nil
}

// ParseTSTInfo decodes a DER TSTInfo. Extensions are skipped.
func ParseTSTInfo(der []byte) (*TSTInfo, error) {
	input := cryptobyte.String(der)
	var body cryptobyte.String
	if !input.ReadASN1(&body, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, malformed("TSTInfo")
	}
	info := &TSTInfo{SerialNumber: new(big.Int)}
	if !body.ReadASN1Integer(&info.Version) || !body.ReadASN1ObjectIdentifier(&info.Policy) {
		return nil, malformed("TSTInfo header")
	}
	mi, err := parseMessageImprint(&body)
	if err != nil {
		return nil, err
	}
	info.MessageImprint = mi
	if !body.ReadASN1Integer(info.SerialNumber) {
		return nil, malformed("serialNumber")
	}
	genTime, err := readGeneralizedTime(&body)
	if err != nil {
		return nil, err
	}
	info.GenTime = genTime

	if body.PeekASN1Tag(cbasn1.SEQUENCE) {
		var acc cryptobyte.String
		if !body.ReadASN1(&acc, cbasn1.SEQUENCE) {
			return nil, malformed("accuracy")
		}
		if acc.PeekASN1Tag(cbasn1.INTEGER) && !acc.ReadASN1Integer(&info.Accuracy.Seconds) {
			return nil, malformed("accuracy seconds")
		}
		if !acc.ReadOptionalASN1Integer(&info.Accuracy.Millis, tagCtx0, 0) ||
			!acc.ReadOptionalASN1Integer(&info.Accuracy.Micros, tagCtx1, 0) {
			return nil, malformed("accuracy fraction")
		}
	}
	if body.PeekASN1Tag(cbasn1.BOOLEAN) && !body.ReadASN1Boolean(&info.Ordering) {
		return nil, malformed("ordering")
	}
	if body.PeekASN1Tag(cbasn1.INTEGER) {
		info.Nonce = new(big.Int)
		if !body.ReadASN1Integer(info.Nonce) {
			return nil, malformed("nonce")
		}
	}
	if body.PeekASN1Tag(tagCtx0Constructed) {
		var tsa cryptobyte.String
		if !body.ReadASN1(&tsa, tagCtx0Constructed) {
			return nil, malformed("tsa")
		}
		name, err := parseGeneralName(tsa)
		if err != nil {
			return nil, err
		}
		info.TSAName = name
	}
	if !body.SkipOptionalASN1(tagCtx1Constructed) || !body.Empty() {
		return nil, malformed("TSTInfo trailing data")
	}
	return info, nil
}

// readGeneralizedTime accepts the fractional seconds real authorities emit.
func readGeneralizedTime(s *cryptobyte.String) (time.Time, error) {
	var raw []byte
	if !s.ReadASN1Bytes(&raw, cbasn1.GeneralizedTime) {
		return time.Time{}, malformed("genTime")
	}
	t, err := time.Parse("20060102150405Z0700", string(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: genTime %q", ErrMalformed, raw)
	}
	return t.UTC(), nil
}

func parseGeneralName(s cryptobyte.String) (string, error) {
	var value cryptobyte.String
	var tag cbasn1.Tag
	if !s.ReadAnyASN1(&value, &tag) {
		return "", malformed("GeneralName")
	}
	switch tag {
	case tagGeneralNameDir:
		var rdn pkix.RDNSequence
		if rest, err := asn1.Unmarshal(value, &rdn); err != nil || len(rest) > 0 {
			return "", malformed("directoryName")
		}
		var name pkix.Name
		name.FillFromRDNSequence(&rdn)
		if name.CommonName != "" {
			return name.CommonName, nil
		}
		return name.String(), nil
	case tagGeneralNameDNS, tagGeneralNameURI, tagGeneralNameMail:
		return string(value), nil
	default:
		// Other name forms carry no useful display value.
		return "", nil
	}
}

// Token is a parsed time-stamp token.
type Token struct {
	Info       *TSTInfo
	SignedData *cms.SignedData

	// Signed is false for bare TSTInfo tokens issued by the local authority.
	Signed bool
}

// ParseToken decodes a time-stamp token. Signed tokens are CMS SignedData
// with TSTInfo content; unsigned tokens are a bare TSTInfo. The signature is
// not verified here.
func ParseToken(der []byte) (*Token, error) {
	sd, err := cms.ParseSignedData(der)
	if err != nil {
		info, infoErr := ParseTSTInfo(der)
		if infoErr != nil {
			return nil, fmt.Errorf("%w: token is neither SignedData nor TSTInfo: %v", ErrMalformed, err)
		}
		return &Token{Info: info}, nil
	}
	if !sd.EncapContentInfo.EContentType.Equal(cms.OIDTSTInfo) || !sd.EncapContentInfo.HasContent {
		return nil, malformed("token content is not TSTInfo")
	}
	info, err := ParseTSTInfo(sd.EncapContentInfo.EContent)
	if err != nil {
		return nil, err
	}
	return &Token{Info: info, SignedData: sd, Signed: true}, nil
}
