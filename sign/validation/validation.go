// Package validation verifies the signature evidence embedded in documents.
package validation

import (
	"bytes"
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/digitorus/timestamp"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/georgepadayatti/docseal/keys"
	"github.com/georgepadayatti/docseal/sign/cms"
	"github.com/georgepadayatti/docseal/sign/embed"
	"github.com/georgepadayatti/docseal/sign/signers"
	"github.com/georgepadayatti/docseal/sign/timestamps"
)

// ErrVerificationInconclusive marks evidence that is present but unreadable.
// Such documents are reported as unsigned.
var ErrVerificationInconclusive = errors.New("verification inconclusive")

// Result labels passed to the result hook.
const (
	ResultValid    = "valid"
	ResultInvalid  = "invalid"
	ResultUnsigned = "unsigned"
)

// Verifier checks embedded evidence.
type Verifier struct {
	clock    clockwork.Clock
	logger   *zap.Logger
	onResult func(result string)
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock sets the clock used for certificate validity.
func WithClock(c clockwork.Clock) Option {
	return func(v *Verifier) { v.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// WithResultHook registers fn to be called once per Verify with one of the
// Result labels.
func WithResultHook(fn func(result string)) Option {
	return func(v *Verifier) { v.onResult = fn }
}

// NewVerifier creates a Verifier.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks every record in document. A document without evidence, or
// with evidence that cannot be read, yields an unsigned report and a nil
// error.
func (v *Verifier) Verify(document []byte) (*Report, error) {
	ev, err := embed.Extract(document)
	if err != nil {
		if !errors.Is(err, embed.ErrNoEvidence) {
			v.logger.Warn("evidence unreadable",
				zap.Error(fmt.Errorf("%w: %v", ErrVerificationInconclusive, err)),
			)
		}
		v.result(ResultUnsigned)
		return unsigned(), nil
	}

	report := &Report{Signed: true, Format: ev.Format.String(), Signatures: make([]SignatureReport, 0, len(ev.Records))}
	allValid := true
	for i := range ev.Records {
		sr := v.verifyRecord(document, ev, i)
		allValid = allValid && sr.Valid
		report.Signatures = append(report.Signatures, sr)
	}

	if allValid {
		v.result(ResultValid)
	} else {
		v.result(ResultInvalid)
	}
	v.logger.Info("document verified",
		zap.String("format", report.Format),
		zap.Int("signatures", len(report.Signatures)),
		zap.Bool("valid", allValid),
	)
	return report, nil
}

func (v *Verifier) result(label string) {
	if v.onResult != nil {
		v.onResult(label)
	}
}

func (v *Verifier) verifyRecord(document []byte, ev *embed.Evidence, i int) SignatureReport {
	rec := ev.Records[i]
	sr := SignatureReport{
		SignerName:             rec.SignerName,
		Reason:                 rec.Reason,
		Location:               rec.Location,
		SignedAt:               rec.SignedAt,
		CertificateFingerprint: rec.CertificateFingerprint,
		Role:                   rec.Role,
		Problems:               []string{},
	}

	if rec.SignedLength > int64(len(document)) {
		sr.problem("signed length %d exceeds document length %d", rec.SignedLength, len(document))
	} else {
		signed := document[:rec.SignedLength]
		sr.DigestValid = signers.DigestOf(signed) == rec.DocumentDigest
		if !sr.DigestValid {
			sr.problem("document digest mismatch")
		}
		sr.SignatureValid = v.checkSignature(&sr, rec, signed)
	}
	sr.SignatureValid = v.checkSeal(&sr, rec) && sr.SignatureValid
	sr.CertificateValid = v.checkCertificate(&sr, rec)
	sr.Intact = checkRevisions(&sr, ev, i)
	sr.Timestamp = v.checkTimestamp(&sr, rec)

	sr.Valid = sr.DigestValid && sr.SignatureValid && sr.CertificateValid && sr.Intact
	if !sr.Valid {
		v.logger.Debug("signature invalid",
			zap.String("role", rec.Role),
			zap.String("fingerprint", keys.ShortFingerprint(rec.CertificateFingerprint)),
			zap.Strings("problems", sr.Problems),
		)
	}
	return sr
}

func (v *Verifier) checkSignature(sr *SignatureReport, rec embed.Record, signed []byte) bool {
	result, err := cms.Verify(rec.Signature, signed)
	if err != nil {
		sr.problem("signature: %v", err)
		return false
	}
	if result.Signer == nil || !bytes.Equal(result.Signer.Raw, rec.Certificate) {
		sr.problem("signature was made with a different certificate")
		return false
	}
	return true
}

// checkSeal confirms that the record was signed by the certificate it names,
// which binds the display fields and timestamp evidence to the signer.
func (v *Verifier) checkSeal(sr *SignatureReport, rec embed.Record) bool {
	if len(rec.Seal) == 0 {
		sr.problem("evidence record is not sealed")
		return false
	}
	content, err := rec.SealedContent()
	if err != nil {
		sr.problem("evidence record: %v", err)
		return false
	}
	result, err := cms.Verify(rec.Seal, content)
	if err != nil {
		sr.problem("evidence record modified after signing: %v", err)
		return false
	}
	if result.Signer == nil || !bytes.Equal(result.Signer.Raw, rec.Certificate) {
		sr.problem("evidence record was sealed with a different certificate")
		return false
	}
	return true
}

func (v *Verifier) checkCertificate(sr *SignatureReport, rec embed.Record) bool {
	if keys.Fingerprint(rec.Certificate) != rec.CertificateFingerprint {
		sr.problem("certificate fingerprint mismatch")
		return false
	}
	cert, err := keys.ParseSigningCertificate(rec.Certificate)
	if err != nil {
		sr.problem("certificate: %v", err)
		return false
	}
	if now := v.clock.Now(); !cert.ValidAt(now) {
		sr.problem("certificate not valid at %s (valid %s to %s)",
			now.UTC().Format("2006-01-02T15:04:05Z"),
			cert.ValidFrom.UTC().Format("2006-01-02T15:04:05Z"),
			cert.ValidTo.UTC().Format("2006-01-02T15:04:05Z"))
		return false
	}
	return true
}

// checkRevisions confirms that the bytes after the signed prefix hold exactly
// the update that carried record i, up to the next record or the end of the
// file.
func checkRevisions(sr *SignatureReport, ev *embed.Evidence, i int) bool {
	start := ev.Records[i].SignedLength
	end := ev.Length
	if i+1 < len(ev.Records) {
		end = ev.Records[i+1].SignedLength
	}
	if end < start {
		sr.problem("records are out of order")
		return false
	}

	switch ev.Format {
	case embed.FormatEnvelope:
		if i >= len(ev.Envelopes) {
			sr.problem("missing envelope")
			return false
		}
		span := ev.Envelopes[i]
		if span.Start != start || span.End != end {
			sr.problem("document modified after signing: bytes %d-%d are not this signature's envelope", start, end)
			return false
		}
		return true

	case embed.FormatPDF:
		var inWindow []embed.Revision
		for _, rev := range ev.Revisions {
			if rev.Offset >= start && rev.Offset < end {
				inWindow = append(inWindow, rev)
			}
		}
		if len(inWindow) != 1 {
			sr.problem("document modified after signing: %d revisions follow the signed bytes", len(inWindow))
			return false
		}
		if prev := inWindow[0].Prev; prev < 0 || prev >= start {
			sr.problem("signature revision does not extend the signed bytes")
			return false
		}
		return true
	}
	sr.problem("unknown evidence format")
	return false
}

func (v *Verifier) checkTimestamp(sr *SignatureReport, rec embed.Record) TimestampReport {
	out := TimestampReport{Assurance: AssuranceNone}
	ts := rec.Timestamp
	if ts == nil || !ts.Granted || len(ts.Token) == 0 {
		return out
	}
	out.Present = true
	out.TSAName = ts.TSAName

	digest, err := hex.DecodeString(rec.DocumentDigest)
	if err != nil {
		sr.problem("timestamp: bad document digest")
		return out
	}

	if ts.Local {
		out.Assurance = AssuranceLocal
		token, err := timestamps.ParseToken(ts.Token)
		if err != nil {
			sr.problem("timestamp: %v", err)
			return out
		}
		out.Time = token.Info.GenTime
		if token.Info.TSAName != "" {
			out.TSAName = token.Info.TSAName
		}
		out.Valid = token.Info.MessageImprint.HashAlgorithm == crypto.SHA256 &&
			bytes.Equal(token.Info.MessageImprint.HashedMessage, digest)
		if !out.Valid {
			sr.problem("timestamp imprint does not match the document digest")
		}
		return out
	}

	out.Assurance = AssuranceTSA
	parsed, err := timestamp.Parse(ts.Token)
	if err != nil {
		sr.problem("timestamp: %v", err)
		return out
	}
	out.Time = parsed.Time
	out.Valid = parsed.HashAlgorithm == crypto.SHA256 && bytes.Equal(parsed.HashedMessage, digest)
	if !out.Valid {
		sr.problem("timestamp imprint does not match the document digest")
	}
	return out
}
