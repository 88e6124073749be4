// Package embed writes signature evidence into documents and reads it back.
//
// PDF documents receive an incremental update that carries the evidence in
// the catalog, a visible attestation block on the last page and updated
// document information. Other documents receive a trailing text envelope.
// In both cases the bytes that were signed are left untouched at the start
// of the output.
package embed

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/georgepadayatti/docseal/keys"
	"github.com/georgepadayatti/docseal/pdf/generic"
	"github.com/georgepadayatti/docseal/pdf/reader"
	"github.com/georgepadayatti/docseal/pdf/writer"
	"github.com/georgepadayatti/docseal/sign/signers"
	"github.com/georgepadayatti/docseal/sign/timestamps"
	"github.com/georgepadayatti/docseal/stamp"
)

// DefaultRole is recorded when Options.Role is empty.
const DefaultRole = "signer"

// Stages reported by EmbeddingError.
const (
	StageValidate = "validate"
	StageParse    = "parse"
	StageRecords  = "records"
	StageSeal     = "seal"
	StageVisual   = "visual"
	StageCatalog  = "catalog"
	StageWrite    = "write"
)

// Common errors
var (
	ErrEmbedding          = errors.New("embedding failed")
	ErrDigestMismatch     = errors.New("signature does not cover this document")
	ErrRoleAlreadySigned  = errors.New("role already signed")
	ErrMalformedRecord    = errors.New("malformed evidence record")
	ErrMissingSignature   = errors.New("signature result is empty")
	ErrNoEvidence         = errors.New("document carries no evidence")
	ErrMalformedEvidence  = errors.New("malformed evidence")
	ErrUnsupportedVersion = errors.New("unsupported evidence version")
)

// EmbeddingError reports the stage at which embedding failed. No output is
// produced when it is returned.
type EmbeddingError struct {
	Stage string
	Err   error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed at %s: %v", e.Stage, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

func (e *EmbeddingError) Is(target error) bool { return target == ErrEmbedding }

func fail(stage string, err error) error {
	return &EmbeddingError{Stage: stage, Err: err}
}

// Options are the signer display fields.
type Options struct {
	SignerName  string
	Reason      string
	Location    string
	ContactInfo string
	Role        string
}

// Result is an embedded document.
type Result struct {
	Document []byte
	// Digest is the lowercase hex SHA-256 of Document.
	Digest string
	Record Record
}

// Embedder writes evidence into documents.
type Embedder struct {
	clock    clockwork.Clock
	logger   *zap.Logger
	style    *stamp.Style
	producer string
	visual   bool
}

// Option configures an Embedder.
type Option func(*Embedder)

// WithClock sets the clock used for EmbeddedAt and ModDate.
func WithClock(c clockwork.Clock) Option {
	return func(e *Embedder) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Embedder) { e.logger = l }
}

// WithStyle sets the attestation block style.
func WithStyle(s *stamp.Style) Option {
	return func(e *Embedder) { e.style = s }
}

// WithProducer sets the Producer written to PDF metadata.
func WithProducer(p string) Option {
	return func(e *Embedder) { e.producer = p }
}

// WithoutVisual disables the attestation block.
func WithoutVisual() Option {
	return func(e *Embedder) { e.visual = false }
}

// NewEmbedder creates an Embedder.
func NewEmbedder(opts ...Option) *Embedder {
	e := &Embedder{
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		style:    stamp.DefaultStyle(),
		producer: "DocSeal",
		visual:   true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Embed binds sig, and ts when not nil, to document. sig must have been
// produced over exactly document.
func (e *Embedder) Embed(document []byte, sig *signers.SignatureResult, ts *timestamps.Response, opts Options) (*Result, error) {
	if sig == nil || len(sig.Signature) == 0 || len(sig.Certificate) == 0 {
		return nil, fail(StageValidate, ErrMissingSignature)
	}
	if sig.DocumentDigest != signers.DigestOf(document) {
		return nil, fail(StageValidate, ErrDigestMismatch)
	}

	record := e.newRecord(document, sig, ts, opts)
	content, err := record.SealedContent()
	if err != nil {
		return nil, fail(StageSeal, err)
	}
	if record.Seal, err = sig.Seal(content); err != nil {
		return nil, fail(StageSeal, err)
	}

	var out []byte
	if reader.IsPDF(document) {
		out, err = e.embedPDF(document, &record)
	} else {
		out, err = e.embedEnvelope(document, &record)
	}
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(out)
	e.logger.Info("evidence embedded",
		zap.String("record_id", record.ID),
		zap.String("role", record.Role),
		zap.String("fingerprint", keys.ShortFingerprint(record.CertificateFingerprint)),
		zap.Int64("signed_length", record.SignedLength),
		zap.Int("output_length", len(out)),
		zap.Bool("pdf", reader.IsPDF(document)),
	)
	return &Result{Document: out, Digest: hex.EncodeToString(sum[:]), Record: record}, nil
}

func (e *Embedder) newRecord(document []byte, sig *signers.SignatureResult, ts *timestamps.Response, opts Options) Record {
	role := strings.TrimSpace(opts.Role)
	if role == "" {
		role = DefaultRole
	}
	r := Record{
		ID:                     uuid.NewString(),
		Version:                RecordVersion,
		Role:                   displayText(role),
		SignerName:             displayText(opts.SignerName),
		Reason:                 displayText(opts.Reason),
		Location:               displayText(opts.Location),
		ContactInfo:            displayText(opts.ContactInfo),
		SignedAt:               sig.SignedAt,
		EmbeddedAt:             e.clock.Now(),
		Signature:              sig.Signature,
		Certificate:            sig.Certificate,
		CertificateFingerprint: sig.CertificateFingerprint,
		Algorithm:              sig.Algorithm,
		DocumentDigest:         sig.DocumentDigest,
		SignedLength:           int64(len(document)),
	}
	if ts != nil {
		r.Timestamp = &TimestampEvidence{
			Granted: ts.Granted(),
			Token:   ts.Token,
			TSAName: ts.TSAName,
			Time:    ts.Time,
			Local:   ts.Local,
		}
		if !ts.Granted() {
			r.Timestamp.Status = ts.StatusString
		}
	}
	return r
}

func displayText(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

func checkRole(existing []Record, role string) error {
	for _, r := range existing {
		if r.Role == role {
			return fmt.Errorf("%w: %q", ErrRoleAlreadySigned, role)
		}
	}
	return nil
}

// SubjectLine is the Info /Subject written for a signer.
func SubjectLine(signerName, fingerprint string) string {
	return fmt.Sprintf("Signed by %s · %s", signerName, keys.ShortFingerprint(fingerprint))
}

// KeywordMarker is appended to Info /Keywords.
func KeywordMarker(fingerprint string) string {
	return "docseal:" + keys.ShortFingerprint(fingerprint)
}

func (e *Embedder) embedPDF(document []byte, record *Record) ([]byte, error) {
	r, err := reader.NewPdfFileReaderFromBytes(document)
	if err != nil {
		return nil, fail(StageParse, err)
	}
	w, err := writer.NewIncrementalWriter(r)
	if err != nil {
		return nil, fail(StageParse, err)
	}

	catalog, err := w.Catalog()
	if err != nil {
		return nil, fail(StageCatalog, err)
	}
	previous, err := pdfRecords(r, catalog)
	if err != nil {
		return nil, fail(StageRecords, err)
	}
	existing := make([]Record, 0, len(previous))
	for _, p := range previous {
		existing = append(existing, *p.record)
	}
	if err := checkRole(existing, record.Role); err != nil {
		return nil, fail(StageRecords, err)
	}

	e.writeInfo(w, record)
	if e.visual {
		if err := e.drawAttestation(w, record, len(previous)); err != nil {
			return nil, fail(StageVisual, err)
		}
	}

	records := generic.ArrayObject{}
	for _, p := range previous {
		records = append(records, p.raw)
	}
	records = append(records, record.pdfDictionary())
	evidence := generic.NewDictionary()
	evidence.Set("Type", generic.NameObject("DocSealEvidence"))
	evidence.Set("V", generic.IntegerObject(RecordVersion))
	evidence.Set("Records", records)
	catalog.Set(catalogKey, w.AddObject(evidence))
	w.UpdateObject(w.RootRef(), catalog)

	out, err := w.Bytes()
	if err != nil {
		return nil, fail(StageWrite, err)
	}
	return out, nil
}

func (e *Embedder) writeInfo(w *writer.IncrementalWriter, record *Record) {
	info := w.Info()
	info.Set("Subject", generic.NewTextString(SubjectLine(record.SignerName, record.CertificateFingerprint)))

	marker := KeywordMarker(record.CertificateFingerprint)
	keywords := info.GetString("Keywords")
	if !strings.Contains(keywords, marker) {
		if keywords != "" {
			keywords += ", "
		}
		keywords += marker
	}
	info.Set("Keywords", generic.NewTextString(keywords))
	info.Set("Producer", generic.NewTextString(e.producer))
	info.Set("ModDate", generic.NewLiteralString(generic.FormatDate(record.EmbeddedAt)))
	w.SetInfo(info)
}

func (e *Embedder) drawAttestation(w *writer.IncrementalWriter, record *Record, index int) error {
	r := w.Reader()
	page, err := r.LastPage()
	if err != nil {
		return err
	}
	attestation := stamp.Attestation{
		SignerName:  record.SignerName,
		Role:        record.Role,
		Reason:      record.Reason,
		Location:    record.Location,
		SignedAt:    record.SignedAt,
		Fingerprint: keys.ShortFingerprint(record.CertificateFingerprint),
	}
	if ts := record.Timestamp; ts != nil && ts.Granted {
		attestation.Timestamp = ts.TSAName
	}
	block := stamp.NewBlock(attestation, e.style)
	block.Place(r.MediaBox(page.Dictionary), index)

	fonts := block.Fonts()
	names := make([]string, 0, len(fonts))
	for name := range fonts {
		names = append(names, name)
	}
	sort.Strings(names)
	fontRefs := make(map[string]generic.PdfObject, len(fonts))
	for _, name := range names {
		fontRefs[name] = w.AddObject(fonts[name])
	}
	return w.AddOverlay(page, writer.Overlay{Content: block.Render(), Fonts: fontRefs})
}
