package validation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/docseal/keys"
	"github.com/georgepadayatti/docseal/pdf/pdftest"
	"github.com/georgepadayatti/docseal/pdf/reader"
	"github.com/georgepadayatti/docseal/sign/embed"
	"github.com/georgepadayatti/docseal/sign/signers"
	"github.com/georgepadayatti/docseal/sign/timestamps"
)

var signingTime = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

type fixture struct {
	clock *clockwork.FakeClock
	creds *keys.Credentials
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(signingTime)
	kp, err := keys.GenerateKeyPair(2048)
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	cert, err := keys.IssueCertificate(kp, keys.Subject{CommonName: "Ada Arbiter"}, 30, keys.WithIssueTime(clock.Now()))
	if err != nil {
		t.Fatalf("IssueCertificate failed: %v", err)
	}
	return &fixture{clock: clock, creds: &keys.Credentials{SignerID: "ada", KeyPair: kp, Certificate: cert}}
}

func (f *fixture) sign(t *testing.T, doc []byte, ts *timestamps.Response, role string) []byte {
	t.Helper()
	sig, err := signers.NewEngine(signers.WithClock(f.clock)).SignWithCredentials(doc, f.creds)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	res, err := embed.NewEmbedder(embed.WithClock(f.clock)).Embed(doc, sig, ts, embed.Options{
		SignerName: "Ada Arbiter",
		Reason:     "Final award",
		Location:   "Geneva",
		Role:       role,
	})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	return res.Document
}

func (f *fixture) verifier() *Verifier {
	return NewVerifier(WithClock(f.clock))
}

func TestVerify_TenByteDocument(t *testing.T) {
	f := newFixture(t)
	signed := f.sign(t, []byte("0123456789"), nil, "")

	report, err := f.verifier().Verify(signed)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !report.Signed || len(report.Signatures) != 1 {
		t.Fatalf("report = %+v", report)
	}
	sig := report.Signatures[0]
	if !sig.Valid {
		t.Errorf("expected valid signature, problems: %v", sig.Problems)
	}
	if sig.CertificateFingerprint != f.creds.Certificate.Fingerprint() {
		t.Errorf("fingerprint = %s", sig.CertificateFingerprint)
	}
	if sig.SignerName != "Ada Arbiter" || sig.Reason != "Final award" || sig.Location != "Geneva" {
		t.Errorf("display fields = %+v", sig)
	}
	if !sig.SignedAt.Equal(signingTime) {
		t.Errorf("SignedAt = %v", sig.SignedAt)
	}
	if sig.Timestamp.Present || sig.Timestamp.Assurance != AssuranceNone {
		t.Errorf("timestamp = %+v", sig.Timestamp)
	}
}

func TestVerify_PDF(t *testing.T) {
	for _, xrefStream := range []bool{false, true} {
		t.Run(fmt.Sprintf("xrefStream=%v", xrefStream), func(t *testing.T) {
			f := newFixture(t)
			signed := f.sign(t, pdftest.Build(pdftest.Options{Pages: 3, XRefStream: xrefStream}), nil, "arbitrator")
			report, err := f.verifier().Verify(signed)
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if !report.Valid() || report.Format != "pdf" {
				t.Errorf("report = %+v", report)
			}
		})
	}
}

func TestVerify_Unsigned(t *testing.T) {
	tests := []struct {
		name string
		doc  []byte
	}{
		{"plain bytes", []byte("0123456789")},
		{"empty", nil},
		{"pdf without evidence", pdftest.Minimal()},
		{"corrupt envelope", []byte("x\n" + embed.EnvelopeMarker + "@@@\n" + embed.EnvelopeEndMarker + "1\n")},
		{"corrupt pdf", []byte("%PDF-1.7\ngarbage")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var results []string
			v := NewVerifier(WithResultHook(func(r string) { results = append(results, r) }))
			report, err := v.Verify(tt.doc)
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if report.Signed || report.Signatures == nil || len(report.Signatures) != 0 {
				t.Errorf("report = %+v", report)
			}
			out, _ := json.Marshal(report)
			if string(out) != `{"signed":false,"signatures":[]}` {
				t.Errorf("json = %s", out)
			}
			if len(results) != 1 || results[0] != ResultUnsigned {
				t.Errorf("results = %v", results)
			}
		})
	}
}

func TestVerify_Tampering(t *testing.T) {
	f := newFixture(t)
	plain := f.sign(t, []byte("0123456789"), nil, "")
	pdf := f.sign(t, pdftest.Minimal(), nil, "")

	flip := func(doc []byte, at int) []byte {
		out := bytes.Clone(doc)
		out[at] ^= 0x01
		return out
	}
	appendUpdate := func(doc []byte) []byte {
		xref, err := reader.StartXRef(doc)
		if err != nil {
			t.Fatalf("StartXRef failed: %v", err)
		}
		var buf bytes.Buffer
		buf.Write(doc)
		off := buf.Len()
		buf.WriteString("99 0 obj\n<< /Injected true >>\nendobj\n")
		x := buf.Len()
		fmt.Fprintf(&buf, "xref\n99 1\n%010d 00000 n \ntrailer\n<< /Size 100 /Root 1 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", off, xref, x)
		return buf.Bytes()
	}

	editEnvelope := func(doc []byte, edit func(record map[string]any)) []byte {
		start := bytes.LastIndex(doc, []byte("\n"+embed.EnvelopeMarker)) + 1 + len(embed.EnvelopeMarker)
		end := start + bytes.IndexByte(doc[start:], '\n')
		raw, err := base64.StdEncoding.DecodeString(string(doc[start:end]))
		if err != nil {
			t.Fatalf("decoding envelope failed: %v", err)
		}
		var record map[string]any
		if err := json.Unmarshal(raw, &record); err != nil {
			t.Fatalf("decoding record failed: %v", err)
		}
		edit(record)
		raw, err = json.Marshal(record)
		if err != nil {
			t.Fatalf("encoding record failed: %v", err)
		}
		out := append(bytes.Clone(doc[:start]), base64.StdEncoding.EncodeToString(raw)...)
		return append(out, doc[end:]...)
	}
	// same-length edits keep the xref offsets valid
	editPDF := func(doc []byte, from, to string) []byte {
		if len(from) != len(to) || bytes.Count(doc, []byte(from)) != 1 {
			t.Fatalf("cannot replace %q in place", from)
		}
		return bytes.Replace(doc, []byte(from), []byte(to), 1)
	}

	tests := []struct {
		name      string
		doc       []byte
		digest    bool
		signature bool
		intact    bool
	}{
		{"envelope byte flipped", flip(plain, 3), false, false, true},
		{"envelope bytes appended", append(bytes.Clone(plain), "tail"...), true, true, false},
		{"envelope signer renamed", editEnvelope(plain, func(r map[string]any) {
			r["signerName"] = "Mallory"
			r["reason"] = "Award withdrawn"
		}), true, false, true},
		{"envelope role changed", editEnvelope(plain, func(r map[string]any) { r["role"] = "presiding" }), true, false, true},
		{"envelope seal removed", editEnvelope(plain, func(r map[string]any) { delete(r, "seal") }), true, false, true},
		{"pdf byte flipped", flip(pdf, 20), false, false, true},
		{"pdf update appended", appendUpdate(pdf), true, true, false},
		{"pdf signer renamed", editPDF(pdf, "/Name (Ada Arbiter)", "/Name (Mallory Ltd)"), true, false, true},
		{"pdf reason changed", editPDF(pdf, "/Reason (Final award)", "/Reason (Award: void)"), true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := f.verifier().Verify(tt.doc)
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if !report.Signed || len(report.Signatures) != 1 {
				t.Fatalf("report = %+v", report)
			}
			sig := report.Signatures[0]
			if sig.Valid {
				t.Error("tampered document verified as valid")
			}
			if sig.DigestValid != tt.digest || sig.SignatureValid != tt.signature || sig.Intact != tt.intact {
				t.Errorf("digest=%v signature=%v intact=%v, problems %v", sig.DigestValid, sig.SignatureValid, sig.Intact, sig.Problems)
			}
			if len(sig.Problems) == 0 {
				t.Error("expected problems to be reported")
			}
		})
	}
}

func TestVerify_ContentWithMarkers(t *testing.T) {
	f := newFixture(t)
	doc := []byte("log line\n" + embed.EnvelopeMarker + "not-a-record\nmore text\n")
	signed := f.sign(t, doc, nil, "")

	report, err := f.verifier().Verify(signed)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(report.Signatures) != 1 || !report.Valid() {
		t.Fatalf("report = %+v", report)
	}
}

func TestVerify_CertificateExpired(t *testing.T) {
	f := newFixture(t)
	signed := f.sign(t, []byte("0123456789"), nil, "")
	f.clock.Advance(31 * 24 * time.Hour)

	report, err := f.verifier().Verify(signed)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	sig := report.Signatures[0]
	if sig.Valid || sig.CertificateValid || !sig.DigestValid || !sig.SignatureValid {
		t.Errorf("signature = %+v", sig)
	}
}

func TestVerify_MultipleSigners(t *testing.T) {
	f := newFixture(t)
	once := f.sign(t, pdftest.Minimal(), nil, "presiding")
	twice := f.sign(t, once, nil, "co-arbitrator")

	report, err := f.verifier().Verify(twice)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(report.Signatures) != 2 || !report.Valid() {
		for _, s := range report.Signatures {
			t.Logf("%s: %v", s.Role, s.Problems)
		}
		t.Fatalf("expected two valid signatures")
	}
	if report.Signatures[0].Role != "presiding" || report.Signatures[1].Role != "co-arbitrator" {
		t.Errorf("roles = %s, %s", report.Signatures[0].Role, report.Signatures[1].Role)
	}
}

func TestVerify_Timestamps(t *testing.T) {
	f := newFixture(t)
	doc := []byte("0123456789")

	authority, err := timestamps.NewDevelopmentAuthority("Test", timestamps.WithAuthorityClock(f.clock))
	if err != nil {
		t.Fatalf("NewDevelopmentAuthority failed: %v", err)
	}
	srv := httptest.NewServer(authority)
	defer srv.Close()

	remote, err := timestamps.NewClient(timestamps.Config{URL: srv.URL}).RequestTimestamp(context.Background(), doc)
	if err != nil {
		t.Fatalf("remote timestamp failed: %v", err)
	}
	local, err := timestamps.NewClient(timestamps.Config{}, timestamps.WithClientClock(f.clock)).RequestTimestamp(context.Background(), doc)
	if err != nil {
		t.Fatalf("local timestamp failed: %v", err)
	}
	other := sha256.Sum256([]byte("another document"))
	foreign, err := timestamps.NewClient(timestamps.Config{URL: srv.URL}).RequestTimestampForDigest(context.Background(), other[:])
	if err != nil {
		t.Fatalf("foreign timestamp failed: %v", err)
	}

	tests := []struct {
		name      string
		ts        *timestamps.Response
		assurance Assurance
		valid     bool
	}{
		{"tsa", remote, AssuranceTSA, true},
		{"local fallback", local, AssuranceLocal, true},
		{"token for other bytes", foreign, AssuranceTSA, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := f.verifier().Verify(f.sign(t, doc, tt.ts, ""))
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			got := report.Signatures[0].Timestamp
			if !got.Present || got.Assurance != tt.assurance || got.Valid != tt.valid {
				t.Errorf("timestamp = %+v", got)
			}
			if tt.valid && !got.Time.Equal(signingTime) {
				t.Errorf("timestamp time = %v", got.Time)
			}
			if tt.assurance == AssuranceLocal && !strings.HasSuffix(got.TSAName, "Local TSA (Development)") {
				t.Errorf("TSAName = %q", got.TSAName)
			}
			// Timestamp problems do not invalidate the signature itself.
			if !report.Signatures[0].Valid {
				t.Errorf("signature invalid: %v", report.Signatures[0].Problems)
			}
		})
	}
}
