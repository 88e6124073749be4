package validation

import (
	"fmt"
	"time"
)

// Assurance grades a timestamp.
type Assurance string

const (
	AssuranceNone  Assurance = "none"
	AssuranceLocal Assurance = "local"
	AssuranceTSA   Assurance = "tsa"
)

// Report is the outcome of verifying a document.
type Report struct {
	Signed     bool              `json:"signed"`
	Format     string            `json:"format,omitempty"`
	Signatures []SignatureReport `json:"signatures"`
}

// Valid reports whether the document is signed and every signature holds.
func (r *Report) Valid() bool {
	if !r.Signed || len(r.Signatures) == 0 {
		return false
	}
	for _, s := range r.Signatures {
		if !s.Valid {
			return false
		}
	}
	return true
}

// SignatureReport describes one record.
type SignatureReport struct {
	SignerName             string    `json:"signerName"`
	Reason                 string    `json:"reason"`
	Location               string    `json:"location"`
	SignedAt               time.Time `json:"signedAt"`
	CertificateFingerprint string    `json:"certificateFingerprint"`
	Valid                  bool      `json:"valid"`

	Role             string          `json:"role"`
	DigestValid      bool            `json:"digestValid"`
	SignatureValid   bool            `json:"signatureValid"`
	CertificateValid bool            `json:"certificateValid"`
	Intact           bool            `json:"intact"`
	Timestamp        TimestampReport `json:"timestamp"`
	Problems         []string        `json:"problems"`
}

func (s *SignatureReport) problem(format string, args ...any) {
	s.Problems = append(s.Problems, fmt.Sprintf(format, args...))
}

// TimestampReport describes the timestamp bound to a record.
type TimestampReport struct {
	Present   bool      `json:"present"`
	Time      time.Time `json:"time,omitempty"`
	TSAName   string    `json:"tsaName,omitempty"`
	Assurance Assurance `json:"assurance"`
	Valid     bool      `json:"valid"`
}

func unsigned() *Report {
	return &Report{Signed: false, Signatures: []SignatureReport{}}
}
