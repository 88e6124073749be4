package embed

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgepadayatti/docseal/pdf/generic"
)

// RecordVersion is written into every evidence record.
const RecordVersion = 1

// Record is the signature evidence stored inside a signed document.
type Record struct {
	ID      string `json:"id"`
	Version int    `json:"v"`
	Role    string `json:"role"`

	SignerName  string `json:"signerName"`
	Reason      string `json:"reason,omitempty"`
	Location    string `json:"location,omitempty"`
	ContactInfo string `json:"contactInfo,omitempty"`

	SignedAt   time.Time `json:"signedAt"`
	EmbeddedAt time.Time `json:"embeddedAt"`

	// Signature is the detached CMS over the first SignedLength bytes.
	Signature              []byte `json:"signature"`
	Certificate            []byte `json:"certificate"`
	CertificateFingerprint string `json:"certificateFingerprint"`
	Algorithm              string `json:"algorithm"`
	DocumentDigest         string `json:"documentDigest"`
	SignedLength           int64  `json:"signedLength"`

	Timestamp *TimestampEvidence `json:"timestamp,omitempty"`

	// Seal is a detached CMS over SealedContent, made with the signing key.
	Seal []byte `json:"seal,omitempty"`
}

// SealedContent returns the bytes Seal covers: the JSON encoding of every
// other field, with times in UTC so the PDF and envelope forms agree.
func (r *Record) SealedContent() ([]byte, error) {
	c := *r
	c.Seal = nil
	c.SignedAt = c.SignedAt.UTC()
	c.EmbeddedAt = c.EmbeddedAt.UTC()
	if r.Timestamp != nil {
		ts := *r.Timestamp
		ts.Time = ts.Time.UTC()
		if len(ts.Token) == 0 {
			ts.Token = nil
		}
		c.Timestamp = &ts
	}
	return json.Marshal(&c)
}

// TimestampEvidence is the timestamp part of a record.
type TimestampEvidence struct {
	Granted bool      `json:"granted"`
	Token   []byte    `json:"token,omitempty"`
	TSAName string    `json:"tsaName,omitempty"`
	Time    time.Time `json:"time,omitempty"`
	Local   bool      `json:"local"`
	Status  string    `json:"status,omitempty"`
}

func (r *Record) pdfDictionary() *generic.DictionaryObject {
	d := generic.NewDictionary()
	d.Set("Type", generic.NameObject("DocSealRecord"))
	d.Set("V", generic.IntegerObject(r.Version))
	d.Set("ID", generic.NewLiteralString(r.ID))
	d.Set("Role", generic.NewTextString(r.Role))
	d.Set("Name", generic.NewTextString(r.SignerName))
	if r.Reason != "" {
		d.Set("Reason", generic.NewTextString(r.Reason))
	}
	if r.Location != "" {
		d.Set("Location", generic.NewTextString(r.Location))
	}
	if r.ContactInfo != "" {
		d.Set("ContactInfo", generic.NewTextString(r.ContactInfo))
	}
	d.Set("M", generic.NewLiteralString(r.SignedAt.UTC().Format(time.RFC3339Nano)))
	d.Set("EmbeddedAt", generic.NewLiteralString(r.EmbeddedAt.UTC().Format(time.RFC3339Nano)))
	d.Set("Signature", generic.NewHexString(r.Signature))
	d.Set("Cert", generic.NewHexString(r.Certificate))
	d.Set("Fingerprint", generic.NewLiteralString(r.CertificateFingerprint))
	d.Set("Algorithm", generic.NewLiteralString(r.Algorithm))
	d.Set("Digest", generic.NewLiteralString(r.DocumentDigest))
	d.Set("SignedLength", generic.IntegerObject(r.SignedLength))
	if ts := r.Timestamp; ts != nil {
		t := generic.NewDictionary()
		t.Set("Granted", generic.BooleanObject(ts.Granted))
		t.Set("Local", generic.BooleanObject(ts.Local))
		if len(ts.Token) > 0 {
			t.Set("Token", generic.NewHexString(ts.Token))
		}
		if ts.TSAName != "" {
			t.Set("TSAName", generic.NewTextString(ts.TSAName))
		}
		if !ts.Time.IsZero() {
			t.Set("Time", generic.NewLiteralString(ts.Time.UTC().Format(time.RFC3339Nano)))
		}
		if ts.Status != "" {
			t.Set("Status", generic.NewTextString(ts.Status))
		}
		d.Set("Timestamp", t)
	}
	if len(r.Seal) > 0 {
		d.Set("Seal", generic.NewHexString(r.Seal))
	}
	return d
}

func recordFromDictionary(d *generic.DictionaryObject) (*Record, error) {
	if d.GetName("Type") != "DocSealRecord" {
		return nil, fmt.Errorf("%w: not a record dictionary", ErrMalformedRecord)
	}
	r := &Record{
		ID:                     d.GetString("ID"),
		Role:                   d.GetString("Role"),
		SignerName:             d.GetString("Name"),
		Reason:                 d.GetString("Reason"),
		Location:               d.GetString("Location"),
		ContactInfo:            d.GetString("ContactInfo"),
		CertificateFingerprint: d.GetString("Fingerprint"),
		Algorithm:              d.GetString("Algorithm"),
		DocumentDigest:         d.GetString("Digest"),
	}
	v, _ := d.GetInt("V")
	r.Version = int(v)
	length, ok := d.GetInt("SignedLength")
	if !ok || length < 0 {
		return nil, fmt.Errorf("%w: missing SignedLength", ErrMalformedRecord)
	}
	r.SignedLength = length

	var err error
	if r.Signature, err = bytesField(d, "Signature"); err != nil {
		return nil, err
	}
	if r.Certificate, err = bytesField(d, "Cert"); err != nil {
		return nil, err
	}
	if _, err := hex.DecodeString(r.DocumentDigest); err != nil || len(r.DocumentDigest) != 64 {
		return nil, fmt.Errorf("%w: bad digest", ErrMalformedRecord)
	}
	if r.SignedAt, err = timeField(d, "M"); err != nil {
		return nil, err
	}
	r.EmbeddedAt, _ = timeField(d, "EmbeddedAt")
	if s, ok := d.Get("Seal").(*generic.StringObject); ok {
		r.Seal = s.Value
	}

	if t := d.GetDict("Timestamp"); t != nil {
		ts := &TimestampEvidence{
			TSAName: t.GetString("TSAName"),
			Status:  t.GetString("Status"),
		}
		if b, ok := t.Get("Granted").(generic.BooleanObject); ok {
			ts.Granted = bool(b)
		}
		if b, ok := t.Get("Local").(generic.BooleanObject); ok {
			ts.Local = bool(b)
		}
		if s, ok := t.Get("Token").(*generic.StringObject); ok {
			ts.Token = s.Value
		}
		ts.Time, _ = timeField(t, "Time")
		r.Timestamp = ts
	}
	return r, nil
}

func bytesField(d *generic.DictionaryObject, key string) ([]byte, error) {
	s, ok := d.Get(key).(*generic.StringObject)
	if !ok || len(s.Value) == 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedRecord, key)
	}
	return s.Value, nil
}

func timeField(d *generic.DictionaryObject, key string) (time.Time, error) {
	raw := d.GetString(key)
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad %s %q", ErrMalformedRecord, key, raw)
	}
	return t, nil
}
