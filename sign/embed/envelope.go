package embed

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
)

// Envelope markers for documents that are not PDF.
const (
	EnvelopeMarker    = "%DOCSEAL-EVIDENCE "
	EnvelopeEndMarker = "%DOCSEAL-EOF "
)

// appendEnvelope writes record after document:
//
//	\n%DOCSEAL-EVIDENCE <base64 JSON>\n%DOCSEAL-EOF <signedLength>\n
func appendEnvelope(document []byte, record *Record) ([]byte, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(document) + base64.StdEncoding.EncodedLen(len(payload)) + 64)
	buf.Write(document)
	buf.WriteByte('\n')
	buf.WriteString(EnvelopeMarker)
	buf.WriteString(base64.StdEncoding.EncodeToString(payload))
	buf.WriteByte('\n')
	buf.WriteString(EnvelopeEndMarker)
	buf.WriteString(strconv.FormatInt(record.SignedLength, 10))
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (e *Embedder) embedEnvelope(document []byte, record *Record) ([]byte, error) {
	ev, err := extractEnvelopes(document)
	switch {
	case err == nil:
		if err := checkRole(ev.Records, record.Role); err != nil {
			return nil, fail(StageRecords, err)
		}
	case errors.Is(err, ErrNoEvidence):
	default:
		// an unreadable trailer is ordinary content to the new signature
		e.logger.Debug("signing over unreadable envelope", zap.Error(err))
	}
	out, err := appendEnvelope(document, record)
	if err != nil {
		return nil, fail(StageWrite, err)
	}
	return out, nil
}

// extractEnvelopes walks the envelopes backwards from the end of document.
// Each end marker names the length of the bytes its record signed, which is
// where that envelope begins. The walk stops at the first prefix that does not
// end in an end marker, so signed content is never scanned for markers. When
// bytes were appended after the last envelope the walk starts from the last
// well-formed one and verification reports the extra bytes.
func extractEnvelopes(document []byte) (*Evidence, error) {
	end := len(document)
	if _, ok, _ := envelopeStart(document); !ok {
		if end = lastEnvelopeEnd(document); end < 0 {
			return nil, ErrNoEvidence
		}
	}

	var (
		records []Record
		spans   []Span
	)
	for {
		record, begin, ok, err := envelopeEndingAt(document, end)
		if !ok {
			break
		}
		if err != nil {
			if len(records) == 0 {
				return nil, fmt.Errorf("envelope ending at %d: %w", end, err)
			}
			// bytes that only look like an envelope belong to the content
			// the earliest record signed
			break
		}
		records = append(records, *record)
		spans = append(spans, Span{Start: int64(begin), End: int64(end)})
		end = begin
	}

	ev := &Evidence{Format: FormatEnvelope, Length: int64(len(document))}
	for i := len(records) - 1; i >= 0; i-- {
		ev.Records = append(ev.Records, records[i])
		ev.Envelopes = append(ev.Envelopes, spans[i])
	}
	return ev, nil
}

// lastEnvelopeEnd locates the last well-formed envelope of a document that
// has bytes appended after it, or returns -1.
func lastEnvelopeEnd(document []byte) int {
	anchor := []byte("\n" + EnvelopeEndMarker)
	for limit := len(document); ; {
		i := bytes.LastIndex(document[:limit], anchor)
		if i < 0 {
			return -1
		}
		if nl := bytes.IndexByte(document[i+len(anchor):], '\n'); nl >= 0 {
			end := i + len(anchor) + nl + 1
			if _, _, ok, err := envelopeEndingAt(document, end); ok && err == nil {
				return end
			}
		}
		limit = i
	}
}

// envelopeEndingAt parses the envelope that closes document[:end] and returns
// its record and start offset. ok is false when those bytes do not end in an
// end marker.
func envelopeEndingAt(document []byte, end int) (*Record, int, bool, error) {
	begin, ok, err := envelopeStart(document[:end])
	if !ok || err != nil {
		return nil, 0, ok, err
	}
	start := []byte("\n" + EnvelopeMarker)
	if !bytes.HasPrefix(document[begin:end], start) {
		return nil, 0, true, fmt.Errorf("%w: end marker does not point at an envelope", ErrMalformedEvidence)
	}
	record, stop, err := parseEnvelope(document, begin+len(start))
	if err != nil {
		return nil, 0, true, err
	}
	if stop != end {
		return nil, 0, true, fmt.Errorf("%w: %d bytes between envelope and end marker", ErrMalformedEvidence, end-stop)
	}
	return record, begin, true, nil
}

// envelopeStart reads the end marker on the last line of prefix and returns
// the offset it names. ok is false when the last line is not an end marker.
func envelopeStart(prefix []byte) (int, bool, error) {
	if len(prefix) == 0 || prefix[len(prefix)-1] != '\n' {
		return 0, false, nil
	}
	lineStart := bytes.LastIndexByte(prefix[:len(prefix)-1], '\n') + 1
	line := prefix[lineStart : len(prefix)-1]
	if !bytes.HasPrefix(line, []byte(EnvelopeEndMarker)) {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(string(line[len(EnvelopeEndMarker):]), 10, 64)
	if err != nil || n < 0 || n >= int64(lineStart) {
		return 0, true, fmt.Errorf("%w: bad end marker", ErrMalformedEvidence)
	}
	return int(n), true, nil
}

// parseEnvelope decodes the envelope whose payload starts at payloadStart and
// returns the offset just past it.
func parseEnvelope(document []byte, payloadStart int) (*Record, int, error) {
	nl := bytes.IndexByte(document[payloadStart:], '\n')
	if nl < 0 {
		return nil, 0, fmt.Errorf("%w: unterminated payload", ErrMalformedEvidence)
	}
	payload := document[payloadStart : payloadStart+nl]
	rest := document[payloadStart+nl+1:]
	if !bytes.HasPrefix(rest, []byte(EnvelopeEndMarker)) {
		return nil, 0, fmt.Errorf("%w: missing end marker", ErrMalformedEvidence)
	}
	rest = rest[len(EnvelopeEndMarker):]
	nl2 := bytes.IndexByte(rest, '\n')
	if nl2 < 0 {
		return nil, 0, fmt.Errorf("%w: unterminated end marker", ErrMalformedEvidence)
	}
	anchor, err := strconv.ParseInt(string(rest[:nl2]), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: bad end marker", ErrMalformedEvidence)
	}
	end := payloadStart + nl + 1 + len(EnvelopeEndMarker) + nl2 + 1

	raw, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if record.Version != RecordVersion {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, record.Version)
	}
	if record.SignedLength != anchor {
		return nil, 0, fmt.Errorf("%w: end marker %d does not match record length %d", ErrMalformedEvidence, anchor, record.SignedLength)
	}
	if len(record.Signature) == 0 || len(record.Certificate) == 0 {
		return nil, 0, fmt.Errorf("%w: missing signature or certificate", ErrMalformedRecord)
	}
	return &record, end, nil
}
