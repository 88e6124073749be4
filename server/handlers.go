package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/georgepadayatti/docseal/keys"
	"github.com/georgepadayatti/docseal/logging"
	"github.com/georgepadayatti/docseal/sign"
	"github.com/georgepadayatti/docseal/sign/embed"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// SignRequest is the body of POST /v1/sign.
type SignRequest struct {
	// Document is the base64 encoded input.
	Document         string `json:"document"`
	SignerID         string `json:"signerId,omitempty"`
	SignerName       string `json:"signerName"`
	Email            string `json:"email,omitempty"`
	Organization     string `json:"organization,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Location         string `json:"location,omitempty"`
	ContactInfo      string `json:"contactInfo,omitempty"`
	Role             string `json:"role,omitempty"`
	Timestamp        bool   `json:"timestamp,omitempty"`
	RequireTimestamp bool   `json:"requireTimestamp,omitempty"`
}

// SignResponse is the body returned by POST /v1/sign.
type SignResponse struct {
	Document               string             `json:"document"`
	Digest                 string             `json:"digest"`
	DocumentDigest         string             `json:"documentDigest"`
	RecordID               string             `json:"recordId"`
	Role                   string             `json:"role"`
	SignedAt               time.Time          `json:"signedAt"`
	CertificateFingerprint string             `json:"certificateFingerprint"`
	Timestamp              *TimestampResponse `json:"timestamp,omitempty"`
}

// TimestampResponse summarizes the timestamp obtained while signing.
type TimestampResponse struct {
	Granted bool       `json:"granted"`
	Local   bool       `json:"local"`
	TSAName string     `json:"tsaName,omitempty"`
	Time    *time.Time `json:"time,omitempty"`
	Status  string     `json:"status"`
}

// VerifyRequest is the body of POST /v1/verify.
type VerifyRequest struct {
	Document string `json:"document"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func decodeDocument(w http.ResponseWriter, encoded string) ([]byte, bool) {
	doc, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		writeError(w, http.StatusBadRequest, "document is not valid base64")
		return nil, false
	}
	if len(doc) == 0 {
		writeError(w, http.StatusBadRequest, "document is empty")
		return nil, false
	}
	return doc, true
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if !s.decode(w, r, &req) {
		return
	}
	doc, ok := decodeDocument(w, req.Document)
	if !ok {
		return
	}

	signerID := req.SignerID
	if claims, ok := ClaimsFrom(r.Context()); ok {
		if signerID != "" && signerID != claims.Subject {
			writeError(w, http.StatusForbidden, "token subject does not match signerId")
			return
		}
		signerID = claims.Subject
		if req.SignerName == "" {
			req.SignerName = claims.Name
		}
	}

	signed, err := s.svc.Sign(r.Context(), doc, signerID, sign.Options{
		SignerName:       req.SignerName,
		Email:            req.Email,
		Organization:     req.Organization,
		Reason:           req.Reason,
		Location:         req.Location,
		ContactInfo:      req.ContactInfo,
		Role:             req.Role,
		Timestamp:        req.Timestamp,
		RequireTimestamp: req.RequireTimestamp,
	})
	if err != nil {
		s.signError(w, r, err)
		return
	}

	resp := SignResponse{
		Document:               base64.StdEncoding.EncodeToString(signed.Document),
		Digest:                 signed.Digest,
		DocumentDigest:         signed.Signature.DocumentDigest,
		RecordID:               signed.Record.ID,
		Role:                   signed.Record.Role,
		SignedAt:               signed.Signature.SignedAt,
		CertificateFingerprint: signed.Signature.CertificateFingerprint,
	}
	if ts := signed.Timestamp; ts != nil {
		resp.Timestamp = &TimestampResponse{
			Granted: ts.Granted(),
			Local:   ts.Local,
			TSAName: ts.TSAName,
			Status:  ts.Status.String(),
		}
		if !ts.Time.IsZero() {
			t := ts.Time
			resp.Timestamp.Time = &t
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) signError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sign.ErrEmptyDocument), errors.Is(err, keys.ErrSignerIDRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, embed.ErrRoleAlreadySigned):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sign.ErrTimestampRequired):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, embed.ErrEmbedding):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		logging.From(r.Context()).Error("signing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "signing failed")
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	doc, ok := decodeDocument(w, req.Document)
	if !ok {
		return
	}
	report, err := s.svc.Verify(r.Context(), doc)
	if err != nil {
		logging.From(r.Context()).Error("verification failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) loadCredentials(w http.ResponseWriter, r *http.Request) (*keys.Credentials, bool) {
	id := chi.URLParam(r, "signerID")
	creds, err := s.svc.Authority().LoadCredentials(r.Context(), id)
	switch {
	case errors.Is(err, keys.ErrCredentialsNotFound):
		writeError(w, http.StatusNotFound, "unknown signer")
		return nil, false
	case err != nil:
		logging.From(r.Context()).Error("loading credentials failed", zap.String("signer_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "loading credentials failed")
		return nil, false
	}
	return creds, true
}

func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	creds, ok := s.loadCredentials(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(creds.Certificate.PEM())
}

func (s *Server) handleJWK(w http.ResponseWriter, r *http.Request) {
	creds, ok := s.loadCredentials(w, r)
	if !ok {
		return
	}
	key, err := keys.PublicJWK(creds)
	if err != nil {
		logging.From(r.Context()).Error("jwk export failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "jwk export failed")
		return
	}
	writeJSON(w, http.StatusOK, key)
}
