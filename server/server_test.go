package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/georgepadayatti/docseal/config"
	"github.com/georgepadayatti/docseal/keys"
	"github.com/georgepadayatti/docseal/metrics"
	"github.com/georgepadayatti/docseal/pdf/pdftest"
	"github.com/georgepadayatti/docseal/sign"
	"github.com/georgepadayatti/docseal/sign/timestamps"
	"github.com/georgepadayatti/docseal/sign/validation"
	"github.com/georgepadayatti/docseal/store"
)

const testSecret = "server-test-secret"

func newTestServer(t *testing.T, cfg config.ServerConfig, opts ...Option) *httptest.Server {
	t.Helper()
	svc := sign.NewService(keys.NewAuthority(store.NewMemory()),
		sign.WithTimestampClient(timestamps.NewClient(timestamps.Config{})),
	)
	srv := httptest.NewServer(New(svc, cfg, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func token(t *testing.T, secret, subject, issuer string) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name: "Token Holder",
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestServer_SignAndVerify(t *testing.T) {
	srv := newTestServer(t, config.ServerConfig{})

	resp := postJSON(t, srv.URL+"/v1/sign", "", SignRequest{
		Document:   base64.StdEncoding.EncodeToString(pdftest.Minimal()),
		SignerID:   "arb-1",
		SignerName: "Ada Arbiter",
		Reason:     "Final award",
		Role:       "presiding",
		Timestamp:  true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	signed := decodeBody[SignResponse](t, resp)
	assert.Equal(t, "presiding", signed.Role)
	require.NotNil(t, signed.Timestamp)
	assert.True(t, signed.Timestamp.Local)
	assert.True(t, signed.Timestamp.Granted)

	resp = postJSON(t, srv.URL+"/v1/verify", "", VerifyRequest{Document: signed.Document})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeBody[validation.Report](t, resp)
	require.True(t, report.Signed)
	require.Len(t, report.Signatures, 1)
	assert.True(t, report.Signatures[0].Valid, "problems: %v", report.Signatures[0].Problems)
	assert.Equal(t, validation.AssuranceLocal, report.Signatures[0].Timestamp.Assurance)

	resp = postJSON(t, srv.URL+"/v1/sign", "", SignRequest{
		Document: signed.Document,
		SignerID: "arb-2",
		Role:     "presiding",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_BadRequests(t *testing.T) {
	srv := newTestServer(t, config.ServerConfig{MaxBodyBytes: 256})

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid json", "/v1/sign", "{", http.StatusBadRequest},
		{"bad base64", "/v1/sign", `{"document":"***","signerId":"a"}`, http.StatusBadRequest},
		{"empty document", "/v1/verify", `{"document":""}`, http.StatusBadRequest},
		{"missing signer", "/v1/sign", `{"document":"YWJj"}`, http.StatusBadRequest},
		{"too large", "/v1/verify", `{"document":"` + strings.Repeat("A", 400) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+tt.path, "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
			body := decodeBody[errorBody](t, resp)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestServer_Authentication(t *testing.T) {
	srv := newTestServer(t, config.ServerConfig{JWTSecret: testSecret, JWTIssuer: "docseal-test"})
	doc := base64.StdEncoding.EncodeToString([]byte("award text"))

	tests := []struct {
		name     string
		token    string
		signerID string
		want     int
	}{
		{"no token", "", "", http.StatusUnauthorized},
		{"wrong secret", token(t, "other", "arb-1", "docseal-test"), "", http.StatusUnauthorized},
		{"wrong issuer", token(t, testSecret, "arb-1", "elsewhere"), "", http.StatusUnauthorized},
		{"no subject", token(t, testSecret, "", "docseal-test"), "", http.StatusUnauthorized},
		{"subject mismatch", token(t, testSecret, "arb-1", "docseal-test"), "arb-2", http.StatusForbidden},
		{"subject used", token(t, testSecret, "arb-1", "docseal-test"), "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/sign", tt.token, SignRequest{Document: doc, SignerID: tt.signerID})
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	// verification stays public
	resp := postJSON(t, srv.URL+"/v1/verify", "", VerifyRequest{Document: doc})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/v1/signers/arb-1/certificate")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pemData, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	cert, err := keys.ParseSigningCertificate(pemData)
	require.NoError(t, err)
	assert.Equal(t, "Token Holder", cert.Subject.CommonName)
}

func TestServer_SignerKeys(t *testing.T) {
	srv := newTestServer(t, config.ServerConfig{})

	resp, err := http.Get(srv.URL + "/v1/signers/arb-9/certificate")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	signResp := postJSON(t, srv.URL+"/v1/sign", "", SignRequest{
		Document: base64.StdEncoding.EncodeToString([]byte("award")),
		SignerID: "arb-9",
	})
	require.Equal(t, http.StatusOK, signResp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/signers/arb-9/jwk")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jwk := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "RSA", jwk["kty"])
	assert.NotEmpty(t, jwk["n"])
	assert.NotContains(t, jwk, "d")
}

func TestServer_RateLimit(t *testing.T) {
	srv := newTestServer(t, config.ServerConfig{RateLimit: 0.001, RateBurst: 1})
	body := VerifyRequest{Document: base64.StdEncoding.EncodeToString([]byte("x"))}

	first := postJSON(t, srv.URL+"/v1/verify", "", body)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	second := postJSON(t, srv.URL+"/v1/verify", "", body)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "1", second.Header.Get("Retry-After"))

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestServer_Health(t *testing.T) {
	healthy := newTestServer(t, config.ServerConfig{}, WithHealthCheck(pingFunc(func(context.Context) error { return nil })))
	resp, err := http.Get(healthy.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newTestServer(t, config.ServerConfig{}, WithHealthCheck(pingFunc(func(context.Context) error {
		return errors.New("connection refused")
	})))
	resp, err = http.Get(down.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "connection refused", body["error"])
}

func TestNewFromConfig_MetricsAndTSA(t *testing.T) {
	cfg := config.Default()
	cfg.Server.DevTSA = true
	m := metrics.New(prometheus.NewRegistry())

	svc, err := sign.NewServiceFromConfig(cfg, store.NewMemory(), nil, m)
	require.NoError(t, err)
	s, err := NewFromConfig(svc, cfg, nil, m, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	client := timestamps.NewClient(timestamps.Config{URL: srv.URL + "/tsa", Timeout: 5 * time.Second})
	ts, err := client.RequestTimestamp(context.Background(), []byte("award text"))
	require.NoError(t, err)
	assert.True(t, ts.Granted())
	assert.False(t, ts.Local)

	resp := postJSON(t, srv.URL+"/v1/verify", "", VerifyRequest{Document: base64.StdEncoding.EncodeToString([]byte("plain"))})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `docseal_http_requests_total{method="POST",route="/v1/verify",status="200"} 1`)
	assert.Contains(t, text, `docseal_verify_total{result="unsigned"} 1`)
}

func TestListenAndServe_WarnsWithoutAuthentication(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.ServerConfig
		warn     bool
		loopback bool
	}{
		{"no secret on loopback", config.ServerConfig{Addr: "127.0.0.1:0"}, true, true},
		{"no secret on all interfaces", config.ServerConfig{Addr: ":0"}, true, false},
		{"secret set", config.ServerConfig{Addr: "127.0.0.1:0", JWTSecret: testSecret}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			svc := sign.NewService(keys.NewAuthority(store.NewMemory()))
			s := New(svc, tt.cfg, WithLogger(zap.New(core)))

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			require.NoError(t, s.ListenAndServe(ctx))

			warnings := logs.FilterMessageSnippet("jwt-secret").All()
			if !tt.warn {
				assert.Empty(t, warnings)
				return
			}
			require.Len(t, warnings, 1)
			assert.Equal(t, tt.loopback, warnings[0].ContextMap()["loopback"])
		})
	}
}
