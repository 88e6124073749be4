package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/docseal/sign/timestamps"
	"github.com/georgepadayatti/docseal/sign/validation"
)

// setupEnv isolates a test from the caller's environment and returns a temp
// directory holding an empty dotenv file.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DOCSEAL_LOG_LEVEL", "error")
	t.Setenv("DOCSEAL_TSA_URL", "")
	t.Setenv("DOCSEAL_STORE_DRIVER", "sqlite")
	t.Setenv("DOCSEAL_STORE_DSN", filepath.Join(dir, "credentials.db"))
	t.Setenv("DOCSEAL_CUSTODY_SECRET", "cli-test-custody-secret")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), nil, 0o600))
	return dir
}

func run(t *testing.T, dir string, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	args = append([]string{"--env", filepath.Join(dir, ".env")}, args...)
	code := Execute(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestVersionCommand(t *testing.T) {
	Version, BuildTime = "1.2.3", "2026-05-04"
	defer func() { Version, BuildTime = "dev", "unknown" }()

	code, out, _ := run(t, t.TempDir(), "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "docseal version 1.2.3")
	assert.Contains(t, out, "Build time: 2026-05-04")
}

func TestSignAndVerify(t *testing.T) {
	dir := setupEnv(t)
	in := filepath.Join(dir, "minutes.txt")
	require.NoError(t, os.WriteFile(in, []byte("Hearing minutes, day one."), 0o644))

	code, out, errOut := run(t, dir, "sign", "--in", in, "--signer", "arb-1",
		"--name", "Ada Arbiter", "--reason", "Approved", "--role", "presiding", "--timestamp")
	require.Equal(t, 0, code, errOut)
	signed := filepath.Join(dir, "minutes-signed.txt")
	assert.Contains(t, out, "-> "+signed)
	assert.Contains(t, out, "(local,")

	code, out, errOut = run(t, dir, "verify", signed)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "VALID  Ada Arbiter (presiding)")
	assert.Contains(t, out, "Reason:      Approved")

	code, out, _ = run(t, dir, "verify", "--json", signed)
	require.Equal(t, 0, code)
	var report validation.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Signatures, 1)
	assert.Equal(t, validation.AssuranceLocal, report.Signatures[0].Timestamp.Assurance)

	// a second signer on the same document
	code, _, errOut = run(t, dir, "sign", "--in", signed, "--out", signed, "--signer", "arb-2", "--role", "co-arbitrator")
	require.Equal(t, 0, code, errOut)
	code, out, _ = run(t, dir, "verify", signed)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "2 signature(s)")

	data, err := os.ReadFile(signed)
	require.NoError(t, err)
	data[0] ^= 0xff
	tampered := filepath.Join(dir, "tampered.txt")
	require.NoError(t, os.WriteFile(tampered, data, 0o644))
	code, out, _ = run(t, dir, "verify", "-v", tampered)
	assert.Equal(t, exitInvalid, code)
	assert.Contains(t, out, "INVALID")
	assert.Contains(t, out, "Digest: false")

	code, out, _ = run(t, dir, "verify", in)
	assert.Equal(t, exitUnsigned, code)
	assert.Contains(t, out, "no signatures found")
}

func TestSignWithTSA(t *testing.T) {
	dir := setupEnv(t)
	authority, err := timestamps.NewDevelopmentAuthority("CLI Test TSA")
	require.NoError(t, err)
	tsa := httptest.NewServer(authority)
	defer tsa.Close()

	in := filepath.Join(dir, "award.txt")
	require.NoError(t, os.WriteFile(in, []byte("final award"), 0o644))
	code, out, errOut := run(t, dir, "sign", "--in", in, "--signer", "arb-1", "--tsa", tsa.URL, "--require-timestamp")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "(CLI Test TSA)")

	code, out, _ = run(t, dir, "verify", "--json", "--in", filepath.Join(dir, "award-signed.txt"))
	require.Equal(t, 0, code)
	var report validation.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, validation.AssuranceTSA, report.Signatures[0].Timestamp.Assurance)
	assert.True(t, report.Signatures[0].Timestamp.Valid)
}

func TestSignErrors(t *testing.T) {
	dir := setupEnv(t)

	code, _, errOut := run(t, dir, "sign", "--in", filepath.Join(dir, "missing.pdf"), "--signer", "arb-1")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error:")

	code, _, errOut = run(t, dir, "sign", "--in", "x.pdf")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, `"signer" not set`)

	in := filepath.Join(dir, "award.txt")
	require.NoError(t, os.WriteFile(in, []byte("award"), 0o644))
	code, _, errOut = run(t, dir, "sign", "--in", in, "--signer", "arb-1", "--require-timestamp")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "trusted timestamp required")
}

func TestKeysCommands(t *testing.T) {
	dir := setupEnv(t)

	code, first, errOut := run(t, dir, "keys", "issue", "--signer", "arb-1", "--name", "Ada Arbiter", "--country", "CH")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, first, "Subject:     Ada Arbiter")

	// credentials persist across invocations through the sqlite store
	code, again, _ := run(t, dir, "keys", "issue", "--signer", "arb-1")
	require.Equal(t, 0, code)
	assert.Equal(t, first, again)

	code, renewed, _ := run(t, dir, "keys", "issue", "--signer", "arb-1", "--renew")
	require.Equal(t, 0, code)
	assert.NotEqual(t, fingerprintLine(first), fingerprintLine(renewed))

	code, out, _ := run(t, dir, "keys", "cert", "--signer", "arb-1")
	require.Equal(t, 0, code)
	block, _ := pem.Decode([]byte(out))
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)

	code, out, _ = run(t, dir, "keys", "jwk", "--signer", "arb-1")
	require.Equal(t, 0, code)
	var jwk map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &jwk))
	assert.Equal(t, "RSA", jwk["kty"])

	p12 := filepath.Join(dir, "arb-1.p12")
	code, out, errOut = run(t, dir, "keys", "export", "--signer", "arb-1", "--password", "changeit", "--out", p12)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Wrote "+p12)
	info, err := os.Stat(p12)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())

	code, _, errOut = run(t, dir, "keys", "cert", "--signer", "nobody")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "not found")
}

func fingerprintLine(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Fingerprint:") {
			return line
		}
	}
	return ""
}

func TestTSARequestFallback(t *testing.T) {
	dir := setupEnv(t)
	in := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(in, []byte("timestamp me"), 0o644))

	code, out, errOut := run(t, dir, "tsa", "request", in)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Local:   true")
}

func TestConfigErrors(t *testing.T) {
	dir := setupEnv(t)
	t.Setenv("DOCSEAL_LOG_FORMAT", "xml")

	code, _, errOut := run(t, dir, "keys", "issue", "--signer", "arb-1")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "logging.format")
}

func TestRunExitCode(t *testing.T) {
	dir := setupEnv(t)
	var got int
	osExit = func(code int) { got = code }
	defer func() { osExit = os.Exit }()

	Run(context.Background(), []string{"docseal", "--env", filepath.Join(dir, ".env"), "verify", filepath.Join(dir, ".env")})
	assert.Equal(t, exitUnsigned, got)
}
