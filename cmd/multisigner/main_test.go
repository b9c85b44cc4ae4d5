package main

import (
	"bytes"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// liteEnv points configuration at a throwaway data directory.
func liteEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("POLICY_FILE", "")
	t.Setenv("GENERATOR_URL", "")
	t.Setenv("ARTIFACT_STORAGE_TYPE", "fs")
	t.Setenv("MFA_MASTER_KEY", hex.EncodeToString(bytes.Repeat([]byte{9}, 32)))
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
	return dir
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"multisigner"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Help(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "retry-finalization")
	assert.Contains(t, out, "sweep-expired")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")
}

func TestRun_DefaultsToServer(t *testing.T) {
	called := 0
	orig := startServer
	startServer = func(_ io.Writer) int { called++; return 0 }
	t.Cleanup(func() { startServer = orig })

	code, _, _ := run()
	assert.Equal(t, 0, code)
	code, _, _ = run("--port=1")
	assert.Equal(t, 0, code)
	assert.Equal(t, 2, called)
}

func TestRun_RequiredFlags(t *testing.T) {
	for _, args := range [][]string{
		{"verify"},
		{"export", "--request", "r"},
		{"pack"},
		{"pack", "verify"},
		{"mfa-enroll", "--user", "u"},
	} {
		code, _, _ := run(args...)
		assert.Equal(t, 2, code, args)
	}
}

func TestRun_MigrateEnrollSweep(t *testing.T) {
	dir := liteEnv(t)

	code, out, errOut := run("migrate")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Schema is up to date")
	_, err := os.Stat(filepath.Join(dir, "multisigner.db"))
	require.NoError(t, err)

	code, out, errOut = run("mfa-enroll", "--user", "u-1", "--email", "ann@example.com")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Secret:")
	assert.Contains(t, out, "Backup codes:")

	code, _, errOut = run("mfa-enroll", "--user", "u-1", "--code", "12")
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, errOut)

	code, out, errOut = run("sweep-expired")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Expired 0 request(s)")

	code, out, errOut = run("retry-finalization")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"considered": 0`)
}

func TestRun_SweepNeedsMFAKey(t *testing.T) {
	liteEnv(t)
	t.Setenv("MFA_MASTER_KEY", "")
	require.Equal(t, 0, func() int { c, _, _ := run("migrate"); return c }())

	code, _, errOut := run("sweep-expired")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "MFA_MASTER_KEY")
}

func TestRun_VerifyUnknownRequest(t *testing.T) {
	liteEnv(t)
	require.Equal(t, 0, func() int { c, _, _ := run("migrate"); return c }())

	code, _, errOut := run("verify", "--request", "00000000-0000-0000-0000-000000000000")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "verification failed")
}

func TestRun_PackVerify(t *testing.T) {
	p := filepath.Join(t.TempDir(), "pack.tar.gz")
	require.NoError(t, ExportPack("req-9", map[string][]byte{"verification.json": []byte(`{}`)}, exportedAt, p))

	code, out, _ := run("pack", "verify", "--bundle", p, "--json")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, `"request_id": "req-9"`)
}

func TestRun_DoctorReportsMissingSecrets(t *testing.T) {
	liteEnv(t)
	t.Setenv("JWT_SECRET", "short")
	code, out, _ := run("doctor")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "jwt_secret")
	assert.Contains(t, out, "artifact_store")
}

func TestRun_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	code, out, _ := run("health", "--url", srv.URL)
	assert.Equal(t, 0, code)
	assert.Equal(t, "OK\n", out)

	srv.Close()
	code, _, errOut := run("health", "--url", srv.URL)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Health check failed")
}
