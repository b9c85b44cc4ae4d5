package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var exportedAt = time.Date(2026, 9, 14, 12, 0, 0, 0, time.UTC)

func TestExportAndVerify_RoundTrip(t *testing.T) {
	out := filepath.Join(t.TempDir(), "evidence.tar.gz")
	files := map[string][]byte{
		"verification.json":         []byte(`{"valid":true,"reason":"verified"}`),
		"artifact/certificate.json": []byte(`{"format":"multisigner.completion-certificate/v1"}`),
	}

	require.NoError(t, ExportPack("req-1", files, exportedAt, out))

	manifest, err := VerifyPack(out)
	require.NoError(t, err)
	assert.Equal(t, "req-1", manifest.RequestID)
	assert.Equal(t, "2026-09-14T12:00:00Z", manifest.ExportedAt)
	assert.Len(t, manifest.FileHashes, 2)
}

func TestExportPack_Deterministic(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		"b.json": []byte("second"),
		"a.json": []byte("first"),
	}
	p1, p2 := filepath.Join(dir, "1.tar.gz"), filepath.Join(dir, "2.tar.gz")
	require.NoError(t, ExportPack("req", files, exportedAt, p1))
	require.NoError(t, ExportPack("req", files, exportedAt, p2))

	b1, err := os.ReadFile(p1)
	require.NoError(t, err)
	b2, err := os.ReadFile(p2)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

// writeRawPack builds a pack by hand so tests can forge mismatches.
func writeRawPack(t *testing.T, manifest ExportManifest, files map[string][]byte) string {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	m, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, writeEntry(tw, "manifest.json", m))
	for name, data := range files {
		require.NoError(t, writeEntry(tw, name, data))
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	p := filepath.Join(t.TempDir(), "raw.tar.gz")
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0600))
	return p
}

func TestVerifyPack_Rejects(t *testing.T) {
	okHash := "a7937b64b8caa58f03721bb6bacf5c78cb235febe0e70b1b84cd99541461a08e" // sha256("first")

	tests := []struct {
		name    string
		hashes  map[string]string
		files   map[string][]byte
		wantErr string
	}{
		{"tampered file", map[string]string{"a.json": okHash}, map[string][]byte{"a.json": []byte("f1rst")}, "hash mismatch"},
		{"missing file", map[string]string{"a.json": okHash, "b.json": okHash}, map[string][]byte{"a.json": []byte("first")}, "missing from pack"},
		{"unlisted file", map[string]string{"a.json": okHash}, map[string][]byte{"a.json": []byte("first"), "x.json": []byte("extra")}, "not listed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeRawPack(t, ExportManifest{Version: "1.0", RequestID: "req", FileHashes: tt.hashes}, tt.files)
			_, err := VerifyPack(p)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVerifyPack_NoManifest(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	require.NoError(t, writeEntry(tw, "a.json", []byte("first")))
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	p := filepath.Join(t.TempDir(), "bare.tar.gz")
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0600))

	_, err := VerifyPack(p)
	assert.ErrorContains(t, err, "manifest.json not found")
}
