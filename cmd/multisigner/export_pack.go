package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"time"

	"github.com/signtusk/multisigner/pkg/config"
	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/verify"
)

// ExportManifest is written as manifest.json inside the evidence pack.
type ExportManifest struct {
	Version    string            `json:"version"`
	ExportedAt string            `json:"exported_at"`
	RequestID  string            `json:"request_id"`
	FileHashes map[string]string `json:"file_hashes"`
}

// ExportPack creates a deterministic tar.gz evidence pack.
// Determinism: sorted paths, fixed mtime(0), stable uid/gid(0), and the
// caller supplies the manifest timestamp.
func ExportPack(requestID string, files map[string][]byte, exportedAt time.Time, outPath string) error {
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	defer gw.Close()

	tw := tar.NewWriter(gw)
	defer tw.Close()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	fileHashes := make(map[string]string)
	for _, name := range names {
		h := sha256.Sum256(files[name])
		fileHashes[name] = hex.EncodeToString(h[:])
	}

	manifest := ExportManifest{
		Version:    "1.0",
		ExportedAt: exportedAt.UTC().Format(time.RFC3339),
		RequestID:  requestID,
		FileHashes: fileHashes,
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	// Manifest first
	if err := writeEntry(tw, "manifest.json", manifestBytes); err != nil {
		return err
	}
	for _, name := range names {
		if err := writeEntry(tw, name, files[name]); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Unix(0, 0), // Deterministic: epoch
		Uid:     0,
		Gid:     0,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write data %s: %w", name, err)
	}
	return nil
}

// VerifyPack reads an evidence pack and checks every file against the
// manifest. Files not listed in the manifest are rejected.
func VerifyPack(packPath string) (*ExportManifest, error) {
	f, err := os.Open(packPath)
	if err != nil {
		return nil, fmt.Errorf("open pack: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)

	var manifest *ExportManifest
	fileHashes := make(map[string]string)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar read: %w", err)
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}

		if hdr.Name == "manifest.json" {
			var m ExportManifest
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, fmt.Errorf("decode manifest: %w", err)
			}
			manifest = &m
		} else {
			h := sha256.Sum256(data)
			fileHashes[hdr.Name] = hex.EncodeToString(h[:])
		}
	}

	if manifest == nil {
		return nil, errors.New("manifest.json not found in pack")
	}

	for name, expectedHash := range manifest.FileHashes {
		actualHash, ok := fileHashes[name]
		if !ok {
			return nil, fmt.Errorf("file %s listed in manifest but missing from pack", name)
		}
		if actualHash != expectedHash {
			return nil, fmt.Errorf("hash mismatch for %s: expected %s, got %s", name, expectedHash, actualHash)
		}
	}
	for name := range fileHashes {
		if _, ok := manifest.FileHashes[name]; !ok {
			return nil, fmt.Errorf("file %s is not listed in manifest", name)
		}
	}

	return manifest, nil
}

// evidenceFiles collects what an auditor needs for one request: the
// verification report and, once finalized, the artifact itself.
func evidenceFiles(ctx context.Context, svc *Services, result *verify.Result) (map[string][]byte, error) {
	report, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal verification: %w", err)
	}
	files := map[string][]byte{"verification.json": report}

	rec, err := svc.Store.GetFinalization(ctx, result.RequestID)
	if errors.Is(err, contracts.ErrNotFinalized) {
		return files, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := svc.Artifacts.Fetch(ctx, rec.ArtifactRef)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	files["artifact/"+path.Base(rec.ArtifactRef)] = data
	return files, nil
}

// runExportCmd implements `multisigner export`.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		requestID  string
		outPath    string
		jsonOutput bool
	)
	cmd.StringVar(&requestID, "request", "", "Signing request ID (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Output path for the tar.gz pack (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if requestID == "" || outPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --request and --out are required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	svc, ok := loadServices(ctx, config.Load(), stderr)
	if !ok {
		return 2
	}
	defer svc.Close(ctx)

	result, err := svc.Verifier.Verify(ctx, requestID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	files, err := evidenceFiles(ctx, svc, result)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	exportedAt := result.VerifiedAt
	if result.FinalizedAt != nil {
		exportedAt = *result.FinalizedAt
	}
	if err := ExportPack(requestID, files, exportedAt, outPath); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error creating pack: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"request_id": requestID,
			"pack_path":  outPath,
			"file_count": len(files),
			"valid":      result.Valid,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "✅ Evidence pack created: %s (%d files)\n", outPath, len(files))
	}
	return 0
}

// runPackCmd implements `multisigner pack verify`.
func runPackCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "verify" {
		_, _ = fmt.Fprintln(stderr, "Usage: multisigner pack verify --bundle <path> [--json]")
		return 2
	}

	cmd := flag.NewFlagSet("pack verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		bundlePath string
		jsonOutput bool
	)
	cmd.StringVar(&bundlePath, "bundle", "", "Path to evidence pack tar.gz (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if bundlePath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bundle is required")
		cmd.Usage()
		return 2
	}

	manifest, err := VerifyPack(bundlePath)
	if err != nil {
		if jsonOutput {
			data, _ := json.MarshalIndent(map[string]any{
				"bundle": bundlePath,
				"valid":  false,
				"error":  err.Error(),
			}, "", "  ")
			_, _ = fmt.Fprintln(stdout, string(data))
		} else {
			_, _ = fmt.Fprintf(stderr, "❌ Verification failed: %v\n", err)
		}
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"bundle":      bundlePath,
			"valid":       true,
			"request_id":  manifest.RequestID,
			"version":     manifest.Version,
			"exported_at": manifest.ExportedAt,
			"file_count":  len(manifest.FileHashes),
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "✅ Pack verified: %s\n", bundlePath)
		_, _ = fmt.Fprintf(stdout, "   Request:  %s\n", manifest.RequestID)
		_, _ = fmt.Fprintf(stdout, "   Version:  %s\n", manifest.Version)
		_, _ = fmt.Fprintf(stdout, "   Exported: %s\n", manifest.ExportedAt)
		_, _ = fmt.Fprintf(stdout, "   Files:    %d\n", len(manifest.FileHashes))
	}
	return 0
}
