package finalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/signtusk/multisigner/pkg/artifacts"
	"github.com/signtusk/multisigner/pkg/canonicalize"
	"github.com/signtusk/multisigner/pkg/contracts"
)

// CertificateFormat identifies the certificate layout.
const CertificateFormat = "multisigner.completion-certificate/v1"

// Certificate is the completion certificate. Its canonical JSON encoding is
// the artifact, so it carries no generation timestamp: regenerating it for
// the same request yields the same bytes.
type Certificate struct {
	Format      string                `json:"format"`
	RequestID   string                `json:"request_id"`
	Title       string                `json:"title"`
	DocumentRef string                `json:"document_ref"`
	SigningMode contracts.SigningMode `json:"signing_mode"`
	CreatedAt   time.Time             `json:"created_at"`
	CompletedAt time.Time             `json:"completed_at"`
	Signers     []CertifiedSigner     `json:"signers"`
}

type CertifiedSigner struct {
	Name          string              `json:"name"`
	Email         string              `json:"email"`
	Order         int                 `json:"order"`
	SignedAt      time.Time           `json:"signed_at"`
	MFAMethod     contracts.MFAMethod `json:"mfa_method,omitempty"`
	PayloadDigest string              `json:"payload_digest"`
}

// CertificateGenerator renders the completion certificate and stores it via
// the artifact store.
type CertificateGenerator struct {
	reader    Reader
	artifacts artifacts.Store
}

func NewCertificateGenerator(reader Reader, store artifacts.Store) *CertificateGenerator {
	return &CertificateGenerator{reader: reader, artifacts: store}
}

func (g *CertificateGenerator) Name() string { return "certificate" }

// CertificateRef is the logical artifact ref of a request's certificate.
func CertificateRef(requestID string) string {
	return "requests/" + requestID + "/certificate.json"
}

func (g *CertificateGenerator) GenerateFinal(ctx context.Context, requestID string) (string, error) {
	cert, err := g.Build(ctx, requestID)
	if err != nil {
		return "", err
	}
	data, err := canonicalize.JCS(cert)
	if err != nil {
		return "", fmt.Errorf("encode certificate: %w", err)
	}
	return g.artifacts.Put(ctx, CertificateRef(requestID), data)
}

// Build assembles the certificate from persisted state.
func (g *CertificateGenerator) Build(ctx context.Context, requestID string) (*Certificate, error) {
	req, err := g.reader.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	signers, err := g.reader.ListSigners(ctx, requestID)
	if err != nil {
		return nil, err
	}

	cert := &Certificate{
		Format:      CertificateFormat,
		RequestID:   req.ID,
		Title:       req.Title,
		DocumentRef: req.DocumentRef,
		SigningMode: req.Policy.Mode,
		CreatedAt:   req.CreatedAt.UTC(),
		Signers:     make([]CertifiedSigner, 0, len(signers)),
	}
	for _, s := range signers {
		if s.SignedAt == nil {
			return nil, fmt.Errorf("%w: %s has no signature", contracts.ErrNotAllSigned, s.Email)
		}
		signedAt := s.SignedAt.UTC()
		if signedAt.After(cert.CompletedAt) {
			cert.CompletedAt = signedAt
		}
		sum := sha256.Sum256(s.SignaturePayload)
		cert.Signers = append(cert.Signers, CertifiedSigner{
			Name:          s.Name,
			Email:         s.Email,
			Order:         s.SigningOrder,
			SignedAt:      signedAt,
			MFAMethod:     s.MFAMethod,
			PayloadDigest: "sha256:" + hex.EncodeToString(sum[:]),
		})
	}
	sort.SliceStable(cert.Signers, func(i, j int) bool {
		if cert.Signers[i].Order != cert.Signers[j].Order {
			return cert.Signers[i].Order < cert.Signers[j].Order
		}
		return cert.Signers[i].Email < cert.Signers[j].Email
	})
	return cert, nil
}
