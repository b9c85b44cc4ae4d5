package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/signtusk/multisigner/pkg/resiliency"
)

// HTTPGenerator asks an external rendering service to produce the final
// document. The service receives {"request_id": ...} and answers with the
// URL of the stored artifact.
type HTTPGenerator struct {
	endpoint string
	client   *resiliency.EnhancedClient
}

func NewHTTPGenerator(endpoint string, client *resiliency.EnhancedClient) *HTTPGenerator {
	if client == nil {
		client = resiliency.NewEnhancedClient("generator")
	}
	return &HTTPGenerator{endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

func (g *HTTPGenerator) Name() string { return "http" }

type renderRequest struct {
	RequestID string `json:"request_id"`
}

type renderResponse struct {
	ArtifactURL string `json:"artifact_url"`
}

func (g *HTTPGenerator) GenerateFinal(ctx context.Context, requestID string) (string, error) {
	body, err := json.Marshal(renderRequest{RequestID: requestID})
	if err != nil {
		return "", err
	}
	resp, err := g.client.PostJSON(ctx, g.endpoint+"/render", body)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", requestID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("render %s: status %d: %s", requestID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out renderResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("render %s: decode response: %w", requestID, err)
	}
	if out.ArtifactURL == "" {
		return "", errors.New("render " + requestID + ": response has no artifact_url")
	}
	return out.ArtifactURL, nil
}
