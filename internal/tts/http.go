package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-readalong/internal/content"
)

// httpGenerator posts sentences to a remote timing service.
type httpGenerator struct {
	endpoint string
	provider string
	client   *http.Client
}

func NewHTTPGenerator(endpoint, provider string) content.Generator {
	return &httpGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		provider: provider,
		client:   http.DefaultClient,
	}
}

func (g *httpGenerator) Generate(ctx context.Context, req content.Request) (content.Rendition, error) {
	body, err := json.Marshal(newSynthRequest(req, ""))
	if err != nil {
		return content.Rendition{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/v1/synthesize", bytes.NewReader(body))
	if err != nil {
		return content.Rendition{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return content.Rendition{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return content.Rendition{}, fmt.Errorf("tts service returned status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var payload synthResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return content.Rendition{}, fmt.Errorf("decode tts response: %w", err)
	}
	if payload.Provider == "" {
		payload.Provider = g.provider
	}
	return payload.rendition()
}
