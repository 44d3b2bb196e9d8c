package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/aihub-dev/aihub/internal/config"
)

// RemoveBGClient calls the background removal API.
type RemoveBGClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRemoveBGClient creates a background removal client.
func NewRemoveBGClient(cfg config.RemoveBGProviderConfig) *RemoveBGClient {
	return &RemoveBGClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout.Duration},
	}
}

// Remove uploads the image and returns the cut-out PNG bytes.
func (c *RemoveBGClient) Remove(ctx context.Context, filename string, image io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("image_file", filename)
	if err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return nil, fmt.Errorf("copy image: %w", err)
	}
	if err := mw.WriteField("size", "auto"); err != nil {
		return nil, fmt.Errorf("write size field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/removebg", &buf)
	if err != nil {
		return nil, fmt.Errorf("build removebg request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("background removal: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("background removal status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read removebg body: %w: %w", ErrUnavailable, err)
	}

	return data, nil
}
