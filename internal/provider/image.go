package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/aihub-dev/aihub/internal/config"
)

// ImageClient fetches rendered images from a prompt-to-image service.
type ImageClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewImageClient creates an image generation client.
func NewImageClient(cfg config.ImageProviderConfig) *ImageClient {
	return &ImageClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout.Duration},
	}
}

// Generate renders the prompt and returns the image bytes together with the
// direct URL the image was fetched from.
func (c *ImageClient) Generate(ctx context.Context, prompt string) ([]byte, string, error) {
	directURL := fmt.Sprintf("%s/prompt/%s?width=768&height=768&nologo=true",
		c.baseURL, url.PathEscape(prompt))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, directURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build image request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("image render: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, "", fmt.Errorf("image render status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read image body: %w: %w", ErrUnavailable, err)
	}

	return data, directURL, nil
}
