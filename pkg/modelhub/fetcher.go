package modelhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/llmlb/gateway/pkg/models"
)

// Fetcher retrieves external registry metadata (download counts, likes)
// for one catalog model id. A fetch failure or timeout is never fatal to
// assembly; the caller simply omits the field.
type Fetcher interface {
	Fetch(ctx context.Context, modelID string) (*models.ExternalHubInfo, error)
}

// NoopFetcher always reports no external info, for deployments with no
// external model hub configured.
type NoopFetcher struct{}

// Fetch implements Fetcher.
func (NoopFetcher) Fetch(context.Context, string) (*models.ExternalHubInfo, error) {
	return nil, nil
}

// HTTPFetcher queries a HuggingFace-compatible model-info endpoint
// (`{BaseURL}/api/models/{id}`) for downloads/likes.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPFetcher constructs an HTTPFetcher with sane defaults.
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
		Timeout: 5 * time.Second,
	}
}

type hfInfoResponse struct {
	Downloads *int64 `json:"downloads"`
	Likes     *int64 `json:"likes"`
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, modelID string) (*models.ExternalHubInfo, error) {
	if f.BaseURL == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/models/%s", f.BaseURL, modelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("modelhub: external fetch status %d", resp.StatusCode)
	}

	var body hfInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return &models.ExternalHubInfo{Downloads: body.Downloads, Likes: body.Likes}, nil
}
