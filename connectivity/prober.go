package connectivity

import (
	"context"
	"fmt"
	"net/http"
)

// HTTPProber checks reachability with a lightweight HEAD request
// against a health endpoint.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober against the given health URL.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		URL:    url,
		Client: http.DefaultClient,
	}
}

// Probe issues the request. The context carries the probe timeout.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}
