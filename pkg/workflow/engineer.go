package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPEngineerClient talks to the engineer service over HTTP
type HTTPEngineerClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEngineerClient creates an engineer client
func NewHTTPEngineerClient(engineerURL string) *HTTPEngineerClient {
	return &HTTPEngineerClient{
		baseURL: strings.TrimRight(engineerURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// RequestPlugin asks the engineer to synthesize and persist a handler for
// the verb. The engineer stores the new manifest itself; the caller
// re-resolves the verb afterwards.
func (c *HTTPEngineerClient) RequestPlugin(ctx context.Context, verb, goalContext string) error {
	body, err := json.Marshal(map[string]string{
		"verb":    verb,
		"context": goalContext,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/createPlugin", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("engineer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("engineer returned status %d", resp.StatusCode)
	}
	return nil
}
