package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/marromugi/gch4-sub003/internal/assembler"
)

// HTTPRuntime posts the assembled context as JSON to an agent runtime
// endpoint and decodes its Response.
type HTTPRuntime struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPRuntime creates a client for endpoint. The per-turn deadline
// comes from the caller's context; timeout only bounds a stuck transport.
func NewHTTPRuntime(endpoint, token string, timeout time.Duration) *HTTPRuntime {
	return &HTTPRuntime{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

func (h *HTTPRuntime) Name() string { return "http" }

// Run sends one turn to the runtime.
func (h *HTTPRuntime) Run(ctx context.Context, c *assembler.Context) (*Response, error) {
	payload, err := c.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Id", c.Session.ID)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runtime request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading runtime response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Runtime: h.Name(), Code: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
	}

	var out Response
	if err := gojson.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parsing runtime response: %w", err)
	}
	return &out, nil
}
