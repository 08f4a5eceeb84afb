package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/basaltfleet/basalt/internal/models"
)

// HTTPTransport delivers operations to peer conductors over their dispatch
// endpoint. The target URL is derived from the conductor's hostname and the
// fleet-wide conductor port, so holding a hostname is enough to address it.
type HTTPTransport struct {
	client *http.Client
	port   int
	token  string
}

// NewHTTPTransport creates a transport sending to port on each conductor.
func NewHTTPTransport(port int, token string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
		port:   port,
		token:  token,
	}
}

// Deliver posts op to the conductor's dispatch endpoint.
func (t *HTTPTransport) Deliver(ctx context.Context, hostname string, op *models.Operation) error {
	body, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encoding operation: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/v1/dispatch", hostname, t.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering to %s: %w", hostname, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("conductor %s rejected dispatch: %s: %s", hostname, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}
