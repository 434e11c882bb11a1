// Package workerclient is the control plane's typed HTTP client for the
// worker's /internal/* surface. Every call mints a fresh action token
// scoped to exactly the tenant and action being invoked, mirroring
// original_source's RunnerClient.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nexus-run/orchestrator/internal/actiontoken"
	"github.com/nexus-run/orchestrator/internal/apierr"
)

// Client calls one worker process on behalf of the control plane.
type Client struct {
	httpClient *http.Client
	baseURL    string
	signingKey string
	tokenTTL   time.Duration
}

func New(baseURL, signingKey string, tokenTTL time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		baseURL:    baseURL,
		signingKey: signingKey,
		tokenTTL:   tokenTTL,
	}
}

type errorDetail struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path, tenantID, action string, body any) ([]byte, error) {
	token, err := actiontoken.Sign(tenantID, action, c.signingKey, c.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("sign action token: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build worker request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierr.NewTransient("worker_unreachable", "could not reach worker", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.NewTransient("worker_read_failed", "could not read worker response", err)
	}

	if resp.StatusCode >= 400 {
		code, message := "worker_error", string(respBody)
		var parsed errorDetail
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error.Code != "" {
			code, message = parsed.Error.Code, parsed.Error.Message
		}
		return nil, apierr.NewTransient(code, message, fmt.Errorf("worker returned HTTP %d", resp.StatusCode))
	}
	return respBody, nil
}

type imageOverride struct {
	NexusImage string `json:"nexus_image,omitempty"`
}

// Provision asks the worker to create and start tenantID's runtime.
func (c *Client) Provision(ctx context.Context, tenantID, nexusImage string) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/internal/tenants/%s/provision", tenantID), tenantID, "provision", imageOverride{NexusImage: nexusImage})
	return err
}

// Start asks the worker to bring tenantID's runtime up.
func (c *Client) Start(ctx context.Context, tenantID, nexusImage string) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/internal/tenants/%s/start", tenantID), tenantID, "start", imageOverride{NexusImage: nexusImage})
	return err
}

// Stop asks the worker to stop tenantID's runtime container.
func (c *Client) Stop(ctx context.Context, tenantID string) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/internal/tenants/%s/stop", tenantID), tenantID, "stop", nil)
	return err
}

// Restart asks the worker to restart tenantID's runtime, optionally onto a
// new image.
func (c *Client) Restart(ctx context.Context, tenantID, nexusImage string) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/internal/tenants/%s/restart", tenantID), tenantID, "restart", imageOverride{NexusImage: nexusImage})
	return err
}

// PairStart asks the worker to discard the current WhatsApp session and
// restart into pending-pairing.
func (c *Client) PairStart(ctx context.Context, tenantID, nexusImage string) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/internal/tenants/%s/pair/start", tenantID), tenantID, "pair_start", imageOverride{NexusImage: nexusImage})
	return err
}

// WhatsappDisconnect asks the worker to drop tenantID's current pairing.
func (c *Client) WhatsappDisconnect(ctx context.Context, tenantID string) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/internal/tenants/%s/whatsapp/disconnect", tenantID), tenantID, "whatsapp_disconnect", nil)
	return err
}

type applyConfigRequest struct {
	Running bool `json:"running"`
}

// ApplyConfig asks the worker to reload tenantID's env-file from the
// currently active config revision, restarting if running is true.
func (c *Client) ApplyConfig(ctx context.Context, tenantID string, running bool) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/internal/tenants/%s/apply-config", tenantID), tenantID, "apply_config", applyConfigRequest{Running: running})
	return err
}

// HealthResult mirrors driver.Health across the wire.
type HealthResult struct {
	Exists  bool   `json:"exists"`
	Running bool   `json:"running"`
	Status  string `json:"status"`
}

// Health fetches the worker's current view of tenantID's container.
func (c *Client) Health(ctx context.Context, tenantID string) (*HealthResult, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/internal/tenants/%s/health", tenantID), tenantID, "health", nil)
	if err != nil {
		return nil, err
	}
	var result HealthResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &result, nil
}

// Delete asks the worker to tear down tenantID's runtime entirely.
func (c *Client) Delete(ctx context.Context, tenantID string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/internal/tenants/%s", tenantID), tenantID, "delete", nil)
	return err
}
