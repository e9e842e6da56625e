package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// guacamoleClient talks to Guacamole's JSON REST API over net/http, the
// same stdlib HTTP surface pkg/health/http.go uses for its own
// health/metrics endpoints — no third-party REST client library fits
// better here.
type guacamoleClient struct {
	baseURL    string
	adminUser  string
	adminPass  string
	httpClient *http.Client
}

// NewGuacamoleClient builds a Client against a running Guacamole instance.
// baseURL must include the data source path segment, e.g.
// "http://127.0.0.1:8081/guacamole".
func NewGuacamoleClient(baseURL, adminUser, adminPass string) Client {
	return &guacamoleClient{
		baseURL:   baseURL,
		adminUser: adminUser,
		adminPass: adminPass,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *guacamoleClient) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/languages", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

func (c *guacamoleClient) LoginAdmin(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.adminUser)
	form.Set("password", c.adminPass)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tokens", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway: login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway: login failed with status %d", resp.StatusCode)
	}

	var body struct {
		AuthToken string `json:"authToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("gateway: decoding login response: %w", err)
	}
	if body.AuthToken == "" {
		return "", fmt.Errorf("gateway: login response carried no token")
	}
	return body.AuthToken, nil
}

func (c *guacamoleClient) CreateUser(ctx context.Context, token, username, password string) error {
	payload := map[string]any{
		"username":   username,
		"password":   password,
		"attributes": map[string]any{},
	}
	return c.post(ctx, "/api/session/data/postgresql/users?token="+token, payload, http.StatusOK)
}

func (c *guacamoleClient) DeleteUser(ctx context.Context, token, username string) error {
	return c.delete(ctx, fmt.Sprintf("/api/session/data/postgresql/users/%s?token=%s", url.PathEscape(username), token))
}

func (c *guacamoleClient) CreateConnection(ctx context.Context, token, name, hostname string, port int, password string) (*Connection, error) {
	payload := map[string]any{
		"name":             name,
		"protocol":         "vnc",
		"parentIdentifier": "ROOT",
		"parameters": map[string]any{
			"hostname":       hostname,
			"port":           fmt.Sprintf("%d", port),
			"password":       password,
			"color-depth":    "24",
			"cursor":         "remote",
			"swap-red-blue":  "false",
			"read-only":      "false",
		},
		"attributes": map[string]any{},
	}

	body, err := c.postWithResponse(ctx, "/api/session/data/postgresql/connections?token="+token, payload, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var created struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("gateway: decoding connection response: %w", err)
	}
	if created.Identifier == "" {
		return nil, fmt.Errorf("gateway: connection response carried no identifier")
	}
	return &Connection{Identifier: created.Identifier}, nil
}

func (c *guacamoleClient) DeleteConnection(ctx context.Context, token, identifier string) error {
	return c.delete(ctx, fmt.Sprintf("/api/session/data/postgresql/connections/%s?token=%s", url.PathEscape(identifier), token))
}

func (c *guacamoleClient) GrantConnectionPermission(ctx context.Context, token, username, connectionIdentifier string) error {
	payload := []map[string]string{
		{
			"op":    "add",
			"path":  "/connectionPermissions/" + connectionIdentifier,
			"value": "READ",
		},
	}
	return c.patch(ctx, fmt.Sprintf("/api/session/data/postgresql/users/%s/permissions?token=%s", url.PathEscape(username), token), payload)
}

func (c *guacamoleClient) post(ctx context.Context, path string, payload any, wantStatus int) error {
	_, err := c.postWithResponse(ctx, path, payload, wantStatus)
	return err
}

func (c *guacamoleClient) postWithResponse(ctx context.Context, path string, payload any, wantStatus int) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	return readBodyExpecting(resp, wantStatus)
}

func (c *guacamoleClient) patch(ctx context.Context, path string, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	_, err = readBodyExpecting(resp, http.StatusNoContent)
	return err
}

func (c *guacamoleClient) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	// 404 is idempotent success: the resource is already gone.
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	_, err = readBodyExpecting(resp, http.StatusNoContent)
	return err
}

func readBodyExpecting(resp *http.Response, wantStatus int) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	if resp.StatusCode != wantStatus {
		return nil, fmt.Errorf("gateway: unexpected status %d: %s", resp.StatusCode, buf.String())
	}
	return buf.Bytes(), nil
}
