// Package agent implements the host side of the guest agent protocol: a
// JSON-over-vsock, newline-delimited request/response exchange, grounded on
// spec.md §4.4's verb list and the vsock-dial shape the other_examples
// Firecracker backend demonstrates (DialGuest over a UDS proxying vsock).
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// allowedVerbs is the server-side allowlist of guest agent RPCs. No verb
// outside this set is ever sent.
var allowedVerbs = map[string]bool{
	"ping":              true,
	"diag":              true,
	"configure_network": true,
	"upload_project":    true,
	"compose_up":        true,
	"compose_down":      true,
	"status":            true,
}

// Request is a single guest agent RPC call.
type Request struct {
	Verb string         `json:"verb"`
	Args map[string]any `json:"args,omitempty"`
}

// Response mirrors spec.md §4.4's guest agent response shape: string
// fields are always present as "" rather than JSON null, so the backend
// never branches on a nullable type.
type Response struct {
	Ok       bool   `json:"ok"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error"`

	AgentVersion  string `json:"agent_version"`
	RootfsBuildID string `json:"rootfs_build_id"`
}

// Stale reports whether a ping response indicates a stale/incomplete
// rootfs image: missing version fields.
func (r *Response) Stale() bool {
	return r.AgentVersion == "" || r.RootfsBuildID == ""
}

// Client dials the guest agent over a vsock-proxying Unix domain socket.
type Client struct {
	socketPath string
	dial       func(ctx context.Context, path string) (net.Conn, error)
}

// NewClient builds a Client for the given vsock UDS path.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, dial: dialUnix}
}

func dialUnix(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}

// Call sends verb with args and waits up to timeout for a response.
func (c *Client) Call(ctx context.Context, verb string, args map[string]any, timeout time.Duration) (*Response, error) {
	if !allowedVerbs[verb] {
		return nil, fmt.Errorf("agent: verb %q is not allowlisted", verb)
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dial(dialCtx, c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("agent: dialing guest: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)

	enc := json.NewEncoder(conn)
	if err := enc.Encode(Request{Verb: verb, Args: args}); err != nil {
		return nil, fmt.Errorf("agent: writing request: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("agent: reading response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("agent: decoding response: %w", err)
	}
	return &resp, nil
}

// Ping calls the ping verb and is used to detect stale images.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) (*Response, error) {
	return c.Call(ctx, "ping", nil, timeout)
}

// ConfigureNetwork calls configure_network with ip/mask/gateway/dns.
func (c *Client) ConfigureNetwork(ctx context.Context, ip, mask, gateway, dns string, timeout time.Duration) (*Response, error) {
	return c.Call(ctx, "configure_network", map[string]any{
		"ip": ip, "mask": mask, "gateway": gateway, "dns": dns,
	}, timeout)
}

// UploadProject sends a base64-encoded tar.gz compose bundle.
func (c *Client) UploadProject(ctx context.Context, bundleBase64 string, timeout time.Duration) (*Response, error) {
	return c.Call(ctx, "upload_project", map[string]any{"bundle_base64": bundleBase64}, timeout)
}

// ComposeUp instructs the guest to bring the uploaded compose project up.
func (c *Client) ComposeUp(ctx context.Context, timeout time.Duration) (*Response, error) {
	return c.Call(ctx, "compose_up", nil, timeout)
}

// ComposeDown instructs the guest to tear the compose project down.
func (c *Client) ComposeDown(ctx context.Context, timeout time.Duration) (*Response, error) {
	return c.Call(ctx, "compose_down", nil, timeout)
}

// Diag requests a diagnostic snapshot, used to attach a bounded/redacted
// excerpt to a failure when compose_up fails.
func (c *Client) Diag(ctx context.Context, timeout time.Duration) (*Response, error) {
	return c.Call(ctx, "diag", nil, timeout)
}

// Status requests the guest's current health/status.
func (c *Client) Status(ctx context.Context, timeout time.Duration) (*Response, error) {
	return c.Call(ctx, "status", nil, timeout)
}
