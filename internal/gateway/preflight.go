package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// Preflight validates that the gateway is reachable and its admin
// credentials work before any provisioning is attempted, classifying a
// failure the way guacamole_provisioner.py's _preflight_error_message
// does so the caller can surface an actionable hint instead of a bare
// connection error.
func (p *Provisioner) Preflight(ctx context.Context) (*PreflightResult, error) {
	if !p.cfg.GatewayEnabled {
		return &PreflightResult{OK: true, Classification: ClassificationOK}, nil
	}
	if p.cfg.GatewayAdminPass == "" {
		return nil, fmt.Errorf("gateway: OCTOLAB_GATEWAY_ADMIN_PASS not configured")
	}

	base, err := url.Parse(p.cfg.GatewayBaseURL)
	if err != nil {
		return &PreflightResult{
			OK:             false,
			Classification: ClassificationBaseURLWrong,
			Message:        fmt.Sprintf("gateway base URL %q is not a valid URL", p.cfg.GatewayBaseURL),
		}, nil
	}

	apiResp, apiErr := p.httpGet(ctx, base.String()+"/api/languages")
	if apiErr != nil {
		var netErr net.Error
		if errors.As(apiErr, &netErr) {
			return &PreflightResult{
				OK:             false,
				Classification: ClassificationNetworkDown,
				Message:        fmt.Sprintf("cannot reach gateway at %s: %v", base.String(), apiErr),
			}, nil
		}
		return &PreflightResult{
			OK:             false,
			Classification: ClassificationGUIUnreachable,
			Message:        apiErr.Error(),
		}, nil
	}
	defer apiResp.Body.Close()

	switch {
	case apiResp.StatusCode == http.StatusNotFound:
		return &PreflightResult{
			OK:             false,
			Classification: ClassificationBaseURLWrong,
			APIStatus:      apiResp.StatusCode,
			Message:        fmt.Sprintf("got 404 from %s/api/languages; GATEWAY_BASE_URL likely misconfigured (expected a trailing /guacamole)", base.String()),
		}, nil
	case apiResp.StatusCode >= 500:
		return &PreflightResult{
			OK:             false,
			Classification: ClassificationServer5xx,
			APIStatus:      apiResp.StatusCode,
			Message:        fmt.Sprintf("gateway returned HTTP %d", apiResp.StatusCode),
		}, nil
	}

	if _, err := p.client.LoginAdmin(ctx); err != nil {
		return &PreflightResult{
			OK:             false,
			Classification: ClassificationCredsWrong,
			Message:        "gateway admin login failed; check OCTOLAB_GATEWAY_ADMIN_USER/OCTOLAB_GATEWAY_ADMIN_PASS",
		}, nil
	}

	return &PreflightResult{OK: true, Classification: ClassificationOK, APIStatus: apiResp.StatusCode}, nil
}

func (p *Provisioner) httpGet(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return p.rawHTTPClient().Do(req)
}
