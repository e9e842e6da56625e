package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreflightOKWhenGatewayDisabled(t *testing.T) {
	p := testProvisioner(t, &stubClient{}, &stubAttacher{})
	p.cfg.GatewayEnabled = false

	result, err := p.Preflight(context.Background())
	require.NoError(t, err)
	assert.True(t, result.OK)
}

func TestPreflightClassifiesNotFoundAsBaseURLWrong(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := testProvisioner(t, &stubClient{}, &stubAttacher{})
	p.cfg.GatewayBaseURL = srv.URL

	result, err := p.Preflight(context.Background())
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, ClassificationBaseURLWrong, result.Classification)
}

func TestPreflightClassifies5xxAsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := testProvisioner(t, &stubClient{}, &stubAttacher{})
	p.cfg.GatewayBaseURL = srv.URL

	result, err := p.Preflight(context.Background())
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, ClassificationServer5xx, result.Classification)
}

func TestPreflightClassifiesCredsWrongWhenLoginFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &stubClient{loginErr: assertErr("unauthorized")}
	p := testProvisioner(t, client, &stubAttacher{})
	p.cfg.GatewayBaseURL = srv.URL

	result, err := p.Preflight(context.Background())
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, ClassificationCredsWrong, result.Classification)
}

func TestPreflightClassifiesNetworkDownWhenUnreachable(t *testing.T) {
	p := testProvisioner(t, &stubClient{}, &stubAttacher{})
	p.cfg.GatewayBaseURL = "http://127.0.0.1:1"

	result, err := p.Preflight(context.Background())
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, ClassificationNetworkDown, result.Classification)
}

func TestPreflightFailsFastWithoutAdminPassword(t *testing.T) {
	p := testProvisioner(t, &stubClient{}, &stubAttacher{})
	p.cfg.GatewayAdminPass = ""

	_, err := p.Preflight(context.Background())
	assert.Error(t, err)
}
