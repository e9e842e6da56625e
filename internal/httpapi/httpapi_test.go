package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/gateway"
	"github.com/octolab-io/octolab/internal/orchestrator"
	"github.com/octolab-io/octolab/internal/runtime"
	"github.com/octolab-io/octolab/internal/store"
	"github.com/octolab-io/octolab/internal/types"
)

type fakeDriver struct{}

func (f *fakeDriver) CreateLab(ctx context.Context, lab *types.Lab, recipe *types.Recipe, vncPassword string) error {
	if lab.RuntimeMeta == nil {
		lab.RuntimeMeta = map[string]string{}
	}
	lab.RuntimeMeta["bound_port"] = "31000"
	return nil
}

func (f *fakeDriver) DestroyLab(ctx context.Context, lab *types.Lab) (*runtime.TeardownReport, error) {
	return &runtime.TeardownReport{VerifiedStopped: true}, nil
}

func (f *fakeDriver) WaitForHealthy(ctx context.Context, lab *types.Lab, timeout time.Duration) error {
	return nil
}

func (f *fakeDriver) ResourcesExistForLab(ctx context.Context, lab *types.Lab) bool { return false }

type stubResolver struct {
	recipe *types.Recipe
	err    error
}

func (s *stubResolver) Resolve(ctx context.Context, recipeID string) (*types.Recipe, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.recipe, nil
}

func testRouter(t *testing.T, isAdmin AdminChecker) (http.Handler, *orchestrator.Orchestrator) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Settings{
		HMACSecret:           []byte("test-hmac-secret-value"),
		MaxActiveLabsPerUser: 5,
		DefaultLabTTL:        time.Hour,
		ProvisioningTimeout:  5 * time.Second,
		RuntimeSelector:      "container",
		GatewayEnabled:       false,
		BindHost:             "127.0.0.1",
	}
	drivers := map[types.Runtime]runtime.Driver{
		types.RuntimeContainer: &fakeDriver{},
		types.RuntimeMicroVM:   &fakeDriver{},
	}
	gw := gateway.NewProvisioner(cfg, zerolog.Nop())
	orch := orchestrator.New(st, drivers, gw, cfg, zerolog.Nop())

	resolver := &stubResolver{recipe: &types.Recipe{ID: "recipe-1", Name: "test", IsActive: true}}
	h := New(orch, cfg, resolver, isAdmin, zerolog.Nop())
	return NewRouter(h), orch
}

func doRequest(t *testing.T, router http.Handler, method, path, ownerID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if ownerID != "" {
		req.Header.Set(ownerHeader, ownerID)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateLabRequiresOwnerHeader(t *testing.T) {
	router, _ := testRouter(t, nil)
	rec := doRequest(t, router, http.MethodPost, "/labs/", "", createLabRequest{RecipeID: "recipe-1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateLabRejectsMissingRecipeID(t *testing.T) {
	router, _ := testRouter(t, nil)
	rec := doRequest(t, router, http.MethodPost, "/labs/", "owner-1", createLabRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateLabSucceedsAndListReturnsIt(t *testing.T) {
	router, _ := testRouter(t, nil)
	rec := doRequest(t, router, http.MethodPost, "/labs/", "owner-1", createLabRequest{RecipeID: "recipe-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var lab types.Lab
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lab))
	assert.Equal(t, "owner-1", lab.OwnerID)

	listRec := doRequest(t, router, http.MethodGet, "/labs/", "owner-1", nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	var labs []types.Lab
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &labs))
	require.Len(t, labs, 1)
	assert.Equal(t, lab.ID, labs[0].ID)
}

func TestGetLabIsOwnerScoped(t *testing.T) {
	router, _ := testRouter(t, nil)
	createRec := doRequest(t, router, http.MethodPost, "/labs/", "owner-1", createLabRequest{RecipeID: "recipe-1"})
	var lab types.Lab
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &lab))

	otherOwnerRec := doRequest(t, router, http.MethodGet, "/labs/"+lab.ID.String(), "owner-2", nil)
	assert.Equal(t, http.StatusNotFound, otherOwnerRec.Code)

	ownerRec := doRequest(t, router, http.MethodGet, "/labs/"+lab.ID.String(), "owner-1", nil)
	assert.Equal(t, http.StatusOK, ownerRec.Code)
}

func TestEndLabOnTerminalLabReturnsConflictBody(t *testing.T) {
	router, orch := testRouter(t, nil)
	createRec := doRequest(t, router, http.MethodPost, "/labs/", "owner-1", createLabRequest{RecipeID: "recipe-1"})
	var lab types.Lab
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &lab))

	require.NoError(t, orch.EndLab(context.Background(), "owner-1", lab.ID.String()))

	rec := doRequest(t, router, http.MethodPost, "/labs/"+lab.ID.String()+"/end", "owner-1", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "lab_terminal", body["error"])
	assert.Equal(t, "ENDING", body["status"])
}

func TestEvidencePreviewRequiresAdmin(t *testing.T) {
	router, _ := testRouter(t, nil)
	createRec := doRequest(t, router, http.MethodPost, "/labs/", "owner-1", createLabRequest{RecipeID: "recipe-1"})
	var lab types.Lab
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &lab))

	rec := doRequest(t, router, http.MethodGet, "/labs/"+lab.ID.String()+"/evidence/preview", "owner-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvidencePreviewSucceedsForAdmin(t *testing.T) {
	router, _ := testRouter(t, func(r *http.Request) bool { return true })
	createRec := doRequest(t, router, http.MethodPost, "/labs/", "owner-1", createLabRequest{RecipeID: "recipe-1"})
	var lab types.Lab
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &lab))

	rec := doRequest(t, router, http.MethodGet, "/labs/"+lab.ID.String()+"/evidence/preview", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeployFromDockerfileRejectsInvalidDockerfile(t *testing.T) {
	router, _ := testRouter(t, nil)
	rec := doRequest(t, router, http.MethodPost, "/labs/deploy-from-dockerfile", "owner-1",
		deployFromDockerfileRequest{Dockerfile: "RUN echo hi\n"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployFromDockerfileForcesMicroVM(t *testing.T) {
	router, _ := testRouter(t, nil)
	rec := doRequest(t, router, http.MethodPost, "/labs/deploy-from-dockerfile", "owner-1",
		deployFromDockerfileRequest{Dockerfile: "FROM httpd:2.4\nEXPOSE 80\n"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var lab types.Lab
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lab))
	assert.Equal(t, types.RuntimeMicroVM, lab.Runtime)
	assert.Equal(t, "80", lab.RuntimeMeta["exposed_ports"])
}
