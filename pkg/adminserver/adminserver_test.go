package adminserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoDRGuard/pkg/backup/backuptest"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/dr"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/retention"
)

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, *dr.StepContext, dr.RecoveryStep) (string, error) {
	return "ok", nil
}
func (noopExecutor) Rollback(context.Context, *dr.StepContext, dr.RecoveryStep) error { return nil }

type testServer struct {
	f   *backuptest.Fixture
	srv *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	f := backuptest.New(t)
	ret, err := retention.New(retention.Deps{
		Catalog:  f.Catalog,
		Registry: f.Registry,
		Events:   f.Bus,
		Alerts:   f.Alerts,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	orch, err := dr.New(dr.Deps{
		Config: config.DRConfig{RPO: time.Minute, Sites: []config.SiteConfig{
			{ID: "east", Region: "us-east-1", Primary: true},
			{ID: "west", Region: "us-west-2", AutoFailover: true},
		}},
		Executor: noopExecutor{},
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(orch.Stop)

	s := NewServer(&config.AppConfig{}, Services{
		Catalog:   f.Catalog,
		Backups:   f.Engine,
		Retention: ret,
		DR:        orch,
	}, logging.Discard())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return &testServer{f: f, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["time"])
}

func TestDisabledServicesAnswer503(t *testing.T) {
	s := NewServer(&config.AppConfig{}, Services{}, logging.Discard())
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	for _, path := range []string{"/api/dr/sites", "/api/replication/jobs", "/api/restore-tests/", "/api/retention/policies", "/api/backups/", "/api/stats"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}
}

func TestRunBackupHandler(t *testing.T) {
	ts := newTestServer(t)

	code, _ := ts.do(t, http.MethodPost, "/api/backups/", `{"kind":"snapshot"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(t, http.MethodPost, "/api/backups/", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := ts.do(t, http.MethodPost, "/api/backups/", `{"kind":"full","tags":{"team":"db"}}`)
	require.Equal(t, http.StatusAccepted, code)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		rec, err := ts.f.Catalog.Get(id)
		return err == nil && rec.Status == catalog.StatusSuccess
	}, 10*time.Second, 20*time.Millisecond)

	code, body = ts.do(t, http.MethodGet, "/api/backups/"+id, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "api", body["tags"].(map[string]interface{})["trigger"])

	code, body = ts.do(t, http.MethodGet, "/api/backups/?kind=full", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, _ = ts.do(t, http.MethodGet, "/api/backups/?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(t, http.MethodGet, "/api/backups/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRetentionRoutes(t *testing.T) {
	ts := newTestServer(t)
	id, err := ts.f.Engine.CreateBackup(context.Background(), catalog.KindFull, nil)
	require.NoError(t, err)

	policy := `{"id":"tag-old","enabled":true,
		"conditions":[{"type":"age","operator":"gte","value":0,"unit":"days"}],
		"actions":[{"type":"tag","tag":{"tags":{"reviewed":"yes"}}}]}`
	code, _ := ts.do(t, http.MethodPut, "/api/retention/policies", policy)
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.do(t, http.MethodPut, "/api/retention/policies", `{"id":"bad","conditions":[],"actions":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := ts.do(t, http.MethodPost, "/api/retention/policies/tag-old/execute?dryRun=true", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["dryRun"])
	rec, err := ts.f.Catalog.Get(id)
	require.NoError(t, err)
	assert.Empty(t, rec.Tags["reviewed"])

	code, _ = ts.do(t, http.MethodPost, "/api/retention/policies/missing/execute", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodPost, "/api/retention/holds", fmt.Sprintf(`{"backupId":%q,"reason":"litigation"}`, id))
	assert.Equal(t, http.StatusBadRequest, code, "actor is required")
	code, _ = ts.do(t, http.MethodPost, "/api/retention/holds", fmt.Sprintf(`{"backupId":%q,"actor":"legal","reason":"litigation"}`, id))
	assert.Equal(t, http.StatusCreated, code)

	code, body = ts.do(t, http.MethodGet, "/api/retention/audit/verify", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["valid"])
	assert.EqualValues(t, 1, body["checked"])

	code, _ = ts.do(t, http.MethodPost, "/api/retention/run", "")
	assert.Equal(t, http.StatusServiceUnavailable, code, "manual runs need the scheduler")
}

func TestDRRoutes(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodGet, "/api/dr/sites", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["sites"], 2)

	code, _ = ts.do(t, http.MethodPost, "/api/dr/failover", `{"reason":"test"}`)
	assert.Equal(t, http.StatusBadRequest, code, "actor is required")

	// no site has a known replication lag yet
	code, body = ts.do(t, http.MethodPost, "/api/dr/failover", `{"reason":"test","actor":"ops"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "policy", body["class"])

	code, body = ts.do(t, http.MethodPost, "/api/dr/failover", `{"reason":"test","actor":"ops","target":"west","force":true}`)
	require.Equal(t, http.StatusAccepted, code)
	eventID := body["id"].(string)

	require.Eventually(t, func() bool {
		_, body := ts.do(t, http.MethodGet, "/api/dr/events/"+eventID, "")
		return body["state"] == string(dr.EventCompleted)
	}, 5*time.Second, 10*time.Millisecond)

	code, _ = ts.do(t, http.MethodPost, "/api/dr/sites/west/maintenance", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(t, http.MethodGet, "/api/dr/events/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", drerrors.ErrNotFound), http.StatusNotFound},
		{drerrors.Configuration("plan", errors.New("bad")), http.StatusBadRequest},
		{drerrors.Policy("approval", errors.New("denied")), http.StatusConflict},
		{drerrors.Integrity("verify", errors.New("checksum")), http.StatusUnprocessableEntity},
		{drerrors.Environment("connect", errors.New("down")), http.StatusServiceUnavailable},
		{drerrors.Transient("upload", errors.New("timeout")), http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
