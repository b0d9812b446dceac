package httpadmin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct{ called int }

func (f *fakeSweeper) ForceSweep(ctx context.Context) { f.called++ }

type fakeInspector struct {
	state map[string]interface{}
	err   error
}

func (f *fakeInspector) InspectEntity(ctx context.Context, machineID, entity string) (map[string]interface{}, error) {
	return f.state, f.err
}

func newTestServer(ttl TTLSweeper, sm StateInspector) (*echo.Echo, *Server) {
	e := echo.New()
	srv := NewServer("s3dbengine", []PluginSummary{{Slug: "cache-plugin", Namespace: "demo"}}, ttl, sm)
	srv.RegisterRoutes(e.Group("/admin"))
	return e, srv
}

func TestHandleListPluginsReturnsConfiguredSet(t *testing.T) {
	e, _ := newTestServer(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/plugins", nil)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cache-plugin")
}

func TestHandleVersionReturnsBuildInfo(t *testing.T) {
	e, _ := newTestServer(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/version", nil)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goVersion")
}

func TestHandleForceSweepInvokesSweeperAndTracksOperation(t *testing.T) {
	sweeper := &fakeSweeper{}
	e, srv := newTestServer(sweeper, nil)
	req := httptest.NewRequest(http.MethodPost, "/admin/ttl/sweep", nil)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, sweeper.called)
	require.Len(t, srv.Tracker.List(), 1)
	assert.Equal(t, StatusCompleted, srv.Tracker.List()[0].Status)
}

func TestHandleForceSweepWithoutEngineReturns404(t *testing.T) {
	e, _ := newTestServer(nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/admin/ttl/sweep", nil)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleInspectEntityReturnsState(t *testing.T) {
	inspector := &fakeInspector{state: map[string]interface{}{"currentState": "active"}}
	e, _ := newTestServer(nil, inspector)
	req := httptest.NewRequest(http.MethodGet, "/admin/statemachine/order-machine/order-1", nil)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "active")
}

func TestOperationTrackerEvictsOldestAtCapacity(t *testing.T) {
	tr := NewOperationTracker("svc", 1)
	tr.Start("op-1", "demo", nil)
	tr.Start("op-2", "demo", nil)

	assert.Nil(t, tr.Get("op-1"))
	assert.NotNil(t, tr.Get("op-2"))
}
