package httpadmin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/busd/busd/internal/bus"
	"github.com/busd/busd/internal/metrics"
)

func testBus() *bus.Bus {
	return bus.New(bus.NewPolicy(bus.ProfileSession), "unix:path=/tmp/admin_test", zap.NewNop().Sugar())
}

func TestHealthzReportsConnectionCount(t *testing.T) {
	s := New(":0", Deps{Bus: testBus(), Started: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["connections"])
}

func TestNamesIsEmptyWhenNothingIsOwned(t *testing.T) {
	b := testBus()
	s := New(":0", Deps{Bus: b, Started: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/names", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body)
}

func TestMetricsEndpointMountedWhenRegistryProvided(t *testing.T) {
	reg := metrics.NewRegistry()
	s := New(":0", Deps{Bus: testBus(), Metrics: reg, Started: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointAbsentWithoutRegistry(t *testing.T) {
	s := New(":0", Deps{Bus: testBus(), Started: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
