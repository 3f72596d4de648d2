package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotCoffee418/nymea-energycore/pkg/archive"
	"github.com/NotCoffee418/nymea-energycore/pkg/config"
	"github.com/NotCoffee418/nymea-energycore/pkg/devices"
	"github.com/NotCoffee418/nymea-energycore/pkg/manager"
	"github.com/NotCoffee418/nymea-energycore/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *devices.MemRegistry, *httptest.Server) {
	t.Helper()
	config.Active = &config.EnergyConfig{}

	arc := archive.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.False(t, arc.Degraded())

	reg := devices.NewMemRegistry()
	mgr := manager.New(arc, reg)
	s := New(mgr)

	mux := http.NewServeMux()
	s.RegisterHandlers(mux)
	httpSrv := httptest.NewServer(mux)
	t.Cleanup(httpSrv.Close)

	return s, reg, httpSrv
}

func TestGetRootMeter_EmptyWhenUnset(t *testing.T) {
	_, _, httpSrv := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/GetRootMeter")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotContains(t, body, "rootMeterThingId")
}

func TestSetRootMeter_MissingParameter(t *testing.T) {
	_, _, httpSrv := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/SetRootMeter")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "MissingParameter", body["energyError"])
}

func TestSetRootMeter_InvalidParameterForUnknownId(t *testing.T) {
	_, _, httpSrv := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/SetRootMeter?rootMeterThingId=" + uuid.New().String())
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "InvalidParameter", body["energyError"])
}

func TestSetRootMeter_NoErrorForKnownMeter(t *testing.T) {
	_, reg, httpSrv := newTestServer(t)

	id := uuid.New()
	reg.AddDevice(devices.Device{ID: id, Interfaces: []types.Interface{types.InterfaceEnergyMeter}})

	resp, err := http.Get(httpSrv.URL + "/SetRootMeter?rootMeterThingId=" + id.String())
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "NoError", body["energyError"])
}

func TestGetPowerBalanceLogs_RejectsMissingSampleRate(t *testing.T) {
	_, _, httpSrv := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/GetPowerBalanceLogs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetPowerBalanceLogs_EmptyIsLegal(t *testing.T) {
	_, _, httpSrv := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/GetPowerBalanceLogs?sampleRate=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	var rows []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	assert.Empty(t, rows)
}
