package prober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/gateway/pkg/database"
	"github.com/llmlb/gateway/pkg/events"
	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/registry"
	"github.com/llmlb/gateway/pkg/store"
)

func newTestRegistry(t *testing.T) (*registry.Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := database.NewClientFromDB(db)
	reg := registry.New(store.New(st, nil), events.New())
	return reg, mock
}

func TestRefreshDeviceInfo_ParsesGPUResponseAndUpdatesRegistry(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/system", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"device_type":"gpu","gpu_devices":[
			{"name":"NVIDIA RTX 4090","total_memory_bytes":25769803776,"used_memory_bytes":1073741824}
		]}`))
	}))
	defer backend.Close()

	reg, mock := newTestRegistry(t)
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	e, err := reg.Register(ctx, registry.EndpointSpec{
		Name: "xllm-1", BaseURL: backend.URL, Kind: models.EndpointKindXLLM,
		HealthCheckInterval: time.Second, InferenceTimeout: time.Second,
	})
	require.NoError(t, err)

	p := New(reg, backend.Client())
	p.refreshDeviceInfo(ctx, e)

	got, err := reg.Get(e.ID)
	require.NoError(t, err)
	require.Len(t, got.DeviceInfo.Devices, 1)
	require.Equal(t, "gpu", got.DeviceInfo.Devices[0].Kind)
	require.Equal(t, int64(24576), got.DeviceInfo.Devices[0].MemTotalMB)
}

func TestParseModelIDs_OllamaTags(t *testing.T) {
	ids := parseModelIDs(models.EndpointKindOllama, []byte(`{"models":[{"name":"llama3:latest"},{"name":"nomic-embed-text"}]}`))
	require.Equal(t, []string{"llama3:latest", "nomic-embed-text"}, ids)
}

func TestParseModelIDs_OpenAIStyle(t *testing.T) {
	ids := parseModelIDs(models.EndpointKindVLLM, []byte(`{"object":"list","data":[{"id":"qwen2-7b"},{"id":"e5-large"}]}`))
	require.Equal(t, []string{"qwen2-7b", "e5-large"}, ids)
}

func TestParseModelIDs_UnreadableBodyReturnsNil(t *testing.T) {
	require.Nil(t, parseModelIDs(models.EndpointKindVLLM, []byte(`<html>not json</html>`)))
	require.Nil(t, parseModelIDs(models.EndpointKindOllama, nil))
	// Valid JSON without the expected list key is also "unreadable": the
	// previously synced list must be left in place, not cleared.
	require.Nil(t, parseModelIDs(models.EndpointKindVLLM, []byte(`{"status":"ok"}`)))
}

func TestSyncModels_ReportsEndpointCapabilitiesPerModel(t *testing.T) {
	reg, mock := newTestRegistry(t)
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1)) // register insert
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM endpoint_models").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO endpoint_models").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	e, err := reg.Register(ctx, registry.EndpointSpec{
		Name: "vllm-1", BaseURL: "http://127.0.0.1:8000", Kind: models.EndpointKindVLLM,
		HealthCheckInterval: time.Second, InferenceTimeout: time.Second,
		Capabilities: map[models.Capability]struct{}{models.CapabilityChat: {}},
	})
	require.NoError(t, err)

	p := New(reg, nil)
	p.syncModels(ctx, e, []byte(`{"data":[{"id":"qwen2-7b"}]}`))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshDeviceInfo_NonOKResponseLeavesDeviceInfoUntouched(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	reg, mock := newTestRegistry(t)
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	e, err := reg.Register(ctx, registry.EndpointSpec{
		Name: "ollama-1", BaseURL: backend.URL, Kind: models.EndpointKindOllama,
		HealthCheckInterval: time.Second, InferenceTimeout: time.Second,
	})
	require.NoError(t, err)

	p := New(reg, backend.Client())
	p.refreshDeviceInfo(ctx, e)

	got, err := reg.Get(e.ID)
	require.NoError(t, err)
	require.Empty(t, got.DeviceInfo.Devices)
}
