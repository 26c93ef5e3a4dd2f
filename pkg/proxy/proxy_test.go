package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/gateway/pkg/database"
	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/registry"
	"github.com/llmlb/gateway/pkg/store"
)

type fakeHistorySink struct{ records []*models.RequestHistoryRecord }

func (f *fakeHistorySink) Submit(r *models.RequestHistoryRecord) { f.records = append(f.records, r) }

type fakeAuditSink struct{ entries []*models.AuditLogEntry }

func (f *fakeAuditSink) Submit(e *models.AuditLogEntry) { f.entries = append(f.entries, e) }

func newTestProxy(t *testing.T, backend *httptest.Server) (*Proxy, *fakeHistorySink, *fakeAuditSink) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.MatchExpectationsInOrder(false)

	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	emColumns := []string{"endpoint_id", "model_id", "capabilities", "max_tokens", "last_checked_at", "api_families"}
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows(emColumns))
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows(emColumns))

	st := store.New(database.NewClientFromDB(db), nil)
	reg := registry.New(st, nil)

	ep, err := reg.Register(context.Background(), registry.EndpointSpec{
		Name: "backend-a", BaseURL: backend.URL, Kind: models.EndpointKindOpenAICompatible,
		Capabilities:     map[models.Capability]struct{}{models.CapabilityChat: {}},
		InferenceTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	_, err = reg.SetStatus(context.Background(), ep.ID, true, nil, nil)
	require.NoError(t, err)

	history := &fakeHistorySink{}
	audit := &fakeAuditSink{}
	p := New(reg, nil, history, audit, backend.Client())
	return p, history, audit
}

func TestForward_BufferedSuccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","usage":{"prompt_tokens":3,"completion_tokens":7,"total_tokens":10}}`))
	}))
	defer backend.Close()

	p, history, audit := newTestProxy(t, backend)

	rec := httptest.NewRecorder()
	req := Request{
		Kind: models.RequestKindChat, RequiredCapability: models.CapabilityChat,
		ModelID: "gpt-4", Method: http.MethodPost, UpstreamPath: "/v1/chat/completions",
		Header: http.Header{}, Body: strings.NewReader(`{"model":"gpt-4"}`),
		ClientIP: "127.0.0.1", ActorType: models.ActorTypeAnonymous, HTTPPath: "/v1/chat/completions",
	}
	err := p.Forward(context.Background(), req, rec)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, history.records, 1)
	require.Equal(t, models.RequestStatusSuccess, history.records[0].Status)
	require.Equal(t, 3, history.records[0].Tokens.Input)
	require.Equal(t, 7, history.records[0].Tokens.Output)
	require.Len(t, audit.entries, 1)
}

func TestForward_UpstreamErrorPassthrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
	}))
	defer backend.Close()

	p, history, _ := newTestProxy(t, backend)

	rec := httptest.NewRecorder()
	req := Request{
		Kind: models.RequestKindChat, RequiredCapability: models.CapabilityChat,
		ModelID: "gpt-4", Method: http.MethodPost, UpstreamPath: "/v1/chat/completions",
		Header: http.Header{}, Body: strings.NewReader(`{"model":"gpt-4"}`),
		ClientIP: "127.0.0.1", ActorType: models.ActorTypeAnonymous, HTTPPath: "/v1/chat/completions",
	}
	err := p.Forward(context.Background(), req, rec)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, history.records, 1)
	require.Equal(t, models.RequestStatusError, history.records[0].Status)
}

func TestForward_NoCapableBackend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows(
		[]string{"endpoint_id", "model_id", "capabilities", "max_tokens", "last_checked_at", "api_families"}))

	st := store.New(database.NewClientFromDB(db), nil)
	reg := registry.New(st, nil)
	history := &fakeHistorySink{}
	audit := &fakeAuditSink{}
	p := New(reg, nil, history, audit, nil)

	rec := httptest.NewRecorder()
	req := Request{
		Kind: models.RequestKindChat, RequiredCapability: models.CapabilityChat,
		ModelID: "nope", Method: http.MethodPost, UpstreamPath: "/v1/chat/completions",
		Header: http.Header{}, Body: strings.NewReader(`{}`),
		ClientIP: "127.0.0.1", ActorType: models.ActorTypeAnonymous, HTTPPath: "/v1/chat/completions",
	}
	err = p.Forward(context.Background(), req, rec)
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Len(t, history.records, 1)
	require.Nil(t, history.records[0].EndpointID)
}

// failingStreamWriter accepts the header and the first n body writes, then
// fails every subsequent write the way a closed client connection would.
type failingStreamWriter struct {
	header http.Header
	writes int
	limit  int
}

func (w *failingStreamWriter) Header() http.Header { return w.header }
func (w *failingStreamWriter) WriteHeader(int)     {}
func (w *failingStreamWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > w.limit {
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

func TestForward_ClientDisconnectRecordsErrorAndUpdatesEMA(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for i := 0; i < 5; i++ {
			_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n")
			flusher.Flush()
		}
	}))
	defer backend.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	emColumns := []string{"endpoint_id", "model_id", "capabilities", "max_tokens", "last_checked_at", "api_families"}
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows(emColumns))
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows(emColumns))
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1)) // counters
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1)) // ema

	st := store.New(database.NewClientFromDB(db), nil)
	reg := registry.New(st, nil)
	ep, err := reg.Register(context.Background(), registry.EndpointSpec{
		Name: "backend-a", BaseURL: backend.URL, Kind: models.EndpointKindOpenAICompatible,
		Capabilities:     map[models.Capability]struct{}{models.CapabilityChat: {}},
		InferenceTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	_, err = reg.SetStatus(context.Background(), ep.ID, true, nil, nil)
	require.NoError(t, err)

	history := &fakeHistorySink{}
	audit := &fakeAuditSink{}
	p := New(reg, nil, history, audit, backend.Client())

	w := &failingStreamWriter{header: http.Header{}, limit: 2}
	req := Request{
		Kind: models.RequestKindChat, RequiredCapability: models.CapabilityChat,
		ModelID: "gpt-4", Method: http.MethodPost, UpstreamPath: "/v1/chat/completions",
		Header: http.Header{}, Body: strings.NewReader(`{"stream":true}`), Stream: true,
		ClientIP: "127.0.0.1", ActorType: models.ActorTypeAnonymous, HTTPPath: "/v1/chat/completions",
	}
	err = p.Forward(context.Background(), req, w)
	require.NoError(t, err)

	require.Len(t, history.records, 1)
	require.Equal(t, models.RequestStatusError, history.records[0].Status)
	require.Contains(t, *history.records[0].ErrorMessage, "client-disconnect")

	// The partial duration still feeds the EMA: failed=1, and the latency
	// is no longer the unmeasured sentinel.
	got, err := reg.Get(ep.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.FailedRequests)
	require.Less(t, got.EMAInferenceLatencyMs, 1e308)
}

func TestForward_MidStreamErrorChunkRecordsErrorButStays200(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n")
		flusher.Flush()
		_, _ = io.WriteString(w, "data: {\"error\":{\"message\":\"backend exploded\",\"type\":\"api_error\"}}\n")
		flusher.Flush()
	}))
	defer backend.Close()

	p, history, _ := newTestProxy(t, backend)

	rec := httptest.NewRecorder()
	req := Request{
		Kind: models.RequestKindChat, RequiredCapability: models.CapabilityChat,
		ModelID: "gpt-4", Method: http.MethodPost, UpstreamPath: "/v1/chat/completions",
		Header: http.Header{}, Body: strings.NewReader(`{"stream":true}`), Stream: true,
		ClientIP: "127.0.0.1", ActorType: models.ActorTypeAnonymous, HTTPPath: "/v1/chat/completions",
	}
	err := p.Forward(context.Background(), req, rec)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code) // header was already committed
	require.Len(t, history.records, 1)
	require.Equal(t, models.RequestStatusError, history.records[0].Status)
	require.Equal(t, "backend exploded", *history.records[0].ErrorMessage)
}

func TestForwardUpstream_CloudTargetSkipsSelectionAndCounters(t *testing.T) {
	var gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"y","usage":{"prompt_tokens":2,"completion_tokens":4,"total_tokens":6}}`))
	}))
	defer backend.Close()

	// No endpoints registered and no store expectations: a cloud target
	// must never touch the registry or its counters.
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := store.New(database.NewClientFromDB(db), nil)
	reg := registry.New(st, nil)
	history := &fakeHistorySink{}
	audit := &fakeAuditSink{}
	p := New(reg, nil, history, audit, backend.Client())

	rec := httptest.NewRecorder()
	req := Request{
		Kind: models.RequestKindChat, RequiredCapability: models.CapabilityChat,
		ModelID: "openai:gpt-4o", Method: http.MethodPost, UpstreamPath: "/v1/chat/completions",
		Header: http.Header{}, Body: strings.NewReader(`{"model":"gpt-4o"}`),
		ClientIP: "127.0.0.1", ActorType: models.ActorTypeAPIKey, HTTPPath: "/v1/chat/completions",
	}
	err = p.ForwardUpstream(context.Background(), req, Target{
		Name: "openai", BaseURL: backend.URL, Credential: "sk-test",
	}, rec)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Bearer sk-test", gotAuth)
	require.Len(t, history.records, 1)
	require.Nil(t, history.records[0].EndpointID)
	require.Equal(t, 6, history.records[0].Tokens.Total)
	require.Len(t, audit.entries, 1)
	require.Nil(t, audit.entries[0].EndpointID)
}

func TestForward_SSEStreaming(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n")
		flusher.Flush()
		_, _ = io.WriteString(w, "data: {\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":2}}\n")
		flusher.Flush()
		_, _ = io.WriteString(w, "data: [DONE]\n")
		flusher.Flush()
	}))
	defer backend.Close()

	p, history, _ := newTestProxy(t, backend)

	rec := httptest.NewRecorder()
	req := Request{
		Kind: models.RequestKindChat, RequiredCapability: models.CapabilityChat,
		ModelID: "gpt-4", Method: http.MethodPost, UpstreamPath: "/v1/chat/completions",
		Header: http.Header{}, Body: strings.NewReader(`{"stream":true}`), Stream: true,
		ClientIP: "127.0.0.1", ActorType: models.ActorTypeAnonymous, HTTPPath: "/v1/chat/completions",
	}
	err := p.Forward(context.Background(), req, rec)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "hi")
	require.Len(t, history.records, 1)
	require.Equal(t, 1, history.records[0].Tokens.Input)
	require.Equal(t, 2, history.records[0].Tokens.Output)
}
