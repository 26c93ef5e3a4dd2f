package modelhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/events"
	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/registry"
	"github.com/llmlb/gateway/pkg/store"
)

// DefaultPollInterval is how often an in-flight download's progress is
// polled from the endpoint.
const DefaultPollInterval = 2 * time.Second

// DownloadManager drives multi-file model downloads on xllm endpoints: it
// instructs the endpoint to start pulling a model, then polls the
// endpoint's progress route, persisting each sample to the download task
// row and fanning it out as a download-progress event.
type DownloadManager struct {
	st           *store.Store
	reg          *registry.Registry
	bus          *events.Bus
	client       *http.Client
	pollInterval time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // task id -> poll-loop cancel
}

// NewDownloadManager constructs a manager. client may be nil.
func NewDownloadManager(st *store.Store, reg *registry.Registry, bus *events.Bus, client *http.Client) *DownloadManager {
	if client == nil {
		client = &http.Client{}
	}
	return &DownloadManager{
		st: st, reg: reg, bus: bus, client: client,
		pollInterval: DefaultPollInterval,
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Start instructs endpointID to begin downloading modelID and returns the
// tracking task. Fails for endpoint kinds without a download manifest
// surface.
func (m *DownloadManager) Start(ctx context.Context, endpointID, modelID string) (*models.DownloadTask, error) {
	ep, err := m.reg.Get(endpointID)
	if err != nil {
		return nil, err
	}
	if !ep.Kind.SupportsModelDownload() {
		return nil, gwerrors.NewValidationError("endpoint_id",
			fmt.Sprintf("endpoint kind %q does not support model downloads", ep.Kind))
	}

	body, _ := json.Marshal(map[string]string{"model": modelID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/api/models/download", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+ep.Credential)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: start download: %v", gwerrors.ErrUpstream, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return nil, gwerrors.NewUpstreamError(resp.StatusCode, "download start rejected")
	}

	task := &models.DownloadTask{
		ID:         uuid.NewString(),
		EndpointID: endpointID,
		Model:      modelID,
		Status:     models.DownloadStatusPending,
		StartedAt:  time.Now(),
	}
	if err := m.st.CreateDownloadTask(ctx, task); err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.cancels[task.ID] = cancel
	m.mu.Unlock()
	go m.poll(pollCtx, *task, ep)

	return task, nil
}

// Cancel stops polling taskID and asks the endpoint to abort the pull. A
// task already in a terminal state is returned unchanged.
func (m *DownloadManager) Cancel(ctx context.Context, taskID string) (*models.DownloadTask, error) {
	task, err := m.st.GetDownloadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case models.DownloadStatusCompleted, models.DownloadStatusFailed, models.DownloadStatusCancelled:
		return task, nil
	}

	m.mu.Lock()
	if cancel, ok := m.cancels[taskID]; ok {
		cancel()
		delete(m.cancels, taskID)
	}
	m.mu.Unlock()

	if ep, err := m.reg.Get(task.EndpointID); err == nil {
		cancelURL := ep.BaseURL + "/api/models/download/" + url.PathEscape(task.Model) + "/cancel"
		if req, err := http.NewRequestWithContext(ctx, http.MethodPost, cancelURL, nil); err == nil {
			if ep.Credential != "" {
				req.Header.Set("Authorization", "Bearer "+ep.Credential)
			}
			if resp, err := m.client.Do(req); err == nil {
				_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
				resp.Body.Close()
			}
		}
	}

	now := time.Now()
	task.Status = models.DownloadStatusCancelled
	task.CompletedAt = &now
	if err := m.st.UpdateDownloadTask(ctx, task); err != nil {
		return nil, err
	}
	m.publishProgress(task)
	return task, nil
}

// List returns the known tasks, optionally narrowed to one endpoint.
func (m *DownloadManager) List(ctx context.Context, endpointID string) ([]*models.DownloadTask, error) {
	return m.st.ListDownloadTasks(ctx, endpointID)
}

// downloadProgressWire is the endpoint's progress-route response shape.
type downloadProgressWire struct {
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Mbps     float64 `json:"mbps"`
	ETASecs  *int64  `json:"eta_secs"`
	Filename string  `json:"filename"`
	Error    *string `json:"error"`
}

// poll samples the endpoint's progress route until the task reaches a
// terminal state or its context is cancelled.
func (m *DownloadManager) poll(ctx context.Context, task models.DownloadTask, ep *models.Endpoint) {
	defer func() {
		m.mu.Lock()
		delete(m.cancels, task.ID)
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	progressURL := ep.BaseURL + "/api/models/download/" + url.PathEscape(task.Model) + "/progress"
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		wire, err := m.fetchProgress(ctx, ep, progressURL)
		if err != nil {
			slog.Warn("modelhub: download progress poll failed",
				"task_id", task.ID, "endpoint_id", ep.ID, "error", err)
			continue
		}

		task.Progress = wire.Progress
		task.Mbps = wire.Mbps
		task.Filename = wire.Filename
		task.Error = wire.Error
		task.ETA = nil
		if wire.ETASecs != nil {
			d := time.Duration(*wire.ETASecs) * time.Second
			task.ETA = &d
		}
		switch wire.Status {
		case string(models.DownloadStatusCompleted):
			task.Status = models.DownloadStatusCompleted
			now := time.Now()
			task.CompletedAt = &now
		case string(models.DownloadStatusFailed):
			task.Status = models.DownloadStatusFailed
			now := time.Now()
			task.CompletedAt = &now
		case string(models.DownloadStatusCancelled):
			task.Status = models.DownloadStatusCancelled
			now := time.Now()
			task.CompletedAt = &now
		default:
			task.Status = models.DownloadStatusDownloading
		}

		if err := m.st.UpdateDownloadTask(ctx, &task); err != nil {
			slog.Warn("modelhub: persist download progress failed", "task_id", task.ID, "error", err)
		}
		m.publishProgress(&task)

		switch task.Status {
		case models.DownloadStatusCompleted, models.DownloadStatusFailed, models.DownloadStatusCancelled:
			return
		}
	}
}

func (m *DownloadManager) fetchProgress(ctx context.Context, ep *models.Endpoint, progressURL string) (*downloadProgressWire, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, progressURL, nil)
	if err != nil {
		return nil, err
	}
	if ep.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+ep.Credential)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, gwerrors.NewUpstreamError(resp.StatusCode, "progress poll rejected")
	}
	var wire downloadProgressWire
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&wire); err != nil {
		return nil, err
	}
	return &wire, nil
}

func (m *DownloadManager) publishProgress(task *models.DownloadTask) {
	if m.bus == nil {
		return
	}
	errMsg := ""
	if task.Error != nil {
		errMsg = *task.Error
	}
	m.bus.Publish(events.Event{Topic: events.TopicDownloadProgress, At: time.Now(),
		Payload: events.DownloadProgressPayload{
			EndpointID: task.EndpointID,
			ModelID:    task.Model,
			Progress:   task.Progress,
			Status:     string(task.Status),
			Err:        errMsg,
		}})
}
