// Package prober implements the Health Prober: one independent timer
// per endpoint that periodically issues a lightweight upstream request and
// reports the outcome to the Endpoint Registry. Probes across endpoints run
// fully in parallel; a per-endpoint mutex (via singleflight-style guard)
// prevents two probes of the same endpoint overlapping.
package prober

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/registry"
)

// staleWindowMultiplier is the default multiple of an endpoint's own
// health-check-interval after which a non-recovering endpoint is marked
// offline rather than merely error.
const staleWindowMultiplier = 3

// Prober runs one probing loop per registered endpoint.
type Prober struct {
	reg    *registry.Registry
	client *http.Client
	k      int

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	inFlight map[string]*sync.Mutex // per-endpoint probe mutex
}

// New constructs a prober. client should have no overall timeout set —
// per-request deadlines are derived from each endpoint's inference-timeout.
func New(reg *registry.Registry, client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	return &Prober{
		reg:      reg,
		client:   client,
		k:        registry.ConsecutiveFailThreshold,
		cancels:  make(map[string]context.CancelFunc),
		inFlight: make(map[string]*sync.Mutex),
	}
}

// Start begins probing every endpoint currently in the registry and keeps
// probing newly registered ones is the caller's responsibility via Watch
// (see Reconcile). Start blocks until ctx is canceled.
func (p *Prober) Start(ctx context.Context) {
	p.Reconcile(ctx)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.stopAll()
			return
		case <-ticker.C:
			p.Reconcile(ctx)
		}
	}
}

// Reconcile starts a probe loop for every endpoint that doesn't already
// have one running, and stops loops for endpoints no longer registered.
// Called periodically so endpoints registered after Start still get
// probed without requiring a restart.
func (p *Prober) Reconcile(ctx context.Context) {
	current := p.reg.List()
	seen := make(map[string]struct{}, len(current))

	for _, e := range current {
		seen[e.ID] = struct{}{}
		p.mu.Lock()
		_, running := p.cancels[e.ID]
		p.mu.Unlock()
		if running {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.cancels[e.ID] = cancel
		p.inFlight[e.ID] = &sync.Mutex{}
		p.mu.Unlock()
		go p.loop(loopCtx, e.ID)
	}

	p.mu.Lock()
	for id, cancel := range p.cancels {
		if _, ok := seen[id]; !ok {
			cancel()
			delete(p.cancels, id)
			delete(p.inFlight, id)
		}
	}
	p.mu.Unlock()
}

func (p *Prober) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cancel := range p.cancels {
		cancel()
		delete(p.cancels, id)
	}
}

func (p *Prober) loop(ctx context.Context, endpointID string) {
	interval := p.intervalFor(endpointID)
	timer := time.NewTimer(0) // probe immediately on registration
	defer timer.Stop()

	var lastSuccess time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			interval = p.intervalFor(endpointID)
			if interval <= 0 {
				interval = 15 * time.Second
			}
			ok := p.probeOnce(ctx, endpointID)
			if ok {
				lastSuccess = time.Now()
			} else if !lastSuccess.IsZero() && time.Since(lastSuccess) > time.Duration(staleWindowMultiplier)*interval {
				if _, err := p.reg.MarkOffline(ctx, endpointID, "stale: no successful probe within window"); err != nil {
					slog.Warn("prober: mark offline failed", "endpoint_id", endpointID, "error", err)
				}
			}
			timer.Reset(interval)
		}
	}
}

func (p *Prober) intervalFor(id string) time.Duration {
	e, err := p.reg.Get(id)
	if err != nil {
		return 15 * time.Second
	}
	return e.HealthCheckInterval
}

// probeOnce runs a single probe cycle, serialized per endpoint via the
// endpoint's own mutex so overlapping timers (e.g. after Reconcile races)
// never send two concurrent probes to the same backend.
func (p *Prober) probeOnce(ctx context.Context, endpointID string) bool {
	p.mu.Lock()
	mu, ok := p.inFlight[endpointID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	mu.Lock()
	defer mu.Unlock()

	e, err := p.reg.Get(endpointID)
	if err != nil {
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.InferenceTimeout)
	defer cancel()

	start := time.Now()
	statusCode, body, probeErr := p.doProbe(reqCtx, e)
	elapsed := float64(time.Since(start).Milliseconds())

	switch {
	case probeErr == nil && statusCode >= 200 && statusCode < 300:
		if _, err := p.reg.SetStatus(ctx, endpointID, true, &elapsed, nil); err != nil {
			slog.Warn("prober: set-status success failed", "endpoint_id", endpointID, "error", err)
		}
		p.syncModels(ctx, e, body)
		if e.Kind.SupportsModelMetadata() {
			p.refreshDeviceInfo(ctx, e)
		}
		return true
	default:
		msg := classifyFailure(statusCode, probeErr)
		if _, err := p.reg.SetStatus(ctx, endpointID, false, nil, &msg); err != nil {
			slog.Warn("prober: set-status failure failed", "endpoint_id", endpointID, "error", err)
		}
		return false
	}
}

// classifyFailure turns a probe outcome into a short reason string:
// timeout, auth (401/403), other upstream 4xx/5xx status, or connection
// error.
func classifyFailure(statusCode int, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	switch {
	case statusCode >= 500:
		return "upstream " + strconv.Itoa(statusCode)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return "auth"
	case statusCode >= 400:
		return "upstream " + strconv.Itoa(statusCode)
	case err != nil:
		return "connection error: " + err.Error()
	default:
		return "unknown probe failure"
	}
}

// maxModelListBody caps how much of the probe response is read for model
// list parsing.
const maxModelListBody = 1 << 20

// doProbe issues the kind-appropriate lightweight health request and
// returns the HTTP status code (0 if the request never completed) plus the
// response body, which doubles as the endpoint's reported model list.
func (p *Prober) doProbe(ctx context.Context, e *models.Endpoint) (int, []byte, error) {
	path := probePath(e.Kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	if e.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+e.Credential)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxModelListBody))
	return resp.StatusCode, body, nil
}

// ollamaTagsWire is the ollama /api/tags response shape.
type ollamaTagsWire struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// openAIModelsWire is the /v1/models response shape served by xllm, vllm,
// lm-studio, and generic openai-compatible backends.
type openAIModelsWire struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// syncModels parses the probe response's model list and pushes it through
// the registry's wholesale model-sync. Best-effort: an unparseable body
// leaves the previously synced list in place rather than clearing it.
func (p *Prober) syncModels(ctx context.Context, e *models.Endpoint, body []byte) {
	ids := parseModelIDs(e.Kind, body)
	if ids == nil {
		return
	}

	families := make(map[models.APIFamily]struct{})
	if e.HasCapability(models.CapabilityChat) {
		families[models.APIFamilyChatCompletions] = struct{}{}
	}
	if e.HasCapability(models.CapabilityEmbeddings) {
		families[models.APIFamilyEmbeddings] = struct{}{}
	}

	reported := make([]*models.EndpointModel, 0, len(ids))
	now := time.Now()
	for _, id := range ids {
		caps := make(map[models.Capability]struct{}, len(e.Capabilities))
		for c := range e.Capabilities {
			caps[c] = struct{}{}
		}
		fams := make(map[models.APIFamily]struct{}, len(families))
		for f := range families {
			fams[f] = struct{}{}
		}
		reported = append(reported, &models.EndpointModel{
			EndpointID:    e.ID,
			ModelID:       id,
			Capabilities:  caps,
			LastCheckedAt: now,
			APIFamilies:   fams,
		})
	}
	if err := p.reg.SyncModels(ctx, e.ID, reported); err != nil {
		slog.Warn("prober: model sync failed", "endpoint_id", e.ID, "error", err)
	}
}

// parseModelIDs extracts the reported model ids from a probe response body.
// Returns nil (distinct from an empty slice) when the body doesn't parse,
// so callers can tell "no models" apart from "unreadable response".
func parseModelIDs(kind models.EndpointKind, body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	switch kind {
	case models.EndpointKindOllama:
		var wire ollamaTagsWire
		if err := json.Unmarshal(body, &wire); err != nil || wire.Models == nil {
			return nil
		}
		ids := make([]string, 0, len(wire.Models))
		for _, m := range wire.Models {
			if m.Name != "" {
				ids = append(ids, m.Name)
			}
		}
		return ids
	default:
		var wire openAIModelsWire
		if err := json.Unmarshal(body, &wire); err != nil || wire.Data == nil {
			return nil
		}
		ids := make([]string, 0, len(wire.Data))
		for _, m := range wire.Data {
			if m.ID != "" {
				ids = append(ids, m.ID)
			}
		}
		return ids
	}
}

// probePath names the kind-appropriate lightweight path for a health probe.
func probePath(kind models.EndpointKind) string {
	switch kind {
	case models.EndpointKindOllama:
		return "/api/tags"
	case models.EndpointKindXLLM:
		return "/v1/models"
	case models.EndpointKindVLLM, models.EndpointKindLMStudio, models.EndpointKindOpenAICompatible:
		return "/v1/models"
	default:
		return "/v1/models"
	}
}

// deviceInfoWire is the /api/system response shape: device type plus, for
// GPU hosts, one entry per device with its memory footprint in bytes.
type deviceInfoWire struct {
	DeviceType string `json:"device_type"`
	GPUDevices []struct {
		Name             string `json:"name"`
		TotalMemoryBytes int64  `json:"total_memory_bytes"`
		UsedMemoryBytes  int64  `json:"used_memory_bytes"`
	} `json:"gpu_devices"`
}

const deviceInfoBody = 1 << 20 // 1MiB cap on the /api/system response

// refreshDeviceInfo fetches device/system telemetry for kinds that expose
// it (xllm, ollama) by calling /api/system, and pushes the result into the
// registry. Best-effort: a failure here, including a kind that doesn't
// implement the route, never affects the probe's success/fail verdict.
func (p *Prober) refreshDeviceInfo(ctx context.Context, e *models.Endpoint) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/api/system", nil)
	if err != nil {
		return
	}
	if e.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+e.Credential)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return
	}

	var wire deviceInfoWire
	if err := json.NewDecoder(io.LimitReader(resp.Body, deviceInfoBody)).Decode(&wire); err != nil {
		return
	}

	info := models.DeviceInfo{}
	if wire.DeviceType == "gpu" || len(wire.GPUDevices) > 0 {
		for _, d := range wire.GPUDevices {
			info.Devices = append(info.Devices, models.Device{
				Name:       d.Name,
				Kind:       "gpu",
				MemTotalMB: d.TotalMemoryBytes / (1 << 20),
				MemUsedMB:  d.UsedMemoryBytes / (1 << 20),
			})
		}
	} else {
		info.Devices = append(info.Devices, models.Device{Kind: "cpu"})
	}

	if err := p.reg.UpdateDeviceInfo(ctx, e.ID, info); err != nil {
		slog.Warn("prober: update device info failed", "endpoint_id", e.ID, "error", err)
	}
}
