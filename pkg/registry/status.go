package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/events"
	"github.com/llmlb/gateway/pkg/models"
)

// SetStatus applies a probe outcome to an endpoint's state machine:
//
//	pending/error --probe-success--> online (unless k failures follow)
//	online --probe-fail (k times)--> error
//	online --probe-timeout / stale window--> offline
//	offline --probe-success or heartbeat--> pending --probe-success--> online
//
// A health-check row is always persisted alongside the status write
// (store.UpdateEndpointStatus enforces this atomically). latencyMs is the
// measured round-trip on success; errMsg is set on failure.
func (r *Registry) SetStatus(ctx context.Context, id string, success bool, latencyMs *float64, errMsg *string) (*models.Endpoint, error) {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, gwerrors.ErrNotFound
	}
	before := e.Status
	updated := e.Clone()

	if success {
		updated.ConsecutiveErrors = 0
		updated.LastError = ""
		// Recovery from offline is two-hop: a successful probe moves the
		// endpoint to pending first, and the next one brings it online.
		if before == models.StatusOffline {
			updated.Status = models.StatusPending
		} else {
			updated.Status = models.StatusOnline
		}
		if latencyMs != nil {
			updated.LastProbeLatencyMs = *latencyMs
		}
	} else {
		updated.ConsecutiveErrors++
		if errMsg != nil {
			updated.LastError = *errMsg
		}
		switch {
		case updated.ConsecutiveErrors >= r.k:
			updated.Status = models.StatusError
		default:
			// Not yet at the failure threshold; only transition away from
			// online if the caller explicitly signals a stale window via a
			// nil latency probe-timeout classification upstream (pkg/prober
			// decides offline vs error and calls the appropriate helper).
			if before == models.StatusOnline {
				updated.Status = models.StatusOnline
			} else {
				updated.Status = models.StatusError
			}
		}
	}
	updated.LastProbeAt = time.Now()
	if updated.Status == models.StatusOffline {
		updated.EMAInferenceLatencyMs = models.InitialEMALatency
	}
	r.byID[id] = updated
	r.mu.Unlock()

	hc := &models.HealthCheck{
		ID:           uuid.NewString(),
		EndpointID:   id,
		CheckedAt:    updated.LastProbeAt,
		Success:      success,
		LatencyMs:    latencyMs,
		ErrorMessage: errMsg,
		StatusBefore: before,
		StatusAfter:  updated.Status,
	}
	if err := r.store.UpdateEndpointStatus(ctx, hc, updated.Status, latencyMs, errMsg); err != nil {
		return nil, fmt.Errorf("registry: set status: %w", err)
	}

	if before != updated.Status {
		r.publish(events.Event{Topic: events.TopicEndpointStatusChanged, At: time.Now(),
			Payload: events.EndpointStatusChangedPayload{
				EndpointID: id, Name: updated.Name,
				OldStatus: string(before), NewStatus: string(updated.Status),
			}})
	}
	return updated.Clone(), nil
}

// MarkOffline forces an endpoint to offline, used by the prober when the
// stale window (default 3x health-check-interval) elapses without a
// successful probe. A health-check row is written with success=false.
func (r *Registry) MarkOffline(ctx context.Context, id string, reason string) (*models.Endpoint, error) {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, gwerrors.ErrNotFound
	}
	before := e.Status
	updated := e.Clone()
	updated.Status = models.StatusOffline
	updated.LastError = reason
	updated.LastProbeAt = time.Now()
	updated.EMAInferenceLatencyMs = models.InitialEMALatency
	r.byID[id] = updated
	r.mu.Unlock()

	hc := &models.HealthCheck{
		ID: uuid.NewString(), EndpointID: id, CheckedAt: updated.LastProbeAt,
		Success: false, ErrorMessage: &reason, StatusBefore: before, StatusAfter: models.StatusOffline,
	}
	if err := r.store.UpdateEndpointStatus(ctx, hc, models.StatusOffline, nil, &reason); err != nil {
		return nil, fmt.Errorf("registry: mark offline: %w", err)
	}
	if before != models.StatusOffline {
		r.publish(events.Event{Topic: events.TopicEndpointStatusChanged, At: time.Now(),
			Payload: events.EndpointStatusChangedPayload{
				EndpointID: id, Name: updated.Name,
				OldStatus: string(before), NewStatus: string(models.StatusOffline),
			}})
	}
	return updated.Clone(), nil
}

// Heartbeat moves an offline endpoint back to pending so the prober resumes
// probing it for a recovery signal.
func (r *Registry) Heartbeat(ctx context.Context, id string) (*models.Endpoint, error) {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, gwerrors.ErrNotFound
	}
	if e.Status != models.StatusOffline {
		r.mu.Unlock()
		return e.Clone(), nil
	}
	before := e.Status
	updated := e.Clone()
	updated.Status = models.StatusPending
	r.byID[id] = updated
	r.mu.Unlock()

	hc := &models.HealthCheck{
		ID: uuid.NewString(), EndpointID: id, CheckedAt: time.Now(),
		Success: true, StatusBefore: before, StatusAfter: models.StatusPending,
	}
	if err := r.store.UpdateEndpointStatus(ctx, hc, models.StatusPending, nil, nil); err != nil {
		return nil, fmt.Errorf("registry: heartbeat: %w", err)
	}
	return updated.Clone(), nil
}

// UpdateDeviceInfo overwrites an endpoint's device telemetry snapshot.
func (r *Registry) UpdateDeviceInfo(ctx context.Context, id string, info models.DeviceInfo) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return gwerrors.ErrNotFound
	}
	updated := e.Clone()
	updated.DeviceInfo = info
	r.byID[id] = updated
	r.mu.Unlock()

	return r.store.UpdateDeviceInfo(ctx, id, info)
}

// UpdateInferenceLatency folds one new sample into the endpoint's EMA:
// ema <- 0.2*sample + 0.8*ema on a finite prior; otherwise the prior
// initializes to the sample.
const emaAlpha = 0.2

func (r *Registry) UpdateInferenceLatency(ctx context.Context, id string, sampleMs float64) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return gwerrors.ErrNotFound
	}
	updated := e.Clone()
	if isFinite(updated.EMAInferenceLatencyMs) {
		updated.EMAInferenceLatencyMs = emaAlpha*sampleMs + (1-emaAlpha)*updated.EMAInferenceLatencyMs
	} else {
		updated.EMAInferenceLatencyMs = sampleMs
	}
	r.byID[id] = updated
	r.mu.Unlock()

	ema := updated.EMAInferenceLatencyMs
	return r.store.UpdateInferenceLatency(ctx, id, &ema)
}

func isFinite(f float64) bool {
	return f == f && f < 1e308 && f > -1e308
}

// IncrementRequestCounters bumps total/successful/failed counters in
// memory and persists the change. Does not await I/O while holding the
// lock.
func (r *Registry) IncrementRequestCounters(ctx context.Context, id string, success bool) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return gwerrors.ErrNotFound
	}
	updated := e.Clone()
	updated.TotalRequests++
	if success {
		updated.SuccessfulRequests++
	} else {
		updated.FailedRequests++
	}
	r.byID[id] = updated
	r.mu.Unlock()

	return r.store.IncrementRequestCounters(ctx, id, success)
}
