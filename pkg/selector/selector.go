// Package selector implements the Backend Selector: a pure function
// over a registry snapshot, choosing which online endpoint should serve a
// given (API family, model id, required capability) request. It holds no
// locks of its own beyond the registry snapshot it's handed, and it enforces
// no in-flight cap — saturation is signaled by upstream 5xx/timeout, which
// the proxy converts to an error.
package selector

import (
	"context"
	"sort"

	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/registry"
)

// Request is the selection input.
type Request struct {
	APIFamily          models.APIFamily
	ModelID            string
	RequiredCapability models.Capability
}

// Select ranks the registry's current candidate pool for req and returns
// the best endpoint, or gwerrors.ErrNoCapableBackend if none qualify.
//
// Ranking:
//  1. fewer active (in-flight) requests
//  2. lower EMA inference latency (+Inf sorts last)
//  3. lower last-probe latency
//  4. stable deterministic tiebreak on id
//
// activeRequests reports the current in-flight count per endpoint id; the
// proxy owns this counter since the selector itself is stateless.
func Select(ctx context.Context, reg *registry.Registry, req Request, activeRequests func(endpointID string) int) (*models.Endpoint, error) {
	candidates, err := reg.ModelsForRequest(ctx, req.ModelID, req.RequiredCapability)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, gwerrors.ErrNoCapableBackend
	}

	if req.APIFamily != "" {
		filtered := candidates[:0:0]
		for _, c := range candidates {
			if c.Model == nil || c.Model.HasAPIFamily(req.APIFamily) {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].Endpoint, candidates[j].Endpoint

		ai, bi := 0, 0
		if activeRequests != nil {
			ai, bi = activeRequests(a.ID), activeRequests(b.ID)
		}
		if ai != bi {
			return ai < bi
		}
		if a.EMAInferenceLatencyMs != b.EMAInferenceLatencyMs {
			return a.EMAInferenceLatencyMs < b.EMAInferenceLatencyMs
		}
		if a.LastProbeLatencyMs != b.LastProbeLatencyMs {
			return a.LastProbeLatencyMs < b.LastProbeLatencyMs
		}
		return a.ID < b.ID
	})

	return candidates[0].Endpoint, nil
}
