package models

import "time"

// EndpointModel is keyed by (endpoint id, model id); it carries the
// capabilities and limits a given endpoint declares for one model.
type EndpointModel struct {
	EndpointID    string
	ModelID       string
	Capabilities  map[Capability]struct{}
	MaxTokens     *int
	LastCheckedAt time.Time
	APIFamilies   map[APIFamily]struct{}
}

// HasCapability reports whether this endpoint-model pair advertises cap.
func (m *EndpointModel) HasCapability(cap Capability) bool {
	_, ok := m.Capabilities[cap]
	return ok
}

// HasAPIFamily reports whether this endpoint-model pair supports family.
func (m *EndpointModel) HasAPIFamily(family APIFamily) bool {
	_, ok := m.APIFamilies[family]
	return ok
}
