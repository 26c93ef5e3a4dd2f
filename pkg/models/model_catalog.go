package models

// ModelAvailability is the composed status the model hub reports for a catalog model.
type ModelAvailability string

// Supported model availability states.
const (
	ModelAvailable   ModelAvailability = "available"
	ModelDownloading ModelAvailability = "downloading"
	ModelDownloaded  ModelAvailability = "downloaded"
)

// CatalogModel is a user-approved model descriptor, independent of any one
// endpoint's EM row.
type CatalogModel struct {
	ID           string
	Name         string
	Description  string
	SizeBytes    *int64
	Tags         []string
	Capabilities map[Capability]struct{}
}

// ExternalHubInfo is optional metadata fetched from an external model
// registry (download counts, likes). Memoized in a TTL cache by the model hub and
// never required for assembly to succeed.
type ExternalHubInfo struct {
	Downloads *int64
	Likes     *int64
}

// HubModel is one entry in the composed `/v1/models` / `/api/models/hub`
// response: a CatalogModel joined with its live per-endpoint availability
// and, when available, external registry metadata.
type HubModel struct {
	CatalogModel
	Availability ModelAvailability
	External     *ExternalHubInfo
}
