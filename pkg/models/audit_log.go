package models

import "time"

// ActorType classifies who performed the audited action.
type ActorType string

// Supported actor types.
const (
	ActorTypeUser      ActorType = "user"
	ActorTypeAPIKey    ActorType = "api-key"
	ActorTypeAnonymous ActorType = "anonymous"
)

// ZeroHash is the all-zero 32-byte SHA-256 placeholder used as prev_hash
// for the very first entry in a chain.
var ZeroHash = [32]byte{}

// AuditLogEntry is one immutable, hash-chained audit row.
type AuditLogEntry struct {
	ID           string
	Timestamp    time.Time
	HTTPMethod   string
	RequestPath  string
	StatusCode   int
	ActorType    ActorType
	ActorID      string
	Username     *string
	APIKeyOwner  *string
	ClientIP     string
	DurationMs   int64
	InputTokens  *int
	OutputTokens *int
	ModelName    *string
	EndpointID   *string
	Detail       string
	BatchID      string
	PrevHash     [32]byte
	ThisHash     [32]byte
}
