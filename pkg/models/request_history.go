package models

import "time"

// RequestKind classifies what a proxied request was for.
type RequestKind string

// Supported request kinds.
const (
	RequestKindChat            RequestKind = "chat"
	RequestKindGenerate        RequestKind = "generate"
	RequestKindEmbeddings      RequestKind = "embeddings"
	RequestKindTranscription   RequestKind = "transcription"
	RequestKindSpeech          RequestKind = "speech"
	RequestKindImageGeneration RequestKind = "image-gen"
	RequestKindImageEdit       RequestKind = "image-edit"
	RequestKindImageVariation  RequestKind = "image-variation"
)

// RequestStatus is the terminal outcome of a proxied request.
type RequestStatus string

// Supported request statuses.
const (
	RequestStatusSuccess RequestStatus = "success"
	RequestStatusError   RequestStatus = "error"
)

// TokenCounts holds the accounting figures extracted from an upstream
// response's usage block (or SSE delta stream).
type TokenCounts struct {
	Input  int
	Output int
	Total  int
}

// RequestHistoryRecord is one row written by the history writer after a proxied request
// completes (or is cancelled by the client).
type RequestHistoryRecord struct {
	ID                   string
	Timestamp            time.Time
	Kind                 RequestKind
	Model                string
	EndpointID           *string
	EndpointName         *string
	ClientIP             string
	RedactedRequestBody  string
	ResponseBody         *string
	DurationMs           int64
	Status               RequestStatus
	ErrorMessage         *string
	Tokens               TokenCounts
	APIKeyID             *string
}
