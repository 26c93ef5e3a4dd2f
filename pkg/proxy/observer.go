package proxy

import (
	"bytes"
	"encoding/json"

	"github.com/llmlb/gateway/pkg/models"
)

// observer accumulates token usage from a forwarded response as it is
// teed to the client, without buffering the whole body in memory for the
// streaming path. It understands the OpenAI-shaped "usage" object, which
// covers both chat/completions (full body) and SSE deltas carrying
// stream_options.include_usage.
type observer struct {
	kind     models.RequestKind
	counts   models.TokenCounts
	firstErr *string
}

func newObserver(kind models.RequestKind) *observer {
	return &observer{kind: kind}
}

// usageBlock mirrors the "usage" object OpenAI-compatible backends emit.
type usageBlock struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      *int `json:"total_tokens"`
	InputTokens      *int `json:"input_tokens"`
	OutputTokens     *int `json:"output_tokens"`
}

// errorBlock mirrors the OpenAI-shaped "error" object some backends emit
// mid-stream after the 200 header is already committed.
type errorBlock struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type bodyWithUsage struct {
	Usage *usageBlock `json:"usage"`
	Error *errorBlock `json:"error"`
}

// observeFullBody extracts usage from a non-streamed JSON response body.
func (o *observer) observeFullBody(body []byte) {
	var parsed bodyWithUsage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return
	}
	o.applyUsage(parsed.Usage)
	o.applyError(parsed.Error)
}

// observeSSELine inspects one line of an SSE stream. Only "data: {...}"
// lines carrying a usage block update the running totals; every other
// line (event:, id:, blank keep-alives, "data: [DONE]") is ignored.
func (o *observer) observeSSELine(line []byte) {
	const prefix = "data:"
	if !bytes.HasPrefix(line, []byte(prefix)) {
		return
	}
	payload := bytes.TrimSpace(line[len(prefix):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return
	}
	var parsed bodyWithUsage
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return
	}
	o.applyUsage(parsed.Usage)
	o.applyError(parsed.Error)
}

// applyError keeps only the first error payload the response carried; a
// 200-committed stream that later emits an error chunk stays 200 on the
// wire, but the recorded request becomes an error.
func (o *observer) applyError(e *errorBlock) {
	if e == nil || o.firstErr != nil {
		return
	}
	msg := e.Message
	if msg == "" {
		msg = "upstream error"
	}
	o.firstErr = &msg
}

// errorPayload returns the first error the response carried, or nil.
func (o *observer) errorPayload() *string {
	return o.firstErr
}

func (o *observer) applyUsage(u *usageBlock) {
	if u == nil {
		return
	}
	if u.PromptTokens != nil {
		o.counts.Input = *u.PromptTokens
	} else if u.InputTokens != nil {
		o.counts.Input = *u.InputTokens
	}
	if u.CompletionTokens != nil {
		o.counts.Output = *u.CompletionTokens
	} else if u.OutputTokens != nil {
		o.counts.Output = *u.OutputTokens
	}
	if u.TotalTokens != nil {
		o.counts.Total = *u.TotalTokens
	} else {
		o.counts.Total = o.counts.Input + o.counts.Output
	}
}

func (o *observer) tokens() models.TokenCounts {
	return o.counts
}
