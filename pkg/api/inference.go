// Package api wires the gin router: the OpenAI-compatible inference
// surface (this file) and the management API (router.go and the
// per-resource handler files) over the
// gateway's core collaborators. Handlers stay thin: parse the request,
// delegate to the proxy/store/registry packages, write the response.
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/llmlb/gateway/pkg/auth"
	"github.com/llmlb/gateway/pkg/cloud"
	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/proxy"
	"github.com/llmlb/gateway/pkg/ratelimit"
)

// maxInferenceBody caps how much of a request body inference handlers will
// buffer in memory to inspect before handing it to the proxy.
const maxInferenceBody = 64 << 20

// inferenceRoute describes one OpenAI-compatible endpoint's routing facts.
type inferenceRoute struct {
	kind       models.RequestKind
	apiFamily  models.APIFamily
	capability models.Capability
	multipart  bool
}

var inferenceRoutes = map[string]inferenceRoute{
	"/v1/chat/completions": {kind: models.RequestKindChat, apiFamily: models.APIFamilyChatCompletions, capability: models.CapabilityChat},
	"/v1/completions":      {kind: models.RequestKindGenerate, apiFamily: models.APIFamilyChatCompletions, capability: models.CapabilityChat},
	"/v1/embeddings":       {kind: models.RequestKindEmbeddings, apiFamily: models.APIFamilyEmbeddings, capability: models.CapabilityEmbeddings},
	"/v1/audio/transcriptions": {kind: models.RequestKindTranscription, capability: models.CapabilityAudioTranscription, multipart: true},
	"/v1/audio/speech":         {kind: models.RequestKindSpeech, capability: models.CapabilityAudioSpeech},
	"/v1/images/generations":   {kind: models.RequestKindImageGeneration, capability: models.CapabilityImageGeneration},
	"/v1/images/edits":         {kind: models.RequestKindImageEdit, capability: models.CapabilityImageGeneration, multipart: true},
	"/v1/images/variations":    {kind: models.RequestKindImageVariation, capability: models.CapabilityImageGeneration, multipart: true},
}

// /v1/models is handled separately (modelhub.go): it's answered by the
// gateway itself from the composed catalog, never forwarded upstream.

// InferenceHandlers bundles the collaborators the OpenAI-compatible
// surface forwards through.
type InferenceHandlers struct {
	proxy   *proxy.Proxy
	limiter *ratelimit.Limiter
}

// NewInferenceHandlers constructs the inference route group's handlers.
func NewInferenceHandlers(p *proxy.Proxy, limiter *ratelimit.Limiter) *InferenceHandlers {
	return &InferenceHandlers{proxy: p, limiter: limiter}
}

// RegisterRoutes mounts every OpenAI-compatible path onto r, the /v1 route
// group: each key's "/v1" prefix is stripped so it is not applied twice.
func (h *InferenceHandlers) RegisterRoutes(r gin.IRoutes) {
	for path, route := range inferenceRoutes {
		path, route := path, route
		r.POST(strings.TrimPrefix(path, "/v1"), func(c *gin.Context) { h.forward(c, path, route) })
	}
}

func (h *InferenceHandlers) forward(c *gin.Context, path string, route inferenceRoute) {
	identity, _ := auth.FromContext(c)

	release, err := h.limiter.Acquire(c.Request.Context(), identity.ActorID)
	if err != nil {
		c.Writer.Header().Set("Retry-After", strconv.Itoa(int(ratelimit.RetryAfter.Seconds())))
		writeOpenAIError(c.Writer, http.StatusServiceUnavailable, proxy.ErrTypeServiceUnavailable, "too many in-flight requests")
		return
	}
	defer release()

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInferenceBody))
	if err != nil {
		writeOpenAIError(c.Writer, http.StatusBadRequest, proxy.ErrTypeInvalidRequest, "failed to read request body")
		return
	}

	var modelID string
	var stream bool
	if route.multipart {
		modelID, err = modelFromMultipart(c.Request, raw)
	} else {
		modelID, stream = modelAndStreamFromJSON(raw)
	}
	if err != nil {
		writeOpenAIError(c.Writer, http.StatusBadRequest, proxy.ErrTypeInvalidRequest, "failed to parse request body: "+err.Error())
		return
	}

	req := proxy.Request{
		Kind:               route.kind,
		APIFamily:          route.apiFamily,
		ModelID:            modelID,
		RequiredCapability: route.capability,
		UpstreamPath:       path,
		Method:             http.MethodPost,
		Header:             c.Request.Header,
		Body:               bytes.NewReader(raw),
		Stream:             stream,
		ClientIP:           c.ClientIP(),
		APIKeyID:           identity.APIKeyID,
		ActorType:          identity.ActorType,
		ActorID:            identity.ActorID,
		Username:           identity.Username,
		HTTPPath:           c.Request.URL.Path,
	}

	// Provider-prefixed model ids ("openai:gpt-4o") bypass the registry and
	// go straight to the named cloud provider, on the same streaming and
	// recording path.
	if provider, bareModel, ok := cloud.Resolve(modelID); ok && !route.multipart {
		if !provider.Configured() {
			writeOpenAIError(c.Writer, http.StatusServiceUnavailable, proxy.ErrTypeServiceUnavailable,
				"provider "+provider.Name+" has no API key configured")
			return
		}
		req.Body = bytes.NewReader(cloud.RewriteModel(raw, bareModel))
		_ = h.proxy.ForwardUpstream(c.Request.Context(), req, proxy.Target{
			Name:       provider.Name,
			BaseURL:    provider.BaseURL,
			Credential: provider.Credential(),
		}, c.Writer)
		return
	}

	_ = h.proxy.Forward(c.Request.Context(), req, c.Writer)
}

// modelAndStreamFromJSON extracts "model" and "stream" from a JSON request
// body without otherwise validating its shape; an empty/invalid body
// yields an empty model id, which the selector will reject as no capable
// backend rather than this layer guessing at OpenAI's full schema.
func modelAndStreamFromJSON(raw []byte) (model string, stream bool) {
	var body struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	_ = json.Unmarshal(raw, &body)
	return body.Model, body.Stream
}

// modelFromMultipart reads the "model" form field out of a multipart body
// without consuming raw, so the caller can still forward it byte-for-byte.
func modelFromMultipart(r *http.Request, raw []byte) (string, error) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return "", err
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", nil
	}
	mr := multipart.NewReader(bytes.NewReader(raw), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		if part.FormName() == "model" {
			v, err := io.ReadAll(io.LimitReader(part, 256))
			if err != nil {
				return "", err
			}
			return string(v), nil
		}
	}
}
