package comm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/stepforge/stepforge-go/engine"
)

// schemaVersion is the introspection payload's schema_version.
const schemaVersion = "1"

// sdkVersion identifies this SDK on the wire, in the `<lang>:v<ver>` form
// the registration payload expects.
const sdkVersion = "go:v0.1.0"

// Function pairs a registered function's config with the handler body that
// runs it. A Handler's job is routing a run request to the right pair of
// the two.
type Function struct {
	Config  *engine.FunctionConfig
	Handler engine.Handler
}

// Request is the framework-agnostic inbound-request surface a Handler
// needs. Response rendering lives on ResponseWriter instead, since Go
// naturally splits reading the request from writing the response across
// two small interfaces rather than one adapter object.
type Request interface {
	Body() ([]byte, error)
	Header(key string) string
	Method() string
	URL() string
	Query(key string) string
}

// Response is what a ResponseWriter renders back through the adapter.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// ResponseWriter renders a Response through the underlying framework.
// StreamResponseWriter additionally supports the streaming path.
type ResponseWriter interface {
	WriteResponse(resp Response) error
}

// StreamResponseWriter is implemented by adapters whose platform can stream
// a chunked body; comm falls back to WriteResponse when a ResponseWriter
// doesn't implement it.
type StreamResponseWriter interface {
	ResponseWriter
	// WriteStreamChunk is called once immediately (status 201, no body) and
	// again with the final result payload once the run completes.
	WriteStreamChunk(final bool, resp Response) error
}

// Handler is the stateless per-request dispatcher: it turns inbound
// Executor requests into engine.Execution runs and serializes results
// back out.
type Handler struct {
	appID string
	opts  Options
	fns   map[string]Function
	order []Function

	client *http.Client
}

// NewHandler builds a Handler serving fns, filling unset Options from the
// environment.
func NewHandler(opts Options, fns ...Function) *Handler {
	opts = opts.withEnv()
	h := &Handler{
		appID:  opts.AppID,
		opts:   opts,
		fns:    make(map[string]Function, len(fns)),
		order:  fns,
		client: http.DefaultClient,
	}
	for _, fn := range fns {
		h.fns[fn.Config.ID] = fn
	}
	return h
}

// ServeRequest dispatches one inbound request by method: GET is
// introspection, PUT registration, POST a run request. servingURL is this
// handler's own externally reachable URL, used for registration and the
// dev-server redirect probe.
func (h *Handler) ServeRequest(ctx context.Context, servingURL string, req Request, w ResponseWriter) error {
	switch req.Method() {
	case http.MethodGet:
		return h.serveIntrospection(req, w)
	case http.MethodPut:
		return h.serveRegister(ctx, servingURL, req, w)
	case http.MethodPost:
		return h.serveRun(ctx, req, w)
	default:
		return w.WriteResponse(Response{Status: http.StatusMethodNotAllowed})
	}
}

// introspection is the GET response body.
type introspection struct {
	AuthenticationSucceeded *bool  `json:"authentication_succeeded"`
	Mode                    string `json:"mode"`
	HasEventKey             bool   `json:"has_event_key"`
	HasSigningKey           bool   `json:"has_signing_key"`
	FunctionCount           int    `json:"function_count"`
	SchemaVersion           string `json:"schema_version"`

	Framework      string   `json:"framework,omitempty"`
	SDKVersion     string   `json:"sdk_version,omitempty"`
	AppID          string   `json:"app_id,omitempty"`
	SigningKeyHash string   `json:"signing_key_hash,omitempty"`
	EventKeyHash   string   `json:"event_key_hash,omitempty"`
	APIOrigin      string   `json:"api_origin,omitempty"`
	EventAPIOrigin string   `json:"event_api_origin,omitempty"`
	ServeOrigin    string   `json:"serve_origin,omitempty"`
	ServePath      string   `json:"serve_path,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	IsStreaming    bool     `json:"is_streaming"`
}

func (h *Handler) serveIntrospection(req Request, w ResponseWriter) error {
	resp := introspection{
		Mode:          h.opts.mode(),
		HasEventKey:   h.opts.EventKey != "",
		HasSigningKey: h.opts.SigningKey != "",
		FunctionCount: len(h.fns),
		SchemaVersion: schemaVersion,
		IsStreaming:   h.shouldStream(),
	}

	if h.opts.mode() == "cloud" {
		body, _ := req.Body()
		sig := req.Header("X-Inngest-Signature")
		if h.opts.SigningKey == "" || sig == "" {
			ok := false
			resp.AuthenticationSucceeded = &ok
			return h.writeJSON(w, http.StatusUnauthorized, resp)
		}
		vr := verifyWithFallback(h.opts.SigningKey, h.opts.SigningKeyFallback, body, sig, h.opts.SkipSignatureExpiry)
		resp.AuthenticationSucceeded = &vr.ok
		if vr.ok {
			resp.Framework = "nethttp"
			resp.SDKVersion = sdkVersion
			resp.AppID = h.appID
			resp.SigningKeyHash = hashKey(h.opts.SigningKey)
			resp.EventKeyHash = hashKey(h.opts.EventKey)
			resp.APIOrigin = h.opts.APIBaseURL
			resp.EventAPIOrigin = h.opts.EventAPIBaseURL
			resp.ServeOrigin = h.opts.ServeHost
			resp.ServePath = h.opts.ServePath
			resp.Capabilities = []string{"trust-probe-v1"}
		}
	}
	return h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) serveRegister(ctx context.Context, servingURL string, req Request, w ResponseWriter) error {
	target := h.opts.APIBaseURL + "/fn/register"
	if h.opts.Dev {
		devURL := h.opts.DevServerURL
		if probeDevServer(ctx, h.client, devURL) {
			target = devURL + "/fn/register"
		}
	}

	configs := make([]*engine.FunctionConfig, 0, len(h.order))
	for _, fn := range h.order {
		if err := engine.ValidateFunctionConfig(fn.Config); err != nil {
			h.opts.Logger.Error("registration failed", "error", err)
			return h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		configs = append(configs, fn.Config)
	}

	deployID := req.Query("deployId")
	if deployID == "" {
		deployID = uuid.NewString()
	}

	payload := RegisterPayload{
		AppID:        h.appID,
		Framework:    "nethttp",
		SDKVer:       sdkVersion,
		URL:          servingURL,
		DeployType:   "ping",
		DeployID:     deployID,
		V:            "0.1",
		Capabilities: map[string]string{"trust_probe": "v1"},
		Functions:    buildRegistration(h.appID, servingURL, configs),
	}

	out, err := register(ctx, h.client, target, payload, h.opts)
	if err != nil {
		h.opts.Logger.Error("registration failed", "error", err)
		return h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if out.Modified {
		h.opts.Logger.Info("functions registered", "app_id", h.appID, "count", len(h.fns))
	}
	status := http.StatusOK
	if out.Error != "" {
		status = http.StatusBadRequest
	}
	return h.writeJSON(w, status, out)
}

// runRequestBody is the inbound run-request payload.
type runRequestBody struct {
	Event   engine.Event                  `json:"event"`
	Events  []engine.Event                `json:"events"`
	Steps   map[string]*engine.MemoizedOp `json:"steps"`
	Ctx     runRequestCtx                 `json:"ctx"`
	Version int                           `json:"version"`
}

type runRequestCtx struct {
	RunID                     string   `json:"run_id"`
	Attempt                   int      `json:"attempt"`
	Stack                     stackRef `json:"stack"`
	DisableImmediateExecution bool     `json:"disable_immediate_execution"`
}

type stackRef struct {
	Stack []string `json:"stack"`
}

func (h *Handler) serveRun(ctx context.Context, req Request, w ResponseWriter) error {
	body, err := req.Body()
	if err != nil {
		return h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	// responseKey is whichever key passed inbound validation and therefore
	// signs the response; empty in dev mode.
	var responseKey string
	if h.opts.mode() == "cloud" {
		sig := req.Header("X-Inngest-Signature")
		if h.opts.SigningKey == "" || sig == "" {
			return w.WriteResponse(Response{Status: http.StatusUnauthorized})
		}
		vr := verifyWithFallback(h.opts.SigningKey, h.opts.SigningKeyFallback, body, sig, h.opts.SkipSignatureExpiry)
		if !vr.ok {
			return w.WriteResponse(Response{Status: http.StatusUnauthorized})
		}
		responseKey = vr.key
	}

	if req.Query("probe") == "trust" {
		return w.WriteResponse(Response{Status: http.StatusOK})
	}

	fnID := req.Query("fnId")
	fn, ok := h.fns[fnID]
	if !ok {
		return h.writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown function %q", fnID)})
	}

	var rb runRequestBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	mode := selectMode(fn.Config, rb.Version)

	runCtx := engine.RunContext{
		RunID:                     rb.Ctx.RunID,
		Attempt:                   rb.Ctx.Attempt,
		Stack:                     rb.Ctx.Stack.Stack,
		DisableImmediateExecution: rb.Ctx.DisableImmediateExecution,
	}

	exec := engine.NewExecution(fn.Config, fn.Handler, rb.Steps, rb.Event, rb.Events, runCtx, req.Query("stepId"), mode, h.opts.Deps, h.opts.Checkpoint, h.opts.Logger)
	if len(h.opts.Middleware) > 0 {
		exec.SetClientMiddleware(h.opts.Middleware)
	}

	if sw, ok := w.(StreamResponseWriter); ok && h.shouldStream() {
		return h.runStreaming(ctx, exec, mode, responseKey, sw)
	}

	result := exec.Start(ctx)
	resp := render(result)
	h.finalizeResponse(&resp, mode, responseKey)
	return w.WriteResponse(resp)
}

// finalizeResponse stamps the version-negotiation and identification
// headers and signs the body with the key that validated the request.
func (h *Handler) finalizeResponse(resp *Response, mode engine.InvocationMode, key string) {
	resp.Headers["X-Inngest-Req-Version"] = strconv.Itoa(preferredVersion(mode))
	resp.Headers["X-Inngest-Sdk"] = sdkVersion
	resp.Headers["X-Inngest-Framework"] = "nethttp"
	if key != "" {
		resp.Headers["X-Inngest-Signature"] = signBody(key, resp.Body, time.Now())
	}
}

// hashKey surfaces a signing/event key in introspection without revealing
// it: hex SHA-256 of the prefix-stripped material.
func hashKey(key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(stripSigningKeyPrefix(key)))
	return hex.EncodeToString(sum[:])
}

func (h *Handler) shouldStream() bool {
	return h.opts.Streaming == StreamingAllow || h.opts.Streaming == StreamingForce
}

func (h *Handler) runStreaming(ctx context.Context, exec *engine.Execution, mode engine.InvocationMode, key string, sw StreamResponseWriter) error {
	if err := sw.WriteStreamChunk(false, Response{Status: http.StatusCreated}); err != nil {
		return err
	}
	result := exec.Start(ctx)
	resp := render(result)
	h.finalizeResponse(&resp, mode, key)
	return sw.WriteStreamChunk(true, resp)
}

// selectMode resolves the invocation mode: an explicit version wins; -1
// asks the SDK to pick (v2/AsyncCheckpointing when optimizeParallelism is
// on, else v1/Async). There is no distinct Sync wire version; Sync is
// selected only by hosts that construct executions directly, so the two
// wire choices map onto Async and AsyncCheckpointing.
func selectMode(fn *engine.FunctionConfig, version int) engine.InvocationMode {
	if version == -1 {
		if fn.OptimizeParallelism {
			return engine.InvocationAsyncCheckpointing
		}
		return engine.InvocationAsync
	}
	if version == 2 {
		return engine.InvocationAsyncCheckpointing
	}
	return engine.InvocationAsync
}

// preferredVersion maps a mode back to the wire version surfaced in
// X-Inngest-Req-Version.
func preferredVersion(mode engine.InvocationMode) int {
	if mode == engine.InvocationAsyncCheckpointing {
		return 2
	}
	return 1
}

func (h *Handler) writeJSON(w ResponseWriter, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteResponse(Response{Status: status, Headers: map[string]string{"Content-Type": "application/json"}, Body: b})
}

// render maps an engine.Result to its HTTP form.
func render(result *engine.Result) Response {
	headers := map[string]string{"Content-Type": "application/json"}

	switch result.Kind {
	case engine.ResultFunctionResolved:
		return Response{Status: http.StatusOK, Headers: headers, Body: orNullBody(result.Data)}

	case engine.ResultFunctionRejected:
		if result.Retriable {
			headers["X-Inngest-No-Retry"] = "false"
			if result.RetryAfter != "" {
				headers["Retry-After"] = result.RetryAfter
			}
			return Response{Status: http.StatusInternalServerError, Headers: headers, Body: errorBody(result.Error)}
		}
		headers["X-Inngest-No-Retry"] = "true"
		return Response{Status: http.StatusBadRequest, Headers: headers, Body: errorBody(result.Error)}

	case engine.ResultStepRan:
		if result.Step != nil && result.Step.Op == engine.OpStepFailed {
			headers["X-Inngest-No-Retry"] = "true"
		}
		b, _ := json.Marshal(result.Step)
		return Response{Status: http.StatusPartialContent, Headers: headers, Body: b}

	case engine.ResultStepsFound:
		b, _ := json.Marshal(result.Steps)
		return Response{Status: http.StatusPartialContent, Headers: headers, Body: b}

	case engine.ResultStepNotFound:
		headers["X-Inngest-No-Retry"] = "false"
		b, _ := json.Marshal(map[string]string{"id": result.NotFoundStepID})
		return Response{Status: http.StatusPartialContent, Headers: headers, Body: b}

	case engine.ResultChangeMode:
		b, _ := json.Marshal(map[string]string{"mode": result.ChangeModeTo, "token": result.ChangeModeToken})
		return Response{Status: http.StatusPartialContent, Headers: headers, Body: b}

	default:
		return Response{Status: http.StatusInternalServerError, Headers: headers}
	}
}

func orNullBody(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

func errorBody(err error) []byte {
	if err == nil {
		return []byte("null")
	}
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}
