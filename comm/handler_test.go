package comm

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepforge/stepforge-go/engine"
)

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

type stubRequest struct {
	body    []byte
	headers map[string]string
	method  string
	query   map[string]string
}

func (r stubRequest) Body() ([]byte, error)     { return r.body, nil }
func (r stubRequest) Header(key string) string  { return r.headers[key] }
func (r stubRequest) Method() string            { return r.method }
func (r stubRequest) URL() string               { return "/api/inngest" }
func (r stubRequest) Query(key string) string   { return r.query[key] }

type stubWriter struct {
	resp  Response
	wrote bool
}

func (w *stubWriter) WriteResponse(resp Response) error {
	w.resp = resp
	w.wrote = true
	return nil
}

func runRequestJSON(t *testing.T, steps map[string]any, disableImmediate bool) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event": map[string]any{"name": "user/created", "data": map[string]any{"id": 1}},
		"steps": steps,
		"ctx": map[string]any{
			"run_id":                      "run-1",
			"attempt":                     0,
			"stack":                       map[string]any{"stack": []string{}},
			"disable_immediate_execution": disableImmediate,
		},
		"version": 0,
	})
	require.NoError(t, err)
	return body
}

func stepFunction(retries int, handler engine.Handler) Function {
	return Function{
		Config: &engine.FunctionConfig{
			ID:       "fn-1",
			Triggers: []engine.Trigger{{Event: "user/created"}},
			Retries:  retries,
		},
		Handler: handler,
	}
}

func simpleStepHandler(rc *engine.RunCtx) (any, error) {
	_, err := engine.Run(rc.Context, rc.Step, "a", func(ctx context.Context) (int, error) {
		return 1, nil
	})
	return nil, err
}

func devHandler(fns ...Function) *Handler {
	return NewHandler(Options{AppID: "test-app", Dev: true, Logger: engine.NopLogger{}}, fns...)
}

func serve(t *testing.T, h *Handler, req stubRequest) Response {
	t.Helper()
	w := &stubWriter{}
	err := h.ServeRequest(context.Background(), "http://localhost:3000/api/inngest", req, w)
	require.NoError(t, err)
	require.True(t, w.wrote)
	return w.resp
}

func TestIntrospectionDevMode(t *testing.T) {
	h := devHandler(stepFunction(0, simpleStepHandler))

	resp := serve(t, h, stubRequest{method: http.MethodGet})

	require.Equal(t, http.StatusOK, resp.Status)
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	require.Equal(t, "dev", out["mode"])
	require.Equal(t, float64(1), out["function_count"])
	require.Nil(t, out["authentication_succeeded"])
}

func TestIntrospectionCloudRejectsMissingSignature(t *testing.T) {
	h := NewHandler(Options{AppID: "test-app", SigningKey: testKey, Logger: engine.NopLogger{}},
		stepFunction(0, simpleStepHandler))

	resp := serve(t, h, stubRequest{method: http.MethodGet})

	require.Equal(t, http.StatusUnauthorized, resp.Status)
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	require.Equal(t, false, out["authentication_succeeded"])
}

func TestIntrospectionCloudAuthenticated(t *testing.T) {
	h := NewHandler(Options{AppID: "test-app", SigningKey: testKey, Logger: engine.NopLogger{}},
		stepFunction(0, simpleStepHandler))

	resp := serve(t, h, stubRequest{
		method:  http.MethodGet,
		headers: map[string]string{"X-Inngest-Signature": signBody(testKey, nil, time.Now())},
	})

	require.Equal(t, http.StatusOK, resp.Status)
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	require.Equal(t, true, out["authentication_succeeded"])
	require.Equal(t, "test-app", out["app_id"])
	require.NotEmpty(t, out["signing_key_hash"])
}

func TestTrustProbe(t *testing.T) {
	h := devHandler(stepFunction(0, simpleStepHandler))

	resp := serve(t, h, stubRequest{method: http.MethodPost, query: map[string]string{"probe": "trust"}})
	require.Equal(t, http.StatusOK, resp.Status)
	require.Empty(t, resp.Body)
}

func TestTrustProbeCloudRequiresSignature(t *testing.T) {
	h := NewHandler(Options{AppID: "test-app", SigningKey: testKey, Logger: engine.NopLogger{}},
		stepFunction(0, simpleStepHandler))

	missing := serve(t, h, stubRequest{method: http.MethodPost, query: map[string]string{"probe": "trust"}})
	require.Equal(t, http.StatusUnauthorized, missing.Status)

	body := []byte{}
	signed := serve(t, h, stubRequest{
		method:  http.MethodPost,
		body:    body,
		headers: map[string]string{"X-Inngest-Signature": signBody(testKey, body, time.Now())},
		query:   map[string]string{"probe": "trust"},
	})
	require.Equal(t, http.StatusOK, signed.Status)
}

func TestRunDiscoveryReportsPlannedStep(t *testing.T) {
	h := devHandler(stepFunction(0, simpleStepHandler))

	resp := serve(t, h, stubRequest{
		method: http.MethodPost,
		body:   runRequestJSON(t, map[string]any{}, true),
		query:  map[string]string{"fnId": "fn-1"},
	})

	require.Equal(t, http.StatusPartialContent, resp.Status)
	require.Equal(t, "1", resp.Headers["X-Inngest-Req-Version"])

	var ops []map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &ops))
	require.Len(t, ops, 1)
	require.Equal(t, sha1Hex("a"), ops[0]["id"])
	require.Equal(t, "StepPlanned", ops[0]["op"])
}

func TestRunResolvedWithMemoizedStep(t *testing.T) {
	h := devHandler(stepFunction(0, simpleStepHandler))

	steps := map[string]any{
		sha1Hex("a"): map[string]any{"data": 1},
	}
	resp := serve(t, h, stubRequest{
		method: http.MethodPost,
		body:   runRequestJSON(t, steps, false),
		query:  map[string]string{"fnId": "fn-1"},
	})

	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "null", string(resp.Body), "handler returned nothing; resolved data serializes as null")
}

func TestRunRetryAfterError(t *testing.T) {
	h := devHandler(stepFunction(0, func(rc *engine.RunCtx) (any, error) {
		return nil, &engine.RetryAfterError{Cause: errors.New("throttled"), Delay: 10 * time.Second}
	}))

	resp := serve(t, h, stubRequest{
		method: http.MethodPost,
		body:   runRequestJSON(t, map[string]any{}, false),
		query:  map[string]string{"fnId": "fn-1"},
	})

	require.Equal(t, http.StatusInternalServerError, resp.Status)
	require.Equal(t, "false", resp.Headers["X-Inngest-No-Retry"])
	require.Equal(t, "10", resp.Headers["Retry-After"])
}

func TestRunNonRetriableError(t *testing.T) {
	h := devHandler(stepFunction(0, func(rc *engine.RunCtx) (any, error) {
		return nil, &engine.NonRetriableError{Cause: errors.New("bad state")}
	}))

	resp := serve(t, h, stubRequest{
		method: http.MethodPost,
		body:   runRequestJSON(t, map[string]any{}, false),
		query:  map[string]string{"fnId": "fn-1"},
	})

	require.Equal(t, http.StatusBadRequest, resp.Status)
	require.Equal(t, "true", resp.Headers["X-Inngest-No-Retry"])
}

func TestRunUnknownFunction(t *testing.T) {
	h := devHandler(stepFunction(0, simpleStepHandler))

	resp := serve(t, h, stubRequest{
		method: http.MethodPost,
		body:   runRequestJSON(t, map[string]any{}, false),
		query:  map[string]string{"fnId": "no-such-fn"},
	})

	require.Equal(t, http.StatusNotFound, resp.Status)
}

func TestRunResponseIsSignedInCloudMode(t *testing.T) {
	h := NewHandler(Options{AppID: "test-app", SigningKey: testKey, Logger: engine.NopLogger{}},
		stepFunction(0, simpleStepHandler))

	body := runRequestJSON(t, map[string]any{}, true)
	resp := serve(t, h, stubRequest{
		method:  http.MethodPost,
		body:    body,
		headers: map[string]string{"X-Inngest-Signature": signBody(testKey, body, time.Now())},
		query:   map[string]string{"fnId": "fn-1"},
	})

	require.Equal(t, http.StatusPartialContent, resp.Status)
	sig := resp.Headers["X-Inngest-Signature"]
	require.NotEmpty(t, sig)
	ok, err := verifySignature(testKey, resp.Body, sig, false)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRunRejectsInvalidSignature(t *testing.T) {
	h := NewHandler(Options{AppID: "test-app", SigningKey: testKey, Logger: engine.NopLogger{}},
		stepFunction(0, simpleStepHandler))

	body := runRequestJSON(t, map[string]any{}, false)
	resp := serve(t, h, stubRequest{
		method:  http.MethodPost,
		body:    body,
		headers: map[string]string{"X-Inngest-Signature": "t=1&s=deadbeef"},
		query:   map[string]string{"fnId": "fn-1"},
	})

	require.Equal(t, http.StatusUnauthorized, resp.Status)
}

func TestRegisterPostsFunctionConfigs(t *testing.T) {
	var received RegisterPayload
	executor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fn/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		fmt.Fprint(w, `{"status":200,"skipped":false,"modified":true}`)
	}))
	defer executor.Close()

	h := NewHandler(Options{AppID: "test-app", APIBaseURL: executor.URL, Logger: engine.NopLogger{}},
		stepFunction(2, simpleStepHandler))

	resp := serve(t, h, stubRequest{method: http.MethodPut})

	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "test-app", received.AppID)
	require.Len(t, received.Functions, 1)
	require.Equal(t, "fn-1", received.Functions[0].ID)
	require.Equal(t, 2, received.Functions[0].Steps["step"].Retries.Attempts)
}
