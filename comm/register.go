package comm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/stepforge/stepforge-go/engine"
)

// stepRuntime is the registration-payload shape of a single step's runtime
// pointer.
type stepRuntime struct {
	Runtime struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"runtime"`
	Retries struct {
		Attempts int `json:"attempts"`
	} `json:"retries"`
}

// FunctionRegistration is the wire shape of one function in the register
// payload.
type FunctionRegistration struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name,omitempty"`
	Triggers    []triggerPayload       `json:"triggers"`
	Steps       map[string]stepRuntime `json:"steps"`
	CancelOn    []map[string]any       `json:"cancelOn,omitempty"`
	Concurrency *engine.Concurrency    `json:"concurrency,omitempty"`
	Throttle    *engine.Throttle       `json:"throttle,omitempty"`
	RateLimit   *engine.RateLimit      `json:"rateLimit,omitempty"`
	Debounce    *engine.Debounce       `json:"debounce,omitempty"`
	BatchEvents *engine.Batch          `json:"batchEvents,omitempty"`
	Idempotency string                 `json:"idempotency,omitempty"`
	Priority    *engine.Priority       `json:"priority,omitempty"`
	Timeouts    *engine.Timeouts       `json:"timeouts,omitempty"`
	Singleton   *engine.Singleton      `json:"singleton,omitempty"`
}

type triggerPayload struct {
	Event string `json:"event,omitempty"`
	If    string `json:"if,omitempty"`
	Cron  string `json:"cron,omitempty"`
}

// RegisterPayload is the body POSTed to the Executor's /fn/register.
type RegisterPayload struct {
	AppID        string                 `json:"appName"`
	Framework    string                 `json:"framework"`
	SDKVer       string                 `json:"sdk"`
	URL          string                 `json:"url"`
	DeployType   string                 `json:"deployType"`
	DeployID     string                 `json:"deployId,omitempty"`
	V            string                 `json:"v"`
	Capabilities map[string]string      `json:"capabilities"`
	Functions    []FunctionRegistration `json:"functions"`
}

// RegisterResponse is parsed from the Executor's reply.
type RegisterResponse struct {
	Status   int    `json:"status"`
	Skipped  bool   `json:"skipped"`
	Modified bool   `json:"modified"`
	Error    string `json:"error,omitempty"`
}

// buildRegistration serializes fns into the registration wire shape,
// pointing every step's runtime at servingURL.
func buildRegistration(appID, servingURL string, fns []*engine.FunctionConfig) []FunctionRegistration {
	out := make([]FunctionRegistration, 0, len(fns))
	for _, fn := range fns {
		reg := FunctionRegistration{
			ID:          fn.ID,
			Name:        fn.Name,
			Concurrency: fn.Concurrency,
			Throttle:    fn.Throttle,
			RateLimit:   fn.RateLimit,
			Debounce:    fn.Debounce,
			BatchEvents: fn.Batch,
			Idempotency: fn.Idempotency,
			Priority:    fn.Priority,
			Timeouts:    fn.Timeouts,
			Singleton:   fn.Singleton,
			Steps:       map[string]stepRuntime{},
		}
		for _, t := range fn.Triggers {
			reg.Triggers = append(reg.Triggers, triggerPayload{Event: t.Event, If: t.If, Cron: t.Cron})
		}
		var sr stepRuntime
		sr.Runtime.Type = "http"
		sr.Runtime.URL = servingURL
		sr.Retries.Attempts = fn.Retries
		reg.Steps["step"] = sr
		out = append(out, reg)
	}
	return out
}

// register POSTs payload to target: the real Executor's /fn/register, or a
// local dev server that replied to the probe.
func register(ctx context.Context, client *http.Client, target string, payload RegisterPayload, o Options) (*RegisterResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("comm: marshal registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.SigningKey != "" {
		req.Header.Set("X-Inngest-Signature", signBody(o.SigningKey, body, time.Now()))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comm: register request: %w", err)
	}
	defer resp.Body.Close()

	var out RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("comm: decode register response: %w", err)
	}
	return &out, nil
}

// probeCache remembers dev-server URLs that answered the probe, so repeated
// registrations don't re-probe them; an unreachable URL is not cached and
// is probed again next time. Writes are idempotent upserts.
var probeCache sync.Map

// probeDevServer checks whether a local dev server is reachable at url, so
// registration can be redirected there in dev mode.
func probeDevServer(ctx context.Context, client *http.Client, url string) bool {
	if cached, ok := probeCache.Load(url); ok {
		return cached.(bool)
	}
	reachable := func() bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/dev", nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode < 500
	}()
	if reachable {
		probeCache.Store(url, true)
	}
	return reachable
}
