package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// HTTPDeps is the production ExecutorDeps: events and signals go to the
// event API, inference and durable fetch to the Executor's gateway, and
// realtime publishes ride a websocket to the realtime backend.
type HTTPDeps struct {
	EventAPIBaseURL string
	APIBaseURL      string
	RealtimeURL     string // ws:// or wss:// endpoint; derived from APIBaseURL when empty
	EventKey        string

	Client *http.Client

	// AIBackend, when set, handles inference locally instead of the
	// Executor's AI gateway. See DirectAIBackend.
	AIBackend *DirectAIBackend

	mu     sync.Mutex
	rtConn *websocket.Conn
}

func (d *HTTPDeps) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *HTTPDeps) post(ctx context.Context, url string, body any) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.EventKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.EventKey)
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("engine: %s: status %d", url, resp.StatusCode)
	}
	return out, nil
}

// SendEvents submits events to the event API, authenticated by the event
// key.
func (d *HTTPDeps) SendEvents(ctx context.Context, events []Event) ([]byte, error) {
	key := d.EventKey
	if key == "" {
		key = "local"
	}
	return d.post(ctx, d.EventAPIBaseURL+"/e/"+key, events)
}

// SendSignal delivers a signal payload to the Executor.
func (d *HTTPDeps) SendSignal(ctx context.Context, signal string, data any) ([]byte, error) {
	return d.post(ctx, d.APIBaseURL+"/v1/signals", map[string]any{"signal": signal, "data": data})
}

// AIInfer submits an inference request to the Executor's AI gateway, or to
// the direct backend when one is configured.
func (d *HTTPDeps) AIInfer(ctx context.Context, req AIInferRequest) ([]byte, error) {
	if d.AIBackend != nil {
		return d.AIBackend.Infer(ctx, req)
	}
	return d.post(ctx, d.APIBaseURL+"/v1/ai/infer", map[string]any{"model": req.Model, "body": req.Body})
}

// realtimeConn lazily dials (and caches) the websocket to the realtime
// backend. The connection is a per-deps singleton; writes are serialized
// under the mutex.
func (d *HTTPDeps) realtimeConn(ctx context.Context) (*websocket.Conn, error) {
	if d.rtConn != nil {
		return d.rtConn, nil
	}
	url := d.RealtimeURL
	if url == "" {
		url = strings.Replace(d.APIBaseURL, "http", "ws", 1) + "/v1/realtime"
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: realtime dial: %w", err)
	}
	d.rtConn = conn
	return conn, nil
}

// RealtimePublish pushes data onto channel/topic over the realtime
// websocket.
func (d *HTTPDeps) RealtimePublish(ctx context.Context, channel, topic string, data any) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{"channel": channel, "topic": topic, "data": data})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	conn, err := d.realtimeConn(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		// Connection gone stale; drop it so the next publish redials.
		d.rtConn = nil
		return nil, fmt.Errorf("engine: realtime publish: %w", err)
	}
	return []byte("null"), nil
}

// Close releases the realtime connection, if one was dialed.
func (d *HTTPDeps) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rtConn == nil {
		return nil
	}
	err := d.rtConn.Close(websocket.StatusNormalClosure, "")
	d.rtConn = nil
	return err
}

// Fetch proxies a durable HTTP request through the Executor's gateway and
// reconstructs the response.
func (d *HTTPDeps) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	out, err := d.post(ctx, d.APIBaseURL+"/v1/gateway", req)
	if err != nil {
		return nil, err
	}
	var fr FetchResponse
	if err := json.Unmarshal(out, &fr); err != nil {
		return nil, fmt.Errorf("engine: gateway response: %w", err)
	}
	return &fr, nil
}

var _ ExecutorDeps = (*HTTPDeps)(nil)
