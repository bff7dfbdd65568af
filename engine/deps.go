package engine

import (
	"context"
	"encoding/json"
)

// ExecutorDeps is the set of outbound calls the engine makes to
// collaborators that live outside the core. A host wires a concrete
// implementation (HTTP calls to the event, signal, gateway, and realtime
// endpoints); tests use NoopDeps or a stub.
type ExecutorDeps interface {
	SendEvents(ctx context.Context, events []Event) ([]byte, error)
	SendSignal(ctx context.Context, signal string, data any) ([]byte, error)
	AIInfer(ctx context.Context, req AIInferRequest) ([]byte, error)
	RealtimePublish(ctx context.Context, channel, topic string, data any) ([]byte, error)
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// NoopDeps implements ExecutorDeps by returning null JSON for every call.
// Useful for tests that exercise the replay loop without a real transport.
type NoopDeps struct{}

func (NoopDeps) SendEvents(context.Context, []Event) ([]byte, error)     { return []byte("null"), nil }
func (NoopDeps) SendSignal(context.Context, string, any) ([]byte, error) { return []byte("null"), nil }
func (NoopDeps) AIInfer(context.Context, AIInferRequest) ([]byte, error) { return []byte("null"), nil }
func (NoopDeps) RealtimePublish(context.Context, string, string, any) ([]byte, error) {
	return []byte("null"), nil
}
func (NoopDeps) Fetch(context.Context, FetchRequest) (*FetchResponse, error) {
	return &FetchResponse{Status: 200, Body: []byte("null")}, nil
}

var _ ExecutorDeps = NoopDeps{}

// AIInferRequest is the payload handed to the AI gateway.
type AIInferRequest struct {
	Model string
	Body  json.RawMessage
}

// FetchRequest and FetchResponse model durable fetch's reconstructed HTTP
// exchange.
type FetchRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

type FetchResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}
