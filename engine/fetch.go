package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
)

// FetchFallback is invoked when durable fetch can't run as a step: outside
// a function run, or when called from inside an already-executing step
// body. There is no nested durability.
type FetchFallback func(req *http.Request) (*http.Response, error)

// DefaultFetchFallback delegates to http.DefaultClient.
func DefaultFetchFallback(req *http.Request) (*http.Response, error) {
	return http.DefaultClient.Do(req)
}

// FetchTools exposes durable step.fetch.
type FetchTools struct {
	exec     *Execution
	Fallback FetchFallback
}

func (f *FetchTools) fallback() FetchFallback {
	if f.Fallback != nil {
		return f.Fallback
	}
	return DefaultFetchFallback
}

// Do performs a durable HTTP request. Inside a run and not already
// executing a step, the request is reported as a Gateway op and its
// response reconstructed from the gateway's reply; otherwise it falls back
// to a direct client call.
func (f *FetchTools) Do(ctx context.Context, id string, req *http.Request) (*FetchResponse, error) {
	scope, ok := scopeFrom(ctx)
	if !ok || scope.executingStep {
		resp, err := f.fallback()(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return readFetchResponse(resp)
	}

	t := &StepTools{exec: f.exec}
	opts := t.baseOpts(ctx)
	opts.URL = req.URL.String()
	opts.Method = req.Method
	opts.Headers = flattenHeader(req.Header)
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		opts.Body = body
	}

	handlerFn := func() ([]byte, error) {
		fr := FetchRequest{Method: opts.Method, URL: opts.URL, Headers: opts.Headers, Body: opts.Body}
		resp, err := f.exec.deps.Fetch(ctx, fr)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
	fs, mop, err := f.exec.state.discover(id, ModeAsync, OpGateway, opts, handlerFn)
	if err != nil {
		return nil, err
	}
	data, stepErr := f.exec.resolveStep(ctx, fs, mop)
	if stepErr != nil {
		return nil, stepErr
	}
	var fr FetchResponse
	if err := json.Unmarshal(data, &fr); err != nil {
		return nil, err
	}
	return &fr, nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func readFetchResponse(resp *http.Response) (*FetchResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &FetchResponse{Status: resp.StatusCode, Headers: flattenHeader(resp.Header), Body: body}, nil
}
