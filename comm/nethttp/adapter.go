// Package nethttp is the one framework adapter this repo ships, wiring
// comm.Handler directly to net/http.
package nethttp

import (
	"io"
	"net/http"

	"github.com/stepforge/stepforge-go/comm"
)

type request struct {
	r *http.Request
}

func (req request) Body() ([]byte, error) {
	defer req.r.Body.Close()
	return io.ReadAll(req.r.Body)
}

func (req request) Header(key string) string { return req.r.Header.Get(key) }
func (req request) Method() string            { return req.r.Method }
func (req request) URL() string                { return req.r.URL.String() }
func (req request) Query(key string) string   { return req.r.URL.Query().Get(key) }

type responseWriter struct {
	w http.ResponseWriter
}

func (rw responseWriter) WriteResponse(resp comm.Response) error {
	h := rw.w.Header()
	for k, v := range resp.Headers {
		h.Set(k, v)
	}
	rw.w.WriteHeader(resp.Status)
	_, err := rw.w.Write(resp.Body)
	return err
}

// WriteStreamChunk implements comm.StreamResponseWriter: the first call
// (final=false) flushes status 201 immediately; the second (final=true)
// writes the finished body and flushes again.
func (rw responseWriter) WriteStreamChunk(final bool, resp comm.Response) error {
	h := rw.w.Header()
	for k, v := range resp.Headers {
		h.Set(k, v)
	}
	if !final {
		rw.w.WriteHeader(resp.Status)
	}
	if len(resp.Body) > 0 {
		if _, err := rw.w.Write(resp.Body); err != nil {
			return err
		}
	}
	if f, ok := rw.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Serve adapts an http.Handler-shaped endpoint onto h, at the given
// externally reachable servingURL (used for registration and the dev-server
// redirect probe).
func Serve(h *comm.Handler, servingURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := request{r: r}
		rw := responseWriter{w: w}
		if err := h.ServeRequest(r.Context(), servingURL, req, rw); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

var (
	_ comm.Request              = request{}
	_ comm.ResponseWriter        = responseWriter{}
	_ comm.StreamResponseWriter = responseWriter{}
)
