package intercept

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gobwas/glob"
)

// Hook observes and rewrites intercepted HTTP exchanges. Request may
// return a response to short-circuit the exchange without contacting
// the upstream; Response may replace the upstream response before it is
// written back to the client.
type Hook interface {
	Request(ctx context.Context, req *http.Request) (*http.Response, error)
	Response(ctx context.Context, req *http.Request, resp *http.Response) (*http.Response, error)
}

// Chain applies hooks in order. The first short-circuit response wins;
// response hooks run in the same order.
type Chain []Hook

func (c Chain) Request(ctx context.Context, req *http.Request) (*http.Response, error) {
	for _, h := range c {
		resp, err := h.Request(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

func (c Chain) Response(ctx context.Context, req *http.Request, resp *http.Response) (*http.Response, error) {
	for _, h := range c {
		r, err := h.Response(ctx, req, resp)
		if err != nil {
			return nil, err
		}
		if r != nil {
			resp = r
		}
	}
	return resp, nil
}

// reqURL is the match target of url-pattern hooks: host plus path,
// without the scheme.
func reqURL(req *http.Request) string {
	return req.Host + req.URL.Path
}

func synthResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Proto:         req.Proto,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

type blockHook struct {
	pattern glob.Glob
}

// BlockHook answers matching requests with 403 without contacting the
// upstream. The pattern matches host+path, e.g. "*.tracker.com/*".
func BlockHook(pattern string) (Hook, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &blockHook{pattern: g}, nil
}

func (h *blockHook) Request(ctx context.Context, req *http.Request) (*http.Response, error) {
	if h.pattern.Match(reqURL(req)) {
		return synthResponse(req, http.StatusForbidden, "blocked\n"), nil
	}
	return nil, nil
}

func (h *blockHook) Response(ctx context.Context, req *http.Request, resp *http.Response) (*http.Response, error) {
	return nil, nil
}

type redirectHook struct {
	pattern  glob.Glob
	location string
}

// RedirectHook answers matching requests with a 302 to location.
func RedirectHook(pattern, location string) (Hook, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &redirectHook{pattern: g, location: location}, nil
}

func (h *redirectHook) Request(ctx context.Context, req *http.Request) (*http.Response, error) {
	if h.pattern.Match(reqURL(req)) {
		resp := synthResponse(req, http.StatusFound, "")
		resp.Header.Set("Location", h.location)
		return resp, nil
	}
	return nil, nil
}

func (h *redirectHook) Response(ctx context.Context, req *http.Request, resp *http.Response) (*http.Response, error) {
	return nil, nil
}

type headerHook struct {
	pattern glob.Glob
	reqSet  map[string]string
	reqDel  []string
	respSet map[string]string
	respDel []string
}

type HeaderRewrite struct {
	Pattern     string
	SetRequest  map[string]string
	DelRequest  []string
	SetResponse map[string]string
	DelResponse []string
}

// HeaderHook rewrites request and response headers of matching
// exchanges in place.
func HeaderHook(rw HeaderRewrite) (Hook, error) {
	g, err := glob.Compile(rw.Pattern)
	if err != nil {
		return nil, err
	}
	return &headerHook{
		pattern: g,
		reqSet:  rw.SetRequest,
		reqDel:  rw.DelRequest,
		respSet: rw.SetResponse,
		respDel: rw.DelResponse,
	}, nil
}

func (h *headerHook) Request(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !h.pattern.Match(reqURL(req)) {
		return nil, nil
	}
	for k, v := range h.reqSet {
		req.Header.Set(k, v)
	}
	for _, k := range h.reqDel {
		req.Header.Del(k)
	}
	return nil, nil
}

func (h *headerHook) Response(ctx context.Context, req *http.Request, resp *http.Response) (*http.Response, error) {
	if !h.pattern.Match(reqURL(req)) {
		return nil, nil
	}
	for k, v := range h.respSet {
		resp.Header.Set(k, v)
	}
	for _, k := range h.respDel {
		resp.Header.Del(k)
	}
	return resp, nil
}
