// Package routing matches server-initiated requests to registered handlers.
package routing

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// Wildcard matches any endpoint id or any path in a registration.
const Wildcard = "*"

// Request is one server-initiated request delivered through the long poll.
type Request struct {
	ID          string            `json:"id"`
	Source      string            `json:"source,omitempty"`
	Destination string            `json:"destination,omitempty"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Body        string            `json:"body,omitempty"`
}

// Response is what a handler produces. The caller correlates it back to the
// request id when building the response message.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       string
}

// HandlerFunc handles one request. Returning a zero response or panicking is
// tolerated: Dispatch converts both into a 500-equivalent response.
type HandlerFunc func(Request) Response

// Router maps (endpointID, path) pairs to handlers. Lookup prefers an exact
// endpoint match over a wildcard one, and among candidates for the same
// endpoint the longest registered path prefix wins. A default handler is
// always present, so Dispatch never comes back empty.
type Router struct {
	mu       sync.RWMutex
	routes   []route
	fallback HandlerFunc
}

type route struct {
	endpointID string
	path       string
	handler    HandlerFunc
}

// NewRouter returns a router whose default handler answers NOT_FOUND.
func NewRouter() *Router {
	return &Router{
		fallback: func(req Request) Response {
			return Response{
				StatusCode: http.StatusNotFound,
				Body:       fmt.Sprintf("no handler for %s", req.URL),
			}
		},
	}
}

// Register binds a handler to an endpoint id and path prefix. Either side
// may be the wildcard; registering (*, *) replaces the default handler.
// Re-registering an existing pair replaces its handler.
func (r *Router) Register(endpointID, path string, h HandlerFunc) {
	if h == nil {
		return
	}
	if endpointID == "" {
		endpointID = Wildcard
	}
	if path == "" {
		path = Wildcard
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if endpointID == Wildcard && path == Wildcard {
		r.fallback = h
		return
	}
	for i, rt := range r.routes {
		if rt.endpointID == endpointID && rt.path == path {
			r.routes[i].handler = h
			return
		}
	}
	r.routes = append(r.routes, route{endpointID: endpointID, path: path, handler: h})
}

// Unregister removes the handler bound to the exact pair. Unregistering
// (*, *) restores the stock NOT_FOUND default.
func (r *Router) Unregister(endpointID, path string) {
	if endpointID == "" {
		endpointID = Wildcard
	}
	if path == "" {
		path = Wildcard
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if endpointID == Wildcard && path == Wildcard {
		r.fallback = NewRouter().fallback
		return
	}
	for i, rt := range r.routes {
		if rt.endpointID == endpointID && rt.path == path {
			r.routes = append(r.routes[:i], r.routes[i+1:]...)
			return
		}
	}
}

// Dispatch routes a request to the best-matching handler and always
// produces a response: a panicking handler or one returning a zero response
// becomes a 500-equivalent answer.
func (r *Router) Dispatch(req Request) Response {
	return safeInvoke(r.lookup(req.Destination, req.URL), req)
}

func (r *Router) lookup(endpointID, path string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h := r.bestMatch(endpointID, path); h != nil {
		return h
	}
	if h := r.bestMatch(Wildcard, path); h != nil {
		return h
	}
	return r.fallback
}

func (r *Router) bestMatch(endpointID, path string) HandlerFunc {
	var best HandlerFunc
	bestLen := -1
	for _, rt := range r.routes {
		if rt.endpointID != endpointID {
			continue
		}
		if rt.path == Wildcard {
			if bestLen < 0 {
				best, bestLen = rt.handler, 0
			}
			continue
		}
		if strings.HasPrefix(path, rt.path) && len(rt.path) > bestLen {
			best, bestLen = rt.handler, len(rt.path)
		}
	}
	return best
}

func safeInvoke(h HandlerFunc, req Request) (resp Response) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Request handler panicked",
				"request_id", req.ID,
				"url", req.URL,
				"panic", rec)
			resp = Response{StatusCode: http.StatusInternalServerError, Body: "handler failed"}
		}
	}()
	resp = h(req)
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusInternalServerError
		resp.Body = "handler returned no response"
	}
	return resp
}
