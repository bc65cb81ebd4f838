// Package router is the spec's out-of-scope request router
// collaborator: it matches paths, extracts path arguments, and
// invokes a handler, kept intentionally small so it can drive the
// end-to-end scenarios without growing into an application framework
// (explicitly a Non-goal).
package router

import (
	"strings"
	"sync"

	"github.com/kfcemployee/goserver/internal/transport"
)

// Router is a path-segment radix tree with per-method handlers, a
// middleware chain baked in at registration time, and optional
// Host-based sub-routing (spec §9 "{Host(name, inner) | Path(tokens,
// handler) | Always(handler) | Group(inner)}").
//
// Registration (Handle/Host) never runs on a ring callback, but nothing
// stops a caller from registering routes concurrently with requests
// already being served on the worker pool — a plain sync.RWMutex,
// shared with every Router derived via Group, guards root and hosts
// for exactly that case, since it is off the hot-path invariant §5
// protects with the barging Mutex/Cond pair.
type Router struct {
	mu         *sync.RWMutex
	root       *node
	prefix     string
	middleware []Middleware
	hosts      map[string]*Router
}

// New returns an empty Router.
func New() *Router {
	return &Router{mu: &sync.RWMutex{}, root: &node{}, hosts: make(map[string]*Router)}
}

// Use appends middleware applied to every Handler registered on this
// Router (or a Group derived from it) from this point forward.
func (r *Router) Use(mw ...Middleware) {
	r.middleware = append(r.middleware, mw...)
}

// Group returns a Router sharing this Router's tree and Host map but
// prefixing every path registered through it, and inheriting the
// current middleware chain (a later Use on the group does not affect
// the parent, and vice versa).
func (r *Router) Group(prefix string) *Router {
	return &Router{
		mu:         r.mu,
		root:       r.root,
		prefix:     r.prefix + prefix,
		middleware: append([]Middleware{}, r.middleware...),
		hosts:      r.hosts,
	}
}

// Host registers inner to handle every request whose Host header
// (port stripped) equals name; requests for other hosts fall through
// to this Router's own tree.
func (r *Router) Host(name string, inner *Router) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hosts == nil {
		r.hosts = make(map[string]*Router)
	}
	r.hosts[name] = inner
}

// Handle registers h for method+path, wrapped in this Router's
// current middleware chain.
func (r *Router) Handle(method, path string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root.insert(r.prefix+path, method, chain(h, r.middleware))
}

func (r *Router) GET(path string, h Handler)    { r.Handle("GET", path, h) }
func (r *Router) POST(path string, h Handler)   { r.Handle("POST", path, h) }
func (r *Router) PUT(path string, h Handler)    { r.Handle("PUT", path, h) }
func (r *Router) PATCH(path string, h Handler)  { r.Handle("PATCH", path, h) }
func (r *Router) DELETE(path string, h Handler) { r.Handle("DELETE", path, h) }
func (r *Router) HEAD(path string, h Handler)   { r.Handle("HEAD", path, h) }

// Always registers h for every method at path — the spec's
// "Always(handler)" matcher.
func (r *Router) Always(path string, h Handler) {
	for _, m := range []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS", "CONNECT", "TRACE"} {
		r.Handle(m, path, h)
	}
}

func hostOnly(hostHeader string) string {
	if i := strings.IndexByte(hostHeader, ':'); i != -1 {
		return hostHeader[:i]
	}
	return hostHeader
}

// Serve matches tx's method+path (consulting Host sub-routers first)
// and invokes the matched handler, reporting whether a route matched
// at all.
func (r *Router) Serve(tx *transport.Transaction) bool {
	r.mu.RLock()
	if len(r.hosts) > 0 {
		if host, ok := tx.Request.Header("Host"); ok {
			if hr, ok := r.hosts[hostOnly(host)]; ok {
				r.mu.RUnlock()
				return hr.Serve(tx)
			}
		}
	}

	var params []Param
	h := r.root.find(tx.Request.Path(), tx.Request.Method(), &params)
	r.mu.RUnlock()
	if h == nil {
		return false
	}
	h(&Context{Tx: tx, params: params})
	return true
}
