package router

import (
	"encoding/json"

	"github.com/kfcemployee/goserver/internal/transport"
)

// Handler is invoked once a Context has been matched to a route; it
// receives the injected path arguments through Context.Param (spec §9
// "handlers receive injected values including a slice of captured path
// arguments").
type Handler func(*Context)

// Middleware wraps a Handler with cross-cutting behaviour (logging,
// auth, recovery). A Group's Use chain is baked into every Handler
// registered on it at registration time.
type Middleware func(Handler) Handler

func chain(h Handler, mws []Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Param is one captured path argument.
type Param struct {
	Key, Value string
}

// Context bundles the underlying Transaction with the path arguments
// the router captured for this request, the language-neutral
// "terminate_at" target the spec's §9 design notes describe.
type Context struct {
	Tx     *transport.Transaction
	params []Param
}

func (c *Context) Method() string { return c.Tx.Request.Method() }
func (c *Context) Path() string   { return c.Tx.Request.Path() }

// Param returns the captured value for a named path segment (e.g. the
// "id" in "/user/:id"), or "" if the route carries no such parameter.
func (c *Context) Param(key string) string {
	for _, p := range c.params {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// Params returns every captured path argument in match order.
func (c *Context) Params() []Param { return c.params }

// Header returns the first value of a request header, case-insensitively.
func (c *Context) Header(name string) (string, bool) { return c.Tx.Request.Header(name) }

// WriteString writes body as a sized text/plain response, matching
// the teacher's sketched "WriteString(fd, s)" helper.
func (c *Context) WriteString(code int, body string) error {
	c.Tx.ResetResponse(code)
	w, err := c.Tx.WriteBodyStart(len(body), "text/plain")
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	return w.Close()
}

// WriteJSON serialises obj and writes it as a sized application/json
// response, matching the teacher's sketched "WriteJSON(fd, obj)" helper.
// No third-party JSON codec appears anywhere in the retrieval pack, so
// this stays on encoding/json (see DESIGN.md).
func (c *Context) WriteJSON(code int, obj any) error {
	body, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	c.Tx.ResetResponse(code)
	w, werr := c.Tx.WriteBodyStart(len(body), "application/json")
	if werr != nil {
		return werr
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Close()
}

// WriteStatus writes a status-only response with no body, matching
// the teacher's sketched "WriteStatus(fd, c)" helper.
func (c *Context) WriteStatus(code int) error {
	c.Tx.ResetResponse(code)
	return c.Tx.WriteBodyNoContent()
}
