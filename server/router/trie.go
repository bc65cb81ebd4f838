// prefix tree for router logic; not accessible from upper packages, use
// the Router abstraction instead.
package router

import "strings"

// node is one segment of the path radix tree. Each node may carry a
// handler per HTTP method at its terminal position (spec §9
// "terminate_at").
type node struct {
	prefix   string
	children []node
	isParam  bool
	handlers map[string]Handler
}

// insert links path (already method-agnostic) to h under method.
func (n *node) insert(path, method string, h Handler) {
	path = strings.TrimPrefix(path, "/")
	cur := n

	if path != "" {
		for _, seg := range strings.Split(path, "/") {
			if seg == "" {
				continue
			}
			isParam, pref := seg[0] == ':', seg
			if isParam {
				pref = seg[1:]
			}

			idx := -1
			for i := range cur.children {
				if cur.children[i].prefix == pref {
					idx = i
					break
				}
			}
			if idx == -1 {
				cur.children = append(cur.children, node{prefix: pref, isParam: isParam})
				idx = len(cur.children) - 1
			}
			cur = &cur.children[idx]
		}
	}

	if cur.handlers == nil {
		cur.handlers = make(map[string]Handler)
	}
	cur.handlers[method] = h
}

// find walks fp (a leading "/", if present, is trimmed here)
// collecting param captures into params, returning the
// handler registered for method at the terminal node, if any.
func (n *node) find(fp, method string, params *[]Param) Handler {
	fp = strings.TrimPrefix(fp, "/")

	if fp == "" {
		if n.handlers == nil {
			return nil
		}
		return n.handlers[method]
	}

	seg, rest := fp, ""
	if i := strings.IndexByte(fp, '/'); i != -1 {
		seg, rest = fp[:i], fp[i:]
	}

	for i := range n.children {
		c := &n.children[i]
		if !c.isParam && c.prefix == seg {
			if h := c.find(rest, method, params); h != nil {
				return h
			}
		}
	}
	for i := range n.children {
		c := &n.children[i]
		if c.isParam {
			mark := len(*params)
			*params = append(*params, Param{Key: c.prefix, Value: seg})
			if h := c.find(rest, method, params); h != nil {
				return h
			}
			*params = (*params)[:mark]
		}
	}
	return nil
}
