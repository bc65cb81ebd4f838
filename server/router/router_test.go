package router

import "testing"

func TestNodeFind(t *testing.T) {
	root := &node{}
	h1 := func(*Context) {}
	h2 := func(*Context) {}
	h3 := func(*Context) {}

	root.insert("/api/v1/user", "GET", h1)
	root.insert("/api/v1/order", "GET", h2)
	root.insert("/api/v1/user/:id", "GET", h3)

	tests := []struct {
		name       string
		path       string
		wantHandle bool
		wantParams map[string]string
	}{
		{"Static Match", "/api/v1/user", true, nil},
		{"Static Match Order", "/api/v1/order", true, nil},
		{"Param Match", "/api/v1/user/123", true, map[string]string{"id": "123"}},
		{"No Match", "/api/v1/unknown", false, nil},
		{"Wrong Method", "/api/v1/user", false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := "GET"
			if tt.name == "Wrong Method" {
				method = "POST"
			}
			var params []Param
			h := root.find(tt.path, method, &params)

			if (h != nil) != tt.wantHandle {
				t.Errorf("find() gotHandler = %v, want %v", h != nil, tt.wantHandle)
			}
			for key, want := range tt.wantParams {
				found := false
				for _, p := range params {
					if p.Key == key {
						found = true
						if p.Value != want {
							t.Errorf("param %s: got %s, want %s", key, p.Value, want)
						}
					}
				}
				if !found {
					t.Errorf("param %s not captured", key)
				}
			}
		})
	}
}

func BenchmarkNodeFindStatic(b *testing.B) {
	root := &node{}
	root.insert("/api/v1/user/profile/settings", "GET", func(*Context) {})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var params []Param
		root.find("/api/v1/user/profile/settings", "GET", &params)
	}
}

func BenchmarkNodeFindParam(b *testing.B) {
	root := &node{}
	root.insert("/api/v1/user/:id/posts/:post_id", "GET", func(*Context) {})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var params []Param
		root.find("/api/v1/user/123/posts/456", "GET", &params)
	}
}

func TestRouterGroupUsesPrefixAndMiddleware(t *testing.T) {
	var got string
	r := New()
	api := r.Group("/api")
	api.Use(func(next Handler) Handler {
		return func(c *Context) {
			got += "mw:"
			next(c)
		}
	})
	api.GET("/ping", func(c *Context) { got += "pong" })

	var params []Param
	h := r.root.find("/api/ping", "GET", &params)
	if h == nil {
		t.Fatal("expected /api/ping to be registered on the shared root")
	}
	h(&Context{})
	if got != "mw:pong" {
		t.Errorf("got %q, want %q", got, "mw:pong")
	}

	// A plain GET registered directly on r (no group prefix, no
	// middleware) must not see the group's chain.
	var unrelated string
	r.GET("/health", func(c *Context) { unrelated = "ok" })
	params = nil
	h = r.root.find("/health", "GET", &params)
	if h == nil {
		t.Fatal("expected /health to be registered")
	}
	h(&Context{})
	if unrelated != "ok" {
		t.Errorf("got %q, want %q", unrelated, "ok")
	}
}

func TestRouterHostRegistersSubRouter(t *testing.T) {
	r := New()
	admin := New()
	var hit bool
	admin.GET("/ping", func(c *Context) { hit = true })
	r.Host("admin.example.com", admin)

	if r.hosts["admin.example.com"] != admin {
		t.Fatal("expected Host to register the sub-router under its name")
	}

	var params []Param
	h := admin.root.find("/ping", "GET", &params)
	if h == nil {
		t.Fatal("expected /ping to be registered on the host sub-router")
	}
	h(&Context{})
	if !hit {
		t.Error("handler was not invoked")
	}
}
