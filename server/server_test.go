package goserver

import (
	"bufio"
	"compress/gzip"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kfcemployee/goserver/internal/transport"
	"github.com/kfcemployee/goserver/server/router"
)

func startTestServer(t *testing.T, register func(s *Server)) (addr string, stop func()) {
	t.Helper()
	s, err := New(WithWorkers(4))
	require.NoError(t, err)
	register(s)

	addr, err = s.Listen("127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run()
	}()

	return addr, func() {
		s.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("server did not shut down")
		}
	}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	return conn
}

// TestHeadersEcho is end-to-end scenario 1: a handler replying 200 OK
// with an explicit Content-Type and a fixed body.
func TestHeadersEcho(t *testing.T) {
	addr, stop := startTestServer(t, func(s *Server) {
		s.GET("/", func(c *router.Context) {
			_ = c.WriteString(200, "Hello World!")
		})
	})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()
	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	resp, body := readResponse(t, conn)
	require.Contains(t, resp, "Content-Type: text/plain")
	require.Equal(t, "Hello World!", body)
}

// TestChunkedUnknownLengthBody is end-to-end scenario 2: a handler that
// starts an unknown-length body, writing in pieces.
func TestChunkedUnknownLengthBody(t *testing.T) {
	addr, stop := startTestServer(t, func(s *Server) {
		s.GET("/", func(c *router.Context) {
			w, err := c.Tx.WriteBodyStartInfinite("text/plain")
			require.NoError(t, err)
			_, _ = w.Write([]byte("Hello "))
			_, _ = w.Write([]byte("World!"))
			_ = w.Close()
		})
	})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()
	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	resp, body := readResponse(t, conn)
	require.Contains(t, resp, "Transfer-Encoding: chunked")
	require.Equal(t, "Hello World!", body)
}

// TestKeepAlivePersistence is end-to-end scenario 3: two sequential
// requests share the same accepted socket (observed by comparing the
// *router.Context's stream pointer across both requests).
func TestKeepAlivePersistence(t *testing.T) {
	streams := make(chan *transport.Stream, 2)
	addr, stop := startTestServer(t, func(s *Server) {
		s.GET("/", func(c *router.Context) {
			streams <- c.Tx.Stream
			_ = c.WriteString(200, "ok")
		})
	})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
		require.NoError(t, err)
		_, body := readResponse(t, conn)
		require.Equal(t, "ok", body)
	}

	s1 := <-streams
	s2 := <-streams
	require.Same(t, s1, s2)
}

// TestGzipOnTheFly is end-to-end scenario 4: Accept-Encoding: gzip
// plus a handler opting into compressed output.
func TestGzipOnTheFly(t *testing.T) {
	addr, stop := startTestServer(t, func(s *Server) {
		s.GET("/", func(c *router.Context) {
			w, err := c.Tx.WriteBodyStartCompressed("text/plain")
			require.NoError(t, err)
			_, _ = w.Write([]byte("Hello World!"))
			_ = w.Close()
		})
	})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()
	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nAccept-Encoding: gzip\r\n\r\n"))
	require.NoError(t, err)

	resp, rawBody := readResponse(t, conn)
	require.Contains(t, resp, "Content-Encoding: gzip")

	gz, err := gzip.NewReader(strings.NewReader(rawBody))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Equal(t, "Hello World!", string(decompressed))
}

// TestSetCookieSingle covers a single Set-Cookie response header.
func TestSetCookieSingle(t *testing.T) {
	addr, stop := startTestServer(t, func(s *Server) {
		s.GET("/", func(c *router.Context) {
			c.Tx.SetCookie(transport.Cookie{Name: "session", Value: "abc123"})
			_ = c.WriteString(200, "ok")
		})
	})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()
	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	resp, _ := readResponse(t, conn)
	require.Contains(t, resp, "Set-Cookie: session=abc123")
}

// TestSetCookieMultiple covers more than one Set-Cookie header on the
// same response (spec §6: "Multiple Set-Cookie entries are permitted").
func TestSetCookieMultiple(t *testing.T) {
	addr, stop := startTestServer(t, func(s *Server) {
		s.GET("/", func(c *router.Context) {
			c.Tx.SetCookie(transport.Cookie{Name: "a", Value: "1"})
			c.Tx.SetCookie(transport.Cookie{Name: "b", Value: "2"})
			_ = c.WriteString(200, "ok")
		})
	})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()
	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	resp, _ := readResponse(t, conn)
	require.Equal(t, 2, strings.Count(resp, "Set-Cookie:"))
}

// TestOverloadReturns429 exercises the worker-pool-saturated path: a
// single-worker server whose handler blocks until released should
// answer a second concurrent request with 429 (spec §4.7 "Overload
// behaviour").
func TestOverloadReturns429(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)

	s, err := New(WithWorkers(1))
	require.NoError(t, err)
	s.GET("/slow", func(c *router.Context) {
		entered <- struct{}{}
		<-release
		_ = c.WriteString(200, "ok")
	})

	addr, err := s.Listen("127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run()
	}()
	defer func() {
		close(release)
		s.Stop()
		<-done
	}()

	c1 := dial(t, addr)
	defer c1.Close()
	_, err = c1.Write([]byte("GET /slow HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never entered")
	}

	c2 := dial(t, addr)
	defer c2.Close()
	_, err = c2.Write([]byte("GET /slow HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	resp, _ := readResponse(t, c2)
	require.Contains(t, resp, "429")
}

// TestShutdownJoinsInFlightHandler is the regression case for spec
// §4.7's "the thread pool is joined": the dispatch loop must not tear
// down sessions and sockets while a handler goroutine is still running,
// since Transaction.Deinit writes its response on that session's fd.
func TestShutdownJoinsInFlightHandler(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})

	s, err := New(WithWorkers(1))
	require.NoError(t, err)
	s.GET("/slow", func(c *router.Context) {
		close(entered)
		<-release
		_ = c.WriteString(200, "ok")
		close(finished)
	})

	addr, err := s.Listen("127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run()
	}()

	conn := dial(t, addr)
	defer conn.Close()
	_, err = conn.Write([]byte("GET /slow HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never entered")
	}

	s.Stop()

	// The dispatch loop must not exit while the handler is still
	// in-flight: shutdown() joins the worker pool before tearing down
	// sessions and sockets.
	select {
	case <-done:
		t.Fatal("Run exited before the in-flight handler finished")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never finished")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after the handler finished")
	}
}

// readResponse reads one HTTP/1.x response off conn and splits it into
// its raw header block and decoded body (dechunking if necessary).
func readResponse(t *testing.T, conn net.Conn) (headerBlock, body string) {
	t.Helper()
	r := bufio.NewReader(conn)

	var headers strings.Builder
	chunked := false
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		headers.WriteString(line)
		if strings.Contains(line, "Transfer-Encoding: chunked") {
			chunked = true
		}
		if line == "\r\n" {
			break
		}
	}

	var bodyBuf strings.Builder
	if chunked {
		for {
			lenLine, err := r.ReadString('\n')
			require.NoError(t, err)
			lenLine = strings.TrimSpace(lenLine)
			n := 0
			for _, c := range lenLine {
				switch {
				case c >= '0' && c <= '9':
					n = n*16 + int(c-'0')
				case c >= 'a' && c <= 'f':
					n = n*16 + int(c-'a') + 10
				case c >= 'A' && c <= 'F':
					n = n*16 + int(c-'A') + 10
				}
			}
			if n == 0 {
				_, _ = r.ReadString('\n') // trailing CRLF after the terminal chunk
				break
			}
			buf := make([]byte, n)
			_, err = io.ReadFull(r, buf)
			require.NoError(t, err)
			bodyBuf.Write(buf)
			_, _ = r.ReadString('\n') // CRLF after chunk data
		}
	} else {
		cl := contentLength(headers.String())
		if cl > 0 {
			buf := make([]byte, cl)
			_, err := io.ReadFull(r, buf)
			require.NoError(t, err)
			bodyBuf.Write(buf)
		}
	}

	return headers.String(), bodyBuf.String()
}

func contentLength(headerBlock string) int {
	for _, line := range strings.Split(headerBlock, "\r\n") {
		const prefix = "Content-Length:"
		if strings.HasPrefix(line, prefix) {
			n := 0
			for _, c := range strings.TrimSpace(line[len(prefix):]) {
				if c < '0' || c > '9' {
					break
				}
				n = n*10 + int(c-'0')
			}
			return n
		}
	}
	return 0
}
