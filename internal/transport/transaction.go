package transport

import (
	"strconv"
)

// Request is the copy-on-arena view of an incoming HTTP/1 request
// (spec §4.5/§4.6): method and headers may point at interned canonical
// strings; everything else is owned by the transaction's arena.
type Request struct {
	raw parsedRequest
}

func (r *Request) Method() string { return string(r.raw.Method) }
func (r *Request) Path() string   { return string(r.raw.Path) }
func (r *Request) Proto() string  { return "HTTP/1." + strconv.Itoa(r.raw.ProtoMinor) }

// Header returns the first value for name, case-insensitively.
func (r *Request) Header(name string) (string, bool) { return r.raw.header(name) }

// Headers returns every parsed header in wire order.
func (r *Request) Headers() []Header { return r.raw.Headers }

// ContentLength reports the request's declared Content-Length, or 0
// if absent/chunked.
func (r *Request) ContentLength() int { return r.raw.ContentLen }

// IsChunked reports whether the request body uses chunked
// transfer-encoding.
func (r *Request) IsChunked() bool {
	return len(r.raw.TransferEnc) > 0
}

// canonicalStatus mirrors the teacher's statusTable lookup
// (server/protocol/builder.go), generalized to a map so arbitrary
// codes this server emits don't need a dense array.
var canonicalStatus = map[int]string{
	100: "Continue", 101: "Switching Protocols",
	200: "OK", 201: "Created", 202: "Accepted", 204: "No Content",
	301: "Moved Permanently", 302: "Found", 304: "Not Modified",
	400: "Bad Request", 401: "Unauthorized", 403: "Forbidden",
	404: "Not Found", 405: "Method Not Allowed", 408: "Request Timeout",
	413: "Payload Too Large", 429: "Too Many Requests",
	500: "Internal Server Error", 501: "Not Implemented",
	502: "Bad Gateway", 503: "Service Unavailable", 504: "Gateway Timeout",
}

func statusText(code int) string {
	if t, ok := canonicalStatus[code]; ok {
		return t
	}
	return "Unknown Status"
}

// Response is the default-populated (HTTP 500) response a Transaction
// carries until a handler calls reset_response (spec §4.6).
type Response struct {
	Code    int
	Headers []Header
}

// Transaction bundles one Stream, its Request, a default-populated
// Response, and an arena allocator (spec §4.6).
type Transaction struct {
	Stream   *Stream
	Request  Request
	Response Response

	arena *arena

	responseWritten bool
	bodyWriter      BodyWriter
}

func newTransaction(st *Stream, req parsedRequest) *Transaction {
	tx := &Transaction{
		Stream:  st,
		Request: Request{raw: req},
		Response: Response{
			Code: 500,
		},
		arena: newArena(512),
	}
	if st.session.OnTransaction != nil {
		st.session.OnTransaction(tx)
	} else {
		tx.Deinit()
	}
	return tx
}

// ResetResponse installs a status code and returns the Response for
// further header customisation. Headers already set are kept. May be
// called multiple times before WriteResponse (spec §4.6 reset_response).
func (tx *Transaction) ResetResponse(code int) *Response {
	tx.Response.Code = code
	return &tx.Response
}

// SetHeader appends a response header, copying key/value into the
// transaction's arena.
func (tx *Transaction) SetHeader(key, val string) {
	tx.Response.Headers = append(tx.Response.Headers, Header{
		Key: tx.arena.alloc([]byte(key)),
		Val: tx.arena.alloc([]byte(val)),
	})
}

func (tx *Transaction) hasHeader(key string) bool {
	for _, h := range tx.Response.Headers {
		if string(h.Key) == key {
			return true
		}
	}
	return false
}

// keepAliveWanted reports whether this transaction should keep the
// connection open, per the request's declared protocol version and
// any explicit Connection header.
func (tx *Transaction) keepAliveWanted() bool {
	if v, ok := tx.Request.Header("Connection"); ok {
		return v == "keep-alive" || v == "Keep-Alive"
	}
	return tx.Request.raw.ProtoMinor == 1
}

// WriteResponse ensures Connection (and, if keep-alive, Keep-Alive)
// headers are set, then serialises status line + headers to the wire.
// Only valid once per transaction (spec §4.6 write_response).
func (tx *Transaction) WriteResponse() error {
	if tx.responseWritten {
		return nil
	}
	tx.responseWritten = true

	keepAlive := tx.keepAliveWanted() && tx.Stream.keepAlive
	if !tx.hasHeader("Connection") {
		if keepAlive {
			tx.SetHeader("Connection", "keep-alive")
		} else {
			tx.SetHeader("Connection", "close")
		}
	}
	if keepAlive && !tx.hasHeader("Keep-Alive") {
		tx.SetHeader("Keep-Alive", "timeout="+strconv.Itoa(tx.Stream.session.keepAlive.Timeout))
	}
	tx.Stream.keepAlive = keepAlive

	statusLine := "HTTP/1." + strconv.Itoa(tx.Request.raw.ProtoMinor) + " " +
		strconv.Itoa(tx.Response.Code) + " " + statusText(tx.Response.Code) + "\r\n"
	return tx.Stream.writeResponse([]byte(statusLine), tx.Response.Headers)
}

// WriteBodyStart sets Content-Type and Content-Length, calls
// WriteResponse, and returns a sized body writer (spec §4.6). It does
// not call ResetResponse; the status line carries whatever code the
// Response already holds.
func (tx *Transaction) WriteBodyStart(size int, contentType string) (BodyWriter, error) {
	tx.SetHeader("Content-Type", contentType)
	tx.SetHeader("Content-Length", strconv.Itoa(size))
	if err := tx.WriteResponse(); err != nil {
		return nil, err
	}
	bw := newSizedWriter(tx.Stream)
	tx.bodyWriter = bw
	return bw, nil
}

// WriteBodyStartInfinite starts an unknown-length chunked body (spec
// §4.5 mode 2).
func (tx *Transaction) WriteBodyStartInfinite(contentType string) (BodyWriter, error) {
	tx.SetHeader("Content-Type", contentType)
	tx.SetHeader("Transfer-Encoding", "chunked")
	if err := tx.WriteResponse(); err != nil {
		return nil, err
	}
	bw := newChunkedWriter(tx.Stream)
	tx.bodyWriter = bw
	return bw, nil
}

// WriteBodyStartCompressed is the gzip-chunked mode 3, engaged only if
// the request declared gzip in Accept-Encoding.
func (tx *Transaction) WriteBodyStartCompressed(contentType string) (BodyWriter, error) {
	if !acceptsGzip(&tx.Request.raw) {
		return tx.WriteBodyStartInfinite(contentType)
	}
	tx.SetHeader("Content-Type", contentType)
	tx.SetHeader("Content-Encoding", "gzip")
	tx.SetHeader("Vary", "Accept-Encoding")
	tx.SetHeader("Transfer-Encoding", "chunked")
	if err := tx.WriteResponse(); err != nil {
		return nil, err
	}
	bw := newGzipChunkedWriter(tx.Stream)
	tx.bodyWriter = bw
	return bw, nil
}

// WriteBodyNoContent sets Content-Length: 0 and writes headers only
// (spec §4.6 write_body_no_content).
func (tx *Transaction) WriteBodyNoContent() error {
	tx.SetHeader("Content-Length", "0")
	return tx.WriteResponse()
}

// BodyReader returns a reader over the request body, selecting a
// SizedReader or ChunkedReader by the request's declared framing
// (spec §4.6 body_reader).
func (tx *Transaction) BodyReader(optimise ReadOptimise) BodyReader {
	if tx.Request.IsChunked() {
		return newChunkedReader(tx.Stream, optimise)
	}
	return newSizedReader(tx.Stream, tx.Request.raw.ContentLen, optimise)
}

// Deinit flushes any pending body writer, releases the arena, and
// calls Stream.mark_response_end (spec §4.6 deinit).
func (tx *Transaction) Deinit() {
	if !tx.responseWritten {
		_ = tx.WriteBodyNoContent()
	}
	if tx.bodyWriter != nil {
		_ = tx.bodyWriter.Close()
	}
	tx.arena.reset()
	tx.Stream.transactionDone()
}
