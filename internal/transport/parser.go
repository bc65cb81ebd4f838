package transport

import (
	"bytes"
	"errors"
)

// Sentinel errors for the HTTP/1 parser, following the teacher's plain
// package-level error style (server/protocol/errors.go's errInvalid /
// errIncomplete), generalized with the two kinds spec §7 names.
var (
	// ErrUnspecified covers malformed first lines and headers with no
	// possible continuation.
	ErrUnspecified = errors.New("transport: malformed request")
	// ErrUnsupportedVersion covers an HTTP major/minor pair this server
	// does not speak.
	ErrUnsupportedVersion = errors.New("transport: unsupported HTTP version")
)

// Header is one parsed request header, copied out of the wire bytes
// so it outlives the RefSlice chunk it was parsed from.
type Header struct {
	Key, Val []byte
}

// parsedRequest is the incrementally-assembled result of one request
// line plus its headers (spec §4.5).
type parsedRequest struct {
	Method      []byte
	Path        []byte
	ProtoMajor  int
	ProtoMinor  int
	Headers     []Header
	ContentLen  int
	HasBody     bool
	TransferEnc []byte
}

// interned method/header-key tables: common verbs and cached header
// keys share one canonical backing array so dupe can skip copying,
// matching spec §4.5's "method interning" paragraph.
var internedMethods = [][]byte{
	[]byte("GET"), []byte("HEAD"), []byte("POST"), []byte("PUT"),
	[]byte("DELETE"), []byte("CONNECT"), []byte("OPTIONS"), []byte("TRACE"),
}

var internedHeaderKeys = [][]byte{
	[]byte("Content-Type"), []byte("Content-Length"), []byte("Host"),
	[]byte("Set-Cookie"), []byte("Connection"), []byte("Transfer-Encoding"),
	[]byte("Accept-Encoding"), []byte("Keep-Alive"),
}

func intern(table [][]byte, raw []byte) []byte {
	for _, canon := range table {
		if bytes.EqualFold(canon, raw) {
			return canon
		}
	}
	return append([]byte(nil), raw...)
}

// parserState drives the incremental scan across however many chunks
// it takes to see `final=true`. scratch accumulates wire bytes that
// have not yet been consumed into a complete request; unlike the
// teacher's one-shot parseRaw (server/protocol/parser.go), which
// re-parses a whole session buffer each call, this parser keeps its
// own copy so a RefSlice chunk can be Unref'd as soon as feed returns.
type parserState struct {
	scratch     []byte
	isFirstLine bool
	req         parsedRequest
}

func newParserState() parserState {
	return parserState{isFirstLine: true}
}

func (p *parserState) hasScratch() bool { return len(p.scratch) > 0 }

// feed appends data (nil is fine — used to retry parsing leftover
// scratch bytes with no new input) and attempts to advance the
// request-line/header scan. It returns final=true once a full request
// has been recognised; the leftover bytes of a pipelined next request,
// if any, remain in scratch for the following call.
func (p *parserState) feed(data []byte) (final bool, err error) {
	if len(data) > 0 {
		p.scratch = append(p.scratch, data...)
	}

	for {
		nl := bytes.IndexByte(p.scratch, '\n')
		if nl == -1 {
			return false, nil
		}
		line := p.scratch[:nl]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}

		if p.isFirstLine {
			if err := p.parseFirstLine(line); err != nil {
				return false, err
			}
			p.isFirstLine = false
			p.scratch = p.scratch[nl+1:]
			continue
		}

		if len(line) == 0 {
			// blank line: headers are done
			p.scratch = p.scratch[nl+1:]
			return true, nil
		}

		if err := p.parseHeaderLine(line); err != nil {
			return false, err
		}
		p.scratch = p.scratch[nl+1:]
	}
}

func (p *parserState) parseFirstLine(line []byte) error {
	if len(line) == 0 {
		return ErrUnspecified
	}

	// "a line that begins with '/' is treated as an HTTP/1.0 request
	// with only a path" (spec §4.5).
	if line[0] == '/' {
		p.req.Method = internedMethods[0] // GET
		p.req.Path = append([]byte(nil), line...)
		p.req.ProtoMajor, p.req.ProtoMinor = 1, 0
		return nil
	}

	sp1 := bytes.IndexByte(line, ' ')
	if sp1 == -1 {
		return ErrUnspecified
	}
	method := line[:sp1]

	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 == -1 {
		return ErrUnspecified
	}
	path := rest[:sp2]
	proto := rest[sp2+1:]

	if !bytes.HasPrefix(proto, []byte("HTTP/")) {
		return ErrUnspecified
	}
	if !bytes.HasPrefix(proto, []byte("HTTP/1.")) || len(proto) != len("HTTP/1.0") {
		return ErrUnsupportedVersion
	}
	minor := proto[len(proto)-1]
	if minor != '0' && minor != '1' {
		return ErrUnsupportedVersion
	}

	p.req.Method = intern(internedMethods, method)
	p.req.Path = append([]byte(nil), path...)
	p.req.ProtoMajor = 1
	p.req.ProtoMinor = int(minor - '0')
	return nil
}

func (p *parserState) parseHeaderLine(line []byte) error {
	colon := bytes.IndexByte(line, ':')
	if colon == -1 {
		return ErrUnspecified
	}
	key := line[:colon]
	val := bytes.TrimSpace(line[colon+1:])

	keyCopy := intern(internedHeaderKeys, key)
	valCopy := append([]byte(nil), val...)
	p.req.Headers = append(p.req.Headers, Header{Key: keyCopy, Val: valCopy})

	switch {
	case bytes.EqualFold(key, []byte("Content-Length")):
		n := 0
		for _, c := range val {
			if c < '0' || c > '9' {
				return ErrUnspecified
			}
			n = n*10 + int(c-'0')
		}
		p.req.ContentLen = n
		p.req.HasBody = n > 0
	case bytes.EqualFold(key, []byte("Transfer-Encoding")):
		p.req.TransferEnc = valCopy
		p.req.HasBody = bytes.EqualFold(valCopy, []byte("chunked"))
	}
	return nil
}

// header looks up the first header matching name, case-insensitively.
func (r *parsedRequest) header(name string) (string, bool) {
	for _, h := range r.Headers {
		if bytes.EqualFold(h.Key, []byte(name)) {
			return string(h.Val), true
		}
	}
	return "", false
}
