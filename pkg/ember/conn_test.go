package ember

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

// fakeSocket is an in-memory Socket. Reads drain in; writes collect in out.
type fakeSocket struct {
	in          []byte
	out         bytes.Buffer
	eof         bool
	sendLimit   int
	closedWrite bool
	closed      bool
}

func (s *fakeSocket) Recv(p []byte) (int, error) {
	if len(s.in) == 0 {
		if s.eof {
			return 0, nil
		}
		return 0, errWouldBlock
	}
	n := copy(p, s.in)
	s.in = s.in[n:]
	return n, nil
}

func (s *fakeSocket) Send(p []byte) (int, error) {
	if s.sendLimit > 0 && len(p) > s.sendLimit {
		p = p[:s.sendLimit]
	}
	return s.out.Write(p)
}

func (s *fakeSocket) CloseWrite() error { s.closedWrite = true; return nil }
func (s *fakeSocket) Shutdown() error   { return nil }
func (s *fakeSocket) Close() error      { s.closed = true; return nil }
func (s *fakeSocket) Fd() int           { return -1 }

var testPeer = &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000}

func newTestDaemon(t *testing.T, cfg Config, h Handler) *Daemon {
	t.Helper()
	cfg.Mode = ModeExternal
	return configureTestDaemon(t, cfg, h)
}

// newLoopTestDaemon applies the QueueResponse rules of an internal event
// loop. No loop runs; tests drive connections with pump.
func newLoopTestDaemon(t *testing.T, cfg Config, h Handler) *Daemon {
	t.Helper()
	cfg.Mode = ModePoll
	cfg.EnableWakeup = true
	return configureTestDaemon(t, cfg, h)
}

func configureTestDaemon(t *testing.T, cfg Config, h Handler) *Daemon {
	t.Helper()
	cfg.NoListen = true
	cfg.DisableMetrics = true
	if cfg.Logger == nil {
		cfg.Logger = newSilentLogger()
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test config: %v", err)
	}
	return newDaemon(cfg, h, nil)
}

func newTestConn(t *testing.T, d *Daemon, input string) (*Connection, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{in: []byte(input)}
	c, err := d.register(sock, testPeer)
	if err != nil {
		t.Fatalf("Failed to register connection: %v", err)
	}
	return c, sock
}

// pump drives the connection until it stops making progress.
func pump(d *Daemon, c *Connection) {
	for i := 0; i < 50 && !c.cleanedUp; i++ {
		d.dispatch(c, true, true)
	}
	d.cleanupConnections()
}

func readResponses(t *testing.T, out []byte, method string, n int) []*http.Response {
	t.Helper()
	br := bufio.NewReader(bytes.NewReader(out))
	var resps []*http.Response
	for i := 0; i < n; i++ {
		resp, err := http.ReadResponse(br, &http.Request{Method: method})
		if err != nil {
			t.Fatalf("Failed to parse response %d: %v\n%s", i, err, out)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resps = append(resps, resp)
	}
	if rest, _ := io.ReadAll(br); len(rest) != 0 {
		t.Errorf("Expected exactly %d responses, trailing bytes %q", n, rest)
	}
	return resps
}

func bodyOf(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

// helloHandler answers every request with "Hello World!" once the body is in.
func helloHandler() HandlerFunc {
	return func(req *Request, upload []byte) (int, error) {
		if upload != nil {
			return len(upload), nil
		}
		if !req.BodyComplete() {
			return 0, nil
		}
		r := NewResponseFromString("Hello World!")
		defer r.Destroy()
		return 0, req.QueueResponse(200, r)
	}
}

func TestConnection_HelloWorld(t *testing.T) {
	d := newTestDaemon(t, Config{}, helloHandler())
	c, sock := newTestConn(t, d, "GET /hello_world HTTP/1.1\r\nHost: localhost\r\n\r\n")
	pump(d, c)

	resps := readResponses(t, sock.out.Bytes(), "GET", 1)
	resp := resps[0]
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if resp.ContentLength != 12 {
		t.Errorf("Expected Content-Length 12, got %d", resp.ContentLength)
	}
	if body := bodyOf(resp); body != "Hello World!" {
		t.Errorf("Expected body Hello World!, got %s", body)
	}
	if resp.Header.Get("Date") == "" {
		t.Error("Expected a Date header")
	}
	if resp.Close {
		t.Error("Expected the connection to stay open")
	}
	if c.cleanedUp || c.State() != StateInit {
		t.Errorf("Expected a persistent connection back in INIT, got %s", c.State())
	}
}

func TestConnection_RequestLineAndHeaders(t *testing.T) {
	var method, url, version, host, arg, cookie string
	d := newTestDaemon(t, Config{}, HandlerFunc(func(req *Request, upload []byte) (int, error) {
		if upload != nil || req.BodyComplete() {
			return len(upload), nil
		}
		method, url, version = req.Method(), req.URL(), req.Version()
		host = req.Header("HOST")
		arg, _ = req.Arg("q")
		cookie, _ = req.Cookie("session")
		r := NewResponseFromString("")
		defer r.Destroy()
		return 0, req.QueueResponse(204, r)
	}))
	c, sock := newTestConn(t, d, "GET /a%20b?q=go+lang HTTP/1.1\r\nhost: example.com\r\nCookie: session=xyz; other=1\r\n\r\n")
	pump(d, c)

	if method != "GET" || url != "/a b" || version != "HTTP/1.1" {
		t.Errorf("Expected GET /a b HTTP/1.1, got %s %s %s", method, url, version)
	}
	if host != "example.com" {
		t.Errorf("Expected host example.com, got %s", host)
	}
	if arg != "go lang" {
		t.Errorf("Expected argument go lang, got %s", arg)
	}
	if cookie != "xyz" {
		t.Errorf("Expected cookie xyz, got %s", cookie)
	}

	resp := readResponses(t, sock.out.Bytes(), "GET", 1)[0]
	if resp.StatusCode != 204 {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
	if !bytes.Contains(sock.out.Bytes(), []byte("\r\n\r\n")) || bytes.Contains(sock.out.Bytes(), []byte("Content-Length")) {
		t.Errorf("Expected no Content-Length on 204, got %q", sock.out.String())
	}
}

func TestConnection_Head(t *testing.T) {
	d := newTestDaemon(t, Config{}, helloHandler())
	c, sock := newTestConn(t, d, "HEAD / HTTP/1.1\r\nHost: x\r\n\r\n")
	pump(d, c)

	out := sock.out.String()
	if !strings.Contains(out, "Content-Length: 12\r\n") {
		t.Errorf("Expected Content-Length 12 on HEAD, got %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\n") {
		t.Errorf("Expected no body after the header block, got %q", out)
	}
}

func TestConnection_ConnectionCloseStopsPipeline(t *testing.T) {
	var urls []string
	d := newTestDaemon(t, Config{}, HandlerFunc(func(req *Request, upload []byte) (int, error) {
		if upload != nil || req.BodyComplete() {
			return len(upload), nil
		}
		urls = append(urls, req.URL())
		r := NewResponseFromString("ok")
		defer r.Destroy()
		return 0, req.QueueResponse(200, r)
	}))
	c, sock := newTestConn(t, d,
		"GET /a HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n")
	pump(d, c)

	if len(urls) != 1 || urls[0] != "/a" {
		t.Errorf("Expected only /a to be served, got %v", urls)
	}
	resp := readResponses(t, sock.out.Bytes(), "GET", 1)[0]
	if !resp.Close {
		t.Error("Expected Connection: close in the response")
	}
	if !c.cleanedUp || !sock.closedWrite || !sock.closed {
		t.Error("Expected the connection to be closed and released")
	}
}

func TestConnection_KeepAlivePipeline(t *testing.T) {
	var urls []string
	d := newTestDaemon(t, Config{}, HandlerFunc(func(req *Request, upload []byte) (int, error) {
		if upload != nil || req.BodyComplete() {
			return len(upload), nil
		}
		urls = append(urls, req.URL())
		r := NewResponseFromString(req.URL())
		defer r.Destroy()
		return 0, req.QueueResponse(200, r)
	}))
	c, sock := newTestConn(t, d,
		"GET /one HTTP/1.1\r\nHost: x\r\n\r\nGET /two HTTP/1.1\r\nHost: x\r\n\r\nGET /three HTTP/1.1\r\nHost: x\r\n\r\n")
	pump(d, c)

	resps := readResponses(t, sock.out.Bytes(), "GET", 3)
	for i, want := range []string{"/one", "/two", "/three"} {
		if got := bodyOf(resps[i]); got != want {
			t.Errorf("Expected response %d body %s, got %s", i, want, got)
		}
	}
	if len(urls) != 3 {
		t.Errorf("Expected 3 requests, got %v", urls)
	}
	if c.cleanedUp {
		t.Error("Expected the connection to stay open")
	}
}

func TestConnection_HTTP10(t *testing.T) {
	tests := []struct {
		name      string
		request   string
		keepAlive bool
	}{
		{"close by default", "GET / HTTP/1.0\r\n\r\n", false},
		{"keep-alive requested", "GET / HTTP/1.0\r\nConnection: Keep-Alive\r\n\r\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDaemon(t, Config{}, helloHandler())
			c, sock := newTestConn(t, d, tt.request)
			pump(d, c)

			out := sock.out.String()
			hasHeader := strings.Contains(out, "Connection: Keep-Alive\r\n")
			if hasHeader != tt.keepAlive {
				t.Errorf("Expected Keep-Alive header %v, got %q", tt.keepAlive, out)
			}
			if c.cleanedUp == tt.keepAlive {
				t.Errorf("Expected cleanedUp %v, got %v", !tt.keepAlive, c.cleanedUp)
			}
		})
	}
}

func TestConnection_ChunkedUpload(t *testing.T) {
	var got bytes.Buffer
	d := newTestDaemon(t, Config{}, HandlerFunc(func(req *Request, upload []byte) (int, error) {
		if upload != nil {
			got.Write(upload)
			return len(upload), nil
		}
		if !req.BodyComplete() {
			return 0, nil
		}
		r := NewResponseFromString(got.String())
		defer r.Destroy()
		return 0, req.QueueResponse(200, r)
	}))
	c, sock := newTestConn(t, d,
		"POST /upload HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nfoo\r\n0\r\n\r\n")
	pump(d, c)

	if got.String() != "foo" {
		t.Errorf("Expected decoded body foo, got %q", got.String())
	}
	resp := readResponses(t, sock.out.Bytes(), "POST", 1)[0]
	if body := bodyOf(resp); body != "foo" {
		t.Errorf("Expected echoed body foo, got %s", body)
	}
	if c.cleanedUp {
		t.Error("Expected the connection to stay open")
	}
}

func TestConnection_ContentLengthUploadInPieces(t *testing.T) {
	var got bytes.Buffer
	d := newTestDaemon(t, Config{}, HandlerFunc(func(req *Request, upload []byte) (int, error) {
		if upload != nil {
			// Consume one byte at a time.
			got.WriteByte(upload[0])
			return 1, nil
		}
		if !req.BodyComplete() {
			return 0, nil
		}
		r := NewResponseFromString(got.String())
		defer r.Destroy()
		return 0, req.QueueResponse(200, r)
	}))
	c, sock := newTestConn(t, d, "PUT /x HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhel")
	pump(d, c)
	if sock.out.Len() != 0 {
		t.Fatalf("Expected no response before the body is complete, got %q", sock.out.String())
	}
	sock.in = append(sock.in, "lo"...)
	pump(d, c)

	resp := readResponses(t, sock.out.Bytes(), "PUT", 1)[0]
	if body := bodyOf(resp); body != "hello" {
		t.Errorf("Expected body hello, got %s", body)
	}
}

func TestConnection_ExpectContinue(t *testing.T) {
	d := newTestDaemon(t, Config{}, helloHandler())
	c, sock := newTestConn(t, d,
		"POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\nExpect: 100-continue\r\n\r\n")
	pump(d, c)

	if sock.out.String() != "HTTP/1.1 100 Continue\r\n\r\n" {
		t.Fatalf("Expected 100 Continue, got %q", sock.out.String())
	}
	sock.out.Reset()
	sock.in = append(sock.in, "abc"...)
	pump(d, c)

	resp := readResponses(t, sock.out.Bytes(), "POST", 1)[0]
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestConnection_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		request string
		status  int
	}{
		{"garbage request line", Config{}, "NONSENSE\r\n\r\n", 400},
		{"bad version", Config{}, "GET / HTTP/x.y\r\n\r\n", 400},
		{"http2 request line", Config{}, "GET / HTTP/2.0\r\n\r\n", 505},
		{"bad content length", Config{}, "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: abc\r\n\r\n", 400},
		{"unknown transfer coding", Config{}, "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: gzip\r\n\r\n", 400},
		{"bad chunk size", Config{}, "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", 400},
		{"missing host", Config{StrictHost: true}, "GET / HTTP/1.1\r\n\r\n", 400},
		{"header without colon", Config{}, "GET / HTTP/1.1\r\nbroken\r\n\r\n", 400},
		{"uri too long", Config{MemoryLimit: 1024}, "GET /" + strings.Repeat("a", 2048) + " HTTP/1.1\r\n\r\n", 414},
		{"header too big", Config{MemoryLimit: 1024}, "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("b", 2048) + "\r\n\r\n", 413},
		{"endless chunk size", Config{MemoryLimit: 1024}, "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n" + strings.Repeat("1", 2048), 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDaemon(t, tt.cfg, helloHandler())
			c, sock := newTestConn(t, d, tt.request)
			pump(d, c)

			resp := readResponses(t, sock.out.Bytes(), "GET", 1)[0]
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
			if !resp.Close {
				t.Error("Expected Connection: close after an error")
			}
			if !c.cleanedUp {
				t.Error("Expected the connection to be closed")
			}
		})
	}
}

func TestConnection_QuietErrors(t *testing.T) {
	d := newTestDaemon(t, Config{QuietErrors: true}, helloHandler())
	c, sock := newTestConn(t, d, "NONSENSE\r\n\r\n")
	pump(d, c)

	resp := readResponses(t, sock.out.Bytes(), "GET", 1)[0]
	if resp.StatusCode != 400 || resp.ContentLength != 0 {
		t.Errorf("Expected an empty 400, got %d with length %d", resp.StatusCode, resp.ContentLength)
	}
}

func TestConnection_FoldedHeader(t *testing.T) {
	var value string
	d := newTestDaemon(t, Config{}, HandlerFunc(func(req *Request, upload []byte) (int, error) {
		if upload != nil || req.BodyComplete() {
			return len(upload), nil
		}
		value = req.Header("X-Folded")
		r := NewResponseFromString("")
		defer r.Destroy()
		return 0, req.QueueResponse(200, r)
	}))
	c, _ := newTestConn(t, d, "GET / HTTP/1.1\r\nHost: x\r\nX-Folded: one\r\n  two\r\n\tthree\r\n\r\n")
	pump(d, c)

	if value != "one two three" {
		t.Errorf("Expected folded value 'one two three', got %q", value)
	}
}

func TestConnection_ChunkedResponseWithFooter(t *testing.T) {
	const body = "streamed response body"
	d := newTestDaemon(t, Config{}, HandlerFunc(func(req *Request, upload []byte) (int, error) {
		if upload != nil || req.BodyComplete() {
			return len(upload), nil
		}
		r, err := NewResponseFromCallback(SizeUnknown, 5, func(pos int64, buf []byte) (int, error) {
			if pos >= int64(len(body)) {
				return 0, io.EOF
			}
			return copy(buf, body[pos:]), nil
		}, nil)
		if err != nil {
			return 0, err
		}
		defer r.Destroy()
		_ = r.AddFooter("X-Checksum", "abc")
		return 0, req.QueueResponse(200, r)
	}))
	c, sock := newTestConn(t, d, "GET /stream HTTP/1.1\r\nHost: x\r\n\r\n")
	pump(d, c)

	resp := readResponses(t, sock.out.Bytes(), "GET", 1)[0]
	if len(resp.TransferEncoding) == 0 || resp.TransferEncoding[0] != "chunked" {
		t.Errorf("Expected chunked transfer encoding, got %v", resp.TransferEncoding)
	}
	if got := bodyOf(resp); got != body {
		t.Errorf("Expected body %q, got %q", body, got)
	}
	if resp.Trailer.Get("X-Checksum") != "abc" {
		t.Errorf("Expected footer X-Checksum abc, got %v", resp.Trailer)
	}
	if c.cleanedUp {
		t.Error("Expected the connection to stay open after a chunked response")
	}
}

func TestConnection_UnknownSizeHTTP10ClosesConnection(t *testing.T) {
	d := newTestDaemon(t, Config{}, HandlerFunc(func(req *Request, upload []byte) (int, error) {
		if upload != nil || req.BodyComplete() {
			return len(upload), nil
		}
		sent := false
		r, _ := NewResponseFromCallback(SizeUnknown, 64, func(_ int64, buf []byte) (int, error) {
			if sent {
				return 0, io.EOF
			}
			sent = true
			return copy(buf, "until close"), nil
		}, nil)
		defer r.Destroy()
		return 0, req.QueueResponse(200, r)
	}))
	c, sock := newTestConn(t, d, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	pump(d, c)

	out := sock.out.String()
	if !strings.HasSuffix(out, "\r\n\r\nuntil close") {
		t.Errorf("Expected a close-delimited body, got %q", out)
	}
	if strings.Contains(out, "Transfer-Encoding") {
		t.Error("Expected no chunked encoding for HTTP/1.0")
	}
	if !c.cleanedUp {
		t.Error("Expected the connection to close after the body")
	}
}

func TestConnection_ResponseHeaderDecisions(t *testing.T) {
	plain := func() *Response { return NewResponseFromString("ok") }
	withHeader := func(k, v string) func() *Response {
		return func() *Response {
			r := plain()
			_ = r.AddHeader(k, v)
			return r
		}
	}
	withFlags := func(f ResponseFlags) func() *Response {
		return func() *Response {
			r := plain()
			r.SetFlags(f)
			return r
		}
	}
	identity := func() *Response {
		r, _ := NewResponseFromCallback(SizeUnknown, 16, func(pos int64, buf []byte) (int, error) {
			if pos >= 3 {
				return 0, io.EOF
			}
			return copy(buf, "abc"[pos:]), nil
		}, nil)
		_ = r.AddHeader("Transfer-Encoding", "identity")
		return r
	}

	tests := []struct {
		name    string
		cfg     Config
		request string
		build   func() *Response
		want    []string
		reject  []string
		conns   int
		closed  bool
	}{
		{
			name:    "persistent http/1.1",
			request: "GET / HTTP/1.1\r\nHost: x\r\n\r\n",
			build:   plain,
			want:    []string{"HTTP/1.1 200 OK\r\n", "Content-Length: 2\r\n", "Date: "},
		},
		{
			name:    "date suppressed",
			cfg:     Config{SuppressDate: true},
			request: "GET / HTTP/1.1\r\nHost: x\r\n\r\n",
			build:   plain,
			reject:  []string{"Date:"},
		},
		{
			name:    "identity coding of unknown size",
			request: "GET / HTTP/1.1\r\nHost: x\r\n\r\n",
			build:   identity,
			want:    []string{"Transfer-Encoding: identity\r\n", "Connection: close\r\n"},
			reject:  []string{"Content-Length", "chunked"},
			conns:   1,
			closed:  true,
		},
		{
			name:    "application close",
			request: "GET / HTTP/1.1\r\nHost: x\r\n\r\n",
			build:   withHeader("Connection", "close"),
			want:    []string{"Connection: close\r\n"},
			conns:   1,
			closed:  true,
		},
		{
			name:    "application keep-alive for http/1.0",
			request: "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n",
			build:   withHeader("Connection", "keep-alive"),
			want:    []string{"Connection: keep-alive\r\n"},
			conns:   1,
		},
		{
			name:    "connect with empty body",
			request: "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n",
			build:   func() *Response { return NewResponseFromString("") },
			reject:  []string{"Content-Length"},
		},
		{
			name:    "http/1.0 response",
			request: "GET / HTTP/1.1\r\nHost: x\r\n\r\n",
			build:   withFlags(ResponseHTTP10),
			want:    []string{"HTTP/1.0 200 OK\r\n", "Content-Length: 2\r\n"},
			reject:  []string{"Transfer-Encoding"},
			closed:  true,
		},
		{
			name:    "keep-alive header suppressed",
			request: "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n",
			build:   withFlags(ResponseNoKeepAliveHeader),
			want:    []string{"Content-Length: 2\r\n"},
		},
		{
			name:    "upgrade request",
			request: "GET / HTTP/1.1\r\nHost: x\r\nConnection: upgrade\r\nUpgrade: websocket\r\n\r\n",
			build:   plain,
			closed:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDaemon(t, tt.cfg, HandlerFunc(func(req *Request, upload []byte) (int, error) {
				if upload != nil || !req.BodyComplete() {
					return len(upload), nil
				}
				r := tt.build()
				defer r.Destroy()
				return 0, req.QueueResponse(200, r)
			}))
			c, sock := newTestConn(t, d, tt.request)
			pump(d, c)

			out := sock.out.String()
			end := strings.Index(out, "\r\n\r\n")
			if end < 0 {
				t.Fatalf("Expected a complete header block, got %q", out)
			}
			head := out[:end+2]
			for _, w := range tt.want {
				if !strings.Contains(head, w) {
					t.Errorf("Expected %q in %q", w, head)
				}
			}
			for _, r := range tt.reject {
				if strings.Contains(head, r) {
					t.Errorf("Expected no %q in %q", r, head)
				}
			}
			if n := strings.Count(head, "Connection:"); n != tt.conns {
				t.Errorf("Expected %d Connection headers, got %d in %q", tt.conns, n, head)
			}
			if c.cleanedUp != tt.closed {
				t.Errorf("Expected closed=%v, got %v", tt.closed, c.cleanedUp)
			}
		})
	}
}

func TestConnection_PartialWrites(t *testing.T) {
	d := newTestDaemon(t, Config{}, helloHandler())
	c, sock := newTestConn(t, d, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	sock.sendLimit = 7
	pump(d, c)

	resp := readResponses(t, sock.out.Bytes(), "GET", 1)[0]
	if body := bodyOf(resp); body != "Hello World!" {
		t.Errorf("Expected body Hello World!, got %s", body)
	}
}

func TestConnection_HandlerError(t *testing.T) {
	var codes []TerminationCode
	cfg := Config{NotifyCompleted: func(_ *Request, code TerminationCode) { codes = append(codes, code) }}
	d := newTestDaemon(t, cfg, HandlerFunc(func(*Request, []byte) (int, error) {
		return 0, io.ErrUnexpectedEOF
	}))
	c, sock := newTestConn(t, d, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	pump(d, c)

	if sock.out.Len() != 0 {
		t.Errorf("Expected no response, got %q", sock.out.String())
	}
	if !c.cleanedUp {
		t.Error("Expected the connection to be closed")
	}
	if len(codes) != 1 || codes[0] != TerminatedWithError {
		t.Errorf("Expected one TerminatedWithError notification, got %v", codes)
	}
}

func TestConnection_QueueResponseRules(t *testing.T) {
	var first, second, outside error
	var saved *Request
	d := newTestDaemon(t, Config{}, HandlerFunc(func(req *Request, upload []byte) (int, error) {
		if upload != nil || req.BodyComplete() {
			return len(upload), nil
		}
		saved = req
		r := NewResponseFromString("x")
		defer r.Destroy()
		first = req.QueueResponse(200, r)
		second = req.QueueResponse(200, r)
		return 0, nil
	}))
	c, _ := newTestConn(t, d, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	pump(d, c)

	if first != nil {
		t.Errorf("Expected the first queue to succeed, got %v", first)
	}
	if second != ErrResponseQueued {
		t.Errorf("Expected ErrResponseQueued, got %v", second)
	}
	outside = saved.QueueResponse(200, NewResponseFromString("late"))
	if outside != ErrNotAccepting {
		t.Errorf("Expected ErrNotAccepting after the request finished, got %v", outside)
	}
	if err := c.QueueResponse(42, NewResponseFromString("x")); err != ErrInvalidResponse {
		t.Errorf("Expected ErrInvalidResponse for status 42, got %v", err)
	}
}

func TestConnection_HandlerWithoutResponse(t *testing.T) {
	silent := HandlerFunc(func(_ *Request, upload []byte) (int, error) {
		return len(upload), nil
	})

	t.Run("internal loop", func(t *testing.T) {
		var codes []TerminationCode
		cfg := Config{NotifyCompleted: func(_ *Request, code TerminationCode) { codes = append(codes, code) }}
		d := newLoopTestDaemon(t, cfg, silent)
		c, sock := newTestConn(t, d, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
		pump(d, c)

		resp := readResponses(t, sock.out.Bytes(), "GET", 1)[0]
		if resp.StatusCode != 500 || !resp.Close {
			t.Errorf("Expected 500 with Connection: close, got %d close=%v", resp.StatusCode, resp.Close)
		}
		if !c.cleanedUp {
			t.Error("Expected the connection to be closed")
		}
		if len(codes) != 1 {
			t.Errorf("Expected one completion notification, got %v", codes)
		}
	})

	t.Run("external loop", func(t *testing.T) {
		d := newTestDaemon(t, Config{}, silent)
		c, sock := newTestConn(t, d, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
		pump(d, c)
		if sock.out.Len() != 0 || c.State() != StateFootersReceived {
			t.Fatalf("Expected to wait for a response, got state %v out %q", c.State(), sock.out.String())
		}

		r := NewResponseFromString("late")
		defer r.Destroy()
		if err := c.QueueResponse(200, r); err != nil {
			t.Fatalf("Expected queueing outside the handler to succeed, got %v", err)
		}
		pump(d, c)
		if body := bodyOf(readResponses(t, sock.out.Bytes(), "GET", 1)[0]); body != "late" {
			t.Errorf("Expected body late, got %s", body)
		}
	})
}

func TestConnection_QueueWhileReadingBody(t *testing.T) {
	var saved *Connection
	d := newLoopTestDaemon(t, Config{}, HandlerFunc(func(req *Request, upload []byte) (int, error) {
		saved = req.Conn()
		return len(upload), nil
	}))
	c, _ := newTestConn(t, d, "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 4\r\n\r\n")
	pump(d, c)

	if saved != c || c.State() != StateContinueSent {
		t.Fatalf("Expected the body to be awaited, got %v", c.State())
	}
	if err := c.QueueResponse(200, NewResponseFromString("x")); err != ErrNotAccepting {
		t.Errorf("Expected ErrNotAccepting outside the handler, got %v", err)
	}
}

func TestConnection_EarlyResponseSkipsBody(t *testing.T) {
	calls := 0
	d := newTestDaemon(t, Config{}, HandlerFunc(func(req *Request, upload []byte) (int, error) {
		calls++
		r := NewResponseFromString("denied")
		defer r.Destroy()
		return 0, req.QueueResponse(403, r)
	}))
	c, sock := newTestConn(t, d, "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 100\r\n\r\npartial")
	pump(d, c)

	if calls != 1 {
		t.Errorf("Expected one handler call, got %d", calls)
	}
	resp := readResponses(t, sock.out.Bytes(), "POST", 1)[0]
	if resp.StatusCode != 403 || !resp.Close {
		t.Errorf("Expected 403 with Connection: close, got %d close=%v", resp.StatusCode, resp.Close)
	}
	if !c.cleanedUp {
		t.Error("Expected the connection to be closed")
	}
}

func TestConnection_Timeout(t *testing.T) {
	var codes []TerminationCode
	cfg := Config{
		ConnectionTimeout: 50 * time.Millisecond,
		NotifyCompleted:   func(_ *Request, code TerminationCode) { codes = append(codes, code) },
	}
	d := newTestDaemon(t, cfg, helloHandler())
	c, _ := newTestConn(t, d, "GET / HTTP/1.1\r\n")
	pump(d, c)
	if c.cleanedUp {
		t.Fatal("Expected the connection to be open before the timeout")
	}

	if wait, ok := d.Timeout(); !ok || wait > 50*time.Millisecond {
		t.Errorf("Expected a wait of at most 50ms, got %v (%v)", wait, ok)
	}

	time.Sleep(60 * time.Millisecond)
	if expired := d.expiredConnections(time.Now(), nil); len(expired) != 1 || expired[0] != c {
		t.Fatalf("Expected the connection to be expired, got %d", len(expired))
	}
	pump(d, c)
	if !c.cleanedUp {
		t.Error("Expected the connection to be closed after the timeout")
	}
	if len(codes) != 0 {
		t.Errorf("Expected no completion for a request the handler never saw, got %v", codes)
	}
}

func TestConnection_CustomTimeout(t *testing.T) {
	d := newTestDaemon(t, Config{ConnectionTimeout: time.Hour}, helloHandler())
	c, _ := newTestConn(t, d, "")
	c.SetTimeout(20 * time.Millisecond)

	if c.Timeout() != 20*time.Millisecond {
		t.Errorf("Expected timeout 20ms, got %v", c.Timeout())
	}
	d.mu.Lock()
	manual := d.manualTimeouts.contains(c)
	d.mu.Unlock()
	if !manual {
		t.Error("Expected the connection on the custom timeout list")
	}

	time.Sleep(30 * time.Millisecond)
	pump(d, c)
	if !c.cleanedUp {
		t.Error("Expected the custom timeout to close the connection")
	}
}

func TestConnection_SuspendResume(t *testing.T) {
	var conn *Connection
	cfg := Config{AllowSuspendResume: true, ConnectionTimeout: 20 * time.Millisecond}
	d := newTestDaemon(t, cfg, HandlerFunc(func(req *Request, upload []byte) (int, error) {
		if upload == nil && !req.BodyComplete() {
			conn = req.Conn()
			conn.Suspend()
		}
		return len(upload), nil
	}))
	c, sock := newTestConn(t, d, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	pump(d, c)

	if conn != c || !c.suspended.Load() {
		t.Fatal("Expected the connection to be suspended")
	}
	time.Sleep(30 * time.Millisecond)
	pump(d, c)
	if c.cleanedUp {
		t.Fatal("Expected a suspended connection not to time out")
	}

	r := NewResponseFromString("later")
	if err := c.QueueResponse(200, r); err != nil {
		t.Fatalf("Expected queueing on a suspended connection to succeed, got %v", err)
	}
	r.Destroy()
	c.Resume()
	resumed := d.resumeSuspended()
	if len(resumed) != 1 || resumed[0] != c {
		t.Fatalf("Expected one resumed connection, got %d", len(resumed))
	}
	pump(d, c)

	resp := readResponses(t, sock.out.Bytes(), "GET", 1)[0]
	if body := bodyOf(resp); body != "later" {
		t.Errorf("Expected body later, got %s", body)
	}
}

func TestConnection_QueueFromAnotherGoroutine(t *testing.T) {
	for _, wait := range []bool{false, true} {
		name := "after handler"
		if wait {
			name = "during handler"
		}
		t.Run(name, func(t *testing.T) {
			done := make(chan struct{})
			d := newLoopTestDaemon(t, Config{AllowSuspendResume: true}, HandlerFunc(func(req *Request, upload []byte) (int, error) {
				if upload != nil || !req.BodyComplete() {
					return len(upload), nil
				}
				c := req.Conn()
				c.Suspend()
				go func() {
					defer close(done)
					r := NewResponseFromString("async")
					defer r.Destroy()
					if err := c.QueueResponse(201, r); err != nil {
						t.Errorf("Expected to queue on a suspended connection, got %v", err)
					}
					c.Resume()
				}()
				if wait {
					<-done
				}
				return 0, nil
			}))
			c, sock := newTestConn(t, d, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
			pump(d, c)
			<-done

			if resumed := d.resumeSuspended(); len(resumed) != 1 || resumed[0] != c {
				t.Fatalf("Expected one resumed connection, got %d", len(resumed))
			}
			pump(d, c)

			resp := readResponses(t, sock.out.Bytes(), "GET", 1)[0]
			if resp.StatusCode != 201 || bodyOf(resp) != "async" {
				t.Errorf("Expected 201 async, got %d", resp.StatusCode)
			}
			if c.cleanedUp {
				t.Error("Expected the connection to stay open")
			}
		})
	}
}

func TestConnection_SuspendNotAllowed(t *testing.T) {
	var reason string
	cfg := Config{PanicHandler: func(r string) { reason = r }}
	d := newTestDaemon(t, cfg, helloHandler())
	c, _ := newTestConn(t, d, "")
	c.Suspend()

	if reason == "" {
		t.Error("Expected the panic handler to be called")
	}
	if c.suspended.Load() {
		t.Error("Expected the connection not to be suspended")
	}
}

func TestConnection_ClientHalfClose(t *testing.T) {
	var events []ConnectionEvent
	cfg := Config{NotifyConnection: func(_ *Connection, ev ConnectionEvent) { events = append(events, ev) }}
	d := newTestDaemon(t, cfg, helloHandler())
	c, sock := newTestConn(t, d, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	sock.eof = true
	pump(d, c)

	resp := readResponses(t, sock.out.Bytes(), "GET", 1)[0]
	if resp.StatusCode != 200 {
		t.Errorf("Expected the pending request to be answered, got %d", resp.StatusCode)
	}
	if !c.cleanedUp {
		t.Error("Expected the connection to close once the peer is gone")
	}
	if len(events) != 2 || events[0] != ConnectionStarted || events[1] != ConnectionClosed {
		t.Errorf("Expected started and closed events, got %v", events)
	}
}

func TestConnection_ArenaReuseAcrossRequests(t *testing.T) {
	d := newTestDaemon(t, Config{MemoryLimit: 2048}, helloHandler())
	var input strings.Builder
	for i := 0; i < 20; i++ {
		input.WriteString("GET /" + strings.Repeat("p", 100) + " HTTP/1.1\r\nHost: x\r\nX-Pad: " + strings.Repeat("v", 200) + "\r\n\r\n")
	}
	c, sock := newTestConn(t, d, input.String())
	for i := 0; i < 20 && len(sock.in) > 0; i++ {
		pump(d, c)
	}
	pump(d, c)

	readResponses(t, sock.out.Bytes(), "GET", 20)
	if c.cleanedUp {
		t.Error("Expected every request to fit the arena after resets")
	}
}
