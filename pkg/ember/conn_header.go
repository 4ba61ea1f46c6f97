package ember

import (
	"strconv"

	"github.com/albertbausili/ember/internal/date"
	"github.com/albertbausili/ember/internal/h1"
)

// keepAlivePossible reports whether the request and the response allow the
// connection to persist.
func (c *Connection) keepAlivePossible() bool {
	if c.version == nil || c.response.flags&ResponseHTTP10 != 0 {
		return false
	}
	reqConn, _ := c.headers.lookup(KindHeader, "Connection")
	if c.http11 {
		if h1.HasToken(reqConn, "close") || h1.HasToken(reqConn, "upgrade") {
			return false
		}
		respConn, _ := c.response.headers.lookup(KindResponseHeader, "Connection")
		return !h1.HasToken(respConn, "close")
	}
	return h1.HasToken(reqConn, "keep-alive")
}

// buildResponseHeader writes the status line and header block into a write
// buffer carved from the arena. It returns false when the connection had to
// be closed instead.
func (c *Connection) buildResponseHeader() bool {
	r := c.response
	d := c.daemon

	version := h1.Version11
	if r.flags&ResponseHTTP10 != 0 {
		version = h1.Version10
	}

	size := r.size
	unknown := size == SizeUnknown
	keepAlive := c.keepAlivePossible()

	reqConn, _ := c.headers.lookup(KindHeader, "Connection")
	clientClose := h1.HasToken(reqConn, "close")
	respConn, haveRespConn := r.headers.lookup(KindResponseHeader, "Connection")
	respClose := h1.HasToken(respConn, "close")

	te, haveTE := r.headers.lookup(KindResponseHeader, "Transfer-Encoding")
	_, haveCL := r.headers.lookup(KindResponseHeader, "Content-Length")

	addChunked := false
	c.chunkedBody = false
	if haveTE {
		c.chunkedBody = h1.HasToken(te, "chunked")
	} else if unknown && keepAlive && c.http11 && r.flags&ResponseHTTP10 == 0 && !c.bodyDone {
		addChunked = true
		c.chunkedBody = true
	}

	mustClose := clientClose || c.readClosed || !keepAlive || respClose || (unknown && !c.chunkedBody && !c.bodyDone)
	addClose := !haveRespConn && (clientClose || c.readClosed || (unknown && !c.chunkedBody && !c.bodyDone))
	addLength := !unknown && !haveCL && !c.chunkedBody &&
		!(size == 0 && h1.EqualFold(c.method, "CONNECT")) &&
		c.status != 204 && c.status != 304 && c.status >= 200
	addKeepAlive := !c.http11 && keepAlive && !haveRespConn && !mustClose &&
		r.flags&ResponseNoKeepAliveHeader == 0
	_, haveDate := r.headers.lookup(KindResponseHeader, "Date")
	addDate := !d.cfg.SuppressDate && !haveDate

	var sizeBuf [20]byte
	lengthValue := strconv.AppendInt(sizeBuf[:0], size, 10)
	var dateValue []byte
	if addDate {
		dateValue = date.Current()
	}

	n := h1.StatusLineLen(version, c.status)
	if addDate {
		n += len("Date: \r\n") + len(dateValue)
	}
	if addClose {
		n += len("Connection: close\r\n")
	}
	if addKeepAlive {
		n += len("Connection: Keep-Alive\r\n")
	}
	if addChunked {
		n += len("Transfer-Encoding: chunked\r\n")
	}
	if addLength {
		n += len("Content-Length: \r\n") + len(lengthValue)
	}
	r.headers.iterate(KindResponseHeader, func(_ Kind, k, v []byte) bool {
		n += len(k) + 2 + len(v) + 2
		return true
	})
	n += 2

	// The read buffer keeps only unconsumed bytes from here on.
	if shrunk := c.arena.Realloc(c.rbuf, c.rlen); shrunk != nil {
		c.rbuf = shrunk
	}
	buf := c.arena.Alloc(n, false)
	if buf == nil {
		d.cfg.Logger.Printf("not enough memory to build the response header for %v", c.addr)
		c.close(TerminatedWithError)
		return false
	}
	b := h1.AppendStatusLine(buf[:0], version, c.status)
	if addDate {
		b = append(b, "Date: "...)
		b = append(b, dateValue...)
		b = append(b, "\r\n"...)
	}
	if addClose {
		b = append(b, "Connection: close\r\n"...)
	}
	if addKeepAlive {
		b = append(b, "Connection: Keep-Alive\r\n"...)
	}
	if addChunked {
		b = append(b, "Transfer-Encoding: chunked\r\n"...)
	}
	if addLength {
		b = append(b, "Content-Length: "...)
		b = append(b, lengthValue...)
		b = append(b, "\r\n"...)
	}
	r.headers.iterate(KindResponseHeader, func(_ Kind, k, v []byte) bool {
		b = append(b, k...)
		b = append(b, ':', ' ')
		b = append(b, v...)
		b = append(b, '\r', '\n')
		return true
	})
	b = append(b, '\r', '\n')

	c.keepAlive = !mustClose
	c.wbuf = buf
	c.wsend = 0
	c.wappend = len(b)
	return true
}

// buildFooters queues the chunked body trailer, or finishes directly for
// other bodies.
func (c *Connection) buildFooters() {
	r := c.response
	if c.head || !c.chunkedBody || r == nil {
		c.state = StateFootersSent
		return
	}
	n := 2
	r.headers.iterate(KindFooter, func(_ Kind, k, v []byte) bool {
		n += len(k) + 2 + len(v) + 2
		return true
	})
	buf := c.wbuf
	if cap(buf) < n {
		if buf = c.arena.Realloc(c.wbuf, n); buf == nil {
			c.daemon.cfg.Logger.Printf("not enough memory to build the response footer for %v", c.addr)
			c.close(TerminatedWithError)
			return
		}
	}
	b := buf[:0]
	r.headers.iterate(KindFooter, func(_ Kind, k, v []byte) bool {
		b = append(b, k...)
		b = append(b, ':', ' ')
		b = append(b, v...)
		b = append(b, '\r', '\n')
		return true
	})
	b = append(b, '\r', '\n')
	c.wbuf = buf
	c.wsend = 0
	c.wappend = len(b)
	c.state = StateFootersSending
}
