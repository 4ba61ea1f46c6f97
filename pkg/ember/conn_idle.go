package ember

import (
	"bytes"
	"time"

	"github.com/albertbausili/ember/internal/h1"
)

// handleIdle advances the state machine as far as buffered data allows and
// sets what the event loop should wait for. It returns false once the
// connection has been cleaned up.
func (c *Connection) handleIdle() bool {
	if c.cleanedUp {
		return false
	}
	for {
		for !c.suspended.Load() && c.step() {
		}
		if c.state == StateClosed {
			c.cleanup()
			return false
		}
		if c.expired(time.Now()) {
			if verboseLogging {
				c.daemon.cfg.Logger.Printf("connection from %v timed out", c.addr)
			}
			c.close(TerminatedTimeoutReached)
			c.cleanup()
			return false
		}
		if c.updateLoopInfo() {
			return true
		}
	}
}

// step performs one transition. It returns true when another step may make
// progress right away.
func (c *Connection) step() bool {
	switch c.state {
	case StateInit:
		line, ok := c.nextLine()
		if !ok {
			return c.stalled(StateInit)
		}
		if len(line) == 0 {
			// Empty lines before a request line are ignored.
			return true
		}
		c.parseRequestLine(line)
		return true

	case StateURLReceived, StateHeaderPartReceived:
		return c.headerStep(KindHeader, StateHeaderPartReceived, StateHeadersReceived)

	case StateHeadersReceived:
		c.parseConnectionHeaders()
		if c.state == StateHeadersReceived {
			c.state = StateHeadersProcessed
			c.setAccepting(true)
			c.startSpan()
		}
		return true

	case StateHeadersProcessed:
		if !c.handlerCalled {
			c.handlerCalled = true
			c.callHandler(nil)
			if c.state != StateHeadersProcessed {
				return true
			}
		}
		if c.needContinue() {
			c.state = StateContinueSending
			c.setAccepting(false)
			return true
		}
		if c.response != nil && c.remaining != 0 {
			// Answered before the body: stop reading it and close afterwards.
			c.remaining = 0
			c.readClosed = true
		}
		if c.remaining == 0 {
			c.state = StateFootersReceived
		} else {
			c.state = StateContinueSent
			c.setAccepting(false)
		}
		return !c.suspended.Load()

	case StateContinueSending:
		if c.continueOffset == len(continueBytes) {
			c.state = StateContinueSent
			return true
		}
		return false

	case StateContinueSent:
		if c.remaining != 0 && c.rlen > 0 {
			before, pending := c.rlen, c.remaining
			c.processRequestBody()
			if c.state != StateContinueSent {
				return true
			}
			if c.rlen != before || c.remaining != pending {
				return true
			}
		}
		if c.remaining == 0 {
			if c.chunked {
				c.state = StateBodyReceived
			} else {
				c.state = StateFootersReceived
				c.setAccepting(true)
			}
			return true
		}
		if c.readClosed {
			c.close(TerminatedClientAbort)
			return true
		}
		return false

	case StateBodyReceived, StateFooterPartReceived:
		return c.headerStep(KindFooter, StateFooterPartReceived, StateFootersReceived)

	case StateFootersReceived:
		c.adopt()
		if c.response == nil && !c.finalCalled {
			c.finalCalled = true
			c.callHandler(nil)
			if c.state != StateFootersReceived {
				return true
			}
		}
		if c.suspended.Load() {
			return false
		}
		if c.response == nil {
			if !c.daemon.cfg.Mode.internalLoop() {
				return false
			}
			// Nothing can queue a response any more.
			c.transmitError(500, h1.BodyInternalError)
			return true
		}
		if !c.buildResponseHeader() {
			return true
		}
		c.state = StateHeadersSending
		return true

	case StateHeadersSending, StateNormalBodyReady, StateChunkedBodyReady, StateFootersSending:
		return false

	case StateHeadersSent:
		c.startBody()
		return true

	case StateNormalBodyUnready:
		return c.readyNormalBody()

	case StateChunkedBodyUnready:
		return c.prepareChunk()

	case StateBodySent:
		c.buildFooters()
		return true

	case StateFootersSent:
		c.finishRequest()
		return true
	}
	return false
}

// stalled handles a read state without a complete line. It closes the
// connection when the peer has stopped sending.
func (c *Connection) stalled(st State) bool {
	if c.state != st {
		// nextLine answered with an error.
		return true
	}
	if !c.readClosed {
		return false
	}
	if st == StateInit && c.rlen == 0 {
		c.close(TerminatedCompletedOK)
	} else {
		c.close(TerminatedClientAbort)
	}
	return true
}

// headerStep reads one header or trailer line. A blank line commits the
// pending entry and moves to done.
func (c *Connection) headerStep(kind Kind, part, done State) bool {
	st := c.state
	line, ok := c.nextLine()
	if !ok {
		return c.stalled(st)
	}
	if len(line) == 0 {
		if !c.commitHeader() {
			return true
		}
		c.state = done
		if done == StateFootersReceived {
			c.setAccepting(true)
		}
		return true
	}
	if h1.IsContinuation(line) {
		c.foldHeader(line)
		return true
	}
	if !c.commitHeader() {
		return true
	}
	key, value, ok := h1.SplitHeaderLine(line)
	if !ok {
		c.transmitError(400, h1.BodyBadRequest)
		return true
	}
	c.lastKey, c.lastValue, c.lastKind, c.haveLast = key, value, kind, true
	c.state = part
	return true
}

// foldHeader appends a continuation line to the pending header value,
// joined by a single space.
func (c *Connection) foldHeader(line []byte) {
	if !c.haveLast {
		c.transmitError(400, h1.BodyBadRequest)
		return
	}
	extra := h1.TrimOWS(line)
	if len(extra) == 0 {
		return
	}
	if len(c.lastValue) == 0 {
		c.lastValue = extra
		return
	}
	merged := c.arena.Alloc(len(c.lastValue)+1+len(extra), true)
	if merged == nil {
		c.transmitError(413, h1.BodyTooBig)
		return
	}
	n := copy(merged, c.lastValue)
	merged[n] = ' '
	copy(merged[n+1:], extra)
	c.lastValue = merged
}

// commitHeader stores the pending header entry. It returns false when the
// arena is exhausted and an error response has been queued.
func (c *Connection) commitHeader() bool {
	if !c.haveLast {
		return true
	}
	c.haveLast = false
	return c.addRequestHeader(c.lastKind, c.lastKey, c.lastValue)
}

func (c *Connection) addRequestHeader(kind Kind, key, value []byte) bool {
	if c.arena.Alloc(headerCharge, true) == nil {
		c.transmitError(413, h1.BodyTooBig)
		return false
	}
	c.headers.add(kind, key, value)
	return true
}

// parseRequestLine handles "METHOD URI VERSION" and splits GET arguments.
func (c *Connection) parseRequestLine(line []byte) {
	method, uri, version, ok := h1.ParseRequestLine(line)
	if !ok {
		c.transmitError(400, h1.BodyBadRequest)
		return
	}
	if len(version) > 0 {
		major, minor, ok := h1.ParseVersion(version)
		if !ok {
			c.transmitError(400, h1.BodyBadRequest)
			return
		}
		if major != 1 {
			c.transmitError(505, h1.BodyVersionNotSupported)
			return
		}
		c.http11 = minor >= 1
	}
	c.method = method
	c.version = version
	c.head = h1.EqualFold(method, "HEAD")

	if q := bytes.IndexByte(uri, '?'); q >= 0 {
		args := uri[q+1:]
		uri = uri[:q]
		failed := false
		h1.ParseQuery(args, func(k, v []byte) {
			if !failed && !c.addRequestHeader(KindGetArgument, k, v) {
				failed = true
			}
		})
		if failed {
			return
		}
	}
	c.url = h1.Unescape(uri)
	c.state = StateURLReceived
}

// parseConnectionHeaders extracts cookies and the request body framing.
func (c *Connection) parseConnectionHeaders() {
	if v, ok := c.headers.lookup(KindHeader, "Cookie"); ok {
		failed := false
		h1.ParseCookies(v, func(name, value []byte) {
			if !failed && !c.addRequestHeader(KindCookie, name, value) {
				failed = true
			}
		})
		if failed {
			return
		}
	}
	if c.daemon.cfg.StrictHost && c.http11 && !c.headers.has(KindHeader, "Host") {
		c.transmitError(400, h1.BodyMissingHost)
		return
	}

	c.remaining = 0
	if te, ok := c.headers.lookup(KindHeader, "Transfer-Encoding"); ok {
		if !h1.HasToken(te, "chunked") {
			c.transmitError(400, h1.BodyBadRequest)
			return
		}
		c.chunked = true
		c.remaining = uploadSizeUnknown
		c.chunkSize = 0
		c.chunkOffset = 0
		return
	}
	if cl, ok := c.headers.lookup(KindHeader, "Content-Length"); ok {
		n, ok := h1.ParseContentLength(cl)
		if !ok {
			c.transmitError(400, h1.BodyBadContentLength)
			return
		}
		c.remaining = n
	}
}

// needContinue reports whether "100 Continue" must be sent before the body.
func (c *Connection) needContinue() bool {
	if c.response != nil || !c.http11 || c.remaining == 0 || c.continueOffset != 0 {
		return false
	}
	v, ok := c.headers.lookup(KindHeader, "Expect")
	return ok && h1.EqualFold(v, "100-continue")
}

// callHandler invokes the application. It returns how much of upload was
// consumed.
func (c *Connection) callHandler(upload []byte) int {
	if c.response != nil {
		return len(upload)
	}
	c.clientAware = true
	c.setInHandler(true)
	n, err := c.daemon.handler.ServeRequest(&c.req, upload)
	c.setInHandler(false)
	c.adopt()
	if err != nil {
		if verboseLogging {
			c.daemon.cfg.Logger.Printf("handler for %s %s failed: %v", c.method, c.url, err)
		}
		c.close(TerminatedWithError)
		return 0
	}
	if n < 0 {
		n = 0
	}
	if n > len(upload) {
		c.daemon.cfg.PanicHandler("handler consumed more upload data than it was given")
		n = len(upload)
	}
	return n
}

// processRequestBody hands buffered body bytes to the handler, decoding
// chunked framing on the way. Unconsumed bytes are moved to the buffer head.
func (c *Connection) processRequestBody() {
	buf := c.rbuf[:c.rlen]
	for len(buf) > 0 && c.remaining != 0 && !c.suspended.Load() {
		var n int
		if c.chunked {
			if c.chunkSize > 0 && c.chunkOffset == c.chunkSize {
				// CRLF closing the chunk data.
				i := 0
				if buf[0] == '\r' {
					if len(buf) < 2 {
						break
					}
					i = 1
				}
				if buf[i] != '\n' {
					c.transmitError(400, h1.BodyBadChunk)
					return
				}
				buf = buf[i+1:]
				c.chunkSize, c.chunkOffset = 0, 0
				continue
			}
			if c.chunkOffset < c.chunkSize {
				left := c.chunkSize - c.chunkOffset
				n = len(buf)
				if int64(n) > left {
					n = int(left)
				}
			} else {
				eol := bytes.IndexByte(buf, '\n')
				if eol < 0 {
					break
				}
				line := buf[:eol]
				if len(line) > 0 && line[len(line)-1] == '\r' {
					line = line[:len(line)-1]
				}
				size, ok := h1.ParseChunkSize(line)
				if !ok {
					c.transmitError(400, h1.BodyBadChunk)
					return
				}
				buf = buf[eol+1:]
				c.chunkSize, c.chunkOffset = size, 0
				if size == 0 {
					c.remaining = 0
				}
				continue
			}
		} else {
			n = len(buf)
			if c.remaining > 0 && int64(n) > c.remaining {
				n = int(c.remaining)
			}
		}

		used := c.callHandler(buf[:n])
		if c.state != StateContinueSent {
			return
		}
		if c.chunked {
			c.chunkOffset += int64(used)
		} else if c.remaining > 0 {
			c.remaining -= int64(used)
		}
		buf = buf[used:]
		if used < n {
			break
		}
	}
	if len(buf) > 0 && &buf[0] != &c.rbuf[0] {
		copy(c.rbuf, buf)
	}
	c.rlen = len(buf)
}

// updateLoopInfo sets what the event loop waits for. It returns false when
// an error response was queued instead and the state machine must run again.
func (c *Connection) updateLoopInfo() bool {
	switch c.state {
	case StateInit, StateURLReceived, StateHeaderPartReceived, StateBodyReceived, StateFooterPartReceived:
		if c.readClosed {
			c.loop = loopBlock
			break
		}
		if c.rlen == len(c.rbuf) && !c.growReadBuffer() {
			c.lineTooLong()
			return false
		}
		c.loop = loopRead
	case StateContinueSent:
		if c.readClosed || c.suspended.Load() {
			c.loop = loopBlock
			break
		}
		if c.rlen == len(c.rbuf) && !c.growReadBuffer() {
			if c.chunked && c.chunkOffset == c.chunkSize {
				// A chunk-size line longer than the whole buffer.
				c.transmitError(400, h1.BodyBadChunk)
			} else {
				c.transmitError(500, h1.BodyInternalError)
			}
			return false
		}
		c.loop = loopRead
	case StateContinueSending, StateHeadersSending, StateNormalBodyReady,
		StateChunkedBodyReady, StateFootersSending:
		c.loop = loopWrite
	case StateClosed:
		c.loop = loopCleanup
	default:
		c.loop = loopBlock
	}
	c.tickWant.Store(c.unready())
	return true
}

// transmitError answers the request with a generated error page and closes
// the connection afterwards.
func (c *Connection) transmitError(status int, body string) {
	c.adopt()
	if c.response != nil {
		// Too late for an error page.
		c.close(TerminatedWithError)
		return
	}
	c.daemon.cfg.Logger.Printf("error processing request from %v: %d %s", c.addr, status, h1.StatusText(status))
	c.state = StateFootersReceived
	c.readClosed = true
	c.rlen = 0
	c.remaining = 0
	c.haveLast = false
	if c.daemon.cfg.QuietErrors {
		body = ""
	}
	r := NewResponseFromString(body)
	_ = r.AddHeader("Content-Type", "text/html")
	c.queue(status, r)
	r.Destroy()
	if !c.buildResponseHeader() {
		return
	}
	c.state = StateHeadersSending
}

// finishRequest ends one request cycle and prepares for the next one on a
// persistent connection.
func (c *Connection) finishRequest() {
	c.notifyCompleted(TerminatedCompletedOK)
	if c.response != nil {
		c.response.Destroy()
		c.response = nil
	}
	c.resetQueue()
	if !c.keepAlive || c.readClosed {
		c.close(TerminatedCompletedOK)
		return
	}
	leftover := c.rbuf[:c.rlen]
	c.rbuf = c.arena.Reset(leftover, c.daemon.cfg.MemoryLimit/2)
	c.wbuf = nil
	c.wsend, c.wappend = 0, 0
	c.headers.reset()
	c.method, c.url, c.version = nil, nil, nil
	c.http11, c.head = false, false
	c.lastKey, c.lastValue, c.haveLast = nil, nil, false
	c.remaining, c.chunked, c.chunkSize, c.chunkOffset = 0, false, 0, 0
	c.status, c.writePos = 0, 0
	c.chunkedBody, c.bodyDone, c.keepAlive = false, false, false
	c.continueOffset = 0
	c.handlerCalled, c.finalCalled = false, false
	c.reqValue = nil
	c.sentBytes = 0
	c.started = time.Time{}
	c.state = StateInit
}

// close moves the connection to CLOSED. Resources are released by cleanup.
func (c *Connection) close(code TerminationCode) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.loop = loopCleanup
	c.setAccepting(false)
	_ = c.sock.CloseWrite()
	c.notifyCompleted(code)
}

// notifyCompleted reports the end of a request the application has seen.
func (c *Connection) notifyCompleted(code TerminationCode) {
	if !c.clientAware {
		return
	}
	c.clientAware = false
	d := c.daemon
	d.metrics.requestCompleted(c, code)
	c.endSpan(code)
	if d.cfg.NotifyCompleted != nil {
		d.cfg.NotifyCompleted(&c.req, code)
	}
	c.ctx = contextBackground
}

// cleanup drops the response and hands the connection to the daemon for
// release. It runs once.
func (c *Connection) cleanup() {
	if c.cleanedUp {
		return
	}
	c.cleanedUp = true
	c.loop = loopCleanup
	if c.response != nil {
		c.response.Destroy()
		c.response = nil
	}
	c.resetQueue()
	c.daemon.unlink(c)
}
