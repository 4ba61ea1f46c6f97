package ember

import (
	"errors"
	"io"
	"strconv"

	"github.com/albertbausili/ember/internal/h1"
)

var continueBytes = []byte(h1.Continue)

const (
	// chunkPrefix is room for up to six hex digits and CRLF.
	chunkPrefix    = h1.MaxChunkSizeDigits + 2
	maxChunkSize   = 0xFFFFFF
	minChunkBuffer = 64
)

// handleWrite sends pending output for the current state.
func (c *Connection) handleWrite() {
	switch c.state {
	case StateContinueSending:
		n, err := c.sendRaw(continueBytes[c.continueOffset:])
		if err != nil {
			c.writeFailed(err)
			return
		}
		c.continueOffset += n
		if c.continueOffset == len(continueBytes) {
			c.state = StateContinueSent
		}
	case StateHeadersSending:
		if c.flushWrite() {
			c.state = StateHeadersSent
		}
	case StateNormalBodyReady:
		c.writeNormalBody()
	case StateChunkedBodyReady:
		if c.flushWrite() {
			if c.bodyDone {
				c.state = StateBodySent
			} else {
				c.state = StateChunkedBodyUnready
			}
		}
	case StateFootersSending:
		if c.flushWrite() {
			c.state = StateFootersSent
		}
	}
}

// sendRaw writes p once. Would-block is not an error; it returns 0 and marks
// the socket as not writable.
func (c *Connection) sendRaw(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := c.sock.Send(p)
	if errors.Is(err, errWouldBlock) {
		c.writeBlocked = true
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if n < len(p) {
		c.writeBlocked = true
	}
	c.sentBytes += int64(n)
	c.touch()
	return n, nil
}

func (c *Connection) writeFailed(err error) {
	if verboseLogging {
		c.daemon.cfg.Logger.Printf("write to %v failed: %v", c.addr, err)
	}
	c.close(TerminatedWithError)
}

// flushWrite sends the pending write buffer and reports whether it drained.
func (c *Connection) flushWrite() bool {
	if c.wsend < c.wappend {
		n, err := c.sendRaw(c.wbuf[c.wsend:c.wappend])
		if err != nil {
			c.writeFailed(err)
			return false
		}
		c.wsend += n
	}
	return c.wsend == c.wappend
}

// startBody picks the body transfer once the header block is out.
func (c *Connection) startBody() {
	r := c.response
	switch {
	case c.bodyDone:
		c.chunkedBody = false
		c.state = StateBodySent
	case c.chunkedBody:
		c.state = StateChunkedBodyUnready
	case r.size == 0:
		c.state = StateBodySent
	default:
		c.state = StateNormalBodyUnready
	}
}

// readyNormalBody makes sure body bytes are available at the write
// position. It returns false while a pulled body has nothing ready.
func (c *Connection) readyNormalBody() bool {
	r := c.response
	if r.size != SizeUnknown && c.writePos >= r.size {
		c.state = StateBodySent
		return true
	}
	if !r.hasReader() {
		c.state = StateNormalBodyReady
		return true
	}
	ready := false
	err := r.withBlock(c.writePos, func(b []byte) { ready = len(b) > 0 })
	if err != nil {
		c.endOfStream(err)
		return true
	}
	if !ready {
		return false
	}
	c.state = StateNormalBodyReady
	return true
}

// endOfStream handles the end of a pulled body. An early end of a body of
// known size is an error.
func (c *Connection) endOfStream(err error) {
	if errors.Is(err, io.EOF) && c.response.size == SizeUnknown {
		c.bodyDone = true
		c.state = StateBodySent
		return
	}
	if verboseLogging {
		c.daemon.cfg.Logger.Printf("response body for %v ended early: %v", c.addr, err)
	}
	c.close(TerminatedWithError)
}

// writeNormalBody sends body bytes at the write position. Pulled blocks are
// sent under the response lock so concurrent connections cannot replace
// them mid-send.
func (c *Connection) writeNormalBody() {
	r := c.response
	var (
		sent    int
		sendErr error
	)
	err := r.withBlock(c.writePos, func(b []byte) {
		if r.size != SizeUnknown {
			if left := r.size - c.writePos; int64(len(b)) > left {
				b = b[:left]
			}
		}
		sent, sendErr = c.sendRaw(b)
	})
	if sendErr != nil {
		c.writeFailed(sendErr)
		return
	}
	if err != nil {
		c.endOfStream(err)
		return
	}
	c.writePos += int64(sent)
	if r.size != SizeUnknown && c.writePos >= r.size {
		c.state = StateBodySent
		return
	}
	if r.hasReader() && sent > 0 {
		c.state = StateNormalBodyUnready
	}
}

// prepareChunk fills the write buffer with the next body chunk, or with the
// terminating zero chunk at the end of the stream. It returns false while the
// body has nothing ready.
func (c *Connection) prepareChunk() bool {
	r := c.response
	if free := c.arena.Free(); free > 0 {
		if nb := c.arena.Realloc(c.wbuf, len(c.wbuf)+free); nb != nil {
			c.wbuf = nb
		}
	}
	if len(c.wbuf) < minChunkBuffer {
		c.daemon.cfg.Logger.Printf("not enough memory for a response chunk to %v", c.addr)
		c.close(TerminatedWithError)
		return true
	}

	var (
		n   int
		err error
	)
	if r.size != SizeUnknown && c.writePos >= r.size {
		err = io.EOF
	} else {
		room := len(c.wbuf) - chunkPrefix - 2
		if room > maxChunkSize {
			room = maxChunkSize
		}
		if r.hasReader() && room > r.blockSize {
			room = r.blockSize
		}
		if r.size != SizeUnknown {
			if left := r.size - c.writePos; int64(room) > left {
				room = int(left)
			}
		}
		n, err = r.readInto(c.writePos, c.wbuf[chunkPrefix:chunkPrefix+room])
	}

	switch {
	case n > 0:
		var hex [h1.MaxChunkSizeDigits]byte
		digits := strconv.AppendInt(hex[:0], int64(n), 16)
		start := chunkPrefix - len(digits) - 2
		copy(c.wbuf[start:], digits)
		c.wbuf[chunkPrefix-2] = '\r'
		c.wbuf[chunkPrefix-1] = '\n'
		c.wbuf[chunkPrefix+n] = '\r'
		c.wbuf[chunkPrefix+n+1] = '\n'
		c.wsend = start
		c.wappend = chunkPrefix + n + 2
		c.writePos += int64(n)
	case errors.Is(err, io.EOF):
		c.wbuf[0], c.wbuf[1], c.wbuf[2] = '0', '\r', '\n'
		c.wsend, c.wappend = 0, 3
		c.bodyDone = true
	case err != nil:
		if verboseLogging {
			c.daemon.cfg.Logger.Printf("response body for %v failed: %v", c.addr, err)
		}
		c.close(TerminatedWithError)
		return true
	default:
		return false
	}
	c.state = StateChunkedBodyReady
	return true
}
