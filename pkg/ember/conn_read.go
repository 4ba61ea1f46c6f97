package ember

import (
	"errors"
	"io"

	"github.com/albertbausili/ember/internal/h1"
)

// handleRead receives as much as fits into the read buffer.
func (c *Connection) handleRead() {
	if c.state == StateClosed || c.readClosed {
		return
	}
	if c.rlen == len(c.rbuf) && !c.growReadBuffer() {
		return
	}
	n, err := c.sock.Recv(c.rbuf[c.rlen:])
	switch {
	case errors.Is(err, errWouldBlock):
		c.readBlocked = true
	case errors.Is(err, io.EOF):
		c.readClosed = true
	case err != nil:
		if verboseLogging {
			c.daemon.cfg.Logger.Printf("read from %v failed: %v", c.addr, err)
		}
		c.close(TerminatedReadError)
	case n == 0:
		c.readClosed = true
	default:
		c.rlen += n
		c.touch()
	}
}

// growReadBuffer extends the read buffer by the configured increment.
func (c *Connection) growReadBuffer() bool {
	if c.wbuf != nil {
		return false
	}
	inc := c.daemon.cfg.MemoryIncrement
	for _, size := range [...]int{len(c.rbuf)*2 + inc, len(c.rbuf) + inc} {
		if nb := c.arena.Realloc(c.rbuf, size); nb != nil {
			c.rbuf = nb
			return true
		}
	}
	return false
}

// consume drops n bytes from the head of the read buffer. The dropped bytes
// stay in the arena so views into them remain valid.
func (c *Connection) consume(n int) {
	c.rbuf = c.rbuf[n:]
	c.rlen -= n
}

// nextLine returns the next CRLF, LF or bare CR terminated line without its
// terminator. When no full line is buffered it returns false; if the buffer
// is full and cannot grow the request is answered with 413 or 414.
func (c *Connection) nextLine() ([]byte, bool) {
	buf := c.rbuf[:c.rlen]
	for pos := 0; pos < len(buf); pos++ {
		switch buf[pos] {
		case '\n':
			line := buf[:pos:pos]
			c.consume(pos + 1)
			return line, true
		case '\r':
			if pos+1 == len(buf) {
				// Wait for a possible LF.
				return c.lineStall()
			}
			end := pos + 1
			if buf[end] == '\n' {
				end++
			}
			line := buf[:pos:pos]
			c.consume(end)
			return line, true
		}
	}
	return c.lineStall()
}

func (c *Connection) lineStall() ([]byte, bool) {
	if c.rlen == len(c.rbuf) && !c.growReadBuffer() {
		c.lineTooLong()
	}
	return nil, false
}

func (c *Connection) lineTooLong() {
	if c.url == nil {
		c.transmitError(414, h1.BodyURITooLong)
		return
	}
	c.transmitError(413, h1.BodyTooBig)
}
