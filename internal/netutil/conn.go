package netutil

import (
	"bufio"
	"io"
	"net"
)

type readWriteConn struct {
	net.Conn
	r io.Reader
	w io.Writer
}

// NewReadWriteConn replaces the read and write paths of c while keeping
// its address and deadline methods.
func NewReadWriteConn(r io.Reader, w io.Writer, c net.Conn) net.Conn {
	return &readWriteConn{
		Conn: c,
		r:    r,
		w:    w,
	}
}

func (c *readWriteConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *readWriteConn) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

type bufferReaderConn struct {
	net.Conn
	br *bufio.Reader
}

// NewBufferReaderConn returns a conn whose reads drain br first.
func NewBufferReaderConn(conn net.Conn, br *bufio.Reader) net.Conn {
	return &bufferReaderConn{
		Conn: conn,
		br:   br,
	}
}

func (c *bufferReaderConn) Read(b []byte) (int, error) {
	return c.br.Read(b)
}
