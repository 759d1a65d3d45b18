// Package mxio has connection and i/o helpers for SMTP sessions.
package mxio

import (
	"io"
	"net"
)

// PrefixConn is a net.Conn whose reads first drain PrefixReader. When starting
// TLS, data already buffered from the plain connection is passed on to the TLS
// client this way.
type PrefixConn struct {
	PrefixReader io.Reader // Set to nil once drained.
	net.Conn
}

func (c *PrefixConn) Read(buf []byte) (int, error) {
	if c.PrefixReader == nil {
		return c.Conn.Read(buf)
	}
	n, err := c.PrefixReader.Read(buf)
	if err != io.EOF {
		return n, err
	}
	c.PrefixReader = nil
	if n > 0 {
		return n, nil
	}
	return c.Conn.Read(buf)
}
