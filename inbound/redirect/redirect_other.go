//go:build !linux

package redirect

import (
	"errors"
	"net"
)

func originalDstAddr(conn net.Conn) (net.Addr, error) {
	return nil, errors.New("transparent redirect is only available on linux")
}
