package socks

import (
	"net"
	"net/url"

	"github.com/go-gost/gosocks5"
	"github.com/seamgate/seamgate/logger"
)

type clientSelector struct {
	methods []uint8
	user    *url.Userinfo
	logger  logger.Logger
}

func (s *clientSelector) Methods() []uint8 {
	return s.methods
}

func (s *clientSelector) Select(methods ...uint8) (method uint8) {
	return
}

func (s *clientSelector) OnSelected(method uint8, conn net.Conn) (string, net.Conn, error) {
	s.logger.Debugf("method selected: %d", method)

	switch method {
	case gosocks5.MethodNoAuth:

	case gosocks5.MethodUserPass:
		var username, password string
		if s.user != nil {
			username = s.user.Username()
			password, _ = s.user.Password()
		}

		req := gosocks5.NewUserPassRequest(gosocks5.UserPassVer, username, password)
		if err := req.Write(conn); err != nil {
			return "", nil, err
		}

		resp, err := gosocks5.ReadUserPassResponse(conn)
		if err != nil {
			return "", nil, err
		}
		if resp.Status != gosocks5.Succeeded {
			return "", nil, gosocks5.ErrAuthFailure
		}

	case gosocks5.MethodNoAcceptable:
		return "", nil, gosocks5.ErrBadMethod
	default:
		return "", nil, gosocks5.ErrBadFormat
	}
	return "", conn, nil
}
