package socks

import (
	"net"

	"github.com/go-gost/gosocks5"
	"github.com/seamgate/seamgate/logger"
)

type serverSelector struct {
	users  map[string]string
	logger logger.Logger
}

func (s *serverSelector) Methods() []uint8 {
	methods := []uint8{gosocks5.MethodNoAuth}
	if len(s.users) > 0 {
		methods = append(methods, gosocks5.MethodUserPass)
	}
	return methods
}

func (s *serverSelector) Select(methods ...uint8) (method uint8) {
	method = gosocks5.MethodNoAuth
	if len(s.users) > 0 {
		method = gosocks5.MethodNoAcceptable
		for _, m := range methods {
			if m == gosocks5.MethodUserPass {
				return m
			}
		}
	}
	return
}

func (s *serverSelector) OnSelected(method uint8, conn net.Conn) (string, net.Conn, error) {
	s.logger.Debugf("method selected: %d", method)

	switch method {
	case gosocks5.MethodNoAuth:

	case gosocks5.MethodUserPass:
		req, err := gosocks5.ReadUserPassRequest(conn)
		if err != nil {
			return "", nil, err
		}

		if want, ok := s.users[req.Username]; !ok || want != req.Password {
			resp := gosocks5.NewUserPassResponse(gosocks5.UserPassVer, gosocks5.Failure)
			if err := resp.Write(conn); err != nil {
				return "", nil, err
			}
			return "", nil, gosocks5.ErrAuthFailure
		}

		resp := gosocks5.NewUserPassResponse(gosocks5.UserPassVer, gosocks5.Succeeded)
		if err := resp.Write(conn); err != nil {
			return "", nil, err
		}
		return req.Username, conn, nil

	case gosocks5.MethodNoAcceptable:
		return "", nil, gosocks5.ErrBadMethod
	default:
		return "", nil, gosocks5.ErrBadFormat
	}
	return "", conn, nil
}
