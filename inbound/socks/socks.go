package socks

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/go-gost/gosocks5"
	"github.com/seamgate/seamgate/inbound"
	"github.com/seamgate/seamgate/logger"
)

var ErrUnknownCmd = errors.New("socks5: unknown command")

type options struct {
	users  map[string]string
	logger logger.Logger
}

type Option func(opts *options)

// UsersOption enables username/password authentication with the given
// pairs.
func UsersOption(users map[string]string) Option {
	return func(opts *options) {
		opts.users = users
	}
}

func LoggerOption(logger logger.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Server accepts SOCKS5 CONNECT requests.
type Server struct {
	addr     string
	selector gosocks5.Selector
	options  options

	mu sync.Mutex
	ln net.Listener
}

func NewServer(addr string, opts ...Option) *Server {
	options := options{
		logger: logger.Default().WithFields(map[string]any{"inbound": "socks5"}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Server{
		addr: addr,
		selector: &serverSelector{
			users:  options.users,
			logger: options.logger,
		},
		options: options,
	}
}

func (s *Server) ListenAndServe(ctx context.Context, handler inbound.Handler) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.options.logger.Infof("listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn, handler)
	}
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, handler inbound.Handler) {
	log := s.options.logger.WithFields(map[string]any{
		"remote": conn.RemoteAddr().String(),
	})

	cc := gosocks5.ServerConn(conn, s.selector)
	req, err := gosocks5.ReadRequest(cc)
	if err != nil {
		log.Debugf("read request: %v", err)
		conn.Close()
		return
	}

	if req.Cmd != gosocks5.CmdConnect {
		log.Debugf("cmd %d is unsupported", req.Cmd)
		gosocks5.NewReply(gosocks5.CmdUnsupported, nil).Write(cc)
		conn.Close()
		return
	}

	var ackOnce sync.Once
	handler.Serve(ctx, &inbound.Request{
		Conn:    cc,
		Network: "tcp",
		Address: req.Addr.String(),
		Inbound: "socks5",
		Ack: func(err error) error {
			var werr error
			ackOnce.Do(func() {
				rep := uint8(gosocks5.Succeeded)
				if err != nil {
					rep = gosocks5.NetUnreachable
				}
				werr = gosocks5.NewReply(rep, nil).Write(cc)
			})
			return werr
		},
	})
}
