package redirect

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/seamgate/seamgate/inbound"
	"github.com/seamgate/seamgate/logger"
)

type options struct {
	logger logger.Logger
}

type Option func(opts *options)

func LoggerOption(logger logger.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Server accepts transparently redirected TCP flows (iptables REDIRECT
// or TPROXY-less setups) and recovers the original destination from the
// socket.
type Server struct {
	addr    string
	options options

	mu sync.Mutex
	ln net.Listener
}

func NewServer(addr string, opts ...Option) *Server {
	options := options{
		logger: logger.Default().WithFields(map[string]any{"inbound": "redirect"}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Server{
		addr:    addr,
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
	dst, err := originalDstAddr(conn)
	if err != nil {
		s.options.logger.Warnf("original dst of %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	handler.Serve(ctx, &inbound.Request{
		Conn:    conn,
		Network: "tcp",
		Address: dst.String(),
		Inbound: "redirect",
		// the client already believes it is talking to the original
		// destination, nothing to acknowledge
		Ack: func(error) error { return nil },
	})
}
