package http

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"

	"github.com/seamgate/seamgate/inbound"
	"github.com/seamgate/seamgate/internal/netutil"
	"github.com/seamgate/seamgate/logger"
)

type options struct {
	users  map[string]string
	logger logger.Logger
}

type Option func(opts *options)

// UsersOption enables proxy authentication with the given
// username/password pairs.
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

// Server accepts HTTP CONNECT tunnels.
type Server struct {
	addr    string
	options options

	mu sync.Mutex
	ln net.Listener
}

func NewServer(addr string, opts ...Option) *Server {
	options := options{
		logger: logger.Default().WithFields(map[string]any{"inbound": "http"}),
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
	log := s.options.logger.WithFields(map[string]any{
		"remote": conn.RemoteAddr().String(),
	})

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		log.Debugf("read request: %v", err)
		conn.Close()
		return
	}
	if log.IsLevelEnabled(logger.TraceLevel) {
		dump, _ := httputil.DumpRequest(req, false)
		log.Trace(string(dump))
	}

	if !s.authenticate(req) {
		resp := &http.Response{
			StatusCode: http.StatusProxyAuthRequired,
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     http.Header{"Proxy-Authenticate": []string{`Basic realm="proxy"`}},
		}
		resp.Write(conn)
		conn.Close()
		return
	}

	if req.Method != http.MethodConnect {
		resp := &http.Response{
			StatusCode: http.StatusMethodNotAllowed,
			ProtoMajor: 1,
			ProtoMinor: 1,
		}
		resp.Write(conn)
		conn.Close()
		return
	}

	address := req.Host
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(strings.Trim(address, "[]"), "80")
	}

	cc := net.Conn(conn)
	if br.Buffered() > 0 {
		cc = netutil.NewBufferReaderConn(conn, br)
	}

	var ackOnce sync.Once
	handler.Serve(ctx, &inbound.Request{
		Conn:    cc,
		Network: "tcp",
		Address: address,
		Inbound: "http",
		Ack: func(err error) error {
			var werr error
			ackOnce.Do(func() {
				status := http.StatusOK
				text := "Connection established"
				if err != nil {
					status = http.StatusBadGateway
					text = http.StatusText(status)
				}
				_, werr = cc.Write([]byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n\r\n", status, text)))
			})
			return werr
		},
	})
}

func (s *Server) authenticate(req *http.Request) bool {
	if len(s.options.users) == 0 {
		return true
	}

	auth := req.Header.Get("Proxy-Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return false
	}
	want, ok := s.options.users[user]
	return ok && want == pass
}
