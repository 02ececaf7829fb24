package service

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/seamgate/seamgate/api"
	"github.com/seamgate/seamgate/engine"
	"github.com/seamgate/seamgate/intercept"
	"github.com/seamgate/seamgate/metrics"
)

type options struct {
	accessLog  bool
	pathPrefix string
	users      map[string]string
	ca         *intercept.CA
	metrics    *metrics.Metrics
}

type Option func(*options)

func PathPrefixOption(pathPrefix string) Option {
	return func(o *options) {
		o.pathPrefix = pathPrefix
	}
}

func AccessLogOption(enable bool) Option {
	return func(o *options) {
		o.accessLog = enable
	}
}

func UsersOption(users map[string]string) Option {
	return func(o *options) {
		o.users = users
	}
}

func CAOption(ca *intercept.CA) Option {
	return func(o *options) {
		o.ca = ca
	}
}

func MetricsOption(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

type Server struct {
	s  *http.Server
	ln net.Listener
}

// NewService builds the HTTP control surface around an engine and
// starts listening. Serve must be called to accept.
func NewService(network, addr string, e *engine.Engine, opts ...Option) (*Server, error) {
	if network == "" {
		network = "tcp"
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}

	var options options
	for _, opt := range opts {
		opt(&options)
	}

	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	api.Register(r, &api.Options{
		AccessLog:  options.accessLog,
		PathPrefix: options.pathPrefix,
		Users:      options.users,
		Engine:     e,
		CA:         options.ca,
		Metrics:    options.metrics,
	})

	return &Server{
		s: &http.Server{
			Handler: r,
		},
		ln: ln,
	}, nil
}

func (s *Server) Serve() error {
	return s.s.Serve(s.ln)
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) Close() error {
	return s.s.Close()
}
