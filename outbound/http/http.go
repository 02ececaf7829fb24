package http

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/seamgate/seamgate/internal/netutil"
	"github.com/seamgate/seamgate/logger"
)

type options struct {
	user    *url.Userinfo
	timeout time.Duration
	logger  logger.Logger
}

type Option func(opts *options)

func UserOption(user *url.Userinfo) Option {
	return func(opts *options) {
		opts.user = user
	}
}

func TimeoutOption(timeout time.Duration) Option {
	return func(opts *options) {
		opts.timeout = timeout
	}
}

func LoggerOption(logger logger.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Adapter tunnels streams through an upstream HTTP proxy with CONNECT.
type Adapter struct {
	name    string
	addr    string
	dialer  *net.Dialer
	options options
}

func New(name, addr string, opts ...Option) *Adapter {
	options := options{
		timeout: 15 * time.Second,
		logger:  logger.Default().WithFields(map[string]any{"outbound": name}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Adapter{
		name:    name,
		addr:    addr,
		dialer:  &net.Dialer{Timeout: options.timeout},
		options: options,
	}
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) Connect(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("network %s is unsupported", network)
	}

	conn, err := a.dialer.DialContext(ctx, "tcp", a.addr)
	if err != nil {
		return nil, err
	}

	if a.options.timeout > 0 {
		conn.SetDeadline(time.Now().Add(a.options.timeout))
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Host: address},
		Host:       address,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
	}
	req.Header.Set("Proxy-Connection", "keep-alive")

	if user := a.options.user; user != nil {
		u := user.Username()
		p, _ := user.Password()
		req.Header.Set("Proxy-Authorization",
			"Basic "+base64.StdEncoding.EncodeToString([]byte(u+":"+p)))
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("connect %s: %s", address, resp.Status)
	}

	a.options.logger.Debugf("tunnel %s via %s established", address, a.addr)

	if br.Buffered() > 0 {
		return netutil.NewBufferReaderConn(conn, br), nil
	}
	return conn, nil
}

func (a *Adapter) Close() error {
	return nil
}
