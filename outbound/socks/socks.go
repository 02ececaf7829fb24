package socks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/go-gost/gosocks5"
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

// Adapter tunnels streams through an upstream SOCKS5 proxy.
type Adapter struct {
	name     string
	addr     string
	dialer   *net.Dialer
	selector gosocks5.Selector
	options  options
}

func New(name, addr string, opts ...Option) *Adapter {
	options := options{
		timeout: 15 * time.Second,
		logger:  logger.Default().WithFields(map[string]any{"outbound": name}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	selector := &clientSelector{
		methods: []uint8{gosocks5.MethodNoAuth},
		user:    options.user,
		logger:  options.logger,
	}
	if selector.user != nil {
		selector.methods = append(selector.methods, gosocks5.MethodUserPass)
	}

	return &Adapter{
		name:     name,
		addr:     addr,
		dialer:   &net.Dialer{Timeout: options.timeout},
		selector: selector,
		options:  options,
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

	cc := gosocks5.ClientConn(conn, a.selector)
	if err := cc.Handleshake(); err != nil {
		conn.Close()
		return nil, err
	}

	addr := gosocks5.Addr{}
	if err := addr.ParseFrom(address); err != nil {
		conn.Close()
		return nil, err
	}

	req := gosocks5.NewRequest(gosocks5.CmdConnect, &addr)
	if err := req.Write(cc); err != nil {
		conn.Close()
		return nil, err
	}

	reply, err := gosocks5.ReadReply(cc)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply.Rep != gosocks5.Succeeded {
		conn.Close()
		return nil, errors.New("host unreachable")
	}

	a.options.logger.Debugf("tunnel %s via %s established", address, a.addr)
	return cc, nil
}

func (a *Adapter) Close() error {
	return nil
}
