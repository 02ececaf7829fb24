package direct

import (
	"context"
	"net"
	"time"

	"github.com/seamgate/seamgate/logger"
	"github.com/seamgate/seamgate/resolver"
)

type options struct {
	timeout  time.Duration
	resolver *resolver.Resolver
	logger   logger.Logger
}

type Option func(opts *options)

func TimeoutOption(timeout time.Duration) Option {
	return func(opts *options) {
		opts.timeout = timeout
	}
}

// ResolverOption resolves domain destinations locally before dialing and
// tries each answer in order.
func ResolverOption(r *resolver.Resolver) Option {
	return func(opts *options) {
		opts.resolver = r
	}
}

func LoggerOption(logger logger.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Adapter dials the destination on the local network stack.
type Adapter struct {
	name    string
	dialer  *net.Dialer
	options options
}

func New(name string, opts ...Option) *Adapter {
	options := options{
		timeout: 15 * time.Second,
		logger:  logger.Default().WithFields(map[string]any{"outbound": name}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Adapter{
		name:    name,
		dialer:  &net.Dialer{Timeout: options.timeout},
		options: options,
	}
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) Connect(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	if a.options.resolver == nil || net.ParseIP(host) != nil {
		return a.dialer.DialContext(ctx, network, address)
	}

	ips, err := a.options.resolver.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		conn, err := a.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		a.options.logger.Debugf("dial %s (%s): %v", address, ip, err)
	}
	// all resolved addresses failed, let the OS resolver have a go
	return a.dialer.DialContext(ctx, network, address)
}

func (a *Adapter) Close() error {
	return nil
}
