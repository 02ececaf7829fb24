package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"
	"github.com/seamgate/seamgate/logger"
)

var ErrNoAnswer = errors.New("resolver: no answer")

type options struct {
	timeout time.Duration
	ttl     time.Duration
	logger  logger.Logger
}

type Option func(opts *options)

func TimeoutOption(timeout time.Duration) Option {
	return func(opts *options) {
		opts.timeout = timeout
	}
}

// TTLOption caps how long answers are cached regardless of record TTL.
func TTLOption(ttl time.Duration) Option {
	return func(opts *options) {
		opts.ttl = ttl
	}
}

func LoggerOption(logger logger.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Resolver answers A/AAAA questions against a fixed upstream with a
// positive answer cache.
type Resolver struct {
	server  string
	client  *dns.Client
	cache   *cache.Cache
	options options
}

// New builds a resolver for the given upstream, e.g. "1.1.1.1:53". An
// upstream without a port gets :53.
func New(server string, opts ...Option) *Resolver {
	options := options{
		timeout: 5 * time.Second,
		ttl:     time.Minute,
		logger:  logger.Default().WithFields(map[string]any{"kind": "resolver"}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	return &Resolver{
		server: server,
		client: &dns.Client{
			Net:     "udp",
			Timeout: options.timeout,
		},
		cache:   cache.New(options.ttl, 10*time.Minute),
		options: options,
	}
}

// Resolve returns the addresses for host, IPv4 answers first. A literal
// IP resolves to itself.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	if v, ok := r.cache.Get(host); ok {
		return v.([]net.IP), nil
	}

	start := time.Now()
	ips, err := r.exchange(ctx, host)
	if err != nil {
		return nil, err
	}
	r.options.logger.Debugf("resolve %s: %v (%v)", host, ips, time.Since(start))

	r.cache.SetDefault(host, ips)
	return ips, nil
}

func (r *Resolver) exchange(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := &dns.Msg{}
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		reply, _, err := r.client.ExchangeContext(ctx, m, r.server)
		if err != nil {
			if len(ips) > 0 {
				break
			}
			return nil, err
		}
		for _, rr := range reply.Answer {
			switch a := rr.(type) {
			case *dns.A:
				ips = append(ips, a.A)
			case *dns.AAAA:
				ips = append(ips, a.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAnswer, host)
	}
	return ips, nil
}
