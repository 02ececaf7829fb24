package intercept

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	dissector "github.com/go-gost/tls-dissector"
	"github.com/seamgate/seamgate/internal/netutil"
	"github.com/seamgate/seamgate/logger"
	"github.com/seamgate/seamgate/relay"
)

// Policy decides what happens to TLS flows whose ClientHello cannot be
// parsed. There is no default: the operator must choose.
type Policy int

const (
	PolicyUnset Policy = iota
	// PolicyFailOpen splices unparsable flows through unmodified.
	PolicyFailOpen
	// PolicyFailClosed drops unparsable flows.
	PolicyFailClosed
)

var (
	ErrUnparsable  = errors.New("intercept: unparsable client hello")
	ErrPolicyUnset = errors.New("intercept: unparsable-traffic policy not set")
)

// DialFunc opens the upstream stream for an intercepted flow. The engine
// supplies a dialer that routes the nested flow through the rule engine
// again, so inner connections get their own sessions and audit records.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Exchange is one intercepted HTTP request/response pair.
type Exchange struct {
	Host    string
	Method  string
	URL     string
	Proto   string
	Status  int
	Blocked bool
}

type options struct {
	hooks            Chain
	bypass           func(serverName string) bool
	insecureUpstream bool
	readTimeout      time.Duration
	onExchange       func(ctx context.Context, ex *Exchange)
	logger           logger.Logger
}

type Option func(opts *options)

// HooksOption installs the modification hook chain.
func HooksOption(hooks ...Hook) Option {
	return func(opts *options) {
		opts.hooks = Chain(hooks)
	}
}

// BypassOption exempts server names from termination; exempt flows are
// spliced through with their original TLS intact.
func BypassOption(bypass func(serverName string) bool) Option {
	return func(opts *options) {
		opts.bypass = bypass
	}
}

// InsecureUpstreamOption skips verification of the upstream certificate.
func InsecureUpstreamOption(insecure bool) Option {
	return func(opts *options) {
		opts.insecureUpstream = insecure
	}
}

func ReadTimeoutOption(timeout time.Duration) Option {
	return func(opts *options) {
		opts.readTimeout = timeout
	}
}

// OnExchangeOption observes every intercepted request/response pair.
func OnExchangeOption(f func(ctx context.Context, ex *Exchange)) Option {
	return func(opts *options) {
		opts.onExchange = f
	}
}

func LoggerOption(logger logger.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Interceptor terminates TLS on both sides of a flow, relays the inner
// HTTP traffic through the hook chain, and re-encrypts toward the
// upstream with mirrored ALPN.
type Interceptor struct {
	ca      *CA
	dial    DialFunc
	policy  Policy
	options options
}

func New(ca *CA, dial DialFunc, policy Policy, opts ...Option) (*Interceptor, error) {
	options := options{
		readTimeout: 30 * time.Second,
		logger:      logger.Default().WithFields(map[string]any{"kind": "intercept"}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	if ca == nil {
		return nil, ErrNoCA
	}
	if dial == nil {
		return nil, errors.New("intercept: nil dialer")
	}
	switch policy {
	case PolicyFailOpen, PolicyFailClosed:
	default:
		return nil, ErrPolicyUnset
	}

	return &Interceptor{
		ca:      ca,
		dial:    dial,
		policy:  policy,
		options: options,
	}, nil
}

type handleOptions struct {
	relayOpts []relay.Option
}

type HandleOption func(opts *handleOptions)

// RelayOptions forwards relay options (counters, idle timeout) to any
// passthrough splice the handler falls back to.
func RelayOptions(opts ...relay.Option) HandleOption {
	return func(ho *handleOptions) {
		ho.relayOpts = opts
	}
}

// HandleTLS consumes a flow whose first bytes are a TLS ClientHello.
// address is the original destination (host:port) used when the hello
// carries no SNI and as the upstream dial target.
func (i *Interceptor) HandleTLS(ctx context.Context, conn net.Conn, address string, opts ...HandleOption) error {
	var ho handleOptions
	for _, opt := range opts {
		opt(&ho)
	}

	buf := new(bytes.Buffer)
	if i.options.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(i.options.readTimeout))
	}
	clientHello, err := dissector.ParseClientHello(io.TeeReader(conn, buf))
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		switch i.policy {
		case PolicyFailOpen:
			i.options.logger.Debugf("%s: unparsable hello, splicing through", address)
			return i.splice(ctx, conn, buf, address, &ho)
		default:
			return fmt.Errorf("%w: %v", ErrUnparsable, err)
		}
	}

	serverName := clientHello.ServerName
	target := address
	if serverName != "" {
		_, port, err := net.SplitHostPort(address)
		if err != nil || port == "" {
			port = "443"
		}
		target = net.JoinHostPort(serverName, port)
	}

	if i.options.bypass != nil && serverName != "" && i.options.bypass(serverName) {
		i.options.logger.Debugf("%s: exempt from termination", serverName)
		return i.splice(ctx, conn, buf, target, &ho)
	}

	// a flow that only speaks non-HTTP protocols over TLS falls under
	// the same policy switch as an unparsable hello
	if !terminable(clientHello.SupportedProtos) {
		switch i.policy {
		case PolicyFailOpen:
			i.options.logger.Debugf("%s: non-http alpn %v, splicing through", target, clientHello.SupportedProtos)
			return i.splice(ctx, conn, buf, target, &ho)
		default:
			return fmt.Errorf("%w: non-http alpn %v", ErrUnparsable, clientHello.SupportedProtos)
		}
	}

	return i.terminate(ctx, netutil.NewReadWriteConn(io.MultiReader(buf, conn), conn, conn), clientHello, target)
}

// terminable reports whether the advertised protocols are ones the
// interceptor can speak after termination. An absent ALPN extension
// implies plain HTTP/1.1 over TLS.
func terminable(protos []string) bool {
	if len(protos) == 0 {
		return true
	}
	for _, p := range protos {
		if p == "h2" || p == "http/1.1" {
			return true
		}
	}
	return false
}

// splice forwards the flow unmodified, replaying the consumed hello
// bytes toward the upstream first.
func (i *Interceptor) splice(ctx context.Context, conn net.Conn, buf *bytes.Buffer, address string, ho *handleOptions) error {
	cc, err := i.dial(ctx, "tcp", address)
	if err != nil {
		return err
	}
	defer cc.Close()

	if buf.Len() > 0 {
		if _, err := buf.WriteTo(cc); err != nil {
			return err
		}
	}
	return relay.Relay(ctx, conn, cc, ho.relayOpts...)
}

// terminate performs the double handshake: TLS client toward the
// upstream first so the client-facing handshake can mirror the
// negotiated protocol, then TLS server toward the client with a minted
// leaf.
func (i *Interceptor) terminate(ctx context.Context, conn net.Conn, clientHello *dissector.ClientHelloInfo, target string) error {
	cc, err := i.dial(ctx, "tcp", target)
	if err != nil {
		return err
	}
	defer cc.Close()

	serverName := clientHello.ServerName
	host := serverName
	if host == "" {
		host, _, _ = net.SplitHostPort(target)
	}

	clientCfg := &tls.Config{
		ServerName:         serverName,
		NextProtos:         clientHello.SupportedProtos,
		InsecureSkipVerify: i.options.insecureUpstream,
	}
	if clientCfg.ServerName == "" {
		clientCfg.InsecureSkipVerify = true
	}
	clientConn := tls.Client(cc, clientCfg)
	if err := clientConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("upstream handshake %s: %w", target, err)
	}

	negotiated := clientConn.ConnectionState().NegotiatedProtocol

	var nextProtos []string
	if negotiated != "" {
		nextProtos = []string{negotiated}
	}
	serverConn := tls.Server(conn, &tls.Config{
		NextProtos: nextProtos,
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := chi.ServerName
			if name == "" {
				name = host
			}
			return i.ca.GetCertificate(name)
		},
	})
	if err := serverConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("client handshake %s: %w", host, err)
	}

	i.options.logger.Debugf("%s: terminated, alpn %q", host, negotiated)

	if negotiated == "h2" {
		return i.serveH2(ctx, serverConn, clientConn, target, host)
	}
	return i.serveHTTP1(ctx, serverConn, clientConn, target, host)
}

// dialTLS opens a fresh upstream through the nested dialer and
// terminates TLS on it. Inner requests steered at a host other than
// the one the connection was opened for go through here, so they
// re-enter the routing rules under their own session.
func (i *Interceptor) dialTLS(ctx context.Context, hostport string, protos []string) (*tls.Conn, error) {
	raw, err := i.dial(ctx, "tcp", hostport)
	if err != nil {
		return nil, err
	}
	serverName, _, _ := net.SplitHostPort(hostport)
	cc := tls.Client(raw, &tls.Config{
		ServerName:         serverName,
		NextProtos:         protos,
		InsecureSkipVerify: i.options.insecureUpstream,
	})
	if err := cc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("upstream handshake %s: %w", hostport, err)
	}
	return cc, nil
}
