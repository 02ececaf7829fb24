package ss

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/seamgate/seamgate/logger"
	"github.com/shadowsocks/go-shadowsocks2/core"
	"github.com/shadowsocks/go-shadowsocks2/socks"
)

type options struct {
	timeout time.Duration
	logger  logger.Logger
}

type Option func(opts *options)

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

// Adapter tunnels streams through a shadowsocks server. The wire is the
// AEAD framing of the configured method around a SOCKS-style target
// address followed by payload.
type Adapter struct {
	name    string
	addr    string
	cipher  core.Cipher
	dialer  *net.Dialer
	options options
}

// New builds a shadowsocks outbound. method is an AEAD cipher name such
// as AEAD_CHACHA20_POLY1305 or AEAD_AES_256_GCM.
func New(name, addr, method, password string, opts ...Option) (*Adapter, error) {
	options := options{
		timeout: 15 * time.Second,
		logger:  logger.Default().WithFields(map[string]any{"outbound": name}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	cipher, err := core.PickCipher(method, nil, password)
	if err != nil {
		return nil, fmt.Errorf("ss %s: %w", name, err)
	}

	return &Adapter{
		name:    name,
		addr:    addr,
		cipher:  cipher,
		dialer:  &net.Dialer{Timeout: options.timeout},
		options: options,
	}, nil
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

	target := socks.ParseAddr(address)
	if target == nil {
		return nil, fmt.Errorf("invalid address %s", address)
	}

	conn, err := a.dialer.DialContext(ctx, "tcp", a.addr)
	if err != nil {
		return nil, err
	}

	cc := a.cipher.StreamConn(conn)
	if a.options.timeout > 0 {
		conn.SetDeadline(time.Now().Add(a.options.timeout))
		defer conn.SetDeadline(time.Time{})
	}
	if _, err := cc.Write(target); err != nil {
		conn.Close()
		return nil, err
	}

	a.options.logger.Debugf("tunnel %s via %s established", address, a.addr)
	return cc, nil
}

func (a *Adapter) Close() error {
	return nil
}
