package trojan

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/seamgate/seamgate/logger"
)

var crlf = []byte{0x0d, 0x0a}

const cmdConnect = 0x01

const (
	addrIPv4   = 0x01
	addrDomain = 0x03
	addrIPv6   = 0x04
)

type options struct {
	serverName string
	insecure   bool
	timeout    time.Duration
	logger     logger.Logger
}

type Option func(opts *options)

// ServerNameOption overrides the SNI sent to the trojan server; the
// default is the host part of the server address.
func ServerNameOption(serverName string) Option {
	return func(opts *options) {
		opts.serverName = serverName
	}
}

func InsecureOption(insecure bool) Option {
	return func(opts *options) {
		opts.insecure = insecure
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

// Adapter tunnels streams through a trojan server. The wire is TLS
// carrying a hex SHA-224 password line and a SOCKS-style target address,
// then raw payload.
type Adapter struct {
	name    string
	addr    string
	hash    []byte
	dialer  *net.Dialer
	tlsCfg  *tls.Config
	options options
}

func New(name, addr, password string, opts ...Option) (*Adapter, error) {
	options := options{
		timeout: 15 * time.Second,
		logger:  logger.Default().WithFields(map[string]any{"outbound": name}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	serverName := options.serverName
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("trojan %s: %w", name, err)
		}
		serverName = host
	}

	sum := sha256.Sum224([]byte(password))
	hash := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(hash, sum[:])

	return &Adapter{
		name:   name,
		addr:   addr,
		hash:   hash,
		dialer: &net.Dialer{Timeout: options.timeout},
		tlsCfg: &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: options.insecure,
		},
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

	header, err := a.header(address)
	if err != nil {
		return nil, err
	}

	conn, err := a.dialer.DialContext(ctx, "tcp", a.addr)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(conn, a.tlsCfg)
	if a.options.timeout > 0 {
		conn.SetDeadline(time.Now().Add(a.options.timeout))
		defer conn.SetDeadline(time.Time{})
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	if _, err := tlsConn.Write(header); err != nil {
		tlsConn.Close()
		return nil, err
	}

	a.options.logger.Debugf("tunnel %s via %s established", address, a.addr)
	return tlsConn, nil
}

// header builds the request prefix: password hash, CRLF, connect command
// with the target address, CRLF.
func (a *Adapter) header(address string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, len(a.hash)+len(host)+16))
	buf.Write(a.hash)
	buf.Write(crlf)
	buf.WriteByte(cmdConnect)

	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			buf.WriteByte(addrIPv4)
			buf.Write(ip4)
		} else {
			buf.WriteByte(addrIPv6)
			buf.Write(ip.To16())
		}
	} else {
		if len(host) > 255 {
			return nil, fmt.Errorf("domain %s too long", host)
		}
		buf.WriteByte(addrDomain)
		buf.WriteByte(byte(len(host)))
		buf.WriteString(host)
	}

	binary.Write(buf, binary.BigEndian, uint16(port))
	buf.Write(crlf)
	return buf.Bytes(), nil
}

func (a *Adapter) Close() error {
	return nil
}
