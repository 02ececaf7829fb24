package wg

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/seamgate/seamgate/logger"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"
)

// Config describes one userspace WireGuard tunnel. Keys are base64 as in
// standard wg configuration files. The tunnel handshake and key rotation
// run inside the wireguard-go device; flows only see ordinary streams.
type Config struct {
	PrivateKey    string
	PeerPublicKey string
	PresharedKey  string
	Endpoint      string
	Addresses     []string
	DNS           []string
	MTU           int
	Keepalive     int
}

type options struct {
	logger logger.Logger
}

type Option func(opts *options)

func LoggerOption(logger logger.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Adapter dials destinations through a userspace WireGuard tunnel
// backed by a netstack TUN. The device is created lazily on first
// connect and shared by all flows.
type Adapter struct {
	name    string
	cfg     Config
	options options

	mu   sync.Mutex
	dev  *device.Device
	tnet *netstack.Net
}

func New(name string, cfg Config, opts ...Option) (*Adapter, error) {
	options := options{
		logger: logger.Default().WithFields(map[string]any{"outbound": name}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	if cfg.PrivateKey == "" || cfg.PeerPublicKey == "" || cfg.Endpoint == "" {
		return nil, fmt.Errorf("wg %s: private key, peer public key and endpoint are required", name)
	}
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("wg %s: no tunnel address", name)
	}
	if cfg.MTU <= 0 {
		cfg.MTU = 1420
	}

	return &Adapter{
		name:    name,
		cfg:     cfg,
		options: options,
	}, nil
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) Connect(ctx context.Context, network, address string) (net.Conn, error) {
	tnet, err := a.net()
	if err != nil {
		return nil, err
	}
	return tnet.DialContext(ctx, network, address)
}

func (a *Adapter) net() (*netstack.Net, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tnet != nil {
		return a.tnet, nil
	}

	local, err := parseAddrs(a.cfg.Addresses)
	if err != nil {
		return nil, err
	}
	dns, err := parseAddrs(a.cfg.DNS)
	if err != nil {
		return nil, err
	}

	tun, tnet, err := netstack.CreateNetTUN(local, dns, a.cfg.MTU)
	if err != nil {
		return nil, err
	}

	dev := device.NewDevice(tun, conn.NewDefaultBind(), device.NewLogger(device.LogLevelError, fmt.Sprintf("wg(%s) ", a.name)))

	ipc, err := a.ipcConfig()
	if err != nil {
		dev.Close()
		return nil, err
	}
	if err := dev.IpcSet(ipc); err != nil {
		dev.Close()
		return nil, err
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, err
	}

	a.options.logger.Infof("tunnel to %s up", a.cfg.Endpoint)
	a.dev = dev
	a.tnet = tnet
	return tnet, nil
}

// ipcConfig renders the UAPI configuration the device consumes. UAPI
// wants hex keys while wg config files carry base64.
func (a *Adapter) ipcConfig() (string, error) {
	privateKey, err := keyToHex(a.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("private key: %w", err)
	}
	publicKey, err := keyToHex(a.cfg.PeerPublicKey)
	if err != nil {
		return "", fmt.Errorf("peer public key: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", privateKey)
	fmt.Fprintf(&b, "public_key=%s\n", publicKey)
	fmt.Fprintf(&b, "endpoint=%s\n", a.cfg.Endpoint)
	b.WriteString("allowed_ip=0.0.0.0/0\n")
	b.WriteString("allowed_ip=::/0\n")
	if a.cfg.PresharedKey != "" {
		psk, err := keyToHex(a.cfg.PresharedKey)
		if err != nil {
			return "", fmt.Errorf("preshared key: %w", err)
		}
		fmt.Fprintf(&b, "preshared_key=%s\n", psk)
	}
	if a.cfg.Keepalive > 0 {
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", a.cfg.Keepalive)
	}
	return b.String(), nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev != nil {
		a.dev.Close()
		a.dev = nil
		a.tnet = nil
	}
	return nil
}

func parseAddrs(list []string) ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if i := strings.IndexByte(s, '/'); i >= 0 {
			s = s[:i]
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func keyToHex(key string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		// already hex
		if _, herr := hex.DecodeString(key); herr == nil && len(key) == 64 {
			return key, nil
		}
		return "", err
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("bad key length %d", len(raw))
	}
	return hex.EncodeToString(raw), nil
}
