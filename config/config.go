package config

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	v = viper.GetViper()
)

func init() {
	v.SetConfigName("seamgate")
	v.AddConfigPath("/etc/seamgate/")
	v.AddConfigPath("$HOME/.seamgate/")
	v.AddConfigPath(".")
}

var (
	global    = &Config{}
	globalMux sync.RWMutex
)

func Global() *Config {
	globalMux.RLock()
	defer globalMux.RUnlock()

	cfg := &Config{}
	*cfg = *global
	return cfg
}

func Set(c *Config) {
	globalMux.Lock()
	defer globalMux.Unlock()

	global = c
}

type LogConfig struct {
	Output   string             `yaml:",omitempty" json:"output,omitempty"`
	Level    string             `yaml:",omitempty" json:"level,omitempty"`
	Format   string             `yaml:",omitempty" json:"format,omitempty"`
	Rotation *LogRotationConfig `yaml:",omitempty" json:"rotation,omitempty"`
}

type LogRotationConfig struct {
	// MaxSize is the maximum size in megabytes of the log file before it
	// gets rotated.
	MaxSize int `yaml:"maxSize,omitempty" json:"maxSize,omitempty"`
	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `yaml:"maxAge,omitempty" json:"maxAge,omitempty"`
	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int  `yaml:"maxBackups,omitempty" json:"maxBackups,omitempty"`
	LocalTime  bool `yaml:"localTime,omitempty" json:"localTime,omitempty"`
	Compress   bool `yaml:",omitempty" json:"compress,omitempty"`
}

type AuthConfig struct {
	Username string `json:"username"`
	Password string `yaml:",omitempty" json:"password,omitempty"`
}

type APIConfig struct {
	Addr       string      `json:"addr"`
	PathPrefix string      `yaml:"pathPrefix,omitempty" json:"pathPrefix,omitempty"`
	AccessLog  bool        `yaml:"accesslog,omitempty" json:"accesslog,omitempty"`
	Auth       *AuthConfig `yaml:",omitempty" json:"auth,omitempty"`
}

type MetricsConfig struct {
	// Enabled mounts the scrape endpoint on the API server.
	Enabled bool `json:"enabled"`
}

type ResolverConfig struct {
	Nameserver string        `json:"nameserver"`
	Timeout    time.Duration `yaml:",omitempty" json:"timeout,omitempty"`
	TTL        time.Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
}

type InboundConfig struct {
	Name string `json:"name"`
	// Type is one of http, socks5, redirect.
	Type string      `json:"type"`
	Addr string      `json:"addr"`
	Auth *AuthConfig `yaml:",omitempty" json:"auth,omitempty"`
}

type OutboundConfig struct {
	Name string `json:"name"`
	// Type is one of http, socks5, ss, trojan, wireguard, group.
	Type    string           `json:"type"`
	Addr    string           `yaml:",omitempty" json:"addr,omitempty"`
	Auth    *AuthConfig      `yaml:",omitempty" json:"auth,omitempty"`
	Timeout time.Duration    `yaml:",omitempty" json:"timeout,omitempty"`
	SS      *SSConfig        `yaml:"ss,omitempty" json:"ss,omitempty"`
	Trojan  *TrojanConfig    `yaml:",omitempty" json:"trojan,omitempty"`
	WG      *WireGuardConfig `yaml:"wg,omitempty" json:"wg,omitempty"`
	Group   *GroupConfig     `yaml:",omitempty" json:"group,omitempty"`
}

type SSConfig struct {
	Method   string `json:"method"`
	Password string `json:"password"`
}

type TrojanConfig struct {
	Password   string `json:"password"`
	ServerName string `yaml:"serverName,omitempty" json:"serverName,omitempty"`
	Insecure   bool   `yaml:",omitempty" json:"insecure,omitempty"`
}

type WireGuardConfig struct {
	PrivateKey    string   `yaml:"privateKey" json:"privateKey"`
	PeerPublicKey string   `yaml:"peerPublicKey" json:"peerPublicKey"`
	PresharedKey  string   `yaml:"presharedKey,omitempty" json:"presharedKey,omitempty"`
	Endpoint      string   `json:"endpoint"`
	Addresses     []string `json:"addresses"`
	DNS           []string `yaml:"dns,omitempty" json:"dns,omitempty"`
	MTU           int      `yaml:"mtu,omitempty" json:"mtu,omitempty"`
	Keepalive     int      `yaml:",omitempty" json:"keepalive,omitempty"`
}

type GroupConfig struct {
	// Members are tried in order until one connects.
	Members    []string      `json:"members"`
	TryTimeout time.Duration `yaml:"tryTimeout,omitempty" json:"tryTimeout,omitempty"`
}

type RulesConfig struct {
	// File points at a rule list, one rule per line.
	File string `yaml:",omitempty" json:"file,omitempty"`
	// Lines inlines the rule list; it wins over File when both are set.
	Lines []string `yaml:",omitempty" json:"lines,omitempty"`
}

type MITMConfig struct {
	// CertFile and KeyFile hold the signing root. When unset a
	// throwaway root is generated at startup.
	CertFile   string `yaml:"certFile,omitempty" json:"certFile,omitempty"`
	KeyFile    string `yaml:"keyFile,omitempty" json:"keyFile,omitempty"`
	CommonName string `yaml:"commonName,omitempty" json:"commonName,omitempty"`
	// Policy decides unparsable TLS flows: failopen or failclosed.
	Policy           string        `json:"policy"`
	Bypass           []string      `yaml:",omitempty" json:"bypass,omitempty"`
	InsecureUpstream bool          `yaml:"insecureUpstream,omitempty" json:"insecureUpstream,omitempty"`
	ReadTimeout      time.Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	Validity         time.Duration `yaml:",omitempty" json:"validity,omitempty"`
	Hooks            []*HookConfig `yaml:",omitempty" json:"hooks,omitempty"`
}

type HookConfig struct {
	// Type is one of block, redirect, header.
	Type        string            `json:"type"`
	Pattern     string            `json:"pattern"`
	Location    string            `yaml:",omitempty" json:"location,omitempty"`
	SetRequest  map[string]string `yaml:"setRequest,omitempty" json:"setRequest,omitempty"`
	DelRequest  []string          `yaml:"delRequest,omitempty" json:"delRequest,omitempty"`
	SetResponse map[string]string `yaml:"setResponse,omitempty" json:"setResponse,omitempty"`
	DelResponse []string          `yaml:"delResponse,omitempty" json:"delResponse,omitempty"`
}

type AuditConfig struct {
	File  *FileSinkConfig  `yaml:",omitempty" json:"file,omitempty"`
	TCP   *TCPSinkConfig   `yaml:"tcp,omitempty" json:"tcp,omitempty"`
	HTTP  *HTTPSinkConfig  `yaml:"http,omitempty" json:"http,omitempty"`
	Redis *RedisSinkConfig `yaml:",omitempty" json:"redis,omitempty"`
	// ClosedTTL is how long finished flows stay queryable.
	ClosedTTL time.Duration `yaml:"closedTTL,omitempty" json:"closedTTL,omitempty"`
}

type FileSinkConfig struct {
	Path       string `json:"path"`
	MaxSize    int    `yaml:"maxSize,omitempty" json:"maxSize,omitempty"`
	MaxBackups int    `yaml:"maxBackups,omitempty" json:"maxBackups,omitempty"`
}

type TCPSinkConfig struct {
	Addr    string        `json:"addr"`
	Timeout time.Duration `yaml:",omitempty" json:"timeout,omitempty"`
}

type HTTPSinkConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Timeout time.Duration `yaml:",omitempty" json:"timeout,omitempty"`
}

type RedisSinkConfig struct {
	Addr     string `json:"addr"`
	DB       int    `yaml:",omitempty" json:"db,omitempty"`
	Password string `yaml:",omitempty" json:"password,omitempty"`
	Key      string `yaml:",omitempty" json:"key,omitempty"`
}

type EngineConfig struct {
	ConnectTimeout time.Duration `yaml:"connectTimeout,omitempty" json:"connectTimeout,omitempty"`
	IdleTimeout    time.Duration `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
	ProcessLookup  bool          `yaml:"processLookup,omitempty" json:"processLookup,omitempty"`
}

type Config struct {
	Inbounds  []*InboundConfig  `json:"inbounds"`
	Outbounds []*OutboundConfig `yaml:",omitempty" json:"outbounds,omitempty"`
	Rules     *RulesConfig      `json:"rules"`
	MITM      *MITMConfig       `yaml:"mitm,omitempty" json:"mitm,omitempty"`
	Audit     *AuditConfig      `yaml:",omitempty" json:"audit,omitempty"`
	Resolver  *ResolverConfig   `yaml:",omitempty" json:"resolver,omitempty"`
	Engine    *EngineConfig     `yaml:",omitempty" json:"engine,omitempty"`
	Log       *LogConfig        `yaml:",omitempty" json:"log,omitempty"`
	API       *APIConfig        `yaml:",omitempty" json:"api,omitempty"`
	Metrics   *MetricsConfig    `yaml:",omitempty" json:"metrics,omitempty"`
}

func (c *Config) Load() error {
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	return v.Unmarshal(c)
}

func (c *Config) Read(r io.Reader) error {
	if err := v.ReadConfig(r); err != nil {
		return err
	}

	return v.Unmarshal(c)
}

func (c *Config) ReadFile(file string) error {
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	return v.Unmarshal(c)
}

func (c *Config) Write(w io.Writer, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(c)
		return nil
	case "yaml":
		fallthrough
	default:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		enc.SetIndent(2)

		return enc.Encode(c)
	}
}
