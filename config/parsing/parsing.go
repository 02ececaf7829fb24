package parsing

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/seamgate/seamgate/audit"
	"github.com/seamgate/seamgate/config"
	"github.com/seamgate/seamgate/inbound"
	inbound_http "github.com/seamgate/seamgate/inbound/http"
	inbound_redirect "github.com/seamgate/seamgate/inbound/redirect"
	inbound_socks "github.com/seamgate/seamgate/inbound/socks"
	"github.com/seamgate/seamgate/intercept"
	"github.com/seamgate/seamgate/logger"
	"github.com/seamgate/seamgate/outbound"
	"github.com/seamgate/seamgate/outbound/direct"
	"github.com/seamgate/seamgate/outbound/group"
	outbound_http "github.com/seamgate/seamgate/outbound/http"
	outbound_socks "github.com/seamgate/seamgate/outbound/socks"
	"github.com/seamgate/seamgate/outbound/ss"
	"github.com/seamgate/seamgate/outbound/trojan"
	"github.com/seamgate/seamgate/outbound/wg"
	"github.com/seamgate/seamgate/resolver"
	"github.com/seamgate/seamgate/rules"
	"gopkg.in/natefinch/lumberjack.v2"
)

func ParseLogger(cfg *config.LogConfig) logger.Logger {
	if cfg == nil {
		cfg = &config.LogConfig{}
	}
	opts := []logger.Option{
		logger.FormatOption(logger.LogFormat(cfg.Format)),
		logger.LevelOption(logger.LogLevel(cfg.Level)),
	}

	var out io.Writer = os.Stderr
	switch cfg.Output {
	case "none", "null":
		return logger.Nop()
	case "stdout":
		out = os.Stdout
	case "stderr", "":
		out = os.Stderr
	default:
		if cfg.Rotation != nil {
			out = &lumberjack.Logger{
				Filename:   cfg.Output,
				MaxSize:    cfg.Rotation.MaxSize,
				MaxAge:     cfg.Rotation.MaxAge,
				MaxBackups: cfg.Rotation.MaxBackups,
				LocalTime:  cfg.Rotation.LocalTime,
				Compress:   cfg.Rotation.Compress,
			}
		} else {
			os.MkdirAll(filepath.Dir(cfg.Output), 0755)
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				logger.Default().Warnf("log output: %v", err)
			} else {
				out = f
			}
		}
	}
	opts = append(opts, logger.OutputOption(out))

	return logger.NewLogger(opts...)
}

func ParseResolver(cfg *config.ResolverConfig) *resolver.Resolver {
	if cfg == nil || cfg.Nameserver == "" {
		return nil
	}
	var opts []resolver.Option
	if cfg.Timeout > 0 {
		opts = append(opts, resolver.TimeoutOption(cfg.Timeout))
	}
	if cfg.TTL > 0 {
		opts = append(opts, resolver.TTLOption(cfg.TTL))
	}
	return resolver.New(cfg.Nameserver, opts...)
}

// ParseRules compiles the rule list from the inline lines or the
// referenced file.
func ParseRules(cfg *config.RulesConfig) (*rules.RuleSet, error) {
	if cfg == nil {
		return nil, rules.ErrNoFinalRule
	}

	lines := cfg.Lines
	if len(lines) == 0 && cfg.File != "" {
		data, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		lines = strings.Split(string(data), "\n")
	}
	return rules.ParseRuleSet(lines)
}

// ParsePool builds the outbound pool. Groups are resolved in a second
// pass so members can be declared in any order.
func ParsePool(cfgs []*config.OutboundConfig, r *resolver.Resolver) (*outbound.Pool, error) {
	pool := outbound.NewPool()

	var directOpts []direct.Option
	if r != nil {
		directOpts = append(directOpts, direct.ResolverOption(r))
	}
	if err := pool.Register(direct.New("direct", directOpts...)); err != nil {
		return nil, err
	}

	var groups []*config.OutboundConfig
	for _, cfg := range cfgs {
		if cfg.Type == "group" {
			groups = append(groups, cfg)
			continue
		}
		adapter, err := parseOutbound(cfg)
		if err != nil {
			return nil, fmt.Errorf("outbound %s: %w", cfg.Name, err)
		}
		if err := pool.Register(adapter); err != nil {
			return nil, err
		}
	}

	for _, cfg := range groups {
		if cfg.Group == nil {
			return nil, fmt.Errorf("outbound %s: missing group members", cfg.Name)
		}
		var members []outbound.Adapter
		for _, name := range cfg.Group.Members {
			member, err := pool.Get(name)
			if err != nil {
				return nil, fmt.Errorf("outbound %s: %w", cfg.Name, err)
			}
			members = append(members, member)
		}
		var opts []group.Option
		if cfg.Group.TryTimeout > 0 {
			opts = append(opts, group.TryTimeoutOption(cfg.Group.TryTimeout))
		}
		g, err := group.New(cfg.Name, members, opts...)
		if err != nil {
			return nil, fmt.Errorf("outbound %s: %w", cfg.Name, err)
		}
		if err := pool.Register(g); err != nil {
			return nil, err
		}
	}

	return pool, nil
}

func parseOutbound(cfg *config.OutboundConfig) (outbound.Adapter, error) {
	switch cfg.Type {
	case "http":
		var opts []outbound_http.Option
		if cfg.Auth != nil {
			opts = append(opts, outbound_http.UserOption(
				url.UserPassword(cfg.Auth.Username, cfg.Auth.Password)))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, outbound_http.TimeoutOption(cfg.Timeout))
		}
		return outbound_http.New(cfg.Name, cfg.Addr, opts...), nil

	case "socks5", "socks":
		var opts []outbound_socks.Option
		if cfg.Auth != nil {
			opts = append(opts, outbound_socks.UserOption(
				url.UserPassword(cfg.Auth.Username, cfg.Auth.Password)))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, outbound_socks.TimeoutOption(cfg.Timeout))
		}
		return outbound_socks.New(cfg.Name, cfg.Addr, opts...), nil

	case "ss", "shadowsocks":
		if cfg.SS == nil {
			return nil, fmt.Errorf("missing ss settings")
		}
		var opts []ss.Option
		if cfg.Timeout > 0 {
			opts = append(opts, ss.TimeoutOption(cfg.Timeout))
		}
		return ss.New(cfg.Name, cfg.Addr, cfg.SS.Method, cfg.SS.Password, opts...)

	case "trojan":
		if cfg.Trojan == nil {
			return nil, fmt.Errorf("missing trojan settings")
		}
		opts := []trojan.Option{
			trojan.ServerNameOption(cfg.Trojan.ServerName),
			trojan.InsecureOption(cfg.Trojan.Insecure),
		}
		if cfg.Timeout > 0 {
			opts = append(opts, trojan.TimeoutOption(cfg.Timeout))
		}
		return trojan.New(cfg.Name, cfg.Addr, cfg.Trojan.Password, opts...)

	case "wireguard", "wg":
		if cfg.WG == nil {
			return nil, fmt.Errorf("missing wireguard settings")
		}
		return wg.New(cfg.Name, wg.Config{
			PrivateKey:    cfg.WG.PrivateKey,
			PeerPublicKey: cfg.WG.PeerPublicKey,
			PresharedKey:  cfg.WG.PresharedKey,
			Endpoint:      cfg.WG.Endpoint,
			Addresses:     cfg.WG.Addresses,
			DNS:           cfg.WG.DNS,
			MTU:           cfg.WG.MTU,
			Keepalive:     cfg.WG.Keepalive,
		})

	default:
		return nil, fmt.Errorf("unknown outbound type %q", cfg.Type)
	}
}

func ParseInbound(cfg *config.InboundConfig) (inbound.Server, error) {
	users := map[string]string{}
	if cfg.Auth != nil {
		users[cfg.Auth.Username] = cfg.Auth.Password
	}

	switch cfg.Type {
	case "http":
		var opts []inbound_http.Option
		if len(users) > 0 {
			opts = append(opts, inbound_http.UsersOption(users))
		}
		return inbound_http.NewServer(cfg.Addr, opts...), nil

	case "socks5", "socks":
		var opts []inbound_socks.Option
		if len(users) > 0 {
			opts = append(opts, inbound_socks.UsersOption(users))
		}
		return inbound_socks.NewServer(cfg.Addr, opts...), nil

	case "redirect":
		return inbound_redirect.NewServer(cfg.Addr), nil

	default:
		return nil, fmt.Errorf("unknown inbound type %q", cfg.Type)
	}
}

// ParseCA loads the signing root named in cfg, or generates a
// throwaway one.
func ParseCA(cfg *config.MITMConfig, opts ...intercept.CAOption) (*intercept.CA, error) {
	if cfg.Validity > 0 {
		opts = append(opts, intercept.ValidityCAOption(cfg.Validity))
	}

	if cfg.CertFile == "" {
		name := cfg.CommonName
		if name == "" {
			name = "Seamgate Root CA"
		}
		return intercept.GenerateCA(name, opts...)
	}

	certPEM, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return intercept.LoadCA(certPEM, keyPEM, opts...)
}

func ParsePolicy(s string) (intercept.Policy, error) {
	switch s {
	case "failopen", "fail-open":
		return intercept.PolicyFailOpen, nil
	case "failclosed", "fail-closed":
		return intercept.PolicyFailClosed, nil
	default:
		return intercept.PolicyUnset, fmt.Errorf("unknown mitm policy %q", s)
	}
}

func ParseHooks(cfgs []*config.HookConfig) (intercept.Chain, error) {
	var chain intercept.Chain
	for _, cfg := range cfgs {
		var (
			hook intercept.Hook
			err  error
		)
		switch cfg.Type {
		case "block":
			hook, err = intercept.BlockHook(cfg.Pattern)
		case "redirect":
			hook, err = intercept.RedirectHook(cfg.Pattern, cfg.Location)
		case "header":
			hook, err = intercept.HeaderHook(intercept.HeaderRewrite{
				Pattern:     cfg.Pattern,
				SetRequest:  cfg.SetRequest,
				DelRequest:  cfg.DelRequest,
				SetResponse: cfg.SetResponse,
				DelResponse: cfg.DelResponse,
			})
		default:
			err = fmt.Errorf("unknown hook type %q", cfg.Type)
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, hook)
	}
	return chain, nil
}

// ParseInterceptor builds the TLS interceptor around an already
// loaded CA; dial supplies the upstream side of terminated flows.
func ParseInterceptor(cfg *config.MITMConfig, ca *intercept.CA, dial intercept.DialFunc, opts ...intercept.Option) (*intercept.Interceptor, error) {
	policy, err := ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	hooks, err := ParseHooks(cfg.Hooks)
	if err != nil {
		return nil, err
	}

	if len(hooks) > 0 {
		opts = append(opts, intercept.HooksOption(hooks...))
	}
	if len(cfg.Bypass) > 0 {
		bypass, err := parseBypass(cfg.Bypass)
		if err != nil {
			return nil, err
		}
		opts = append(opts, intercept.BypassOption(bypass))
	}
	if cfg.InsecureUpstream {
		opts = append(opts, intercept.InsecureUpstreamOption(true))
	}
	if cfg.ReadTimeout > 0 {
		opts = append(opts, intercept.ReadTimeoutOption(cfg.ReadTimeout))
	}

	return intercept.New(ca, dial, policy, opts...)
}

func parseBypass(patterns []string) (func(serverName string) bool, error) {
	var matchers []rules.Matcher
	for _, p := range patterns {
		if strings.ContainsAny(p, "*?") {
			m, err := rules.WildcardMatcher(p)
			if err != nil {
				return nil, err
			}
			matchers = append(matchers, m)
			continue
		}
		matchers = append(matchers, rules.DomainSuffixMatcher(p))
	}
	return func(serverName string) bool {
		for _, m := range matchers {
			if m.Match(serverName) {
				return true
			}
		}
		return false
	}, nil
}

// ParseAuditSink assembles the configured sinks into one. A nil config
// yields nil; callers treat that as audit disabled.
func ParseAuditSink(cfg *config.AuditConfig) audit.Sink {
	if cfg == nil {
		return nil
	}

	var sinks []audit.Sink
	if cfg.File != nil {
		var opts []audit.FileSinkOption
		if cfg.File.MaxSize > 0 || cfg.File.MaxBackups > 0 {
			opts = append(opts, audit.RotationFileSinkOption(cfg.File.MaxSize, cfg.File.MaxBackups))
		}
		sinks = append(sinks, audit.FileSink(cfg.File.Path, opts...))
	}
	if cfg.TCP != nil {
		timeout := cfg.TCP.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sinks = append(sinks, audit.TCPSink(cfg.TCP.Addr, timeout))
	}
	if cfg.HTTP != nil {
		timeout := cfg.HTTP.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sinks = append(sinks, audit.HTTPSink(cfg.HTTP.URL, timeout))
	}
	if cfg.Redis != nil {
		var opts []audit.RedisSinkOption
		if cfg.Redis.DB != 0 {
			opts = append(opts, audit.DBRedisSinkOption(cfg.Redis.DB))
		}
		if cfg.Redis.Password != "" {
			opts = append(opts, audit.PasswordRedisSinkOption(cfg.Redis.Password))
		}
		if cfg.Redis.Key != "" {
			opts = append(opts, audit.KeyRedisSinkOption(cfg.Redis.Key))
		}
		sinks = append(sinks, audit.RedisListSink(cfg.Redis.Addr, opts...))
	}

	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	default:
		return audit.MultiSink(sinks...)
	}
}
