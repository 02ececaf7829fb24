package rules

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/seamgate/seamgate/logger"
)

// Metadata is what the engine knows about a flow at decision time. Any
// field may be empty; a rule that needs a missing dimension simply does
// not match.
type Metadata struct {
	Network string
	Host    string
	DstIP   net.IP
	DstPort uint16
	Process string
}

// Result is the routing verdict for a flow.
type Result struct {
	// Rule is the display form of the matched rule, for sessions and audit.
	Rule   string
	Action Action
}

// Resolver supplies addresses for ip-cidr rules when the flow only
// carries a domain. A nil resolver disables domain resolution during
// evaluation; ip-cidr rules then match IP destinations only.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// RuleSet is an immutable, compiled, ordered rule list ending in a final
// rule. A set is compiled once and then shared read-only between all
// evaluations.
type RuleSet struct {
	rules []*compiledRule
	raw   []Rule
}

// CompileRuleSet validates and compiles an ordered rule list. The last
// rule must be final and final must not appear anywhere else.
func CompileRuleSet(list []Rule) (*RuleSet, error) {
	if len(list) == 0 || list[len(list)-1].Kind != KindFinal {
		return nil, ErrNoFinalRule
	}
	for _, r := range list[:len(list)-1] {
		if r.Kind == KindFinal {
			return nil, ErrRulesAfterFinal
		}
	}

	rs := &RuleSet{
		rules: make([]*compiledRule, 0, len(list)),
		raw:   append([]Rule(nil), list...),
	}
	for _, r := range list {
		cr, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs, nil
}

// ParseRuleSet compiles rule lines as they appear in configuration.
func ParseRuleSet(lines []string) (*RuleSet, error) {
	list := make([]Rule, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r, err := ParseRule(line)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return CompileRuleSet(list)
}

// Rules returns the uncompiled form of the set, in order.
func (rs *RuleSet) Rules() []Rule {
	return append([]Rule(nil), rs.raw...)
}

// match reports whether the rule applies to the flow. resolved carries
// per-evaluation memoized DNS answers so a set with several ip-cidr
// rules resolves the host at most once.
func (cr *compiledRule) match(ctx context.Context, md *Metadata, resolver Resolver, resolved *[]net.IP) bool {
	switch cr.rule.Kind {
	case KindDomain, KindDomainSuffix, KindDomainKeyword:
		return md.Host != "" && cr.matcher.Match(md.Host)
	case KindIPCIDR:
		if md.DstIP != nil {
			return cr.matcher.Match(md.DstIP.String())
		}
		if md.Host == "" || resolver == nil {
			return false
		}
		if *resolved == nil {
			ips, err := resolver.Resolve(ctx, md.Host)
			if err != nil || len(ips) == 0 {
				*resolved = []net.IP{}
			} else {
				*resolved = ips
			}
		}
		for _, ip := range *resolved {
			if cr.matcher.Match(ip.String()) {
				return true
			}
		}
		return false
	case KindPort:
		return md.DstPort != 0 && md.DstPort == cr.port
	case KindProcessName:
		return md.Process != "" && strings.EqualFold(md.Process, cr.rule.Pattern)
	case KindFinal:
		return true
	}
	return false
}

type engineOptions struct {
	resolver Resolver
	logger   logger.Logger
}

type EngineOption func(opts *engineOptions)

func ResolverEngineOption(resolver Resolver) EngineOption {
	return func(opts *engineOptions) {
		opts.resolver = resolver
	}
}

func LoggerEngineOption(logger logger.Logger) EngineOption {
	return func(opts *engineOptions) {
		opts.logger = logger
	}
}

// Engine evaluates flows against an atomically replaceable rule set.
// Evaluation walks the ordered rules and returns the first match; the
// mandatory final rule guarantees a verdict. An in-flight evaluation
// keeps the snapshot it started with across a concurrent reload.
type Engine struct {
	snapshot atomic.Pointer[RuleSet]
	options  engineOptions

	mu      sync.Mutex
	overlay []*compiledRule
}

func NewEngine(rs *RuleSet, opts ...EngineOption) *Engine {
	options := engineOptions{
		logger: logger.Default().WithFields(map[string]any{"kind": "rules"}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	e := &Engine{options: options}
	e.snapshot.Store(rs)
	return e
}

// Evaluate routes the flow. It never fails: unmatched flows fall through
// to the final rule of the active set.
func (e *Engine) Evaluate(ctx context.Context, md *Metadata) Result {
	rs := e.snapshot.Load()
	var resolved []net.IP

	e.mu.Lock()
	overlay := e.overlay
	e.mu.Unlock()

	for _, cr := range overlay {
		if cr.match(ctx, md, e.options.resolver, &resolved) {
			return Result{Rule: cr.rule.String(), Action: cr.rule.Action}
		}
	}
	for _, cr := range rs.rules {
		if cr.match(ctx, md, e.options.resolver, &resolved) {
			return Result{Rule: cr.rule.String(), Action: cr.rule.Action}
		}
	}

	// unreachable: a compiled set always ends in final
	final := rs.rules[len(rs.rules)-1]
	return Result{Rule: final.rule.String(), Action: final.rule.Action}
}

// Reload swaps in a new compiled set. Flows admitted before the swap keep
// the verdict of the set they were evaluated against.
func (e *Engine) Reload(rs *RuleSet) {
	old := e.snapshot.Swap(rs)
	e.options.logger.Infof("rules reloaded: %d -> %d", len(old.raw), len(rs.raw))
}

// RuleSet returns the active compiled set.
func (e *Engine) RuleSet() *RuleSet {
	return e.snapshot.Load()
}

// AddTemporary prepends a rule that outranks the whole persistent set
// until cleared. Temporary rules do not survive a restart and final is
// not accepted.
func (e *Engine) AddTemporary(r Rule) error {
	if r.Kind == KindFinal {
		return ErrRulesAfterFinal
	}
	cr, err := compileRule(r)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.overlay = append(e.overlay, cr)
	e.mu.Unlock()
	return nil
}

// Temporary lists the active temporary rules, most recent last.
func (e *Engine) Temporary() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := make([]Rule, 0, len(e.overlay))
	for _, cr := range e.overlay {
		list = append(list, cr.rule)
	}
	return list
}

// ClearTemporary drops all temporary rules.
func (e *Engine) ClearTemporary() {
	e.mu.Lock()
	e.overlay = nil
	e.mu.Unlock()
}
