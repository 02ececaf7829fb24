package rules

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	ErrNoFinalRule     = errors.New("rules: missing final rule")
	ErrInvalidRule     = errors.New("rules: invalid rule")
	ErrRulesAfterFinal = errors.New("rules: rule after final is unreachable")
)

// Kind is the match dimension of a rule.
type Kind string

const (
	KindDomain        Kind = "domain"
	KindDomainSuffix  Kind = "domain-suffix"
	KindDomainKeyword Kind = "domain-keyword"
	KindIPCIDR        Kind = "ip-cidr"
	KindPort          Kind = "port"
	KindProcessName   Kind = "process-name"
	KindFinal         Kind = "final"
)

// ActionKind is the disposition a rule assigns to a flow.
type ActionKind string

const (
	ActionDirect    ActionKind = "direct"
	ActionReject    ActionKind = "reject"
	ActionProxy     ActionKind = "proxy"
	ActionIntercept ActionKind = "intercept"
)

// Action pairs the disposition with the outbound id for proxy routing.
type Action struct {
	Kind     ActionKind
	Outbound string
}

func (a Action) String() string {
	if a.Kind == ActionProxy {
		return fmt.Sprintf("proxy(%s)", a.Outbound)
	}
	return string(a.Kind)
}

// Rule is a single uncompiled routing entry.
type Rule struct {
	Kind    Kind
	Pattern string
	Action  Action
}

func (r Rule) String() string {
	if r.Kind == KindFinal {
		return fmt.Sprintf("final -> %s", r.Action)
	}
	return fmt.Sprintf("%s:%s -> %s", r.Kind, r.Pattern, r.Action)
}

// ParseAction parses an action token: direct, reject, intercept, or
// proxy(<id>). A bare token other than the builtins is taken as an
// outbound id.
func ParseAction(s string) (Action, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "direct":
		return Action{Kind: ActionDirect}, nil
	case "reject":
		return Action{Kind: ActionReject}, nil
	case "intercept":
		return Action{Kind: ActionIntercept}, nil
	case "":
		return Action{}, fmt.Errorf("%w: empty action", ErrInvalidRule)
	}
	if strings.HasPrefix(strings.ToLower(s), "proxy(") && strings.HasSuffix(s, ")") {
		id := strings.TrimSpace(s[len("proxy(") : len(s)-1])
		if id == "" {
			return Action{}, fmt.Errorf("%w: empty proxy id", ErrInvalidRule)
		}
		return Action{Kind: ActionProxy, Outbound: id}, nil
	}
	return Action{Kind: ActionProxy, Outbound: s}, nil
}

// ParseRule parses a comma separated rule line, e.g.
//
//	domain-suffix, example.com, direct
//	ip-cidr, 10.0.0.0/8, reject
//	final, proxy(tunnel)
func ParseRule(line string) (Rule, error) {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	if len(parts) == 2 && strings.EqualFold(parts[0], string(KindFinal)) {
		action, err := ParseAction(parts[1])
		if err != nil {
			return Rule{}, err
		}
		return Rule{Kind: KindFinal, Action: action}, nil
	}
	if len(parts) != 3 {
		return Rule{}, fmt.Errorf("%w: %q", ErrInvalidRule, line)
	}

	kind := Kind(strings.ToLower(parts[0]))
	switch kind {
	case KindDomain, KindDomainSuffix, KindDomainKeyword, KindIPCIDR, KindPort, KindProcessName:
	default:
		return Rule{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, parts[0])
	}

	action, err := ParseAction(parts[2])
	if err != nil {
		return Rule{}, err
	}
	return Rule{Kind: kind, Pattern: parts[1], Action: action}, nil
}

// compiledRule carries the precompiled matcher for one rule. Compilation
// happens once at load so evaluation never fails.
type compiledRule struct {
	rule    Rule
	matcher Matcher
	port    uint16
}

func compileRule(r Rule) (*compiledRule, error) {
	cr := &compiledRule{rule: r}

	switch r.Kind {
	case KindDomain:
		if r.Pattern == "" {
			return nil, fmt.Errorf("%w: empty domain", ErrInvalidRule)
		}
		if strings.ContainsAny(r.Pattern, "*?") {
			m, err := WildcardMatcher(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
			}
			cr.matcher = m
		} else {
			cr.matcher = DomainMatcher(r.Pattern)
		}
	case KindDomainSuffix:
		if r.Pattern == "" {
			return nil, fmt.Errorf("%w: empty domain suffix", ErrInvalidRule)
		}
		cr.matcher = DomainSuffixMatcher(r.Pattern)
	case KindDomainKeyword:
		if r.Pattern == "" {
			return nil, fmt.Errorf("%w: empty domain keyword", ErrInvalidRule)
		}
		cr.matcher = DomainKeywordMatcher(r.Pattern)
	case KindIPCIDR:
		pattern := r.Pattern
		if !strings.Contains(pattern, "/") {
			if ip := net.ParseIP(pattern); ip != nil && ip.To4() != nil {
				pattern += "/32"
			} else {
				pattern += "/128"
			}
		}
		_, inet, err := net.ParseCIDR(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		cr.matcher = CIDRMatcher(inet)
	case KindPort:
		n, err := strconv.ParseUint(r.Pattern, 10, 16)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidRule, r.Pattern)
		}
		cr.port = uint16(n)
	case KindProcessName:
		if r.Pattern == "" {
			return nil, fmt.Errorf("%w: empty process name", ErrInvalidRule)
		}
	case KindFinal:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind)
	}
	return cr, nil
}
