package parsing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/seamgate/seamgate/config"
	"github.com/seamgate/seamgate/intercept"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRulesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.txt")
	require.NoError(t, os.WriteFile(path, []byte(
		"# comment\n"+
			"domain, blocked.test, reject\n"+
			"\n"+
			"final, direct\n"), 0644))

	rs, err := ParseRules(&config.RulesConfig{File: path})
	require.NoError(t, err)
	assert.Len(t, rs.Rules(), 2)
}

func TestParseRulesInlineWinsOverFile(t *testing.T) {
	rs, err := ParseRules(&config.RulesConfig{
		File:  "/nonexistent",
		Lines: []string{"final, reject"},
	})
	require.NoError(t, err)
	require.Len(t, rs.Rules(), 1)
}

func TestParsePoolWithGroup(t *testing.T) {
	pool, err := ParsePool([]*config.OutboundConfig{
		// the group is declared before its members on purpose
		{
			Name: "auto",
			Type: "group",
			Group: &config.GroupConfig{
				Members: []string{"relay-a", "relay-b"},
			},
		},
		{Name: "relay-a", Type: "socks5", Addr: "10.0.0.1:1080"},
		{Name: "relay-b", Type: "http", Addr: "10.0.0.2:8080"},
	}, nil)
	require.NoError(t, err)

	g, err := pool.Get("auto")
	require.NoError(t, err)
	assert.Equal(t, "auto", g.Name())
	assert.ElementsMatch(t, []string{"direct", "relay-a", "relay-b", "auto"}, pool.Names())
}

func TestParsePoolUnknownMember(t *testing.T) {
	_, err := ParsePool([]*config.OutboundConfig{
		{
			Name:  "auto",
			Type:  "group",
			Group: &config.GroupConfig{Members: []string{"ghost"}},
		},
	}, nil)
	assert.Error(t, err)
}

func TestParsePoolUnknownType(t *testing.T) {
	_, err := ParsePool([]*config.OutboundConfig{
		{Name: "x", Type: "carrier-pigeon"},
	}, nil)
	assert.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("failopen")
	require.NoError(t, err)
	assert.Equal(t, intercept.PolicyFailOpen, p)

	p, err = ParsePolicy("fail-closed")
	require.NoError(t, err)
	assert.Equal(t, intercept.PolicyFailClosed, p)

	_, err = ParsePolicy("")
	assert.Error(t, err)
}

func TestParseHooks(t *testing.T) {
	chain, err := ParseHooks([]*config.HookConfig{
		{Type: "block", Pattern: "ads.example.com/*"},
		{Type: "redirect", Pattern: "old.example.com/*", Location: "https://new.example.com/"},
		{Type: "header", Pattern: "*", DelRequest: []string{"X-Forwarded-For"}},
	})
	require.NoError(t, err)
	assert.Len(t, chain, 3)

	_, err = ParseHooks([]*config.HookConfig{{Type: "teleport"}})
	assert.Error(t, err)
}

func TestParseBypass(t *testing.T) {
	bypass, err := parseBypass([]string{"bank.test", "*.pinned.test"})
	require.NoError(t, err)
	assert.True(t, bypass("bank.test"))
	assert.True(t, bypass("www.bank.test"))
	assert.True(t, bypass("a.pinned.test"))
	assert.False(t, bypass("other.test"))
}

func TestParseAuditSinkEmpty(t *testing.T) {
	assert.Nil(t, ParseAuditSink(nil))
	assert.Nil(t, ParseAuditSink(&config.AuditConfig{}))
}

func TestParseCAGenerated(t *testing.T) {
	ca, err := ParseCA(&config.MITMConfig{CommonName: "unit root"})
	require.NoError(t, err)
	assert.Equal(t, "unit root", ca.Cert().Subject.CommonName)
}
