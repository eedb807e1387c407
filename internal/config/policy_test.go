package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busd/busd/internal/bus"
)

func uint32p(v uint32) *uint32 { return &v }

func TestBuildPolicySessionProfile(t *testing.T) {
	p, err := BuildPolicy(&Config{Profile: "session"})
	require.NoError(t, err)
	assert.Equal(t, bus.ProfileSession, p.Profile)
}

func TestBuildPolicyUnknownProfileErrors(t *testing.T) {
	_, err := BuildPolicy(&Config{Profile: "bogus"})
	assert.Error(t, err)
}

func TestBuildPolicyDefaultAndMandatoryRules(t *testing.T) {
	cfg := &Config{
		Profile: "system",
		Policy: PolicyConfig{
			Default:   []PolicyRuleConfig{{Kind: "send", Action: "allow"}},
			Mandatory: []PolicyRuleConfig{{Kind: "send", Action: "deny", Destination: "org.busd.Locked"}},
		},
	}

	p, err := BuildPolicy(cfg)
	require.NoError(t, err)

	require.Len(t, p.Default, 1)
	require.Len(t, p.Mandatory, 1)
	assert.Equal(t, bus.ActionDeny, p.Mandatory[0].Action)
}

func TestBuildPolicyPerUIDRule(t *testing.T) {
	cfg := &Config{
		Profile: "system",
		Policy: PolicyConfig{
			Rules: []PolicyRuleConfig{{Kind: "send", Action: "allow", UID: uint32p(1000)}},
		},
	}

	p, err := BuildPolicy(cfg)
	require.NoError(t, err)

	require.Contains(t, p.ByUID, uint32(1000))
	assert.Len(t, p.ByUID[1000], 1)
}

func TestBuildPolicyOwnRuleGoesToOwnName(t *testing.T) {
	cfg := &Config{
		Profile: "system",
		Policy: PolicyConfig{
			Rules: []PolicyRuleConfig{{Kind: "own", Action: "allow", Name: "org.busd.Example"}},
		},
	}

	p, err := BuildPolicy(cfg)
	require.NoError(t, err)

	require.Len(t, p.OwnName, 1)
	assert.Equal(t, "org.busd.Example", p.OwnName[0].Name)
}

func TestBuildPolicyUnscopedRuleFallsBackToDefault(t *testing.T) {
	cfg := &Config{
		Profile: "system",
		Policy: PolicyConfig{
			Rules: []PolicyRuleConfig{{Kind: "send", Action: "allow"}},
		},
	}

	p, err := BuildPolicy(cfg)
	require.NoError(t, err)

	assert.Len(t, p.Default, 1)
}

func TestBuildPolicyUnknownRuleKindErrors(t *testing.T) {
	cfg := &Config{Policy: PolicyConfig{Default: []PolicyRuleConfig{{Kind: "bogus", Action: "allow"}}}}
	_, err := BuildPolicy(cfg)
	assert.Error(t, err)
}

func TestBuildPolicyUnknownActionErrors(t *testing.T) {
	cfg := &Config{Policy: PolicyConfig{Default: []PolicyRuleConfig{{Kind: "send", Action: "bogus"}}}}
	_, err := BuildPolicy(cfg)
	assert.Error(t, err)
}
