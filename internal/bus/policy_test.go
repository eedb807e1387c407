package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicySessionDefaultAllowsSend(t *testing.T) {
	p := NewPolicy(ProfileSession)
	assert.True(t, p.AllowSend(Credentials{}, "org.busd.Anything", "", ""))
}

func TestPolicySystemDefaultDeniesSend(t *testing.T) {
	p := NewPolicy(ProfileSystem)
	assert.False(t, p.AllowSend(Credentials{}, "org.busd.Anything", "", ""))
}

func TestPolicyMandatoryDenyOverridesDefaultAllow(t *testing.T) {
	p := NewPolicy(ProfileSession)
	p.Mandatory = []Rule{{Kind: RuleSend, Action: ActionDeny, Destination: "org.busd.Locked"}}

	assert.False(t, p.AllowSend(Credentials{}, "org.busd.Locked", "", ""))
	assert.True(t, p.AllowSend(Credentials{}, "org.busd.Other", "", ""), "the deny rule is scoped to its destination pattern")
}

func TestPolicyPerUIDRuleOverridesMandatory(t *testing.T) {
	p := NewPolicy(ProfileSystem)
	p.Mandatory = []Rule{{Kind: RuleSend, Action: ActionDeny}}
	p.ByUID = map[uint32][]Rule{
		42: {{Kind: RuleSend, Action: ActionAllow, Destination: "org.busd.Svc"}},
	}

	assert.True(t, p.AllowSend(Credentials{UID: 42, Known: true}, "org.busd.Svc", "", ""))
	assert.False(t, p.AllowSend(Credentials{UID: 7, Known: true}, "org.busd.Svc", "", ""), "uid 7 has no per-identity rule")
}

func TestPolicyUnknownCredentialsSkipPerUIDRules(t *testing.T) {
	p := NewPolicy(ProfileSystem)
	p.ByUID = map[uint32][]Rule{0: {{Kind: RuleSend, Action: ActionAllow}}}

	assert.False(t, p.AllowSend(Credentials{Known: false}, "org.busd.Svc", "", ""))
}

func TestPolicyOwnNameRuleAppliesLast(t *testing.T) {
	p := NewPolicy(ProfileSystem)
	p.Default = []Rule{{Kind: RuleOwn, Action: ActionAllow}}
	p.OwnName = []Rule{{Kind: RuleOwn, Action: ActionDeny, Name: "org.busd.Reserved"}}

	assert.True(t, p.AllowOwn(Credentials{}, "org.busd.Free"))
	assert.False(t, p.AllowOwn(Credentials{}, "org.busd.Reserved"))
}

func TestPolicyAllowActivateGlobPattern(t *testing.T) {
	p := NewPolicy(ProfileSystem)
	p.Default = []Rule{{Kind: RuleActivate, Action: ActionAllow, Name: "*"}}

	assert.True(t, p.AllowActivate(Credentials{}, "org.busd.Anything"))
}

func TestPolicyAllowReceiveChecksRecipientCredentials(t *testing.T) {
	p := NewPolicy(ProfileSystem)
	p.ByUID = map[uint32][]Rule{
		1000: {{Kind: RuleReceive, Action: ActionAllow}},
	}

	assert.True(t, p.AllowReceive(Credentials{UID: 1000, Known: true}, "org.busd.Sender", "", ""))
	assert.False(t, p.AllowReceive(Credentials{UID: 2000, Known: true}, "org.busd.Sender", "", ""))
}
