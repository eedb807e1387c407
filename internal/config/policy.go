package config

import (
	"fmt"

	"github.com/busd/busd/internal/bus"
)

// BuildPolicy translates the config file's declarative rule lists into a
// *bus.Policy, keeping bus.Policy itself free of any config-format
// dependency (per spec.md §1's "policy object is otherwise a black box").
func BuildPolicy(cfg *Config) (*bus.Policy, error) {
	profile := bus.ProfileSession
	switch cfg.Profile {
	case "system":
		profile = bus.ProfileSystem
	case "session", "":
	default:
		return nil, fmt.Errorf("config: unknown profile %q", cfg.Profile)
	}

	p := bus.NewPolicy(profile)
	var err error
	if p.Default, err = buildRules(cfg.Policy.Default); err != nil {
		return nil, err
	}
	if p.Mandatory, err = buildRules(cfg.Policy.Mandatory); err != nil {
		return nil, err
	}
	for _, rc := range cfg.Policy.Rules {
		r, err := buildRule(rc)
		if err != nil {
			return nil, err
		}
		switch {
		case rc.UID != nil:
			p.ByUID[*rc.UID] = append(p.ByUID[*rc.UID], r)
		case rc.GID != nil:
			p.ByGID[*rc.GID] = append(p.ByGID[*rc.GID], r)
		case r.Kind == bus.RuleOwn || r.Kind == bus.RuleActivate:
			p.OwnName = append(p.OwnName, r)
		default:
			p.Default = append(p.Default, r)
		}
	}
	return p, nil
}

func buildRules(rcs []PolicyRuleConfig) ([]bus.Rule, error) {
	out := make([]bus.Rule, 0, len(rcs))
	for _, rc := range rcs {
		r, err := buildRule(rc)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func buildRule(rc PolicyRuleConfig) (bus.Rule, error) {
	var r bus.Rule
	switch rc.Kind {
	case "send":
		r.Kind = bus.RuleSend
	case "receive":
		r.Kind = bus.RuleReceive
	case "own":
		r.Kind = bus.RuleOwn
	case "activate":
		r.Kind = bus.RuleActivate
	default:
		return r, fmt.Errorf("config: unknown policy rule kind %q", rc.Kind)
	}
	switch rc.Action {
	case "allow":
		r.Action = bus.ActionAllow
	case "deny":
		r.Action = bus.ActionDeny
	default:
		return r, fmt.Errorf("config: unknown policy rule action %q", rc.Action)
	}
	r.Destination = rc.Destination
	r.Interface = rc.Interface
	r.Member = rc.Member
	r.Name = rc.Name
	return r, nil
}
