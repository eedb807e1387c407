package bus

// Policy is the allow/deny predicate spec.md §4.6 treats as a black box,
// implemented concretely per SPEC_FULL.md §12 as context-ordered rule
// evaluation grounded on bus/policy.c's BusClientPolicy precedence:
// default context first, then mandatory, then per-user (ByUID), then
// own-name rules, with the last matching rule in each context winning
// and later contexts overriding earlier ones. ByGID rules are stored but
// never consulted: Credentials carries no group id.
type Policy struct {
	Profile  Profile
	Default  []Rule
	Mandatory []Rule
	ByUID    map[uint32][]Rule
	ByGID    map[uint32][]Rule
	OwnName  []Rule
}

// Profile selects the implicit default action, mirroring the
// --session/--system CLI distinction SPEC_FULL.md §10 describes.
type Profile uint8

const (
	ProfileSession Profile = iota // default-allow for send/receive, as the user's own session bus
	ProfileSystem                 // default-deny, requiring explicit allow rules
)

// Action is a rule's verdict.
type Action uint8

const (
	ActionDeny Action = iota
	ActionAllow
)

// RuleKind distinguishes what a Rule governs, matching the four
// consultation points spec.md §4.6's last paragraph names.
type RuleKind uint8

const (
	RuleSend RuleKind = iota
	RuleReceive
	RuleOwn
	RuleActivate
)

// Rule is one <policy> stanza's worth of predicate: Kind selects which
// consultation point it applies to, and the remaining fields are
// "don't care" when empty, matching bus/policy.c's attribute-optional
// XML rules.
type Rule struct {
	Kind        RuleKind
	Action      Action
	Destination string // RuleSend: destination name, empty = any
	Interface   string // RuleSend/RuleReceive: empty = any
	Member      string
	Name        string // RuleOwn/RuleActivate: well-known name pattern, empty = any
}

func NewPolicy(profile Profile) *Policy {
	return &Policy{
		Profile: profile,
		ByUID:   make(map[uint32][]Rule),
		ByGID:   make(map[uint32][]Rule),
	}
}

func (p *Policy) defaultAction() Action {
	if p.Profile == ProfileSession {
		return ActionAllow
	}
	return ActionDeny
}

// evaluateRules walks one rule list in order and returns the action of the
// last rule of the given kind that matches, or fallback if none does. The
// Allow* methods call it once per context in the order allSets returns
// (default, mandatory, per-user, own-name), passing each context's result
// as the next one's fallback, so a later context's match overrides an
// earlier one.
func evaluateRules(rules []Rule, kind RuleKind, match func(Rule) bool, fallback Action) Action {
	action := fallback
	for _, r := range rules {
		if r.Kind != kind {
			continue
		}
		if match(r) {
			action = r.Action
		}
	}
	return action
}

func (p *Policy) allSets(creds Credentials) [][]Rule {
	sets := [][]Rule{p.Default, p.Mandatory}
	if creds.Known {
		if rs, ok := p.ByUID[creds.UID]; ok {
			sets = append(sets, rs)
		}
	}
	sets = append(sets, p.OwnName)
	return sets
}

func globMatch(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return pattern == name
}

// AllowSend gates sender -> destination unicast delivery (spec.md §4.6's
// "sender->destination allow for unicast").
func (p *Policy) AllowSend(sender Credentials, destination string, iface, member string) bool {
	action := p.defaultAction()
	for _, set := range p.allSets(sender) {
		action = evaluateRules(set, RuleSend, func(r Rule) bool {
			return globMatch(r.Destination, destination) && globMatch(r.Interface, iface) && globMatch(r.Member, member)
		}, action)
	}
	return action == ActionAllow
}

// AllowReceive gates sender -> each-recipient delivery for broadcasts
// (spec.md §4.6's "sender->each-recipient allow for broadcast").
func (p *Policy) AllowReceive(recipient Credentials, sender string, iface, member string) bool {
	action := p.defaultAction()
	for _, set := range p.allSets(recipient) {
		action = evaluateRules(set, RuleReceive, func(r Rule) bool {
			return globMatch(r.Destination, sender) && globMatch(r.Interface, iface) && globMatch(r.Member, member)
		}, action)
	}
	return action == ActionAllow
}

// AllowOwn gates a connection's acquisition of a well-known name
// (spec.md §4.6's "own-name allow on acquire").
func (p *Policy) AllowOwn(owner Credentials, name string) bool {
	action := p.defaultAction()
	for _, set := range p.allSets(owner) {
		action = evaluateRules(set, RuleOwn, func(r Rule) bool {
			return globMatch(r.Name, name)
		}, action)
	}
	return action == ActionAllow
}

// AllowActivate gates StartServiceByName (spec.md §4.6's "activation
// allow on start-service").
func (p *Policy) AllowActivate(requester Credentials, name string) bool {
	action := p.defaultAction()
	for _, set := range p.allSets(requester) {
		action = evaluateRules(set, RuleActivate, func(r Rule) bool {
			return globMatch(r.Name, name)
		}, action)
	}
	return action == ActionAllow
}
