package bus

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/busd/busd/internal/wire"
)

// MatchRule is the subscription/eavesdrop predicate from spec.md §4.5,
// extended with the eavesdrop modifier SPEC_FULL.md §12 supplements from
// bus/signals.c. A zero-value field plus its bit unset in Fields means
// "don't care"; Fields records which comparisons actually apply.
type MatchRule struct {
	ID          uint64
	Owner       ConnRef
	Fields      RuleFields
	MessageType wire.Kind
	Interface   string
	Member      string
	Path        string
	Sender      string // well-known or unique name
	Destination string
	Eavesdrop   bool
}

// RuleFields marks which MatchRule fields participate in matching, so the
// zero value of a string field ("") is distinguishable from "match empty
// string" (which never happens on the wire but keeps the semantics exact).
type RuleFields uint16

const (
	FieldMessageType RuleFields = 1 << iota
	FieldInterface
	FieldMember
	FieldPath
	FieldSender
	FieldDestination
)

var nextRuleID uint64

func newRuleID() uint64 {
	nextRuleID++
	return nextRuleID
}

// ownerResolver is the subset of Registry the Matcher needs to turn a
// rule's sender/destination name into the unique name that currently owns
// it, without importing Registry's full surface.
type ownerResolver interface {
	LookupPrimary(name string) (ConnRef, bool)
}

// Matcher is spec.md §4.5's global rule set: a flat slice scanned
// linearly, exactly as the spec specifies (no indexing structure - the
// rule set is expected to be small per connection and per daemon).
type Matcher struct {
	mu    sync.Mutex
	rules []MatchRule
	stamp uint64
	seen  map[string]uint64 // connection id -> last stamp it was counted at

	registry ownerResolver
	ownerCache *lru.Cache[string, ConnRef]
}

func NewMatcher(registry ownerResolver) *Matcher {
	cache, _ := lru.New[string, ConnRef](1024)
	return &Matcher{
		seen:       make(map[string]uint64),
		registry:   registry,
		ownerCache: cache,
	}
}

func (m *Matcher) AddRule(r MatchRule) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = newRuleID()
	m.rules = append(m.rules, r)
	return r.ID
}

// RemoveOneByValue removes the most-recently-added rule matching
// template's comparable fields (ignoring ID), per spec.md §4.5's
// "removing most recent makes symmetric add/remove predictable".
func (m *Matcher) RemoveOneByValue(owner ConnRef, template MatchRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rules) - 1; i >= 0; i-- {
		r := m.rules[i]
		if r.Owner.id() != owner.id() {
			continue
		}
		if ruleEqual(r, template) {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return newErr(KindMatchRuleNotFound, "no matching rule for owner %s", owner.id())
}

func ruleEqual(a, b MatchRule) bool {
	if a.Fields != b.Fields || a.Eavesdrop != b.Eavesdrop {
		return false
	}
	if a.Fields&FieldMessageType != 0 && a.MessageType != b.MessageType {
		return false
	}
	if a.Fields&FieldInterface != 0 && a.Interface != b.Interface {
		return false
	}
	if a.Fields&FieldMember != 0 && a.Member != b.Member {
		return false
	}
	if a.Fields&FieldPath != 0 && a.Path != b.Path {
		return false
	}
	if a.Fields&FieldSender != 0 && a.Sender != b.Sender {
		return false
	}
	if a.Fields&FieldDestination != 0 && a.Destination != b.Destination {
		return false
	}
	return true
}

// InvalidateOwner evicts name from the sender/destination owner cache.
// Bus.NameOwnerChanged calls this on every owner change so the cache can
// never observe a stale primary owner.
func (m *Matcher) InvalidateOwner(name string) {
	m.ownerCache.Remove(name)
}

func (m *Matcher) resolveOwner(name string) (ConnRef, bool) {
	if name == "" {
		return ConnRef{}, false
	}
	if IsUniqueName(name) {
		return ConnRef{}, false // unique names compare literally, not via registry
	}
	if ref, ok := m.ownerCache.Get(name); ok {
		return ref, true
	}
	ref, ok := m.registry.LookupPrimary(name)
	if ok {
		m.ownerCache.Add(name, ref)
	}
	return ref, ok
}

func (m *Matcher) fieldMatches(fieldSet bool, fieldVal, msgVal string) bool {
	if !fieldSet {
		return true
	}
	if IsUniqueName(fieldVal) {
		return fieldVal == msgVal
	}
	owner, ok := m.resolveOwner(fieldVal)
	if !ok {
		return false
	}
	return owner.id() == msgVal
}

func (m *Matcher) ruleMatches(r MatchRule, msg *wire.Message, senderUnique string) bool {
	if r.Fields&FieldMessageType != 0 && r.MessageType != msg.Kind {
		return false
	}
	if r.Fields&FieldInterface != 0 && r.Interface != msg.Interface {
		return false
	}
	if r.Fields&FieldMember != 0 && r.Member != msg.Member {
		return false
	}
	if r.Fields&FieldPath != 0 && r.Path != msg.Path {
		return false
	}
	if !m.fieldMatches(r.Fields&FieldSender != 0, r.Sender, senderUnique) {
		return false
	}
	if !m.fieldMatches(r.Fields&FieldDestination != 0, r.Destination, msg.Destination) {
		return false
	}
	return true
}

// RecipientsOf implements spec.md §4.5's recipients_of: a linear scan
// producing each matching rule owner at most once, with addressed
// pre-stamped so it is never double-delivered. unicast reports whether
// msg was addressed to a specific connection (only eavesdrop rules may
// still match it in that case, per SPEC_FULL.md §12).
func (m *Matcher) RecipientsOf(msg *wire.Message, senderUnique string, addressed ConnRef, unicast bool) []ConnRef {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stamp++
	stamp := m.stamp
	if addressed.Valid() {
		m.seen[addressed.id()] = stamp
	}

	var out []ConnRef
	for _, r := range m.rules {
		if unicast && !r.Eavesdrop {
			continue
		}
		if m.seen[r.Owner.id()] == stamp {
			continue
		}
		if !m.ruleMatches(r, msg, senderUnique) {
			continue
		}
		m.seen[r.Owner.id()] = stamp
		out = append(out, r.Owner)
	}
	return out
}

// OwnerDisconnected removes every rule owned by conn, plus every rule
// whose sender/destination names conn's own unique name (which, since
// unique names are never reused, can never legitimately match again).
func (m *Matcher) OwnerDisconnected(conn ConnRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rules[:0]
	for _, r := range m.rules {
		if r.Owner.id() == conn.id() {
			continue
		}
		if r.Fields&FieldSender != 0 && r.Sender == conn.id() {
			continue
		}
		if r.Fields&FieldDestination != 0 && r.Destination == conn.id() {
			continue
		}
		kept = append(kept, r)
	}
	m.rules = kept
	delete(m.seen, conn.id())
}

// HasEavesdropRule reports whether any active rule eavesdrops, letting
// the dispatcher skip the matcher fan-out entirely for unicast traffic
// in the common case where nothing is eavesdropping.
func (m *Matcher) HasEavesdropRule() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.Eavesdrop {
			return true
		}
	}
	return false
}
