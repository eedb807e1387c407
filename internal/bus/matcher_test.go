package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busd/busd/internal/wire"
)

type fakeResolver struct {
	owners map[string]ConnRef
}

func (f *fakeResolver) LookupPrimary(name string) (ConnRef, bool) {
	ref, ok := f.owners[name]
	return ref, ok
}

func TestMatcherRecipientsOfSignalByMember(t *testing.T) {
	m := NewMatcher(&fakeResolver{})
	sub := testConn(1000, 1)
	m.AddRule(MatchRule{Owner: sub.Ref(), Fields: FieldMember, Member: "PropertiesChanged"})

	msg := &wire.Message{Kind: wire.KindSignal, Member: "PropertiesChanged"}
	recipients := m.RecipientsOf(msg, "", ConnRef{}, false)

	require.Len(t, recipients, 1)
	assert.Equal(t, sub.id(), recipients[0].id())
}

func TestMatcherRecipientsOfSkipsNonMatchingMember(t *testing.T) {
	m := NewMatcher(&fakeResolver{})
	sub := testConn(1000, 1)
	m.AddRule(MatchRule{Owner: sub.Ref(), Fields: FieldMember, Member: "PropertiesChanged"})

	msg := &wire.Message{Kind: wire.KindSignal, Member: "SomethingElse"}
	recipients := m.RecipientsOf(msg, "", ConnRef{}, false)

	assert.Empty(t, recipients)
}

func TestMatcherRecipientsOfNeverDoubleDelivers(t *testing.T) {
	m := NewMatcher(&fakeResolver{})
	sub := testConn(1000, 1)
	m.AddRule(MatchRule{Owner: sub.Ref(), Fields: FieldMember, Member: "X"})
	m.AddRule(MatchRule{Owner: sub.Ref(), Fields: FieldInterface, Interface: "org.busd.Y"})

	msg := &wire.Message{Kind: wire.KindSignal, Member: "X", Interface: "org.busd.Y"}
	recipients := m.RecipientsOf(msg, "", ConnRef{}, false)

	assert.Len(t, recipients, 1, "a matcher owner with two matching rules is only delivered to once")
}

func TestMatcherRecipientsOfAddressedIsPreStamped(t *testing.T) {
	m := NewMatcher(&fakeResolver{})
	sub := testConn(1000, 1)
	m.AddRule(MatchRule{Owner: sub.Ref(), Fields: FieldMember, Member: "X"})

	msg := &wire.Message{Kind: wire.KindSignal, Member: "X"}
	recipients := m.RecipientsOf(msg, "", sub.Ref(), false)

	assert.Empty(t, recipients, "a connection already addressed directly is not also fanned out to via the matcher")
}

func TestMatcherUnicastOnlyReachesEavesdroppers(t *testing.T) {
	m := NewMatcher(&fakeResolver{})
	plain := testConn(1000, 1)
	spy := testConn(1000, 2)
	m.AddRule(MatchRule{Owner: plain.Ref(), Fields: FieldMember, Member: "Ping"})
	m.AddRule(MatchRule{Owner: spy.Ref(), Fields: FieldMember, Member: "Ping", Eavesdrop: true})

	msg := &wire.Message{Kind: wire.KindMethodCall, Member: "Ping"}
	recipients := m.RecipientsOf(msg, "", ConnRef{}, true)

	require.Len(t, recipients, 1)
	assert.Equal(t, spy.id(), recipients[0].id())
}

func TestMatcherSenderFieldResolvesWellKnownNameViaRegistry(t *testing.T) {
	owner := testConn(1000, 1)
	sub := testConn(1000, 2)
	resolver := &fakeResolver{owners: map[string]ConnRef{"org.busd.Svc": owner.Ref()}}
	m := NewMatcher(resolver)
	m.AddRule(MatchRule{Owner: sub.Ref(), Fields: FieldSender, Sender: "org.busd.Svc"})

	msg := &wire.Message{Kind: wire.KindSignal}
	recipients := m.RecipientsOf(msg, owner.id(), ConnRef{}, false)

	require.Len(t, recipients, 1)
	assert.Equal(t, sub.id(), recipients[0].id())
}

func TestMatcherSenderFieldMissesWhenNameUnowned(t *testing.T) {
	sub := testConn(1000, 2)
	m := NewMatcher(&fakeResolver{})
	m.AddRule(MatchRule{Owner: sub.Ref(), Fields: FieldSender, Sender: "org.busd.Svc"})

	msg := &wire.Message{Kind: wire.KindSignal}
	recipients := m.RecipientsOf(msg, "some-unique", ConnRef{}, false)

	assert.Empty(t, recipients)
}

func TestMatcherRemoveOneByValueRemovesMostRecent(t *testing.T) {
	m := NewMatcher(&fakeResolver{})
	sub := testConn(1000, 1)
	rule := MatchRule{Owner: sub.Ref(), Fields: FieldMember, Member: "X"}
	m.AddRule(rule)
	m.AddRule(rule)

	err := m.RemoveOneByValue(sub.Ref(), rule)
	require.NoError(t, err)

	assert.Len(t, m.rules, 1, "only one of the two identical rules is removed")
}

func TestMatcherRemoveOneByValueNotFound(t *testing.T) {
	m := NewMatcher(&fakeResolver{})
	sub := testConn(1000, 1)

	err := m.RemoveOneByValue(sub.Ref(), MatchRule{Fields: FieldMember, Member: "X"})

	require.Error(t, err)
	be := AsBusError(err)
	assert.Equal(t, KindMatchRuleNotFound, be.Kind)
}

func TestMatcherOwnerDisconnectedPrunesRules(t *testing.T) {
	m := NewMatcher(&fakeResolver{})
	sub := testConn(1000, 1)
	m.AddRule(MatchRule{Owner: sub.Ref(), Fields: FieldMember, Member: "X"})

	m.OwnerDisconnected(sub.Ref())

	msg := &wire.Message{Kind: wire.KindSignal, Member: "X"}
	assert.Empty(t, m.RecipientsOf(msg, "", ConnRef{}, false))
}

func TestMatcherHasEavesdropRule(t *testing.T) {
	m := NewMatcher(&fakeResolver{})
	assert.False(t, m.HasEavesdropRule())

	sub := testConn(1000, 1)
	m.AddRule(MatchRule{Owner: sub.Ref(), Eavesdrop: true})
	assert.True(t, m.HasEavesdropRule())
}
