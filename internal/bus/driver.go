package bus

import (
	"github.com/go-playground/validator/v10"

	"github.com/busd/busd/internal/wire"
)

// DriverName is the destination value that routes a message to the
// built-in driver rather than to a registered service, spec.md §4.6's
// "Destination == driver name" branch.
const DriverName = "org.busd.Bus"

// DriverPath and DriverInterface are the path/interface the driver's own
// signals (NameOwnerChanged, NameAcquired, NameLost) carry.
const (
	DriverPath      = "/org/busd/Bus"
	DriverInterface = "org.busd.Bus"
)

// BroadcastDestination is the sentinel spec.md §4.6 calls "destination ==
// broadcast sentinel": a message addressed here fans out to every active
// connection subject to policy, rather than to one registered name.
const BroadcastDestination = "org.busd.Broadcast"

var validate = validator.New()

// driverHandler is the signature every driver method implements: decode
// args already validated into call.Args, mutate bus state through the
// transaction, and stage exactly the replies/errors spec.md's table
// prescribes.
type driverHandler func(ctx *Bus, caller *Connection, call *wire.Message, txn *Transaction) error

var driverTable map[string]driverHandler

func init() {
	driverTable = map[string]driverHandler{
		"Hello":                      handleHello,
		"RequestName":                handleRequestName,
		"ReleaseName":                handleReleaseName,
		"ListNames":                  handleListNames,
		"ListActivatableNames":       handleListActivatableNames,
		"ListQueuedOwners":           handleListQueuedOwners,
		"NameHasOwner":               handleNameHasOwner,
		"GetNameOwner":               handleGetNameOwner,
		"StartServiceByName":         handleStartServiceByName,
		"AddMatch":                   handleAddMatch,
		"RemoveMatch":                handleRemoveMatch,
		"GetConnectionUnixUser":      handleGetConnectionUnixUser,
		"GetConnectionUnixProcessID": handleGetConnectionUnixProcessID,
		"GetId":                      handleGetID,
		"ReloadConfig":               handleReloadConfig,
	}
}

func handleHello(b *Bus, caller *Connection, call *wire.Message, txn *Transaction) error {
	if b.Connections.Count() > b.Limits.MaxConnections {
		return newErr(KindLimitsExceeded, "too many connections")
	}
	reply := wire.Builder{}.NewReturn(call, caller.unique)
	txn.Stage(caller.Ref(), reply)
	return nil
}

type requestNameArgs struct {
	Name  string `validate:"required"`
	Flags uint32
}

func handleRequestName(b *Bus, caller *Connection, call *wire.Message, txn *Transaction) error {
	name, err := wire.Arg[string](call, 0)
	if err != nil {
		return newErr(KindInvalidArgs, "RequestName: %v", err)
	}
	flags, _ := wire.Arg[uint32](call, 1)
	if err := validate.Struct(requestNameArgs{Name: name, Flags: flags}); err != nil {
		return newErr(KindInvalidArgs, "RequestName: %v", err)
	}
	if err := ValidateWellKnownName(name); err != nil {
		return err
	}
	if !b.Policy.AllowOwn(caller.creds, name) {
		return newErr(KindAccessDenied, "policy denies owning %q", name)
	}
	if b.Registry.OwnedCount(caller.Ref()) >= b.Limits.MaxServicesPerConn {
		return newErr(KindLimitsExceeded, "connection already owns %d names", b.Limits.MaxServicesPerConn)
	}
	result := b.Registry.Acquire(name, caller.Ref(), AcquireFlags(flags), txn)
	reply := wire.Builder{}.NewReturn(call, uint32(result))
	txn.Stage(caller.Ref(), reply)
	return nil
}

func handleReleaseName(b *Bus, caller *Connection, call *wire.Message, txn *Transaction) error {
	name, err := wire.Arg[string](call, 0)
	if err != nil {
		return newErr(KindInvalidArgs, "ReleaseName: %v", err)
	}
	result := b.Registry.Release(name, caller.Ref(), txn)
	reply := wire.Builder{}.NewReturn(call, uint32(result))
	txn.Stage(caller.Ref(), reply)
	return nil
}

func handleListNames(b *Bus, caller *Connection, call *wire.Message, txn *Transaction) error {
	reply := wire.Builder{}.NewReturn(call, b.Registry.ListNames())
	txn.Stage(caller.Ref(), reply)
	return nil
}

func handleListActivatableNames(b *Bus, caller *Connection, call *wire.Message, txn *Transaction) error {
	reply := wire.Builder{}.NewReturn(call, b.Activation.ListActivatable())
	txn.Stage(caller.Ref(), reply)
	return nil
}

func handleListQueuedOwners(b *Bus, caller *Connection, call *wire.Message, txn *Transaction) error {
	name, err := wire.Arg[string](call, 0)
	if err != nil {
		return newErr(KindInvalidArgs, "ListQueuedOwners: %v", err)
	}
	queue := b.Registry.ListQueue(name)
	names := make([]string, len(queue))
	for i, ref := range queue {
		names[i] = ref.id()
	}
	reply := wire.Builder{}.NewReturn(call, names)
	txn.Stage(caller.Ref(), reply)
	return nil
}

func handleNameHasOwner(b *Bus, caller *Connection, call *wire.Message, txn *Transaction) error {
	name, err := wire.Arg[string](call, 0)
	if err != nil {
		return newErr(KindInvalidArgs, "NameHasOwner: %v", err)
	}
	_, ok := b.Registry.LookupPrimary(name)
	reply := wire.Builder{}.NewReturn(call, ok)
	txn.Stage(caller.Ref(), reply)
	return nil
}

func handleGetNameOwner(b *Bus, caller *Connection, call *wire.Message, txn *Transaction) error {
	name, err := wire.Arg[string](call, 0)
	if err != nil {
		return newErr(KindInvalidArgs, "GetNameOwner: %v", err)
	}
	owner, ok := b.Registry.LookupPrimary(name)
	if !ok {
		return newErr(KindNameHasNoOwner, "%q has no owner", name)
	}
	reply := wire.Builder{}.NewReturn(call, owner.id())
	txn.Stage(caller.Ref(), reply)
	return nil
}

func handleStartServiceByName(b *Bus, caller *Connection, call *wire.Message, txn *Transaction) error {
	name, err := wire.Arg[string](call, 0)
	if err != nil {
		return newErr(KindInvalidArgs, "StartServiceByName: %v", err)
	}
	if !b.Policy.AllowActivate(caller.creds, name) {
		return newErr(KindAccessDenied, "policy denies activating %q", name)
	}
	return b.Activation.Activate(b.Registry, name, caller.Ref(), call, txn)
}

func handleAddMatch(b *Bus, caller *Connection, call *wire.Message, txn *Transaction) error {
	ruleStr, err := wire.Arg[string](call, 0)
	if err != nil {
		return newErr(KindInvalidArgs, "AddMatch: %v", err)
	}
	rule, err := parseMatchRule(ruleStr)
	if err != nil {
		return newErr(KindInvalidArgs, "AddMatch: %v", err)
	}
	if len(caller.ownedMatchRules()) >= b.Limits.MaxMatchRulesPerConn {
		return newErr(KindLimitsExceeded, "connection already owns %d match rules", b.Limits.MaxMatchRulesPerConn)
	}
	rule.Owner = caller.Ref()
	id := b.Matcher.AddRule(rule)
	caller.addMatchRule(id)
	reply := wire.Builder{}.NewReturn(call)
	txn.Stage(caller.Ref(), reply)
	return nil
}

func handleRemoveMatch(b *Bus, caller *Connection, call *wire.Message, txn *Transaction) error {
	ruleStr, err := wire.Arg[string](call, 0)
	if err != nil {
		return newErr(KindInvalidArgs, "RemoveMatch: %v", err)
	}
	rule, err := parseMatchRule(ruleStr)
	if err != nil {
		return newErr(KindInvalidArgs, "RemoveMatch: %v", err)
	}
	if err := b.Matcher.RemoveOneByValue(caller.Ref(), rule); err != nil {
		return err
	}
	reply := wire.Builder{}.NewReturn(call)
	txn.Stage(caller.Ref(), reply)
	return nil
}

func handleGetConnectionUnixUser(b *Bus, caller *Connection, call *wire.Message, txn *Transaction) error {
	name, err := wire.Arg[string](call, 0)
	if err != nil {
		return newErr(KindInvalidArgs, "GetConnectionUnixUser: %v", err)
	}
	owner, ok := b.Registry.LookupPrimary(name)
	if !ok {
		return newErr(KindNameHasNoOwner, "%q has no owner", name)
	}
	reply := wire.Builder{}.NewReturn(call, owner.Credentials().UID)
	txn.Stage(caller.Ref(), reply)
	return nil
}

func handleGetConnectionUnixProcessID(b *Bus, caller *Connection, call *wire.Message, txn *Transaction) error {
	name, err := wire.Arg[string](call, 0)
	if err != nil {
		return newErr(KindInvalidArgs, "GetConnectionUnixProcessID: %v", err)
	}
	owner, ok := b.Registry.LookupPrimary(name)
	if !ok {
		return newErr(KindNameHasNoOwner, "%q has no owner", name)
	}
	reply := wire.Builder{}.NewReturn(call, owner.Credentials().PID)
	txn.Stage(caller.Ref(), reply)
	return nil
}

func handleGetID(b *Bus, caller *Connection, call *wire.Message, txn *Transaction) error {
	reply := wire.Builder{}.NewReturn(call, b.ID)
	txn.Stage(caller.Ref(), reply)
	return nil
}

func handleReloadConfig(b *Bus, caller *Connection, call *wire.Message, txn *Transaction) error {
	if err := b.ReloadPolicy(); err != nil {
		return wrapErr(KindSpawnFailed, err, "reload config")
	}
	reply := wire.Builder{}.NewReturn(call)
	txn.Stage(caller.Ref(), reply)
	return nil
}
