package bus

import "fmt"

// Kind is the design-level error taxonomy from spec.md §7. The wire name is
// the stable dotted string clients see; Kind is what the core branches on.
type Kind uint8

const (
	KindNone Kind = iota
	KindNoMemory
	KindServiceNotFound
	KindServiceDoesNotExist
	KindNameHasNoOwner
	KindSpawnExecFailed
	KindChildExited
	KindChildSignaled
	KindSpawnFailed
	KindAccessDenied
	KindLimitsExceeded
	KindUnknownMethod
	KindInvalidArgs
	KindMatchRuleNotFound
	KindDisconnected
)

// wireName is the stable dotted error name placed on an error reply.
func (k Kind) wireName() string {
	switch k {
	case KindNoMemory:
		return "org.busd.Error.NoMemory"
	case KindServiceNotFound:
		return "org.busd.Error.ServiceNotFound"
	case KindServiceDoesNotExist:
		return "org.busd.Error.ServiceDoesNotExist"
	case KindNameHasNoOwner:
		return "org.busd.Error.NameHasNoOwner"
	case KindSpawnExecFailed:
		return "org.busd.Error.Spawn.ExecFailed"
	case KindChildExited:
		return "org.busd.Error.Spawn.ChildExited"
	case KindChildSignaled:
		return "org.busd.Error.Spawn.ChildSignaled"
	case KindSpawnFailed:
		return "org.busd.Error.Spawn.Failed"
	case KindAccessDenied:
		return "org.busd.Error.AccessDenied"
	case KindLimitsExceeded:
		return "org.busd.Error.LimitsExceeded"
	case KindUnknownMethod:
		return "org.busd.Error.UnknownMethod"
	case KindInvalidArgs:
		return "org.busd.Error.InvalidArgs"
	case KindMatchRuleNotFound:
		return "org.busd.Error.MatchRuleNotFound"
	case KindDisconnected:
		return "org.busd.Error.Disconnected"
	default:
		return "org.busd.Error.Failed"
	}
}

// Error is the concrete error type every routing-core operation returns
// instead of a bare error string, so the dispatcher can branch on Kind
// (spec.md §4.6 step 6) without string matching.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.wireName(), e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind.wireName(), e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WireName exposes the stable dotted name for building an error reply.
func (e *Error) WireName() string { return e.Kind.wireName() }

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// AsBusError extracts a *Error from err, synthesizing a generic
// KindSpawnFailed-style wrapper for anything that didn't originate in this
// package (e.g. an os/exec error bubbling up).
func AsBusError(err error) *Error {
	if err == nil {
		return nil
	}
	if be, ok := err.(*Error); ok {
		return be
	}
	return &Error{Kind: KindSpawnFailed, Message: "unclassified failure", cause: err}
}
