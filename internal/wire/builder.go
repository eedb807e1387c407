package wire

// Builder produces reply/error/signal messages derived from an incoming
// call, per spec.md §6's "a builder that produces replies and signals".
type Builder struct{}

// NewMethodCall starts a fresh call; sender is left blank for the dispatcher
// to stamp per spec.md §4.6 step 2.
func (Builder) NewMethodCall(destination, iface, member, path string, args ...any) *Message {
	return &Message{
		Kind:        KindMethodCall,
		Serial:      NextSerial(),
		Destination: destination,
		Interface:   iface,
		Member:      member,
		Path:        path,
		Args:        args,
	}
}

// NewReturn builds a method-return addressed back to call's sender.
func (Builder) NewReturn(call *Message, args ...any) *Message {
	return &Message{
		Kind:        KindMethodReturn,
		Serial:      NextSerial(),
		ReplySerial: call.Serial,
		Destination: call.Sender,
		Args:        args,
	}
}

// NewError builds an error reply addressed back to call's sender.
func (Builder) NewError(call *Message, errorName string, args ...any) *Message {
	return &Message{
		Kind:        KindError,
		Serial:      NextSerial(),
		ReplySerial: call.Serial,
		Destination: call.Sender,
		ErrorName:   errorName,
		Args:        args,
	}
}

// NewSignal builds a signal, unaddressed unless destination is non-empty
// (driver signals like NameAcquired/NameLost are unicast; NameOwnerChanged
// is broadcast with destination left blank).
func (Builder) NewSignal(sender, destination, iface, member, path string, args ...any) *Message {
	return &Message{
		Kind:        KindSignal,
		Serial:      NextSerial(),
		Sender:      sender,
		Destination: destination,
		Interface:   iface,
		Member:      member,
		Path:        path,
		Args:        args,
	}
}
