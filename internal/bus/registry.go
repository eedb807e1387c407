package bus

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// AcquireFlags mirrors the two request-name flags spec.md §4.3 defines.
// There is no DoNotQueue bit: busd's acquire() always queues a losing
// requester, matching the literal 4-branch algorithm in the spec rather
// than the reference daemon's superset of flags.
type AcquireFlags uint32

const (
	NameFlagAllowReplacement AcquireFlags = 1 << iota
	NameFlagReplaceExisting
)

// AcquireResult is the four-way outcome of Registry.Acquire, matching the
// DBUS_REQUEST_NAME_REPLY_* constants confirmed in
// original_source/bus/services.c.
type AcquireResult uint8

const (
	PrimaryOwner AcquireResult = iota + 1
	InQueue
	Exists
	AlreadyOwner
)

// ReleaseResult is the three-way outcome of Registry.Release. The
// original source available in original_source/ does not carry driver.c's
// release_name handler, so this enum follows the well-known real D-Bus
// wire values (RELEASED=1, NON_EXISTENT=2, NOT_OWNER=3) rather than a
// grounded constant in this corpus; recorded as an Open Question
// resolution in DESIGN.md.
type ReleaseResult uint8

const (
	Released ReleaseResult = iota + 1
	NonExistent
	NotOwner
)

// ownerSlot is one entry in a service's owner queue. Flags live per-slot,
// not on the serviceEntry itself, so that when a new owner is promoted to
// primary its prohibit-replacement behavior reflects the flags IT
// acquired with, not whatever the previous primary had set.
type ownerSlot struct {
	conn  ConnRef
	flags AcquireFlags
}

type serviceEntry struct {
	name    string
	owners  []ownerSlot // owners[0] is always the primary owner
}

func (e *serviceEntry) indexOf(id string) int {
	for i, o := range e.owners {
		if o.conn.id() == id {
			return i
		}
	}
	return -1
}

func (e *serviceEntry) primary() *ownerSlot {
	if len(e.owners) == 0 {
		return nil
	}
	return &e.owners[0]
}

// RegistryNotifier decouples Registry from the Matcher and signal-staging
// mechanics implemented by the root Bus context (spec.md §4.2's
// NameOwnerChanged / NameAcquired / NameLost trio). Registry only knows
// that something needs telling, never how a signal gets delivered.
type RegistryNotifier interface {
	NameAcquired(owner ConnRef, name string, txn *Transaction)
	NameLost(owner ConnRef, name string, txn *Transaction)
	NameOwnerChanged(name string, oldOwner, newOwner ConnRef, txn *Transaction)
	ServiceCreated(name string, txn *Transaction)
}

// Registry is the name -> owner-queue table from spec.md §4.3. All
// mutation happens under a single mutex; acquire/release additionally
// stage signals into the caller-supplied Transaction so a cancelled
// dispatch rolls the table back to its pre-call state via cancel hooks.
type Registry struct {
	mu       sync.Mutex
	services map[string]*serviceEntry
	notify   RegistryNotifier
	log      *zap.SugaredLogger
}

func NewRegistry(notify RegistryNotifier, log *zap.SugaredLogger) *Registry {
	return &Registry{
		services: make(map[string]*serviceEntry),
		notify:   notify,
		log:      log,
	}
}

// ensure returns the entry for name, creating it (and staging
// ServiceCreated) if absent. The cancel hook unlinks a freshly created,
// still-empty entry; Go's map needs no separate slot-preallocation step,
// so there is nothing else for the hook to undo.
func (r *Registry) ensure(name string, txn *Transaction) *serviceEntry {
	if e, ok := r.services[name]; ok {
		return e
	}
	e := &serviceEntry{name: name}
	r.services[name] = e
	r.notify.ServiceCreated(name, txn)
	txn.AddCancelHook("registry.ensure:"+name, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.services[name]; ok && len(cur.owners) == 0 {
			delete(r.services, name)
		}
	})
	return e
}

// Acquire implements spec.md §4.3's acquire() algorithm exactly: no
// entry or empty queue -> PrimaryOwner; requester already primary ->
// AlreadyOwner; requester already queued (not primary) -> InQueue;
// a primary exists and refuses replacement -> Exists or InQueue
// depending on ReplaceExisting; a primary exists and allows replacement
// and the requester asks ReplaceExisting -> promote requester, demoting
// the old primary into the queue.
func (r *Registry) Acquire(name string, owner ConnRef, flags AcquireFlags, txn *Transaction) AcquireResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.ensure(name, txn)

	if idx := e.indexOf(owner.id()); idx == 0 {
		e.owners[0].flags = flags
		return AlreadyOwner
	} else if idx > 0 {
		e.owners[idx].flags = flags
		return InQueue
	}

	if len(e.owners) == 0 {
		e.owners = append(e.owners, ownerSlot{conn: owner, flags: flags})
		r.notify.NameAcquired(owner, name, txn)
		r.notify.NameOwnerChanged(name, ConnRef{}, owner, txn)
		r.stageRollbackRemoval(e, owner, txn)
		return PrimaryOwner
	}

	primary := e.primary()
	canReplace := primary.flags&NameFlagAllowReplacement != 0 && flags&NameFlagReplaceExisting != 0
	if !canReplace {
		if flags&NameFlagReplaceExisting != 0 {
			// Requester wanted to replace but isn't allowed to; still queue it
			// per spec.md §4.3's InQueue branch.
			e.owners = append(e.owners, ownerSlot{conn: owner, flags: flags})
			r.stageRollbackRemoval(e, owner, txn)
			return InQueue
		}
		e.owners = append(e.owners, ownerSlot{conn: owner, flags: flags})
		r.stageRollbackRemoval(e, owner, txn)
		return Exists
	}

	oldPrimary := primary.conn
	e.owners = append([]ownerSlot{{conn: owner, flags: flags}}, e.owners[1:]...)
	e.owners = insertDemoted(e.owners, ownerSlot{conn: oldPrimary, flags: primary.flags})

	// Ordering per spec.md §4.3: the new owner observes its own acquisition
	// before anyone observes the old owner lost it.
	r.notify.NameAcquired(owner, name, txn)
	r.notify.NameOwnerChanged(name, oldPrimary, owner, txn)
	r.notify.NameLost(oldPrimary, name, txn)

	txn.AddCancelHook("registry.acquire:"+name+":"+owner.id(), func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.services[name]; ok {
			cur.owners = removeOwner(cur.owners, owner.id())
		}
	})

	return PrimaryOwner
}

// insertDemoted places the demoted former primary right after the new
// primary, ahead of whatever else was already queued, preserving queue
// order for everyone else.
func insertDemoted(owners []ownerSlot, demoted ownerSlot) []ownerSlot {
	out := make([]ownerSlot, 0, len(owners)+1)
	out = append(out, owners[0])
	out = append(out, demoted)
	out = append(out, owners[1:]...)
	return out
}

func removeOwner(owners []ownerSlot, id string) []ownerSlot {
	for i, o := range owners {
		if o.conn.id() == id {
			return append(owners[:i], owners[i+1:]...)
		}
	}
	return owners
}

func (r *Registry) stageRollbackRemoval(e *serviceEntry, owner ConnRef, txn *Transaction) {
	txn.AddCancelHook("registry.queue:"+e.name+":"+owner.id(), func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.services[e.name]; ok {
			cur.owners = removeOwner(cur.owners, owner.id())
			if len(cur.owners) == 0 {
				delete(r.services, e.name)
			}
		}
	})
}

// Release implements spec.md §4.3's release(): remove owner from name's
// queue; if it was primary and the queue is non-empty, promote the next
// owner and stage Lost/OwnerChanged/Acquired in that order; drop the
// entry entirely once its queue is empty.
func (r *Registry) Release(name string, owner ConnRef, txn *Transaction) ReleaseResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[name]
	if !ok {
		return NonExistent
	}
	idx := e.indexOf(owner.id())
	if idx < 0 {
		return NotOwner
	}

	wasPrimary := idx == 0
	removedFlags := e.owners[idx].flags
	e.owners = append(e.owners[:idx], e.owners[idx+1:]...)

	if wasPrimary {
		r.notify.NameLost(owner, name, txn)
		if len(e.owners) > 0 {
			newPrimary := e.owners[0].conn
			r.notify.NameOwnerChanged(name, owner, newPrimary, txn)
			r.notify.NameAcquired(newPrimary, name, txn)
		} else {
			r.notify.NameOwnerChanged(name, owner, ConnRef{}, txn)
		}
	}
	if len(e.owners) == 0 {
		delete(r.services, name)
	}

	txn.AddCancelHook("registry.release:"+name+":"+owner.id(), func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		cur, ok := r.services[name]
		if !ok {
			cur = &serviceEntry{name: name}
			r.services[name] = cur
		}
		if wasPrimary {
			cur.owners = append([]ownerSlot{{conn: owner, flags: removedFlags}}, cur.owners...)
		} else {
			pos := idx
			if pos > len(cur.owners) {
				pos = len(cur.owners)
			}
			cur.owners = append(cur.owners[:pos], append([]ownerSlot{{conn: owner, flags: removedFlags}}, cur.owners[pos:]...)...)
		}
	})

	return Released
}

// ReleaseAll drops every name owner conveys ownership of, used when a
// connection disconnects (spec.md §4.2). Returns every name owner was
// released from, whether it held the primary slot or a queued one.
func (r *Registry) ReleaseAll(owner ConnRef, txn *Transaction) []string {
	r.mu.Lock()
	names := make([]string, 0)
	for name, e := range r.services {
		if e.indexOf(owner.id()) >= 0 {
			names = append(names, name)
		}
	}
	r.mu.Unlock()

	sort.Strings(names)
	var changed []string
	for _, name := range names {
		if r.Release(name, owner, txn) == Released {
			changed = append(changed, name)
		}
	}
	return changed
}

// OwnedCount returns the number of names owner currently holds a slot in
// (primary or queued), for the MaxServicesPerConn limit in spec.md §4.2.
func (r *Registry) OwnedCount(owner ConnRef) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.services {
		if e.indexOf(owner.id()) >= 0 {
			n++
		}
	}
	return n
}

// LookupPrimary returns the current primary owner of name, if any.
func (r *Registry) LookupPrimary(name string) (ConnRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[name]
	if !ok || len(e.owners) == 0 {
		return ConnRef{}, false
	}
	return e.owners[0].conn, true
}

// ListQueue returns the full owner queue for name, primary first, for
// the supplemented ListQueuedOwners driver method (SPEC_FULL.md §12).
func (r *Registry) ListQueue(name string) []ConnRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[name]
	if !ok {
		return nil
	}
	out := make([]ConnRef, len(e.owners))
	for i, o := range e.owners {
		out[i] = o.conn
	}
	return out
}

// ListNames returns every currently owned name, unique and well-known
// alike, sorted, for the ListNames driver method.
func (r *Registry) ListNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.services))
	for name, e := range r.services {
		if len(e.owners) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
