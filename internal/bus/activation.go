package bus

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/busd/busd/internal/wire"
)

// StartServiceResult is the two-way outcome of StartServiceByName, matching
// the real D-Bus wire values (DBUS_START_REPLY_SUCCESS=1,
// DBUS_START_REPLY_ALREADY_RUNNING=2) for the same reason ReleaseResult
// does: original_source/ doesn't carry driver.c's start_service_by_name
// handler to ground the constants on directly.
type StartServiceResult uint32

const (
	Activated StartServiceResult = iota + 1
	AlreadyActive
)

// Descriptor is a {name, exec} pair parsed from a .service file in one of
// the directories Activation is initialized with, per spec.md §4.4.
type Descriptor struct {
	Name string
	Exec string
	Args []string
}

// pendingActivation coalesces concurrent requesters for the same not-yet-
// running service, per spec.md §4.4's "spawn exactly once, all waiters
// replied atomically" invariant.
type pendingActivation struct {
	name    string
	waiters []waiter
	breaker *gobreaker.CircuitBreaker
}

type waiter struct {
	requester ConnRef
	request   *wire.Message
}

// ActivationTimeout bounds how long a pending activation waits for the
// spawned child to actually own its name before the waiters are failed
// with ServiceNotFound. The original daemon has no such timeout (grepped
// bus/activation.c for one; none exists) - busd adds it (DESIGN.md, Open
// Question 3) because a real deployment cannot let a waiter block forever
// on a child that spawned but never called RequestName.
const ActivationTimeout = 25 * time.Second

// ActivationNotifier lets Activation hand timed-out waiters back to the
// Bus without depending on Transaction delivery mechanics itself; the
// timer fires off the event loop thread, so the notifier is responsible
// for its own synchronization.
type ActivationNotifier interface {
	ActivationExpired(name string, waiters []waiter)
}

// Activation is spec.md §4.4's service-descriptor index plus pending-
// activation table.
type Activation struct {
	mu          sync.Mutex
	descriptors map[string]Descriptor
	pending     map[string]*pendingActivation
	timers      map[string]*time.Timer
	busAddr     string
	notify      ActivationNotifier
	log         *zap.SugaredLogger
}

func NewActivation(busAddr string, notify ActivationNotifier, log *zap.SugaredLogger) *Activation {
	return &Activation{
		descriptors: make(map[string]Descriptor),
		pending:     make(map[string]*pendingActivation),
		timers:      make(map[string]*time.Timer),
		busAddr:     busAddr,
		notify:      notify,
		log:         log,
	}
}

// LoadDirectories scans each directory for *.service files. First
// insertion of a given name wins; later duplicates are logged and
// skipped, matching spec.md §4.4.
func (a *Activation) LoadDirectories(dirs []string) error {
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("activation: read %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".service") {
				continue
			}
			d, err := parseDescriptor(filepath.Join(dir, e.Name()))
			if err != nil {
				a.log.Warnw("activation: skipping malformed descriptor", "file", e.Name(), "err", err)
				continue
			}
			if _, exists := a.descriptors[d.Name]; exists {
				a.log.Warnw("activation: duplicate service name, first wins", "name", d.Name, "file", e.Name())
				continue
			}
			a.descriptors[d.Name] = d
		}
	}
	return nil
}

// parseDescriptor reads a simple "Key=Value" file, the same shape
// go-server-3's config loader reads before handing off to viper, here
// kept hand-rolled since .service files are a foreign, D-Bus-defined
// format no pack example's structured-config library targets.
func parseDescriptor(path string) (Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return Descriptor{}, err
	}
	defer f.Close()

	var d Descriptor
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		switch key {
		case "Name":
			d.Name = val
		case "Exec":
			fields := strings.Fields(val)
			if len(fields) > 0 {
				d.Exec = fields[0]
				d.Args = fields[1:]
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Descriptor{}, err
	}
	if d.Name == "" || d.Exec == "" {
		return Descriptor{}, fmt.Errorf("missing Name or Exec")
	}
	return d, nil
}

func (a *Activation) descriptor(name string) (Descriptor, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.descriptors[name]
	return d, ok
}

// ListActivatable returns every descriptor's name in no particular order.
func (a *Activation) ListActivatable() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.descriptors))
	for name := range a.descriptors {
		out = append(out, name)
	}
	return out
}

// registryOwns is the minimal Registry surface Activation needs, kept
// narrow so activation.go doesn't depend on Registry's mutation methods.
type registryOwns interface {
	LookupPrimary(name string) (ConnRef, bool)
}

// Activate implements spec.md §4.4's activate(): already-owned short
// circuit, descriptor lookup, pending-record coalescing, spawn-once.
func (a *Activation) Activate(registry registryOwns, serviceName string, requester ConnRef, original *wire.Message, txn *Transaction) error {
	if _, owned := registry.LookupPrimary(serviceName); owned {
		reply := wire.Builder{}.NewReturn(original, uint32(AlreadyActive))
		txn.Stage(requester, reply)
		return nil
	}

	desc, ok := a.descriptor(serviceName)
	if !ok {
		return newErr(KindServiceNotFound, "no activatable service provides %q", serviceName)
	}

	a.mu.Lock()
	rec, exists := a.pending[serviceName]
	if !exists {
		rec = &pendingActivation{
			name: serviceName,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        "activate:" + serviceName,
				MaxRequests: 1,
				Interval:    0,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
			}),
		}
		a.pending[serviceName] = rec
	}
	rec.waiters = append(rec.waiters, waiter{requester: requester, request: original})
	a.mu.Unlock()

	if exists {
		return nil
	}

	if _, err := rec.breaker.Execute(func() (any, error) {
		return nil, a.spawn(desc)
	}); err != nil {
		a.mu.Lock()
		delete(a.pending, serviceName)
		a.mu.Unlock()
		return wrapErr(KindSpawnFailed, err, "spawn %s for %s", desc.Exec, serviceName)
	}

	a.mu.Lock()
	timer := time.AfterFunc(ActivationTimeout, func() { a.expireAndNotify(serviceName) })
	a.timers[serviceName] = timer
	a.mu.Unlock()
	return nil
}

// spawn execs the descriptor's binary with a scrubbed environment
// (bus address plus an explicit allowlist, per bus/activation.c and
// SPEC_FULL.md §12), detached from busd's own stdio.
func (a *Activation) spawn(d Descriptor) error {
	cmd := exec.Command(d.Exec, d.Args...)
	cmd.Env = scrubbedEnviron(a.busAddr)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		if _, ok := err.(*exec.Error); ok {
			return newErr(KindSpawnExecFailed, "exec %s: %v", d.Exec, err)
		}
		return newErr(KindSpawnFailed, "start %s: %v", d.Exec, err)
	}
	go func() {
		err := cmd.Wait()
		if err == nil {
			return
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			if exitErr.ExitCode() < 0 {
				a.log.Warnw("activation: child killed by signal", "exec", d.Exec)
			} else {
				a.log.Warnw("activation: child exited nonzero", "exec", d.Exec, "code", exitErr.ExitCode())
			}
		}
	}()
	return nil
}

var activationEnvAllowlist = []string{"PATH", "HOME", "LANG", "TZ", "XDG_RUNTIME_DIR"}

func scrubbedEnviron(busAddr string) []string {
	env := make([]string, 0, len(activationEnvAllowlist)+2)
	for _, k := range activationEnvAllowlist {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	env = append(env, "DBUS_STARTER_ADDRESS="+busAddr)
	env = append(env, "DBUS_STARTER_BUS_TYPE=busd")
	return env
}

// OnServiceCreated is spec.md §4.4's on_service_created: invoked by the
// registry notifier when a previously-absent name appears. Every waiter
// gets an Activated reply staged atomically into txn; waiters whose
// connection has since disconnected are skipped silently.
func (a *Activation) OnServiceCreated(name string, isConnected func(ConnRef) bool, txn *Transaction) {
	a.mu.Lock()
	rec, ok := a.pending[name]
	if ok {
		delete(a.pending, name)
		if t, ok := a.timers[name]; ok {
			t.Stop()
			delete(a.timers, name)
		}
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	for _, w := range rec.waiters {
		if !isConnected(w.requester) {
			continue
		}
		reply := wire.Builder{}.NewReturn(w.request, uint32(Activated))
		txn.Stage(w.requester, reply)
	}
}

// expire fails every waiter of a pending activation that never completed
// within ActivationTimeout. This runs outside any Transaction because it
// fires asynchronously from a time.AfterFunc timer; its caller,
// expireAndNotify, hands the waiters to the notifier (Bus.ActivationExpired),
// which stages the error replies in a fresh transaction of its own.
func (a *Activation) expire(name string) []waiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.pending[name]
	if !ok {
		return nil
	}
	delete(a.pending, name)
	delete(a.timers, name)
	return rec.waiters
}

// expireAndNotify is the time.AfterFunc callback: it collects the timed-
// out waiters and, if any remain (OnServiceCreated may have already won
// the race and cleared the record), hands them to the notifier.
func (a *Activation) expireAndNotify(name string) {
	waiters := a.expire(name)
	if len(waiters) == 0 || a.notify == nil {
		return
	}
	a.notify.ActivationExpired(name, waiters)
}

// NewActivationID returns a correlation id for admin/log lines, per
// SPEC_FULL.md §11's uuid wiring.
func NewActivationID() string {
	return uuid.NewString()
}
