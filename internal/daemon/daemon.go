// Package daemon wires the event loop, transports, and routing core
// together into a runnable process, the glue spec.md §2 leaves to "the
// surrounding daemon" rather than specifying directly.
package daemon

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/busd/busd/internal/bus"
	"github.com/busd/busd/internal/config"
	"github.com/busd/busd/internal/gateway"
	"github.com/busd/busd/internal/httpadmin"
	"github.com/busd/busd/internal/loop"
	"github.com/busd/busd/internal/metrics"
	"github.com/busd/busd/internal/observability"
	"github.com/busd/busd/internal/sysload"
	"github.com/busd/busd/internal/transport"
)

// memoryPressureThreshold is the available-memory percentage below which
// the dispatcher answers each incoming message with a NoMemory error
// instead of routing it. The message is not retried later.
const memoryPressureThreshold = 5.0

// Daemon owns every long-lived component of a running busd process.
type Daemon struct {
	cfg     *config.Config
	loop    *loop.Loop
	bus     *bus.Bus
	dispatcher *bus.Dispatcher
	metrics *metrics.Registry
	sysload *sysload.Sampler
	publisher *observability.Publisher
	admin   *httpadmin.Server
	log     *zap.SugaredLogger

	unixLn *transport.UnixListener
	gwSrv  *http.Server

	stop      chan struct{}
	connsMu   sync.Mutex
	byHandle  map[int]*bus.Connection
}

// New constructs a Daemon from already-loaded configuration and its
// derived policy, logger, and metrics registry. It does not yet listen;
// call Start.
func New(cfg *config.Config, policy *bus.Policy, log *zap.SugaredLogger, reg *metrics.Registry) (*Daemon, error) {
	l, err := loop.New()
	if err != nil {
		return nil, fmt.Errorf("daemon: event loop: %w", err)
	}

	busAddr := transport.FormatAddr("unix", cfg.Listen.UnixSocket)
	b := bus.New(policy, busAddr, log)
	b.Limits = bus.Limits{
		MaxConnections:       cfg.Limits.MaxConnections,
		MaxIncompleteConns:   cfg.Limits.MaxIncompleteConns,
		MaxServicesPerConn:   cfg.Limits.MaxServicesPerConn,
		MaxMatchRulesPerConn: cfg.Limits.MaxMatchRulesPerConn,
	}
	if err := b.Activation.LoadDirectories(cfg.Activation.Directories); err != nil {
		log.Warnw("daemon: loading activation descriptors", "err", err)
	}

	var sampler *sysload.Sampler
	if cfg.Metrics.Enabled {
		sampler = sysload.NewSampler()
	}

	var pub *observability.Publisher
	if cfg.NATS.Enabled {
		pub, err = observability.Connect(cfg.NATS.URL, cfg.NATS.Subject, log)
		if err != nil {
			log.Warnw("daemon: nats connect failed, continuing without telemetry", "err", err)
			pub = nil
		}
	}

	d := &Daemon{
		cfg:        cfg,
		loop:       l,
		bus:        b,
		dispatcher: bus.NewDispatcher(b, log),
		metrics:    reg,
		sysload:    sampler,
		publisher:  pub,
		log:        log,
		stop:       make(chan struct{}),
		byHandle:   make(map[int]*bus.Connection),
	}

	if cfg.Admin.ListenAddr != "" {
		d.admin = httpadmin.New(cfg.Admin.ListenAddr, httpadmin.Deps{
			Bus: b, Metrics: reg, Sysload: sampler, Started: time.Now(),
		})
	}

	return d, nil
}

// Bus exposes the routing core for the CLI layer's SIGHUP-triggered
// policy reload; nothing inside this package needs the accessor itself.
func (d *Daemon) Bus() *bus.Bus { return d.bus }

// SetPolicyReloader installs the function ReloadConfig (and SIGHUP)
// invoke to rebuild the policy from the on-disk config.
func (d *Daemon) SetPolicyReloader(fn func() (*bus.Policy, error)) {
	d.bus.SetPolicyReloader(fn)
}

// Start opens the primary Unix-socket listener, the optional WebSocket
// gateway, and the admin HTTP server, then runs the event loop until
// Stop is called. Start blocks; run it in its own goroutine.
func (d *Daemon) Start() error {
	ln, err := transport.ListenUnix(d.cfg.Listen.UnixSocket)
	if err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}
	d.unixLn = ln
	go d.acceptLoop()

	if d.cfg.Listen.Gateway != "" {
		d.startGateway()
	}

	if d.sysload != nil {
		go d.sysload.Run(2*time.Second, d.stop)
	}
	if d.sysload != nil {
		d.dispatcher.SetMemoryPressureCheck(func() bool {
			return d.sysload.MemoryPressureHigh(memoryPressureThreshold)
		})
	}

	if d.admin != nil {
		go func() {
			if err := d.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.log.Warnw("daemon: admin server stopped", "err", err)
			}
		}()
	}

	d.loop.Run()
	return nil
}

// Stop closes every listener and the event loop, aggregating whatever
// partial-shutdown errors occur with multierr rather than stopping at
// the first one, per SPEC_FULL.md §10's cleanup-aggregation choice.
func (d *Daemon) Stop() error {
	close(d.stop)
	d.loop.Quit()

	var err error
	if d.unixLn != nil {
		err = multierr.Append(err, d.unixLn.Close())
	}
	if d.gwSrv != nil {
		err = multierr.Append(err, d.gwSrv.Close())
	}
	if d.admin != nil {
		err = multierr.Append(err, d.admin.Close())
	}
	d.publisher.Close()
	err = multierr.Append(err, d.loop.Close())
	return err
}

// startGateway mounts the WebSocket ingress at /ws behind JWT auth, for
// clients that cannot open a Unix-domain socket (browser-based tooling).
// Accepted connections are fed through the same registerConn path as
// Unix-socket peers.
func (d *Daemon) startGateway() {
	mgr := gateway.NewManager(d.cfg.Listen.JWTSecret)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", mgr.UpgradeHandler(func(wc *transport.WebSocketConn) {
		d.loop.Enqueue(func() { d.registerConn(wc) })
	}))
	d.gwSrv = &http.Server{Addr: d.cfg.Listen.Gateway, Handler: mux}
	go func() {
		if err := d.gwSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Warnw("daemon: gateway server stopped", "err", err)
		}
	}()
}

func (d *Daemon) acceptLoop() {
	for {
		c, err := d.unixLn.Accept()
		if err != nil {
			select {
			case <-d.stop:
				return
			default:
				d.log.Warnw("daemon: accept", "err", err)
				continue
			}
		}
		d.loop.Enqueue(func() { d.registerConn(c) })
	}
}

// registerConn runs on the loop goroutine: it admits c through the bus's
// connection limits and registers its handle with the loop.
func (d *Daemon) registerConn(c transport.Conn) {
	conn, err := d.bus.Accept(c)
	if err != nil {
		d.log.Infow("daemon: rejecting connection", "err", err)
		_ = c.Shutdown()
		return
	}
	if d.metrics != nil {
		d.metrics.Connections.Inc()
	}
	if d.publisher != nil {
		d.publisher.Publish(observability.Event{Kind: "connect", Unique: conn.Ref().UniqueName()})
	}

	handle, interest := c.Watch()
	d.connsMu.Lock()
	d.byHandle[handle] = conn
	d.connsMu.Unlock()

	d.loop.AddWatch(handle, loop.Interest(interest), func(ready loop.Interest) {
		d.onReady(handle, conn, c)
	})
}

// onReady runs on the loop goroutine for every readiness notification on
// an accepted connection: pump one frame (stream transports) or rely on
// the self-pipe nudge (gateway transport), drain every buffered message
// through the dispatcher, then flush whatever got queued in response.
func (d *Daemon) onReady(handle int, conn *bus.Connection, c transport.Conn) {
	if pumper, ok := c.(interface{ PumpOneFrame() error }); ok {
		if err := pumper.PumpOneFrame(); err != nil {
			d.teardown(handle, conn, c)
			return
		}
	}

	for {
		msg, err := c.PopMessage()
		if err != nil {
			d.teardown(handle, conn, c)
			return
		}
		if msg == nil {
			break
		}
		d.dispatcher.Dispatch(conn, msg)
		if d.metrics != nil {
			d.metrics.MessagesRouted.WithLabelValues(msg.Kind.String()).Inc()
		}
	}

	if err := c.FlushOutbound(); err != nil {
		d.teardown(handle, conn, c)
	}
}

func (d *Daemon) teardown(handle int, conn *bus.Connection, c transport.Conn) {
	d.loop.RemoveWatch(handle)
	d.connsMu.Lock()
	delete(d.byHandle, handle)
	d.connsMu.Unlock()

	d.dispatcher.Dispatch(conn, bus.LocalDisconnectSignal())
	if d.metrics != nil {
		d.metrics.Connections.Dec()
	}
	if d.publisher != nil {
		d.publisher.Publish(observability.Event{Kind: "disconnect", Unique: conn.Ref().UniqueName()})
	}
}
