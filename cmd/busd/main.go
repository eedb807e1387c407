package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/busd/busd/internal/bus"
	"github.com/busd/busd/internal/config"
	"github.com/busd/busd/internal/daemon"
	"github.com/busd/busd/internal/logging"
	"github.com/busd/busd/internal/metrics"
)

func main() {
	app := &cli.App{
		Name:  "busd",
		Usage: "local message-bus daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a busd.yaml config file"},
			&cli.BoolFlag{Name: "session", Usage: "run with the default-allow session profile"},
			&cli.BoolFlag{Name: "system", Usage: "run with the default-deny system profile"},
			&cli.IntFlag{Name: "address-fd", Usage: "write the listen address to this already-open fd", Value: -1},
			&cli.StringFlag{Name: "pidfile", Usage: "write the daemon's pid to this path"},
			&cli.BoolFlag{Name: "fork", Usage: "accepted for launcher compatibility; busd does not fork or detach"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "busd: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, v, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.Bool("session") {
		cfg.Profile = "session"
	}
	if c.Bool("system") {
		cfg.Profile = "system"
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	policy, err := config.BuildPolicy(cfg)
	if err != nil {
		return fmt.Errorf("build policy: %w", err)
	}

	reg := metrics.NewRegistry()

	d, err := daemon.New(cfg, policy, log, reg)
	if err != nil {
		return fmt.Errorf("construct daemon: %w", err)
	}
	d.SetPolicyReloader(func() (*bus.Policy, error) {
		reloaded, err := config.Reload(v)
		if err != nil {
			return nil, err
		}
		return config.BuildPolicy(reloaded)
	})

	if err := writePidfile(c.String("pidfile")); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}

	if fd := c.Int("address-fd"); fd >= 0 {
		if err := writeAddressFd(fd, cfg.Listen.UnixSocket); err != nil {
			log.Warnw("main: writing address-fd failed", "err", err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-errCh:
			if err != nil {
				log.Errorw("main: daemon stopped with error", "err", err)
				return err
			}
			return nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Infow("main: reloading policy on SIGHUP")
				if err := d.Bus().ReloadPolicy(); err != nil {
					log.Warnw("main: policy reload failed", "err", err)
				}
			default:
				log.Infow("main: shutting down", "signal", sig.String())
				if err := d.Stop(); err != nil {
					log.Warnw("main: shutdown error", "err", err)
				}
				return nil
			}
		}
	}
}

func writePidfile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func writeAddressFd(fd int, socketPath string) error {
	f := os.NewFile(uintptr(fd), "address-fd")
	if f == nil {
		return fmt.Errorf("fd %d is not valid", fd)
	}
	defer f.Close()
	addr := fmt.Sprintf("unix:path=%s\n", socketPath)
	_, err := f.WriteString(addr)
	return err
}
