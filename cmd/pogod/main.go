// Command pogod is the dispatcher process: a root cobra command with
// persistent flags for config path, foreground mode, log level, and bind
// address, plus a signal-driven graceful shutdown that orders its
// components' teardown.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/raft"
	"github.com/spf13/cobra"

	"github.com/pogo-fleet/pogo/internal/config"
	"github.com/pogo-fleet/pogo/internal/log"
	"github.com/pogo-fleet/pogo/pkg/cs"
	"github.com/pogo-fleet/pogo/pkg/cs/raftstore"
	"github.com/pogo-fleet/pogo/pkg/dispatcher"
	"github.com/pogo-fleet/pogo/pkg/events"
	"github.com/pogo-fleet/pogo/pkg/frontend"
	"github.com/pogo-fleet/pogo/pkg/namespace"
	"github.com/pogo-fleet/pogo/pkg/scheduler"
	"github.com/pogo-fleet/pogo/pkg/security"
	"github.com/pogo-fleet/pogo/pkg/workerpool"
)

// Exit codes: clean shutdown, config error, CS unreachable, internal error.
const (
	exitOK            = 0
	exitConfigError   = 64
	exitCSUnreachable = 69
	exitInternal      = 70
)

var cfgPath string

func main() {
	os.Exit(run())
}

func run() int {
	code := exitOK
	rootCmd := newRootCmd(&code)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code == exitOK {
			code = exitInternal
		}
	}
	return code
}

func newRootCmd(exitCode *int) *cobra.Command {
	var foreground bool
	var logLevel string
	var bind string

	cmd := &cobra.Command{
		Use:   "pogod",
		Short: "pogod runs the Pogo fleet command-execution dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatcher(cmd.Context(), cfgPath, foreground, logLevel, bind, exitCode)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to pogod.yaml")
	cmd.PersistentFlags().BoolVar(&foreground, "foreground", true, "run in the foreground with console logging")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&bind, "bind", "", "override the configured front-end bind address")

	return cmd
}

func runDispatcher(ctx context.Context, cfgPath string, foreground bool, logLevel, bind string, exitCode *int) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		*exitCode = exitConfigError
		return err
	}
	cfg.Foreground = foreground
	if logLevel != "" {
		cfg.LogLevel = log.Level(logLevel)
	}
	if bind != "" {
		cfg.Bind = bind
	}
	if err := cfg.Validate(); err != nil {
		*exitCode = exitConfigError
		return err
	}

	log.Init(log.Config{Level: cfg.LogLevel, Foreground: cfg.Foreground})
	logger := log.WithComponent("pogod")

	store, err := openStore(cfg)
	if err != nil {
		*exitCode = exitCSUnreachable
		return fmt.Errorf("opening coordination store: %w", err)
	}
	defer store.Close()

	adapter := cs.NewAdapter(store)
	nsCache := namespace.NewCache(adapter)
	sched := scheduler.New(adapter, nsCache)
	broker := events.NewBroker()
	broker.Start()

	vault, err := security.NewVault()
	if err != nil {
		*exitCode = exitInternal
		return fmt.Errorf("initializing secret vault: %w", err)
	}
	pool := workerpool.New(vault, cfg.WorkerReconnectGrace, nil)

	d := dispatcher.New(dispatcher.Config{
		ID:                cfg.CS.NodeID,
		BindAddr:          cfg.Bind,
		Adapter:           adapter,
		NSCache:           nsCache,
		Scheduler:         sched,
		Pool:              pool,
		Broker:            broker,
		DefaultTimeout:    cfg.DefaultTimeout,
		DefaultJobTimeout: cfg.DefaultJobTimeout,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.Start(runCtx); err != nil {
		*exitCode = exitInternal
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	logger.Info().Str("id", cfg.CS.NodeID).Msg("dispatcher started")

	workerTLS, err := buildWorkerTLSConfig(cfg.CertDir)
	if err != nil {
		*exitCode = exitInternal
		return fmt.Errorf("loading worker pool TLS certificates: %w", err)
	}
	workerSrv := workerpool.NewServer(pool, workerTLS)
	workerErrCh := make(chan error, 1)
	go func() {
		if err := workerSrv.Serve(runCtx, cfg.WorkerBind); err != nil {
			workerErrCh <- err
		}
	}()
	logger.Info().Str("bind", cfg.WorkerBind).Msg("worker pool listening")

	frontendSrv := frontend.NewServer(cfg.Bind, d)
	frontendErrCh := make(chan error, 1)
	go func() {
		if err := frontendSrv.Serve(); err != nil {
			frontendErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("received shutdown signal")
	case err := <-frontendErrCh:
		logger.Error().Err(err).Msg("front-end server error")
	case err := <-workerErrCh:
		logger.Error().Err(err).Msg("worker pool server error")
	}

	cancel()
	if err := frontendSrv.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("front-end shutdown error")
	}
	d.Shutdown()
	broker.Stop()
	logger.Info().Msg("shutdown complete")
	return nil
}

// openStore opens the Raft-replicated coordination store, joining any
// configured peers. A single-node deployment with no peers bootstraps
// itself as the sole member.
func openStore(cfg config.Config) (*raftstore.Store, error) {
	servers := make([]raft.Server, 0, len(cfg.CS.Peers))
	for _, p := range cfg.CS.Peers {
		id, addr, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("malformed peer %q, expected id=addr", p)
		}
		servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr)})
	}
	return raftstore.Open(raftstore.Config{
		NodeID:    cfg.CS.NodeID,
		BindAddr:  cfg.CS.Bind,
		DataDir:   cfg.DataDir,
		Bootstrap: cfg.CS.Bootstrap,
		Peers:     servers,
	})
}

// buildWorkerTLSConfig loads the dispatcher's mTLS identity from certDir and
// builds the worker pool listener's tls.Config, requiring and verifying
// worker client certificates.
func buildWorkerTLSConfig(certDir string) (*tls.Config, error) {
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("no certificate triple found in %s; provision one before starting pogod", certDir)
	}
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, err
	}
	ca, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, err
	}
	if security.CertNeedsRotation(cert.Leaf) {
		rotationLogger := log.WithComponent("pogod")
		rotationLogger.Warn().Time("not_after", cert.Leaf.NotAfter).Msg("dispatcher certificate is close to expiry; rotate soon")
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
