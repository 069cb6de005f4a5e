package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldsync/internal/api"
	"github.com/roach88/fieldsync/internal/cache"
	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/netstate"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/trust"
	"github.com/roach88/fieldsync/internal/wake"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon and local API",
		Long: `Run the sync daemon.

The daemon watches connectivity, drains the local queue on start, on every
reconnect and on the configured interval, and serves the local API used by
the device UI.

Example:
  fieldsync run --config fieldsync.yaml
  FIELDSYNC_REMOTE_URL=https://merchant.example fieldsync run --db ./fieldsync.db -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, rootOpts)
		},
	}
	return cmd
}

func runDaemon(cmd *cobra.Command, opts *RootOptions) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.listen(); err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "fieldsync listening on %s\n", d.addr())

	if err := d.run(ctx); err != nil {
		return WrapExitError(ExitFailure, "daemon error", err)
	}
	slog.Info("daemon stopped gracefully")
	return nil
}

// daemon is the long-running runtime: one store, one queue, one engine,
// one connectivity monitor and the local API.
type daemon struct {
	cfg      *config.Config
	store    *store.Store
	queue    *queue.Queue
	engine   *engine.Engine
	monitor  *netstate.Monitor
	wake     *wake.Registry
	server   *http.Server
	listener net.Listener
}

func newDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	submitter, _, err := newSubmitter(ctx, cfg, st, m)
	if err != nil {
		closeStore(st)
		return nil, err
	}
	mgr, err := newTrustManager(cfg, m)
	if err != nil {
		closeStore(st)
		return nil, err
	}

	probeURL := cfg.Network.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Remote.URL
	}
	prober := netstate.HTTPProber{Client: &http.Client{Timeout: cfg.Remote.Timeout}, URL: probeURL}
	online := prober.Probe(ctx) == nil
	mon := netstate.NewMonitor(online,
		netstate.WithProber(prober, cfg.Network.ProbeInterval),
		netstate.WithMetrics(m),
	)

	q := queue.New(st, queue.WithMetrics(m))
	eng := engine.New(q, submitter,
		engine.WithOnline(mon.Online),
		engine.WithParallelTypes(cfg.Sync.ParallelTypes),
		engine.WithMetrics(m),
	)

	mon.OnChange(func(s netstate.State) {
		if s.Online {
			_ = eng.Trigger(engine.ReasonReconnect)
		}
	})

	wr := wake.NewRegistry()
	for _, name := range []string{wake.SyncSales, wake.SyncEnrollments} {
		wr.Register(name, func(context.Context) error {
			return eng.Trigger(engine.ReasonWake)
		})
	}

	var tokens *trust.TokenStore
	if mgr != nil {
		tokens = trust.NewTokenStore(st)
	}
	srv := api.New(api.Deps{
		Queue:      q,
		Engine:     eng,
		Monitor:    mon,
		Trust:      mgr,
		Tokens:     tokens,
		References: cache.New(st, cfg.Cache.Generation),
		Gatherer:   reg,
	})

	slog.Info("daemon ready",
		"db", cfg.DBPath,
		"online", online,
		"sync_interval", cfg.Sync.Interval,
		"parallel_types", cfg.Sync.ParallelTypes,
		"offline_tokens", mgr != nil,
	)

	return &daemon{
		cfg:     cfg,
		store:   st,
		queue:   q,
		engine:  eng,
		monitor: mon,
		wake:    wr,
		server: &http.Server{
			Handler:           srv.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (d *daemon) listen() error {
	ln, err := net.Listen("tcp", d.cfg.API.Addr)
	if err != nil {
		return err
	}
	d.listener = ln
	return nil
}

func (d *daemon) addr() string {
	if d.listener == nil {
		return d.cfg.API.Addr
	}
	return d.listener.Addr().String()
}

// run serves until ctx is cancelled. The connectivity monitor, wake ticker,
// engine loop and HTTP server share one errgroup; the first failure stops
// the rest.
func (d *daemon) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCancel(d.engine.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(d.monitor.Run(ctx)) })
	g.Go(func() error {
		return ignoreCancel(d.wake.Run(ctx, d.monitor.Reconnected(), d.cfg.Sync.Interval))
	})
	g.Go(func() error {
		slog.Info("api listening", "addr", d.addr())
		if err := d.server.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		d.engine.Stop()
		return d.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (d *daemon) close() {
	closeStore(d.store)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
