package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/cache"
	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/logging"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/proxy"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/remote"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/trust"
)

// loadConfig reads the configured file, applies the --db override and
// installs the scrubbing logger as the slog default.
func loadConfig(cmd *cobra.Command, opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.DB != "" {
		cfg.DBPath = opts.DB
	}

	logger := logging.New(cmd.ErrOrStderr(), logging.Options{
		Verbose: opts.Verbose || cfg.Log.Verbose,
		Format:  cfg.Log.Format,
	})
	slog.SetDefault(logger)
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	slog.Debug("opening database", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// newSubmitter builds the remote client on top of the caching proxy, with
// the configured cache generation activated.
func newSubmitter(ctx context.Context, cfg *config.Config, st *store.Store, m *metrics.Metrics) (*remote.Client, *proxy.Transport, error) {
	if cfg.Remote.URL == "" {
		return nil, nil, NewExitError(ExitCommandError, "remote url is not configured (remote.url or "+config.EnvRemoteURL+")")
	}

	tr := proxy.NewTransport(
		cache.New(st, cfg.Cache.Generation),
		proxy.WithMutablePrefix(cfg.Cache.MutablePrefix),
		proxy.WithMetrics(m),
	)
	if err := tr.Activate(ctx, cfg.Cache.Generation); err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to activate cache", err)
	}

	client := tr.Client()
	client.Timeout = cfg.Remote.Timeout

	opts := []remote.Option{remote.WithHTTPClient(client)}
	for name, path := range cfg.Remote.Endpoints {
		t, err := queue.ParseRecordType(name)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "invalid remote endpoint", err)
		}
		opts = append(opts, remote.WithEndpoint(t, path))
	}

	rc, err := remote.New(cfg.Remote.URL, opts...)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid remote url", err)
	}
	return rc, tr, nil
}

// newTrustManager returns nil when no signing secret is configured.
func newTrustManager(cfg *config.Config, m *metrics.Metrics) (*trust.Manager, error) {
	if cfg.Trust.Secret == "" {
		return nil, nil
	}
	mgr, err := trust.NewManager([]byte(cfg.Trust.Secret), trust.WithMetrics(m))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create token manager", err)
	}
	return mgr, nil
}

func requireTrustManager(cfg *config.Config) (*trust.Manager, error) {
	mgr, err := newTrustManager(cfg, nil)
	if err != nil {
		return nil, err
	}
	if mgr == nil {
		return nil, WrapExitError(ExitCommandError,
			fmt.Sprintf("trust.secret or %s must be set", config.EnvTrustSecret), trust.ErrMissingSecret)
	}
	return mgr, nil
}

func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:  opts.Format,
		Writer:  cmd.OutOrStdout(),
		Verbose: opts.Verbose,
	}
}
