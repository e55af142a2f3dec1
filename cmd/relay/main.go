package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/natemellendorf/relaychat/internal/api"
	"github.com/natemellendorf/relaychat/internal/auth"
	"github.com/natemellendorf/relaychat/internal/config"
	"github.com/natemellendorf/relaychat/internal/hub"
	"github.com/natemellendorf/relaychat/internal/metrics"
	"github.com/natemellendorf/relaychat/internal/relay"
	"github.com/natemellendorf/relaychat/internal/store"
)

const (
	logFileFlag     = "log-file"
	tokenTTLFlag    = "ttl"
	shutdownTimeout = 10 * time.Second
)

func main() {
	config.LoadDotEnv()
	if err := newRootCmd(config.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Store-and-forward relay for end-to-end encrypted chat",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := config.InitLog(cfg.LogLevel, v.GetString(logFileFlag)); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(config.JWTSecretFlag, "", "HMAC secret used to verify bearer tokens")
	flags.String(config.LogLevelFlag, "info", "Log level: trace, debug, info, warn, error")
	flags.String(logFileFlag, "-", "Log output path (- is stdout)")

	local := cmd.Flags()
	local.String(config.HTTPAddrFlag, ":8080", "Listen address for the HTTP API and WebSocket")
	local.String(config.StoreBackendFlag, config.BackendMemory, "Message store backend: memory or bbolt")
	local.String(config.StorePathFlag, "./relay.db", "Path to the bbolt database")
	local.Duration(config.DefaultTTLFlag, 7*24*time.Hour, "TTL applied when a sender gives none")
	local.Duration(config.MaxTTLFlag, 7*24*time.Hour, "Upper bound on requested TTLs")
	local.Duration(config.SweepIntervalFlag, time.Hour, "Expired message sweep interval")
	local.String(config.AllowedOriginsFlag, "", "Comma-separated WebSocket origins to accept")
	local.Bool(config.DevModeFlag, false, "Accept WebSocket upgrades from any origin")
	local.Float64(config.SendRateFlag, 5, "Sustained sends per second per identity")
	local.Int(config.SendBurstFlag, 20, "Send burst per identity")
	local.Int(config.PushQueueSizeFlag, hub.DefaultSendQueueSize, "Frames buffered per WebSocket session")
	local.Duration(config.WriteTimeoutFlag, 10*time.Second, "WebSocket write deadline")

	config.Bind(v, cmd,
		config.JWTSecretFlag, config.LogLevelFlag, logFileFlag,
		config.HTTPAddrFlag, config.StoreBackendFlag, config.StorePathFlag,
		config.DefaultTTLFlag, config.MaxTTLFlag, config.SweepIntervalFlag,
		config.AllowedOriginsFlag, config.DevModeFlag, config.SendRateFlag,
		config.SendBurstFlag, config.PushQueueSizeFlag, config.WriteTimeoutFlag)

	cmd.AddCommand(newTokenCmd(v))
	return cmd
}

// newTokenCmd issues a bearer token for an identity, for local testing.
func newTokenCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Issue a bearer token signed with the relay secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := v.GetString(config.JWTSecretFlag)
			if secret == "" {
				return xerrors.Errorf("%s is required", config.JWTSecretFlag)
			}
			ttl, err := cmd.Flags().GetDuration(tokenTTLFlag)
			if err != nil {
				return err
			}
			token, err := auth.Issue(secret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Duration(tokenTTLFlag, 24*time.Hour, "Token lifetime")
	return cmd
}

func openStore(cfg *config.Config) (store.Store, error) {
	var st store.Store
	switch cfg.StoreBackend {
	case config.BackendBBolt:
		st = store.NewBBoltStore(cfg.StorePath)
	default:
		st = store.NewMemoryStore()
	}
	if err := st.Open(); err != nil {
		return nil, xerrors.Errorf("failed to open %s store: %w", cfg.StoreBackend, err)
	}
	return st, nil
}

// run serves the relay until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, cfg *config.Config) (err error) {
	jww.INFO.Printf("relay: starting on %s (store=%s, default-ttl=%s, max-ttl=%s, sweep=%s)",
		cfg.HTTPAddr, cfg.StoreBackend, cfg.DefaultTTL, cfg.MaxTTL, cfg.SweepInterval)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	svc := relay.NewService(st, relay.Options{DefaultTTL: cfg.DefaultTTL, MaxTTL: cfg.MaxTTL})
	h := hub.New(svc, hub.Options{SendQueueSize: cfg.PushQueueSize})
	svc.SetPusher(h)

	sweeper := store.NewTTLSweeper(st, cfg.SweepInterval)
	sweeper.SetExpiredCounter(metrics.IncrementExpired)
	svc.SetSweeper(sweeper)

	handler, health := api.NewRouter(api.Options{
		Service:        svc,
		Hub:            h,
		Store:          st,
		Sweeper:        sweeper,
		Verifier:       auth.NewHMACVerifier(cfg.JWTSecret),
		Limiter:        api.NewSendLimiter(cfg.SendRate, cfg.SendBurst),
		AllowedOrigins: cfg.AllowedOrigins,
		DevMode:        cfg.DevMode,
		WriteTimeout:   cfg.WriteTimeout,
	})
	health.SetStoreInitialized()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		jww.INFO.Printf("relay: listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return xerrors.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		jww.INFO.Printf("relay: shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		sweeper.Stop()
		h.Close()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	err = multierr.Append(err, st.Close())
	if err == nil {
		jww.INFO.Printf("relay: stopped")
	}
	return err
}
