package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/providentiaww/trilix-authserver/cmd/authserver/auth"
	oauthapi "github.com/providentiaww/trilix-authserver/cmd/authserver/oauth"
	"github.com/providentiaww/trilix-authserver/internal/config"
	"github.com/providentiaww/trilix-authserver/internal/events"
	"github.com/providentiaww/trilix-authserver/internal/logger"
	"github.com/providentiaww/trilix-authserver/internal/metrics"
	"github.com/providentiaww/trilix-authserver/internal/oauth"
	"github.com/providentiaww/trilix-authserver/internal/ratelimit"
	"github.com/providentiaww/trilix-authserver/internal/storage"
)

const ServiceName = "authserver"

// ServiceVersion is overridden at build time with -ldflags "-X main.ServiceVersion=...".
var ServiceVersion = "v1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           ServiceName,
		Short:         "OAuth 2.0 authorization-code server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			report := config.LoadEnv(cmd.Context(), ".env")
			logger.Init(logger.Config{
				Env:         envOr("APP_ENV", "dev"),
				Level:       envOr("LOG_LEVEL", "info"),
				ServiceName: ServiceName,
				Version:     ServiceVersion,
			})
			report.Log(logger.L())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	root.AddCommand(newServeCmd(), newRegisterAppCmd(), newSweepCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the expired-code sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if configFile == "" {
				configFile = envOr("CONFIG_FILE", "config.yaml")
			}
			return serve(ctx, configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "YAML server settings (default $CONFIG_FILE or config.yaml)")
	return cmd
}

func serve(ctx context.Context, configFile string) error {
	log := logger.Named(ServiceName)
	ctx = logger.ToContext(ctx, log)

	cfg, err := oauth.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	srvCfg, err := config.LoadServerConfig(configFile)
	if err != nil {
		return err
	}
	directory, err := auth.NewSupabaseDirectoryFromEnv()
	if err != nil {
		return err
	}

	storeOpts := storage.OptionsFromEnv()
	store, err := storage.Open(ctx, storeOpts)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	log.Info("storage ready", logger.String("driver", storeOpts.Driver))

	pub := openPublisher(log)
	defer pub.Close()

	m := metrics.New()
	registry := oauth.NewRegistry(store, oauth.WithRegistryMetrics(m), oauth.WithRegistryEvents(pub))
	codes := oauth.NewCodeService(store, oauth.WithCodeMetrics(m), oauth.WithCodeEvents(pub))
	tokens := oauth.NewTokenService(cfg.SigningSecret)
	server := oauthapi.NewServer(cfg, registry, codes, tokens, directory,
		oauthapi.WithMetrics(m),
		oauthapi.WithEvents(pub),
	)

	httpServer := &http.Server{
		Addr: srvCfg.Addr,
		Handler: newRouter(routerDeps{
			server:      server,
			store:       store,
			metrics:     m,
			limiter:     ratelimit.New(srvCfg.RegisterRatePerMinute, srvCfg.RegisterBurst),
			corsOrigins: srvCfg.CORSOrigins,
		}),
		ReadTimeout:  srvCfg.ReadTimeout,
		WriteTimeout: srvCfg.WriteTimeout,
		IdleTimeout:  srvCfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", logger.String("addr", srvCfg.Addr), logger.String("version", ServiceVersion))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return codes.RunSweeper(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openPublisher connects to AMQP_URL when set. Events are optional, so a
// failed dial falls back to discarding them.
func openPublisher(log *zap.Logger) events.Publisher {
	url := os.Getenv("AMQP_URL")
	if url == "" {
		return events.Nop{}
	}
	pub, err := events.NewAMQPPublisher(url, envOr("AMQP_EXCHANGE", "oauth.events"))
	if err != nil {
		log.Warn("event publishing disabled", logger.Err(err))
		return events.Nop{}
	}
	return pub
}

func newRegisterAppCmd() *cobra.Command {
	var (
		name         string
		redirectURIs []string
	)
	cmd := &cobra.Command{
		Use:   "register-app",
		Short: "Register a client application and print its credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openSharedStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			client, secret, err := oauth.NewRegistry(store).Register(ctx, name, redirectURIs)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"client_id":     client.ClientID,
				"client_secret": secret,
				"app_name":      client.AppName,
				"redirect_uris": client.RedirectURIs,
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "application name")
	cmd.Flags().StringSliceVar(&redirectURIs, "redirect-uri", nil, "allowed redirect URI (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("redirect-uri")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired authorization codes once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openSharedStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := oauth.NewCodeService(store).SweepExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d expired codes\n", n)
			return nil
		},
	}
}

// openSharedStore opens storage for the one-shot commands. The memory driver
// lives inside a single process, so nothing these commands write would reach
// the server.
func openSharedStore(ctx context.Context) (oauth.Store, error) {
	opts := storage.OptionsFromEnv()
	if opts.Driver == storage.DriverMemory {
		return nil, fmt.Errorf("storage driver %q is not shared with the server; set STORAGE_DRIVER to file, postgres or redis", opts.Driver)
	}
	store, err := storage.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), ServiceName, ServiceVersion)
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
