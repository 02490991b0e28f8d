package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/tollgate/api"
	"github.com/jmcleod/tollgate/internal/config"
	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/internal/tlsutil"
	"github.com/jmcleod/tollgate/session"
)

const limiterSweepInterval = 5 * time.Minute

var (
	port    int
	dataDir string
	tlsCert string
	tlsKey  string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the authentication server",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyServerFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runServer(cmd.Context(), cfg)
	},
}

// applyServerFlags lets explicitly set flags override the loaded config.
func applyServerFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		c.Server.Addr = ":" + strconv.Itoa(port)
	}
	if flags.Changed("data-dir") {
		c.Storage.DataDir = dataDir
	}
	if flags.Changed("tls-cert") {
		c.Server.TLSCert = tlsCert
	}
	if flags.Changed("tls-key") {
		c.Server.TLSKey = tlsKey
	}
}

// newRouter mounts the API under /api/v1 next to the health and metrics
// endpoints.
func newRouter(s *stack, a *api.API) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(api.RequestLogger(s.metrics))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", s.metrics.Handler())
	r.Mount("/api/v1", a.Router())
	return r
}

func newAPI(s *stack, c *config.Config) (*api.API, error) {
	proxies, err := api.ParseTrustedProxies(c.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}
	opts := []api.Option{
		api.WithPasskeys(s.passkeys),
		api.WithRealtime(s.adapter),
		api.WithTrustedProxies(proxies),
		api.WithSecureCookies(c.Server.SecureCookie),
		api.WithLogger(logger.L()),
		api.WithAuditWebhook(c.Server.AuditWebhook, c.Server.AuditWebhookHeader),
	}
	if s.ipLimiter != nil {
		opts = append(opts, api.WithLimiters(s.ipLimiter, s.regLimiter))
	}
	return api.New(s.manager, s.principals, s.engine, opts...), nil
}

func runServer(ctx context.Context, c *config.Config) error {
	log := logger.Named("server")

	s, err := buildStack(ctx, c)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn("close failed", zap.Error(err))
		}
	}()

	a, err := newAPI(s, c)
	if err != nil {
		return err
	}
	defer a.Close()

	tlsConfig, selfSigned, err := tlsutil.ServerConfig(c.Server.TLSCert, c.Server.TLSKey)
	if err != nil {
		return err
	}
	if selfSigned {
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	}

	server := &http.Server{
		Addr:              c.Server.Addr,
		Handler:           newRouter(s, a),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	sweeper := session.NewSweeper(s.store, c.Session.SweepInterval, s.metrics)
	g.Go(func() error { return sweeper.Run(gctx) })

	if s.memLimiter != nil {
		g.Go(func() error {
			ticker := time.NewTicker(limiterSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					s.memLimiter.Sweep()
				}
			}
		})
	}

	// Graceful shutdown on SIGINT/SIGTERM or when any worker fails.
	g.Go(func() error {
		<-gctx.Done()
		if sigCtx.Err() != nil {
			fmt.Println("\nReceived shutdown signal, shutting down...")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	printBanner()
	fmt.Printf("Starting server on %s (storage: %s)...\n", c.Server.Addr, c.Storage.Backend)
	log.Info("server starting",
		zap.String("addr", c.Server.Addr),
		zap.String("storage", c.Storage.Backend),
		zap.String("broker", c.Broker.Backend),
		zap.String("rate_limit", c.RateLimit.Backend))

	return g.Wait()
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
