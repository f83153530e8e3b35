package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"form-gateway/internal/config"
	"form-gateway/internal/observability"
	"form-gateway/middleware/ratelimit"
	"form-gateway/middleware/ratelimit/application"
	"form-gateway/middleware/ratelimit/domain"
)

func main() {
	if err := newRootCmd(config.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Reverse proxy que limita envios de formulário por IP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ReadFile(v, cfgFile); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if err := cfg.ValidateGateway(); err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "arquivo de configuração YAML (opcional)")
	f.String("listen", "", "endereço de escuta (LISTEN_ADDR)")
	f.String("upstream", "", "URL do app de formulário (UPSTREAM_URL)")
	f.String("log-level", "", "debug, info, warn ou error (LOG_LEVEL)")
	f.String("store", "", "file, sqlite, redis ou memory (RATE_STORE)")
	f.String("store-path", "", "arquivo do estado (RATE_STORE_PATH)")
	bindFlags(v, cmd, map[string]string{
		"listen":     config.KeyListenAddr,
		"upstream":   config.KeyUpstreamURL,
		"log-level":  config.KeyLogLevel,
		"store":      config.KeyStore,
		"store-path": config.KeyStorePath,
	})
	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for flag, key := range keys {
		_ = v.BindPFlag(key, cmd.Flags().Lookup(flag))
	}
}

func serve(parent context.Context, cfg config.Config) error {
	logger, err := observability.NewLogger("gateway", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}

	store, closeStore, err := config.OpenStore(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("rate limit store: %w", err)
	}
	defer func() { _ = closeStore() }()

	stats, closeStats, err := config.OpenStats(cfg.Stats)
	if err != nil {
		return err
	}
	defer func() { _ = closeStats() }()

	limiter := application.Limiter{
		Store:  store,
		Policy: cfg.Policy,
		Logger: logger,
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	limiter.StartJanitor(ctx, cfg.SweepEvery)

	h := buildHandler(cfg, target, limiter, stats, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("upstream", target.String()))
	logger.Info("rate limit",
		zap.Bool("enabled", cfg.RateEnabled),
		zap.Duration("window", cfg.Policy.Window),
		zap.Int("max_requests", cfg.Policy.MaxRequests),
		zap.Float64("sweep_probability", cfg.Policy.SweepProbability),
		zap.Duration("lock_timeout", cfg.Policy.LockTimeout),
		zap.String("store", cfg.Store.Kind),
		zap.Strings("methods", cfg.Methods),
		zap.Bool("trust_xff", cfg.TrustXFF))
	logger.Info("rate limit stats",
		zap.Bool("enabled", cfg.Stats.Enabled),
		zap.String("redis_addr", cfg.Stats.Redis.Addr),
		zap.Bool("track_identities", cfg.Stats.TrackIdentities))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// buildHandler monta proxy -> middleware de rate limit (se habilitado).
func buildHandler(cfg config.Config, target *url.URL, limiter ratelimit.Checker, stats domain.StatsStore, logger *zap.Logger) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	h := http.Handler(proxy)
	if cfg.RateEnabled {
		h = ratelimit.Middleware(ratelimit.Options{
			Limiter:             limiter,
			Stats:               stats,
			KeyHeader:           cfg.KeyHeader,
			TrustXForwardedFor:  cfg.TrustXFF,
			Methods:             cfg.Methods,
			AddRateLimitHeaders: cfg.AddHeaders,
			Logger:              logger,
		})(h)
	}
	return h
}
